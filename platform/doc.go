// Package platform defines the OS abstraction used by pullbox: a probe of
// the kernel's sandbox features, a way to install a filesystem/network
// ruleset on the current process, and a way to start a command inside
// fresh namespaces. Most users should use the top-level pullbox package.
package platform
