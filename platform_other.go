//go:build !linux

package pullbox

func maybeSandboxInitLinux() bool { return false }
