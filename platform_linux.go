//go:build linux

package pullbox

import (
	"github.com/pullfrog/pullbox/platform"
	"github.com/pullfrog/pullbox/platform/linux"
)

func init() {
	platform.Register(func() platform.Platform {
		return linux.New()
	})
}

func maybeSandboxInitLinux() bool {
	return linux.MaybeSandboxInit()
}
