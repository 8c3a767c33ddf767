package pullbox

import (
	"runtime"

	"github.com/pullfrog/pullbox/platform"
)

// osLinux is the GOOS value for Linux.
const osLinux = "linux"

// MaybeSandboxInit checks whether the current process was re-executed as
// the namespace init helper of an isolated command. If so it never
// returns: it sets up the namespace and execs the command. In every other
// process it returns false.
//
// A process that Apply restarted inside a sandbox also passes through
// here: MaybeSandboxInit finishes the restriction, and once the program
// runs again it records the sandbox so that Apply can return its handle.
//
// Binaries that call Apply or launch isolated commands must call it first
// in main, and test binaries first in TestMain:
//
//	func main() {
//	    if pullbox.MaybeSandboxInit() {
//	        return
//	    }
//	    // ... rest of main
//	}
func MaybeSandboxInit() bool {
	if runtime.GOOS == osLinux && maybeSandboxInitLinux() {
		return true
	}
	restoreSandbox(platform.TakeRestored())
	return false
}
