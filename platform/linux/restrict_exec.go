//go:build linux

package linux

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/pullfrog/pullbox/internal/envutil"
	"github.com/pullfrog/pullbox/internal/pathutil"
	"github.com/pullfrog/pullbox/platform"
)

// restrictEnvKey marks a process restarted by RestrictExec that still has
// to install its ruleset. Its value is a JSON restrictRequest.
const restrictEnvKey = "_PULLBOX_RESTRICT"

type restrictRequest struct {
	Exe     string           `json:"exe"`
	Ruleset platform.Ruleset `json:"ruleset"`
	Carry   []byte           `json:"carry,omitempty"`
}

var (
	executableFn   = os.Executable
	applyRulesetFn = applyRuleset
)

// restrictExec restarts the program with a restrict request in its
// environment. MaybeSandboxInit in the new image serves it.
func restrictExec(rs *platform.Ruleset, carry []byte) error {
	exe, err := executableFn()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	// The restarted image is exec'd from inside the domain.
	if !pathutil.CoveredByAny(rs.Execute, exe) {
		return fmt.Errorf("executable %s is not in the execute allow-list, cannot restart inside the sandbox", exe)
	}
	req, err := json.Marshal(restrictRequest{Exe: exe, Ruleset: *rs, Carry: carry})
	if err != nil {
		return fmt.Errorf("encode restrict request: %w", err)
	}
	env := envutil.SetEnv(os.Environ(), restrictEnvKey, string(req))
	if err := syscallExecFn(exe, os.Args, env); err != nil {
		return fmt.Errorf("re-exec %s: %w", exe, err)
	}
	return nil
}

// restrictInit installs the requested ruleset on the calling thread and
// execs the program again from that thread, so every thread of the new
// image starts inside the Landlock domain. A failure ends the process: the
// program must not continue unrestricted.
func restrictInit(raw string) int {
	runtime.LockOSThread()

	var req restrictRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		fmt.Fprintf(os.Stderr, "pullbox: decode restrict request: %v\n", err)
		return initFailureExit
	}

	res, err := applyRulesetFn(&req.Ruleset, restrictOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "pullbox: apply sandbox: %v\n", err)
		return initFailureExit
	}

	state, err := json.Marshal(platform.Restored{Carry: req.Carry, Result: *res})
	if err != nil {
		fmt.Fprintf(os.Stderr, "pullbox: encode sandbox state: %v\n", err)
		return initFailureExit
	}
	env := envutil.RemoveEnv(os.Environ(), restrictEnvKey)
	env = envutil.SetEnv(env, platform.RestoredEnvKey, string(state))
	if err := syscallExecFn(req.Exe, os.Args, env); err != nil {
		fmt.Fprintf(os.Stderr, "pullbox: exec %s: %v\n", req.Exe, err)
		return initFailureExit
	}
	return 0 // unreachable
}
