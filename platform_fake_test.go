package pullbox

import (
	"os/exec"
	"sync"
	"testing"

	"github.com/pullfrog/pullbox/platform"
)

// fakePlatform records what the package asks of the kernel.
type fakePlatform struct {
	support     platform.Support
	result      platform.RestrictResult
	restrictErr error
	isolateErr  error
	// restartErr is what RestrictExec returns; a real restart never returns.
	restartErr error

	mu         sync.Mutex
	restricted []*platform.Ruleset
	restarts   [][]byte
	isolated   int
}

func (p *fakePlatform) Name() string { return "fake" }

func (p *fakePlatform) Probe() platform.Support { return p.support }

func (p *fakePlatform) Restrict(rs *platform.Ruleset) (*platform.RestrictResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restricted = append(p.restricted, rs)
	if p.restrictErr != nil {
		return nil, p.restrictErr
	}
	res := p.result
	return &res, nil
}

func (p *fakePlatform) RestrictExec(rs *platform.Ruleset, carry []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restricted = append(p.restricted, rs)
	p.restarts = append(p.restarts, carry)
	return p.restartErr
}

func (p *fakePlatform) Isolate(*exec.Cmd, *platform.IsolationConfig) (platform.Isolation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isolated++
	if p.isolateErr != nil {
		return nil, p.isolateErr
	}
	return nil, platform.ErrIsolationUnsupported
}

func (p *fakePlatform) restrictCalls() []*platform.Ruleset {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*platform.Ruleset(nil), p.restricted...)
}

func (p *fakePlatform) restartCalls() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.restarts...)
}

func landlockPlatform(abi int) *fakePlatform {
	return &fakePlatform{
		support: platform.Support{
			Landlock:           true,
			ABIVersion:         abi,
			NetworkRestriction: abi >= 4,
			PIDIsolation:       true,
			KernelVersion:      "6.8.0",
		},
		result: platform.RestrictResult{ABIVersion: abi, NetworkEnforced: abi >= 4},
	}
}

// useFakePlatform installs p for the duration of the test and starts it
// with no sandbox applied.
func useFakePlatform(t *testing.T, p *fakePlatform) {
	t.Helper()
	origDetect := detectPlatformFn
	detectPlatformFn = func() platform.Platform { return p }

	applied.mu.Lock()
	origHandle, origLayers, origReplay := applied.handle, applied.layers, applied.replay
	origRestored, origRestoreErr := applied.restored, applied.restoreErr
	applied.handle, applied.layers, applied.replay = nil, nil, nil
	applied.restored, applied.restoreErr = nil, nil
	applied.mu.Unlock()

	t.Cleanup(func() {
		detectPlatformFn = origDetect
		applied.mu.Lock()
		applied.handle, applied.layers, applied.replay = origHandle, origLayers, origReplay
		applied.restored, applied.restoreErr = origRestored, origRestoreErr
		applied.mu.Unlock()
	})
}
