//go:build linux

package linux

import (
	"errors"
	"os/exec"
	"testing"

	"github.com/pullfrog/pullbox/platform"
)

func TestPlatformName(t *testing.T) {
	if got := New().Name(); got != "linux-landlock" {
		t.Errorf("Name() = %q, want %q", got, "linux-landlock")
	}
}

func TestPlatformProbe(t *testing.T) {
	p := &Platform{
		kernelVersion: KernelVersion{6, 8, 0},
		landlock:      LandlockInfo{Supported: true, ABIVersion: 4, Features: "ABI v4"},
		userns:        true,
	}
	s := p.Probe()
	if !s.Landlock || s.ABIVersion != 4 || !s.NetworkRestriction || !s.PIDIsolation {
		t.Errorf("Probe() = %+v", s)
	}
	if s.KernelVersion != "6.8.0" {
		t.Errorf("KernelVersion = %q, want 6.8.0", s.KernelVersion)
	}
	if s.Reason != "" {
		t.Errorf("Reason = %q, want empty", s.Reason)
	}
}

func TestPlatformProbe_Degraded(t *testing.T) {
	p := &Platform{
		kernelErr:    errors.New("uname failed"),
		landlock:     LandlockInfo{Supported: true, ABIVersion: 3},
		usernsReason: "/proc/sys/kernel/unprivileged_userns_clone is 0",
	}
	s := p.Probe()
	if s.NetworkRestriction {
		t.Error("NetworkRestriction = true on ABI v3")
	}
	if s.PIDIsolation {
		t.Error("PIDIsolation = true with user namespaces disabled")
	}
	if s.KernelVersion != "" {
		t.Errorf("KernelVersion = %q, want empty after a uname error", s.KernelVersion)
	}
	if s.Reason == "" {
		t.Error("Reason should explain the missing isolation")
	}

	p = &Platform{landlock: LandlockInfo{Features: "landlock not available: function not implemented"}}
	if s := p.Probe(); s.Landlock || s.Reason != p.landlock.Features {
		t.Errorf("Probe() = %+v, want the Landlock reason", s)
	}
}

func TestPlatformIsolate_NoUserNamespaces(t *testing.T) {
	p := &Platform{}
	cmd := exec.Command("/bin/true")
	cmd.Env = []string{}
	if _, err := p.Isolate(cmd, &platform.IsolationConfig{}); !errors.Is(err, platform.ErrIsolationUnsupported) {
		t.Fatalf("err = %v, want ErrIsolationUnsupported", err)
	}
	if cmd.Path != "/bin/true" {
		t.Error("Isolate modified the command before failing")
	}
}

var _ platform.Platform = (*Platform)(nil)
