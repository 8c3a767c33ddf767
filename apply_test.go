package pullbox

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"golang.org/x/net/nettest"

	"github.com/pullfrog/pullbox/platform"
)

func testSandboxConfig() SandboxConfig {
	return SandboxConfig{
		FS: FSConfig{
			Read:    []string{"/usr", "/etc", "/home/agent"},
			Write:   []string{"/tmp", "/home/agent"},
			Execute: []string{"/usr"},
		},
		Net: NetConfig{ConnectPorts: []uint16{443, 22}},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestApply(t *testing.T) {
	p := landlockPlatform(5)
	useFakePlatform(t, p)

	h, err := Apply(testSandboxConfig(), WithApplyLogger(discardLogger()))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if h.Layers() != 1 || h.ABIVersion() != 5 || !h.NetworkEnforced() {
		t.Errorf("handle = layers %d abi %d network %v", h.Layers(), h.ABIVersion(), h.NetworkEnforced())
	}
	if time.Since(h.AppliedAt()) > time.Minute {
		t.Errorf("AppliedAt = %v", h.AppliedAt())
	}
	if !h.Config().Equal(testSandboxConfig()) {
		t.Errorf("Config() = %+v", h.Config())
	}
	if CurrentSandbox() != h {
		t.Error("CurrentSandbox() should return the applied handle")
	}

	calls := p.restrictCalls()
	if len(calls) != 1 {
		t.Fatalf("Restrict called %d times, want 1", len(calls))
	}
	rs := calls[0]
	if !rs.HandleNetwork || rs.BestEffortNetwork {
		t.Errorf("ruleset network flags = %v/%v", rs.HandleNetwork, rs.BestEffortNetwork)
	}
	if got := fmt.Sprint(rs.Write); got != "[/home/agent /tmp]" {
		t.Errorf("ruleset write = %s, want normalized list", got)
	}
	if got := fmt.Sprint(rs.ConnectPorts); got != "[22 443]" {
		t.Errorf("ruleset ports = %s", got)
	}
}

func TestApplyEqualConfigReturnsExistingHandle(t *testing.T) {
	p := landlockPlatform(5)
	useFakePlatform(t, p)

	first, err := Apply(testSandboxConfig(), WithApplyLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	// Same access, different spelling.
	cfg := testSandboxConfig()
	cfg.FS.Read = append(cfg.FS.Read, "/usr/lib", "/etc/")
	second, err := Apply(cfg, WithApplyLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("Apply with an equal config should return the existing handle")
	}
	if n := len(p.restrictCalls()); n != 1 {
		t.Errorf("Restrict called %d times, want 1", n)
	}
}

func TestApplyStricterConfigStacks(t *testing.T) {
	p := landlockPlatform(5)
	useFakePlatform(t, p)

	if _, err := Apply(testSandboxConfig(), WithApplyLogger(discardLogger())); err != nil {
		t.Fatal(err)
	}
	stricter := SandboxConfig{
		FS:  FSConfig{Read: []string{"/usr"}, Execute: []string{"/usr/bin"}},
		Net: NetConfig{ConnectPorts: []uint16{443}},
	}
	h, err := Apply(stricter, WithApplyLogger(discardLogger()))
	if err != nil {
		t.Fatalf("stricter Apply: %v", err)
	}
	if h.Layers() != 2 {
		t.Errorf("Layers() = %d, want 2", h.Layers())
	}
	if n := len(p.restrictCalls()); n != 2 {
		t.Errorf("Restrict called %d times, want 2", n)
	}
}

func TestApplyLooserConfigConflicts(t *testing.T) {
	p := landlockPlatform(5)
	useFakePlatform(t, p)

	orig, err := Apply(testSandboxConfig(), WithApplyLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}

	looser := testSandboxConfig()
	looser.Net.ConnectPorts = append(looser.Net.ConnectPorts, 80)
	_, err = Apply(looser, WithApplyLogger(discardLogger()))
	if !errors.Is(err, ErrSandboxConflict) {
		t.Fatalf("Apply(looser) error = %v, want ErrSandboxConflict", err)
	}
	var conflict *SandboxConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error %T is not *SandboxConflictError", err)
	}
	if conflict.Reason != "net.connect_ports grants 80" {
		t.Errorf("Reason = %q", conflict.Reason)
	}
	if !conflict.Applied.Equal(testSandboxConfig()) || !conflict.Requested.Equal(looser) {
		t.Error("conflict should carry both configs")
	}
	if CurrentSandbox() != orig {
		t.Error("a refused Apply must leave the sandbox in force unchanged")
	}
	if n := len(p.restrictCalls()); n != 1 {
		t.Errorf("Restrict called %d times, want 1", n)
	}
}

func TestApplyErrors(t *testing.T) {
	tests := []struct {
		name     string
		platform *fakePlatform
		cfg      SandboxConfig
		want     error
	}{
		{
			name:     "no landlock",
			platform: &fakePlatform{support: platform.Support{Reason: "landlock is not enabled"}},
			cfg:      testSandboxConfig(),
			want:     ErrUnsupportedPlatform,
		},
		{
			name: "restrict reports landlock unsupported",
			platform: func() *fakePlatform {
				p := landlockPlatform(3)
				p.restrictErr = platform.ErrLandlockUnsupported
				return p
			}(),
			cfg:  testSandboxConfig(),
			want: ErrUnsupportedPlatform,
		},
		{
			name: "network unsupported",
			platform: func() *fakePlatform {
				p := landlockPlatform(3)
				p.restrictErr = platform.ErrNetworkUnsupported
				return p
			}(),
			cfg:  testSandboxConfig(),
			want: ErrNetworkRestrictionUnsupported,
		},
		{
			name:     "invalid config",
			platform: landlockPlatform(5),
			cfg:      SandboxConfig{FS: FSConfig{Read: []string{"relative"}}},
			want:     ErrConfigInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useFakePlatform(t, tt.platform)
			h, err := Apply(tt.cfg, WithApplyLogger(discardLogger()))
			if !errors.Is(err, tt.want) {
				t.Fatalf("Apply() error = %v, want %v", err, tt.want)
			}
			if h != nil || CurrentSandbox() != nil {
				t.Error("a failed Apply must not record a handle")
			}
		})
	}
}

func TestApplyRestrictFailure(t *testing.T) {
	p := landlockPlatform(5)
	p.restrictErr = errors.New("landlock_restrict_self: operation not permitted")
	useFakePlatform(t, p)

	_, err := Apply(testSandboxConfig(), WithApplyLogger(discardLogger()))
	if err == nil || !strings.Contains(err.Error(), "operation not permitted") {
		t.Fatalf("Apply() error = %v", err)
	}
	for _, sentinel := range []error{ErrUnsupportedPlatform, ErrNetworkRestrictionUnsupported} {
		if errors.Is(err, sentinel) {
			t.Errorf("generic failure should not match %v", sentinel)
		}
	}
}

func TestApplyBestEffortNetwork(t *testing.T) {
	p := landlockPlatform(3)
	useFakePlatform(t, p)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	p.result.SkippedPaths = []string{"/nix"}

	h, err := Apply(testSandboxConfig(), WithBestEffortNetwork(), WithApplyLogger(logger))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if h.NetworkEnforced() {
		t.Error("NetworkEnforced() = true on ABI 3")
	}
	if !p.restrictCalls()[0].BestEffortNetwork {
		t.Error("ruleset should carry BestEffortNetwork")
	}
	logs := buf.String()
	if !strings.Contains(logs, "level=WARN") || !strings.Contains(logs, "outbound TCP is unrestricted") {
		t.Errorf("expected a network warning, got:\n%s", logs)
	}
	if !strings.Contains(logs, "path=/nix") {
		t.Errorf("expected a debug line for the skipped path, got:\n%s", logs)
	}
}

func threadSyncPlatform() *fakePlatform {
	p := landlockPlatform(5)
	p.restrictErr = fmt.Errorf("%w: landlock_restrict_self: operation not supported", platform.ErrThreadSyncUnsupported)
	return p
}

func TestApplyRestartsWhenThreadsCannotSync(t *testing.T) {
	tests := []struct {
		name       string
		restartErr error
		want       error
		wantMsg    string
	}{
		{name: "exec fails", restartErr: errors.New("re-exec /bin/pullbox: permission denied"), wantMsg: "permission denied"},
		{name: "no landlock", restartErr: platform.ErrLandlockUnsupported, want: ErrUnsupportedPlatform},
		{name: "old kernel", restartErr: platform.ErrNetworkUnsupported, want: ErrNetworkRestrictionUnsupported},
		{name: "returned", wantMsg: "returned"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := threadSyncPlatform()
			p.restartErr = tt.restartErr
			useFakePlatform(t, p)

			h, err := Apply(testSandboxConfig(), WithApplyLogger(discardLogger()))
			if err == nil || h != nil {
				t.Fatalf("Apply() = %v, %v; a failed restart must be reported", h, err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("err = %v, want it to mention %q", err, tt.wantMsg)
			}
			if CurrentSandbox() != nil {
				t.Error("a failed restart must not record a handle")
			}

			restarts := p.restartCalls()
			if len(restarts) != 1 {
				t.Fatalf("RestrictExec called %d times, want 1", len(restarts))
			}
			var pending pendingSandbox
			if err := json.Unmarshal(restarts[0], &pending); err != nil {
				t.Fatalf("decode carried state: %v", err)
			}
			if len(pending.Layers) != 0 || !pending.Next.Equal(testSandboxConfig()) {
				t.Errorf("carried state = %+v", pending)
			}
		})
	}
}

// restartedWith simulates the program starting again inside the sandbox
// that a restart installed.
func restartedWith(t *testing.T, p *fakePlatform, res platform.RestrictResult) {
	t.Helper()
	restarts := p.restartCalls()
	if len(restarts) == 0 {
		t.Fatal("Apply did not restart the program")
	}
	useFakePlatform(t, p)
	restoreSandbox(&platform.Restored{Carry: restarts[len(restarts)-1], Result: res}, nil)
}

func TestApplyAfterRestart(t *testing.T) {
	p := threadSyncPlatform()
	p.restartErr = errors.New("stop")
	useFakePlatform(t, p)

	cfg := testSandboxConfig()
	if _, err := Apply(cfg, WithApplyLogger(discardLogger())); err == nil {
		t.Fatal("expected the simulated restart to stop Apply")
	}
	restartedWith(t, p, platform.RestrictResult{ABIVersion: 5, NetworkEnforced: true, SkippedPaths: []string{"/nix"}})

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h, err := Apply(cfg, WithApplyLogger(logger))
	if err != nil {
		t.Fatalf("Apply after restart: %v", err)
	}
	if h.Layers() != 1 || h.ABIVersion() != 5 || !h.NetworkEnforced() || !h.Config().Equal(cfg) {
		t.Errorf("handle = layers %d abi %d network %v", h.Layers(), h.ABIVersion(), h.NetworkEnforced())
	}
	if CurrentSandbox() != h {
		t.Error("CurrentSandbox() should return the restored handle")
	}
	if n := len(p.restartCalls()); n != 1 {
		t.Errorf("restarted %d times, want 1", n)
	}
	logs := buf.String()
	if strings.Count(logs, "sandbox applied") != 1 || !strings.Contains(logs, "path=/nix") {
		t.Errorf("restored sandbox should be reported once, got:\n%s", logs)
	}

	again, err := Apply(cfg, WithApplyLogger(discardLogger()))
	if err != nil || again != h {
		t.Errorf("equal Apply after replay = %v, %v", again, err)
	}
	looser := cfg.Clone()
	looser.FS.Write = append(looser.FS.Write, "/var")
	var conflict *SandboxConflictError
	if _, err := Apply(looser, WithApplyLogger(discardLogger())); !errors.As(err, &conflict) {
		t.Errorf("looser Apply after restart = %v, want *SandboxConflictError", err)
	}
}

func TestApplyAfterRestartReplaysLayers(t *testing.T) {
	p := landlockPlatform(5)
	useFakePlatform(t, p)

	first := testSandboxConfig()
	if _, err := Apply(first, WithApplyLogger(discardLogger())); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// The second layer is the first one the process cannot install in place.
	p.restrictErr = platform.ErrThreadSyncUnsupported
	p.restartErr = errors.New("stop")
	second := first.Clone()
	second.FS.Write = []string{"/tmp"}
	if _, err := Apply(second, WithApplyLogger(discardLogger())); err == nil {
		t.Fatal("expected the simulated restart to stop Apply")
	}
	restartedWith(t, p, platform.RestrictResult{ABIVersion: 5, NetworkEnforced: true})

	h1, err := Apply(first, WithApplyLogger(discardLogger()))
	if err != nil {
		t.Fatalf("replay first layer: %v", err)
	}
	if h1.Layers() != 1 || !h1.Config().Equal(first) {
		t.Errorf("first handle = layers %d config %+v", h1.Layers(), h1.Config())
	}
	h2, err := Apply(second, WithApplyLogger(discardLogger()))
	if err != nil {
		t.Fatalf("replay second layer: %v", err)
	}
	if h2.Layers() != 2 || !h2.Config().Equal(second) || CurrentSandbox() != h2 {
		t.Errorf("second handle = layers %d config %+v", h2.Layers(), h2.Config())
	}
	if n := len(p.restartCalls()); n != 1 {
		t.Errorf("restarted %d times, want 1", n)
	}
}

func TestApplyAfterRestartDiverges(t *testing.T) {
	p := threadSyncPlatform()
	p.restartErr = errors.New("stop")
	useFakePlatform(t, p)

	cfg := testSandboxConfig()
	if _, err := Apply(cfg, WithApplyLogger(discardLogger())); err == nil {
		t.Fatal("expected the simulated restart to stop Apply")
	}
	restartedWith(t, p, platform.RestrictResult{ABIVersion: 5, NetworkEnforced: true})

	// The restarted program asks for something other than what it got.
	looser := cfg.Clone()
	looser.Net.ConnectPorts = append(looser.Net.ConnectPorts, 80)
	var conflict *SandboxConflictError
	if _, err := Apply(looser, WithApplyLogger(discardLogger())); !errors.As(err, &conflict) {
		t.Fatalf("Apply(looser) = %v, want *SandboxConflictError", err)
	}
	if !conflict.Applied.Equal(cfg) {
		t.Errorf("conflict reports applied %+v", conflict.Applied)
	}
}

func TestApplyRestoreFailed(t *testing.T) {
	useFakePlatform(t, landlockPlatform(5))
	restoreSandbox(nil, errors.New("decode _PULLBOX_SANDBOX: unexpected EOF"))

	_, err := Apply(testSandboxConfig(), WithApplyLogger(discardLogger()))
	if err == nil || !strings.Contains(err.Error(), "restore sandbox state") {
		t.Fatalf("Apply() error = %v", err)
	}
}

func TestRestoreSandboxBadCarry(t *testing.T) {
	useFakePlatform(t, landlockPlatform(5))
	restoreSandbox(&platform.Restored{Carry: []byte("{")}, nil)

	if CurrentSandbox() != nil {
		t.Error("undecodable state must not record a handle")
	}
	if _, err := Apply(testSandboxConfig(), WithApplyLogger(discardLogger())); err == nil {
		t.Fatal("Apply must fail while the restored state is unknown")
	}
}

func TestProbe(t *testing.T) {
	p := landlockPlatform(4)
	p.support.Features = "fs, refer, truncate, net"
	useFakePlatform(t, p)

	got := Probe()
	want := Capabilities{
		Platform:           "fake",
		Landlock:           true,
		ABIVersion:         4,
		NetworkRestriction: true,
		PIDIsolation:       true,
		KernelVersion:      "6.8.0",
		Features:           "fs, refer, truncate, net",
	}
	if got != want {
		t.Errorf("Probe() = %+v, want %+v", got, want)
	}
	if n := len(p.restrictCalls()); n != 0 {
		t.Errorf("Probe must not restrict, Restrict called %d times", n)
	}
}

// ---------------------------------------------------------------------------
// Enforcement on the real kernel. Apply cannot be undone, so each test
// re-runs the test binary and applies the sandbox in the child.
// ---------------------------------------------------------------------------

const applyChildEnv = "PULLBOX_TEST_APPLY_CHILD"

// runApplyChild runs the named test in a child process and interprets the
// RESULT line it prints.
func runApplyChild(t *testing.T, testName string, env ...string) {
	t.Helper()
	if caps := Probe(); !caps.Landlock {
		t.Skipf("landlock unavailable: %s", caps.Reason)
	}

	cmd := exec.Command(os.Args[0], "-test.run=^"+testName+"$")
	cmd.Env = append(os.Environ(), applyChildEnv+"=1")
	cmd.Env = append(cmd.Env, env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("child failed: %v\n%s", err, out)
	}

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		result, ok := strings.CutPrefix(line, "RESULT: ")
		if !ok {
			continue
		}
		switch {
		case result == "ok":
			return
		case strings.HasPrefix(result, "skip "):
			t.Skip(strings.TrimPrefix(result, "skip "))
		default:
			t.Fatalf("child: %s", result)
		}
	}
	t.Fatalf("child printed no result:\n%s", out)
}

// childResult prints the outcome for runApplyChild and ends the child.
func childResult(format string, args ...any) {
	fmt.Printf("RESULT: "+format+"\n", args...)
	os.Exit(0)
}

func applyInChild(cfg SandboxConfig, opts ...ApplyOption) {
	opts = append(opts, WithApplyLogger(discardLogger()))
	if _, err := Apply(cfg, opts...); err != nil {
		if errors.Is(err, ErrNetworkRestrictionUnsupported) || errors.Is(err, ErrUnsupportedPlatform) {
			childResult("skip %v", err)
		}
		childResult("fail Apply: %v", err)
	}
}

func TestApplyEnforcesWrite(t *testing.T) {
	if os.Getenv(applyChildEnv) == "1" {
		dir := os.Getenv("PULLBOX_TEST_DIR")
		allowed := filepath.Join(dir, "allowed")
		applyInChild(SandboxConfig{
			FS: FSConfig{Read: []string{"/"}, Execute: []string{"/"}, Write: []string{allowed}},
		}, WithBestEffortNetwork())

		if err := os.WriteFile(filepath.Join(allowed, "ok"), []byte("x"), 0o600); err != nil {
			childResult("fail write inside allow-list: %v", err)
		}
		err := os.WriteFile(filepath.Join(dir, "denied"), []byte("x"), 0o600)
		if !errors.Is(err, fs.ErrPermission) {
			childResult("fail write outside allow-list: got %v, want permission denied", err)
		}
		if err := os.Remove(filepath.Join(allowed, "ok")); err != nil {
			childResult("fail remove inside allow-list: %v", err)
		}
		childResult("ok")
	}

	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "allowed"), 0o700); err != nil {
		t.Fatal(err)
	}
	runApplyChild(t, "TestApplyEnforcesWrite", "PULLBOX_TEST_DIR="+dir)

	if _, err := os.Stat(filepath.Join(dir, "denied")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("file outside the allow-list exists: %v", err)
	}
}

func TestApplyEnforcesConnect(t *testing.T) {
	// The listeners live in the parent: Apply may restart the child, and
	// the restarted child must dial the same ports.
	if os.Getenv(applyChildEnv) == "1" {
		allowed := os.Getenv("PULLBOX_TEST_ALLOWED_ADDR")
		denied := os.Getenv("PULLBOX_TEST_DENIED_ADDR")
		addr, err := net.ResolveTCPAddr("tcp", allowed)
		if err != nil {
			childResult("fail allowed address %q: %v", allowed, err)
		}

		applyInChild(SandboxConfig{
			FS:  FSConfig{Read: []string{"/"}, Execute: []string{"/"}},
			Net: NetConfig{ConnectPorts: []uint16{uint16(addr.Port)}},
		})

		conn, err := net.DialTimeout("tcp", allowed, 5*time.Second)
		if err != nil {
			childResult("fail dial allowed port: %v", err)
		}
		conn.Close()

		_, err = net.DialTimeout("tcp", denied, 5*time.Second)
		if !errors.Is(err, syscall.EACCES) {
			childResult("fail dial denied port: got %v, want EACCES", err)
		}
		childResult("ok")
	}

	allowedLn, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Skipf("no local listener: %v", err)
	}
	defer allowedLn.Close()
	deniedLn, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Skipf("no local listener: %v", err)
	}
	defer deniedLn.Close()

	runApplyChild(t, "TestApplyEnforcesConnect",
		"PULLBOX_TEST_ALLOWED_ADDR="+allowedLn.Addr().String(),
		"PULLBOX_TEST_DENIED_ADDR="+deniedLn.Addr().String())
}

// TestApplyInstallsInPlaceOrRestarts checks that the child ends up
// sandboxed whichever way Apply had to install the ruleset, and that the
// restart marker does not reach its children.
func TestApplyInstallsInPlaceOrRestarts(t *testing.T) {
	if os.Getenv(applyChildEnv) == "1" {
		cfg := SandboxConfig{FS: FSConfig{Read: []string{"/"}, Execute: []string{"/"}}}
		applyInChild(cfg, WithBestEffortNetwork())
		if h := CurrentSandbox(); h == nil || !h.Config().Equal(cfg) {
			childResult("fail CurrentSandbox() = %+v", h)
		}
		if _, ok := os.LookupEnv(platform.RestoredEnvKey); ok {
			childResult("fail %s left in the environment", platform.RestoredEnvKey)
		}
		if err := os.WriteFile(filepath.Join(os.Getenv("PULLBOX_TEST_DIR"), "x"), nil, 0o600); !errors.Is(err, fs.ErrPermission) {
			childResult("fail write with an empty write list: got %v", err)
		}
		childResult("ok")
	}

	runApplyChild(t, "TestApplyInstallsInPlaceOrRestarts", "PULLBOX_TEST_DIR="+t.TempDir())
}
