package pullbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pullfrog/pullbox/internal/pathutil"
	"github.com/pullfrog/pullbox/platform"
)

// detectPlatformFn returns the platform Apply, Probe and the Launcher use.
// Tests replace it with a fake.
var detectPlatformFn = platform.Detect

// ApplyOption configures Apply.
type ApplyOption func(*applyOptions)

type applyOptions struct {
	bestEffortNetwork bool
	logger            *slog.Logger
	metrics           *Metrics
}

// WithBestEffortNetwork lets Apply proceed on kernels that cannot restrict
// TCP connects. The filesystem rules are still enforced and a warning is
// logged.
func WithBestEffortNetwork() ApplyOption {
	return func(o *applyOptions) { o.bestEffortNetwork = true }
}

// WithApplyLogger sets the logger Apply reports to.
func WithApplyLogger(l *slog.Logger) ApplyOption {
	return func(o *applyOptions) { o.logger = l }
}

// WithApplyMetrics records applied layers in m.
func WithApplyMetrics(m *Metrics) ApplyOption {
	return func(o *applyOptions) { o.metrics = m }
}

// SandboxHandle is proof that a SandboxConfig is in force on this process.
// It has no way to relax the restriction: the kernel offers none.
type SandboxHandle struct {
	cfg             SandboxConfig
	abi             int
	appliedAt       time.Time
	layers          int
	networkEnforced bool
}

// Config returns a copy of the config in force.
func (h *SandboxHandle) Config() SandboxConfig { return h.cfg.Clone() }

// ABIVersion returns the Landlock ABI the ruleset was built for.
func (h *SandboxHandle) ABIVersion() int { return h.abi }

// AppliedAt returns when the newest layer was installed.
func (h *SandboxHandle) AppliedAt() time.Time { return h.appliedAt }

// Layers returns how many rulesets are stacked on the process.
func (h *SandboxHandle) Layers() int { return h.layers }

// NetworkEnforced reports whether outbound TCP is restricted. It is false
// only when WithBestEffortNetwork allowed an old kernel.
func (h *SandboxHandle) NetworkEnforced() bool { return h.networkEnforced }

// layerRecord is one installed ruleset. The list of records survives a
// restart through RestrictExec.
type layerRecord struct {
	Config          SandboxConfig `json:"config"`
	ABI             int           `json:"abi"`
	NetworkEnforced bool          `json:"network_enforced"`
	AppliedAt       time.Time     `json:"applied_at"`
}

// pendingSandbox is carried across a restart: the layers already in force
// and the config being added.
type pendingSandbox struct {
	Layers []layerRecord `json:"layers"`
	Next   SandboxConfig `json:"next"`
}

// applied is the process-wide sandbox state. Landlock domains belong to the
// process, so this is global by nature.
var applied struct {
	mu     sync.Mutex
	handle *SandboxHandle
	layers []layerRecord

	// replay lists configs installed before a restart, in order. The
	// restarted program repeats its Apply calls; each one that matches the
	// head of replay returns the handle of that layer.
	replay []SandboxConfig
	// restored is reported once the replay completes.
	restored   *platform.RestrictResult
	restoreErr error
}

func handleOf(layers []layerRecord) *SandboxHandle {
	last := layers[len(layers)-1]
	return &SandboxHandle{
		cfg:             last.Config,
		abi:             last.ABI,
		appliedAt:       last.AppliedAt,
		layers:          len(layers),
		networkEnforced: last.NetworkEnforced,
	}
}

// restoreSandbox picks up the state of a program restarted under a sandbox
// by Apply.
func restoreSandbox(r *platform.Restored, err error) {
	applied.mu.Lock()
	defer applied.mu.Unlock()

	if err != nil {
		applied.restoreErr = err
		return
	}
	if r == nil {
		return
	}
	var pending pendingSandbox
	if err := json.Unmarshal(r.Carry, &pending); err != nil {
		applied.restoreErr = fmt.Errorf("decode sandbox state: %w", err)
		return
	}

	for i := range pending.Layers {
		pending.Layers[i].Config = pending.Layers[i].Config.Normalize()
	}
	layers := append(pending.Layers, layerRecord{
		Config:          pending.Next.Normalize(),
		ABI:             r.Result.ABIVersion,
		NetworkEnforced: r.Result.NetworkEnforced,
		AppliedAt:       time.Now(),
	})
	if n := len(layers); n > 1 {
		// A stacked layer cannot re-grant what an earlier one denied.
		layers[n-1].NetworkEnforced = layers[n-1].NetworkEnforced || layers[n-2].NetworkEnforced
	}
	applied.layers = layers
	applied.handle = handleOf(layers)
	applied.replay = make([]SandboxConfig, len(layers))
	for i, l := range layers {
		applied.replay[i] = l.Config
	}
	res := r.Result
	applied.restored = &res
}

// Apply installs cfg on every thread of the calling process. Every process
// started afterwards inherits it, and nothing can lift it.
//
// Calling Apply again with an equal config returns the existing handle; a
// strictly stricter config stacks another layer; anything else fails with a
// *SandboxConflictError. Apply fails with ErrUnsupportedPlatform when the
// kernel lacks Landlock, and with ErrNetworkRestrictionUnsupported when it
// cannot restrict TCP unless WithBestEffortNetwork is given.
//
// In binaries that cannot restrict all threads at once, such as those
// built with cgo, Apply restarts the program: the process image is
// replaced by a fresh run of the same binary with the same arguments,
// which starts inside the sandbox. There the same sequence of Apply calls
// returns handles without restarting again. Call Apply early in main,
// after MaybeSandboxInit and before anything that must not run twice.
func Apply(cfg SandboxConfig, opts ...ApplyOption) (*SandboxHandle, error) {
	o := applyOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Normalize()

	applied.mu.Lock()
	defer applied.mu.Unlock()

	if applied.restoreErr != nil {
		return nil, fmt.Errorf("pullbox: restore sandbox state: %w", applied.restoreErr)
	}
	if len(applied.replay) > 0 {
		if applied.replay[0].Equal(cfg) {
			applied.replay = applied.replay[1:]
			if len(applied.replay) > 0 {
				return handleOf(applied.layers[:len(applied.layers)-len(applied.replay)]), nil
			}
			if applied.restored != nil {
				logApplied(o, applied.handle, applied.restored)
				applied.restored = nil
			}
			return applied.handle, nil
		}
		applied.replay = nil
		applied.restored = nil
	}

	prev := applied.handle
	if prev != nil {
		if prev.cfg.Equal(cfg) {
			return prev, nil
		}
		if ok, reason := cfg.StricterOrEqual(prev.cfg); !ok {
			return nil, &SandboxConflictError{Applied: prev.cfg.Clone(), Requested: cfg.Clone(), Reason: reason}
		}
	}

	p := detectPlatformFn()
	support := p.Probe()
	if !support.Landlock {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, support.Reason)
	}

	rs := cfg.ruleset(o.bestEffortNetwork)
	res, err := p.Restrict(rs)
	if errors.Is(err, platform.ErrThreadSyncUnsupported) {
		o.logger.Info("cannot restrict every thread of this process, restarting it inside the sandbox",
			"reason", err)
		err = restartRestricted(p, rs, cfg)
	}
	switch {
	case errors.Is(err, platform.ErrLandlockUnsupported):
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPlatform, err)
	case errors.Is(err, platform.ErrNetworkUnsupported):
		return nil, fmt.Errorf("%w: %v", ErrNetworkRestrictionUnsupported, err)
	case err != nil:
		return nil, fmt.Errorf("pullbox: apply sandbox: %w", err)
	}

	layer := layerRecord{
		Config:          cfg,
		ABI:             res.ABIVersion,
		NetworkEnforced: res.NetworkEnforced,
		AppliedAt:       time.Now(),
	}
	if prev != nil {
		// A stacked layer cannot re-grant what an earlier one denied.
		layer.NetworkEnforced = layer.NetworkEnforced || prev.networkEnforced
	}
	applied.layers = append(applied.layers, layer)
	applied.handle = handleOf(applied.layers)
	logApplied(o, applied.handle, res)
	return applied.handle, nil
}

// restartRestricted replaces the process with a run of the same program
// that starts inside rs. It returns only on failure.
func restartRestricted(p platform.Platform, rs *platform.Ruleset, cfg SandboxConfig) error {
	carry, err := json.Marshal(pendingSandbox{Layers: applied.layers, Next: cfg})
	if err != nil {
		return fmt.Errorf("encode sandbox state: %w", err)
	}
	if err := p.RestrictExec(rs, carry); err != nil {
		return err
	}
	return errors.New("restart under sandbox returned")
}

func logApplied(o applyOptions, h *SandboxHandle, res *platform.RestrictResult) {
	for _, path := range res.SkippedPaths {
		o.logger.Debug("sandbox path does not exist, skipped",
			"path", path, "missing", pathutil.FindFirstNonExistent(path))
	}
	if !res.NetworkEnforced {
		o.logger.Warn("network restriction not supported by this kernel, outbound TCP is unrestricted",
			"abi", res.ABIVersion)
	}
	o.metrics.sandboxApplied()
	o.logger.Info("sandbox applied",
		"abi", h.abi,
		"layers", h.layers,
		"read", len(h.cfg.FS.Read),
		"write", len(h.cfg.FS.Write),
		"execute", len(h.cfg.FS.Execute),
		"connect_ports", h.cfg.Net.ConnectPorts,
		"network_enforced", h.networkEnforced,
	)
}

// CurrentSandbox returns the handle of the sandbox in force, or nil.
func CurrentSandbox() *SandboxHandle {
	applied.mu.Lock()
	defer applied.mu.Unlock()
	return applied.handle
}
