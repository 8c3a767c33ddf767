//go:build linux

package linux

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/pullfrog/pullbox/platform"
)

// Function variables for Landlock syscalls, overridden in tests.
var landlockCreateRulesetFn = func(attr, size, flags uintptr) (uintptr, uintptr, syscall.Errno) {
	return syscall.Syscall(unix.SYS_LANDLOCK_CREATE_RULESET, attr, size, flags)
}

var landlockAddRuleFn = func(rulesetFd, ruleType, ruleAttr, flags uintptr) (uintptr, uintptr, syscall.Errno) {
	return syscall.Syscall6(unix.SYS_LANDLOCK_ADD_RULE, rulesetFd, ruleType, ruleAttr, flags, 0, 0)
}

// landlockRestrictSelfFn restricts the calling thread only.
var landlockRestrictSelfFn = func(rulesetFd, flags uintptr) (uintptr, uintptr, syscall.Errno) {
	return syscall.Syscall(unix.SYS_LANDLOCK_RESTRICT_SELF, rulesetFd, flags, 0)
}

// landlockRestrictAllThreadsFn restricts every thread of the process.
var landlockRestrictAllThreadsFn = func(rulesetFd, flags uintptr) (uintptr, uintptr, syscall.Errno) {
	return syscall.AllThreadsSyscall(unix.SYS_LANDLOCK_RESTRICT_SELF, rulesetFd, flags, 0)
}

var openPathFn = syscall.Open

var closeFdFn = syscall.Close

var statPathFn = os.Stat

// Landlock access flags for filesystem operations.
const (
	accessFSExecute    = 1 << 0
	accessFSWriteFile  = 1 << 1
	accessFSReadFile   = 1 << 2
	accessFSReadDir    = 1 << 3
	accessFSRemoveDir  = 1 << 4
	accessFSRemoveFile = 1 << 5
	accessFSMakeChar   = 1 << 6
	accessFSMakeDir    = 1 << 7
	accessFSMakeReg    = 1 << 8
	accessFSMakeSock   = 1 << 9
	accessFSMakeFifo   = 1 << 10
	accessFSMakeBlock  = 1 << 11
	accessFSMakeSym    = 1 << 12
	accessFSRefer      = 1 << 13 // ABI v2
	accessFSTruncate   = 1 << 14 // ABI v3
)

// accessNetConnectTCP is the only network right pullbox handles (ABI v4).
const accessNetConnectTCP = 1 << 1

const (
	ruleTypePathBeneath = 1
	ruleTypeNetPort     = 2

	createRulesetVersion = 1 << 0
)

// Minimum ABI versions for optional features.
const (
	abiRefer    = 2
	abiTruncate = 3
	abiNetwork  = 4
)

// landlockRulesetAttr is struct landlock_ruleset_attr. The kernel accepts a
// shorter size for older ABIs, so handledAccessNet is only sent on ABI >= 4.
type landlockRulesetAttr struct {
	handledAccessFS  uint64
	handledAccessNet uint64
}

// landlockPathBeneathAttr is struct landlock_path_beneath_attr.
type landlockPathBeneathAttr struct {
	allowedAccess uint64
	parentFd      int32
	_             [4]byte // padding
}

// landlockNetPortAttr is struct landlock_net_port_attr.
type landlockNetPortAttr struct {
	allowedAccess uint64
	port          uint64
}

// LandlockInfo describes Landlock support on the current kernel.
type LandlockInfo struct {
	// Supported indicates whether Landlock is available.
	Supported bool

	// ABIVersion is the Landlock ABI version supported by the kernel.
	ABIVersion int

	// Features is a human-readable description of supported features.
	Features string
}

// DetectLandlock queries the Landlock ABI version without creating a
// ruleset.
func DetectLandlock() LandlockInfo {
	version, _, errno := landlockCreateRulesetFn(0, 0, createRulesetVersion)
	if errno != 0 {
		return LandlockInfo{
			Features: "landlock not available: " + errno.Error(),
		}
	}

	abi := int(version)
	features := fmt.Sprintf("ABI v%d", abi)
	switch {
	case abi >= abiNetwork:
		features += " (fs access, refer, truncate, tcp connect)"
	case abi >= abiTruncate:
		features += " (fs access, refer, truncate)"
	case abi >= abiRefer:
		features += " (fs access, refer)"
	case abi >= 1:
		features += " (fs access)"
	}

	return LandlockInfo{
		Supported:  true,
		ABIVersion: abi,
		Features:   features,
	}
}

// fsAccessSets returns the rights handled by a ruleset for the given ABI,
// and the rights granted to read, write and execute entries.
func fsAccessSets(abi int) (handled, read, write, exec uint64) {
	read = accessFSReadFile | accessFSReadDir
	exec = accessFSExecute
	write = accessFSWriteFile | accessFSRemoveDir | accessFSRemoveFile |
		accessFSMakeChar | accessFSMakeDir | accessFSMakeReg |
		accessFSMakeSock | accessFSMakeFifo | accessFSMakeBlock |
		accessFSMakeSym
	if abi >= abiRefer {
		write |= accessFSRefer
	}
	if abi >= abiTruncate {
		write |= accessFSTruncate
	}
	handled = read | write | exec
	return handled, read, write, exec
}

// restrictOptions selects how a compiled ruleset is installed.
type restrictOptions struct {
	allThreads bool
}

// applyRuleset builds a Landlock ruleset from rs and installs it. Paths
// that do not exist are skipped and reported in the result.
func applyRuleset(rs *platform.Ruleset, opts restrictOptions) (*platform.RestrictResult, error) {
	info := DetectLandlock()
	if !info.Supported {
		return nil, fmt.Errorf("%w: %s", platform.ErrLandlockUnsupported, info.Features)
	}

	result := &platform.RestrictResult{ABIVersion: info.ABIVersion}

	handledFS, readAccess, writeAccess, execAccess := fsAccessSets(info.ABIVersion)
	attr := landlockRulesetAttr{handledAccessFS: handledFS}
	attrSize := unsafe.Sizeof(attr.handledAccessFS)

	if rs.HandleNetwork {
		if info.ABIVersion >= abiNetwork {
			attr.handledAccessNet = accessNetConnectTCP
			attrSize = unsafe.Sizeof(attr)
			result.NetworkEnforced = true
		} else if !rs.BestEffortNetwork {
			return nil, fmt.Errorf("%w: ABI v%d", platform.ErrNetworkUnsupported, info.ABIVersion)
		}
	}

	rulesetFd, _, errno := landlockCreateRulesetFn(uintptr(unsafe.Pointer(&attr)), attrSize, 0)
	if errno != 0 {
		return nil, fmt.Errorf("landlock_create_ruleset: %w", errno)
	}
	defer func() { _ = closeFdFn(int(rulesetFd)) }()

	grants := []struct {
		paths  []string
		access uint64
	}{
		{rs.Read, readAccess},
		{rs.Write, writeAccess},
		{rs.Execute, execAccess},
	}
	skipped := make(map[string]bool)
	for _, g := range grants {
		for _, path := range g.paths {
			fi, err := statPathFn(path)
			if err != nil {
				if !skipped[path] {
					skipped[path] = true
					result.SkippedPaths = append(result.SkippedPaths, path)
				}
				continue
			}
			if err := addPathRule(int(rulesetFd), path, g.access, fi.IsDir()); err != nil {
				return nil, fmt.Errorf("landlock add rule for %q: %w", path, err)
			}
		}
	}

	if result.NetworkEnforced {
		for _, port := range rs.ConnectPorts {
			if err := addNetPortRule(int(rulesetFd), port); err != nil {
				return nil, fmt.Errorf("landlock add rule for port %d: %w", port, err)
			}
		}
	}

	if err := restrictSelf(rulesetFd, opts); err != nil {
		return nil, err
	}
	return result, nil
}

func restrictSelf(rulesetFd uintptr, opts restrictOptions) error {
	if opts.allThreads {
		if err := setNoNewPrivsAllThreads(); err != nil {
			return err
		}
		if _, _, errno := landlockRestrictAllThreadsFn(rulesetFd, 0); errno != 0 {
			if errno == syscall.ENOTSUP {
				return fmt.Errorf("%w: landlock_restrict_self: %w", platform.ErrThreadSyncUnsupported, errno)
			}
			return fmt.Errorf("landlock_restrict_self on all threads: %w", errno)
		}
		return nil
	}
	if err := setNoNewPrivs(); err != nil {
		return err
	}
	if _, _, errno := landlockRestrictSelfFn(rulesetFd, 0); errno != 0 {
		return fmt.Errorf("landlock_restrict_self: %w", errno)
	}
	return nil
}

// addPathRule adds a path-beneath rule to the given Landlock ruleset.
// Access bits that do not apply to a non-directory are masked off, since
// the kernel rejects them with EINVAL.
func addPathRule(rulesetFd int, path string, allowedAccess uint64, isDir bool) error {
	if !isDir {
		allowedAccess &= accessFSExecute | accessFSWriteFile | accessFSReadFile | accessFSTruncate
	}
	if allowedAccess == 0 {
		return nil
	}

	fd, err := openPathFn(path, unix.O_PATH|syscall.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	defer func() { _ = closeFdFn(fd) }()

	pathAttr := landlockPathBeneathAttr{
		allowedAccess: allowedAccess,
		parentFd:      int32(fd), //nolint:gosec // fd is a small file descriptor, no overflow risk
	}
	_, _, errno := landlockAddRuleFn(
		uintptr(rulesetFd),
		ruleTypePathBeneath,
		uintptr(unsafe.Pointer(&pathAttr)),
		0,
	)
	if errno != 0 {
		return fmt.Errorf("landlock_add_rule: %w", errno)
	}
	return nil
}

// addNetPortRule allows outbound TCP connections to port.
func addNetPortRule(rulesetFd int, port uint16) error {
	portAttr := landlockNetPortAttr{
		allowedAccess: accessNetConnectTCP,
		port:          uint64(port),
	}
	_, _, errno := landlockAddRuleFn(
		uintptr(rulesetFd),
		ruleTypeNetPort,
		uintptr(unsafe.Pointer(&portAttr)),
		0,
	)
	if errno != 0 {
		return fmt.Errorf("landlock_add_rule: %w", errno)
	}
	return nil
}

// applyAncestorScope puts the calling thread in a nested Landlock domain.
// The ruleset only handles block-device creation, so it changes nothing the
// command can do on the filesystem; its effect is that Landlock's ptrace
// scoping now forbids reading /proc/<pid>/environ or /proc/<pid>/mem of any
// process outside the new domain.
func applyAncestorScope() error {
	info := DetectLandlock()
	if !info.Supported {
		return fmt.Errorf("%w: %s", platform.ErrLandlockUnsupported, info.Features)
	}
	attr := landlockRulesetAttr{handledAccessFS: accessFSMakeBlock}
	rulesetFd, _, errno := landlockCreateRulesetFn(
		uintptr(unsafe.Pointer(&attr)),
		unsafe.Sizeof(attr.handledAccessFS),
		0,
	)
	if errno != 0 {
		return fmt.Errorf("landlock_create_ruleset: %w", errno)
	}
	defer func() { _ = closeFdFn(int(rulesetFd)) }()
	return restrictSelf(rulesetFd, restrictOptions{})
}
