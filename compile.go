package pullbox

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pullfrog/pullbox/internal/pathutil"
)

// Well-known ports opened by the network capability.
const (
	portSSH   = 22
	portHTTP  = 80
	portHTTPS = 443
)

// systemReadPaths are readable under every policy so that ordinary tools,
// their libraries and their configuration keep working.
var systemReadPaths = []string{
	"/usr", "/bin", "/sbin", "/lib", "/lib64", "/etc", "/opt",
	"/proc", "/dev", "/sys", "/run", "/var", "/nix",
}

// systemExecPaths hold the binaries and shared objects commands run.
var systemExecPaths = []string{
	"/usr", "/bin", "/sbin", "/lib", "/lib64", "/opt", "/nix",
}

// homeToolDirs are the parts of the home directory tools write to. Under
// restricted write they replace the home directory when the working tree
// lies inside it, as with a CI checkout under /home/runner.
var homeToolDirs = []string{
	".cache", ".config", ".local", ".npm", ".yarn", ".pnpm-store",
	".cargo", ".rustup", ".gradle", ".m2", ".bun", ".deno", "go",
}

// devPath stays writable in write-enabled modes for /dev/null and ttys.
const devPath = "/dev"

// CompileOptions supplies the host-specific paths and ports a policy is
// compiled against. Empty paths are omitted from the result.
type CompileOptions struct {
	// WorkingDir is the repository checkout being worked on.
	WorkingDir string
	// HomeDir is the user's home directory.
	HomeDir string
	// TempDir is the system temporary directory.
	TempDir string
	// Executable is the path of the hosting binary; its directory stays
	// readable and executable so the process can re-exec itself.
	Executable string
	// ProxyPorts are local proxy ports that must stay reachable whenever
	// network access is not disabled.
	ProxyPorts []uint16
}

// DefaultCompileOptions fills CompileOptions from the current process.
func DefaultCompileOptions() (CompileOptions, error) {
	wd, err := os.Getwd()
	if err != nil {
		return CompileOptions{}, fmt.Errorf("pullbox: working directory: %w", err)
	}
	opts := CompileOptions{
		WorkingDir: wd,
		TempDir:    os.TempDir(),
	}
	// A missing home or executable only narrows the allow-lists.
	if home, err := os.UserHomeDir(); err == nil {
		opts.HomeDir = home
	}
	if exe, err := os.Executable(); err == nil {
		opts.Executable = exe
	}
	return opts, nil
}

func (o CompileOptions) validate() error {
	if o.WorkingDir == "" {
		return fmt.Errorf("%w: working directory is required", ErrConfigInvalid)
	}
	for name, p := range map[string]string{
		"working directory": o.WorkingDir,
		"home directory":    o.HomeDir,
		"temp directory":    o.TempDir,
		"executable":        o.Executable,
	} {
		if p != "" && !filepath.IsAbs(p) {
			return fmt.Errorf("%w: %s %q is not absolute", ErrConfigInvalid, name, p)
		}
	}
	for _, port := range o.ProxyPorts {
		if port == 0 {
			return fmt.Errorf("%w: proxy port 0", ErrConfigInvalid)
		}
	}
	return nil
}

// Compile maps a permission policy onto concrete allow-lists. It is
// deterministic: the same policy and options always yield an equal,
// normalized SandboxConfig.
func Compile(policy PermissionPolicy, opts CompileOptions) (SandboxConfig, error) {
	if err := policy.Validate(); err != nil {
		return SandboxConfig{}, err
	}
	if err := opts.validate(); err != nil {
		return SandboxConfig{}, err
	}

	var exeDir string
	if opts.Executable != "" {
		exeDir = filepath.Dir(opts.Executable)
	}
	userPaths := nonEmpty(opts.WorkingDir, opts.HomeDir, opts.TempDir, exeDir)

	var cfg SandboxConfig
	cfg.FS.Read = append(append([]string{}, userPaths...), systemReadPaths...)
	cfg.FS.Execute = append(append([]string{}, userPaths...), systemExecPaths...)

	switch policy.Write {
	case Enabled:
		cfg.FS.Write = append(nonEmpty(opts.WorkingDir, opts.HomeDir, opts.TempDir), devPath)
	case Restricted:
		cfg.FS.Write = append(restrictedWritePaths(opts), devPath)
	case Disabled:
		cfg.FS.Write = nil
	}

	switch policy.Network {
	case Enabled:
		cfg.Net.ConnectPorts = append([]uint16{portSSH, portHTTP, portHTTPS}, opts.ProxyPorts...)
	case Restricted:
		cfg.Net.ConnectPorts = append([]uint16{portHTTPS}, opts.ProxyPorts...)
	case Disabled:
		cfg.Net.ConnectPorts = nil
	}

	return cfg.Normalize(), nil
}

// restrictedWritePaths grants the home and temp directories while keeping
// the working tree read-only. Any grant overlapping the working tree is
// narrowed: home to its tool directories, temp to nothing.
func restrictedWritePaths(opts CompileOptions) []string {
	wd := opts.WorkingDir
	overlaps := func(p string) bool { return pathutil.Covers(p, wd) || pathutil.Covers(wd, p) }

	var out []string
	if home := opts.HomeDir; home != "" {
		if !overlaps(home) {
			out = append(out, home)
		} else {
			for _, d := range homeToolDirs {
				if p := filepath.Join(home, d); !overlaps(p) {
					out = append(out, p)
				}
			}
		}
	}
	if tmp := opts.TempDir; tmp != "" && !overlaps(tmp) {
		out = append(out, tmp)
	}
	return out
}

func nonEmpty(paths ...string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
