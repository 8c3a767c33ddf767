package pullbox

import (
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/pullfrog/pullbox/internal/envutil"
)

// MatchKind selects how a SensitiveRule compares a variable name.
type MatchKind int

const (
	// MatchSuffix matches names ending with the pattern.
	MatchSuffix MatchKind = iota
	// MatchPrefix matches names starting with the pattern.
	MatchPrefix
	// MatchContains matches names containing the pattern anywhere.
	MatchContains
	// MatchExact matches the whole name.
	MatchExact
)

func (k MatchKind) String() string {
	switch k {
	case MatchSuffix:
		return "suffix"
	case MatchPrefix:
		return "prefix"
	case MatchContains:
		return "contains"
	case MatchExact:
		return "exact"
	default:
		return "unknown"
	}
}

// SensitiveRule is one entry of the sensitive-name table. Patterns are
// upper case; names are upper-cased before matching.
type SensitiveRule struct {
	Kind    MatchKind
	Pattern string
}

// Matches reports whether the upper-cased name matches the rule.
func (r SensitiveRule) Matches(upperName string) bool {
	switch r.Kind {
	case MatchSuffix:
		return strings.HasSuffix(upperName, r.Pattern)
	case MatchPrefix:
		return strings.HasPrefix(upperName, r.Pattern)
	case MatchContains:
		return strings.Contains(upperName, r.Pattern)
	case MatchExact:
		return upperName == r.Pattern
	default:
		return false
	}
}

// SensitivePatternsVersion is bumped whenever SensitivePatterns or
// NonSensitiveNames change.
const SensitivePatternsVersion = 1

// SensitivePatterns identifies variable names that must never reach an
// untrusted command. New providers are added here as rows.
var SensitivePatterns = []SensitiveRule{
	{MatchSuffix, "_KEY"},
	{MatchSuffix, "_SECRET"},
	{MatchSuffix, "_TOKEN"},
	{MatchSuffix, "_PASSWORD"},
	{MatchSuffix, "_PASSWD"},
	{MatchSuffix, "_PAT"},
	{MatchSuffix, "_CREDENTIALS"},
	{MatchSuffix, "_PRIVATE_KEY"},

	{MatchContains, "PASSWORD"},
	{MatchContains, "CREDENTIAL"},
	{MatchContains, "AUTH"},
	{MatchContains, "SECRET"},
	{MatchContains, "APIKEY"},
	{MatchContains, "API_KEY"},
	{MatchContains, "PRIVATE_KEY"},

	{MatchPrefix, "ANTHROPIC_"},
	{MatchPrefix, "OPENAI_"},
	{MatchPrefix, "AWS_"},
	{MatchPrefix, "AZURE_"},
	{MatchPrefix, "GOOGLE_"},
	{MatchPrefix, "GCP_"},
	{MatchPrefix, "GEMINI_"},
	{MatchPrefix, "MISTRAL_"},
	{MatchPrefix, "GROQ_"},
	{MatchPrefix, "DEEPSEEK_"},
	{MatchPrefix, "OPENROUTER_"},
	{MatchPrefix, "HF_"},
	{MatchPrefix, "NPM_"},
	{MatchPrefix, "GH_"},
	{MatchPrefix, "GITHUB_TOKEN"},
	{MatchPrefix, "ACTIONS_RUNTIME_"},
	{MatchPrefix, "ACTIONS_ID_TOKEN_"},
	{MatchPrefix, "PULLFROG_"},
}

// NonSensitiveNames lists well-known variables a category rule would
// otherwise catch. Git reads these to stamp commits.
var NonSensitiveNames = []string{
	"GIT_AUTHOR_NAME",
	"GIT_AUTHOR_EMAIL",
	"GIT_AUTHOR_DATE",
}

// IsSensitiveName reports whether the environment variable name matches
// any sensitive rule. Matching is case-insensitive.
func IsSensitiveName(name string) bool {
	upper := strings.ToUpper(name)
	for _, allowed := range NonSensitiveNames {
		if upper == allowed {
			return false
		}
	}
	for _, rule := range SensitivePatterns {
		if rule.Matches(upper) {
			return true
		}
	}
	return false
}

// FilteredEnvironment is an environment with every sensitive or empty
// variable removed. It is built fresh for each command.
type FilteredEnvironment map[string]string

// List renders the environment as sorted KEY=VALUE pairs, the form
// exec.Cmd.Env expects. The result is never nil, so a command launched with
// an empty FilteredEnvironment does not inherit the host environment.
func (e FilteredEnvironment) List() []string {
	return envutil.FromMap(e)
}

// FilterEnvironment drops every pair whose value is empty or whose name is
// sensitive and keeps the rest unchanged. It does not modify env.
func FilterEnvironment(env map[string]string) FilteredEnvironment {
	out := make(FilteredEnvironment, len(env))
	for name, value := range env {
		if value == "" || IsSensitiveName(name) {
			continue
		}
		out[name] = value
	}
	return out
}

// DroppedNames returns the sorted names FilterEnvironment would remove
// because they are sensitive. It is used for audit logging; values are
// never returned.
func DroppedNames(env map[string]string) []string {
	var names []string
	for name, value := range env {
		if value != "" && IsSensitiveName(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// EnvironmentSource supplies the raw environment a command's filtered
// environment is derived from.
type EnvironmentSource interface {
	// Environ returns a fresh copy of the environment on every call.
	Environ() map[string]string
}

// OSEnvironment reads the real process environment on every call. It
// never modifies it.
type OSEnvironment struct{}

// Environ returns the current process environment.
func (OSEnvironment) Environ() map[string]string {
	return envutil.ToMap(os.Environ())
}

// MapEnvironment is a fixed environment, mostly useful in tests.
type MapEnvironment map[string]string

// Environ returns a copy of the map.
func (m MapEnvironment) Environ() map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// DotenvEnvironment overlays the variables of a dotenv file on a base
// source. The file is re-read on every call. If it cannot be read, only the
// base environment is returned and a warning is logged.
type DotenvEnvironment struct {
	// Path is the dotenv file.
	Path string
	// Base supplies the variables the file is layered on; nil means none.
	Base EnvironmentSource
	// Logger receives read failures; nil means slog.Default().
	Logger *slog.Logger
}

// Environ returns Base's variables overridden by the file's.
func (d DotenvEnvironment) Environ() map[string]string {
	out := map[string]string{}
	if d.Base != nil {
		out = d.Base.Environ()
	}
	vars, err := godotenv.Read(d.Path)
	if err != nil {
		logger := d.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("cannot read dotenv file", "path", d.Path, "error", err)
		return out
	}
	for k, v := range vars {
		out[k] = v
	}
	return out
}
