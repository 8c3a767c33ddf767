package pullbox

import (
	"fmt"
	"strings"
	"time"
)

// CommandResult is what the command tool reports back to the agent.
type CommandResult struct {
	// Output is trimmed stdout, then trimmed stderr on its own line, then a
	// timeout notice when the command timed out.
	Output string `json:"output"`
	// ExitCode is the command's exit code: 124 on timeout, -1 if it never
	// started or was cancelled, 128+n if signal n killed it.
	ExitCode int `json:"exit_code"`
	// TimedOut is true if the command was terminated at its timeout.
	TimedOut bool `json:"timed_out"`
}

// formatOutput assembles the Output field of a CommandResult. Parts are
// joined by newlines; empty parts are left out.
func formatOutput(stdout, stderr string, timedOut bool, timeout time.Duration) string {
	var b strings.Builder
	line := func(s string) {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(s)
	}
	if out := strings.TrimSpace(stdout); out != "" {
		line(out)
	}
	if errText := strings.TrimSpace(stderr); errText != "" {
		line(errText)
	}
	if timedOut {
		line(fmt.Sprintf("[timed out after %dms]", timeout.Milliseconds()))
	}
	return b.String()
}
