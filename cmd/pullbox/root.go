package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// envDebug turns on debug logging when set to a true value.
const envDebug = "PULLBOX_DEBUG"

// exitError carries the exit status of a command run through pullbox.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// rootOptions holds the flags shared by every subcommand.
type rootOptions struct {
	logLevel string
	logger   *slog.Logger
}

func newRootCmd() *cobra.Command {
	ro := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "pullbox",
		Short: "Run agent shell commands without leaking the host's secrets.",
		Long: `pullbox runs shell commands on behalf of a coding agent.

Each command gets an environment with credentials removed. On untrusted
hosts it runs in its own user, mount and PID namespaces so it cannot read
the agent's environment through /proc. With --sandbox, a Landlock ruleset
compiled from the permission policy is applied to pullbox itself first.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), ro.logLevel)
			if err != nil {
				return err
			}
			ro.logger = logger
			slog.SetDefault(logger)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&ro.logLevel, "log-level", "", "log level: debug, info, warn or error (default info, or debug if "+envDebug+" is set)")

	cmd.AddCommand(
		newProbeCmd(),
		newCompileCmd(),
		newRunCmd(ro),
		newServeCmd(ro),
		newVersionCmd(),
	)
	return cmd
}

// newLogger logs as text to a terminal and as JSON otherwise.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl := slog.LevelInfo
	switch {
	case level != "":
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid --log-level %q", level)
		}
	case isTrue(os.Getenv(envDebug)):
		lvl = slog.LevelDebug
	}

	options := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		handler = slog.NewTextHandler(w, options)
	} else {
		handler = slog.NewJSONHandler(w, options)
	}
	return slog.New(handler), nil
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
