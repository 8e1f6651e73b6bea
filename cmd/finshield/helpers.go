package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/finshield-project/finshield/internal/core"
)

// ─── TTY / color helpers ──────────────────────────────────────────────────────

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	return isTTY(os.Stderr)
}

func ansi(code, s string) string {
	if !colorEnabled() {
		return s
	}
	return code + s + "\033[0m"
}

func red(s string) string    { return ansi("\033[91m", s) }
func yellow(s string) string { return ansi("\033[93m", s) }
func green(s string) string  { return ansi("\033[32m", s) }
func cyan(s string) string   { return ansi("\033[36m", s) }
func dim(s string) string    { return ansi("\033[90m", s) }
func bold(s string) string   { return ansi("\033[1m", s) }

func warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, yellow("warn: ")+format+"\n", args...)
}

// ─── Config resolution ────────────────────────────────────────────────────────

// configPath returns the --config flag, then $FINSHIELD_CONFIG.
func configPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	return os.Getenv("FINSHIELD_CONFIG")
}

// loadConfig loads and validates the configuration named by the command line.
func loadConfig(cmd *cobra.Command) (*core.Config, string, error) {
	path := configPath(cmd)
	cfg, err := core.LoadConfig(path)
	if err != nil {
		return nil, path, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, path, nil
}

// longestWindow is the widest time window any counter in cfg looks back
// over. Sweeping older entries never changes a decision.
func longestWindow(cfg *core.Config) time.Duration {
	a := cfg.Admission
	longest := max(a.Behavior.ShortWindow, a.Abuse.BurstWindow)
	for _, limit := range a.RateLimits {
		longest = max(longest, limit.Window)
	}
	return longest
}

// humanDuration renders d compactly, or "permanent" for zero.
func humanDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "permanent"
	case d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return d.String()
	}
}
