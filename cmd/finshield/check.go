package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/finshield-project/finshield/internal/core"
	"github.com/finshield-project/finshield/internal/store"
)

type checkStatus int

const (
	checkPass checkStatus = iota
	checkWarn
	checkFail
)

type checkResult struct {
	name   string
	status checkStatus
	detail string
}

func (c checkResult) symbol() string {
	switch c.status {
	case checkPass:
		return green("✓")
	case checkWarn:
		return yellow("!")
	default:
		return red("✗")
	}
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and print the endpoint class policies",
		Args:  cobra.NoArgs,
		RunE:  runCheck,
	}
	cmd.Flags().Bool("ping", false, "also connect to the configured store")
	cmd.Flags().StringP("format", "f", "table", "output format for the policy table: table, json or csv")
	return cmd
}

func runCheck(cmd *cobra.Command, _ []string) error {
	format, err := parseFormat(mustString(cmd, "format"))
	if err != nil {
		return err
	}
	path := configPath(cmd)
	out := cmd.OutOrStdout()

	cfg, err := core.LoadConfig(path)
	if err != nil {
		return err
	}
	results := configChecks(cfg)
	if ping, _ := cmd.Flags().GetBool("ping"); ping {
		results = append(results, storeCheck(cmd.Context(), cfg))
	}

	failed := 0
	if format == FormatTable {
		source := path
		if source == "" {
			source = "built-in defaults"
		}
		fmt.Fprintf(out, "%s %s\n\n", bold("config:"), source)
		for _, r := range results {
			fmt.Fprintf(out, "  %s %-22s %s\n", r.symbol(), r.name, dim(r.detail))
		}
		fmt.Fprintln(out)
	}
	for _, r := range results {
		if r.status == checkFail {
			failed++
		}
	}

	if err := renderPolicies(out, format, cfg.Admission.RateLimits); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

// configChecks validates cfg and flags settings that are legal but weaken
// the pipeline.
func configChecks(cfg *core.Config) []checkResult {
	var results []checkResult

	if err := cfg.Validate(); err != nil {
		results = append(results, checkResult{"config", checkFail, err.Error()})
	} else {
		results = append(results, checkResult{"config", checkPass, "valid"})
	}

	if _, err := parseUpstream(cfg.Server.UpstreamURL); err != nil {
		results = append(results, checkResult{"upstream", checkFail, err.Error()})
	} else {
		results = append(results, checkResult{"upstream", checkPass, cfg.Server.UpstreamURL})
	}

	sig := cfg.Admission.Signature
	switch {
	case sig.Secret == "":
		results = append(results, checkResult{"request signing", checkWarn, "disabled, no secret configured"})
	case !sig.Mandatory:
		results = append(results, checkResult{"request signing", checkWarn, "optional, unsigned requests are admitted"})
	default:
		results = append(results, checkResult{"request signing", checkPass, "mandatory, window " + sig.Window.String()})
	}

	switch {
	case !cfg.Admin.Enabled:
		results = append(results, checkResult{"admin API", checkPass, "disabled"})
	case !cfg.AuthEnabled():
		results = append(results, checkResult{"admin API", checkWarn, "no API keys, the admin API is open"})
	default:
		results = append(results, checkResult{"admin API", checkPass, strconv.Itoa(len(cfg.Admin.APIKeys)) + " key(s)"})
	}

	ttl := cfg.Admission.Abuse.BlockTTL
	results = append(results, checkResult{"block ttl", checkPass, humanDuration(ttl)})
	return results
}

func storeCheck(ctx context.Context, cfg *core.Config) checkResult {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	st, err := store.Open(ctx, cfg.Store, zerolog.Nop())
	if err != nil {
		return checkResult{"store", checkFail, err.Error()}
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		return checkResult{"store", checkFail, cfg.Store.Backend + ": " + err.Error()}
	}
	return checkResult{"store", checkPass, cfg.Store.Backend + " reachable"}
}

type policyRow struct {
	Class       core.EndpointClass `json:"class"`
	MaxRequests int                `json:"max_requests"`
	Window      string             `json:"window"`
	Burst       int                `json:"burst"`
}

// renderPolicies prints the class limits in match priority order.
func renderPolicies(w io.Writer, format OutputFormat, limits map[core.EndpointClass]core.ClassLimit) error {
	t := NewTable(w, "CLASS", "MAX", "WINDOW", "BURST")
	rows := make([]policyRow, 0, len(core.AllClasses))
	for _, class := range core.AllClasses {
		limit := limits[class]
		row := policyRow{
			Class:       class,
			MaxRequests: limit.MaxRequests,
			Window:      humanDuration(limit.Window),
			Burst:       limit.Burst,
		}
		rows = append(rows, row)
		t.AddRow(string(class), strconv.Itoa(row.MaxRequests), row.Window, strconv.Itoa(row.Burst))
	}
	return emit(w, format, t, rows)
}

func mustString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}
