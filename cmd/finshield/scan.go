package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/finshield-project/finshield/internal/modules/injection"
)

func scanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan [text|@file.json|-]",
		Short: "Run the injection scanner over text or a JSON document",
		Long: `Run the injection scanner offline.

A plain argument is scanned as a single input. An argument starting with @
names a JSON file whose every key and value is scanned; "-" reads JSON from
stdin. The command exits non-zero when anything is found.

Examples:
  finshield scan "1; DROP TABLE users;--"
  finshield scan @payload.json --format json`,
		Args: cobra.ExactArgs(1),
		RunE: runScan,
	}
	cmd.Flags().StringP("format", "f", "table", "output format: table, json or csv")
	cmd.Flags().Bool("sanitize", false, "print the sanitized input instead of findings")
	return cmd
}

func runScan(cmd *cobra.Command, args []string) error {
	format, err := parseFormat(mustString(cmd, "format"))
	if err != nil {
		return err
	}
	value, err := scanInput(args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}

	scanner := injection.New()
	out := cmd.OutOrStdout()

	if sanitize, _ := cmd.Flags().GetBool("sanitize"); sanitize {
		return writeJSON(out, scanner.SanitizeValue(value))
	}

	var findings []injection.Finding
	if s, ok := value.(string); ok {
		findings = scanner.AnalyzeInput(s, "input")
	} else {
		findings = scanner.Scan(value)
	}

	if len(findings) == 0 {
		if format == FormatJSON {
			return writeJSON(out, []injection.Finding{})
		}
		if format == FormatTable {
			fmt.Fprintln(out, green("✓")+" no injection patterns found")
		}
		return nil
	}

	if err := renderFindings(out, format, findings); err != nil {
		return err
	}
	return fmt.Errorf("%d finding(s)", len(findings))
}

// scanInput resolves the scan argument to a string or a decoded JSON value.
func scanInput(arg string, stdin io.Reader) (any, error) {
	var data []byte
	switch {
	case arg == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		data = b
	case strings.HasPrefix(arg, "@"):
		b, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, err
		}
		data = b
	default:
		return arg, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parsing JSON input: %w", err)
	}
	return v, nil
}

func renderFindings(w io.Writer, format OutputFormat, findings []injection.Finding) error {
	t := NewTable(w, "SEVERITY", "FAMILY", "PATTERN", "LOCATION", "MATCH")
	for _, f := range findings {
		match := f.MatchedText
		if f.Decoded {
			match += " (decoded)"
		}
		t.AddRow(f.Severity.String(), f.Family, f.Pattern, f.Location, match)
	}
	return emit(w, format, t, findings)
}
