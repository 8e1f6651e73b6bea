package injection

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/finshield-project/finshield/internal/core"
	"github.com/finshield-project/finshield/internal/metrics"
)

const StageName = "injection"

// Pattern represents a compiled detection pattern.
type Pattern struct {
	Name     string
	Family   string
	Regex    *regexp.Regexp
	Severity core.Severity
}

// Scanner is the pattern-based taint scanner. It is safe for concurrent use.
type Scanner struct {
	patterns []Pattern

	scanned atomic.Int64
	mu      sync.Mutex
	byType  map[string]int64
}

// New compiles the pattern set.
func New() *Scanner {
	return &Scanner{
		patterns: compilePatterns(),
		byType:   make(map[string]int64),
	}
}

// Patterns returns the compiled pattern set.
func (s *Scanner) Patterns() []Pattern { return s.patterns }

func (s *Scanner) count(family string) {
	s.mu.Lock()
	s.byType[family]++
	s.mu.Unlock()
	metrics.InjectionFindings.WithLabelValues(family).Inc()
}

// Stats returns the number of scanned strings and findings per family.
func (s *Scanner) Stats() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int64{"scanned": s.scanned.Load()}
	for k, v := range s.byType {
		out[k] = v
	}
	return out
}

// Sanitize strips every matched substring, repeating until nothing matches,
// so Sanitize(Sanitize(x)) == Sanitize(x). It is for echoed input only and
// never replaces rejection.
func (s *Scanner) Sanitize(input string) string {
	for {
		next := input
		for _, p := range s.patterns {
			next = p.Regex.ReplaceAllString(next, "")
		}
		for _, seq := range overlongSequences {
			next = strings.ReplaceAll(next, seq, "")
		}
		if next == input {
			return next
		}
		input = next
	}
}

// SanitizeValue applies Sanitize to every string leaf and map key of v,
// returning a new value of the same shape.
func (s *Scanner) SanitizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return s.Sanitize(t)
	case []string:
		out := make([]string, len(t))
		for i, item := range t {
			out[i] = s.Sanitize(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = s.SanitizeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[s.Sanitize(k)] = s.SanitizeValue(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, item := range t {
			out[s.Sanitize(k)] = s.Sanitize(item)
		}
		return out
	case url.Values:
		out := make(url.Values, len(t))
		for k, vals := range t {
			out[s.Sanitize(k)] = s.SanitizeValue(vals).([]string)
		}
		return out
	default:
		return v
	}
}

// Stage rejects requests carrying any finding.
type Stage struct {
	scanner *Scanner
	scoring core.ScoringConfig
}

// NewStage wraps scanner as an admission stage.
func NewStage(scanner *Scanner, scoring core.ScoringConfig) *Stage {
	return &Stage{scanner: scanner, scoring: scoring}
}

func (st *Stage) Name() string { return StageName }

// Evaluate denies with a SecurityViolation on the first finding. The
// injection weight and penalty are applied once; every further family only
// adds its pattern name.
func (st *Stage) Evaluate(_ context.Context, req *core.Request) core.Outcome {
	findings := st.scanner.ScanRequest(req)
	if len(findings) == 0 {
		return core.Pass()
	}

	families := make([]string, 0, len(Families))
	for _, f := range findings {
		if !contains(families, f.Family) {
			families = append(families, f.Family)
		}
	}

	signals := make([]core.Signal, 0, len(families))
	for i, family := range families {
		sig := core.Signal{Pattern: PatternName(family), Floor: core.ThreatHigh, Injection: true}
		if i == 0 {
			sig.Weight = st.scoring.InjectionWeight
			sig.Penalty = st.scoring.InjectionPenalty
		}
		signals = append(signals, sig)
	}

	first := findings[0]
	return core.Deny(
		core.SecurityViolation("%s detected in %s", strings.ReplaceAll(PatternName(first.Family), "_", " "), first.Location),
		signals...,
	)
}

// PatternName is the detected-pattern label recorded for a family.
func PatternName(family string) string {
	switch family {
	case FamilySQL:
		return "sql_injection"
	case FamilyNoSQL:
		return "nosql_injection"
	case FamilyCommand:
		return "command_injection"
	case FamilyPathTraversal:
		return "path_traversal"
	case FamilySmuggling:
		return "request_smuggling"
	default:
		return fmt.Sprintf("%s_injection", family)
	}
}
