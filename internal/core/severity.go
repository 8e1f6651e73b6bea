package core

import (
	"encoding/json"
	"strings"
)

// Severity represents the severity level of an alert.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s, _ = ParseSeverity(str)
	return nil
}

// ParseSeverity parses a severity name case-insensitively. Unknown names map
// to SeverityInfo with ok=false.
func ParseSeverity(str string) (Severity, bool) {
	switch strings.ToUpper(strings.TrimSpace(str)) {
	case "INFO":
		return SeverityInfo, true
	case "LOW":
		return SeverityLow, true
	case "MEDIUM":
		return SeverityMedium, true
	case "HIGH":
		return SeverityHigh, true
	case "CRITICAL":
		return SeverityCritical, true
	default:
		return SeverityInfo, false
	}
}

// ThreatLevel is the four-tier summary of a request's composite abuse score.
type ThreatLevel int

const (
	ThreatLow ThreatLevel = iota
	ThreatMedium
	ThreatHigh
	ThreatCritical
)

func (l ThreatLevel) String() string {
	switch l {
	case ThreatLow:
		return "low"
	case ThreatMedium:
		return "medium"
	case ThreatHigh:
		return "high"
	case ThreatCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (l ThreatLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *ThreatLevel) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch strings.ToLower(str) {
	case "medium":
		*l = ThreatMedium
	case "high":
		*l = ThreatHigh
	case "critical":
		*l = ThreatCritical
	default:
		*l = ThreatLow
	}
	return nil
}

// Severity maps a threat level onto the alert severity scale.
func (l ThreatLevel) Severity() Severity {
	switch l {
	case ThreatCritical:
		return SeverityCritical
	case ThreatHigh:
		return SeverityHigh
	case ThreatMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
