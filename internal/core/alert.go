package core

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AlertStatus tracks operator handling of an alert.
type AlertStatus int

const (
	AlertStatusOpen AlertStatus = iota
	AlertStatusAcknowledged
	AlertStatusResolved
	AlertStatusFalsePositive
)

func (s AlertStatus) String() string {
	switch s {
	case AlertStatusOpen:
		return "OPEN"
	case AlertStatusAcknowledged:
		return "ACKNOWLEDGED"
	case AlertStatusResolved:
		return "RESOLVED"
	case AlertStatusFalsePositive:
		return "FALSE_POSITIVE"
	default:
		return "UNKNOWN"
	}
}

func (s AlertStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *AlertStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s, _ = ParseAlertStatus(str)
	return nil
}

// ParseAlertStatus parses a status name case-insensitively.
func ParseAlertStatus(str string) (AlertStatus, bool) {
	switch strings.ToUpper(str) {
	case "OPEN":
		return AlertStatusOpen, true
	case "ACKNOWLEDGED", "ACK":
		return AlertStatusAcknowledged, true
	case "RESOLVED":
		return AlertStatusResolved, true
	case "FALSE_POSITIVE":
		return AlertStatusFalsePositive, true
	default:
		return AlertStatusOpen, false
	}
}

// Alert types raised by the admission layer.
const (
	AlertErrorRate          = "high_error_rate"
	AlertLatency            = "high_latency"
	AlertVolume             = "high_volume"
	AlertDistinctIdentities = "high_concurrency"
	AlertIdentifierBlocked  = "identifier_blocked"
	AlertInjection          = "injection_detected"
)

// Alert is handed to external notifiers when a threshold is crossed.
type Alert struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Route     string         `json:"route,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Severity  Severity       `json:"severity"`
	Status    AlertStatus    `json:"status"`
	Title     string         `json:"title"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewAlert creates an open Alert with a generated ID.
func NewAlert(alertType, route string, severity Severity, title string) *Alert {
	return &Alert{
		ID:        uuid.New().String(),
		Type:      alertType,
		Route:     route,
		Timestamp: time.Now().UTC(),
		Severity:  severity,
		Status:    AlertStatusOpen,
		Title:     title,
		Payload:   make(map[string]any),
	}
}

// Marshal serializes the alert to JSON.
func (a *Alert) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// AlertSink accepts alerts raised by admission components. Raise reports
// whether the alert was delivered or suppressed as a repeat.
type AlertSink interface {
	Raise(alert *Alert) bool
}

// AlertHandler receives every processed alert.
type AlertHandler func(alert *Alert)

// AlertPipeline stores recent alerts and fans them out to handlers.
type AlertPipeline struct {
	mu       sync.RWMutex
	alerts   []*Alert
	handlers []AlertHandler
	maxStore int
}

// NewAlertPipeline creates an AlertPipeline retaining up to maxStore alerts.
func NewAlertPipeline(maxStore int) *AlertPipeline {
	if maxStore <= 0 {
		maxStore = 10000
	}
	return &AlertPipeline{maxStore: maxStore}
}

// AddHandler registers a handler called synchronously for each alert.
func (p *AlertPipeline) AddHandler(h AlertHandler) {
	p.mu.Lock()
	p.handlers = append(p.handlers, h)
	p.mu.Unlock()
}

// Process stores the alert and runs every handler. When the store is full the
// oldest tenth is dropped.
func (p *AlertPipeline) Process(alert *Alert) {
	p.mu.Lock()
	if len(p.alerts) >= p.maxStore {
		drop := max(1, p.maxStore/10)
		p.alerts = append(p.alerts[:0:0], p.alerts[drop:]...)
	}
	p.alerts = append(p.alerts, alert)
	handlers := p.handlers
	p.mu.Unlock()

	for _, h := range handlers {
		h(alert)
	}
}

// GetAlerts returns up to limit alerts at or above minSeverity, most recent
// first.
func (p *AlertPipeline) GetAlerts(minSeverity Severity, limit int) []*Alert {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*Alert, 0)
	for i := len(p.alerts) - 1; i >= 0 && len(result) < limit; i-- {
		if p.alerts[i].Severity >= minSeverity {
			result = append(result, p.alerts[i])
		}
	}
	return result
}

// GetAlertByID returns the alert with id, or nil.
func (p *AlertPipeline) GetAlertByID(id string) *Alert {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, a := range p.alerts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// UpdateAlertStatus changes an alert's status.
func (p *AlertPipeline) UpdateAlertStatus(id string, status AlertStatus) (*Alert, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.alerts {
		if a.ID == id {
			a.Status = status
			return a, true
		}
	}
	return nil, false
}

// ClearAlerts removes every stored alert and returns how many there were.
func (p *AlertPipeline) ClearAlerts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.alerts)
	p.alerts = nil
	return n
}

// Count returns the number of stored alerts.
func (p *AlertPipeline) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.alerts)
}
