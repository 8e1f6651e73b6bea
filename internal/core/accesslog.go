package core

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AccessRecord is the structured log entry emitted for every request,
// admitted or denied.
type AccessRecord struct {
	RequestID   string            `json:"request_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Request     AccessRequest     `json:"request"`
	Response    AccessResponse    `json:"response"`
	Security    AccessSecurity    `json:"security"`
	Performance AccessPerformance `json:"performance"`
}

type AccessRequest struct {
	Method      string        `json:"method"`
	Route       string        `json:"route"`
	Class       EndpointClass `json:"class"`
	Identifier  string        `json:"identifier"`
	Address     string        `json:"address,omitempty"`
	UserAgent   string        `json:"user_agent,omitempty"`
	PayloadSize int64         `json:"payload_size"`
}

type AccessResponse struct {
	Status int    `json:"status"`
	Size   int    `json:"size"`
	Error  string `json:"error,omitempty"`
}

type AccessSecurity struct {
	Admitted   bool             `json:"admitted"`
	Assessment ThreatAssessment `json:"assessment"`
	DeniedBy   string           `json:"denied_by,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

type AccessPerformance struct {
	TotalMillis   float64            `json:"total_ms"`
	HandlerMillis float64            `json:"handler_ms"`
	StageMillis   map[string]float64 `json:"stage_ms,omitempty"`
}

// MarshalZerologObject lets access records be logged as structured fields.
func (r *AccessRecord) MarshalZerologObject(e *zerolog.Event) {
	e.Str("request_id", r.RequestID).
		Str("method", r.Request.Method).
		Str("route", r.Request.Route).
		Str("class", string(r.Request.Class)).
		Str("identifier", r.Request.Identifier).
		Int("status", r.Response.Status).
		Bool("admitted", r.Security.Admitted).
		Int("security_score", r.Security.Assessment.SecurityScore()).
		Int("abuse_score", r.Security.Assessment.AbuseScore()).
		Str("threat_level", r.Security.Assessment.Level().String()).
		Strs("patterns", r.Security.Assessment.Patterns()).
		Float64("total_ms", r.Performance.TotalMillis)
	if r.Security.DeniedBy != "" {
		e.Str("denied_by", r.Security.DeniedBy).Str("reason", r.Security.Reason)
	}
}

// AccessLog is a fixed-size ring buffer of recent access records.
type AccessLog struct {
	mu      sync.RWMutex
	entries []AccessRecord
	maxSize int
	pos     int
	full    bool
}

// NewAccessLog creates a ring buffer that holds up to maxSize records.
func NewAccessLog(maxSize int) *AccessLog {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &AccessLog{
		entries: make([]AccessRecord, maxSize),
		maxSize: maxSize,
	}
}

// Add appends a record, overwriting the oldest when full.
func (b *AccessLog) Add(rec AccessRecord) {
	b.mu.Lock()
	b.entries[b.pos] = rec
	b.pos = (b.pos + 1) % b.maxSize
	if b.pos == 0 {
		b.full = true
	}
	b.mu.Unlock()
}

// Recent returns the most recent n records in chronological order.
func (b *AccessLog) Recent(n int) []AccessRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := b.pos
	if b.full {
		total = b.maxSize
	}
	if n > total {
		n = total
	}
	if n <= 0 {
		return []AccessRecord{}
	}

	result := make([]AccessRecord, n)
	start := b.pos - n
	if start < 0 {
		start += b.maxSize
	}
	for i := 0; i < n; i++ {
		result[i] = b.entries[(start+i)%b.maxSize]
	}
	return result
}

// Len returns how many records are held.
func (b *AccessLog) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return b.maxSize
	}
	return b.pos
}
