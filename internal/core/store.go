package core

import (
	"context"
	"time"
)

// AdmissionStore holds all state shared between concurrent requests: sliding
// window counters, activity history, the block list and endpoint statistics.
// Implementations must make every single call atomic with respect to the key
// it touches.
type AdmissionStore interface {
	// SlideWindow trims entries older than now-window from key, then appends
	// now if fewer than limit entries remain.
	SlideWindow(ctx context.Context, key string, limit int, window, recent time.Duration, now time.Time) (WindowResult, error)
	// Touch trims key to the window, appends now unconditionally and returns
	// the resulting count.
	Touch(ctx context.Context, key string, window time.Duration, now time.Time) (int, error)

	AppendActivity(ctx context.Context, identifier string, rec ActivityRecord, retention time.Duration) error
	Activity(ctx context.Context, identifier string, since time.Time) ([]ActivityRecord, error)

	Block(ctx context.Context, entry BlockEntry) error
	// Blocked returns the live entry for key, or nil.
	Blocked(ctx context.Context, key string, now time.Time) (*BlockEntry, error)
	Unblock(ctx context.Context, key string) (bool, error)
	Blocks(ctx context.Context, now time.Time) ([]BlockEntry, error)

	// RecordEndpoint folds sample into the route's stats, starting a fresh
	// window when the current one is older than window.
	RecordEndpoint(ctx context.Context, sample PerformanceSample, window time.Duration) (EndpointStats, error)
	EndpointStats(ctx context.Context) ([]EndpointStats, error)

	Ping(ctx context.Context) error
	Close() error
}

// WindowResult is the outcome of one sliding-window check.
type WindowResult struct {
	Allowed bool
	// Count is the number of retained entries, including now when allowed.
	Count int
	// Oldest is the earliest retained entry; zero when the window is empty.
	Oldest time.Time
	// Recent counts retained entries newer than now-recent.
	Recent int
}

// ActivityRecord is one request in an identifier's behavioral history.
type ActivityRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	Method      string    `json:"method"`
	Route       string    `json:"route"`
	UserAgent   string    `json:"user_agent,omitempty"`
	PayloadSize int64     `json:"payload_size"`
	Address     string    `json:"address,omitempty"`
}

// BlockEntry denies every request whose identifier or address matches Key.
// A zero ExpiresAt never expires.
type BlockEntry struct {
	Key        string    `json:"key"`
	Identifier string    `json:"identifier,omitempty"`
	Address    string    `json:"address,omitempty"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at,omitzero"`
}

// Live reports whether the entry is still in force at now.
func (b BlockEntry) Live(now time.Time) bool {
	return b.ExpiresAt.IsZero() || now.Before(b.ExpiresAt)
}

// BlockKeyIdentifier and BlockKeyAddress build block-list keys.
func BlockKeyIdentifier(identifier string) string { return "id:" + identifier }
func BlockKeyAddress(addr string) string { return "addr:" + addr }

// EndpointStats is the rolling per-route aggregate.
type EndpointStats struct {
	Route                string        `json:"route"`
	RequestCount         int64         `json:"request_count"`
	ErrorCount           int64         `json:"error_count"`
	TotalLatency         time.Duration `json:"total_latency"`
	ConcurrentIdentities int64         `json:"concurrent_identities"`
	WindowStart          time.Time     `json:"window_start"`
	LastRequestAt        time.Time     `json:"last_request_at"`
}

// ErrorRate is error_count / request_count.
func (s EndpointStats) ErrorRate() float64 {
	if s.RequestCount == 0 {
		return 0
	}
	return float64(s.ErrorCount) / float64(s.RequestCount)
}

// AvgLatency is total_latency / request_count.
func (s EndpointStats) AvgLatency() time.Duration {
	if s.RequestCount == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.RequestCount)
}
