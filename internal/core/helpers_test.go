package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// nopStore satisfies AdmissionStore for engine-level tests that never touch
// shared state.
type nopStore struct{ closed bool }

func (s *nopStore) SlideWindow(context.Context, string, int, time.Duration, time.Duration, time.Time) (WindowResult, error) {
	return WindowResult{Allowed: true, Count: 1}, nil
}
func (s *nopStore) Touch(context.Context, string, time.Duration, time.Time) (int, error) {
	return 1, nil
}
func (s *nopStore) AppendActivity(context.Context, string, ActivityRecord, time.Duration) error {
	return nil
}
func (s *nopStore) Activity(context.Context, string, time.Time) ([]ActivityRecord, error) {
	return nil, nil
}
func (s *nopStore) Block(context.Context, BlockEntry) error { return nil }
func (s *nopStore) Blocked(context.Context, string, time.Time) (*BlockEntry, error) {
	return nil, nil
}
func (s *nopStore) Unblock(context.Context, string) (bool, error) { return false, nil }
func (s *nopStore) Blocks(context.Context, time.Time) ([]BlockEntry, error) { return nil, nil }
func (s *nopStore) RecordEndpoint(_ context.Context, p PerformanceSample, _ time.Duration) (EndpointStats, error) {
	return EndpointStats{Route: p.Route, RequestCount: 1}, nil
}
func (s *nopStore) EndpointStats(context.Context) ([]EndpointStats, error) { return nil, nil }
func (s *nopStore) Ping(context.Context) error { return nil }
func (s *nopStore) Close() error { s.closed = true; return nil }

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Alerts.EnableConsole = false
	e, err := NewEngine(cfg, &nopStore{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	return e
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "finshield.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}
