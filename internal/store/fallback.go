package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/finshield-project/finshield/internal/core"
	"github.com/finshield-project/finshield/internal/metrics"
)

var (
	_ core.AdmissionStore = (*Memory)(nil)
	_ core.AdmissionStore = (*Redis)(nil)
	_ core.AdmissionStore = (*Fallback)(nil)
)

// Fallback routes every call to the shared store through a circuit breaker.
// A failed call or an open circuit serves the request from the local Memory
// store instead, so store trouble never reaches the pipeline. While degraded
// each process counts alone.
//
// Blocks are written to both stores and read from either, so an address
// blocked during an outage stays blocked after the shared store recovers.
type Fallback struct {
	shared core.AdmissionStore
	local  *Memory
	cb     *gobreaker.CircuitBreaker
	logger zerolog.Logger

	warnEvery time.Duration
	lastWarn  atomic.Int64
	fallbacks atomic.Int64
	lastErr   atomic.Pointer[error]
}

// NewFallback wraps shared with a breaker configured from cfg.
func NewFallback(shared core.AdmissionStore, local *Memory, cfg core.BreakerConfig, logger zerolog.Logger) *Fallback {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	f := &Fallback{
		shared:    shared,
		local:     local,
		logger:    logger.With().Str("component", "store").Logger(),
		warnEvery: 30 * time.Second,
	}
	f.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "AdmissionStore",
		MaxRequests: 3,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up says nothing about the store's health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.StoreBreakerState.Set(float64(to))
			f.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("store circuit state changed")
		},
	})
	return f
}

// guard runs op against the shared store and falls back to local on error.
func guard[T any](f *Fallback, op string, shared, local func() (T, error)) (T, error) {
	v, err := f.cb.Execute(func() (interface{}, error) {
		return shared()
	})
	if err == nil {
		return v.(T), nil
	}
	f.degraded(op, err)
	return local()
}

func (f *Fallback) degraded(op string, cause error) {
	f.fallbacks.Add(1)
	metrics.StoreFallbacks.WithLabelValues(op).Inc()
	err := fmt.Errorf("%w: %s: %w", core.ErrDegraded, op, cause)
	f.lastErr.Store(&err)

	now := time.Now().UnixNano()
	last := f.lastWarn.Load()
	if now-last < int64(f.warnEvery) || !f.lastWarn.CompareAndSwap(last, now) {
		return
	}
	f.logger.Warn().Err(err).Str("operation", op).Str("breaker", f.cb.State().String()).Msg("store degraded, serving from local state")
}

// State reports the breaker state: closed, half-open or open.
func (f *Fallback) State() string { return f.cb.State().String() }

// Fallbacks returns how many calls the local store has served.
func (f *Fallback) Fallbacks() int64 { return f.fallbacks.Load() }

// LastError returns the most recent failure the local store absorbed,
// wrapping core.ErrDegraded, or nil if there has been none.
func (f *Fallback) LastError() error {
	if p := f.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Local returns the in-process store used while degraded.
func (f *Fallback) Local() *Memory { return f.local }

func (f *Fallback) SlideWindow(ctx context.Context, key string, limit int, window, recent time.Duration, now time.Time) (core.WindowResult, error) {
	return guard(f, "slide_window",
		func() (core.WindowResult, error) { return f.shared.SlideWindow(ctx, key, limit, window, recent, now) },
		func() (core.WindowResult, error) { return f.local.SlideWindow(ctx, key, limit, window, recent, now) })
}

func (f *Fallback) Touch(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	return guard(f, "touch",
		func() (int, error) { return f.shared.Touch(ctx, key, window, now) },
		func() (int, error) { return f.local.Touch(ctx, key, window, now) })
}

func (f *Fallback) AppendActivity(ctx context.Context, identifier string, rec core.ActivityRecord, retention time.Duration) error {
	_, err := guard(f, "append_activity",
		func() (struct{}, error) { return struct{}{}, f.shared.AppendActivity(ctx, identifier, rec, retention) },
		func() (struct{}, error) { return struct{}{}, f.local.AppendActivity(ctx, identifier, rec, retention) })
	return err
}

func (f *Fallback) Activity(ctx context.Context, identifier string, since time.Time) ([]core.ActivityRecord, error) {
	return guard(f, "activity",
		func() ([]core.ActivityRecord, error) { return f.shared.Activity(ctx, identifier, since) },
		func() ([]core.ActivityRecord, error) { return f.local.Activity(ctx, identifier, since) })
}

func (f *Fallback) Block(ctx context.Context, entry core.BlockEntry) error {
	if err := f.local.Block(ctx, entry); err != nil {
		return err
	}
	_, err := guard(f, "block",
		func() (struct{}, error) { return struct{}{}, f.shared.Block(ctx, entry) },
		func() (struct{}, error) { return struct{}{}, nil })
	return err
}

func (f *Fallback) Blocked(ctx context.Context, key string, now time.Time) (*core.BlockEntry, error) {
	if entry, _ := f.local.Blocked(ctx, key, now); entry != nil {
		return entry, nil
	}
	return guard(f, "blocked",
		func() (*core.BlockEntry, error) { return f.shared.Blocked(ctx, key, now) },
		func() (*core.BlockEntry, error) { return nil, nil })
}

func (f *Fallback) Unblock(ctx context.Context, key string) (bool, error) {
	localOK, _ := f.local.Unblock(ctx, key)
	sharedOK, err := guard(f, "unblock",
		func() (bool, error) { return f.shared.Unblock(ctx, key) },
		func() (bool, error) { return false, nil })
	return localOK || sharedOK, err
}

func (f *Fallback) Blocks(ctx context.Context, now time.Time) ([]core.BlockEntry, error) {
	shared, err := guard(f, "blocks",
		func() ([]core.BlockEntry, error) { return f.shared.Blocks(ctx, now) },
		func() ([]core.BlockEntry, error) { return nil, nil })
	if err != nil {
		return nil, err
	}
	local, _ := f.local.Blocks(ctx, now)

	seen := make(map[string]bool, len(shared))
	out := make([]core.BlockEntry, 0, len(shared)+len(local))
	for _, e := range append(shared, local...) {
		if seen[e.Key] {
			continue
		}
		seen[e.Key] = true
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *Fallback) RecordEndpoint(ctx context.Context, sample core.PerformanceSample, window time.Duration) (core.EndpointStats, error) {
	return guard(f, "record_endpoint",
		func() (core.EndpointStats, error) { return f.shared.RecordEndpoint(ctx, sample, window) },
		func() (core.EndpointStats, error) { return f.local.RecordEndpoint(ctx, sample, window) })
}

func (f *Fallback) EndpointStats(ctx context.Context) ([]core.EndpointStats, error) {
	return guard(f, "endpoint_stats",
		func() ([]core.EndpointStats, error) { return f.shared.EndpointStats(ctx) },
		func() ([]core.EndpointStats, error) { return f.local.EndpointStats(ctx) })
}

// Ping checks the shared store directly, bypassing the breaker, so health
// endpoints can report degradation.
func (f *Fallback) Ping(ctx context.Context) error {
	return f.shared.Ping(ctx)
}

func (f *Fallback) Close() error {
	return errors.Join(f.shared.Close(), f.local.Close())
}

// Open builds the store selected by cfg: Memory for "memory", and Redis
// behind a Fallback for "redis". An unreachable Redis at startup still
// yields a working store; the breaker keeps probing it.
func Open(ctx context.Context, cfg core.StoreConfig, logger zerolog.Logger) (core.AdmissionStore, error) {
	local := NewMemory(cfg.MaxBlocks)
	if cfg.Backend != "redis" {
		return local, nil
	}

	client := newClient(cfg.Redis)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("shared store unavailable at startup, continuing degraded")
	}
	shared := NewRedisWithClient(client, cfg.Redis.KeyPrefix)
	return NewFallback(shared, local, cfg.Breaker, logger), nil
}
