package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/finshield-project/finshield/internal/core"
	"github.com/finshield-project/finshield/internal/metrics"
)

const StageName = "ratelimit"

// Pattern names recorded on the threat assessment.
const (
	PatternRateLimited = "rate_limit_exceeded"
	PatternRapidBurst  = "rapid_burst"
)

// RateInfo describes the caller's position in its sliding window.
type RateInfo struct {
	Class      core.EndpointClass `json:"class"`
	Limit      int                `json:"limit"`
	Remaining  int                `json:"remaining"`
	Count      int                `json:"count"`
	RetryAfter time.Duration      `json:"retry_after"`
	Burst      bool               `json:"burst"`
}

// Limiter enforces per-class sliding windows through the injected store.
type Limiter struct {
	store   core.AdmissionStore
	limits  map[core.EndpointClass]core.ClassLimit
	scoring core.ScoringConfig
	now     func() time.Time
}

// New creates a Limiter. Classes missing from limits use the defaults.
func New(store core.AdmissionStore, limits map[core.EndpointClass]core.ClassLimit, scoring core.ScoringConfig) *Limiter {
	merged := core.DefaultClassLimits()
	for class, lim := range limits {
		merged[class] = lim
	}
	return &Limiter{store: store, limits: merged, scoring: scoring, now: time.Now}
}

// WithClock replaces the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Limit returns the policy for class.
func (l *Limiter) Limit(class core.EndpointClass) core.ClassLimit {
	if lim, ok := l.limits[class]; ok {
		return lim
	}
	return l.limits[core.ClassGeneral]
}

func windowKey(class core.EndpointClass, identifier string) string {
	return "rl:" + string(class) + ":" + identifier
}

// Check trims the (class, identifier) window, then admits and records now
// when fewer than max_requests remain. A denial carries the time until the
// oldest retained entry leaves the window.
func (l *Limiter) Check(ctx context.Context, class core.EndpointClass, identifier string) (bool, RateInfo, error) {
	lim := l.Limit(class)
	now := l.now()

	res, err := l.store.SlideWindow(ctx, windowKey(class, identifier), lim.MaxRequests, lim.Window, lim.Window/10, now)
	if err != nil {
		return false, RateInfo{}, fmt.Errorf("rate limit check for %s: %w", class, err)
	}

	info := RateInfo{
		Class:     class,
		Limit:     lim.MaxRequests,
		Count:     res.Count,
		Remaining: max(0, lim.MaxRequests-res.Count),
		Burst:     res.Recent > lim.Burst,
	}
	if !res.Allowed {
		info.RetryAfter = res.Oldest.Add(lim.Window).Sub(now)
		if info.RetryAfter < time.Second {
			info.RetryAfter = time.Second
		}
		metrics.RateLimitHits.WithLabelValues(string(class)).Inc()
	}
	return res.Allowed, info, nil
}

func (l *Limiter) Name() string { return StageName }

// Evaluate never denies on its own: a full window is a soft signal that the
// pipeline answers with 429 unless the abuse decision escalates.
func (l *Limiter) Evaluate(ctx context.Context, req *core.Request) core.Outcome {
	allowed, info, err := l.Check(ctx, req.Class, req.Identifier)
	if err != nil {
		return core.Deny(core.InternalError(err))
	}

	out := core.Outcome{Headers: http.Header{}}
	out.Headers.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	out.Headers.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))

	if info.Burst {
		out.Signals = append(out.Signals, core.Signal{
			Pattern: PatternRapidBurst,
			Weight:  l.scoring.RapidBurstWeight,
		})
	}
	if !allowed {
		out.Retry = info.RetryAfter
		out.Headers.Set("X-RateLimit-Reset", strconv.FormatInt(l.now().Add(info.RetryAfter).Unix(), 10))
		out.Signals = append(out.Signals, core.Signal{
			Pattern:     PatternRateLimited,
			Weight:      l.scoring.RateLimitWeight,
			Penalty:     l.scoring.RateLimitPenalty,
			RateLimited: true,
		})
	}
	return out
}
