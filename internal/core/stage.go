package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Stage is one step of the admission pipeline.
type Stage interface {
	// Name returns the unique name of the stage.
	Name() string
	// Evaluate inspects the request. A non-nil Outcome.Err is a hard denial;
	// signals are soft contributions to the threat assessment.
	Evaluate(ctx context.Context, req *Request) Outcome
}

// Outcome is the typed result of one stage.
type Outcome struct {
	Err     *AdmissionError
	Signals []Signal
	// Headers are added to the response whatever the final decision.
	Headers http.Header
	// Retry is advisory retry guidance for rate-limit signals.
	Retry time.Duration
}

// Pass is the empty outcome.
func Pass() Outcome { return Outcome{} }

// Deny builds a hard-failure outcome.
func Deny(err *AdmissionError, signals ...Signal) Outcome {
	return Outcome{Err: err, Signals: signals}
}

// StageObserver is notified after every stage evaluation.
type StageObserver func(stage string, elapsed time.Duration, out Outcome)

// StageRegistry holds the ordered stage list and runs each stage in
// isolation so a panicking stage fails closed instead of crashing the server.
type StageRegistry struct {
	mu        sync.RWMutex
	stages    []Stage
	logger    zerolog.Logger
	observers []StageObserver

	// Metrics
	metrics *StageMetrics
}

// StageMetrics tracks per-stage evaluation counters.
type StageMetrics struct {
	mu          sync.Mutex       `json:"-"`
	Evaluations map[string]int64 `json:"evaluations"`
	Denials     map[string]int64 `json:"denials"`
	Panics      map[string]int64 `json:"panics"`
}

// NewStageRegistry creates an empty StageRegistry.
func NewStageRegistry(logger zerolog.Logger) *StageRegistry {
	return &StageRegistry{
		logger: logger.With().Str("component", "stage_registry").Logger(),
		metrics: &StageMetrics{
			Evaluations: make(map[string]int64),
			Denials:     make(map[string]int64),
			Panics:      make(map[string]int64),
		},
	}
}

// Register appends a stage to the end of the chain.
func (r *StageRegistry) Register(stage Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.stages {
		if s.Name() == stage.Name() {
			return fmt.Errorf("stage %q already registered", stage.Name())
		}
	}
	r.stages = append(r.stages, stage)
	r.logger.Debug().Str("stage", stage.Name()).Int("position", len(r.stages)).Msg("stage registered")
	return nil
}

// Replace swaps the whole chain, used by hot reload. In-flight requests
// finish on the chain they started with.
func (r *StageRegistry) Replace(stages ...Stage) {
	r.mu.Lock()
	r.stages = append([]Stage(nil), stages...)
	r.mu.Unlock()
	r.logger.Info().Int("stages", len(stages)).Msg("stage chain replaced")
}

// Observe adds an observer called after each evaluation.
func (r *StageRegistry) Observe(fn StageObserver) {
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	r.mu.Unlock()
}

// Stages returns a snapshot of the chain in evaluation order.
func (r *StageRegistry) Stages() []Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Stage(nil), r.stages...)
}

// Names returns the stage names in evaluation order.
func (r *StageRegistry) Names() []string {
	stages := r.Stages()
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name()
	}
	return names
}

// Evaluate runs one stage inside a recover(). A panic becomes an internal
// error so the request is denied.
func (r *StageRegistry) Evaluate(ctx context.Context, stage Stage, req *Request) (out Outcome) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("stage", stage.Name()).
				Str("request_id", req.ID).
				Interface("panic", rec).
				Msg("stage panic recovered, denying request")
			r.metrics.mu.Lock()
			r.metrics.Panics[stage.Name()]++
			r.metrics.mu.Unlock()
			out = Deny(InternalError(fmt.Errorf("stage %s panicked: %v", stage.Name(), rec)))
		}
		r.record(stage.Name(), time.Since(start), out)
	}()

	return stage.Evaluate(ctx, req)
}

func (r *StageRegistry) record(name string, elapsed time.Duration, out Outcome) {
	r.metrics.mu.Lock()
	r.metrics.Evaluations[name]++
	if out.Err != nil {
		r.metrics.Denials[name]++
	}
	r.metrics.mu.Unlock()

	r.mu.RLock()
	observers := r.observers
	r.mu.RUnlock()
	for _, fn := range observers {
		fn(name, elapsed, out)
	}
}

// GetMetrics returns a snapshot of stage metrics.
func (r *StageRegistry) GetMetrics() map[string]any {
	r.metrics.mu.Lock()
	defer r.metrics.mu.Unlock()
	return map[string]any{
		"evaluations": copyCounts(r.metrics.Evaluations),
		"denials":     copyCounts(r.metrics.Denials),
		"panics":      copyCounts(r.metrics.Panics),
	}
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Count returns the number of registered stages.
func (r *StageRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stages)
}
