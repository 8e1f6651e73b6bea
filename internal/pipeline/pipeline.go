// Package pipeline runs the admission stages around an HTTP handler.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/finshield-project/finshield/internal/core"
	"github.com/finshield-project/finshield/internal/metrics"
	"github.com/finshield-project/finshield/internal/modules/abuse"
	"github.com/finshield-project/finshield/internal/modules/behavior"
	"github.com/finshield-project/finshield/internal/modules/entitlement"
	"github.com/finshield-project/finshield/internal/modules/injection"
	"github.com/finshield-project/finshield/internal/modules/monitor"
	"github.com/finshield-project/finshield/internal/modules/ratelimit"
	"github.com/finshield-project/finshield/internal/modules/redact"
	"github.com/finshield-project/finshield/internal/modules/signature"
	"github.com/finshield-project/finshield/internal/modules/validator"
)

// chain is one immutable build of the stages from a config snapshot. A
// request runs start to finish on the chain it loaded.
type chain struct {
	cfg     core.AdmissionConfig
	stages  []core.Stage
	abuse   *abuse.Detector
	monitor *monitor.Monitor
	filter  *redact.Filter
}

// Pipeline is the admission middleware.
type Pipeline struct {
	engine   *core.Engine
	registry *core.StageRegistry
	scanner  *injection.Scanner
	keys     entitlement.Store
	resolve  core.IdentityResolver
	now      func() time.Time
	loc      *time.Location
	logger   zerolog.Logger

	chain atomic.Pointer[chain]
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock replaces the time source of every stage.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLocation sets the zone behavioral hours are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(p *Pipeline) { p.loc = loc }
}

// WithIdentityResolver sets how the authenticated user is read off a request.
func WithIdentityResolver(fn core.IdentityResolver) Option {
	return func(p *Pipeline) { p.resolve = fn }
}

// WithEntitlementStore replaces the config-backed premium key store.
func WithEntitlementStore(s entitlement.Store) Option {
	return func(p *Pipeline) { p.keys = s }
}

// New builds the pipeline from the engine's current config and rebuilds it
// on every config reload.
func New(engine *core.Engine, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		engine:   engine,
		registry: core.NewStageRegistry(engine.Logger),
		scanner:  injection.New(),
		resolve:  core.ContextIdentity,
		now:      time.Now,
		loc:      time.Local,
		logger:   engine.Logger.With().Str("component", "pipeline").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.registry.Observe(func(stage string, elapsed time.Duration, out core.Outcome) {
		metrics.StageDuration.WithLabelValues(stage).Observe(millis(elapsed))
		if out.Err != nil {
			metrics.StageDenials.WithLabelValues(stage, out.Err.Code()).Inc()
		}
	})

	if err := p.Reload(engine.Config().Admission); err != nil {
		return nil, err
	}
	engine.OnReload(func(cfg *core.Config) {
		if err := p.Reload(cfg.Admission); err != nil {
			p.logger.Error().Err(err).Msg("admission config rejected, keeping previous chain")
		}
	})
	return p, nil
}

// Reload swaps in a chain built from cfg. On error the running chain stays.
func (p *Pipeline) Reload(cfg core.AdmissionConfig) error {
	ch, err := p.build(cfg)
	if err != nil {
		return err
	}
	p.chain.Store(ch)
	p.registry.Replace(ch.stages...)
	return nil
}

func (p *Pipeline) build(cfg core.AdmissionConfig) (*chain, error) {
	store := p.engine.Store

	v, err := validator.New(cfg.Validation)
	if err != nil {
		return nil, fmt.Errorf("validator: %w", err)
	}
	versions, err := entitlement.NewVersionManager(cfg.Versions)
	if err != nil {
		return nil, fmt.Errorf("versions: %w", err)
	}
	keys := p.keys
	if keys == nil {
		keys = entitlement.NewConfigStore(cfg.Entitlements.Keys, p.now())
	}

	return &chain{
		cfg: cfg,
		stages: []core.Stage{
			v,
			injection.NewStage(p.scanner, cfg.Scoring),
			signature.New(cfg.Signature, cfg.Scoring).WithClock(p.now),
			entitlement.NewManager(keys, cfg.Entitlements.PremiumRoutes).WithClock(p.now),
			versions.WithClock(p.now),
			ratelimit.New(store, cfg.RateLimits, cfg.Scoring).WithClock(p.now),
			behavior.New(store, cfg.Behavior, cfg.Scoring).WithClock(p.now, p.loc),
		},
		abuse:   abuse.New(store, cfg, p.engine, p.logger).WithClock(p.now),
		monitor: monitor.New(store, cfg.Monitor, p.engine, p.logger).WithClock(p.now),
		filter:  redact.New(cfg.Redaction.Fields),
	}, nil
}

// Registry returns the stage registry.
func (p *Pipeline) Registry() *core.StageRegistry { return p.registry }

// Scanner returns the shared injection scanner.
func (p *Pipeline) Scanner() *injection.Scanner { return p.scanner }

// Abuse returns the abuse detector of the current chain.
func (p *Pipeline) Abuse() *abuse.Detector { return p.chain.Load().abuse }

// Monitor returns the endpoint monitor of the current chain.
func (p *Pipeline) Monitor() *monitor.Monitor { return p.chain.Load().monitor }

// result collects what the access record needs about one request.
type result struct {
	status     int
	size       int
	admitted   bool
	denial     *core.AdmissionError
	deniedBy   string
	assessment core.ThreatAssessment
	stageMs    map[string]float64
	handler    time.Duration
	written    bool
}

// Middleware wraps next with the admission pipeline. Denied requests never
// reach next; admitted responses are buffered and redacted before they are
// written.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.serve(w, r, next)
	})
}

func (p *Pipeline) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	start := time.Now()
	ch := p.chain.Load()
	ctx := r.Context()
	requestID := uuid.NewString()

	res := result{assessment: core.NewThreatAssessment(), stageMs: make(map[string]float64)}
	headers := http.Header{}
	var retry time.Duration

	req, err := buildRequest(r, requestID, p.now(), ch.cfg.Validation.MaxPayloadBytes, p.resolve)
	defer p.recoverServe(w, req, headers, start, &res)
	if err != nil {
		res.denial, res.deniedBy = core.StructuralError("unreadable request body"), "request"
	}

	if res.denial == nil {
		entry, err := ch.abuse.CheckBlocked(ctx, req.Identifier, req.Address())
		switch {
		case err != nil:
			res.denial, res.deniedBy = core.InternalError(err), abuse.StageName
		case entry != nil:
			res.assessment = res.assessment.Critical(abuse.PatternBlocked)
			res.denial, res.deniedBy = core.Forbidden("request blocked"), abuse.StageName
		}
	}

	if res.denial == nil {
		for _, st := range ch.stages {
			t0 := time.Now()
			out := p.registry.Evaluate(ctx, st, req)
			res.stageMs[st.Name()] = millis(time.Since(t0))

			mergeHeaders(headers, out.Headers)
			res.assessment = res.assessment.WithSignals(out.Signals...)
			retry = max(retry, out.Retry)
			if out.Err != nil {
				res.denial, res.deniedBy = out.Err, st.Name()
				break
			}
		}

		// Injection still goes through the block policy.
		if res.denial == nil || res.denial.Kind == core.KindSecurityViolation {
			t0 := time.Now()
			dec, err := ch.abuse.Admit(ctx, req, res.assessment)
			res.stageMs[abuse.StageName] = millis(time.Since(t0))
			switch {
			case err != nil:
				res.assessment = res.assessment.Classified(core.ThresholdsFrom(ch.cfg.Abuse))
				if res.denial == nil {
					res.denial, res.deniedBy = core.InternalError(err), abuse.StageName
				}
			default:
				res.assessment = dec.Assessment
				if !dec.Allowed && res.denial == nil {
					res.denial, res.deniedBy = core.Forbidden("request blocked"), abuse.StageName
				}
			}
		} else {
			res.assessment = res.assessment.Classified(core.ThresholdsFrom(ch.cfg.Abuse))
		}

		if res.denial == nil && res.assessment.RateLimited() {
			res.denial = core.RateLimitedError(retry, "rate limit exceeded for %s endpoints", req.Class)
			res.deniedBy = ratelimit.StageName
		}
	}

	if res.denial == nil {
		p.admit(w, r, next, ch, req, headers, start, &res)
	}
	if res.denial != nil {
		p.deny(w, req, headers, start, &res)
	}
	p.finish(context.WithoutCancel(ctx), ch, req, start, res)
}

// admit runs next into a buffer, redacts the body and writes it out. A
// handler panic turns into a denial.
func (p *Pipeline) admit(w http.ResponseWriter, r *http.Request, next http.Handler, ch *chain, req *core.Request, headers http.Header, start time.Time, res *result) {
	if ch.cfg.Injection.SanitizeOnAdmit {
		p.sanitize(r, req)
	}
	r.Header.Set("X-Request-Id", req.ID)

	buf := newBufferedWriter()
	t0 := time.Now()
	panicked := runHandler(next, buf, r, func(rec any) {
		p.logger.Error().
			Str("request_id", req.ID).
			Str("route", req.Route).
			Interface("panic", rec).
			Str("stack", string(debug.Stack())).
			Msg("handler panic recovered")
	})
	res.handler = time.Since(t0)
	if panicked {
		res.denial, res.deniedBy = core.InternalError(fmt.Errorf("handler panic")), "handler"
		return
	}

	raw, err := decodeBody(buf.header.Get("Content-Encoding"), buf.body.Bytes())
	if err != nil {
		p.logger.Error().Err(err).Str("request_id", req.ID).Str("route", req.Route).Msg("response body cannot be filtered")
		res.denial, res.deniedBy = core.InternalError(err), "response"
		return
	}
	body := ch.filter.Filter(buf.header.Get("Content-Type"), raw)

	h := w.Header()
	for k, v := range buf.header {
		h[k] = v
	}
	h.Del("Content-Encoding")
	mergeHeaders(h, headers)
	setAdmissionHeaders(h, req.ID, time.Since(start), res.assessment)
	h.Set("Content-Length", strconv.Itoa(len(body)))

	res.status = buf.statusCode()
	res.size = len(body)
	res.admitted = true
	res.written = true
	w.WriteHeader(res.status)
	if _, err := w.Write(body); err != nil {
		p.logger.Debug().Err(err).Str("request_id", req.ID).Msg("client went away")
	}
}

func runHandler(next http.Handler, w http.ResponseWriter, r *http.Request, onPanic func(any)) (panicked bool) {
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			onPanic(rec)
			panicked = true
		}
	}()
	next.ServeHTTP(w, r)
	return false
}

func (p *Pipeline) deny(w http.ResponseWriter, req *core.Request, headers http.Header, start time.Time, res *result) {
	h := w.Header()
	mergeHeaders(h, headers)
	setAdmissionHeaders(h, req.ID, time.Since(start), res.assessment)
	h.Set("Content-Type", "application/json")
	if res.denial.Status == http.StatusTooManyRequests {
		h.Set("Retry-After", retryAfterSeconds(res.denial.RetryAfter))
	}

	body := errorPayload(res.denial, req.ID, p.now())
	res.status = res.denial.Status
	res.size = len(body)
	res.written = true
	w.WriteHeader(res.status)
	w.Write(body)
}

// recoverServe turns a panic anywhere in serve outside the handler into the
// generic 500. A panic after the response started is only logged.
func (p *Pipeline) recoverServe(w http.ResponseWriter, req *core.Request, headers http.Header, start time.Time, res *result) {
	rec := recover()
	if rec == nil {
		return
	}
	if rec == http.ErrAbortHandler {
		panic(rec)
	}
	p.logger.Error().
		Str("request_id", req.ID).
		Str("route", req.Route).
		Interface("panic", rec).
		Str("stack", string(debug.Stack())).
		Msg("pipeline panic recovered")
	if res.written {
		return
	}
	res.admitted = false
	res.denial, res.deniedBy = core.InternalError(fmt.Errorf("panic: %v", rec)), "pipeline"
	metrics.StageDenials.WithLabelValues(res.deniedBy, res.denial.Code()).Inc()
	p.deny(w, req, headers, start, res)
}

// sanitize rewrites the query and JSON or form body handed to next with every
// matched pattern stripped.
func (p *Pipeline) sanitize(r *http.Request, req *core.Request) {
	if len(req.Query) > 0 {
		r.URL.RawQuery = p.scanner.SanitizeValue(req.Query).(url.Values).Encode()
	}
	var body []byte
	switch {
	case req.JSON != nil:
		data, err := json.Marshal(p.scanner.SanitizeValue(req.JSON))
		if err != nil {
			return
		}
		body = data
	case req.Form != nil && req.ContentType == "application/x-www-form-urlencoded":
		body = []byte(p.scanner.SanitizeValue(req.Form).(url.Values).Encode())
	default:
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
}

// finish records the request with the monitor, the abuse history, the access
// log and metrics. Store failures here never change the response.
func (p *Pipeline) finish(ctx context.Context, ch *chain, req *core.Request, start time.Time, res result) {
	total := time.Since(start)

	if _, err := ch.monitor.Record(ctx, core.PerformanceSample{
		Route:    req.Route,
		Identity: req.Identifier,
		Latency:  total,
		Status:   res.status,
		At:       req.Received,
	}); err != nil {
		p.logger.Warn().Err(err).Str("request_id", req.ID).Msg("recording endpoint stats failed")
	}
	if err := ch.abuse.RecordOutcome(ctx, req.Identifier, res.status); err != nil {
		p.logger.Warn().Err(err).Str("request_id", req.ID).Msg("recording outcome failed")
	}

	rec := core.AccessRecord{
		RequestID: req.ID,
		Timestamp: req.Received,
		Request: core.AccessRequest{
			Method:      req.Method,
			Route:       req.Route,
			Class:       req.Class,
			Identifier:  req.Identifier,
			Address:     req.Address(),
			UserAgent:   req.UserAgent(),
			PayloadSize: req.PayloadSize(),
		},
		Response: core.AccessResponse{Status: res.status, Size: res.size},
		Security: core.AccessSecurity{
			Admitted:   res.admitted,
			Assessment: res.assessment,
			DeniedBy:   res.deniedBy,
		},
		Performance: core.AccessPerformance{
			TotalMillis:   millis(total),
			HandlerMillis: millis(res.handler),
			StageMillis:   res.stageMs,
		},
	}
	outcome := "admitted"
	if res.denial != nil {
		rec.Response.Error = res.denial.Code()
		rec.Security.Reason = res.denial.Message
		outcome = res.denial.Code()
	}
	p.engine.Access.Add(rec)

	if res.denial != nil {
		p.logger.Warn().EmbedObject(&rec).Msg("request denied")
	} else {
		p.logger.Info().EmbedObject(&rec).Msg("request admitted")
	}
	if pub := p.engine.Publisher(); pub != nil {
		if err := pub.PublishAccess(&rec); err != nil {
			p.logger.Debug().Err(err).Str("request_id", req.ID).Msg("publishing access record failed")
		}
	}

	metrics.Decisions.WithLabelValues(string(req.Class), outcome).Inc()
	metrics.RequestDuration.WithLabelValues(string(req.Class), strconv.Itoa(res.status)).Observe(millis(total))
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
