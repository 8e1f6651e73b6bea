package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/finshield-project/finshield/internal/metrics"
)

// Engine owns the process-wide collaborators of the admission layer: logger,
// alert pipeline, access log, event bus and the injected AdmissionStore.
type Engine struct {
	Logger zerolog.Logger
	Alerts *AlertPipeline
	Dedup  *AlertDedup
	Access *AccessLog
	Bus    *EventBus
	Store  AdmissionStore

	// ConfigPath is re-read by ReloadConfig.
	ConfigPath string

	cfg       atomic.Pointer[Config]
	mu        sync.Mutex
	hooks     []func(*Config)
	startTime atomic.Int64
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewLogger builds the root logger. The level is applied globally so hot
// reload can change it for every derived component logger.
func NewLogger(cfg LoggingConfig, out io.Writer) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	return logger
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// NewEngine creates an engine around store. The bus is started by Start.
func NewEngine(cfg *Config, store AdmissionStore, logger zerolog.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engine requires an admission store")
	}
	ctx, cancel := context.WithCancel(context.Background())

	engine := &Engine{
		Logger: logger.With().Str("component", "engine").Logger(),
		Alerts: NewAlertPipeline(cfg.Alerts.MaxStore),
		Dedup:  NewAlertDedup(cfg.Alerts.Cooldown, 0),
		Access: NewAccessLog(cfg.Alerts.AccessLogSize),
		Store:  store,
		ctx:    ctx,
		cancel: cancel,
	}
	engine.cfg.Store(cfg)

	if cfg.Alerts.EnableConsole {
		engine.Alerts.AddHandler(func(alert *Alert) {
			engine.Logger.Warn().
				Str("alert_id", alert.ID).
				Str("type", alert.Type).
				Str("route", alert.Route).
				Str("severity", alert.Severity.String()).
				Str("title", alert.Title).
				Msg("SECURITY ALERT")
		})
	}

	return engine, nil
}

// NewDefaultLogger is NewLogger writing to stdout.
func NewDefaultLogger(cfg LoggingConfig) zerolog.Logger {
	return NewLogger(cfg, os.Stdout)
}

// Config returns the current configuration snapshot. Callers must treat it
// as read-only.
func (e *Engine) Config() *Config {
	return e.cfg.Load()
}

// OnReload registers fn to run after every successful ReloadConfig.
func (e *Engine) OnReload(fn func(*Config)) {
	e.mu.Lock()
	e.hooks = append(e.hooks, fn)
	e.mu.Unlock()
}

func (e *Engine) applyConfig(cfg *Config) {
	e.cfg.Store(cfg)
	e.Dedup.SetTTL(cfg.Alerts.Cooldown)
	zerolog.SetGlobalLevel(parseLevel(cfg.Logging.Level))

	e.mu.Lock()
	hooks := slices.Clone(e.hooks)
	e.mu.Unlock()
	for _, fn := range hooks {
		fn(cfg)
	}
}

// Raise delivers alert unless the same (type, route) fired within the
// cooldown.
func (e *Engine) Raise(alert *Alert) bool {
	if !e.Dedup.Allow(alert.Type, alert.Route, alert.Timestamp) {
		return false
	}
	metrics.AlertsRaised.WithLabelValues(alert.Type, alert.Severity.String()).Inc()
	e.Alerts.Process(alert)
	return true
}

// Start connects the event bus when enabled and wires alerts onto it.
func (e *Engine) Start() error {
	cfg := e.Config()
	e.Logger.Info().Str("store", cfg.Store.Backend).Msg("starting finshield engine")

	if cfg.Bus.Enabled {
		bus, err := NewEventBus(&cfg.Bus, e.Logger)
		if err != nil {
			return fmt.Errorf("starting event bus: %w", err)
		}
		e.Bus = bus
		e.Alerts.AddHandler(func(alert *Alert) {
			if err := e.Bus.PublishAlert(alert); err != nil {
				e.Logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to publish alert to bus")
			}
		})
	}

	e.startTime.Store(time.Now().UnixNano())
	e.Logger.Info().Bool("bus", e.Bus != nil).Msg("finshield engine started")
	return nil
}

// Publisher returns the bus as a Publisher, or nil when the bus is off.
func (e *Engine) Publisher() Publisher {
	if e.Bus == nil {
		return nil
	}
	return e.Bus
}

// Shutdown gracefully stops the engine.
func (e *Engine) Shutdown() error {
	e.Logger.Info().Msg("shutting down finshield engine")
	e.cancel()

	if e.Bus != nil {
		if err := e.Bus.Close(); err != nil {
			e.Logger.Error().Err(err).Msg("error closing event bus")
		}
	}
	if err := e.Store.Close(); err != nil {
		e.Logger.Error().Err(err).Msg("error closing admission store")
	}

	e.Logger.Info().Msg("finshield engine stopped")
	return nil
}

// Context returns the engine's context; it is cancelled by Shutdown.
func (e *Engine) Context() context.Context {
	return e.ctx
}

// Uptime returns how long the engine has been running, or 0 before Start.
func (e *Engine) Uptime() time.Duration {
	started := e.startTime.Load()
	if started == 0 {
		return 0
	}
	return time.Since(time.Unix(0, started))
}
