package core

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher hands alerts and access records to external collaborators.
type Publisher interface {
	PublishAlert(alert *Alert) error
	PublishAccess(rec *AccessRecord) error
}

const (
	alertSubjectPrefix  = "finshield.alerts."
	accessSubjectPrefix = "finshield.access."
)

// streams are created on connect. Access records are high volume and kept
// for a shorter time than alerts.
var streams = []nats.StreamConfig{
	{
		Name:      "FINSHIELD_ALERTS",
		Subjects:  []string{alertSubjectPrefix + ">"},
		Retention: nats.LimitsPolicy,
		MaxAge:    30 * 24 * time.Hour,
		MaxBytes:  512 << 20,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	},
	{
		Name:      "FINSHIELD_ACCESS",
		Subjects:  []string{accessSubjectPrefix + ">"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  1 << 30,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	},
}

// EventBus publishes alerts and access records to NATS JetStream.
type EventBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription

	alertsPublished atomic.Int64
	accessPublished atomic.Int64
	publishFailed   atomic.Int64
}

// NewEventBus creates a new EventBus. If cfg.Embedded is true, it starts an
// embedded NATS server first.
func NewEventBus(cfg *BusConfig, logger zerolog.Logger) (*EventBus, error) {
	bus := &EventBus{
		logger: logger.With().Str("component", "event_bus").Logger(),
	}

	url := cfg.URL
	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}

		ns, err := server.NewServer(&server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}
		ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}
		bus.ns = ns
		url = ns.ClientURL()
		bus.logger.Info().Str("url", url).Msg("embedded NATS server started")
	}

	nc, err := nats.Connect(url,
		nats.Name("finshield"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		bus.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	for i := range streams {
		if err := ensureStream(js, &streams[i]); err != nil {
			bus.Close()
			return nil, err
		}
	}

	bus.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return bus, nil
}

// ensureStream creates sc, or updates it when a stream of that name already
// exists with different limits.
func ensureStream(js nats.JetStreamContext, sc *nats.StreamConfig) error {
	_, err := js.AddStream(sc)
	if err == nil {
		return nil
	}
	if _, updateErr := js.UpdateStream(sc); updateErr != nil {
		return fmt.Errorf("stream %s: %w (add: %v)", sc.Name, updateErr, err)
	}
	return nil
}

// PublishAlert publishes an alert on finshield.alerts.<type>.
func (b *EventBus) PublishAlert(alert *Alert) error {
	data, err := alert.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}
	if err := b.publish(alertSubjectPrefix+alert.Type, data); err != nil {
		return err
	}
	b.alertsPublished.Add(1)
	return nil
}

// PublishAccess publishes an access record on finshield.access.<class>.
func (b *EventBus) PublishAccess(rec *AccessRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling access record: %w", err)
	}
	class := string(rec.Request.Class)
	if class == "" {
		class = string(ClassGeneral)
	}
	if err := b.publish(accessSubjectPrefix+class, data); err != nil {
		return err
	}
	b.accessPublished.Add(1)
	return nil
}

func (b *EventBus) publish(subject string, data []byte) error {
	if _, err := b.js.Publish(subject, data); err != nil {
		b.publishFailed.Add(1)
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	b.logger.Debug().Str("subject", subject).Msg("published")
	return nil
}

// SubscribeAlerts creates a durable subscription to every alert.
func (b *EventBus) SubscribeAlerts(durableName string, handler func(alert *Alert)) error {
	opts := []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit()}
	if durableName != "" {
		opts = append(opts, nats.Durable(durableName))
	}
	sub, err := b.js.Subscribe(alertSubjectPrefix+">", func(msg *nats.Msg) {
		var alert Alert
		if err := json.Unmarshal(msg.Data, &alert); err != nil {
			b.logger.Error().Err(err).Msg("failed to unmarshal alert")
			_ = msg.Term()
			return
		}
		handler(&alert)
		_ = msg.Ack()
	}, opts...)
	if err != nil {
		return fmt.Errorf("subscribing to alerts: %w", err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Close shuts down the event bus.
func (b *EventBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}
	b.shutdownServer()
	return nil
}

func (b *EventBus) shutdownServer() {
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
		b.logger.Info().Msg("embedded NATS server stopped")
		b.ns = nil
	}
}

// IsConnected reports whether the NATS connection is up.
func (b *EventBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// GetMetrics returns publish counters.
func (b *EventBus) GetMetrics() map[string]int64 {
	return map[string]int64{
		"alerts_published": b.alertsPublished.Load(),
		"access_published": b.accessPublished.Load(),
		"publish_failed":   b.publishFailed.Load(),
	}
}
