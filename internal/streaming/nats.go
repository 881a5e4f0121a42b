package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"qrguard-lab/internal/config"
	"qrguard-lab/pkg/logger"
)

// ErrNotConnected is returned when publishing without a live connection
var ErrNotConnected = errors.New("NATS not connected")

// NATSPublisher handles publishing events to NATS JetStream
type NATSPublisher struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	config config.NATSConfig
	logger *logger.Logger

	mu        sync.RWMutex
	connected bool
}

// NewNATSPublisher connects and creates (or updates) the decision stream
func NewNATSPublisher(ctx context.Context, cfg config.NATSConfig, log *logger.Logger) (*NATSPublisher, error) {
	log = log.WithComponent("nats")
	cfg = withNATSDefaults(cfg)

	log.Info().Str("url", cfg.URL).Str("stream", cfg.StreamName).Msg("connecting to NATS")

	conn, err := nats.Connect(cfg.URL,
		nats.Name("qrguard"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, StreamConfig(cfg))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	log.Info().Str("stream", stream.CachedInfo().Config.Name).Msg("NATS stream ready")

	return &NATSPublisher{
		conn:      conn,
		js:        js,
		stream:    stream,
		config:    cfg,
		logger:    log,
		connected: true,
	}, nil
}

func withNATSDefaults(cfg config.NATSConfig) config.NATSConfig {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "QRGUARD_DECISIONS"
	}
	if cfg.Subject == "" {
		cfg.Subject = "qrguard.decisions"
	}
	return cfg
}

// StreamConfig is the JetStream stream holding decision events and audit
// records. Everything lives under the configured subject root.
func StreamConfig(cfg config.NATSConfig) jetstream.StreamConfig {
	cfg = withNATSDefaults(cfg)
	return jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Description: "QR decision events and audit records",
		Subjects:    []string{cfg.Subject + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		MaxMsgs:     1_000_000,
		MaxBytes:    512 * 1024 * 1024,
		Discard:     jetstream.DiscardOld,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	}
}

// EventSubject returns the subject for an event:
// <root>.event.<decision>.<payload_kind>, lower-cased.
func EventSubject(root string, event *DecisionEvent) string {
	kind := string(event.PayloadKind)
	if kind == "" {
		kind = "none"
	}
	return strings.ToLower(fmt.Sprintf("%s.event.%s.%s", root, event.Decision, kind))
}

// AuditSubject is where audit records are published
func (p *NATSPublisher) AuditSubject() string {
	return p.config.Subject + ".audit"
}

// Close closes the NATS connection
func (p *NATSPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		p.conn.Close()
		p.connected = false
	}
}

// IsConnected returns whether NATS is connected
func (p *NATSPublisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected && p.conn != nil && p.conn.IsConnected()
}

// PublishJSON publishes v as JSON on subject and waits for the stream ack
func (p *NATSPublisher) PublishJSON(ctx context.Context, subject string, v any) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// PublishDecisionEvent publishes a decision event to NATS
func (p *NATSPublisher) PublishDecisionEvent(ctx context.Context, event *DecisionEvent) error {
	subject := EventSubject(p.config.Subject, event)
	if err := p.PublishJSON(ctx, subject, event); err != nil {
		return err
	}

	p.logger.Debug().
		Str("subject", subject).
		Str("decision_id", event.DecisionID).
		Str("decision", string(event.Decision)).
		Msg("published decision event")

	return nil
}

// Subscribe streams new decision events from JetStream, filtered by sub
func (p *NATSPublisher) Subscribe(ctx context.Context, sub *Subscription) (<-chan *DecisionEvent, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	consumer, err := p.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    3,
		FilterSubject: p.config.Subject + ".event.>",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	eventCh := make(chan *DecisionEvent, 100)

	go func() {
		defer close(eventCh)

		msgs, err := consumer.Messages()
		if err != nil {
			p.logger.Error().Err(err).Msg("failed to get messages iterator")
			return
		}
		defer msgs.Stop()

		// Next blocks; stopping the iterator unblocks it
		go func() {
			<-ctx.Done()
			msgs.Stop()
		}()

		for {
			msg, err := msgs.Next()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, jetstream.ErrMsgIteratorClosed) {
					return
				}
				p.logger.Warn().Err(err).Msg("error getting next message")
				continue
			}

			var event DecisionEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				p.logger.Warn().Err(err).Msg("failed to unmarshal event")
				_ = msg.Term()
				continue
			}

			if !sub.Matches(&event) {
				_ = msg.Ack()
				continue
			}

			select {
			case eventCh <- &event:
				_ = msg.Ack()
			case <-ctx.Done():
				return
			}
		}
	}()

	return eventCh, nil
}
