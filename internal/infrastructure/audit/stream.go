package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"qrguard-lab/internal/domain/models"
)

// StreamAppender is the Redis stream capability the sink needs
type StreamAppender interface {
	XAdd(ctx context.Context, stream string, maxLen int64, values map[string]any) (string, error)
}

// RedisStreamSink appends audit records to a capped Redis stream
type RedisStreamSink struct {
	client StreamAppender
	stream string
	maxLen int64
}

// NewRedisStreamSink writes to stream, trimming to roughly maxLen entries
func NewRedisStreamSink(client StreamAppender, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Append adds one stream entry carrying the record as JSON
func (s *RedisStreamSink) Append(ctx context.Context, rec models.AuditRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	_, err = s.client.XAdd(ctx, s.stream, s.maxLen, map[string]any{
		"decision_id": rec.DecisionID.String(),
		"decision":    string(rec.Decision),
		"record":      string(payload),
	})
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// JSONPublisher publishes a value as JSON on a subject
type JSONPublisher interface {
	PublishJSON(ctx context.Context, subject string, v any) error
}

// PublisherSink forwards audit records to a message bus subject
type PublisherSink struct {
	pub     JSONPublisher
	subject string
}

// NewPublisherSink publishes every record on subject
func NewPublisherSink(pub JSONPublisher, subject string) *PublisherSink {
	return &PublisherSink{pub: pub, subject: subject}
}

// Append publishes rec
func (s *PublisherSink) Append(ctx context.Context, rec models.AuditRecord) error {
	if err := s.pub.PublishJSON(ctx, s.subject, rec); err != nil {
		return fmt.Errorf("publish audit record: %w", err)
	}
	return nil
}
