package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"qrguard-lab/internal/domain/models"
	"qrguard-lab/internal/metrics"
	"qrguard-lab/pkg/logger"
)

// Sink is one audit destination
type Sink interface {
	Append(ctx context.Context, rec models.AuditRecord) error
}

// NamedSink labels a sink for logs and metrics
type NamedSink struct {
	Name string
	Sink Sink
}

// Multi appends every record to all sinks. One failing sink does not stop the
// others; their errors are joined.
type Multi struct {
	sinks  []NamedSink
	logger *logger.Logger
}

// NewMulti fans out to sinks in order
func NewMulti(log *logger.Logger, sinks ...NamedSink) *Multi {
	return &Multi{
		sinks:  sinks,
		logger: log.WithComponent("audit"),
	}
}

// Names lists the configured sinks
func (m *Multi) Names() []string {
	names := make([]string, len(m.sinks))
	for i, s := range m.sinks {
		names[i] = s.Name
	}
	return names
}

// Append writes rec to every sink
func (m *Multi) Append(ctx context.Context, rec models.AuditRecord) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Sink.Append(ctx, rec); err != nil {
			metrics.AuditFailuresTotal.WithLabelValues(s.Name).Inc()
			m.logger.Warn().Err(err).
				Str("sink", s.Name).
				Str("decision_id", rec.DecisionID.String()).
				Msg("audit append failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps records in memory. Used when no durable sink is wanted
// and in tests.
type MemorySink struct {
	mu      sync.Mutex
	records []models.AuditRecord
}

// NewMemorySink creates an empty sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append stores a copy of rec
func (s *MemorySink) Append(_ context.Context, rec models.AuditRecord) error {
	rec.Reasons = append([]string(nil), rec.Reasons...)
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

// Records returns a copy of everything appended so far
func (s *MemorySink) Records() []models.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuditRecord, len(s.records))
	copy(out, s.records)
	return out
}
