package services

import (
	"time"

	"qrguard-lab/internal/domain/models"
)

// Clock returns the current time
type Clock func() time.Time

// DecisionTimeline is the append-only stage log of one analysis. It belongs
// to a single request and is not safe for concurrent use.
type DecisionTimeline struct {
	now   Clock
	steps []models.TimelineStep
}

// NewDecisionTimeline starts an empty timeline. A nil clock uses time.Now.
func NewDecisionTimeline(now Clock) *DecisionTimeline {
	if now == nil {
		now = time.Now
	}
	return &DecisionTimeline{now: now}
}

// Record appends a step stamped in UTC
func (t *DecisionTimeline) Record(stage models.TimelineStage, description, outcome string) {
	t.steps = append(t.steps, models.TimelineStep{
		Timestamp:   t.now().UTC(),
		Stage:       stage,
		Description: description,
		Outcome:     outcome,
	})
}

// Len returns the number of recorded steps
func (t *DecisionTimeline) Len() int {
	return len(t.steps)
}

// Export returns a copy that later appends cannot affect
func (t *DecisionTimeline) Export() []models.TimelineStep {
	out := make([]models.TimelineStep, len(t.steps))
	copy(out, t.steps)
	return out
}
