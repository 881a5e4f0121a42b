package streaming

import (
	"context"

	"qrguard-lab/internal/domain/models"
)

// DecisionPublisher turns finished decisions into events on the bus. It is
// registered as a decision engine observer.
type DecisionPublisher struct {
	eventBus *EventBus
}

// NewDecisionPublisher creates a new publisher adapter
func NewDecisionPublisher(eventBus *EventBus) *DecisionPublisher {
	return &DecisionPublisher{eventBus: eventBus}
}

// OnDecision publishes rec as a DecisionEvent
func (p *DecisionPublisher) OnDecision(ctx context.Context, rec *models.DecisionRecord) {
	if p.eventBus == nil {
		return
	}
	_ = p.eventBus.Publish(ctx, NewDecisionEvent(rec))
}
