// Package streaming fans finished decisions out to live subscribers over
// NATS JetStream and WebSockets.
package streaming

import (
	"time"

	"github.com/google/uuid"

	"qrguard-lab/internal/domain/models"
)

// EventType represents the type of decision event
type EventType string

const (
	EventTypeDecision EventType = "decision"
)

// DecisionEvent is the wire form of a finished decision. It carries codes
// rather than narratives so consumers can localise.
type DecisionEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	DecisionID   string              `json:"decision_id"`
	PayloadKind  models.PayloadKind  `json:"payload_kind,omitempty"`
	Decision     models.Action       `json:"decision"`
	RiskLevel    models.RiskLevel    `json:"risk_level"`
	RiskPoints   int                 `json:"risk_points"`
	ScamCategory models.ScamCategory `json:"scam_category"`
	Reasons      []models.ReasonCode `json:"reasons,omitempty"`
	Summary      string              `json:"summary"`
	ModelUsed    bool                `json:"model_used"`
}

// NewDecisionEvent projects a decision record into an event
func NewDecisionEvent(rec *models.DecisionRecord) *DecisionEvent {
	codes := make([]models.ReasonCode, len(rec.Reasons))
	for i, r := range rec.Reasons {
		codes[i] = r.Code
	}

	return &DecisionEvent{
		ID:           uuid.New().String(),
		Type:         EventTypeDecision,
		Timestamp:    time.Now().UTC(),
		DecisionID:   rec.ID.String(),
		PayloadKind:  rec.PayloadKind,
		Decision:     rec.Decision,
		RiskLevel:    rec.RiskLevel,
		RiskPoints:   rec.RiskPoints,
		ScamCategory: rec.ScamCategory,
		Reasons:      codes,
		Summary:      rec.Summary,
		ModelUsed:    rec.Details.ML != nil && rec.Details.ML.ModelUsed,
	}
}

// Subscription represents a client's subscription preferences
type Subscription struct {
	// Only decisions at least this restrictive (empty = all)
	MinDecision models.Action `json:"min_decision,omitempty"`

	// Filter by payload kinds (empty = all)
	PayloadKinds []models.PayloadKind `json:"payload_kinds,omitempty"`

	// Filter by scam categories (empty = all)
	ScamCategories []models.ScamCategory `json:"scam_categories,omitempty"`
}

var actionOrder = map[models.Action]int{
	models.ActionAllow: 1,
	models.ActionWarn:  2,
	models.ActionBlock: 3,
}

// Matches checks if an event matches the subscription filters
func (s *Subscription) Matches(event *DecisionEvent) bool {
	if s == nil {
		return true
	}

	if s.MinDecision != "" && actionOrder[event.Decision] < actionOrder[s.MinDecision] {
		return false
	}

	if len(s.PayloadKinds) > 0 && !contains(s.PayloadKinds, event.PayloadKind) {
		return false
	}

	if len(s.ScamCategories) > 0 && !contains(s.ScamCategories, event.ScamCategory) {
		return false
	}

	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
