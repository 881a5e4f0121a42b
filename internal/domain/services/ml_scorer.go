package services

import (
	"context"
	"fmt"
	"math"

	"qrguard-lab/internal/domain/models"
	"qrguard-lab/pkg/logger"
)

// Scorer returns the probability that a feature vector is a scam
type Scorer interface {
	PredictProba(ctx context.Context, features models.FeatureVector) (float64, error)
}

// Explainer attributes a prediction to its input features
type Explainer interface {
	Attribute(ctx context.Context, features models.FeatureVector) (models.Attribution, error)
}

// ModelState is either Unavailable or Loaded
type ModelState interface {
	modelState()
}

// Unavailable means no model could be loaded
type Unavailable struct {
	Reason string
}

// Loaded carries a usable scorer and its explainer
type Loaded struct {
	Scorer    Scorer
	Explainer Explainer
	Version   string
}

func (Unavailable) modelState() {}
func (Loaded) modelState()      {}

// Escalation outcomes recorded on the assessment
const (
	OutcomeHigh        = "high"
	OutcomeModerate    = "moderate"
	OutcomeLow         = "low"
	OutcomeUnavailable = "unavailable"
)

// EscalationPolicy maps a model probability onto an action
type EscalationPolicy struct {
	HighThreshold     float64
	ModerateThreshold float64
	// AllowDowngrade lets a low probability turn a heuristic WARN into ALLOW
	AllowDowngrade bool
}

// DefaultEscalationPolicy returns the production thresholds
func DefaultEscalationPolicy() EscalationPolicy {
	return EscalationPolicy{
		HighThreshold:     0.7,
		ModerateThreshold: 0.4,
		AllowDowngrade:    true,
	}
}

// Escalation is the result of asking the model for a second opinion on a
// MEDIUM UPI verdict.
type Escalation struct {
	Action     models.Action
	Reasons    []models.Reason
	Assessment models.MLAssessment
}

// MLScorer runs the model second opinion
type MLScorer struct {
	state  ModelState
	policy EscalationPolicy
	logger *logger.Logger
}

// NewMLScorer creates a scorer over the given model state
func NewMLScorer(state ModelState, policy EscalationPolicy, log *logger.Logger) *MLScorer {
	if state == nil {
		state = Unavailable{Reason: "no model configured"}
	}
	return &MLScorer{
		state:  state,
		policy: policy,
		logger: log.WithComponent("ml-scorer"),
	}
}

// Available reports whether a model is loaded
func (m *MLScorer) Available() bool {
	_, ok := m.state.(Loaded)
	return ok
}

// State returns the current model state
func (m *MLScorer) State() ModelState {
	return m.state
}

// Escalate asks the model about a MEDIUM UPI verdict. Without a usable model
// the verdict stays WARN.
func (m *MLScorer) Escalate(ctx context.Context, features models.FeatureVector) Escalation {
	switch st := m.state.(type) {
	case Loaded:
		return m.escalateWith(ctx, st, features)
	case Unavailable:
		return unavailableEscalation(st.Reason)
	default:
		return unavailableEscalation(fmt.Sprintf("unsupported model state %T", st))
	}
}

func (m *MLScorer) escalateWith(ctx context.Context, model Loaded, features models.FeatureVector) Escalation {
	prob, err := model.Scorer.PredictProba(ctx, features)
	if err == nil && (math.IsNaN(prob) || prob < 0 || prob > 1) {
		err = fmt.Errorf("probability %v out of range", prob)
	}
	if err != nil {
		m.logger.Warn().Err(err).Msg("model prediction failed, keeping heuristic verdict")
		return unavailableEscalation("prediction failed: " + err.Error())
	}

	prob = round3(prob)
	esc := Escalation{
		Assessment: models.MLAssessment{
			ModelUsed:       true,
			RiskProbability: &prob,
		},
	}

	switch {
	case prob >= m.policy.HighThreshold:
		esc.Action = models.ActionBlock
		esc.Assessment.Outcome = OutcomeHigh
		esc.Reasons = append(esc.Reasons, models.ReasonOf(models.ReasonMLHighProbability))
	case prob >= m.policy.ModerateThreshold:
		esc.Action = models.ActionWarn
		esc.Assessment.Outcome = OutcomeModerate
		esc.Reasons = append(esc.Reasons, models.ReasonOf(models.ReasonMLModerateProbability))
	default:
		esc.Assessment.Outcome = OutcomeLow
		esc.Action = models.ActionAllow
		if !m.policy.AllowDowngrade {
			esc.Action = models.ActionWarn
		}
	}

	attribution, top, err := explain(ctx, model.Explainer, features)
	if err != nil {
		m.logger.Warn().Err(err).Msg("model attribution failed")
		esc.Assessment.Note = "attribution unavailable"
	} else if top != "" {
		esc.Assessment.Attribution = attribution
		esc.Assessment.TopFeature = top
		esc.Reasons = append(esc.Reasons, models.TopContributorReason(top))
	}

	m.logger.Debug().
		Float64("probability", prob).
		Str("outcome", esc.Assessment.Outcome).
		Str("action", string(esc.Action)).
		Msg("model escalation resolved")

	return esc
}

func unavailableEscalation(note string) Escalation {
	return Escalation{
		Action: models.ActionWarn,
		Assessment: models.MLAssessment{
			ModelUsed: false,
			Outcome:   OutcomeUnavailable,
			Note:      note,
		},
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
