package services

import (
	"fmt"

	"qrguard-lab/internal/domain/models"
)

// NarrativeTables holds every user-facing string the explainability engine
// emits. Tables are versioned so a record can name the wording it used.
type NarrativeTables struct {
	Version         string
	Summaries       map[models.RiskLevel]string
	SummaryFallback string
	Narratives      map[models.ReasonCode]string
	// NarrativeFallback is a format string taking the reason message
	NarrativeFallback string
	Actions           map[models.Action]string
}

// DefaultNarratives is the current wording
var DefaultNarratives = NarrativeTables{
	Version: "2024.1",
	Summaries: map[models.RiskLevel]string{
		models.RiskLow:    "This QR code appears safe based on current security checks.",
		models.RiskMedium: "This QR code shows warning signs and should be reviewed carefully.",
		models.RiskHigh:   "This QR code shows strong indicators of a payment scam.",
	},
	SummaryFallback: "QR risk level could not be determined.",
	Narratives: map[models.ReasonCode]string{
		models.ReasonHighAmount:          "The payment amount requested is unusually high, which is commonly seen in QR payment scams.",
		models.ReasonMerchantNameMissing: "The QR does not specify a merchant name. Legitimate businesses usually provide clear identification.",
		models.ReasonGenericMerchantName: "The merchant name used is very generic, a pattern often observed in fraudulent QR codes.",
		models.ReasonURLShortener:        "The QR contains a shortened link, which can hide the actual destination and increase scam risk.",
		models.ReasonNonSecureHTTP:       "The QR points to a non-secure website, which increases the risk of redirection or phishing attacks.",
		models.ReasonUnsupportedPayload:  "The QR uses an unusual format that cannot be safely verified.",
	},
	NarrativeFallback: "This QR triggered a security warning: %s.",
	Actions: map[models.Action]string{
		models.ActionBlock: "Do not proceed with the payment. This QR is likely unsafe.",
		models.ActionWarn:  "Proceed only if you trust the source of this QR code.",
		models.ActionAllow: "You may safely proceed with this payment.",
	},
}

// Explanation is the human-facing part of a decision
type Explanation struct {
	Summary           string
	WhyDangerous      []string
	RecommendedAction string
	Version           string
}

// ExplainabilityEngine renders decisions into plain language
type ExplainabilityEngine struct {
	tables NarrativeTables
}

// NewExplainabilityEngine uses DefaultNarratives when tables is nil
func NewExplainabilityEngine(tables *NarrativeTables) *ExplainabilityEngine {
	t := DefaultNarratives
	if tables != nil {
		t = *tables
	}
	return &ExplainabilityEngine{tables: t}
}

// Version names the narrative tables in use
func (e *ExplainabilityEngine) Version() string {
	return e.tables.Version
}

// Summary maps a risk level to its one-line summary
func (e *ExplainabilityEngine) Summary(level models.RiskLevel) string {
	if s, ok := e.tables.Summaries[level]; ok {
		return s
	}
	return e.tables.SummaryFallback
}

// Narrative maps one reason to a sentence. Reasons without a table entry
// get the fallback so none is dropped.
func (e *ExplainabilityEngine) Narrative(r models.Reason) string {
	if s, ok := e.tables.Narratives[r.Code]; ok {
		return s
	}
	return fmt.Sprintf(e.tables.NarrativeFallback, r.Message)
}

// RecommendedAction maps an action to advice for the payer
func (e *ExplainabilityEngine) RecommendedAction(action models.Action) string {
	if s, ok := e.tables.Actions[action]; ok {
		return s
	}
	return e.tables.Actions[models.ActionBlock]
}

// Explain renders the full explanation for a decision in progress
func (e *ExplainabilityEngine) Explain(level models.RiskLevel, action models.Action, reasons []models.Reason) Explanation {
	why := make([]string, 0, len(reasons))
	for _, r := range reasons {
		why = append(why, e.Narrative(r))
	}
	return Explanation{
		Summary:           e.Summary(level),
		WhyDangerous:      why,
		RecommendedAction: e.RecommendedAction(action),
		Version:           e.tables.Version,
	}
}
