package models

import (
	"net/url"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PayloadKind is the coarse shape of a decoded QR payload
type PayloadKind string

const (
	PayloadUPIPayment PayloadKind = "UPI_PAYMENT"
	PayloadURL        PayloadKind = "URL"
	PayloadPlainText  PayloadKind = "PLAIN_TEXT"
	PayloadUnknown    PayloadKind = "UNKNOWN"
)

// PayloadKinds lists every kind in classification order
var PayloadKinds = []PayloadKind{PayloadUPIPayment, PayloadURL, PayloadPlainText, PayloadUnknown}

// DefaultCurrency is applied when a UPI payload omits cu
const DefaultCurrency = "INR"

// UPIIntent is a validated UPI payment request
type UPIIntent struct {
	PayeeAddress string           `json:"payee_address"`
	PayeeName    string           `json:"payee_name"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	Currency     string           `json:"currency"`
	RawParams    url.Values       `json:"raw_params"`
}

// RiskLevel is the bucketed heuristic score
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

const (
	HighRiskThreshold   = 70
	MediumRiskThreshold = 30
)

// LevelForPoints buckets an additive score
func LevelForPoints(points int) RiskLevel {
	switch {
	case points >= HighRiskThreshold:
		return RiskHigh
	case points >= MediumRiskThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Action is the terminal verdict
type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionWarn  Action = "WARN"
	ActionBlock Action = "BLOCK"
)

// Actions lists every verdict from least to most restrictive
var Actions = []Action{ActionAllow, ActionWarn, ActionBlock}

// ScamCategory is the archetype assigned to a decision
type ScamCategory string

const (
	ScamRedirection  ScamCategory = "REDIRECTION"
	ScamFakeMerchant ScamCategory = "FAKE_MERCHANT"
	ScamOverpayment  ScamCategory = "OVERPAYMENT"
	ScamUnknown      ScamCategory = "UNKNOWN"
)

// MLAssessment is the outcome of the model second opinion
type MLAssessment struct {
	ModelUsed       bool        `json:"model_used"`
	RiskProbability *float64    `json:"risk_probability,omitempty"`
	Outcome         string      `json:"outcome,omitempty"`
	TopFeature      string      `json:"top_feature,omitempty"`
	Attribution     Attribution `json:"attribution,omitempty"`
	Note            string      `json:"note,omitempty"`
}

// URLDetails carries the parsed pieces of a URL payload
type URLDetails struct {
	Scheme string `json:"scheme"`
	Host   string `json:"host"`
	Path   string `json:"path,omitempty"`
}

// DecisionDetails is the kind-specific structured data on a record
type DecisionDetails struct {
	Payload  string        `json:"payload,omitempty"`
	UPI      *UPIIntent    `json:"upi,omitempty"`
	URL      *URLDetails   `json:"url,omitempty"`
	Features FeatureVector `json:"features,omitempty"`
	ML       *MLAssessment `json:"ml,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// DecisionRecord is the finished verdict returned to callers
type DecisionRecord struct {
	ID                uuid.UUID       `json:"id"`
	PayloadKind       PayloadKind     `json:"payload_kind,omitempty"`
	Decision          Action          `json:"decision"`
	RiskLevel         RiskLevel       `json:"risk_level"`
	RiskPoints        int             `json:"risk_points"`
	Reasons           []Reason        `json:"reasons"`
	Details           DecisionDetails `json:"details"`
	ScamCategory      ScamCategory    `json:"scam_category"`
	Timeline          []TimelineStep  `json:"timeline"`
	Summary           string          `json:"summary"`
	WhyDangerous      []string        `json:"why_dangerous"`
	RecommendedAction string          `json:"recommended_action"`
	NarrativeVersion  string          `json:"narrative_version"`
	AnalyzedAt        time.Time       `json:"analyzed_at"`
	Duration          time.Duration   `json:"analysis_duration"`
}

// HasReason reports whether code appears among the record's reasons
func (r *DecisionRecord) HasReason(code ReasonCode) bool {
	return HasReason(r.Reasons, code)
}

// AuditRecord is the persisted projection of a decision. Field names are
// part of the on-disk format.
type AuditRecord struct {
	DecisionID uuid.UUID `json:"-"`
	Timestamp  string    `json:"timestamp"`
	Decision   Action    `json:"decision"`
	RiskLevel  RiskLevel `json:"risk_level"`
	Summary    string    `json:"summary"`
	Reasons    []string  `json:"reasons"`
}

// NewAuditRecord projects a decision into its audit form
func NewAuditRecord(rec *DecisionRecord, at time.Time) AuditRecord {
	reasons := make([]string, len(rec.WhyDangerous))
	copy(reasons, rec.WhyDangerous)
	return AuditRecord{
		DecisionID: rec.ID,
		Timestamp:  at.UTC().Format(time.RFC3339Nano),
		Decision:   rec.Decision,
		RiskLevel:  rec.RiskLevel,
		Summary:    rec.Summary,
		Reasons:    reasons,
	}
}

// QRDecisionStats aggregates decisions served by the process
type QRDecisionStats struct {
	TotalScans     int64            `json:"total_scans"`
	Blocked        int64            `json:"blocked"`
	MLEscalations  int64            `json:"ml_escalations"`
	ByPayloadKind  map[string]int64 `json:"by_payload_kind"`
	ByDecision     map[string]int64 `json:"by_decision"`
	ByRiskLevel    map[string]int64 `json:"by_risk_level"`
	ByScamCategory map[string]int64 `json:"by_scam_category"`
	LastDecisionAt *time.Time       `json:"last_decision_at,omitempty"`
}

// FeatureVector maps feature name to value
type FeatureVector map[string]float64

// Names returns feature names in lexicographic order, the order models are
// trained and queried with.
func (f FeatureVector) Names() []string {
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Values returns values aligned with Names
func (f FeatureVector) Values() []float64 {
	names := f.Names()
	out := make([]float64, len(names))
	for i, n := range names {
		out[i] = f[n]
	}
	return out
}

// Attribution maps feature name to its signed contribution
type Attribution map[string]float64

// TopContributor returns the feature with the largest absolute contribution.
// Ties go to the lexicographically first name.
func (a Attribution) TopContributor() (string, bool) {
	if len(a) == 0 {
		return "", false
	}
	names := make([]string, 0, len(a))
	for k := range a {
		names = append(names, k)
	}
	sort.Strings(names)

	best := names[0]
	bestAbs := abs(a[best])
	for _, n := range names[1:] {
		if v := abs(a[n]); v > bestAbs {
			best, bestAbs = n, v
		}
	}
	return best, true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
