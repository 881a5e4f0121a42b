package models

import (
	"fmt"
	"strings"
)

// ReasonCode identifies why a decision moved away from ALLOW
type ReasonCode string

const (
	ReasonMerchantNameMissing   ReasonCode = "MERCHANT_NAME_MISSING"
	ReasonUnusualUPIID          ReasonCode = "UNUSUAL_UPI_ID"
	ReasonHighAmount            ReasonCode = "HIGH_AMOUNT"
	ReasonGenericMerchantName   ReasonCode = "GENERIC_MERCHANT_NAME"
	ReasonURLShortener          ReasonCode = "URL_SHORTENER"
	ReasonIPBasedURL            ReasonCode = "IP_BASED_URL"
	ReasonNonSecureHTTP         ReasonCode = "NON_SECURE_HTTP"
	ReasonUnsupportedPayload    ReasonCode = "UNSUPPORTED_PAYLOAD"
	ReasonQRDecodeFailed        ReasonCode = "QR_DECODE_FAILED"
	ReasonInvalidUPI            ReasonCode = "INVALID_UPI"
	ReasonFaultDetail           ReasonCode = "FAULT_DETAIL"
	ReasonMLHighProbability     ReasonCode = "ML_HIGH_PROBABILITY"
	ReasonMLModerateProbability ReasonCode = "ML_MODERATE_PROBABILITY"
	ReasonMLTopContributor      ReasonCode = "ML_TOP_CONTRIBUTOR"
	ReasonInternalFault         ReasonCode = "INTERNAL_FAULT"
)

// Parameter keys understood by reason templates
const (
	ParamDetail  = "detail"
	ParamFeature = "feature"
)

// reasonTemplates renders a code into its display text. Placeholders of the
// form {key} are filled from Reason.Params.
var reasonTemplates = map[ReasonCode]string{
	ReasonMerchantNameMissing:   "Merchant name is missing",
	ReasonUnusualUPIID:          "Unusual UPI ID format",
	ReasonHighAmount:            "High payment amount detected",
	ReasonGenericMerchantName:   "Generic merchant name detected",
	ReasonURLShortener:          "URL shortener detected",
	ReasonIPBasedURL:            "IP-based URL detected",
	ReasonNonSecureHTTP:         "Non-secure HTTP URL",
	ReasonUnsupportedPayload:    "Unknown or unsupported QR payload",
	ReasonQRDecodeFailed:        "QR decoding failed",
	ReasonInvalidUPI:            "Invalid or unsafe UPI QR",
	ReasonFaultDetail:           "{detail}",
	ReasonMLHighProbability:     "ML model identified high scam probability",
	ReasonMLModerateProbability: "ML model identified moderate scam probability",
	ReasonMLTopContributor:      "ML analysis found '{feature}' as a major risk contributor",
	ReasonInternalFault:         "Internal analysis error",
}

// ReasonCodes returns every known code
func ReasonCodes() []ReasonCode {
	return []ReasonCode{
		ReasonMerchantNameMissing, ReasonUnusualUPIID, ReasonHighAmount,
		ReasonGenericMerchantName, ReasonURLShortener, ReasonIPBasedURL,
		ReasonNonSecureHTTP, ReasonUnsupportedPayload, ReasonQRDecodeFailed,
		ReasonInvalidUPI, ReasonFaultDetail, ReasonMLHighProbability,
		ReasonMLModerateProbability, ReasonMLTopContributor, ReasonInternalFault,
	}
}

// Reason is a coded explanation with its rendered message
type Reason struct {
	Code    ReasonCode        `json:"code"`
	Message string            `json:"message"`
	Params  map[string]string `json:"params,omitempty"`
}

func (r Reason) String() string {
	return r.Message
}

// NewReason renders code with params
func NewReason(code ReasonCode, params map[string]string) Reason {
	tmpl, ok := reasonTemplates[code]
	if !ok {
		tmpl = string(code)
	}
	msg := tmpl
	for k, v := range params {
		msg = strings.ReplaceAll(msg, "{"+k+"}", v)
	}
	var copied map[string]string
	if len(params) > 0 {
		copied = make(map[string]string, len(params))
		for k, v := range params {
			copied[k] = v
		}
	}
	return Reason{Code: code, Message: msg, Params: copied}
}

// ReasonOf renders a parameterless code
func ReasonOf(code ReasonCode) Reason {
	return NewReason(code, nil)
}

// DetailReason carries a fault message verbatim
func DetailReason(detail string) Reason {
	return NewReason(ReasonFaultDetail, map[string]string{ParamDetail: detail})
}

// TopContributorReason names the dominant model feature
func TopContributorReason(feature string) Reason {
	return NewReason(ReasonMLTopContributor, map[string]string{ParamFeature: feature})
}

// HasReason reports whether code is present in reasons
func HasReason(reasons []Reason, code ReasonCode) bool {
	for _, r := range reasons {
		if r.Code == code {
			return true
		}
	}
	return false
}

// ReasonMessages flattens reasons to their display text
func ReasonMessages(reasons []Reason) []string {
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = r.Message
	}
	return out
}

// RiskScore is an additive heuristic score. Values are never mutated in
// place; Add returns a new score.
type RiskScore struct {
	Points  int      `json:"points"`
	Reasons []Reason `json:"reasons"`
}

// Add returns s plus points with reason appended
func (s RiskScore) Add(points int, reason Reason) RiskScore {
	reasons := make([]Reason, len(s.Reasons), len(s.Reasons)+1)
	copy(reasons, s.Reasons)
	return RiskScore{
		Points:  s.Points + points,
		Reasons: append(reasons, reason),
	}
}

// Level buckets the score
func (s RiskScore) Level() RiskLevel {
	return LevelForPoints(s.Points)
}

func (s RiskScore) String() string {
	return fmt.Sprintf("%d (%s)", s.Points, s.Level())
}
