package services

import "qrguard-lab/internal/domain/models"

type scamRule struct {
	category models.ScamCategory
	match    func(kind models.PayloadKind, reasons []models.Reason) bool
}

// scamRules are evaluated in order; the first match wins regardless of score
var scamRules = []scamRule{
	{models.ScamRedirection, func(kind models.PayloadKind, reasons []models.Reason) bool {
		return kind == models.PayloadURL && models.HasReason(reasons, models.ReasonURLShortener)
	}},
	{models.ScamFakeMerchant, func(_ models.PayloadKind, reasons []models.Reason) bool {
		return models.HasReason(reasons, models.ReasonMerchantNameMissing) ||
			models.HasReason(reasons, models.ReasonGenericMerchantName)
	}},
	{models.ScamOverpayment, func(_ models.PayloadKind, reasons []models.Reason) bool {
		return models.HasReason(reasons, models.ReasonHighAmount)
	}},
}

// ClassifyScam assigns a scam archetype from the payload kind and reasons.
// Details are accepted so archetypes can later look past reason codes.
func ClassifyScam(kind models.PayloadKind, reasons []models.Reason, _ models.DecisionDetails) models.ScamCategory {
	for _, r := range scamRules {
		if r.match(kind, reasons) {
			return r.category
		}
	}
	return models.ScamUnknown
}
