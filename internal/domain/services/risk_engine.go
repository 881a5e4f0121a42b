package services

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"qrguard-lab/internal/domain/models"
)

// Rule weights
const (
	PointsMerchantNameMissing = 15
	PointsUnusualUPIID        = 10
	PointsHighAmount          = 25
	PointsGenericMerchantName = 20
	PointsURLShortener        = 30
	PointsIPBasedURL          = 40
	PointsNonSecureHTTP       = 20
)

// HighAmountThreshold is the amount, in the payload currency, at which a
// UPI request is treated as unusually large.
var HighAmountThreshold = decimal.NewFromInt(5000)

var ipv4HostPattern = regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}$`)

type upiRule struct {
	points int
	code   models.ReasonCode
	match  func(*models.UPIIntent) bool
}

type urlRule struct {
	points int
	code   models.ReasonCode
	match  func(raw string, u *url.URL) bool
}

var upiRules = []upiRule{
	{PointsMerchantNameMissing, models.ReasonMerchantNameMissing, func(i *models.UPIIntent) bool {
		return strings.TrimSpace(i.PayeeName) == ""
	}},
	{PointsUnusualUPIID, models.ReasonUnusualUPIID, func(i *models.UPIIntent) bool {
		return hasUnusualUPIID(i.PayeeAddress)
	}},
	{PointsHighAmount, models.ReasonHighAmount, func(i *models.UPIIntent) bool {
		return i.Amount != nil && i.Amount.GreaterThanOrEqual(HighAmountThreshold)
	}},
	{PointsGenericMerchantName, models.ReasonGenericMerchantName, func(i *models.UPIIntent) bool {
		return models.IsGenericMerchantName(i.PayeeName)
	}},
}

var urlRules = []urlRule{
	{PointsURLShortener, models.ReasonURLShortener, func(raw string, _ *url.URL) bool {
		return models.ContainsShortener(raw)
	}},
	{PointsIPBasedURL, models.ReasonIPBasedURL, func(_ string, u *url.URL) bool {
		return isIPAuthority(u)
	}},
	{PointsNonSecureHTTP, models.ReasonNonSecureHTTP, func(_ string, u *url.URL) bool {
		return u.Scheme == "http"
	}},
}

// EvaluateUPI scores a parsed UPI intent
func EvaluateUPI(intent *models.UPIIntent) models.RiskScore {
	score := models.RiskScore{}
	if intent == nil {
		return score
	}
	for _, r := range upiRules {
		if r.match(intent) {
			score = score.Add(r.points, models.ReasonOf(r.code))
		}
	}
	return score
}

// EvaluateURL scores a web URL payload. An unparseable URL scores zero;
// classification only routes parseable URLs here.
func EvaluateURL(raw string) models.RiskScore {
	score := models.RiskScore{}
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return score
	}
	for _, r := range urlRules {
		if r.match(raw, u) {
			score = score.Add(r.points, models.ReasonOf(r.code))
		}
	}
	return score
}

func hasUnusualUPIID(address string) bool {
	return strings.Count(address, ".") > 2 || strings.Contains(address, "-")
}

// isIPAuthority matches an authority that is nothing but a dotted-decimal
// address. Octets are not range-checked; a port or userinfo disqualifies.
func isIPAuthority(u *url.URL) bool {
	return u != nil && u.User == nil && ipv4HostPattern.MatchString(u.Host)
}
