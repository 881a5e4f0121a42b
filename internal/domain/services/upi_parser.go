package services

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"qrguard-lab/internal/domain/models"
)

var upiIDPattern = regexp.MustCompile(`^[a-zA-Z0-9.\-_]{2,}@[a-zA-Z]{2,}$`)

// ParseUPI validates a upi://pay payload. Any failure returns a
// *models.ParseError and no intent.
func ParseUPI(payload string) (*models.UPIIntent, error) {
	u, err := url.Parse(strings.TrimSpace(payload))
	if err != nil {
		return nil, &models.ParseError{Kind: models.ErrMalformedUPIURI, Cause: err}
	}

	if !strings.EqualFold(u.Scheme, "upi") {
		return nil, &models.ParseError{Kind: models.ErrInvalidUPIScheme}
	}
	if !strings.EqualFold(u.Host, "pay") {
		return nil, &models.ParseError{Kind: models.ErrInvalidUPIAction}
	}

	params, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, &models.ParseError{Kind: models.ErrMalformedUPIQuery, Cause: err}
	}

	pa := strings.TrimSpace(firstParam(params, "pa"))
	if pa == "" {
		return nil, &models.ParseError{Kind: models.ErrMissingPayee}
	}
	if !upiIDPattern.MatchString(pa) {
		return nil, &models.ParseError{Kind: models.ErrInvalidUPIID}
	}

	for _, values := range params {
		for _, v := range values {
			if containsWebURL(v) {
				return nil, &models.ParseError{Kind: models.ErrEmbeddedURL}
			}
		}
	}

	intent := &models.UPIIntent{
		PayeeAddress: pa,
		PayeeName:    firstParam(params, "pn"),
		Currency:     firstParam(params, "cu"),
		RawParams:    params,
	}
	if intent.Currency == "" {
		intent.Currency = models.DefaultCurrency
	}

	if raw := strings.TrimSpace(firstParam(params, "am")); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, &models.ParseError{Kind: models.ErrAmountNotANumber, Cause: err}
		}
		if !amount.IsPositive() {
			return nil, &models.ParseError{Kind: models.ErrInvalidAmount}
		}
		intent.Amount = &amount
	}

	return intent, nil
}

// firstParam returns the first non-empty value for key. Blank values are
// treated as absent.
func firstParam(params url.Values, key string) string {
	for _, v := range params[key] {
		if v != "" {
			return v
		}
	}
	return ""
}

func containsWebURL(v string) bool {
	lower := strings.ToLower(v)
	return strings.Contains(lower, "http://") || strings.Contains(lower, "https://")
}
