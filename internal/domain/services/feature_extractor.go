package services

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"qrguard-lab/internal/domain/models"
	"qrguard-lab/pkg/logger"
)

// UPI feature names
const (
	FeatureAmount              = "amount"
	FeatureMerchantNameMissing = "merchant_name_missing"
	FeatureMerchantNameLength  = "merchant_name_length"
	FeatureUPIIDLength         = "upi_id_length"
	FeatureGenericMerchantName = "generic_merchant_name"
)

// URL feature names
const (
	FeatureURLLength    = "url_length"
	FeatureHasShortener = "has_shortener"
	FeatureIsHTTPS      = "is_https"
	FeatureIsIPURL      = "is_ip_url"
)

// UPIFeatureNames is the fixed UPI feature set in model order
var UPIFeatureNames = []string{
	FeatureAmount,
	FeatureGenericMerchantName,
	FeatureMerchantNameLength,
	FeatureMerchantNameMissing,
	FeatureUPIIDLength,
}

// URLFeatureNames is the fixed URL feature set in model order
var URLFeatureNames = []string{
	FeatureHasShortener,
	FeatureIsHTTPS,
	FeatureIsIPURL,
	FeatureURLLength,
}

// FeatureExtractor turns analysed payloads into model inputs
type FeatureExtractor struct {
	logger *logger.Logger
}

// NewFeatureExtractor creates a new feature extractor
func NewFeatureExtractor(log *logger.Logger) *FeatureExtractor {
	return &FeatureExtractor{
		logger: log.WithComponent("feature-extractor"),
	}
}

// ExtractUPI builds the UPI feature vector
func (fe *FeatureExtractor) ExtractUPI(intent *models.UPIIntent) models.FeatureVector {
	amount := 0.0
	if intent.Amount != nil {
		amount = intent.Amount.InexactFloat64()
	}

	fv := models.FeatureVector{
		FeatureAmount:              amount,
		FeatureMerchantNameMissing: boolToFloat(strings.TrimSpace(intent.PayeeName) == ""),
		FeatureMerchantNameLength:  float64(utf8.RuneCountInString(intent.PayeeName)),
		FeatureUPIIDLength:         float64(utf8.RuneCountInString(intent.PayeeAddress)),
		FeatureGenericMerchantName: boolToFloat(models.IsGenericMerchantName(intent.PayeeName)),
	}

	fe.logger.Debug().Interface("features", fv).Msg("extracted UPI features")
	return fv
}

// ExtractURL builds the URL feature vector
func (fe *FeatureExtractor) ExtractURL(raw string) models.FeatureVector {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		u = nil
	}

	fv := models.FeatureVector{
		FeatureURLLength:    float64(utf8.RuneCountInString(raw)),
		FeatureHasShortener: boolToFloat(models.ContainsShortener(raw)),
		FeatureIsHTTPS:      boolToFloat(u != nil && u.Scheme == "https"),
		FeatureIsIPURL:      boolToFloat(isIPAuthority(u)),
	}

	fe.logger.Debug().Interface("features", fv).Msg("extracted URL features")
	return fv
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
