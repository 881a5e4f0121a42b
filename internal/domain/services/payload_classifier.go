package services

import (
	"net/url"
	"regexp"
	"strings"

	"qrguard-lab/internal/domain/models"
)

var plainTextPattern = regexp.MustCompile(`^[a-zA-Z0-9\s\-_,.]+$`)

const upiPayPrefix = "upi://pay"

// ClassifyPayload decides which analysis path a decoded payload takes
func ClassifyPayload(raw string) models.PayloadKind {
	payload := strings.TrimSpace(raw)
	if payload == "" {
		return models.PayloadUnknown
	}

	if len(payload) >= len(upiPayPrefix) && strings.EqualFold(payload[:len(upiPayPrefix)], upiPayPrefix) {
		return models.PayloadUPIPayment
	}

	if isWebURL(payload) {
		return models.PayloadURL
	}

	if plainTextPattern.MatchString(payload) {
		return models.PayloadPlainText
	}

	return models.PayloadUnknown
}

func isWebURL(payload string) bool {
	u, err := url.Parse(payload)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}
