package models

import "strings"

// KnownURLShorteners are link shorteners that hide the real destination.
// A URL matches when any entry appears anywhere in it, ignoring case.
var KnownURLShorteners = []string{
	"bit.ly", "tinyurl.com", "t.co", "goo.gl", "ow.ly", "is.gd",
}

// GenericMerchantNames are payee names too vague to identify a business
var GenericMerchantNames = []string{
	"payment", "upi", "pay", "merchant",
}

// ContainsShortener reports whether raw mentions a known shortener domain.
// Paths, query strings and look-alike hosts count.
func ContainsShortener(raw string) bool {
	raw = strings.ToLower(raw)
	for _, s := range KnownURLShorteners {
		if strings.Contains(raw, s) {
			return true
		}
	}
	return false
}

// IsGenericMerchantName compares trimmed, lower-cased
func IsGenericMerchantName(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, g := range GenericMerchantNames {
		if n == g {
			return true
		}
	}
	return false
}
