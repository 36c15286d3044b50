package fetch

import (
	"bytes"
	"net/http"
	"strings"
)

// blockStatus reports whether an HTTP status signals that the lightweight
// path was denied and the browser fallback should run.
func blockStatus(code int) bool {
	switch code {
	case http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotAcceptable,
		http.StatusTooManyRequests,
		http.StatusServiceUnavailable:
		return true
	}
	return false
}

var challengeMarkers = []string{
	"captcha",
	"cf-chl",
	"cf-browser-verification",
	"attention required",
	"incapsula",
	"are you a robot",
	"unusual traffic",
	"access denied",
	"enable javascript and cookies",
}

// challengePage sniffs the leading bytes of a response body for known
// bot-challenge interstitials.
func challengePage(body []byte) bool {
	const sniffLen = 4096
	if len(body) > sniffLen {
		body = body[:sniffLen]
	}
	lower := strings.ToLower(string(bytes.ToValidUTF8(body, nil)))
	for _, m := range challengeMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
