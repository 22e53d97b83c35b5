package channel

import (
	"errors"
	"net/http"
	"strings"
)

// ClassifyHTTPStatus maps a provider HTTP status onto a classification.
// Client errors are permanent except the ones that resolve by waiting and
// rejected credentials, which are a sender problem rather than a recipient one.
func ClassifyHTTPStatus(code int) Classification {
	switch {
	case code >= 200 && code < 300:
		return ClassNone
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		return ClassTransient
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ClassTransient
	case code >= 400 && code < 500:
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// ClassifyError classifies an error returned outside a provider response.
// Address problems are permanent; timeouts and network failures are not.
func ClassifyError(err error) Classification {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrPermanent), errors.Is(err, ErrInvalidAddress), errors.Is(err, ErrNoAddress):
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// snippet trims a provider response body for error messages.
func snippet(body []byte) string {
	s := strings.ReplaceAll(strings.TrimSpace(string(body)), "\n", " ")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
