package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type ErrorKind string

const (
	KindBadRequest         ErrorKind = "bad_request"
	KindUnauthorized       ErrorKind = "unauthorized"
	KindRateLimited        ErrorKind = "rate_limited"
	KindNetworkUnavailable ErrorKind = "network_unavailable"
	KindUnknown            ErrorKind = "unknown"
)

// Error is the typed failure surfaced by every gateway-facing call.
// RequiresSetup tells the caller to prompt for credential configuration.
type Error struct {
	Kind          ErrorKind
	Message       string
	RequiresSetup bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway: %s: %s", e.Kind, e.Message)
}

// IsKind reports whether err is a gateway error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var gerr *Error
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.Kind == kind
}

type errorBody struct {
	Error         string `json:"error"`
	RequiresSetup bool   `json:"requiresSetup"`
}

// errorFromResponse maps the gateway's HTTP error contract onto a typed Error.
func errorFromResponse(status int, body []byte) *Error {
	parsed := errorBody{}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Error == "" {
		parsed.Error = http.StatusText(status)
	}

	switch status {
	case http.StatusBadRequest:
		return &Error{Kind: KindBadRequest, Message: parsed.Error}
	case http.StatusUnauthorized:
		return &Error{Kind: KindUnauthorized, Message: parsed.Error, RequiresSetup: true}
	case http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Message: parsed.Error}
	case http.StatusServiceUnavailable:
		return &Error{Kind: KindNetworkUnavailable, Message: parsed.Error}
	default:
		return &Error{Kind: KindUnknown, Message: parsed.Error}
	}
}

func networkError(err error) *Error {
	return &Error{Kind: KindNetworkUnavailable, Message: err.Error()}
}
