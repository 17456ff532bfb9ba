package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailureKind classifies a provider failure.
type FailureKind string

const (
	// KindRateLimited means the provider throttled the request; retry later.
	KindRateLimited FailureKind = "rate_limited"
	// KindInvalidRequest means the request itself was rejected; retrying
	// the same payload will not help.
	KindInvalidRequest FailureKind = "invalid_request"
	// KindProviderError covers timeouts, transport errors, and 5xx responses.
	KindProviderError FailureKind = "provider_error"
)

// Failure is a structured provider error.
type Failure struct {
	Op         string
	Kind       FailureKind
	StatusCode int
	Message    string
}

func (f *Failure) Error() string {
	if f.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (http %d): %s", f.Op, f.Kind, f.StatusCode, f.Message)
	}
	return fmt.Sprintf("%s: %s: %s", f.Op, f.Kind, f.Message)
}

// ErrorKind returns the classification as a string, letting failures
// declare themselves to status-mapping code.
func (f *Failure) ErrorKind() string {
	return string(f.Kind)
}

// Classify extracts the failure kind from an error chain.
func Classify(err error) (FailureKind, bool) {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind, true
	}
	return "", false
}

// FromStatus builds a Failure from an HTTP status and response body.
func FromStatus(op string, status int, body string) *Failure {
	kind := KindProviderError
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status >= 400 && status < 500:
		kind = KindInvalidRequest
	}
	return &Failure{Op: op, Kind: kind, StatusCode: status, Message: strings.TrimSpace(body)}
}

// FromTransport builds a Failure for a failed or interrupted exchange.
func FromTransport(op string, err error) *Failure {
	return &Failure{Op: op, Kind: KindProviderError, Message: err.Error()}
}

// Invalid builds a Failure for a request the caller constructed wrongly.
func Invalid(op, message string) *Failure {
	return &Failure{Op: op, Kind: KindInvalidRequest, Message: message}
}
