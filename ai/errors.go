package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// Kind classifies completion failures.
type Kind int

const (
	// KindUnavailable covers network errors, 5xx and anything unclassified
	KindUnavailable Kind = iota
	// KindRateLimited is returned when the API throttles the caller
	KindRateLimited
	// KindInvalidConfig is returned for bad credentials, unknown models and rejected requests
	KindInvalidConfig
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidConfig:
		return "invalid_config"
	default:
		return "unavailable"
	}
}

// Error is a classified completion failure
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ai %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrEmptyResponse is returned when the API answers without any choice
var ErrEmptyResponse = errors.New("no response from AI")

// KindOf returns the classification of err; unclassified errors are KindUnavailable.
func KindOf(err error) Kind {
	var aiErr *Error
	if errors.As(err, &aiErr) {
		return aiErr.Kind
	}
	return KindUnavailable
}

// classify wraps err into an *Error based on the HTTP status reported by go-openai.
func classify(err error) *Error {
	var aiErr *Error
	if errors.As(err, &aiErr) {
		return aiErr
	}
	return &Error{Kind: kindForStatus(statusOf(err)), Err: err}
}

func statusOf(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func kindForStatus(status int) Kind {
	switch status {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return KindInvalidConfig
	default:
		return KindUnavailable
	}
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return classify(err).Kind != KindInvalidConfig
}
