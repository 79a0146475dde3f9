package a2a

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// HTTPError is returned for any failure at the HTTP layer: a status of 400
// or above, a timeout (504) or an unreachable peer (503).
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("a2a http error %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the same request may succeed if sent again.
func (e *HTTPError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// JSONError is returned when a response body is not the JSON it should be.
type JSONError struct {
	Message string
}

func (e *JSONError) Error() string {
	return "a2a json error: " + e.Message
}

// classify turns a transport error from http.Client.Do into an HTTPError.
// Cancellation by the caller is passed through unchanged.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &HTTPError{StatusCode: http.StatusGatewayTimeout, Message: "Request timed out"}
	}
	return &HTTPError{StatusCode: http.StatusServiceUnavailable, Message: err.Error()}
}
