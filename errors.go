package chatsync

import (
	"context"
	"errors"
	"net"
	"strings"
)

var (
	// ErrMalformedPayload marks an inbound payload that cannot be merged.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrInvalidToken is returned when the stored credential cannot be decoded.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNotConnected is returned when emitting on a closed channel.
	ErrNotConnected = errors.New("not connected")
	// ErrRejected is returned when a local action is refused before any mutation.
	ErrRejected = errors.New("action rejected")
	// ErrEngineClosed is returned by Engine methods after Close.
	ErrEngineClosed = errors.New("engine closed")
)

// IsTransient reports whether err is worth retrying: transport failures, timeouts
// and backend errors whose code names a network or timeout condition.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return strings.Contains(apiErr.Code, "TIMEOUT") || strings.Contains(apiErr.Code, "NETWORK")
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrNotConnected) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ErrorCode extracts the machine-readable code of err, or "" if it carries none.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}
