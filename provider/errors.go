package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/api/googleapi"
)

// Typed errors for non-retryable provider responses. Callers match with
// errors.Is.
var (
	ErrNotFound         = errors.New("provider: event not found")
	ErrInvalidArgument  = errors.New("provider: invalid argument")
	ErrPermissionDenied = errors.New("provider: permission denied")
	ErrConflict         = errors.New("provider: remote version conflict")
	ErrSyncTokenExpired = errors.New("provider: sync token expired")

	errUnauthorized = errors.New("provider: unauthorized")
)

// TransientError wraps timeouts and 5xx responses that are safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient provider error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitedError reports a provider quota rejection. RetryAfter is zero when
// the provider gave no hint.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string { return fmt.Sprintf("rate limited: %v", e.Err) }
func (e *RateLimitedError) Unwrap() error { return e.Err }

// IsTransient reports whether the error is safe to retry.
func IsTransient(err error) bool {
	var te *TransientError
	var re *RateLimitedError
	return errors.As(err, &te) || errors.As(err, &re)
}

// classify maps a raw Google API error onto the engine's error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", errUnauthorized, err)
		case http.StatusForbidden:
			if isQuotaReason(apiErr) {
				return &RateLimitedError{RetryAfter: retryAfterHint(apiErr), Err: err}
			}
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case http.StatusBadRequest:
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		case http.StatusConflict, http.StatusPreconditionFailed:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case http.StatusGone:
			return fmt.Errorf("%w: %v", ErrSyncTokenExpired, err)
		case http.StatusTooManyRequests:
			return &RateLimitedError{RetryAfter: retryAfterHint(apiErr), Err: err}
		}
		if apiErr.Code >= 500 {
			return &TransientError{Err: err}
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientError{Err: err}
	}
	return err
}

func isQuotaReason(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}

func retryAfterHint(apiErr *googleapi.Error) time.Duration {
	if apiErr.Header == nil {
		return 0
	}
	raw := apiErr.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
