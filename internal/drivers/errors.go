package drivers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"promptq/internal/retry"
)

// StatusError is an upstream HTTP error with its status attached, so the
// classifier can tell throttling from a bad request.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("upstream HTTP %d", e.Status)
	}
	return fmt.Sprintf("upstream HTTP %d: %s", e.Status, body)
}

// Classify is the retry classifier for driver errors.
//
// Statusless errors (connection resets, DNS failures, attempt timeouts) are
// retryable: the request may never have reached the upstream, and for
// completion calls a duplicate attempt is harmless. 429 and 5xx are
// retryable; every other 4xx is a caller bug and retrying it would just burn
// the budget. Errors wrapped with retry.NoRetry are always terminal.
func Classify(err error) retry.Class {
	if retry.IsNoRetry(err) {
		return retry.NonRetryable
	}
	if IsAttemptTimeout(err) {
		return retry.Retryable
	}

	var se *StatusError
	if !errors.As(err, &se) {
		return retry.Retryable
	}

	switch {
	case se.Status == http.StatusTooManyRequests:
		return retry.Retryable
	case se.Status >= 500:
		return retry.Retryable
	default:
		return retry.NonRetryable
	}
}

// statusErr wraps a non-2xx response, attaching the Retry-After hint when the
// server sent one.
func statusErr(status int, body, retryAfter string) error {
	err := error(&StatusError{Status: status, Body: body})
	if d := parseRetryAfter(retryAfter); d > 0 {
		err = retry.RetryAfter(err, d)
	}
	return err
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(val string) time.Duration {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(val, 64); err == nil && secs >= 0 {
		return time.Duration(math.Ceil(secs)) * time.Second
	}
	for _, layout := range []string{time.RFC1123, time.RFC850, time.ANSIC} {
		if t, err := time.Parse(layout, val); err == nil {
			d := time.Until(t)
			if d < 0 {
				return 0
			}
			return d
		}
	}
	return 0
}

// IsAttemptTimeout reports whether err is an attempt-level deadline, as
// opposed to the whole run being canceled.
func IsAttemptTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
