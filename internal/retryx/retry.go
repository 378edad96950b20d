// Package retryx implements the bounded retry policy shared by the transfer
// pipelines.
//
// The policy is a pure function of (attempt, error): it decides how long to
// wait and when to give up, independent of any transport. Callers own the
// loop and the sleeping (see Wait), which keeps the policy trivially testable
// and injectable.
package retryx

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	"google.golang.org/api/googleapi"
)

// Decision tells the caller what to do after a failed attempt.
type Decision struct {
	Wait   time.Duration
	GiveUp bool
}

// Policy bounds retries: exponential backoff from BaseDelay, capped at
// MaxDelay, for at most MaxAttempts tries of the operation.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is the pipeline default: 5 attempts, 500ms base, 30s cap.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
}

// Next decides what happens after attempt (1-based) failed with err.
// Terminal errors and exhausted budgets give up immediately; transient errors
// wait with exponential backoff, honoring a server-provided Retry-After hint
// when one is present.
func (p Policy) Next(attempt int, err error) Decision {
	if err == nil || !IsTransient(err) {
		return Decision{GiveUp: true}
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return Decision{GiveUp: true}
	}
	return Decision{Wait: p.delay(attempt, retryAfterHint(err))}
}

func (p Policy) delay(attempt int, hint time.Duration) time.Duration {
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if hint > 0 {
		if hint > maxDelay {
			return maxDelay
		}
		return hint
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// IsTransient reports whether err looks like a temporary remote failure:
// rate limiting, a 5xx response, or a network timeout. Context cancellation
// is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return transientStatus(gerr.Code) || isRateLimitReason(gerr)
	}
	var rerr *awshttp.ResponseError
	if errors.As(err, &rerr) {
		return transientStatus(rerr.HTTPStatusCode())
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return false
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
}

// Rate limiting sometimes arrives as a 403 with a quota reason instead of 429.
func isRateLimitReason(e *googleapi.Error) bool {
	for _, item := range e.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return true
		}
	}
	return false
}

func retryAfterHint(err error) time.Duration {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Header != nil {
		return parseRetryAfter(gerr.Header.Get("Retry-After"))
	}
	return 0
}

// parseRetryAfter accepts both forms of the header: delta seconds and an
// HTTP date. Anything else means no hint.
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

// Wait sleeps for delay or until ctx is done, whichever comes first.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Summary renders err as a short category string safe for logs and reports.
// Only status codes and error kinds appear, never request or response bodies.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline exceeded"
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return "mailbox http " + strconv.Itoa(gerr.Code)
	}
	var rerr *awshttp.ResponseError
	if errors.As(err, &rerr) {
		return "storage http " + strconv.Itoa(rerr.HTTPStatusCode())
	}
	var aerr smithy.APIError
	if errors.As(err, &aerr) {
		return "storage " + aerr.ErrorCode()
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return "network timeout"
	}
	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	return root.Error()
}
