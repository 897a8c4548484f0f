package sources

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/azure/brand-mentions-bot/internal/governor"
)

var (
	// ErrTransient marks network failures, timeouts and upstream 5xx responses
	ErrTransient = errors.New("transient source error")

	// ErrRateLimited marks upstream throttling; the governor handles the backoff
	ErrRateLimited = errors.New("rate limited")

	// ErrMalformedPayload marks an item or response the adapter could not decode
	ErrMalformedPayload = errors.New("malformed upstream payload")

	// ErrUnauthorized marks rejected credentials
	ErrUnauthorized = errors.New("upstream rejected credentials")
)

// RateLimitError carries the server's Retry-After hint
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// checkResponse turns a resty result into an adapter error and reports the
// outcome to the governor so backoff stays in one place.
func checkResponse(gov *governor.Governor, source string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	status := resp.StatusCode()
	switch {
	case status == http.StatusOK:
		gov.ReportSuccess(source)
		return nil
	case status == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header().Get("Retry-After"))
		gov.ReportRateLimited(source, retryAfter)
		return &RateLimitError{RetryAfter: retryAfter}
	case status >= 500:
		gov.ReportServerError(source)
		return fmt.Errorf("%w: upstream returned status %d", ErrTransient, status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, status)
	default:
		return fmt.Errorf("upstream returned status %d", status)
	}
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
