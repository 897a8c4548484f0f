// Package sentiment labels stored mentions as positive, neutral or negative.
//
// The Gateway is the only path to a classifier. It charges every call to the
// rate governor, bounds it with a timeout and trips a circuit breaker when the
// classifier keeps failing. A mention whose classification fails simply stays
// unclassified and is picked up by a later sweep.
package sentiment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/azure/brand-mentions-bot/internal/models"
)

var (
	// ErrUnavailable means no verdict could be obtained for this call
	ErrUnavailable = errors.New("sentiment classifier unavailable")

	// ErrCircuitOpen means recent failures opened the breaker and calls are refused
	ErrCircuitOpen = fmt.Errorf("%w: circuit open", ErrUnavailable)

	// ErrThrottled means the rate governor asked the gateway to wait
	ErrThrottled = fmt.Errorf("%w: throttled", ErrUnavailable)
)

// Classifier produces a sentiment verdict for a piece of text
type Classifier interface {
	Name() string
	Classify(ctx context.Context, text string) (models.Sentiment, error)
}

// StatusError is a non-200 answer from a remote classifier
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("classifier returned status %d", e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return ErrUnavailable
}
