package sentiment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/azure/brand-mentions-bot/internal/governor"
	"github.com/azure/brand-mentions-bot/internal/models"
	"github.com/azure/brand-mentions-bot/internal/storage"
)

// GovernorSource is the rate governor budget classifier calls are charged to
const GovernorSource = "classifier"

// GatewayConfig tunes the gateway
type GatewayConfig struct {
	Timeout     time.Duration // per call
	BatchSize   int           // rows per sweep
	MaxFailures uint32        // consecutive failures that open the breaker
	OpenTimeout time.Duration // how long the breaker stays open
}

// SweepResult reports what one sweep did
type SweepResult struct {
	Classified int `json:"classified"`
	Failed     int `json:"failed"`
	Remaining  int `json:"remaining"`
}

// Gateway classifies unclassified mentions through a rate-governed,
// breaker-protected classifier and writes each verdict at most once
type Gateway struct {
	classifier Classifier
	store      storage.MentionStore
	governor   *governor.Governor
	breaker    *gobreaker.CircuitBreaker
	config     GatewayConfig
}

// NewGateway wires a classifier to the mention store
func NewGateway(classifier Classifier, store storage.MentionStore, gov *governor.Governor, cfg GatewayConfig) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = time.Minute
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        classifier.Name(),
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			// Shutdown is not the classifier's fault
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"classifier": name,
				"from":       from.String(),
				"to":         to.String(),
			}).Warn("Sentiment circuit breaker changed state")
		},
	})

	return &Gateway{
		classifier: classifier,
		store:      store,
		governor:   gov,
		breaker:    breaker,
		config:     cfg,
	}
}

// Classify runs one governed, bounded classifier call
func (g *Gateway) Classify(ctx context.Context, text string) (models.Sentiment, error) {
	if outcome := g.governor.Acquire(GovernorSource); !outcome.Proceed {
		return models.Sentiment{}, fmt.Errorf("%w for %s", ErrThrottled, outcome.Wait)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.classifier.Classify(callCtx, text)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return models.Sentiment{}, ErrCircuitOpen
		}
		g.reportFailure(err)
		return models.Sentiment{}, err
	}

	g.governor.ReportSuccess(GovernorSource)
	verdict := result.(models.Sentiment)
	if !models.ValidSentimentLabel(verdict.Label) {
		return models.Sentiment{}, fmt.Errorf("%w: unknown label %q", ErrUnavailable, verdict.Label)
	}
	return verdict, nil
}

func (g *Gateway) reportFailure(err error) {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return
	}
	switch {
	case statusErr.StatusCode == http.StatusTooManyRequests:
		g.governor.ReportRateLimited(GovernorSource, statusErr.RetryAfter)
	case statusErr.StatusCode >= 500:
		g.governor.ReportServerError(GovernorSource)
	}
}

// Sweep classifies up to one batch of unclassified mentions. Failed rows stay
// unclassified for the next sweep. An open breaker or a governor wait ends the
// sweep early; only store errors are returned.
func (g *Gateway) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	pending, err := g.store.ListUnclassified(ctx, g.config.BatchSize)
	if err != nil {
		return result, fmt.Errorf("failed to load unclassified mentions: %w", err)
	}

	for i, m := range pending {
		if ctx.Err() != nil {
			result.Remaining = len(pending) - i
			break
		}

		verdict, err := g.Classify(ctx, m.Text())
		if err != nil {
			result.Failed++
			logrus.WithField("mention_id", m.ID).Debugf("Classification failed: %v", err)
			if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrThrottled) {
				result.Remaining = len(pending) - i - 1
				logrus.Warnf("Ending classification sweep early: %v", err)
				break
			}
			continue
		}

		wrote, err := g.store.SetSentiment(ctx, m.ID, verdict)
		if err != nil {
			return result, fmt.Errorf("failed to store sentiment for %s: %w", m.ID, err)
		}
		if wrote {
			result.Classified++
		}
	}

	if len(pending) > 0 {
		logrus.WithFields(logrus.Fields{
			"classified": result.Classified,
			"failed":     result.Failed,
			"remaining":  result.Remaining,
		}).Info("Classification sweep completed")
	}
	return result, nil
}

// State returns the breaker state: closed, open or half-open
func (g *Gateway) State() string {
	return g.breaker.State().String()
}

// ClassifierName names the classifier behind the gateway
func (g *Gateway) ClassifierName() string {
	return g.classifier.Name()
}
