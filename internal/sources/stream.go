package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/azure/brand-mentions-bot/internal/governor"
	"github.com/azure/brand-mentions-bot/internal/models"
)

const streamReadLimit = 1 << 20

// StreamConfig configures the stream adapter
type StreamConfig struct {
	URL       string
	UserAgent string
}

// StreamSource consumes a websocket push feed of Reddit things. Each message is
// one kind/data envelope, the same shape the listing endpoints return.
type StreamSource struct {
	config   StreamConfig
	matcher  *BrandMatcher
	governor *governor.Governor
	now      func() time.Time
}

// NewStreamSource creates the stream adapter
func NewStreamSource(cfg StreamConfig, matcher *BrandMatcher, gov *governor.Governor) *StreamSource {
	return &StreamSource{
		config:   cfg,
		matcher:  matcher,
		governor: gov,
		now:      time.Now,
	}
}

func (s *StreamSource) GetName() string {
	return models.SourceStream
}

func (s *StreamSource) IsEnabled() bool {
	return s.config.URL != ""
}

// Stream holds one connection open and emits candidates until the connection
// drops or ctx ends. Reconnecting is the caller's job.
func (s *StreamSource) Stream(ctx context.Context, emit func(models.Mention)) error {
	if err := s.governor.Wait(ctx, s.GetName()); err != nil {
		return err
	}

	conn, resp, err := websocket.Dial(ctx, s.config.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{"User-Agent": []string{s.config.UserAgent}},
	})
	if err != nil {
		if resp != nil {
			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
				s.governor.ReportRateLimited(s.GetName(), retryAfter)
				return &RateLimitError{RetryAfter: retryAfter}
			case resp.StatusCode >= 500:
				s.governor.ReportServerError(s.GetName())
			}
		}
		return fmt.Errorf("%w: stream dial: %v", ErrTransient, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	conn.SetReadLimit(streamReadLimit)
	s.governor.ReportSuccess(s.GetName())
	logrus.WithField("url", s.config.URL).Info("Stream connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: stream read: %v", ErrTransient, err)
		}

		var thing redditThing
		if err := json.Unmarshal(data, &thing); err != nil {
			logrus.Warnf("Skipping undecodable stream message: %v", err)
			continue
		}
		p, err := thing.toPost()
		if err != nil {
			logrus.Debugf("Skipping stream item: %v", err)
			continue
		}

		for _, m := range p.candidates(s.matcher, s.GetName(), s.now().UTC()) {
			emit(m)
		}
	}
}
