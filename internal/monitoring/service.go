package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/azure/brand-mentions-bot/internal/config"
	"github.com/azure/brand-mentions-bot/internal/models"
	"github.com/azure/brand-mentions-bot/internal/notifications"
	"github.com/azure/brand-mentions-bot/internal/sources"
	"github.com/azure/brand-mentions-bot/internal/stats"
	"github.com/azure/brand-mentions-bot/internal/storage"
)

const (
	digestRecentLimit = 10
	alertTimeout      = 30 * time.Second
	admitTimeout      = 30 * time.Second
)

// AdapterHealth is the liveness view of one source adapter
type AdapterHealth struct {
	Name                string    `json:"name"`
	Enabled             bool      `json:"enabled"`
	Running             bool      `json:"running"`
	LastRun             time.Time `json:"last_run,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Candidates          int64     `json:"candidates"`
	Inserted            int64     `json:"inserted"`
}

// Service runs adapters against the dedup engine and tracks their health
type Service struct {
	config              *config.Config
	engine              *Engine
	stats               *stats.Engine
	store               storage.MentionStore
	notificationService notifications.NotificationInterface
	now                 func() time.Time

	mu     sync.RWMutex
	health map[string]*AdapterHealth
}

// NewService creates a new monitoring service
func NewService(cfg *config.Config, store storage.MentionStore, engine *Engine, statsEngine *stats.Engine, notificationService notifications.NotificationInterface) *Service {
	return &Service{
		config:              cfg,
		engine:              engine,
		stats:               statsEngine,
		store:               store,
		notificationService: notificationService,
		now:                 time.Now,
		health:              make(map[string]*AdapterHealth),
	}
}

// Engine returns the dedup engine the service admits through
func (s *Service) Engine() *Engine {
	return s.engine
}

// Register makes an adapter visible in health reports before its first run
func (s *Service) Register(name string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.adapter(name)
	h.Enabled = enabled
}

// adapter returns the health entry for name. Caller holds s.mu.
func (s *Service) adapter(name string) *AdapterHealth {
	h, ok := s.health[name]
	if !ok {
		h = &AdapterHealth{Name: name, Enabled: true}
		s.health[name] = h
	}
	return h
}

// RunPoller runs one fetch cycle of a poll-style adapter and admits everything
// it returned. Candidates fetched before a mid-cycle error are still admitted,
// also when the error was the cycle deadline.
func (s *Service) RunPoller(ctx context.Context, p sources.Poller) error {
	name := p.GetName()
	if !p.IsEnabled() {
		logrus.Debugf("Skipping disabled source %s", name)
		return nil
	}

	start := s.now()
	s.setRunning(name, true)
	defer s.setRunning(name, false)

	candidates, fetchErr := p.FetchMentions(ctx)

	admitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), admitTimeout)
	defer cancel()

	inserted := 0
	var failed []models.Mention
	for _, m := range candidates {
		ok, err := s.admit(admitCtx, name, m)
		if ok {
			inserted++
		}
		// Malformed candidates never become storable; retrying them is pointless
		if err != nil && !errors.Is(err, sources.ErrMalformedPayload) {
			failed = append(failed, m)
		}
	}
	if ack, ok := p.(sources.Acknowledger); ok {
		ack.Acknowledge(failed)
	}

	if fetchErr != nil {
		s.recordFailure(ctx, name, fetchErr)
		return fmt.Errorf("%s fetch failed: %w", name, fetchErr)
	}

	s.recordSuccess(ctx, name)
	logrus.WithFields(logrus.Fields{
		"source":     name,
		"candidates": len(candidates),
		"inserted":   inserted,
		"duration":   time.Since(start).String(),
	}).Info("Source cycle completed")
	return nil
}

// RunStreamer consumes one streaming session. It returns nil when ctx ends and
// the stream error otherwise, leaving reconnection to the caller.
func (s *Service) RunStreamer(ctx context.Context, st sources.Streamer) error {
	name := st.GetName()
	if !st.IsEnabled() {
		logrus.Debugf("Skipping disabled stream %s", name)
		return nil
	}

	s.setRunning(name, true)
	defer s.setRunning(name, false)

	err := st.Stream(ctx, func(m models.Mention) {
		s.admit(ctx, name, m)
		s.recordSuccess(ctx, name)
	})
	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("%w: stream ended", sources.ErrTransient)
	}

	s.recordFailure(ctx, name, err)
	return fmt.Errorf("%s stream failed: %w", name, err)
}

func (s *Service) admit(ctx context.Context, source string, m models.Mention) (bool, error) {
	outcome, err := s.engine.Admit(ctx, m)

	s.mu.Lock()
	h := s.adapter(source)
	h.Candidates++
	if outcome == Inserted {
		h.Inserted++
	}
	s.mu.Unlock()

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"source":      source,
			"upstream_id": m.UpstreamID,
			"brand":       m.Brand,
		}).Warnf("Candidate rejected: %v", err)
		return false, err
	}
	return outcome == Inserted, nil
}

func (s *Service) setRunning(name string, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.adapter(name)
	h.Running = running
	if running {
		h.LastRun = s.now()
	}
}

func (s *Service) recordSuccess(ctx context.Context, name string) {
	s.mu.Lock()
	h := s.adapter(name)
	recovered := h.ConsecutiveFailures >= s.config.AlertFailureThreshold && s.config.AlertFailureThreshold > 0
	failures := h.ConsecutiveFailures
	h.ConsecutiveFailures = 0
	h.LastSuccess = s.now()
	h.LastError = ""
	s.mu.Unlock()

	if recovered {
		logrus.WithField("source", name).Infof("Source recovered after %d failures", failures)
		s.sendAlert(ctx, &models.Alert{
			Type:    "info",
			Title:   fmt.Sprintf("%s adapter recovered", name),
			Message: fmt.Sprintf("The %s adapter is delivering again after %d consecutive failures.", name, failures),
			Source:  name,
		})
	}
}

func (s *Service) recordFailure(ctx context.Context, name string, err error) {
	s.mu.Lock()
	h := s.adapter(name)
	h.ConsecutiveFailures++
	h.LastError = err.Error()
	failures := h.ConsecutiveFailures
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"source":   name,
		"failures": failures,
	}).Errorf("Source cycle failed: %v", err)

	if failures == s.config.AlertFailureThreshold {
		s.sendAlert(ctx, &models.Alert{
			Type:    "critical",
			Title:   fmt.Sprintf("%s adapter failing", name),
			Message: fmt.Sprintf("The %s adapter failed %d times in a row. Last error: %v", name, failures, err),
			Source:  name,
		})
	}
}

func (s *Service) sendAlert(ctx context.Context, alert *models.Alert) {
	if s.notificationService == nil || !s.config.NotificationsEnabled() {
		return
	}

	alert.ID = uuid.NewString()
	alert.CreatedAt = s.now().UTC()

	// The cycle context may already be expired when the failure was a timeout
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()

	if err := s.notificationService.SendAlert(sendCtx, alert); err != nil {
		logrus.Errorf("Failed to send alert %q: %v", alert.Title, err)
	}
}

// Health returns the adapters ordered by name
func (s *Service) Health() []AdapterHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AdapterHealth, 0, len(s.health))
	for _, h := range s.health {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Degraded lists enabled adapters at or above the alert threshold
func (s *Service) Degraded() []string {
	threshold := s.config.AlertFailureThreshold
	if threshold <= 0 {
		threshold = 1
	}

	var degraded []string
	for _, h := range s.Health() {
		if h.Enabled && h.ConsecutiveFailures >= threshold {
			degraded = append(degraded, h.Name)
		}
	}
	return degraded
}

// BuildDigest assembles the periodic report across all tracked brands
func (s *Service) BuildDigest(ctx context.Context) (*models.Report, error) {
	now := s.now()

	tzOffset := 0
	if loc, err := time.LoadLocation(s.config.TimeZone); err == nil {
		_, offset := now.In(loc).Zone()
		tzOffset = -offset / 60
	}

	snapshots, err := s.stats.Compare(ctx, s.config.BrandNames(), tzOffset)
	if err != nil {
		return nil, fmt.Errorf("failed to compute digest statistics: %w", err)
	}

	recent, err := s.store.Recent(ctx, "", digestRecentLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent mentions: %w", err)
	}

	period := s.config.DigestSchedule
	if period == "" {
		period = "daily"
	}

	return &models.Report{
		GeneratedAt: now.UTC(),
		Period:      period,
		Snapshots:   snapshots,
		Recent:      recent,
	}, nil
}

// SendDigest builds the periodic report and sends it through the configured channels
func (s *Service) SendDigest(ctx context.Context) error {
	if s.notificationService == nil || !s.config.NotificationsEnabled() {
		logrus.Debug("No notification channel configured, skipping digest")
		return nil
	}

	report, err := s.BuildDigest(ctx)
	if err != nil {
		return err
	}

	if err := s.notificationService.SendReport(ctx, report); err != nil {
		return fmt.Errorf("failed to send digest: %w", err)
	}

	logrus.Infof("Digest sent covering %d brands", len(report.Snapshots))
	return nil
}
