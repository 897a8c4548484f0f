package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/azure/brand-mentions-bot/internal/config"
	"github.com/azure/brand-mentions-bot/internal/models"
	"github.com/azure/brand-mentions-bot/internal/sources"
	"github.com/azure/brand-mentions-bot/internal/stats"
	"github.com/azure/brand-mentions-bot/internal/storage"
)

// MockNotificationService is a mock implementation of the notification service
type MockNotificationService struct {
	mock.Mock
}

func (m *MockNotificationService) SendReport(ctx context.Context, report *models.Report) error {
	args := m.Called(ctx, report)
	return args.Error(0)
}

func (m *MockNotificationService) SendAlert(ctx context.Context, alert *models.Alert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

type fakePoller struct {
	name     string
	disabled bool
	mentions []models.Mention
	err      error
	calls    int
}

func (p *fakePoller) GetName() string { return p.name }
func (p *fakePoller) IsEnabled() bool { return !p.disabled }
func (p *fakePoller) FetchMentions(ctx context.Context) ([]models.Mention, error) {
	p.calls++
	return p.mentions, p.err
}

type fakeStreamer struct {
	mentions []models.Mention
	err      error
	block    bool
}

func (s *fakeStreamer) GetName() string { return models.SourceStream }
func (s *fakeStreamer) IsEnabled() bool { return true }
func (s *fakeStreamer) Stream(ctx context.Context, emit func(models.Mention)) error {
	for _, m := range s.mentions {
		emit(m)
	}
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.err
}

func testConfig() *config.Config {
	return &config.Config{
		Brands:                map[string]string{"acme": "acme", "globex": "globex"},
		AlertFailureThreshold: 2,
		TeamsWebhookURL:       "https://example.invalid/webhook",
		DigestSchedule:        "weekly",
		TimeZone:              "UTC",
	}
}

func newTestService(t *testing.T, cfg *config.Config) (*Service, *storage.SQLStore, *MockNotificationService) {
	t.Helper()
	store := newTestStore(t)
	notifier := &MockNotificationService{}
	service := NewService(cfg, store, NewEngine(store), stats.NewEngine(store), notifier)
	return service, store, notifier
}

func TestService_RunPollerAdmits(t *testing.T) {
	ctx := context.Background()
	service, store, notifier := newTestService(t, testConfig())

	poll := &fakePoller{name: models.SourcePoll, mentions: []models.Mention{
		candidate("acme", "t3_p1", models.SourcePoll),
		candidate("globex", "t3_p1", models.SourcePoll),
		candidate("acme", "t1_c1", models.SourcePoll),
	}}
	feed := &fakePoller{name: models.SourceFeed, mentions: []models.Mention{
		candidate("acme", "t3_p1", models.SourceFeed),
		candidate("acme", "bogus", models.SourceFeed),
	}}

	require.NoError(t, service.RunPoller(ctx, poll))
	require.NoError(t, service.RunPoller(ctx, feed))

	status, err := store.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, status.TotalMentions)

	health := service.Health()
	require.Len(t, health, 2)
	assert.Equal(t, models.SourceFeed, health[0].Name)
	assert.Equal(t, int64(2), health[0].Candidates)
	assert.Equal(t, int64(0), health[0].Inserted)
	assert.Equal(t, models.SourcePoll, health[1].Name)
	assert.Equal(t, int64(3), health[1].Inserted)
	assert.False(t, health[1].Running)
	assert.False(t, health[1].LastSuccess.IsZero())

	assert.Equal(t, []SourceCounters{
		{Source: models.SourceFeed, Duplicates: 1, Malformed: 1},
		{Source: models.SourcePoll, Admitted: 3},
	}, service.Engine().Counters())

	notifier.AssertNotCalled(t, "SendAlert", mock.Anything, mock.Anything)
}

func TestService_RunPollerDisabled(t *testing.T) {
	service, _, _ := newTestService(t, testConfig())
	poll := &fakePoller{name: models.SourcePoll, disabled: true}

	assert.NoError(t, service.RunPoller(context.Background(), poll))
	assert.Zero(t, poll.calls)
	assert.Empty(t, service.Health())
}

func TestService_FailureAlertAndRecovery(t *testing.T) {
	ctx := context.Background()
	service, store, notifier := newTestService(t, testConfig())

	notifier.On("SendAlert", mock.Anything, mock.MatchedBy(func(a *models.Alert) bool {
		return a.Type == "critical" && a.Source == models.SourcePoll && a.ID != ""
	})).Return(nil).Once()
	notifier.On("SendAlert", mock.Anything, mock.MatchedBy(func(a *models.Alert) bool {
		return a.Type == "info" && a.Title == "poll adapter recovered"
	})).Return(nil).Once()

	poll := &fakePoller{
		name:     models.SourcePoll,
		mentions: []models.Mention{candidate("acme", "t3_partial", models.SourcePoll)},
		err:      &sources.RateLimitError{RetryAfter: time.Minute},
	}

	// Three failing cycles alert once, at the threshold
	for i := 0; i < 3; i++ {
		err := service.RunPoller(ctx, poll)
		assert.ErrorIs(t, err, sources.ErrRateLimited)
	}
	assert.Equal(t, []string{models.SourcePoll}, service.Degraded())
	assert.Equal(t, 3, service.Health()[0].ConsecutiveFailures)

	// Candidates returned alongside the error were still admitted
	status, err := store.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.TotalMentions)

	poll.err = nil
	require.NoError(t, service.RunPoller(ctx, poll))
	assert.Empty(t, service.Degraded())
	assert.Empty(t, service.Health()[0].LastError)

	notifier.AssertExpectations(t)
}

func TestService_RunStreamer(t *testing.T) {
	service, _, _ := newTestService(t, testConfig())
	stream := &fakeStreamer{
		mentions: []models.Mention{
			candidate("acme", "t1_s1", models.SourceStream),
			candidate("acme", "t1_s2", models.SourceStream),
		},
		err: errors.New("connection reset"),
	}

	err := service.RunStreamer(context.Background(), stream)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	health := service.Health()
	require.Len(t, health, 1)
	assert.Equal(t, int64(2), health[0].Inserted)
	assert.Equal(t, 1, health[0].ConsecutiveFailures)
	assert.Equal(t, "connection reset", health[0].LastError)
}

func TestService_RunStreamerShutdown(t *testing.T) {
	service, _, _ := newTestService(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := service.RunStreamer(ctx, &fakeStreamer{block: true})
	assert.NoError(t, err)
	assert.Zero(t, service.Health()[0].ConsecutiveFailures)
}

func TestService_SendDigest(t *testing.T) {
	ctx := context.Background()
	service, _, notifier := newTestService(t, testConfig())

	require.NoError(t, service.RunPoller(ctx, &fakePoller{name: models.SourcePoll, mentions: []models.Mention{
		candidate("acme", "t3_p1", models.SourcePoll),
		candidate("acme", "t1_c1", models.SourcePoll),
	}}))

	notifier.On("SendReport", mock.Anything, mock.MatchedBy(func(r *models.Report) bool {
		return r.Period == "weekly" &&
			len(r.Snapshots) == 2 &&
			r.Snapshots[0].Brand == "acme" &&
			r.Snapshots[0].Total == models.TypeCounts{Posts: 1, Comments: 1} &&
			r.Snapshots[1].Score == stats.NeutralScore &&
			len(r.Recent) == 2
	})).Return(nil).Once()

	require.NoError(t, service.SendDigest(ctx))
	notifier.AssertExpectations(t)
}

func TestService_SendDigestWithoutChannels(t *testing.T) {
	cfg := testConfig()
	cfg.TeamsWebhookURL = ""
	service, _, notifier := newTestService(t, cfg)

	require.NoError(t, service.SendDigest(context.Background()))
	notifier.AssertNotCalled(t, "SendReport", mock.Anything, mock.Anything)
}
