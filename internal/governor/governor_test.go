package governor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGovernor() (*Governor, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)}
	g := New(Config{
		BackoffInitial:     time.Second,
		BackoffMax:         8 * time.Second,
		BackoffResetStreak: 2,
	}).WithClock(clock.now)
	return g, clock
}

func TestAcquire_BudgetExhaustion(t *testing.T) {
	g, clock := newTestGovernor()
	g.Register("poll", 3)

	// Two of three calls may go at once, the third is paced
	for i := 0; i < 2; i++ {
		assert.True(t, g.Acquire("poll").Proceed, "call %d should proceed", i)
	}

	outcome := g.Acquire("poll")
	assert.False(t, outcome.Proceed)
	assert.Equal(t, 20*time.Second, outcome.Wait)

	clock.advance(20 * time.Second)
	assert.True(t, g.Acquire("poll").Proceed)
}

func TestAcquire_RollingMinuteCap(t *testing.T) {
	g, clock := newTestGovernor()
	g.Register("poll", 3)

	require.True(t, g.Acquire("poll").Proceed)
	require.True(t, g.Acquire("poll").Proceed)
	clock.advance(20 * time.Second)
	require.True(t, g.Acquire("poll").Proceed)

	// The bucket refills at 20s but three calls already landed this minute
	clock.advance(20 * time.Second)
	outcome := g.Acquire("poll")
	assert.False(t, outcome.Proceed)
	assert.Equal(t, 20*time.Second, outcome.Wait)
	assert.Zero(t, g.Snapshot()["poll"].TokensAvailable)

	clock.advance(19 * time.Second)
	assert.False(t, g.Acquire("poll").Proceed)

	clock.advance(time.Second)
	assert.True(t, g.Acquire("poll").Proceed)
}

func TestAcquire_SourcesAreIndependent(t *testing.T) {
	g, _ := newTestGovernor()
	g.Register("poll", 1)
	g.Register("feed", 1)

	assert.True(t, g.Acquire("poll").Proceed)
	assert.False(t, g.Acquire("poll").Proceed)

	g.ReportRateLimited("poll", 0)
	assert.True(t, g.Acquire("feed").Proceed)
}

func TestBackoff_DoublesUpToCeiling(t *testing.T) {
	g, clock := newTestGovernor()
	g.Register("stream", 600)

	expected := []time.Duration{1, 2, 4, 8, 8}
	for _, want := range expected {
		g.ReportRateLimited("stream", 0)
		outcome := g.Acquire("stream")
		assert.False(t, outcome.Proceed)
		assert.Equal(t, want*time.Second, outcome.Wait)
	}

	clock.advance(8 * time.Second)
	assert.True(t, g.Acquire("stream").Proceed)
}

func TestBackoff_RetryAfterExtendsWindow(t *testing.T) {
	g, _ := newTestGovernor()
	g.Register("poll", 600)

	g.ReportRateLimited("poll", 30*time.Second)
	outcome := g.Acquire("poll")
	assert.False(t, outcome.Proceed)
	assert.Equal(t, 30*time.Second, outcome.Wait)
}

func TestBackoff_ResetsAfterSuccessStreak(t *testing.T) {
	g, clock := newTestGovernor()
	g.Register("poll", 600)

	g.ReportServerError("poll")
	g.ReportServerError("poll")
	assert.Equal(t, "2s", g.Snapshot()["poll"].Backoff)

	clock.advance(2 * time.Second)
	g.ReportSuccess("poll")
	assert.Equal(t, "2s", g.Snapshot()["poll"].Backoff)
	g.ReportSuccess("poll")
	assert.Equal(t, "0s", g.Snapshot()["poll"].Backoff)

	// Next signal starts from the initial backoff again
	g.ReportRateLimited("poll", 0)
	assert.Equal(t, "1s", g.Snapshot()["poll"].Backoff)
}

func TestSnapshot(t *testing.T) {
	g, _ := newTestGovernor()
	g.Register("feed", 30)

	require.True(t, g.Acquire("feed").Proceed)
	g.ReportRateLimited("feed", 0)

	state := g.Snapshot()["feed"]
	assert.Equal(t, 30, state.BudgetPerMinute)
	assert.Equal(t, 1, state.Calls)
	assert.Equal(t, 1, state.RateLimitHits)
	assert.InDelta(t, 14, state.TokensAvailable, 0.001)
	assert.False(t, state.BackoffUntil.IsZero())
}

func TestWait_HonoursContext(t *testing.T) {
	g := New(Config{BackoffInitial: time.Hour, BackoffMax: time.Hour})
	g.Register("poll", 60)
	g.ReportRateLimited("poll", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := g.Wait(ctx, "poll")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWait_ProceedsImmediately(t *testing.T) {
	g := New(Config{})
	g.Register("poll", 60)
	assert.NoError(t, g.Wait(context.Background(), "poll"))
}
