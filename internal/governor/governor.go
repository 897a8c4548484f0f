// Package governor tracks per-source call budgets and upstream backoff.
//
// Every adapter consults the governor before each upstream call. The governor
// never blocks on its own and never fails; it only advises how long the caller
// should wait. Each source owns an independent budget and backoff state, so a
// throttled source never slows the others down.
package governor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Outcome is the advice returned by Acquire
type Outcome struct {
	Proceed bool
	Wait    time.Duration
}

// Config holds the backoff policy shared by all sources
type Config struct {
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	BackoffResetStreak int
}

// SourceState is a point-in-time view of one source, exposed for health reporting
type SourceState struct {
	BudgetPerMinute int       `json:"budget_per_minute"`
	TokensAvailable float64   `json:"tokens_available"`
	Backoff         string    `json:"backoff"`
	BackoffUntil    time.Time `json:"backoff_until,omitempty"`
	RateLimitHits   int       `json:"rate_limit_hits"`
	ServerErrors    int       `json:"server_errors"`
	SuccessStreak   int       `json:"success_streak"`
	Calls           int       `json:"calls"`
}

// sourceState is the mutable state owned by the governor for one source
type sourceState struct {
	mu            sync.Mutex
	budget        int
	limiter       *rate.Limiter
	window        []time.Time
	backoff       time.Duration
	backoffUntil  time.Time
	successStreak int
	rateLimitHits int
	serverErrors  int
	calls         int
}

// Governor hands out per-source call permissions
type Governor struct {
	config  Config
	now     func() time.Time
	mu      sync.RWMutex
	sources map[string]*sourceState
}

// New creates a governor with the given backoff policy
func New(cfg Config) *Governor {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 5 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if cfg.BackoffResetStreak <= 0 {
		cfg.BackoffResetStreak = 3
	}
	return &Governor{
		config:  cfg,
		now:     time.Now,
		sources: make(map[string]*sourceState),
	}
}

// WithClock replaces the governor clock; used by tests
func (g *Governor) WithClock(now func() time.Time) *Governor {
	g.now = now
	return g
}

// Register sets the budget of a source in calls per minute. At most half the
// budget may be spent at once and never more than the budget in any rolling
// minute. Registering a source again replaces its budget but keeps its
// backoff state.
func (g *Governor) Register(source string, perMinute int) {
	if perMinute <= 0 {
		perMinute = 1
	}
	burst := (perMinute + 1) / 2
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)

	g.mu.Lock()
	defer g.mu.Unlock()

	if st, ok := g.sources[source]; ok {
		st.mu.Lock()
		st.budget = perMinute
		st.limiter = limiter
		st.mu.Unlock()
		return
	}
	g.sources[source] = &sourceState{budget: perMinute, limiter: limiter}
}

func (g *Governor) state(source string) *sourceState {
	g.mu.RLock()
	st, ok := g.sources[source]
	g.mu.RUnlock()
	if ok {
		return st
	}

	// Unregistered sources get a conservative default budget
	g.Register(source, 60)
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sources[source]
}

// Acquire asks for permission to make one upstream call for source.
// When it returns Proceed the call has been charged against the budget.
func (g *Governor) Acquire(source string) Outcome {
	st := g.state(source)
	now := g.now()

	st.mu.Lock()
	defer st.mu.Unlock()

	if now.Before(st.backoffUntil) {
		return Outcome{Wait: st.backoffUntil.Sub(now)}
	}

	st.prune(now)
	var wait time.Duration
	if len(st.window) >= st.budget {
		wait = st.window[0].Add(time.Minute).Sub(now)
	}

	r := st.limiter.ReserveN(now, 1)
	if !r.OK() {
		return Outcome{Wait: time.Minute}
	}
	if delay := r.DelayFrom(now); delay > wait {
		wait = delay
	}
	if wait > 0 {
		r.CancelAt(now)
		return Outcome{Wait: wait}
	}

	st.window = append(st.window, now)
	st.calls++
	return Outcome{Proceed: true}
}

// prune drops calls older than one minute. Caller holds st.mu.
func (st *sourceState) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(st.window) && !st.window[i].After(cutoff) {
		i++
	}
	st.window = st.window[i:]
}

// Wait blocks the calling adapter until Acquire lets it proceed or ctx ends
func (g *Governor) Wait(ctx context.Context, source string) error {
	for {
		outcome := g.Acquire(source)
		if outcome.Proceed {
			return nil
		}

		logrus.WithFields(logrus.Fields{
			"source": source,
			"wait":   outcome.Wait.String(),
		}).Debug("Rate governor advised wait")

		timer := time.NewTimer(outcome.Wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// ReportSuccess records a clean upstream response
func (g *Governor) ReportSuccess(source string) {
	st := g.state(source)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.successStreak++
	if st.backoff > 0 && st.successStreak >= g.config.BackoffResetStreak {
		logrus.WithField("source", source).Info("Backoff reset after clean success streak")
		st.backoff = 0
		st.backoffUntil = time.Time{}
	}
}

// ReportRateLimited records an upstream rate-limit signal. retryAfter, when
// positive, extends the backoff window if the server asked for more.
func (g *Governor) ReportRateLimited(source string, retryAfter time.Duration) {
	st := g.state(source)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.rateLimitHits++
	g.escalate(source, st, retryAfter)
}

// ReportServerError records an upstream 5xx response
func (g *Governor) ReportServerError(source string) {
	st := g.state(source)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.serverErrors++
	g.escalate(source, st, 0)
}

// escalate doubles the backoff up to the ceiling. Caller holds st.mu.
func (g *Governor) escalate(source string, st *sourceState, retryAfter time.Duration) {
	st.successStreak = 0
	if st.backoff == 0 {
		st.backoff = g.config.BackoffInitial
	} else {
		st.backoff *= 2
	}
	if st.backoff > g.config.BackoffMax {
		st.backoff = g.config.BackoffMax
	}

	wait := st.backoff
	if retryAfter > wait {
		wait = retryAfter
	}
	st.backoffUntil = g.now().Add(wait)

	logrus.WithFields(logrus.Fields{
		"source":  source,
		"backoff": wait.String(),
	}).Warn("Upstream throttling, backing off")
}

// Snapshot returns the current state of every known source
func (g *Governor) Snapshot() map[string]SourceState {
	g.mu.RLock()
	defer g.mu.RUnlock()

	now := g.now()
	out := make(map[string]SourceState, len(g.sources))
	for name, st := range g.sources {
		st.mu.Lock()
		st.prune(now)
		tokens := st.limiter.TokensAt(now)
		if left := float64(st.budget - len(st.window)); left < tokens {
			tokens = left
		}
		state := SourceState{
			BudgetPerMinute: st.budget,
			TokensAvailable: tokens,
			Backoff:         st.backoff.String(),
			RateLimitHits:   st.rateLimitHits,
			ServerErrors:    st.serverErrors,
			SuccessStreak:   st.successStreak,
			Calls:           st.calls,
		}
		if now.Before(st.backoffUntil) {
			state.BackoffUntil = st.backoffUntil
		}
		st.mu.Unlock()
		out[name] = state
	}
	return out
}
