package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/azure/brand-mentions-bot/internal/config"
	"github.com/azure/brand-mentions-bot/internal/models"
	"github.com/azure/brand-mentions-bot/internal/monitoring"
	"github.com/azure/brand-mentions-bot/internal/sentiment"
	"github.com/azure/brand-mentions-bot/internal/sources"
	"github.com/azure/brand-mentions-bot/internal/storage"
)

const (
	JobClassify   = "classify"
	JobCheckpoint = "checkpoint"
	JobDigest     = "digest"
)

var (
	// ErrUnknownJob is returned by Trigger for a name no job is registered under
	ErrUnknownJob = errors.New("unknown job")

	// ErrJobRunning is returned by Trigger while the job is already running
	ErrJobRunning = errors.New("job already running")
)

// Options lists what the scheduler drives
type Options struct {
	Pollers     []sources.Poller
	Streamers   []sources.Streamer
	Gateway     *sentiment.Gateway
	Checkpoints *sources.Checkpoints
	Blobs       storage.BlobStore
}

// JobStatus is the status view of one scheduled job
type JobStatus struct {
	Name         string    `json:"name"`
	Schedule     string    `json:"schedule"`
	Running      bool      `json:"running"`
	LastRun      time.Time `json:"last_run,omitempty"`
	LastDuration string    `json:"last_duration,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	NextRun      time.Time `json:"next_run,omitempty"`
}

type job struct {
	name     string
	schedule string
	timeout  time.Duration
	run      func(ctx context.Context) error

	entryID      cron.EntryID
	running      bool
	lastRun      time.Time
	lastDuration time.Duration
	lastError    string
}

// Service runs every adapter cycle and maintenance task on its own cadence
type Service struct {
	config            *config.Config
	monitoringService *monitoring.Service
	options           Options
	cron              *cron.Cron

	// Reconnect backoff for streaming adapters
	streamBackoffInitial time.Duration
	streamBackoffMax     time.Duration
	streamStableAfter    time.Duration

	// Jobs and streams have separate roots: streams stop as soon as Stop is
	// called, jobs only once they finished or the Stop deadline passed
	jobCtx        context.Context
	cancelJobs    context.CancelFunc
	streamCtx     context.Context
	cancelStreams context.CancelFunc
	wg            sync.WaitGroup

	mu       sync.Mutex
	stopping bool
	jobs     map[string]*job
}

// NewService creates a new scheduler service
func NewService(cfg *config.Config, monitoringService *monitoring.Service, opts Options) *Service {
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		loc = time.UTC
	}

	cronLogger := cron.PrintfLogger(logrus.StandardLogger())
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	streamCtx, cancelStreams := context.WithCancel(context.Background())

	return &Service{
		config:            cfg,
		monitoringService: monitoringService,
		options:           opts,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		streamBackoffInitial: time.Second,
		streamBackoffMax:     time.Minute,
		streamStableAfter:    5 * time.Minute,
		jobCtx:               jobCtx,
		cancelJobs:           cancelJobs,
		streamCtx:            streamCtx,
		cancelStreams:        cancelStreams,
		jobs:                 make(map[string]*job),
	}
}

// Start registers the jobs, runs one immediate poll of every enabled adapter
// and starts the streaming supervisors
func (s *Service) Start() error {
	for _, p := range s.options.Pollers {
		s.monitoringService.Register(p.GetName(), p.IsEnabled())
		if !p.IsEnabled() {
			logrus.Infof("Source %s is disabled", p.GetName())
			continue
		}
		poller := p
		interval := s.pollInterval(poller.GetName())
		if err := s.addJob(poller.GetName(), every(interval), interval, func(ctx context.Context) error {
			return s.monitoringService.RunPoller(ctx, poller)
		}); err != nil {
			return err
		}
	}

	if gw := s.options.Gateway; gw != nil {
		if err := s.addJob(JobClassify, every(s.config.ClassifyInterval), s.config.ClassifyInterval, func(ctx context.Context) error {
			_, err := gw.Sweep(ctx)
			return err
		}); err != nil {
			return err
		}
	}

	if s.options.Checkpoints != nil && s.options.Blobs != nil {
		if err := s.addJob(JobCheckpoint, every(s.config.CheckpointInterval), time.Minute, func(ctx context.Context) error {
			return s.options.Checkpoints.Save(ctx, s.options.Blobs)
		}); err != nil {
			return err
		}
	}

	var digestSpec string
	switch s.config.DigestSchedule {
	case "daily":
		// Every day at 9 AM local time
		digestSpec = "0 9 * * *"
	case "weekly":
		// Mondays at 9 AM local time
		digestSpec = "0 9 * * 1"
	}
	if digestSpec != "" {
		if err := s.addJob(JobDigest, digestSpec, 5*time.Minute, s.monitoringService.SendDigest); err != nil {
			return err
		}
	}

	for _, st := range s.options.Streamers {
		s.monitoringService.Register(st.GetName(), st.IsEnabled())
		if !st.IsEnabled() {
			logrus.Infof("Stream %s is disabled", st.GetName())
			continue
		}
		s.wg.Add(1)
		go s.superviseStream(st)
	}

	s.cron.Start()

	// First poll now instead of one interval after startup
	for _, p := range s.options.Pollers {
		if p.IsEnabled() {
			if err := s.Trigger(p.GetName()); err != nil {
				logrus.Warnf("Initial run of %s not started: %v", p.GetName(), err)
			}
		}
	}

	logrus.Infof("Scheduler started with %d jobs and %d streams", len(s.jobs), len(s.options.Streamers))
	return nil
}

func (s *Service) pollInterval(name string) time.Duration {
	if name == models.SourceFeed {
		return s.config.FeedInterval
	}
	return s.config.PollInterval
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

func (s *Service) addJob(name, schedule string, timeout time.Duration, run func(ctx context.Context) error) error {
	j := &job{name: name, schedule: schedule, timeout: timeout, run: run}

	id, err := s.cron.AddFunc(schedule, func() { s.runJob(j) })
	if err != nil {
		return fmt.Errorf("failed to schedule %s (%s): %w", name, schedule, err)
	}
	j.entryID = id

	s.mu.Lock()
	s.jobs[name] = j
	s.mu.Unlock()
	return nil
}

// runJob runs j unless it is still running from an earlier tick. It reports
// whether the job ran.
func (s *Service) runJob(j *job) bool {
	s.mu.Lock()
	if j.running || s.stopping {
		s.mu.Unlock()
		logrus.WithField("job", j.name).Debug("Skipping job run")
		return false
	}
	j.running = true
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	runID := uuid.NewString()
	log := logrus.WithFields(logrus.Fields{"job": j.name, "run_id": runID})
	log.Debug("Job started")

	ctx, cancel := context.WithTimeout(s.jobCtx, j.timeout)
	defer cancel()

	start := time.Now()
	err := j.run(ctx)
	duration := time.Since(start)

	s.mu.Lock()
	j.running = false
	j.lastRun = start
	j.lastDuration = duration
	j.lastError = ""
	if err != nil {
		j.lastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		log.WithField("duration", duration.String()).Errorf("Job failed: %v", err)
	} else {
		log.WithField("duration", duration.String()).Debug("Job completed")
	}
	return true
}

// Trigger starts one run of the named job in the background
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if j.running {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	s.mu.Unlock()

	go s.runJob(j)
	return nil
}

// Jobs returns the status of every registered job ordered by name
func (s *Service) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		status := JobStatus{
			Name:      j.name,
			Schedule:  j.schedule,
			Running:   j.running,
			LastRun:   j.lastRun,
			LastError: j.lastError,
			NextRun:   s.cron.Entry(j.entryID).Next,
		}
		if j.lastDuration > 0 {
			status.LastDuration = j.lastDuration.String()
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// superviseStream keeps one streaming adapter connected, reconnecting with
// capped exponential backoff. A session that stayed up long enough resets the
// backoff.
func (s *Service) superviseStream(st sources.Streamer) {
	defer s.wg.Done()

	log := logrus.WithField("source", st.GetName())
	backoff := s.streamBackoffInitial

	for {
		started := time.Now()
		err := s.runStream(st)
		if s.streamCtx.Err() != nil {
			log.Info("Stream supervisor stopped")
			return
		}

		if time.Since(started) >= s.streamStableAfter {
			backoff = s.streamBackoffInitial
		}

		wait := backoff
		var rateLimited *sources.RateLimitError
		if errors.As(err, &rateLimited) && rateLimited.RetryAfter > wait {
			wait = rateLimited.RetryAfter
		}
		log.WithField("retry_in", wait.String()).Warnf("Stream disconnected: %v", err)

		timer := time.NewTimer(wait)
		select {
		case <-s.streamCtx.Done():
			timer.Stop()
			log.Info("Stream supervisor stopped")
			return
		case <-timer.C:
		}

		backoff *= 2
		if backoff > s.streamBackoffMax {
			backoff = s.streamBackoffMax
		}
	}
}

// runStream runs one streaming session. A panic in the adapter ends the
// session with an error and the supervisor reconnects.
func (s *Service) runStream(st sources.Streamer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("source", st.GetName()).Errorf("Stream panicked: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("%w: stream panicked: %v", sources.ErrTransient, r)
		}
	}()
	return s.monitoringService.RunStreamer(s.streamCtx, st)
}

// Stop refuses new job runs, disconnects the streams and lets running jobs
// finish under their own timeouts. Jobs still running when ctx ends are
// cancelled. The checkpoints are saved one last time once everything stopped.
func (s *Service) Stop(ctx context.Context) error {
	// Under s.mu so no job run can register with the wait group afterwards
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	s.cancelStreams()
	cronDone := s.cron.Stop().Done()

	done := make(chan struct{})
	go func() {
		<-cronDone
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelJobs()
	case <-ctx.Done():
		s.cancelJobs()
		return fmt.Errorf("scheduler did not stop in time: %w", ctx.Err())
	}

	if s.options.Checkpoints != nil && s.options.Blobs != nil {
		if err := s.options.Checkpoints.Save(ctx, s.options.Blobs); err != nil {
			return fmt.Errorf("failed to save checkpoints on shutdown: %w", err)
		}
	}

	logrus.Info("Scheduler stopped")
	return nil
}
