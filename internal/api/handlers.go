// Package api serves the dashboard's read and maintenance endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/azure/brand-mentions-bot/internal/config"
	"github.com/azure/brand-mentions-bot/internal/governor"
	"github.com/azure/brand-mentions-bot/internal/models"
	"github.com/azure/brand-mentions-bot/internal/monitoring"
	"github.com/azure/brand-mentions-bot/internal/scheduler"
	"github.com/azure/brand-mentions-bot/internal/sentiment"
	"github.com/azure/brand-mentions-bot/internal/stats"
	"github.com/azure/brand-mentions-bot/internal/storage"
)

const healthCheckTimeout = 5 * time.Second

// JobRunner is the part of the scheduler the API drives
type JobRunner interface {
	Trigger(name string) error
	Jobs() []scheduler.JobStatus
}

// ErrorResponse is the body of every non-2xx JSON answer
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handlers holds the HTTP handlers of the dashboard API
type Handlers struct {
	config     *config.Config
	store      storage.MentionStore
	stats      *stats.Engine
	monitoring *monitoring.Service
	governor   *governor.Governor
	jobs       JobRunner
	gateway    *sentiment.Gateway
	blobs      storage.BlobStore
	now        func() time.Time
}

// NewHandlers creates the API handlers. jobs and gateway may be nil.
func NewHandlers(cfg *config.Config, store storage.MentionStore, statsEngine *stats.Engine, monitoringService *monitoring.Service, gov *governor.Governor, jobs JobRunner, gateway *sentiment.Gateway) *Handlers {
	return &Handlers{
		config:     cfg,
		store:      store,
		stats:      statsEngine,
		monitoring: monitoringService,
		governor:   gov,
		jobs:       jobs,
		gateway:    gateway,
		now:        time.Now,
	}
}

// WithBlobs lists the stored blobs (checkpoints, reports) in /system_status
func (h *Handlers) WithBlobs(blobs storage.BlobStore) *Handlers {
	h.blobs = blobs
	return h
}

// Router wires every endpoint onto a mux router
func (h *Handlers) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.HandleFunc("/system_status", h.SystemStatus).Methods(http.MethodGet)

	router.HandleFunc("/data", h.ListMentions).Methods(http.MethodGet)
	router.HandleFunc("/delete", h.DeleteMention).Methods(http.MethodPost)
	router.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
	router.HandleFunc("/weekly_mentions", h.WeeklyMentions).Methods(http.MethodGet)
	router.HandleFunc("/compare", h.Compare).Methods(http.MethodGet)
	router.HandleFunc("/trending_subreddits", h.TrendingSubreddits).Methods(http.MethodGet)
	router.HandleFunc("/export", h.Export).Methods(http.MethodGet)

	// Manual trigger endpoint
	router.HandleFunc("/trigger", h.Trigger).Methods(http.MethodPost)

	router.Use(loggingMiddleware)
	return router
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("HTTP request")
	})
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		logrus.Errorf("Health check failed: %v", err)
		respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	status := "healthy"
	degraded := h.monitoring.Degraded()
	if len(degraded) > 0 {
		status = "degraded"
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"timestamp": h.now().UTC().Format(time.RFC3339),
		"degraded":  degraded,
		"adapters":  h.monitoring.Health(),
	})
}

// SystemStatus handles GET /system_status
func (h *Handlers) SystemStatus(w http.ResponseWriter, r *http.Request) {
	storeStatus, err := h.store.Status(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read store status", err)
		return
	}

	response := map[string]interface{}{
		"generated_at": h.now().UTC(),
		"store":        storeStatus,
		"adapters":     h.monitoring.Health(),
		"admission":    h.monitoring.Engine().Counters(),
		"brands":       h.config.BrandNames(),
		"subreddits":   h.config.Subreddits,
	}
	if h.governor != nil {
		response["rate_governor"] = h.governor.Snapshot()
	}
	if h.jobs != nil {
		response["jobs"] = h.jobs.Jobs()
	}
	if h.gateway != nil {
		response["sentiment"] = map[string]string{
			"classifier": h.gateway.ClassifierName(),
			"breaker":    h.gateway.State(),
		}
	}
	if h.blobs != nil {
		names, err := h.blobs.List(r.Context(), "")
		if err != nil {
			logrus.Warnf("Failed to list blobs: %v", err)
		} else {
			response["blobs"] = names
		}
	}

	respondJSON(w, http.StatusOK, response)
}

// ListMentions handles GET /data
func (h *Handlers) ListMentions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	brand, ok := h.brandParam(w, r)
	if !ok {
		return
	}

	filter := storage.Filter{
		Brand:     brand,
		Subreddit: strings.TrimSpace(q.Get("subreddit")),
	}

	var err error
	if filter.Page, err = intParam(q.Get("page"), 1); err != nil {
		respondError(w, http.StatusBadRequest, "invalid page", err)
		return
	}
	if filter.PerPage, err = intParam(q.Get("per_page"), 100); err != nil {
		respondError(w, http.StatusBadRequest, "invalid per_page", err)
		return
	}

	if s := q.Get("sentiment"); s != "" {
		if !models.ValidSentimentLabel(s) {
			respondError(w, http.StatusBadRequest, "invalid sentiment", nil)
			return
		}
		filter.Sentiment = s
	}

	if filter.From, err = timeParam(q.Get("date_from"), false); err != nil {
		respondError(w, http.StatusBadRequest, "invalid date_from", err)
		return
	}
	if filter.To, err = timeParam(q.Get("date_to"), true); err != nil {
		respondError(w, http.StatusBadRequest, "invalid date_to", err)
		return
	}

	page, err := h.store.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list mentions", err)
		return
	}

	respondJSON(w, http.StatusOK, page)
}

type deleteRequest struct {
	ID string `json:"id"`
}

// DeleteMention handles POST /delete. Deleting an unknown or already deleted
// id succeeds.
func (h *Handlers) DeleteMention(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		respondError(w, http.StatusBadRequest, "missing id", nil)
		return
	}

	if err := h.store.Delete(r.Context(), req.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete mention", err)
		return
	}

	logrus.WithField("mention_id", req.ID).Info("Mention deleted")
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": req.ID})
}

// Stats handles GET /stats
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	brand, ok := h.brandParam(w, r)
	if !ok {
		return
	}

	tzOffset, err := intParam(r.URL.Query().Get("tz_offset"), 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid tz_offset", err)
		return
	}

	snapshot, err := h.stats.Stats(r.Context(), brand, tzOffset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to compute statistics", err)
		return
	}

	respondJSON(w, http.StatusOK, snapshot)
}

// WeeklyMentions handles GET /weekly_mentions
func (h *Handlers) WeeklyMentions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	brand, ok := h.brandParam(w, r)
	if !ok {
		return
	}

	weekOffset, err := intParam(q.Get("week_offset"), 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid week_offset", err)
		return
	}

	tz := q.Get("tz")
	if tz == "" {
		tz = "UTC"
	}

	days, err := h.stats.Weekly(r.Context(), brand, weekOffset, tz)
	if errors.Is(err, stats.ErrInvalidTimezone) {
		respondError(w, http.StatusBadRequest, "invalid tz", err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to compute weekly mentions", err)
		return
	}

	respondJSON(w, http.StatusOK, days)
}

// Compare handles GET /compare?brands=a,b
func (h *Handlers) Compare(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	brands := h.config.BrandNames()
	if raw := q.Get("brands"); raw != "" {
		brands = brands[:0:0]
		for _, name := range strings.Split(raw, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if !h.validBrand(name) {
				respondError(w, http.StatusBadRequest, "invalid brand "+name, nil)
				return
			}
			brands = append(brands, name)
		}
	}

	tzOffset, err := intParam(q.Get("tz_offset"), 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid tz_offset", err)
		return
	}

	snapshots, err := h.stats.Compare(r.Context(), brands, tzOffset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to compare brands", err)
		return
	}

	respondJSON(w, http.StatusOK, snapshots)
}

// TrendingSubreddits handles GET /trending_subreddits
func (h *Handlers) TrendingSubreddits(w http.ResponseWriter, r *http.Request) {
	brand, ok := h.brandParam(w, r)
	if !ok {
		return
	}

	days, err := intParam(r.URL.Query().Get("days"), 7)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid days", err)
		return
	}

	trends, err := h.stats.Trending(r.Context(), brand, days)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to rank subreddits", err)
		return
	}

	respondJSON(w, http.StatusOK, trends)
}

// Trigger handles POST /trigger?job=name. Without a job it starts every
// adapter cycle.
func (h *Handlers) Trigger(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		respondError(w, http.StatusServiceUnavailable, "scheduler not running", nil)
		return
	}

	names := []string{r.URL.Query().Get("job")}
	if names[0] == "" {
		names = names[:0]
		for _, j := range h.jobs.Jobs() {
			if j.Name == models.SourcePoll || j.Name == models.SourceFeed {
				names = append(names, j.Name)
			}
		}
	}

	triggered := make([]string, 0, len(names))
	for _, name := range names {
		err := h.jobs.Trigger(name)
		switch {
		case errors.Is(err, scheduler.ErrUnknownJob):
			respondError(w, http.StatusNotFound, "unknown job", err)
			return
		case errors.Is(err, scheduler.ErrJobRunning):
			logrus.Infof("Manual trigger skipped, %s already running", name)
		case err != nil:
			respondError(w, http.StatusInternalServerError, "failed to trigger job", err)
			return
		default:
			triggered = append(triggered, name)
		}
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"message":   "Jobs triggered",
		"triggered": triggered,
	})
}

// brandParam reads and validates the brand query parameter, defaulting to the
// first configured brand. It writes the error response itself.
func (h *Handlers) brandParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	brand := strings.TrimSpace(r.URL.Query().Get("brand"))
	if brand == "" {
		if names := h.config.BrandNames(); len(names) > 0 {
			brand = names[0]
		}
	}
	if !h.validBrand(brand) {
		respondError(w, http.StatusBadRequest, "invalid brand", nil)
		return "", false
	}
	return brand, true
}

func (h *Handlers) validBrand(brand string) bool {
	_, ok := h.config.Brands[brand]
	return ok
}

func intParam(s string, defaultValue int) (int, error) {
	if s == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(s)
}

// timeParam accepts RFC 3339 timestamps or plain dates. A plain date used as
// an upper bound covers the whole day.
func timeParam(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Second)
	}
	return t, nil
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.Errorf("Failed to encode JSON response: %v", err)
	}
}

func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	if err != nil && statusCode >= http.StatusInternalServerError {
		logrus.Errorf("%s: %v", message, err)
	}
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
