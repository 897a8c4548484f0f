package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/azure/brand-mentions-bot/internal/config"
	"github.com/azure/brand-mentions-bot/internal/governor"
	"github.com/azure/brand-mentions-bot/internal/models"
	"github.com/azure/brand-mentions-bot/internal/monitoring"
	"github.com/azure/brand-mentions-bot/internal/scheduler"
	"github.com/azure/brand-mentions-bot/internal/stats"
	"github.com/azure/brand-mentions-bot/internal/storage"
)

var testNow = time.Date(2024, 6, 5, 12, 0, 0, 0, time.UTC)

type fakeJobs struct {
	jobs      []scheduler.JobStatus
	running   map[string]bool
	triggered []string
}

func (f *fakeJobs) Jobs() []scheduler.JobStatus { return f.jobs }

func (f *fakeJobs) Trigger(name string) error {
	for _, j := range f.jobs {
		if j.Name != name {
			continue
		}
		if f.running[name] {
			return fmt.Errorf("%w: %s", scheduler.ErrJobRunning, name)
		}
		f.triggered = append(f.triggered, name)
		return nil
	}
	return fmt.Errorf("%w: %s", scheduler.ErrUnknownJob, name)
}

type fixture struct {
	store  *storage.SQLStore
	jobs   *fakeJobs
	router http.Handler
}

func seed(t *testing.T, store *storage.SQLStore, brand, upstreamID, via string, created time.Time, sentiment string) {
	t.Helper()
	kind := models.TypePost
	if strings.HasPrefix(upstreamID, "t1_") {
		kind = models.TypeComment
	}
	m := &models.Mention{
		ID:            models.MentionID(brand, upstreamID),
		Brand:         brand,
		UpstreamID:    upstreamID,
		Type:          kind,
		Subreddit:     "aves",
		Author:        "raver",
		Title:         "about " + brand,
		Body:          "loved it, would buy again",
		Permalink:     "https://www.reddit.com/r/aves/comments/" + upstreamID,
		Score:         7,
		CreatedAt:     created,
		DiscoveredVia: via,
		DiscoveredAt:  created.Add(time.Minute),
	}
	inserted, err := store.Insert(context.Background(), m)
	require.NoError(t, err)
	require.True(t, inserted)

	if sentiment != "" {
		_, err := store.SetSentiment(context.Background(), m.ID, models.Sentiment{Label: sentiment, Score: 0.9})
		require.NoError(t, err)
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.OpenSQLStore(filepath.Join(t.TempDir(), "mentions.db"), 100)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	seed(t, store, "acme", "t3_a", models.SourcePoll, time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC), models.SentimentPositive)
	seed(t, store, "acme", "t1_b", models.SourceStream, time.Date(2024, 6, 5, 9, 0, 0, 0, time.UTC), "")
	seed(t, store, "acme", "t3_c", models.SourceFeed, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), models.SentimentNegative)
	seed(t, store, "globex", "t3_d", models.SourcePoll, time.Date(2024, 6, 4, 12, 0, 0, 0, time.UTC), "")

	cfg := &config.Config{
		Brands:                map[string]string{"acme": "acme", "globex": "globex"},
		Subreddits:            []string{"aves"},
		AlertFailureThreshold: 3,
		TimeZone:              "UTC",
	}

	statsEngine := stats.NewEngine(store).WithClock(func() time.Time { return testNow })
	monitoringService := monitoring.NewService(cfg, store, monitoring.NewEngine(store), statsEngine, nil)
	monitoringService.Register(models.SourcePoll, true)

	gov := governor.New(governor.Config{})
	gov.Register(models.SourcePoll, 100)

	jobs := &fakeJobs{
		jobs: []scheduler.JobStatus{
			{Name: scheduler.JobClassify},
			{Name: models.SourceFeed},
			{Name: models.SourcePoll},
		},
		running: map[string]bool{},
	}

	blobs, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, blobs.Store(context.Background(), "checkpoints.json", []byte(`{}`)))

	h := NewHandlers(cfg, store, statsEngine, monitoringService, gov, jobs, nil).WithBlobs(blobs)
	h.now = func() time.Time { return testNow }

	return &fixture{store: store, jobs: jobs, router: h.Router()}
}

func (f *fixture) do(t *testing.T, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestListMentions(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		target string
		ids    []string
	}{
		{"Default brand", "/data", []string{"acme:t1_b", "acme:t3_a", "acme:t3_c"}},
		{"Brand", "/data?brand=globex", []string{"globex:t3_d"}},
		{"Neutral includes unclassified", "/data?brand=acme&sentiment=neutral", []string{"acme:t1_b"}},
		{"Sentiment", "/data?brand=acme&sentiment=negative", []string{"acme:t3_c"}},
		{"Date to covers the whole day", "/data?brand=acme&date_to=2024-06-03", []string{"acme:t3_a", "acme:t3_c"}},
		{"Date from", "/data?brand=acme&date_from=2024-06-03T00:00:00Z", []string{"acme:t1_b", "acme:t3_a"}},
		{"Subreddit substring", "/data?brand=acme&subreddit=AVE", []string{"acme:t1_b", "acme:t3_a", "acme:t3_c"}},
		{"Second page", "/data?brand=acme&per_page=2&page=2", []string{"acme:t3_c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, tt.target, "")
			require.Equal(t, http.StatusOK, rec.Code)

			var page storage.Page
			decode(t, rec, &page)

			ids := make([]string, 0, len(page.Results))
			for _, m := range page.Results {
				ids = append(ids, m.ID)
			}
			assert.Equal(t, tt.ids, ids)
		})
	}
}

func TestListMentions_Pagination(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/data?brand=acme&per_page=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var page storage.Page
	decode(t, rec, &page)
	assert.Equal(t, storage.Pagination{Page: 1, PerPage: 2, Total: 3, Pages: 2}, page.Pagination)
}

func TestListMentions_BadRequests(t *testing.T) {
	f := newFixture(t)

	for _, target := range []string{
		"/data?brand=initech",
		"/data?page=abc",
		"/data?per_page=-x",
		"/data?sentiment=mixed",
		"/data?date_from=yesterday",
	} {
		t.Run(target, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, target, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var errResp ErrorResponse
			decode(t, rec, &errResp)
			assert.NotEmpty(t, errResp.Error)
		})
	}
}

func TestDeleteMention(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/delete", `{"id":"acme:t3_a"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"deleted","id":"acme:t3_a"}`, rec.Body.String())

	// Idempotent, including unknown ids
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/delete", `{"id":"acme:t3_a"}`).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/delete", `{"id":"acme:t3_zzz"}`).Code)

	var page storage.Page
	decode(t, f.do(t, http.MethodGet, "/data?brand=acme", ""), &page)
	assert.Equal(t, 2, page.Pagination.Total)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/delete", `{"id":" "}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/delete", `not json`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodGet, "/delete", "").Code)
}

func TestStats(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/stats?brand=acme&tz_offset=0", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot models.Snapshot
	decode(t, rec, &snapshot)
	assert.Equal(t, "acme", snapshot.Brand)
	assert.Equal(t, models.TypeCounts{Posts: 0, Comments: 1}, snapshot.Daily)
	assert.Equal(t, models.TypeCounts{Posts: 2, Comments: 1}, snapshot.Total)
	assert.Equal(t, models.SentimentCounts{Positive: 1, Neutral: 1, Negative: 1}, snapshot.Sentiment)
	assert.Equal(t, 50, snapshot.Score)
	assert.Equal(t, map[string]int{"poll": 1, "stream": 1, "feed": 1}, snapshot.Sources)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/stats?tz_offset=abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/stats?brand=nope", "").Code)
}

func TestWeeklyMentions(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		target   string
		expected map[string]models.DayCount
	}{
		{
			target: "/weekly_mentions?brand=acme&tz=UTC",
			expected: map[string]models.DayCount{
				"2024-06-03": {Total: 1, Posts: 1},
				"2024-06-05": {Total: 1, Comments: 1},
			},
		},
		{
			target: "/weekly_mentions?brand=acme&tz=UTC&week_offset=-1",
			expected: map[string]models.DayCount{
				"2024-06-01": {Total: 1, Posts: 1},
			},
		},
		{
			target:   "/weekly_mentions?brand=acme&week_offset=1",
			expected: map[string]models.DayCount{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, tt.target, "")
			require.Equal(t, http.StatusOK, rec.Code)

			var days map[string]models.DayCount
			decode(t, rec, &days)
			assert.Equal(t, tt.expected, days)
		})
	}

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/weekly_mentions?tz=Mars/Olympus", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/weekly_mentions?week_offset=x", "").Code)
}

func TestCompare(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/compare", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshots []models.Snapshot
	decode(t, rec, &snapshots)
	require.Len(t, snapshots, 2)
	assert.Equal(t, "acme", snapshots[0].Brand)
	assert.Equal(t, "globex", snapshots[1].Brand)
	assert.Equal(t, 50, snapshots[1].Score)

	rec = f.do(t, http.MethodGet, "/compare?brands=globex", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &snapshots)
	require.Len(t, snapshots, 1)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/compare?brands=acme,initech", "").Code)
}

func TestTrendingSubreddits(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/trending_subreddits?brand=acme&days=30", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var trends []models.SubredditTrend
	decode(t, rec, &trends)
	require.Len(t, trends, 1)
	assert.Equal(t, "aves", trends[0].Subreddit)
	assert.Equal(t, 3, trends[0].MentionCount)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/trending_subreddits?days=week", "").Code)
}

func TestExportCSV(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/export?brand=acme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=acme_mentions_20240605.csv", rec.Header().Get("Content-Disposition"))

	records, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, exportColumns, records[0])
	assert.Equal(t, []string{
		"acme:t1_b", "acme", "comment", "about acme", "loved it, would buy again",
		"https://www.reddit.com/r/aves/comments/t1_b", "2024-06-05T09:00:00Z", "aves",
		"raver", "7", "neutral", "stream",
	}, records[1])

	rec = f.do(t, http.MethodGet, "/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	records, err = csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 5)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/export?format=pdf", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/export?brand=initech", "").Code)
}

func TestExportXLSX(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/export?brand=acme&format=xlsx", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "attachment; filename=acme_mentions_20240605.xlsx", rec.Header().Get("Content-Disposition"))

	book, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer book.Close()

	rows, err := book.GetRows(exportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, exportColumns, rows[0])
	assert.Equal(t, "acme:t1_b", rows[1][0])
	assert.Equal(t, "7", rows[1][9])
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "2024-06-05T12:00:00Z", body.Timestamp)

	require.NoError(t, f.store.Close())
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/health", "").Code)
}

func TestSystemStatus(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/system_status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]json.RawMessage
	decode(t, rec, &body)
	for _, key := range []string{"store", "adapters", "admission", "rate_governor", "jobs", "brands", "subreddits", "blobs"} {
		assert.Contains(t, body, key)
	}
	assert.NotContains(t, body, "sentiment")

	var storeStatus storage.Status
	require.NoError(t, json.Unmarshal(body["store"], &storeStatus))
	assert.Equal(t, 4, storeStatus.TotalMentions)
	assert.Equal(t, 2, storeStatus.TotalBrands)
	assert.Equal(t, 2, storeStatus.Unclassified)

	var adapters []monitoring.AdapterHealth
	require.NoError(t, json.Unmarshal(body["adapters"], &adapters))
	require.Len(t, adapters, 1)
	assert.Equal(t, models.SourcePoll, adapters[0].Name)

	var blobNames []string
	require.NoError(t, json.Unmarshal(body["blobs"], &blobNames))
	assert.Equal(t, []string{"checkpoints.json"}, blobNames)
}

func TestTrigger(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/trigger", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{models.SourceFeed, models.SourcePoll}, f.jobs.triggered)

	f.jobs.triggered = nil
	rec = f.do(t, http.MethodPost, "/trigger?job=classify", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{scheduler.JobClassify}, f.jobs.triggered)

	f.jobs.running[scheduler.JobClassify] = true
	rec = f.do(t, http.MethodPost, "/trigger?job=classify", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"message":"Jobs triggered","triggered":[]}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/trigger?job=nope", "").Code)
}
