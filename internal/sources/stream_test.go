package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/azure/brand-mentions-bot/internal/models"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamSource_Stream(t *testing.T) {
	messages := []string{
		`{"kind":"t1","data":{"id":"c9","body":"badinka restock!","author":"raver3","subreddit":"aves","permalink":"/r/aves/comments/q/_/c9/","created_utc":1717416000}}`,
		`not json`,
		`{"kind":"heartbeat"}`,
		`{"kind":"t3","data":{"id":"p9","title":"unrelated","subreddit":"aves","created_utc":1717416000}}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		for _, msg := range messages {
			if err := conn.Write(r.Context(), websocket.MessageText, []byte(msg)); err != nil {
				return
			}
		}
		conn.Close(websocket.StatusNormalClosure, "done")
	}))
	defer srv.Close()

	source := NewStreamSource(StreamConfig{URL: wsURL(srv), UserAgent: "test-agent"}, newTestMatcher(t), newTestGovernor())
	assert.Equal(t, models.SourceStream, source.GetName())
	assert.True(t, source.IsEnabled())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var emitted []models.Mention
	err := source.Stream(ctx, func(m models.Mention) { emitted = append(emitted, m) })
	assert.ErrorIs(t, err, ErrTransient)

	require.Len(t, emitted, 1)
	assert.Equal(t, "badinka:t1_c9", emitted[0].ID)
	assert.Equal(t, models.SourceStream, emitted[0].DiscoveredVia)
	assert.Equal(t, "https://www.reddit.com/r/aves/comments/q/_/c9/", emitted[0].Permalink)
}

func TestStreamSource_DialRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	gov := newTestGovernor()
	source := NewStreamSource(StreamConfig{URL: wsURL(srv)}, newTestMatcher(t), gov)

	err := source.Stream(context.Background(), func(models.Mention) {})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, gov.Snapshot()[models.SourceStream].RateLimitHits)
}

func TestStreamSource_ContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		_, _, _ = conn.Read(context.Background())
	}))
	defer srv.Close()

	source := NewStreamSource(StreamConfig{URL: wsURL(srv)}, newTestMatcher(t), newTestGovernor())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := source.Stream(ctx, func(models.Mention) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamSource_Disabled(t *testing.T) {
	source := NewStreamSource(StreamConfig{}, newTestMatcher(t), newTestGovernor())
	assert.False(t, source.IsEnabled())
}
