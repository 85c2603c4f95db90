package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"provisioning-queue/internal/database"
	"provisioning-queue/internal/models"
	"provisioning-queue/internal/ratelimit"
	"provisioning-queue/internal/websocket"

	"github.com/go-logr/logr/testr"
	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []models.QueueEvent
}

func (l *eventLog) Notify(_ context.Context, ev models.QueueEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []models.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.EventKind
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fixture struct {
	db     *database.DB
	events *eventLog
	srv    *httptest.Server
}

func newFixture(t *testing.T, rl *ratelimit.RateLimiter) *fixture {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "queue.db") + "?_busy_timeout=5000"
	db, err := database.New(context.Background(), database.DriverSQLite, dsn, database.Options{})
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(context.Background()))
	t.Cleanup(func() { _ = db.Close() })

	log := testr.New(t)
	evs := &eventLog{}
	server := NewServer(db, websocket.New(db, log), rl, evs, log)
	srv := httptest.NewServer(server.Routes())
	t.Cleanup(srv.Close)
	return &fixture{db: db, events: evs, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header http.Header) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestEnqueue(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/queue", map[string]any{
		"name":       "survival",
		"type":       "minecraft",
		"attributes": map[string]any{"egg": 5, "limits": map[string]any{"memory": 2048}},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	item := decode[models.QueueItem](t, resp)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, models.StatusPending, item.Status)
	assert.Equal(t, 0, item.Attempts)

	stored, err := f.db.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"egg":5,"limits":{"memory":2048}}`, string(stored.Attributes))
	assert.Equal(t, []models.EventKind{models.EventEnqueued}, f.events.kinds())
}

func TestEnqueue_Validation(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/queue", map[string]any{"name": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", decode[apiError](t, resp).Code)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/queue", strings.NewReader("{not json"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/queue", map[string]any{"name": "x", "type": "t", "attributes": []int{1}}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEnqueue_RateLimited(t *testing.T) {
	f := newFixture(t, ratelimit.New(0.001, 2))
	body := map[string]any{"name": "srv", "type": "minecraft"}
	hdr := http.Header{clientIDHeader: []string{"checkout"}}

	assert.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/queue", body, hdr).StatusCode)
	assert.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/queue", body, hdr).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodPost, "/api/queue", body, hdr).StatusCode)

	other := http.Header{clientIDHeader: []string{"admin"}}
	assert.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/queue", body, other).StatusCode)
}

func TestGetAndDeleteItem(t *testing.T) {
	f := newFixture(t, nil)
	item, err := f.db.Enqueue(context.Background(), "srv", "minecraft", nil)
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/api/queue/"+item.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, item.ID, decode[models.QueueItem](t, resp).ID)

	resp = f.do(t, http.MethodDelete, "/api/queue/"+item.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/queue/"+item.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/queue/"+item.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Equal(t, []models.EventKind{models.EventDeleted}, f.events.kinds())
}

func TestListItems(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, err := f.db.Enqueue(ctx, "a", "minecraft", nil)
	require.NoError(t, err)
	_, err = f.db.Enqueue(ctx, "b", "minecraft", nil)
	require.NoError(t, err)

	claimed, err := f.db.MarkProcessing(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, f.db.MarkFailed(ctx, a.ID, []byte(`{"errors":[]}`)))

	resp := f.do(t, http.MethodGet, "/api/queue", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]models.QueueItem](t, resp), 2)

	resp = f.do(t, http.MethodGet, "/api/queue?status=failed", nil, nil)
	failed := decode[[]models.QueueItem](t, resp)
	require.Len(t, failed, 1)
	assert.Equal(t, a.ID, failed[0].ID)

	resp = f.do(t, http.MethodGet, "/api/queue?limit=1", nil, nil)
	assert.Len(t, decode[[]models.QueueItem](t, resp), 1)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/queue?status=done", nil, nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/queue?limit=-3", nil, nil).StatusCode)
}

func TestListExhaustedAndStats(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	item, err := f.db.Enqueue(ctx, "doomed", "minecraft", nil)
	require.NoError(t, err)
	for i := 0; i < models.MaxAttempts; i++ {
		claimed, err := f.db.MarkProcessing(ctx, item.ID)
		require.NoError(t, err)
		require.True(t, claimed)
		require.NoError(t, f.db.MarkFailed(ctx, item.ID, nil))
	}
	_, err = f.db.Enqueue(ctx, "fresh", "minecraft", nil)
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/api/queue/exhausted", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	exhausted := decode[[]models.QueueItem](t, resp)
	require.Len(t, exhausted, 1)
	assert.Equal(t, item.ID, exhausted[0].ID)
	assert.Equal(t, models.MaxAttempts, exhausted[0].Attempts)

	resp = f.do(t, http.MethodGet, "/api/stats", nil, nil)
	stats := decode[models.QueueStats](t, resp)
	assert.Equal(t, int64(2), stats.TotalItems)
	assert.Equal(t, int64(1), stats.PendingItems)
	assert.Equal(t, int64(1), stats.FailedItems)
	assert.Equal(t, int64(1), stats.ExhaustedItems)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil, nil).StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", nil, nil).StatusCode)

	resp := f.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Content-Type"))

	require.NoError(t, f.db.Close())
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/readyz", nil, nil).StatusCode)
}

func TestWebSocketStream(t *testing.T) {
	f := newFixture(t, nil)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var snap websocket.Snapshot
	require.NoError(t, conn.ReadJSON(&snap))
	require.NotNil(t, snap.Stats)
	assert.Zero(t, snap.Stats.TotalItems)
}

type failingStore struct{ Store }

func (failingStore) Stats(context.Context) (*models.QueueStats, error) {
	return nil, errors.New("database is locked")
}

func TestGetStats_StoreError(t *testing.T) {
	log := testr.New(t)
	server := NewServer(failingStore{}, nil, nil, nil, log)
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCallerID(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/queue", nil)
	r.RemoteAddr = "10.0.0.7:51234"
	assert.Equal(t, "10.0.0.7", callerID(r))

	r.Header.Set(clientIDHeader, "checkout")
	assert.Equal(t, "checkout", callerID(r))
}
