package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"provisioning-queue/internal/database"
	"provisioning-queue/internal/models"
	"provisioning-queue/internal/panel"
	"provisioning-queue/internal/worker"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type provisionerFunc func(ctx context.Context, attributes json.RawMessage) panel.Outcome

func (f provisionerFunc) CreateServer(ctx context.Context, attributes json.RawMessage) panel.Outcome {
	return f(ctx, attributes)
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "queue.db") + "?_busy_timeout=5000"
	db, err := database.New(context.Background(), database.DriverSQLite, dsn, database.Options{})
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(context.Background()))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func enqueue(t *testing.T, db *database.DB, name string) *models.QueueItem {
	t.Helper()
	item, err := db.Enqueue(context.Background(), name, "minecraft", map[string]any{"name": name})
	require.NoError(t, err)
	return item
}

func created(id string) panel.Outcome {
	return panel.Outcome{
		Success:    true,
		RemoteID:   id,
		StatusCode: http.StatusCreated,
		Response:   json.RawMessage(`{"attributes":{"id":"` + id + `"}}`),
	}
}

func rejected() panel.Outcome {
	return panel.Outcome{
		StatusCode: http.StatusUnprocessableEntity,
		Response:   json.RawMessage(`{"errors":[{"code":"ValidationException"}]}`),
		Err:        &panel.Error{Op: "create server", StatusCode: http.StatusUnprocessableEntity},
	}
}

func newDispatcher(t *testing.T, store Store, db *database.DB, prov worker.Provisioner, cfg Config) *Dispatcher {
	t.Helper()
	w := worker.New(db, prov, worker.WithLogger(testr.New(t)))
	return New(store, w, cfg, testr.New(t))
}

func TestRunOnce_SuccessRemovesRow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	item := enqueue(t, db, "srv")

	prov := provisionerFunc(func(context.Context, json.RawMessage) panel.Outcome { return created("srv_42") })
	d := newDispatcher(t, db, db, prov, Config{})

	summary, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Selected: 1, Completed: 1}, summary)

	_, err = db.Get(ctx, item.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRunOnce_RetryCeilingAcrossRuns(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	item := enqueue(t, db, "srv")

	var calls atomic.Int32
	prov := provisionerFunc(func(context.Context, json.RawMessage) panel.Outcome {
		calls.Add(1)
		return rejected()
	})
	d := newDispatcher(t, db, db, prov, Config{})

	for run := 1; run <= models.MaxAttempts; run++ {
		summary, err := d.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Selected, "run %d", run)
	}

	summary, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Selected)

	eligible, err := db.SelectEligible(ctx)
	require.NoError(t, err)
	assert.Empty(t, eligible)

	stored, err := db.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MaxAttempts, stored.Attempts)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, int32(models.MaxAttempts), calls.Load())
}

func TestRunOnce_TimeoutThenSuccess(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	item := enqueue(t, db, "srv")

	var calls atomic.Int32
	prov := provisionerFunc(func(context.Context, json.RawMessage) panel.Outcome {
		if calls.Add(1) == 1 {
			return panel.Outcome{Err: &panel.Error{Op: "create server", Timeout: true, Err: context.DeadlineExceeded}}
		}
		return created("srv_2")
	})
	d := newDispatcher(t, db, db, prov, Config{})

	summary, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	stored, err := db.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, models.StatusFailed, stored.Status)

	summary, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)

	_, err = db.Get(ctx, item.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRunOnce_ItemFailureDoesNotAbortRun(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	enqueue(t, db, "ok-1")
	bad := enqueue(t, db, "bad")
	enqueue(t, db, "ok-2")

	prov := provisionerFunc(func(_ context.Context, attrs json.RawMessage) panel.Outcome {
		var a struct{ Name string }
		_ = json.Unmarshal(attrs, &a)
		if a.Name == "bad" {
			return rejected()
		}
		return created("srv_" + a.Name)
	})
	d := newDispatcher(t, db, db, prov, Config{Concurrency: 2})

	summary, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Selected)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 1, summary.Failed)

	remaining, err := db.ListByStatus(ctx, models.StatusFailed, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, bad.ID, remaining[0].ID)
}

// barrierStore holds every SelectEligible call until n runs have selected,
// so overlapping runs are guaranteed to see the same rows.
type barrierStore struct {
	*database.DB
	wg *sync.WaitGroup
}

func (s barrierStore) SelectEligible(ctx context.Context) ([]models.QueueItem, error) {
	items, err := s.DB.SelectEligible(ctx)
	s.wg.Done()
	s.wg.Wait()
	return items, err
}

func TestRunOnce_ConcurrentRunsClaimOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	item := enqueue(t, db, "srv")

	var calls atomic.Int32
	prov := provisionerFunc(func(context.Context, json.RawMessage) panel.Outcome {
		calls.Add(1)
		return created("srv_1")
	})

	var wg sync.WaitGroup
	wg.Add(2)
	store := barrierStore{DB: db, wg: &wg}
	a := newDispatcher(t, store, db, prov, Config{})
	b := newDispatcher(t, store, db, prov, Config{})

	var (
		mu        sync.Mutex
		summaries []Summary
		runs      sync.WaitGroup
	)
	for _, d := range []*Dispatcher{a, b} {
		d := d
		runs.Add(1)
		go func() {
			defer runs.Done()
			s, err := d.RunOnce(ctx)
			assert.NoError(t, err)
			mu.Lock()
			summaries = append(summaries, s)
			mu.Unlock()
		}()
	}
	runs.Wait()

	require.Len(t, summaries, 2)
	total := Summary{}
	for _, s := range summaries {
		assert.Equal(t, 1, s.Selected)
		total.Completed += s.Completed
		total.Skipped += s.Skipped
	}
	assert.Equal(t, 1, total.Completed)
	assert.Equal(t, 1, total.Skipped)
	assert.Equal(t, int32(1), calls.Load())

	_, err := db.Get(ctx, item.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRunOnce_ParksStaleProcessing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	item := enqueue(t, db, "srv")

	claimed, err := db.MarkProcessing(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	var calls atomic.Int32
	prov := provisionerFunc(func(context.Context, json.RawMessage) panel.Outcome {
		calls.Add(1)
		return created("srv_3")
	})
	d := newDispatcher(t, db, db, prov, Config{StaleAfter: time.Minute})
	d.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	summary, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Reaped: 1}, summary)
	assert.Zero(t, calls.Load())

	stored, err := db.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, stored.Exhausted())
}

// completionDown fails every MarkCompleted, as if the store went away right
// after the panel created the server.
type completionDown struct {
	*database.DB
}

func (completionDown) MarkCompleted(context.Context, string, string, []byte) error {
	return errors.New("connection refused")
}

func TestRunOnce_UnrecordedCompletionIsNeverResent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	item := enqueue(t, db, "srv")

	var calls atomic.Int32
	prov := provisionerFunc(func(context.Context, json.RawMessage) panel.Outcome {
		calls.Add(1)
		return created("srv_8")
	})
	w := worker.New(completionDown{DB: db}, prov, worker.WithLogger(testr.New(t)))
	d := New(db, w, Config{StaleAfter: time.Minute}, testr.New(t))

	summary, err := d.RunOnce(ctx)
	require.Error(t, err)
	assert.ErrorContains(t, err, "srv_8")
	assert.Equal(t, 1, summary.StoreErrors)

	d.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	summary, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Reaped)
	assert.Zero(t, summary.Selected)
	assert.Equal(t, int32(1), calls.Load())

	stored, err := db.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, stored.Exhausted())
}

// claimDown fails MarkProcessing for one item.
type claimDown struct {
	*database.DB
	id string
}

func (s claimDown) MarkProcessing(ctx context.Context, id string) (bool, error) {
	if id == s.id {
		return false, errors.New("connection refused")
	}
	return s.DB.MarkProcessing(ctx, id)
}

func TestRunOnce_WorkerStoreErrorFailsRun(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	broken := enqueue(t, db, "broken")
	healthy := enqueue(t, db, "healthy")

	prov := provisionerFunc(func(context.Context, json.RawMessage) panel.Outcome { return created("srv_2") })
	w := worker.New(claimDown{DB: db, id: broken.ID}, prov, worker.WithLogger(testr.New(t)))
	d := New(db, w, Config{}, testr.New(t))

	summary, err := d.RunOnce(ctx)
	require.Error(t, err)
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, Summary{Selected: 2, Completed: 1, StoreErrors: 1}, summary)

	_, err = db.Get(ctx, healthy.ID)
	assert.ErrorIs(t, err, models.ErrNotFound, "other items still run")
	stored, err := db.Get(ctx, broken.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
}

type failingStore struct {
	selectErr error
	reapErr   error
}

func (s failingStore) SelectEligible(context.Context) ([]models.QueueItem, error) {
	return nil, s.selectErr
}

func (s failingStore) ReapStale(context.Context, time.Time) (int64, error) { return 0, s.reapErr }

func (s failingStore) Stats(context.Context) (*models.QueueStats, error) {
	return nil, errors.New("unavailable")
}

type countingProcessor struct {
	calls atomic.Int32
}

func (p *countingProcessor) Process(context.Context, models.QueueItem) (worker.Result, error) {
	p.calls.Add(1)
	return worker.ResultCompleted, nil
}

func TestRunOnce_StoreErrorPropagates(t *testing.T) {
	selectErr := errors.New("connection refused")
	d := New(failingStore{selectErr: selectErr}, &countingProcessor{}, Config{}, testr.New(t))

	_, err := d.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, selectErr)

	reapErr := errors.New("disk I/O error")
	d = New(failingStore{reapErr: reapErr}, &countingProcessor{}, Config{StaleAfter: time.Hour}, testr.New(t))
	_, err = d.RunOnce(context.Background())
	assert.ErrorIs(t, err, reapErr)
}

type staticStore struct {
	items []models.QueueItem
}

func (s staticStore) SelectEligible(context.Context) ([]models.QueueItem, error) { return s.items, nil }

func (s staticStore) ReapStale(context.Context, time.Time) (int64, error) { return 0, nil }

func (s staticStore) Stats(context.Context) (*models.QueueStats, error) {
	return &models.QueueStats{}, nil
}

func TestRun_StopsOnCancel(t *testing.T) {
	proc := &countingProcessor{}
	store := staticStore{items: []models.QueueItem{{ID: "a", Status: models.StatusPending}}}
	d := New(store, proc, Config{Interval: 10 * time.Millisecond}, testr.New(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return proc.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_Defaults(t *testing.T) {
	d := New(staticStore{}, &countingProcessor{}, Config{}, testr.New(t))
	assert.Equal(t, DefaultInterval, d.cfg.Interval)
	assert.Equal(t, DefaultConcurrency, d.cfg.Concurrency)
}
