package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"provisioning-queue/internal/archive"
	"provisioning-queue/internal/events"
	"provisioning-queue/internal/metrics"
	"provisioning-queue/internal/models"
	"provisioning-queue/internal/panel"
	"provisioning-queue/internal/retry"

	"github.com/go-logr/logr"
)

// Result is what one Process call did with an item.
type Result string

const (
	ResultSkipped    Result = "skipped"
	ResultCompleted  Result = "completed"
	ResultFailed     Result = "failed"
	ResultExhausted  Result = "exhausted"
	ResultStoreError Result = "store_error"
)

const (
	archiveTimeout = 10 * time.Second

	// Post-call writes outlive the run context: once the panel has answered,
	// the row must leave processing even if the process is shutting down.
	writeTimeout = 5 * time.Second
	writeRetries = 3
	writeDelay   = 250 * time.Millisecond
)

// Store is the part of the queue store a worker writes to.
type Store interface {
	MarkProcessing(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id, remoteID string, response []byte) error
	MarkFailed(ctx context.Context, id string, response []byte) error
	Get(ctx context.Context, id string) (*models.QueueItem, error)
}

// Provisioner creates the remote server for an item.
type Provisioner interface {
	CreateServer(ctx context.Context, attributes json.RawMessage) panel.Outcome
}

// Worker drives a single queue item through one attempt.
type Worker struct {
	id          int
	store       Store
	provisioner Provisioner
	log         logr.Logger
	notifier    events.Notifier
	archiver    archive.Archiver
	now         func() time.Time

	writeRetries int
	writeDelay   time.Duration
}

// Option configures a Worker.
type Option func(*Worker)

// WithID tags log lines with a worker id.
func WithID(id int) Option {
	return func(w *Worker) { w.id = id }
}

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(w *Worker) { w.log = log }
}

// WithNotifier sets where state changes are reported.
func WithNotifier(n events.Notifier) Option {
	return func(w *Worker) {
		if n != nil {
			w.notifier = n
		}
	}
}

// WithArchiver sets the completion archive.
func WithArchiver(a archive.Archiver) Option {
	return func(w *Worker) {
		if a != nil {
			w.archiver = a
		}
	}
}

// New creates a new worker
func New(store Store, provisioner Provisioner, opts ...Option) *Worker {
	w := &Worker{
		store:       store,
		provisioner: provisioner,
		log:         logr.Discard(),
		notifier:    events.Discard,
		archiver:    archive.Noop{},
		now:         time.Now,

		writeRetries: writeRetries,
		writeDelay:   writeDelay,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Process runs one attempt for item. Remote failures end up in the item's
// state and are never returned. A non-nil error means the store could not be
// written; the result is then ResultStoreError.
func (w *Worker) Process(ctx context.Context, item models.QueueItem) (Result, error) {
	result, err := w.process(ctx, item)
	metrics.RecordItemProcessed(string(result))
	return result, err
}

func (w *Worker) process(ctx context.Context, item models.QueueItem) (Result, error) {
	log := w.log.WithValues("item_id", item.ID, "worker_id", w.id)

	if !item.Eligible() {
		log.V(1).Info("SKIP", "status", item.Status, "attempts", item.Attempts)
		return ResultSkipped, nil
	}
	if ctx.Err() != nil {
		log.V(1).Info("SKIP", "reason", "run cancelled")
		return ResultSkipped, nil
	}

	claimed, err := w.store.MarkProcessing(ctx, item.ID)
	if err != nil {
		log.Error(err, "claim failed")
		return ResultStoreError, fmt.Errorf("claim %s: %w", item.ID, err)
	}
	if !claimed {
		// Another run holds it, or it is no longer eligible.
		log.V(1).Info("SKIP", "reason", "not claimable")
		return ResultSkipped, nil
	}
	attempts := item.Attempts + 1

	log.Info("START", "name", item.Name, "type", item.Type, "attempts", attempts)
	w.notify(ctx, models.EventProcessing, item.ID, attempts, "")

	started := w.now()
	outcome := w.provisioner.CreateServer(ctx, json.RawMessage(item.Attributes))
	metrics.RecordPanelCall(outcome.Success, panel.Reason(outcome.Err), w.now().Sub(started).Seconds())

	// From here on the attempt has happened; record it even if ctx is gone.
	wctx := context.WithoutCancel(ctx)
	if outcome.Success {
		return w.complete(wctx, log, item, attempts, outcome)
	}
	return w.fail(wctx, log, item, attempts, outcome)
}

func (w *Worker) complete(ctx context.Context, log logr.Logger, item models.QueueItem, attempts int, outcome panel.Outcome) (Result, error) {
	w.archive(ctx, log, item, attempts, outcome)

	err := w.write(ctx, func(ctx context.Context) error {
		return w.store.MarkCompleted(ctx, item.ID, outcome.RemoteID, outcome.Response)
	})
	if err != nil {
		// The server exists remotely but the row is stuck in processing.
		// Operators reconcile it by remote_id; it must not be retried.
		log.Error(err, "record completion failed", "remote_id", outcome.RemoteID, "attempts", attempts)
		return ResultStoreError, fmt.Errorf("complete %s (remote_id %s): %w", item.ID, outcome.RemoteID, err)
	}

	log.Info("FINISH", "status", models.StatusCompleted, "remote_id", outcome.RemoteID, "attempts", attempts)
	w.notify(ctx, models.EventCompleted, item.ID, attempts, outcome.RemoteID)
	return ResultCompleted, nil
}

func (w *Worker) fail(ctx context.Context, log logr.Logger, item models.QueueItem, attempts int, outcome panel.Outcome) (Result, error) {
	err := w.write(ctx, func(ctx context.Context) error {
		return w.store.MarkFailed(ctx, item.ID, outcome.Response)
	})
	if err != nil {
		log.Error(err, "record failure failed", "cause", outcome.Err, "attempts", attempts)
		return ResultStoreError, fmt.Errorf("fail %s: %w", item.ID, err)
	}

	// The selected snapshot can lag behind a concurrent run; the stored
	// counter is the one that decides exhaustion.
	rctx, cancel := context.WithTimeout(ctx, writeTimeout)
	current, err := w.store.Get(rctx, item.ID)
	cancel()
	if err != nil {
		log.V(1).Info("attempts re-read failed, using snapshot", "attempts", attempts, "error", err.Error())
	} else {
		attempts = current.Attempts
	}

	if attempts >= models.MaxAttempts {
		log.Error(outcome.Err, "EXHAUSTED", "attempts", attempts, "status_code", outcome.StatusCode,
			"reason", panel.Reason(outcome.Err))
		w.notify(ctx, models.EventExhausted, item.ID, attempts, "")
		return ResultExhausted, nil
	}

	log.Info("RETRY", "attempts", attempts, "max_attempts", models.MaxAttempts,
		"status_code", outcome.StatusCode, "reason", panel.Reason(outcome.Err), "error", outcome.Err)
	w.notify(ctx, models.EventFailed, item.ID, attempts, "")
	return ResultFailed, nil
}

// write runs a post-call state update with a bounded timeout per try. A
// conflict means the row already left processing, so it is not retried.
func (w *Worker) write(ctx context.Context, op func(ctx context.Context) error) error {
	return retry.WithExponentialBackoff(ctx, func() error {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		err := op(wctx)
		if errors.Is(err, models.ErrStateConflict) {
			return retry.Fatal(err)
		}
		return err
	}, retry.WithMaxRetries(w.writeRetries), retry.WithInitialDelay(w.writeDelay))
}

func (w *Worker) archive(ctx context.Context, log logr.Logger, item models.QueueItem, attempts int, outcome panel.Outcome) {
	actx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()

	err := w.archiver.Archive(actx, archive.Record{
		ID:          item.ID,
		Name:        item.Name,
		Type:        item.Type,
		RemoteID:    outcome.RemoteID,
		Attributes:  json.RawMessage(item.Attributes),
		Response:    outcome.Response,
		Attempts:    attempts,
		CompletedAt: w.now().UTC(),
	})
	if err != nil {
		log.Error(err, "archive failed", "remote_id", outcome.RemoteID)
	}
}

func (w *Worker) notify(ctx context.Context, kind models.EventKind, id string, attempts int, remoteID string) {
	w.notifier.Notify(ctx, models.QueueEvent{
		Kind:     kind,
		ItemID:   id,
		Attempts: attempts,
		RemoteID: remoteID,
		At:       w.now().UTC(),
	})
}
