// Package dispatcher turns the eligible rows of the queue into worker runs.
// It keeps no state between runs: two dispatchers, in one process or many,
// only meet in the store.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"provisioning-queue/internal/metrics"
	"provisioning-queue/internal/models"
	"provisioning-queue/internal/worker"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval    = time.Minute
	DefaultConcurrency = 1
)

// Store is the part of the queue store the dispatcher reads.
type Store interface {
	SelectEligible(ctx context.Context) ([]models.QueueItem, error)
	ReapStale(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (*models.QueueStats, error)
}

// Processor runs one attempt for an item.
type Processor interface {
	Process(ctx context.Context, item models.QueueItem) (worker.Result, error)
}

// Summary counts what a run did.
type Summary struct {
	Selected    int   `json:"selected"`
	Completed   int   `json:"completed"`
	Failed      int   `json:"failed"`
	Exhausted   int   `json:"exhausted"`
	Skipped     int   `json:"skipped"`
	StoreErrors int   `json:"store_errors"`
	Reaped      int64 `json:"reaped"`
}

func (s *Summary) add(r worker.Result) {
	switch r {
	case worker.ResultCompleted:
		s.Completed++
	case worker.ResultFailed:
		s.Failed++
	case worker.ResultExhausted:
		s.Exhausted++
	case worker.ResultSkipped:
		s.Skipped++
	case worker.ResultStoreError:
		s.StoreErrors++
	}
}

// Config tunes a Dispatcher.
type Config struct {
	Interval    time.Duration
	Concurrency int
	// StaleAfter is how long an item may sit in processing before it is
	// parked for an operator. Zero disables reaping. It must be well above
	// the panel call timeout.
	StaleAfter time.Duration
}

// Dispatcher selects eligible items and hands each to the processor.
type Dispatcher struct {
	store     Store
	processor Processor
	cfg       Config
	log       logr.Logger
	now       func() time.Time
}

// New creates a dispatcher.
func New(store Store, processor Processor, cfg Config, log logr.Logger) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Dispatcher{
		store:     store,
		processor: processor,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// RunOnce performs one dispatch pass. A failing item never aborts the run.
// Store failures are returned: a failure to read the queue stops the run, a
// failure to write an item's state is returned after the other items ran.
func (d *Dispatcher) RunOnce(ctx context.Context) (Summary, error) {
	started := d.now()
	summary, err := d.runOnce(ctx)

	result := "ok"
	if err != nil {
		result = "store_error"
	}
	metrics.RecordDispatchRun(result, summary.Selected, d.now().Sub(started).Seconds())
	d.recordQueueState(ctx)
	return summary, err
}

func (d *Dispatcher) runOnce(ctx context.Context) (Summary, error) {
	var summary Summary

	if d.cfg.StaleAfter > 0 {
		reaped, err := d.store.ReapStale(ctx, d.now().Add(-d.cfg.StaleAfter))
		if err != nil {
			return summary, fmt.Errorf("reap stale items: %w", err)
		}
		if reaped > 0 {
			d.log.Info("REAP", "items", reaped, "stale_after", d.cfg.StaleAfter.String())
			metrics.RecordStaleReaped(reaped)
		}
		summary.Reaped = reaped
	}

	items, err := d.store.SelectEligible(ctx)
	if err != nil {
		return summary, fmt.Errorf("select eligible items: %w", err)
	}
	summary.Selected = len(items)
	if len(items) == 0 {
		return summary, nil
	}

	var (
		mu       sync.Mutex
		storeErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, item := range items {
		item := item
		g.Go(func() error {
			r, err := d.processor.Process(gctx, item)
			mu.Lock()
			defer mu.Unlock()
			summary.add(r)
			if err != nil && storeErr == nil {
				storeErr = err
			}
			return nil
		})
	}
	_ = g.Wait()

	d.log.Info("DISPATCH", "selected", summary.Selected, "completed", summary.Completed,
		"failed", summary.Failed, "exhausted", summary.Exhausted, "skipped", summary.Skipped,
		"store_errors", summary.StoreErrors)

	if storeErr != nil {
		return summary, fmt.Errorf("store errors on %d of %d items: %w", summary.StoreErrors, summary.Selected, storeErr)
	}
	return summary, nil
}

// Run dispatches every interval until ctx is cancelled. Store failures are
// logged; the next tick is the retry.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started", "interval", d.cfg.Interval.String(), "concurrency", d.cfg.Concurrency)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.Error(err, "dispatch run failed")
		}

		select {
		case <-ctx.Done():
			d.log.Info("dispatcher shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) recordQueueState(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	stats, err := d.store.Stats(ctx)
	if err != nil {
		d.log.V(1).Info("queue stats unavailable", "error", err.Error())
		return
	}
	metrics.RecordQueueState(stats.PendingItems, stats.ProcessingItems, stats.FailedItems, stats.ExhaustedItems)
}
