// Package app wires configuration into a running provisioner: store, panel
// client, notifiers, archive, dispatcher and the HTTP/gRPC servers.
package app

import (
	"context"
	"errors"
	"fmt"

	"provisioning-queue/internal/archive"
	"provisioning-queue/internal/config"
	"provisioning-queue/internal/database"
	"provisioning-queue/internal/dispatcher"
	"provisioning-queue/internal/events"
	"provisioning-queue/internal/metrics"
	"provisioning-queue/internal/models"
	"provisioning-queue/internal/panel"
	"provisioning-queue/internal/worker"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

// Runtime owns the long-lived dependencies of one process.
type Runtime struct {
	cfg      config.Config
	log      logr.Logger
	db       *database.DB
	redis    *redis.Client
	archiver archive.Archiver
}

// New opens the store and the optional Redis and archive backends.
func New(ctx context.Context, cfg config.Config, log logr.Logger) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := database.New(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN, database.Options{MaxOpenConns: cfg.DatabaseMaxConns})
	if err != nil {
		return nil, err
	}
	r := &Runtime{cfg: cfg, log: log, db: db, archiver: archive.Noop{}}

	if cfg.RedisURL != "" {
		client, err := events.Connect(ctx, cfg.RedisURL)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		r.redis = client
	}

	if cfg.ArchiveBucket != "" {
		a, err := archive.NewS3Archiver(ctx, archive.S3Config{
			Endpoint:  cfg.ArchiveEndpoint,
			Region:    cfg.ArchiveRegion,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			Bucket:    cfg.ArchiveBucket,
			Prefix:    cfg.ArchivePrefix,
			PathStyle: cfg.ArchivePathStyle,
		})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("configure archive: %w", err)
		}
		r.archiver = a
	}

	return r, nil
}

// Close releases every connection the runtime opened.
func (r *Runtime) Close() {
	if r.redis != nil {
		_ = r.redis.Close()
	}
	if r.db != nil {
		_ = r.db.Close()
	}
}

// Migrate creates or upgrades the queue schema.
func (r *Runtime) Migrate(ctx context.Context) error {
	if err := r.db.InitSchema(ctx); err != nil {
		return err
	}
	r.log.Info("schema ready", "driver", r.cfg.DatabaseDriver)
	return nil
}

// eventMetrics counts every event in the process where it happens; events
// relayed from Redis are not counted again.
var eventMetrics = events.NotifierFunc(func(_ context.Context, ev models.QueueEvent) {
	metrics.RecordQueueEvent(string(ev.Kind))
})

// publisher returns the cross-process notifier, or nil without Redis.
func (r *Runtime) publisher() events.Notifier {
	if r.redis == nil {
		return nil
	}
	return events.NewRedisPublisher(r.redis, r.cfg.RedisChannel, r.log.WithName("events"))
}

// NewDispatcher builds a dispatcher whose workers call the configured panel
// and report to notifier (nil for none).
func (r *Runtime) NewDispatcher(notifier events.Notifier) (*dispatcher.Dispatcher, error) {
	if err := r.cfg.ValidatePanel(); err != nil {
		return nil, err
	}
	client := panel.NewClient(r.cfg.PanelURL, r.cfg.PanelAPIKey, panel.WithTimeout(r.cfg.PanelTimeout))
	w := worker.New(r.db, client,
		worker.WithLogger(r.log.WithName("worker")),
		worker.WithNotifier(notifier),
		worker.WithArchiver(r.archiver),
	)
	return dispatcher.New(r.db, w, dispatcher.Config{
		Interval:    r.cfg.DispatchInterval,
		Concurrency: r.cfg.DispatchConcurrency,
		StaleAfter:  r.cfg.StaleAfter,
	}, r.log.WithName("dispatcher")), nil
}

// Dispatch performs one dispatcher run. Only store failures are returned.
func (r *Runtime) Dispatch(ctx context.Context) (dispatcher.Summary, error) {
	d, err := r.NewDispatcher(events.Multi{r.publisher(), eventMetrics})
	if err != nil {
		return dispatcher.Summary{}, err
	}
	return d.RunOnce(ctx)
}

// Enqueue adds an item from the admin CLI.
func (r *Runtime) Enqueue(ctx context.Context, req models.EnqueueRequest) (*models.QueueItem, error) {
	if req.Name == "" || req.Type == "" {
		return nil, errors.New("name and type are required")
	}
	item, err := r.db.Enqueue(ctx, req.Name, req.Type, req.Attributes)
	if err != nil {
		return nil, err
	}
	r.log.Info("SUBMIT", "item_id", item.ID, "name", item.Name, "type", item.Type, "caller", "cli")
	events.Multi{r.publisher(), eventMetrics}.Notify(ctx,
		models.QueueEvent{Kind: models.EventEnqueued, ItemID: item.ID, At: item.CreatedAt})
	return item, nil
}

// List returns items by status, or the exhausted ones.
func (r *Runtime) List(ctx context.Context, status models.Status, exhausted bool, limit int) ([]models.QueueItem, error) {
	if exhausted {
		return r.db.ListExhausted(ctx, limit)
	}
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	return r.db.ListByStatus(ctx, status, limit)
}
