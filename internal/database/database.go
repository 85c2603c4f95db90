package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"provisioning-queue/internal/models"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const defaultListLimit = 100

// claimable are the statuses a worker may pick an item up from.
var claimable = []string{string(models.StatusPending), string(models.StatusFailed)}

// DB wraps the queue table with the store operations the dispatcher and
// workers rely on. It holds no business logic.
type DB struct {
	*gorm.DB
}

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns int
}

// New opens the queue store for the given driver.
func New(ctx context.Context, driver, dsn string, opts Options) (*DB, error) {
	cfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	}

	var (
		gdb *gorm.DB
		err error
	)
	switch driver {
	case DriverSQLite, "sqlite3":
		var sqlDB *sql.DB
		sqlDB, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("%w: open sqlite: %v", models.ErrStoreUnavailable, err)
		}
		// One connection serialises writers; sqlite would otherwise answer SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
		gdb, err = gorm.Open(sqlite.New(sqlite.Config{Conn: sqlDB}), cfg)
	case DriverPostgres:
		gdb, err = gorm.Open(postgres.Open(dsn), cfg)
		if err == nil && opts.MaxOpenConns > 0 {
			if sqlDB, dbErr := gdb.DB(); dbErr == nil {
				sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
				sqlDB.SetMaxIdleConns(opts.MaxOpenConns / 2)
				sqlDB.SetConnMaxIdleTime(15 * time.Minute)
				sqlDB.SetConnMaxLifetime(time.Hour)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}

	db := &DB{gdb}
	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// InitSchema creates or upgrades the queue table.
func (db *DB) InitSchema(ctx context.Context) error {
	if err := db.WithContext(ctx).AutoMigrate(&models.QueueItem{}); err != nil {
		return fmt.Errorf("migrate server_queue: %w", err)
	}
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_server_queue_eligible ON server_queue(status, attempts, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_server_queue_updated ON server_queue(status, updated_at)`,
	}
	for _, stmt := range indexes {
		if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Ping checks the store is reachable.
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Enqueue inserts a new pending item. Attributes are stored verbatim.
func (db *DB) Enqueue(ctx context.Context, name, typ string, attributes map[string]any) (*models.QueueItem, error) {
	if attributes == nil {
		attributes = map[string]any{}
	}
	raw, err := json.Marshal(attributes)
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}

	now := time.Now().UTC()
	item := &models.QueueItem{
		ID:         uuid.NewString(),
		Name:       name,
		Type:       typ,
		Status:     models.StatusPending,
		Attributes: datatypes.JSON(raw),
		Attempts:   0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := db.WithContext(ctx).Create(item).Error; err != nil {
		return nil, fmt.Errorf("insert queue item: %w", err)
	}
	return item, nil
}

// SelectEligible returns pending or retryable failed items in FIFO order.
func (db *DB) SelectEligible(ctx context.Context) ([]models.QueueItem, error) {
	var items []models.QueueItem
	err := db.WithContext(ctx).
		Where("status IN ?", claimable).
		Where("attempts < ?", models.MaxAttempts).
		Order("created_at ASC").
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("select eligible items: %w", err)
	}
	return items, nil
}

// MarkProcessing claims an item and counts the attempt. The update only
// applies while the row is still claimable, so of two overlapping runs
// exactly one gets true back.
func (db *DB) MarkProcessing(ctx context.Context, id string) (bool, error) {
	res := db.WithContext(ctx).
		Model(&models.QueueItem{}).
		Where("id = ?", id).
		Where("status IN ?", claimable).
		Where("attempts < ?", models.MaxAttempts).
		Updates(map[string]any{
			"status":     string(models.StatusProcessing),
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("mark processing %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkCompleted records the remote id and response, then deletes the row in
// the same transaction.
func (db *DB) MarkCompleted(ctx context.Context, id, remoteID string, response []byte) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.QueueItem{}).
			Where("id = ?", id).
			Where("status = ?", string(models.StatusProcessing)).
			Updates(map[string]any{
				"status":        string(models.StatusCompleted),
				"remote_id":     remoteID,
				"last_response": jsonOrNil(response),
				"updated_at":    time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("mark completed %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("mark completed %s: %w", id, models.ErrStateConflict)
		}
		if err := tx.Where("id = ?", id).Delete(&models.QueueItem{}).Error; err != nil {
			return fmt.Errorf("delete completed %s: %w", id, err)
		}
		return nil
	})
}

// MarkFailed moves a processing item to failed. The previous last_response
// is kept when no response is available for this attempt.
func (db *DB) MarkFailed(ctx context.Context, id string, response []byte) error {
	updates := map[string]any{
		"status":     string(models.StatusFailed),
		"updated_at": time.Now().UTC(),
	}
	if len(response) > 0 {
		updates["last_response"] = datatypes.JSON(response)
	}

	res := db.WithContext(ctx).
		Model(&models.QueueItem{}).
		Where("id = ?", id).
		Where("status = ?", string(models.StatusProcessing)).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("mark failed %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("mark failed %s: %w", id, models.ErrStateConflict)
	}
	return nil
}

// reapedResponse is stored on parked items. The panel may or may not have
// created the server before the worker died.
var reapedResponse = datatypes.JSON(`{"error":"abandoned in processing","action":"check the panel for a server created from this item, then delete or re-enqueue it"}`)

// ReapStale parks items left in processing since before cutoff, which only
// happens when a worker died mid-call or could not record its outcome. They
// become failed with no attempts left, so they show up as exhausted and are
// never sent to the panel again without an operator.
func (db *DB) ReapStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&models.QueueItem{}).
		Where("status = ?", string(models.StatusProcessing)).
		Where("updated_at < ?", cutoff.UTC()).
		Updates(map[string]any{
			"status":        string(models.StatusFailed),
			"attempts":      models.MaxAttempts,
			"last_response": reapedResponse,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("reap stale items: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Delete removes an item.
func (db *DB) Delete(ctx context.Context, id string) error {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(&models.QueueItem{})
	if res.Error != nil {
		return fmt.Errorf("delete %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// Get retrieves an item by its ID
func (db *DB) Get(ctx context.Context, id string) (*models.QueueItem, error) {
	var item models.QueueItem
	err := db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return &item, nil
}

// ListByStatus retrieves items, newest first, optionally filtered by status.
func (db *DB) ListByStatus(ctx context.Context, status models.Status, limit int) ([]models.QueueItem, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	q := db.WithContext(ctx).Model(&models.QueueItem{})
	if status != "" {
		q = q.Where("status = ?", string(status))
	}

	items := []models.QueueItem{}
	if err := q.Order("created_at DESC").Limit(limit).Find(&items).Error; err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

// ListExhausted returns failed items that used their whole retry budget.
// These need an operator.
func (db *DB) ListExhausted(ctx context.Context, limit int) ([]models.QueueItem, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	items := []models.QueueItem{}
	err := db.WithContext(ctx).
		Where("status = ?", string(models.StatusFailed)).
		Where("attempts >= ?", models.MaxAttempts).
		Order("updated_at DESC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("list exhausted items: %w", err)
	}
	return items, nil
}

// Stats retrieves queue counters
func (db *DB) Stats(ctx context.Context) (*models.QueueStats, error) {
	var rows []struct {
		Status   string
		Count    int64
		Attempts int64
	}
	err := db.WithContext(ctx).
		Model(&models.QueueItem{}).
		Select("status, COUNT(*) AS count, COALESCE(SUM(attempts), 0) AS attempts").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count items: %w", err)
	}

	stats := &models.QueueStats{}
	for _, r := range rows {
		stats.TotalItems += r.Count
		stats.TotalAttempts += r.Attempts
		switch models.Status(r.Status) {
		case models.StatusPending:
			stats.PendingItems = r.Count
		case models.StatusProcessing:
			stats.ProcessingItems = r.Count
		case models.StatusFailed:
			stats.FailedItems = r.Count
		}
	}

	err = db.WithContext(ctx).
		Model(&models.QueueItem{}).
		Where("status = ? AND attempts >= ?", string(models.StatusFailed), models.MaxAttempts).
		Count(&stats.ExhaustedItems).Error
	if err != nil {
		return nil, fmt.Errorf("count exhausted items: %w", err)
	}
	return stats, nil
}

func jsonOrNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return datatypes.JSON(b)
}
