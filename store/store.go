// Package store is the Store Adapter (spec §6): GORM-backed persistence for
// Run and Automation records, scoped by user, grounded on the teacher's
// internal/database.PoolManager connection-pool pattern and
// agent/persistence's common-error/retry idioms.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/AryanChopraa/autosurf-server-node/internal/database"
	"github.com/AryanChopraa/autosurf-server-node/model"
)

// Common errors, mirroring agent/persistence/store.go's shared error set.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// RetryConfig controls the write-retry behavior used by SaveRun, reusing the
// exponential-backoff shape from agent/persistence/store.go's RetryConfig.
type RetryConfig struct {
	MaxRetries         int
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	BackoffMultiplier  float64
}

// DefaultRetryConfig mirrors agent/persistence/store.go's conservative
// default: 3 retries, 1s/2s/4s backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second, BackoffMultiplier: 2.0}
}

func (c RetryConfig) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialBackoff
	}
	d := c.InitialBackoff
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * c.BackoffMultiplier)
		if d > c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return d
}

// runRow and automationRow are the GORM table shapes. Steps/Trace are stored
// as JSON columns — both are small, bounded, read-mostly-as-a-unit
// structures, so a JSON column avoids a join-heavy schema for no benefit.
type runRow struct {
	ID          string `gorm:"primaryKey"`
	UserID      string `gorm:"index"`
	Objective   string
	Status      string
	StepsJSON   string `gorm:"type:jsonb"`
	FinalAnswer string
	TraceJSON   string    `gorm:"type:jsonb"`
	StartedAt   time.Time
	CompletedAt *time.Time
}

func (runRow) TableName() string { return "runs" }

type automationRow struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	Name      string
	Objective string
	TraceJSON string `gorm:"type:jsonb"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (automationRow) TableName() string { return "automations" }

// Store is the Store Adapter.
type Store struct {
	pool   *database.PoolManager
	retry  RetryConfig
	logger *zap.Logger
}

// New wraps an already-connected pool. Call AutoMigrate or run the
// golang-migrate migrations in migrations/ before first use.
func New(pool *database.PoolManager, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, retry: DefaultRetryConfig(), logger: logger.With(zap.String("component", "store"))}
}

// AutoMigrate creates/updates the runs and automations tables. Production
// deployments should prefer the versioned migrations/ directory; this is the
// fast path for local development and tests.
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.pool.DB().WithContext(ctx).AutoMigrate(&runRow{}, &automationRow{})
}

// SaveRun upserts run, scoped to run.UserID, retrying transient failures per
// s.retry (agent/persistence/store.go's RetryConfig idiom).
func (s *Store) SaveRun(ctx context.Context, run *model.Run) error {
	row, err := toRunRow(run)
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retry.backoff(attempt - 1)):
			}
		}
		lastErr = s.pool.DB().WithContext(ctx).Save(row).Error
		if lastErr == nil {
			return nil
		}
		s.logger.Warn("save run failed, retrying", zap.String("run_id", run.ID), zap.Int("attempt", attempt), zap.Error(lastErr))
	}
	return fmt.Errorf("save run %s: %w", run.ID, lastErr)
}

// GetRun loads a Run scoped to userID.
func (s *Store) GetRun(ctx context.Context, userID, runID string) (*model.Run, error) {
	var row runRow
	err := s.pool.DB().WithContext(ctx).Where("id = ? AND user_id = ?", runID, userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRunRow(row)
}

// ListRuns returns every Run belonging to userID, most recent first.
func (s *Store) ListRuns(ctx context.Context, userID string) ([]*model.Run, error) {
	var rows []runRow
	if err := s.pool.DB().WithContext(ctx).Where("user_id = ?", userID).Order("started_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	runs := make([]*model.Run, 0, len(rows))
	for _, row := range rows {
		r, err := fromRunRow(row)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, nil
}

// SaveAutomation inserts or updates an Automation, scoped to its UserID.
func (s *Store) SaveAutomation(ctx context.Context, automation *model.Automation) error {
	row, err := toAutomationRow(automation)
	if err != nil {
		return err
	}
	return s.pool.DB().WithContext(ctx).Save(row).Error
}

// GetAutomation loads an Automation scoped to userID — the Replay Engine's
// AutomationLookup dependency.
func (s *Store) GetAutomation(ctx context.Context, userID, automationID string) (*model.Automation, error) {
	var row automationRow
	err := s.pool.DB().WithContext(ctx).Where("id = ? AND user_id = ?", automationID, userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromAutomationRow(row)
}

// ListAutomations returns every Automation belonging to userID.
func (s *Store) ListAutomations(ctx context.Context, userID string) ([]*model.Automation, error) {
	var rows []automationRow
	if err := s.pool.DB().WithContext(ctx).Where("user_id = ?", userID).Order("name").Find(&rows).Error; err != nil {
		return nil, err
	}
	automations := make([]*model.Automation, 0, len(rows))
	for _, row := range rows {
		a, err := fromAutomationRow(row)
		if err != nil {
			return nil, err
		}
		automations = append(automations, a)
	}
	return automations, nil
}

// DeleteAutomation removes automationID, scoped to userID.
func (s *Store) DeleteAutomation(ctx context.Context, userID, automationID string) error {
	res := s.pool.DB().WithContext(ctx).Where("id = ? AND user_id = ?", automationID, userID).Delete(&automationRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
