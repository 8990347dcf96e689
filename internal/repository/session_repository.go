package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/liveness-check/internal/logging"
)

// SessionResult is the persisted verdict of one finished liveness session.
type SessionResult struct {
	ID              uint      `gorm:"primaryKey"`
	SessionID       string    `gorm:"column:session_id;uniqueIndex:idx_session_generation;size:64"`
	UserID          string    `gorm:"column:user_id;index;size:64"`
	Generation      uint64    `gorm:"column:generation;uniqueIndex:idx_session_generation"`
	Passed          bool      `gorm:"column:passed"`
	Reason          string    `gorm:"column:reason;size:32"`
	FailedDirection string    `gorm:"column:failed_direction;size:16"`
	ChallengeCount  int       `gorm:"column:challenge_count"`
	PassedCount     int       `gorm:"column:passed_count"`
	DurationMs      int64     `gorm:"column:duration_ms"`
	Details         string    `gorm:"column:details;type:text"`
	StartedAt       time.Time `gorm:"column:started_at"`
	CompletedAt     time.Time `gorm:"column:completed_at"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (SessionResult) TableName() string {
	return "liveness_session_results"
}

// MetricsAggregation is the raw aggregate over persisted results.
type MetricsAggregation struct {
	TotalCount        int64
	PassedCount       int64
	AverageDurationMs float64
}

// SessionRepository persists finished session results.
type SessionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewSessionRepository creates a new repository instance.
func NewSessionRepository(db *gorm.DB, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{
		db:             db,
		logger:         logger.Named("session_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *SessionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&SessionResult{})
}

// SaveResult persists a finished session attempt. A session id may hold one
// result per generation, since a reset session can be started again.
func (r *SessionRepository) SaveResult(ctx context.Context, result *SessionResult) error {
	return r.executeWithRetry(ctx, "repository.save_result", result.SessionID, func() error {
		return r.db.WithContext(ctx).Create(result).Error
	})
}

// FindBySessionIDAndUser retrieves the latest result of a session owned by userID.
func (r *SessionRepository) FindBySessionIDAndUser(ctx context.Context, sessionID, userID string) (*SessionResult, error) {
	var result SessionResult
	err := r.executeWithRetry(ctx, "repository.find_result", sessionID, func() error {
		return r.db.WithContext(ctx).
			Where("session_id = ? AND user_id = ?", sessionID, userID).
			Order("generation DESC").
			First(&result).Error
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// AggregateMetrics computes pass counts and mean duration over all results.
func (r *SessionRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount        int64
		PassedCount       int64
		AverageDurationMs float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&SessionResult{}).
			Select("COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN passed THEN 1 ELSE 0 END), 0) AS passed_count, " +
				"COALESCE(AVG(duration_ms), 0) AS average_duration_ms").
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &MetricsAggregation{
		TotalCount:        row.TotalCount,
		PassedCount:       row.PassedCount,
		AverageDurationMs: row.AverageDurationMs,
	}, nil
}

func (r *SessionRepository) executeWithRetry(ctx context.Context, operation, sessionID string, fn func() error) error {
	opLogger := logging.WithOperation(r.logger, operation, sessionID)
	backoff := r.initialBackoff
	attempts := max(r.retryAttempts, 1)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return logging.NewOperationError(operation, sessionID, err)
		}
		if !IsTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, sessionID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, err)
}

// IsTransientError reports whether err looks like a timeout or temporary failure worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}
	return false
}
