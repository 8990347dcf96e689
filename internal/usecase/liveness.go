package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/example/liveness-check/internal/analyzer"
	"github.com/example/liveness-check/internal/liveness"
	"github.com/example/liveness-check/internal/logging"
	"github.com/example/liveness-check/internal/posedetector"
	"github.com/example/liveness-check/internal/repository"
)

var (
	// ErrSessionNotFound is returned for unknown sessions or sessions owned by another user.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRateLimited is returned when a session submits frames faster than allowed.
	ErrRateLimited = errors.New("frame rate limit exceeded")
	// ErrDetectorUnavailable is returned for frame uploads when no pose detector is configured.
	ErrDetectorUnavailable = errors.New("pose detector unavailable")
)

// ResultRepository defines the persistence operations needed by the use case.
type ResultRepository interface {
	SaveResult(ctx context.Context, result *repository.SessionResult) error
	FindBySessionIDAndUser(ctx context.Context, sessionID, userID string) (*repository.SessionResult, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Options tunes the use case beyond the engine defaults.
type Options struct {
	FrameRate   float64
	IdleTTL     time.Duration
	ResultTTL   time.Duration
	EngineOpts  []liveness.Option
	EventBuffer int
}

// LivenessUseCase runs guided liveness sessions, one engine per session id.
type LivenessUseCase struct {
	repo     ResultRepository
	cache    Cache
	detector posedetector.Detector
	logger   *zap.Logger
	base     liveness.Config
	opts     Options

	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

type sessionEntry struct {
	id       string
	userID   string
	engine   *liveness.Engine
	analyzer *analyzer.Analyzer
	stop     context.CancelFunc
	limiter  *rate.Limiter
	lastSeen time.Time
}

// StartRequest carries the optional per-session settings given at start.
type StartRequest struct {
	Overrides liveness.Overrides
	Preview   liveness.Size
}

// SessionView is the client-facing state of a session.
type SessionView struct {
	SessionID string          `json:"session_id"`
	Status    liveness.Status `json:"status"`
}

// ResultView is the finalized outcome of a session attempt.
type ResultView struct {
	SessionID       string                     `json:"session_id"`
	UserID          string                     `json:"user_id"`
	Generation      uint64                     `json:"generation"`
	Passed          bool                       `json:"passed"`
	Reason          liveness.FailureReason     `json:"reason,omitempty"`
	FailedDirection liveness.Direction         `json:"failed_direction,omitempty"`
	ChallengeCount  int                        `json:"challenge_count"`
	PassedCount     int                        `json:"passed_count"`
	DurationMs      int64                      `json:"duration_ms"`
	Results         []liveness.ChallengeResult `json:"results"`
	StartedAt       time.Time                  `json:"started_at"`
	CompletedAt     time.Time                  `json:"completed_at"`
}

// NewLivenessUseCase constructs a new use case. detector may be nil, in which
// case clients must submit observations computed on the device.
func NewLivenessUseCase(repo ResultRepository, cache Cache, detector posedetector.Detector, base liveness.Config, opts Options, logger *zap.Logger) *LivenessUseCase {
	if opts.FrameRate <= 0 {
		opts.FrameRate = 60
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 10 * time.Minute
	}
	return &LivenessUseCase{
		repo:           repo,
		cache:          cache,
		detector:       detector,
		logger:         logger.Named("liveness_usecase"),
		base:           base,
		opts:           opts,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		sessions:       make(map[string]*sessionEntry),
	}
}

// StartSession creates a session for userID and starts its first attempt.
func (uc *LivenessUseCase) StartSession(ctx context.Context, userID string, req StartRequest) (*SessionView, error) {
	sessionID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.start_session", sessionID)

	entry := &sessionEntry{
		id:       sessionID,
		userID:   userID,
		limiter:  rate.NewLimiter(rate.Limit(uc.opts.FrameRate), max(int(uc.opts.FrameRate), 1)),
		lastSeen: time.Now(),
	}
	engineOpts := append([]liveness.Option{
		liveness.WithLogger(opLogger),
		liveness.WithTerminalHook(func(s liveness.Session) { uc.persist(sessionID, userID, s) }),
	}, uc.opts.EngineOpts...)
	if uc.opts.EventBuffer > 0 {
		engineOpts = append(engineOpts, liveness.WithEventBuffer(uc.opts.EventBuffer))
	}
	entry.engine = liveness.NewEngine(uc.base, engineOpts...)

	if req.Preview != (liveness.Size{}) {
		if err := entry.engine.SetPreview(req.Preview); err != nil {
			return nil, logging.NewOperationError("usecase.start_session", sessionID, err)
		}
	}
	if err := entry.engine.Start(req.Overrides); err != nil {
		return nil, logging.NewOperationError("usecase.start_session", sessionID, err)
	}

	if uc.detector != nil {
		runCtx, stop := context.WithCancel(context.Background())
		entry.stop = stop
		entry.analyzer = analyzer.New(uc.detector, entry.engine, opLogger)
		go entry.analyzer.Run(runCtx)
	}

	uc.mu.Lock()
	uc.sessions[sessionID] = entry
	uc.mu.Unlock()

	if err := uc.withRedisRetry(ctx, sessionID, "cache.set.session", func() error {
		return uc.cache.Set(ctx, sessionStateKey(sessionID), userID, uc.sessionTTL())
	}); err != nil {
		opLogger.Warn("failed to record session in cache", zap.Error(err))
	}

	opLogger.Info("liveness session started", zap.String("user_id", userID))
	return &SessionView{SessionID: sessionID, Status: entry.engine.Status()}, nil
}

// RestartSession starts a new attempt on a session that was reset to idle.
func (uc *LivenessUseCase) RestartSession(ctx context.Context, userID, sessionID string, overrides liveness.Overrides) (*SessionView, error) {
	entry, err := uc.lookup(userID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := entry.engine.Start(overrides); err != nil {
		return nil, logging.NewOperationError("usecase.restart_session", sessionID, err)
	}
	return &SessionView{SessionID: sessionID, Status: entry.engine.Status()}, nil
}

// SubmitFrame queues a camera frame for pose detection. The frame is always
// released, whether it is analyzed, replaced, or rejected.
func (uc *LivenessUseCase) SubmitFrame(ctx context.Context, userID, sessionID string, frame posedetector.Frame) error {
	entry, err := uc.lookup(userID, sessionID)
	if err != nil {
		_ = frame.Close()
		return err
	}
	if entry.analyzer == nil {
		_ = frame.Close()
		return ErrDetectorUnavailable
	}
	if !entry.limiter.Allow() {
		_ = frame.Close()
		return ErrRateLimited
	}
	if err := entry.analyzer.Submit(frame); err != nil {
		if errors.Is(err, analyzer.ErrStopped) {
			// purged or closed after lookup
			return ErrSessionNotFound
		}
		return logging.NewOperationError("usecase.submit_frame", sessionID, err)
	}
	return nil
}

// SubmitObservation feeds a detection made on the client device and returns the resulting status.
func (uc *LivenessUseCase) SubmitObservation(ctx context.Context, userID, sessionID string, obs liveness.Observation) (liveness.Status, error) {
	entry, err := uc.lookup(userID, sessionID)
	if err != nil {
		return liveness.Status{}, err
	}
	if !entry.limiter.Allow() {
		return liveness.Status{}, ErrRateLimited
	}
	entry.engine.Observe(obs)
	return entry.engine.Status(), nil
}

// SetViewport records new preview dimensions for a session.
func (uc *LivenessUseCase) SetViewport(ctx context.Context, userID, sessionID string, preview liveness.Size) (liveness.Status, error) {
	entry, err := uc.lookup(userID, sessionID)
	if err != nil {
		return liveness.Status{}, err
	}
	if err := entry.engine.SetPreview(preview); err != nil {
		return liveness.Status{}, logging.NewOperationError("usecase.set_viewport", sessionID, err)
	}
	return entry.engine.Status(), nil
}

// CancelSession fails the active attempt with the cancelled reason.
func (uc *LivenessUseCase) CancelSession(ctx context.Context, userID, sessionID string) (liveness.Status, error) {
	entry, err := uc.lookup(userID, sessionID)
	if err != nil {
		return liveness.Status{}, err
	}
	if err := entry.engine.Cancel(); err != nil {
		return liveness.Status{}, logging.NewOperationError("usecase.cancel_session", sessionID, err)
	}
	return entry.engine.Status(), nil
}

// ResetSession returns a finished session to idle.
func (uc *LivenessUseCase) ResetSession(ctx context.Context, userID, sessionID string) (liveness.Status, error) {
	entry, err := uc.lookup(userID, sessionID)
	if err != nil {
		return liveness.Status{}, err
	}
	if err := entry.engine.Reset(); err != nil {
		return liveness.Status{}, logging.NewOperationError("usecase.reset_session", sessionID, err)
	}
	return entry.engine.Status(), nil
}

// GetStatus returns the current state of a session.
func (uc *LivenessUseCase) GetStatus(ctx context.Context, userID, sessionID string) (liveness.Status, error) {
	entry, err := uc.lookup(userID, sessionID)
	if err != nil {
		return liveness.Status{}, err
	}
	return entry.engine.Status(), nil
}

// Subscribe streams engine events of a session to a renderer.
func (uc *LivenessUseCase) Subscribe(ctx context.Context, userID, sessionID string) (<-chan liveness.Event, func(), error) {
	entry, err := uc.lookup(userID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	events, cancel := entry.engine.Subscribe()
	return events, cancel, nil
}

// GetResult retrieves the latest finalized outcome from cache or persistence.
func (uc *LivenessUseCase) GetResult(ctx context.Context, userID, sessionID string) (*ResultView, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", sessionID)
	if cached, err := uc.withRedisGet(ctx, sessionID, "cache.get.result", resultKey(sessionID)); err == nil {
		var view ResultView
		if err := json.Unmarshal([]byte(cached), &view); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
		} else if view.UserID == userID {
			return &view, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	record, err := uc.repo.FindBySessionIDAndUser(ctx, sessionID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return viewFromRecord(record, opLogger), nil
}

// PurgeIdle cancels and forgets sessions not touched within the idle TTL.
func (uc *LivenessUseCase) PurgeIdle(now time.Time) int {
	if uc.opts.IdleTTL <= 0 {
		return 0
	}
	uc.mu.Lock()
	var stale []*sessionEntry
	for id, entry := range uc.sessions {
		if now.Sub(entry.lastSeen) > uc.opts.IdleTTL {
			stale = append(stale, entry)
			delete(uc.sessions, id)
		}
	}
	uc.mu.Unlock()

	for _, entry := range stale {
		if err := entry.engine.Cancel(); err != nil && !errors.Is(err, liveness.ErrInvalidCommand) {
			uc.logger.Warn("failed to cancel idle session", zap.String("session_id", entry.id), zap.Error(err))
		}
		uc.closeEntry(entry)
		if err := uc.cache.Del(context.Background(), sessionStateKey(entry.id)); err != nil {
			uc.logger.Warn("failed to drop session from cache", zap.String("session_id", entry.id), zap.Error(err))
		}
	}
	if len(stale) > 0 {
		uc.logger.Info("purged idle liveness sessions", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// RunJanitor purges idle sessions every interval until ctx is done.
func (uc *LivenessUseCase) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			uc.PurgeIdle(now)
		}
	}
}

// Close stops every session.
func (uc *LivenessUseCase) Close() {
	uc.mu.Lock()
	entries := make([]*sessionEntry, 0, len(uc.sessions))
	for id, entry := range uc.sessions {
		entries = append(entries, entry)
		delete(uc.sessions, id)
	}
	uc.mu.Unlock()
	for _, entry := range entries {
		uc.closeEntry(entry)
	}
}

func (uc *LivenessUseCase) closeEntry(entry *sessionEntry) {
	if entry.stop != nil {
		entry.stop()
	}
	entry.engine.Close()
}

func (uc *LivenessUseCase) activeCount() int {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return len(uc.sessions)
}

func (uc *LivenessUseCase) sessionTTL() time.Duration {
	if uc.opts.IdleTTL > 0 {
		return uc.opts.IdleTTL
	}
	return time.Hour
}

func (uc *LivenessUseCase) lookup(userID, sessionID string) (*sessionEntry, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	entry, ok := uc.sessions[sessionID]
	if !ok || entry.userID != userID {
		return nil, ErrSessionNotFound
	}
	entry.lastSeen = time.Now()
	return entry, nil
}

func (uc *LivenessUseCase) persist(sessionID, userID string, s liveness.Session) {
	opLogger := logging.WithOperation(uc.logger, "usecase.persist_result", sessionID)
	if s.Summary == nil {
		opLogger.Error("terminal session without summary", zap.String("state", string(s.State)))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	view := viewFromSession(sessionID, userID, s)
	details, err := json.Marshal(view.Results)
	if err != nil {
		opLogger.Error("failed to serialize challenge results", zap.Error(err))
		return
	}
	record := &repository.SessionResult{
		SessionID:       sessionID,
		UserID:          userID,
		Generation:      view.Generation,
		Passed:          view.Passed,
		Reason:          string(view.Reason),
		FailedDirection: string(view.FailedDirection),
		ChallengeCount:  view.ChallengeCount,
		PassedCount:     view.PassedCount,
		DurationMs:      view.DurationMs,
		Details:         string(details),
		StartedAt:       view.StartedAt,
		CompletedAt:     view.CompletedAt,
		CreatedAt:       time.Now().UTC(),
	}
	if err := uc.repo.SaveResult(ctx, record); err != nil {
		opLogger.Error("failed to persist session result", zap.Error(err))
	}

	serialized, err := json.Marshal(view)
	if err != nil {
		opLogger.Error("failed to serialize session result", zap.Error(err))
		return
	}
	if err := uc.withRedisRetry(ctx, sessionID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, resultKey(sessionID), string(serialized), uc.opts.ResultTTL)
	}); err != nil {
		opLogger.Error("failed to cache session result", zap.Error(err))
	}

	opLogger.Info("liveness session finished",
		zap.Bool("passed", view.Passed),
		zap.String("reason", string(view.Reason)),
		zap.Int("passed_count", view.PassedCount),
		zap.Int64("duration_ms", view.DurationMs))
}

func viewFromSession(sessionID, userID string, s liveness.Session) ResultView {
	summary := s.Summary
	view := ResultView{
		SessionID:      sessionID,
		UserID:         userID,
		Generation:     s.Generation,
		Passed:         summary.OverallPassed,
		Reason:         summary.Reason,
		ChallengeCount: summary.ChallengeCount,
		PassedCount:    summary.PassedCount(),
		DurationMs:     summary.Duration().Milliseconds(),
		Results:        summary.Results,
		StartedAt:      summary.StartedAt,
		CompletedAt:    summary.CompletedAt,
	}
	if summary.FailedChallenge != nil {
		view.FailedDirection = summary.FailedChallenge.Direction
	}
	return view
}

func viewFromRecord(r *repository.SessionResult, logger *zap.Logger) *ResultView {
	view := &ResultView{
		SessionID:       r.SessionID,
		UserID:          r.UserID,
		Generation:      r.Generation,
		Passed:          r.Passed,
		Reason:          liveness.FailureReason(r.Reason),
		FailedDirection: liveness.Direction(r.FailedDirection),
		ChallengeCount:  r.ChallengeCount,
		PassedCount:     r.PassedCount,
		DurationMs:      r.DurationMs,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
	}
	if r.Details != "" {
		if err := json.Unmarshal([]byte(r.Details), &view.Results); err != nil {
			logger.Warn("failed to decode stored challenge results", zap.Uint64("generation", r.Generation), zap.Error(err))
			view.Results = nil
		}
	}
	return view
}

func (uc *LivenessUseCase) withRedisRetry(ctx context.Context, sessionID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, sessionID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, sessionID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, redis.Nil) {
			return logging.NewOperationError(operation, sessionID, err)
		}
		if !repository.IsTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, sessionID, err)
		}
		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, fmt.Errorf("retries exhausted: %w", err))
}

func (uc *LivenessUseCase) withRedisGet(ctx context.Context, sessionID, operation, key string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, sessionID, operation, func() error {
		value, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
