package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/example/liveness-check/internal/analyzer"
	"github.com/example/liveness-check/internal/liveness"
	"github.com/example/liveness-check/internal/logging"
	"github.com/example/liveness-check/internal/posedetector"
	"github.com/example/liveness-check/internal/repository"
)

type stubRepository struct {
	mu        sync.Mutex
	saved     []*repository.SessionResult
	saveErr   error
	findLog   *repository.SessionResult
	findErr   error
	findCalls int
	agg       *repository.MetricsAggregation
}

func (s *stubRepository) SaveResult(ctx context.Context, result *repository.SessionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, result)
	return s.saveErr
}

func (s *stubRepository) FindBySessionIDAndUser(ctx context.Context, sessionID, userID string) (*repository.SessionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.agg == nil {
		return &repository.MetricsAggregation{}, nil
	}
	return s.agg, nil
}

func (s *stubRepository) savedResults() []*repository.SessionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*repository.SessionResult(nil), s.saved...)
}

type stubCache struct {
	mu      sync.Mutex
	values  map[string]string
	setErrs []error
	getErrs []error
	setKeys []string
	deleted []string
}

func newStubCache() *stubCache {
	return &stubCache{values: make(map[string]string)}
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		return err
	}
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		return "", err
	}
	value, ok := s.values[key]
	if !ok {
		return "", redis.Nil
	}
	return value, nil
}

func (s *stubCache) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, key)
	delete(s.values, key)
	return nil
}

type stubDetector struct {
	faces []liveness.FaceObservation
}

func (d *stubDetector) Detect(ctx context.Context, frame posedetector.Frame) ([]liveness.FaceObservation, error) {
	return d.faces, nil
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

var (
	preview     = liveness.Size{Width: 1000, Height: 1000}
	centeredBox = liveness.Box{Left: 300, Top: 350, Right: 700, Bottom: 650}
)

// instantConfig completes a challenge on the first satisfying frame and has no deadline.
func instantConfig(directions ...liveness.Direction) liveness.Config {
	cfg := liveness.DefaultConfig()
	cfg.HoldDuration = 0
	cfg.SessionTimeout = 0
	cfg.Directions = directions
	return cfg
}

func newTestUseCase(repo *stubRepository, cache *stubCache, detector posedetector.Detector, cfg liveness.Config, opts Options) *LivenessUseCase {
	uc := NewLivenessUseCase(repo, cache, detector, cfg, opts, zap.NewNop())
	uc.initialBackoff = time.Millisecond
	uc.maxBackoff = 2 * time.Millisecond
	return uc
}

func observe(yaw, pitch float64) liveness.Observation {
	return liveness.Observation{
		Face:  &liveness.FaceObservation{BoundingBox: centeredBox, YawDegrees: yaw, PitchDegrees: pitch},
		Frame: preview,
	}
}

func TestSessionSuccessIsPersistedAndCached(t *testing.T) {
	repo, cache := &stubRepository{}, newStubCache()
	uc := newTestUseCase(repo, cache, nil, instantConfig(liveness.Left, liveness.Right), Options{})
	defer uc.Close()
	ctx := context.Background()

	view, err := uc.StartSession(ctx, "user-1", StartRequest{Preview: preview})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if view.Status.State != liveness.StateAwaitingPose || view.Status.Instruction != "Look Left" {
		t.Fatalf("unexpected initial status %+v", view.Status)
	}

	if _, err := uc.SubmitObservation(ctx, "user-1", view.SessionID, observe(30, 0)); err != nil {
		t.Fatalf("observe: %v", err)
	}
	status, err := uc.SubmitObservation(ctx, "user-1", view.SessionID, observe(-30, 0))
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if status.State != liveness.StateSuccess {
		t.Fatalf("expected success, got %s", status.State)
	}

	saved := repo.savedResults()
	if len(saved) != 1 || !saved[0].Passed || saved[0].PassedCount != 2 || saved[0].UserID != "user-1" {
		t.Fatalf("unexpected persisted results %+v", saved)
	}

	result, err := uc.GetResult(ctx, "user-1", view.SessionID)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if !result.Passed || len(result.Results) != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if repo.findCalls != 0 {
		t.Fatalf("expected cached result, repository queried %d times", repo.findCalls)
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	details, _ := json.Marshal([]liveness.ChallengeResult{{Challenge: liveness.NewChallenge(liveness.Left, 20), Passed: false}})
	repo := &stubRepository{findLog: &repository.SessionResult{
		SessionID:       "s-1",
		UserID:          "user-1",
		Reason:          "session_timeout",
		FailedDirection: "left",
		Details:         string(details),
	}}
	uc := newTestUseCase(repo, newStubCache(), nil, liveness.DefaultConfig(), Options{})

	result, err := uc.GetResult(context.Background(), "user-1", "s-1")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.Reason != liveness.ReasonSessionTimeout || result.FailedDirection != liveness.Left || len(result.Results) != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestGetResultUnknownSession(t *testing.T) {
	uc := newTestUseCase(&stubRepository{}, newStubCache(), nil, liveness.DefaultConfig(), Options{})

	if _, err := uc.GetResult(context.Background(), "user-1", "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionsAreScopedToOwner(t *testing.T) {
	uc := newTestUseCase(&stubRepository{}, newStubCache(), nil, instantConfig(liveness.Left), Options{})
	defer uc.Close()
	ctx := context.Background()

	view, err := uc.StartSession(ctx, "user-1", StartRequest{Preview: preview})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := uc.GetStatus(ctx, "user-2", view.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := uc.GetStatus(ctx, "user-1", "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCancelResetAndRestart(t *testing.T) {
	repo := &stubRepository{}
	uc := newTestUseCase(repo, newStubCache(), nil, instantConfig(liveness.Left), Options{})
	defer uc.Close()
	ctx := context.Background()

	view, _ := uc.StartSession(ctx, "user-1", StartRequest{Preview: preview})
	if _, err := uc.ResetSession(ctx, "user-1", view.SessionID); !errors.Is(err, liveness.ErrInvalidCommand) {
		t.Fatalf("expected reset of live session rejected, got %v", err)
	}

	status, err := uc.CancelSession(ctx, "user-1", view.SessionID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if status.State != liveness.StateFailed || status.Reason != liveness.ReasonCancelled {
		t.Fatalf("unexpected status after cancel %+v", status)
	}
	saved := repo.savedResults()
	if len(saved) != 1 || saved[0].Passed || saved[0].Reason != "cancelled" || saved[0].FailedDirection != "left" {
		t.Fatalf("unexpected persisted cancel %+v", saved)
	}

	if _, err := uc.ResetSession(ctx, "user-1", view.SessionID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	restarted, err := uc.RestartSession(ctx, "user-1", view.SessionID, liveness.Overrides{})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if restarted.Status.Generation <= saved[0].Generation {
		t.Fatalf("expected a new generation, got %d after %d", restarted.Status.Generation, saved[0].Generation)
	}
}

func TestSubmitFrameWithoutDetector(t *testing.T) {
	uc := newTestUseCase(&stubRepository{}, newStubCache(), nil, instantConfig(liveness.Left), Options{})
	defer uc.Close()
	ctx := context.Background()
	view, _ := uc.StartSession(ctx, "user-1", StartRequest{Preview: preview})

	released := 0
	frame := posedetector.NewBytesFrame([]byte("img"), preview, func() { released++ })
	if err := uc.SubmitFrame(ctx, "user-1", view.SessionID, frame); !errors.Is(err, ErrDetectorUnavailable) {
		t.Fatalf("expected ErrDetectorUnavailable, got %v", err)
	}
	if released != 1 {
		t.Fatalf("expected rejected frame released once, got %d", released)
	}
}

func TestSubmitFrameRunsDetection(t *testing.T) {
	repo := &stubRepository{}
	detector := &stubDetector{faces: []liveness.FaceObservation{{BoundingBox: centeredBox, YawDegrees: 30}}}
	uc := newTestUseCase(repo, newStubCache(), detector, instantConfig(liveness.Left), Options{})
	defer uc.Close()
	ctx := context.Background()
	view, _ := uc.StartSession(ctx, "user-1", StartRequest{Preview: preview})

	var mu sync.Mutex
	released := 0
	frame := posedetector.NewBytesFrame([]byte("img"), preview, func() {
		mu.Lock()
		released++
		mu.Unlock()
	})
	if err := uc.SubmitFrame(ctx, "user-1", view.SessionID, frame); err != nil {
		t.Fatalf("submit frame: %v", err)
	}

	releasedCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return released
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(repo.savedResults()) == 0 || releasedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session did not finish from detected frame")
		}
		time.Sleep(5 * time.Millisecond)
	}
	status, _ := uc.GetStatus(ctx, "user-1", view.SessionID)
	if status.State != liveness.StateSuccess {
		t.Fatalf("expected success, got %s", status.State)
	}
	if n := releasedCount(); n != 1 {
		t.Fatalf("expected frame released once, got %d", n)
	}
}

func TestSubmitFrameRejectionsReleaseFrame(t *testing.T) {
	detector := &stubDetector{}
	tests := []struct {
		name    string
		user    string
		session func(view *SessionView) string
		warmup  bool
		want    error
	}{
		{name: "rate limited", user: "user-1", session: func(v *SessionView) string { return v.SessionID }, warmup: true, want: ErrRateLimited},
		{name: "unknown session", user: "user-1", session: func(*SessionView) string { return "missing" }, want: ErrSessionNotFound},
		{name: "other user", user: "user-2", session: func(v *SessionView) string { return v.SessionID }, want: ErrSessionNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uc := newTestUseCase(&stubRepository{}, newStubCache(), detector, instantConfig(liveness.Left), Options{FrameRate: 1})
			defer uc.Close()
			ctx := context.Background()
			view, _ := uc.StartSession(ctx, "user-1", StartRequest{Preview: preview})

			if tt.warmup {
				warm := posedetector.NewBytesFrame([]byte("img"), preview, nil)
				if err := uc.SubmitFrame(ctx, "user-1", view.SessionID, warm); err != nil {
					t.Fatalf("first frame: %v", err)
				}
			}

			released := 0
			frame := posedetector.NewBytesFrame([]byte("img"), preview, func() { released++ })
			if err := uc.SubmitFrame(ctx, tt.user, tt.session(view), frame); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if released != 1 {
				t.Fatalf("expected rejected frame released once, got %d", released)
			}
		})
	}
}

func TestSubmitFrameAfterAnalyzerStopped(t *testing.T) {
	uc := newTestUseCase(&stubRepository{}, newStubCache(), &stubDetector{}, instantConfig(liveness.Left), Options{})
	defer uc.Close()
	ctx := context.Background()
	view, _ := uc.StartSession(ctx, "user-1", StartRequest{Preview: preview})

	stopped := analyzer.New(&stubDetector{}, nil, zap.NewNop())
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	stopped.Run(cancelled)
	uc.mu.Lock()
	uc.sessions[view.SessionID].analyzer = stopped
	uc.mu.Unlock()

	released := 0
	frame := posedetector.NewBytesFrame([]byte("img"), preview, func() { released++ })
	if err := uc.SubmitFrame(ctx, "user-1", view.SessionID, frame); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if released != 1 {
		t.Fatalf("expected frame released once, got %d", released)
	}
}

func TestGetResultLogsCorruptDetails(t *testing.T) {
	repo := &stubRepository{findLog: &repository.SessionResult{
		SessionID: "s-1",
		UserID:    "user-1",
		Passed:    true,
		Details:   "{not json",
	}}
	core, logs := observer.New(zapcore.WarnLevel)
	uc := NewLivenessUseCase(repo, newStubCache(), nil, liveness.DefaultConfig(), Options{}, zap.New(core))

	result, err := uc.GetResult(context.Background(), "user-1", "s-1")
	if err != nil {
		t.Fatalf("expected record returned, got error: %v", err)
	}
	if !result.Passed || result.Results != nil {
		t.Fatalf("unexpected result %+v", result)
	}
	if n := logs.FilterMessage("failed to decode stored challenge results").Len(); n != 1 {
		t.Fatalf("expected corrupt details logged once, got %d", n)
	}
}

func TestSubmitObservationRateLimited(t *testing.T) {
	uc := newTestUseCase(&stubRepository{}, newStubCache(), nil, instantConfig(liveness.Left), Options{FrameRate: 1})
	defer uc.Close()
	ctx := context.Background()
	view, _ := uc.StartSession(ctx, "user-1", StartRequest{Preview: preview})

	if _, err := uc.SubmitObservation(ctx, "user-1", view.SessionID, liveness.Observation{}); err != nil {
		t.Fatalf("first observation: %v", err)
	}
	if _, err := uc.SubmitObservation(ctx, "user-1", view.SessionID, liveness.Observation{}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestPurgeIdleCancelsAbandonedSessions(t *testing.T) {
	repo, cache := &stubRepository{}, newStubCache()
	uc := newTestUseCase(repo, cache, nil, instantConfig(liveness.Left), Options{IdleTTL: time.Minute})
	ctx := context.Background()
	view, _ := uc.StartSession(ctx, "user-1", StartRequest{Preview: preview})

	if n := uc.PurgeIdle(time.Now()); n != 0 {
		t.Fatalf("expected fresh session kept, purged %d", n)
	}
	if n := uc.PurgeIdle(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("expected 1 purged session, got %d", n)
	}
	if _, err := uc.GetStatus(ctx, "user-1", view.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected purged session gone, got %v", err)
	}
	saved := repo.savedResults()
	if len(saved) != 1 || saved[0].Reason != "cancelled" {
		t.Fatalf("expected abandoned session recorded as cancelled, got %+v", saved)
	}
	if len(cache.deleted) != 1 || cache.deleted[0] != sessionStateKey(view.SessionID) {
		t.Fatalf("expected session key dropped, got %v", cache.deleted)
	}
}

func TestStartSessionRetriesRedisSet(t *testing.T) {
	cache := newStubCache()
	cache.setErrs = []error{transientRedisError{}}
	uc := newTestUseCase(&stubRepository{}, cache, nil, instantConfig(liveness.Left), Options{})
	defer uc.Close()

	view, err := uc.StartSession(context.Background(), "user-1", StartRequest{Preview: preview})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(cache.setKeys) != 2 || cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected one retry on the same key, got %v", cache.setKeys)
	}
	if cache.values[sessionStateKey(view.SessionID)] != "user-1" {
		t.Fatal("expected session owner cached")
	}
}

func TestWithRedisRetryReturnsOperationError(t *testing.T) {
	uc := newTestUseCase(&stubRepository{}, newStubCache(), nil, liveness.DefaultConfig(), Options{})

	err := uc.withRedisRetry(context.Background(), "s-1", "cache.set.result", func() error {
		return errors.New("boom")
	})
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "cache.set.result" || opErr.SessionID != "s-1" {
		t.Fatalf("unexpected operation error %+v", opErr)
	}
}

func TestStartSessionRejectsInvalidPreview(t *testing.T) {
	uc := newTestUseCase(&stubRepository{}, newStubCache(), nil, liveness.DefaultConfig(), Options{})
	defer uc.Close()

	_, err := uc.StartSession(context.Background(), "user-1", StartRequest{Preview: liveness.Size{Width: -1, Height: 10}})
	if !errors.Is(err, liveness.ErrInvalidGeometry) {
		t.Fatalf("expected ErrInvalidGeometry, got %v", err)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	repo := &stubRepository{agg: &repository.MetricsAggregation{TotalCount: 4, PassedCount: 3, AverageDurationMs: 4200}}
	uc := newTestUseCase(repo, newStubCache(), nil, liveness.DefaultConfig(), Options{})

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if summary.PassRate != 0.75 || summary.AverageDurationMs != 4200 || summary.ActiveSessions != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}
