package analyzer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/liveness"
	"github.com/example/liveness-check/internal/posedetector"
)

// ErrStopped is returned by Submit once the analyzer has shut down.
var ErrStopped = errors.New("analyzer stopped")

// Sink receives one observation per analyzed frame.
type Sink interface {
	Observe(obs liveness.Observation)
}

// Analyzer runs pose detection on frames with a latest-only policy: at most one
// detection is in flight and at most one frame waits behind it. A newer frame
// replaces the waiting one, which is released unprocessed.
type Analyzer struct {
	detector posedetector.Detector
	sink     Sink
	logger   *zap.Logger

	mu      sync.Mutex
	pending posedetector.Frame
	stopped bool
	wake    chan struct{}
	dropped uint64
}

// New creates an analyzer. Call Run to start processing.
func New(detector posedetector.Detector, sink Sink, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		detector: detector,
		sink:     sink,
		logger:   logger.Named("analyzer"),
		wake:     make(chan struct{}, 1),
	}
}

// Submit hands a frame to the analyzer. It never blocks. The analyzer owns the
// frame from here on and releases it on every path, including when it is
// replaced by a newer frame or the analyzer is stopped.
func (a *Analyzer) Submit(frame posedetector.Frame) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		release(frame, a.logger)
		return ErrStopped
	}
	replaced := a.pending
	a.pending = frame
	var dropped uint64
	if replaced != nil {
		a.dropped++
		dropped = a.dropped
	}
	a.mu.Unlock()

	if replaced != nil {
		a.logger.Debug("frame replaced before analysis", zap.Uint64("dropped_total", dropped))
		release(replaced, a.logger)
	}
	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

// Dropped returns how many frames were replaced before being analyzed.
func (a *Analyzer) Dropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Run processes frames until ctx is done. Frames still waiting are released.
func (a *Analyzer) Run(ctx context.Context) {
	defer a.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.wake:
			a.mu.Lock()
			frame := a.pending
			a.pending = nil
			a.mu.Unlock()
			if frame != nil {
				a.process(ctx, frame)
			}
		}
	}
}

func (a *Analyzer) stop() {
	a.mu.Lock()
	a.stopped = true
	frame := a.pending
	a.pending = nil
	a.mu.Unlock()
	if frame != nil {
		release(frame, a.logger)
	}
}

// process runs detection on frame and releases it before the observation is
// handed to the sink.
func (a *Analyzer) process(ctx context.Context, frame posedetector.Frame) {
	obs := liveness.Observation{Frame: frame.Size()}
	faces, err := a.detect(ctx, frame)
	if err != nil {
		a.logger.Warn("pose detection failed, treating frame as no face",
			zap.Error(fmt.Errorf("%w: %v", posedetector.ErrDetection, err)))
	} else if len(faces) > 0 {
		face := faces[0]
		obs.Face = &face
	}
	a.sink.Observe(obs)
}

func (a *Analyzer) detect(ctx context.Context, frame posedetector.Frame) ([]liveness.FaceObservation, error) {
	defer release(frame, a.logger)
	return a.detector.Detect(ctx, frame)
}

func release(frame posedetector.Frame, logger *zap.Logger) {
	if err := frame.Close(); err != nil {
		logger.Warn("failed to release frame", zap.Error(err))
	}
}
