package liveness

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stopper cancels a pending timer.
type Stopper interface {
	Stop() bool
}

// Clock abstracts time so timers can be driven by tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }

// Status is a read-only view of the engine's session.
type Status struct {
	State         State             `json:"state"`
	Generation    uint64            `json:"generation"`
	Index         int               `json:"index"`
	Total         int               `json:"total"`
	Current       *Challenge        `json:"current,omitempty"`
	Instruction   string            `json:"instruction,omitempty"`
	Challenges    []Challenge       `json:"challenges"`
	Results       []ChallengeResult `json:"results"`
	HoldStartedAt *time.Time        `json:"hold_started_at,omitempty"`
	Region        *TargetRegion     `json:"region,omitempty"`
	Reason        FailureReason     `json:"reason,omitempty"`
	Summary       *Summary          `json:"summary,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithRand sets the random source used to shuffle challenges.
func WithRand(r Rand) Option {
	return func(e *Engine) { e.rnd = r }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithEventBuffer sets the per-subscriber event buffer.
func WithEventBuffer(n int) Option {
	return func(e *Engine) { e.eventBuffer = n }
}

// WithTerminalHook registers fn to be called, outside the engine lock, every
// time a session reaches Success or Failed.
func WithTerminalHook(fn func(Session)) Option {
	return func(e *Engine) { e.onTerminal = fn }
}

// Engine runs one Machine cooperatively: every command, observation and timer
// callback is processed to completion under a single lock before the next.
type Engine struct {
	mu          sync.Mutex
	machine     *Machine
	clock       Clock
	rnd         Rand
	logger      *zap.Logger
	bus         *EventBus
	eventBuffer int
	timers      map[TimerKind]Stopper
	onTerminal  func(Session)
}

// NewEngine creates an idle engine with cfg as its base configuration.
func NewEngine(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		clock:       realClock{},
		logger:      zap.NewNop(),
		eventBuffer: 32,
		timers:      make(map[TimerKind]Stopper),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.machine = NewMachine(cfg, e.rnd)
	e.bus = NewEventBus(e.eventBuffer, func(ev Event) {
		e.logger.Warn("renderer event dropped", zap.String("type", string(ev.Type)), zap.Uint64("generation", ev.Generation))
	})
	return e
}

// Subscribe returns a stream of engine events and a func to stop it.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.bus.Subscribe()
}

// SetPreview updates the preview dimensions; the target region follows.
func (e *Engine) SetPreview(preview Size) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.machine.SetPreview(preview); err != nil {
		e.logger.Warn("target region unavailable", zap.Error(err))
		return err
	}
	return nil
}

// Start begins a session. It fails with ErrInvalidCommand unless the engine is idle.
func (e *Engine) Start(o Overrides) error {
	return e.run(func(now time.Time) (Step, error) {
		return e.machine.Start(now, o)
	})
}

// Observe processes one frame observation. Observations outside an active
// session are ignored. A zero At takes the face capture timestamp when it is
// set and not in the future, otherwise the engine clock.
func (e *Engine) Observe(obs Observation) {
	_ = e.run(func(now time.Time) (Step, error) {
		if obs.At.IsZero() {
			obs.At = now
			if obs.Face != nil && !obs.Face.Timestamp.IsZero() && !obs.Face.Timestamp.After(now) {
				obs.At = obs.Face.Timestamp
			}
		}
		step := e.machine.Observe(obs)
		if step.GeometryErr != nil {
			e.logger.Debug("containment skipped", zap.Error(step.GeometryErr))
		}
		return step, nil
	})
}

// Cancel fails the active session with ReasonCancelled.
func (e *Engine) Cancel() error {
	return e.run(func(now time.Time) (Step, error) {
		return e.machine.Cancel(now)
	})
}

// Reset returns a terminal session to Idle and drops its pending timers.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.machine.Reset(); err != nil {
		return err
	}
	e.stopTimers()
	return nil
}

// Status returns a snapshot of the current session.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status()
}

// Close stops all timers and closes event subscriptions.
func (e *Engine) Close() {
	e.mu.Lock()
	e.stopTimers()
	e.mu.Unlock()
	e.bus.Close()
}

func (e *Engine) run(fn func(now time.Time) (Step, error)) error {
	e.mu.Lock()
	step, err := fn(e.clock.Now())
	if err != nil {
		e.mu.Unlock()
		return err
	}
	terminal := e.apply(step)
	var session Session
	if terminal {
		session = e.machine.Session()
	}
	e.mu.Unlock()

	if terminal && e.onTerminal != nil {
		e.onTerminal(session)
	}
	return nil
}

func (e *Engine) fire(t Timer) {
	_ = e.run(func(now time.Time) (Step, error) {
		return e.machine.Fire(t, now), nil
	})
}

// apply arms requested timers and publishes events. It reports whether the
// step ended the session.
func (e *Engine) apply(step Step) bool {
	now := e.clock.Now()
	for _, t := range step.Timers {
		if prev, ok := e.timers[t.Kind]; ok {
			prev.Stop()
		}
		t := t
		e.timers[t.Kind] = e.clock.AfterFunc(max(t.Due.Sub(now), 0), func() { e.fire(t) })
	}

	terminal := false
	for _, ev := range step.Events {
		if ev.Type == EventSessionSucceeded || ev.Type == EventSessionFailed {
			terminal = true
		}
		e.logger.Debug("liveness event",
			zap.String("type", string(ev.Type)),
			zap.Uint64("generation", ev.Generation),
			zap.Int("index", ev.Index))
	}
	if terminal {
		e.stopTimers()
	}
	e.bus.Publish(step.Events...)
	return terminal
}

func (e *Engine) stopTimers() {
	for kind, t := range e.timers {
		t.Stop()
		delete(e.timers, kind)
	}
}

func (e *Engine) status() Status {
	s := e.machine.Session()
	st := Status{
		State:      s.State,
		Generation: s.Generation,
		Index:      s.Index,
		Total:      len(s.Challenges),
		Challenges: s.Challenges,
		Results:    s.Results,
		Reason:     s.Reason,
		Summary:    s.Summary,
	}
	if s.Index < len(s.Challenges) && !s.State.Terminal() {
		c := s.Challenges[s.Index]
		st.Current = &c
		st.Instruction = c.Instruction()
	}
	if !s.HoldStartedAt.IsZero() {
		at := s.HoldStartedAt
		st.HoldStartedAt = &at
	}
	if region, ok := e.machine.Region(); ok {
		st.Region = &region
	}
	return st
}
