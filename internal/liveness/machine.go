package liveness

import (
	"fmt"
	"time"
)

// State of a verification session.
type State string

const (
	StateIdle         State = "idle"
	StateStarted      State = "started"
	StateAwaitingPose State = "awaiting_pose"
	StatePoseHeld     State = "pose_held"
	StateSuccess      State = "success"
	StateFailed       State = "failed"
)

// Terminal reports whether no further input is consumed until reset.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

// TimerKind distinguishes the two deadlines a session can arm.
type TimerKind int

const (
	HoldTimer TimerKind = iota + 1
	SessionTimer
)

// Timer asks the runtime to call Machine.Fire at Due. Timers carry the session
// generation and, for holds, a token, so a stale timer firing late is a no-op.
type Timer struct {
	Kind       TimerKind
	Generation uint64
	Token      uint64
	Due        time.Time
}

// Step is what a single input produced.
type Step struct {
	Events []Event
	Timers []Timer
	// GeometryErr is set when containment could not be evaluated for the frame.
	GeometryErr error
}

// Session is the mutable record of the live verification attempt.
type Session struct {
	State              State
	Generation         uint64
	Config             Config
	Challenges         []Challenge
	Index              int
	Results            []ChallengeResult
	HoldStartedAt      time.Time
	ChallengeStartedAt time.Time
	StartedAt          time.Time
	PausedUntil        time.Time
	Retries            int
	Reason             FailureReason
	Summary            *Summary
}

// Machine is the verification state machine. It is not safe for concurrent use;
// Engine serializes access to it.
type Machine struct {
	base      Config
	rnd       Rand
	preview   Size
	region    TargetRegion
	regionErr error
	session   Session
	holdToken uint64
}

// NewMachine creates an idle machine. base is the configuration used when Start
// receives no overrides; rnd drives challenge shuffling.
func NewMachine(base Config, rnd Rand) *Machine {
	return &Machine{
		base:      base,
		rnd:       rnd,
		regionErr: fmt.Errorf("%w: preview size unknown", ErrInvalidGeometry),
		session:   Session{State: StateIdle},
	}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.session.State
}

// Session returns a copy of the session record.
func (m *Machine) Session() Session {
	s := m.session
	s.Challenges = append([]Challenge(nil), s.Challenges...)
	s.Results = append([]ChallengeResult(nil), s.Results...)
	s.Config = s.Config.Apply(Overrides{})
	return s
}

// Region returns the target region and whether it is currently usable.
func (m *Machine) Region() (TargetRegion, bool) {
	return m.region, m.regionErr == nil
}

// SetPreview records new preview dimensions and recomputes the target region.
func (m *Machine) SetPreview(preview Size) error {
	m.preview = preview
	return m.recomputeRegion()
}

func (m *Machine) recomputeRegion() error {
	cfg := m.base
	if m.session.State != StateIdle {
		cfg = m.session.Config
	}
	m.region, m.regionErr = NewTargetRegion(m.preview, cfg.TargetWidthFraction, cfg.TargetHeightFraction)
	return m.regionErr
}

// Start begins a new session with the base configuration changed by o. It is
// only legal from Idle; a live or terminal session must be reset first.
func (m *Machine) Start(now time.Time, o Overrides) (Step, error) {
	if m.session.State != StateIdle {
		return Step{}, fmt.Errorf("%w: start while %s", ErrInvalidCommand, m.session.State)
	}
	cfg := m.base.Apply(o)
	if err := cfg.Validate(); err != nil {
		return Step{}, err
	}

	seq := NewSequencer(cfg.Directions, cfg.ThresholdDegrees, m.rnd)
	m.session = Session{
		State:      StateStarted,
		Generation: m.session.Generation + 1,
		Config:     cfg,
		Challenges: seq.BuildSequence(cfg.RandomizeOrder, cfg.IncludeBaseline),
		StartedAt:  now,
	}
	m.holdToken++
	_ = m.recomputeRegion()

	var step Step
	if cfg.SessionTimeout > 0 {
		step.Timers = append(step.Timers, Timer{
			Kind:       SessionTimer,
			Generation: m.session.Generation,
			Due:        now.Add(cfg.SessionTimeout),
		})
	}
	m.awaitCurrent(&step, now)
	return step, nil
}

// Observe folds one frame's observation into the session.
func (m *Machine) Observe(obs Observation) Step {
	var step Step
	s := &m.session
	if s.State != StateAwaitingPose && s.State != StatePoseHeld {
		return step
	}
	if m.timedOut(obs.At) {
		m.fail(&step, ReasonSessionTimeout, obs.At)
		return step
	}
	if s.State == StateAwaitingPose && obs.At.Before(s.PausedUntil) {
		return step
	}

	ok, geomErr := m.conditionsMet(obs)
	step.GeometryErr = geomErr

	switch s.State {
	case StateAwaitingPose:
		if ok {
			m.beginHold(&step, obs.At)
		}
	case StatePoseHeld:
		if !ok {
			m.releaseHold(&step, obs.At)
		} else if obs.At.Sub(s.HoldStartedAt) >= s.Config.HoldDuration {
			m.completeHold(&step, obs.At)
		}
	}
	return step
}

// Fire handles an expired timer. Timers from an earlier generation or a
// superseded hold are ignored.
func (m *Machine) Fire(t Timer, now time.Time) Step {
	var step Step
	s := &m.session
	if t.Generation != s.Generation || s.State.Terminal() || s.State == StateIdle {
		return step
	}
	switch t.Kind {
	case HoldTimer:
		if s.State == StatePoseHeld && t.Token == m.holdToken {
			m.completeHold(&step, now)
		}
	case SessionTimer:
		m.fail(&step, ReasonSessionTimeout, now)
	}
	return step
}

// Cancel fails the live session with ReasonCancelled.
func (m *Machine) Cancel(now time.Time) (Step, error) {
	var step Step
	if m.session.State == StateIdle || m.session.State.Terminal() {
		return step, fmt.Errorf("%w: cancel while %s", ErrInvalidCommand, m.session.State)
	}
	m.fail(&step, ReasonCancelled, now)
	return step, nil
}

// Reset returns a terminal session to Idle. Any timers still pending for the
// old session become stale.
func (m *Machine) Reset() error {
	if !m.session.State.Terminal() {
		return fmt.Errorf("%w: reset while %s", ErrInvalidCommand, m.session.State)
	}
	m.session = Session{State: StateIdle, Generation: m.session.Generation + 1}
	m.holdToken++
	_ = m.recomputeRegion()
	return nil
}

func (m *Machine) timedOut(at time.Time) bool {
	s := m.session
	return s.Config.SessionTimeout > 0 && !at.Before(s.StartedAt.Add(s.Config.SessionTimeout))
}

func (m *Machine) conditionsMet(obs Observation) (bool, error) {
	if obs.Face == nil {
		return false, nil
	}
	challenge := m.session.Challenges[m.session.Index]
	if !challenge.Satisfied(obs.Face.YawDegrees, obs.Face.PitchDegrees) {
		return false, nil
	}
	if m.regionErr != nil {
		return false, m.regionErr
	}
	box, err := NormalizeBox(obs.Face.BoundingBox, obs.Frame, m.preview)
	if err != nil {
		return false, err
	}
	return IsContained(box, m.region), nil
}

func (m *Machine) current() *Challenge {
	s := m.session
	if s.Index >= len(s.Challenges) {
		return nil
	}
	c := s.Challenges[s.Index]
	return &c
}

func (m *Machine) event(t EventType, at time.Time) Event {
	return Event{Type: t, Generation: m.session.Generation, Index: m.session.Index, Challenge: m.current(), At: at}
}

func (m *Machine) awaitCurrent(step *Step, at time.Time) {
	s := &m.session
	s.State = StateAwaitingPose
	s.ChallengeStartedAt = at
	s.HoldStartedAt = time.Time{}
	s.Retries = 0
	ev := m.event(EventInstructionChanged, at)
	ev.Instruction = ev.Challenge.Instruction()
	step.Events = append(step.Events, ev)
}

func (m *Machine) beginHold(step *Step, at time.Time) {
	s := &m.session
	s.State = StatePoseHeld
	s.HoldStartedAt = at
	m.holdToken++
	step.Events = append(step.Events, m.event(EventHoldAccepted, at))
	if s.Config.HoldDuration <= 0 {
		m.completeHold(step, at)
		return
	}
	step.Timers = append(step.Timers, Timer{
		Kind:       HoldTimer,
		Generation: s.Generation,
		Token:      m.holdToken,
		Due:        at.Add(s.Config.HoldDuration),
	})
}

func (m *Machine) releaseHold(step *Step, at time.Time) {
	s := &m.session
	s.State = StateAwaitingPose
	s.HoldStartedAt = time.Time{}
	s.Retries++
	m.holdToken++
	step.Events = append(step.Events, m.event(EventHoldReleased, at))
	if s.Config.MaxRetries > 0 && s.Retries > s.Config.MaxRetries {
		m.fail(step, ReasonRetriesExhausted, at)
	}
}

func (m *Machine) completeHold(step *Step, at time.Time) {
	s := &m.session
	s.Results = append(s.Results, ChallengeResult{
		Challenge: s.Challenges[s.Index],
		Passed:    true,
		Elapsed:   at.Sub(s.ChallengeStartedAt),
	})
	step.Events = append(step.Events, m.event(EventChallengePassed, at))
	s.Index++
	m.holdToken++

	if s.Index == len(s.Challenges) {
		m.finish(step, StateSuccess, ReasonNone, at)
		return
	}
	s.PausedUntil = at.Add(s.Config.AffirmationDelay)
	m.awaitCurrent(step, at)
}

func (m *Machine) fail(step *Step, reason FailureReason, at time.Time) {
	s := &m.session
	if c := m.current(); c != nil {
		s.Results = append(s.Results, ChallengeResult{
			Challenge: *c,
			Passed:    false,
			Elapsed:   at.Sub(s.ChallengeStartedAt),
		})
		ev := m.event(EventChallengeFailed, at)
		ev.Reason = reason
		step.Events = append(step.Events, ev)
	}
	m.holdToken++
	m.finish(step, StateFailed, reason, at)
}

func (m *Machine) finish(step *Step, state State, reason FailureReason, at time.Time) {
	s := &m.session
	s.State = state
	s.Reason = reason
	s.HoldStartedAt = time.Time{}
	summary := Finalize(s.Results, len(s.Challenges), reason, s.StartedAt, at)
	s.Summary = &summary

	t := EventSessionSucceeded
	if state == StateFailed {
		t = EventSessionFailed
	}
	ev := Event{Type: t, Generation: s.Generation, Index: s.Index, Reason: reason, Summary: &summary, At: at}
	step.Events = append(step.Events, ev)
}
