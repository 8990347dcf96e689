package liveness

import (
	"sync"
	"time"
)

// EventType names a state change the renderer reacts to.
type EventType string

const (
	EventInstructionChanged EventType = "instruction_changed"
	EventHoldAccepted       EventType = "hold_accepted"
	EventHoldReleased       EventType = "hold_released"
	EventChallengePassed    EventType = "challenge_passed"
	EventChallengeFailed    EventType = "challenge_failed"
	EventSessionSucceeded   EventType = "session_succeeded"
	EventSessionFailed      EventType = "session_failed"
)

// Event is emitted by the state machine. Renderers derive every visual from it.
type Event struct {
	Type        EventType     `json:"type"`
	Generation  uint64        `json:"generation"`
	Index       int           `json:"index"`
	Challenge   *Challenge    `json:"challenge,omitempty"`
	Instruction string        `json:"instruction,omitempty"`
	Reason      FailureReason `json:"reason,omitempty"`
	Summary     *Summary      `json:"summary,omitempty"`
	At          time.Time     `json:"at"`
}

// EventBus fans events out to subscribers over bounded channels. Publish never
// blocks: an event is dropped for a subscriber whose buffer is full.
type EventBus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	buffer  int
	dropped func(Event)
	closed  bool
}

// NewEventBus creates a bus with the given per-subscriber buffer size. onDrop,
// if set, is called for every event a slow subscriber missed.
func NewEventBus(buffer int, onDrop func(Event)) *EventBus {
	if buffer <= 0 {
		buffer = 1
	}
	return &EventBus{subs: make(map[int]chan Event), buffer: buffer, dropped: onDrop}
}

// Subscribe registers a listener. The returned cancel func closes the channel.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers events to every subscriber without blocking.
func (b *EventBus) Publish(events ...Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range events {
		for _, ch := range b.subs {
			select {
			case ch <- ev:
			default:
				if b.dropped != nil {
					b.dropped(ev)
				}
			}
		}
	}
}

// Close closes every subscriber channel.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
