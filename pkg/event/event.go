// Package event provides the typed, enumerated event vocabulary that ties
// the engine's components together, and a small in-process Bus that
// fans events out to subscribers over channels.
//
// Design notes §9 calls out the source's event-emitter polymorphism and
// mutable shared maps as patterns to re-architect: here, every payload
// crossing a component boundary is an explicit typed struct (never a
// pointer into supervisor-owned state), and the only shared mutable state
// is the Bus's subscriber list, which is guarded by its own mutex.
package event

import "sync"

// Kind enumerates every event the engine can emit (spec.md §4.8 plus the
// supervisor/runner/probe-level events §4.3-4.6 describe).
type Kind string

const (
	KindProcessStarting   Kind = "process:starting"
	KindProcessReady      Kind = "process:ready"
	KindProcessStatus     Kind = "process:status"
	KindProcessFailed     Kind = "process:failed"
	KindProcessRestarting Kind = "process:restarting"
	KindProcessStopped    Kind = "process:stopped"
	KindAllReady          Kind = "all:ready"
	KindStatusUpdate      Kind = "status:update"

	// Runner-level build events (spec.md §4.3's runner event vocabulary).
	KindStdout        Kind = "stdout"
	KindStderr        Kind = "stderr"
	KindBuildStart    Kind = "build:start"
	KindBuildProgress Kind = "build:progress"
	KindBuildComplete Kind = "build:complete"
	KindBuildFailed   Kind = "build:failed"
)

// Event is the single typed payload that flows through the Bus. Only the
// fields relevant to Kind are populated; the rest are zero.
type Event struct {
	Kind Kind

	Process string // process name this event concerns, if any

	// Status-transition / failure payloads.
	Status string
	Err    error

	// stdout/stderr payloads.
	Line string

	// build:progress payload.
	Progress int // 0-100

	// Free-form structured data for snapshot-style events (status:update
	// carries a status.Snapshot value here via an interface{} to avoid an
	// import cycle between pkg/event and pkg/status).
	Data any
}

// Subscriber receives events via a buffered channel. Callers obtain one
// via Bus.Subscribe and must drain it; a slow subscriber only ever blocks
// its own channel, never the publisher, because Publish uses a
// non-blocking send per subscriber (§5: broadcast must not create
// backpressure on the publisher).
type Subscriber struct {
	ch     chan Event
	closed bool
}

// C returns the channel this subscriber receives events on.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Bus is a single-writer-per-subscriber fan-out point: many components
// Publish, many components Subscribe, and the Bus itself owns the
// subscriber set exclusively.
type Bus struct {
	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}
	bufferSize  int
}

// NewBus creates a Bus whose subscriber channels are buffered to
// bufferSize. A bufferSize of 0 is coerced to a sane default so that a
// burst of events (e.g. a wave's worth of process:starting) does not
// immediately drop.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{subscribers: make(map[*Subscriber]struct{}), bufferSize: bufferSize}
}

// Subscribe registers a new Subscriber. Callers must call Unsubscribe when
// done to release the channel.
func (b *Bus) Subscribe() *Subscriber {
	s := &Subscriber{ch: make(chan Event, b.bufferSize)}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes and closes a Subscriber's channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[s]; !ok {
		return
	}
	delete(b.subscribers, s)
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Publish fans ev out to every current subscriber. Sends are
// non-blocking: a subscriber whose buffer is full drops the event rather
// than stalling the publisher, matching the broadcast server's
// backpressure policy (spec.md §4.7) applied uniformly to in-process
// events too.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subscribers {
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Close unsubscribes and closes every current subscriber, used during
// orchestrator shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subscribers {
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
	}
	b.subscribers = make(map[*Subscriber]struct{})
}
