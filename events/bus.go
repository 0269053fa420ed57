package events

import (
	"sync"

	"github.com/itsneelabh/invoiceflow/core"
)

// defaultBufferSize is the per-subscriber channel capacity. When a
// subscriber falls this far behind, the oldest buffered event is
// dropped to make room for the newest.
const defaultBufferSize = 64

// Bus is the process-wide event broadcaster. Publishing never blocks:
// slow subscribers lose their oldest buffered events rather than
// stalling workflow execution.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*Subscription
	history     map[string][]Event
	bufferSize  int
	logger      core.Logger
}

// BusOption configures a Bus
type BusOption func(*Bus)

// WithLogger sets the bus logger
func WithLogger(logger core.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithBufferSize sets the per-subscriber channel capacity
func WithBufferSize(size int) BusOption {
	return func(b *Bus) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subscribers: make(map[string][]*Subscription),
		history:     make(map[string][]Event),
		bufferSize:  defaultBufferSize,
		logger:      &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(b)
	}
	if cal, ok := b.logger.(core.ComponentAwareLogger); ok {
		b.logger = cal.WithComponent("events.bus")
	}
	return b
}

// Subscription is one subscriber's view of a thread's event stream.
// History holds every event published before the subscription was
// created; C delivers everything published after. The two never
// overlap and together preserve publish order.
type Subscription struct {
	ThreadID string
	History  []Event
	C        <-chan Event

	ch   chan Event
	bus  *Bus
	once sync.Once
}

// Close unregisters the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
	})
}

// Subscribe registers for a thread's events. The returned subscription
// carries a history snapshot taken atomically with registration, so no
// event is missed or duplicated between replay and live delivery.
func (b *Bus) Subscribe(threadID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ThreadID: threadID,
		ch:       make(chan Event, b.bufferSize),
		bus:      b,
	}
	sub.C = sub.ch

	if hist := b.history[threadID]; len(hist) > 0 {
		sub.History = make([]Event, len(hist))
		copy(sub.History, hist)
	}

	b.subscribers[threadID] = append(b.subscribers[threadID], sub)

	b.logger.Debug("Subscriber registered", map[string]interface{}{
		"operation":   "subscribe",
		"thread_id":   threadID,
		"subscribers": len(b.subscribers[threadID]),
	})

	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.ThreadID]
	for i, s := range subs {
		if s == sub {
			b.subscribers[sub.ThreadID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[sub.ThreadID]) == 0 {
		delete(b.subscribers, sub.ThreadID)
	}
}

// Publish appends the event to the thread's history and fans it out to
// live subscribers. Never blocks. The append and fan-out happen under
// one lock acquisition so a concurrent Subscribe sees each event in
// exactly one of history or the live channel.
func (b *Bus) Publish(threadID string, ev Event) {
	b.mu.Lock()
	b.history[threadID] = append(b.history[threadID], ev)

	dropped := 0
	for _, sub := range b.subscribers[threadID] {
		select {
		case sub.ch <- ev:
		default:
			// Subscriber is full: drop its oldest event to keep the
			// newest flowing.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
			dropped++
		}
	}
	b.mu.Unlock()

	if dropped > 0 {
		b.logger.Warn("Dropped events for slow subscribers", map[string]interface{}{
			"operation":   "publish",
			"thread_id":   threadID,
			"type":        ev.Type,
			"subscribers": dropped,
		})
	}
}

// History returns a copy of the thread's event history.
func (b *Bus) History(threadID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	hist := b.history[threadID]
	out := make([]Event, len(hist))
	copy(out, hist)
	return out
}

// ClearThread drops the history and subscriber list for a thread.
// Open subscriptions stop receiving events but are not closed; their
// transports shut down on their own schedule.
func (b *Bus) ClearThread(threadID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.history, threadID)
	delete(b.subscribers, threadID)
}
