// Package eventbus fans state changes out to independent observers.
//
// A Bus is constructed explicitly and injected; there is no package-level
// instance. Handlers for a topic run in subscription order on the publishing
// goroutine. A failing or panicking handler never prevents delivery to the
// handlers after it. Handlers that need more than the delivery budget should
// subscribe with WithQueue so their work runs on a dedicated goroutine.
package eventbus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/orvoice/internal/observability"
)

const (
	// DefaultHandlerBudget bounds how long one synchronous handler may hold
	// up the publisher before it is reported as an overrun.
	DefaultHandlerBudget = 50 * time.Millisecond

	// DefaultHistorySize is the number of recent events kept per topic.
	DefaultHistorySize = 32
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event bus is closed")

// Event is one published payload.
type Event struct {
	Topic       Topic
	Seq         uint64
	PublishedAt time.Time
	Payload     any
}

// Handler receives events for a topic. A returned error is logged and
// counted; it does not stop delivery.
type Handler func(Event) error

// Publisher is the publishing half of a Bus, for components that only emit.
type Publisher interface {
	Publish(topic Topic, payload any) error
}

// Handle identifies a subscription for Unsubscribe.
type Handle struct {
	Topic Topic
	ID    uint64
}

// Valid reports whether the handle refers to a subscription that was created.
func (h Handle) Valid() bool { return h.ID != 0 }

// Config tunes delivery.
type Config struct {
	HandlerBudget time.Duration
	HistorySize   int
}

// DefaultConfig returns the delivery defaults
func DefaultConfig() Config {
	return Config{
		HandlerBudget: DefaultHandlerBudget,
		HistorySize:   DefaultHistorySize,
	}
}

type subscription struct {
	id      uint64
	topic   Topic
	name    string
	handler Handler

	// set for queued subscribers only
	queue chan Event
	done  chan struct{}
}

// SubscribeOption customises a subscription.
type SubscribeOption func(*subscription)

// WithQueue delivers events through a buffered queue drained by a dedicated
// goroutine, preserving order for that subscriber.
func WithQueue(size int) SubscribeOption {
	return func(s *subscription) {
		if size < 1 {
			size = 1
		}
		s.queue = make(chan Event, size)
		s.done = make(chan struct{})
	}
}

// WithName labels the subscriber in logs.
func WithName(name string) SubscribeOption {
	return func(s *subscription) { s.name = name }
}

// Bus is a named-topic publish/subscribe hub.
type Bus struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   map[Topic][]*subscription
	nextID uint64

	seq atomic.Uint64

	historyMu sync.Mutex
	history   map[Topic]*Ring[Event]

	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a bus with the given configuration.
func New(cfg Config) *Bus {
	if cfg.HandlerBudget <= 0 {
		cfg.HandlerBudget = DefaultHandlerBudget
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	return &Bus{
		cfg:     cfg,
		logger:  observability.Component("eventbus"),
		subs:    make(map[Topic][]*subscription),
		history: make(map[Topic]*Ring[Event]),
	}
}

// Subscribe registers handler for topic. The zero Handle is returned when
// the bus is closed.
func (b *Bus) Subscribe(topic Topic, handler Handler, opts ...SubscribeOption) Handle {
	if b.closed.Load() || handler == nil {
		return Handle{}
	}

	sub := &subscription{topic: topic, handler: handler}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	// copy-on-write so in-flight publishes keep their snapshot
	current := b.subs[topic]
	next := make([]*subscription, len(current), len(current)+1)
	copy(next, current)
	b.subs[topic] = append(next, sub)
	b.mu.Unlock()

	if sub.queue != nil {
		b.wg.Add(1)
		go b.drain(sub)
	}

	return Handle{Topic: topic, ID: sub.id}
}

// Unsubscribe removes a subscription. It reports whether one was removed.
func (b *Bus) Unsubscribe(h Handle) bool {
	if !h.Valid() {
		return false
	}

	b.mu.Lock()
	current := b.subs[h.Topic]
	var removed *subscription
	next := make([]*subscription, 0, len(current))
	for _, sub := range current {
		if sub.id == h.ID {
			removed = sub
			continue
		}
		next = append(next, sub)
	}
	if len(next) == 0 {
		delete(b.subs, h.Topic)
	} else {
		b.subs[h.Topic] = next
	}
	b.mu.Unlock()

	if removed == nil {
		return false
	}
	if removed.done != nil {
		close(removed.done)
	}
	return true
}

// Publish delivers payload to every subscriber of topic and returns once all
// synchronous handlers have run and all queued handlers have accepted (or
// dropped) the event.
func (b *Bus) Publish(topic Topic, payload any) error {
	if b.closed.Load() {
		return ErrClosed
	}

	event := Event{
		Topic:       topic,
		Seq:         b.seq.Add(1),
		PublishedAt: time.Now(),
		Payload:     payload,
	}
	b.record(event)

	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.queue != nil {
			b.enqueue(sub, event)
			continue
		}
		b.invoke(sub, event)
	}
	return nil
}

// Last returns the newest event published on topic.
func (b *Bus) Last(topic Topic) (Event, bool) {
	b.historyMu.Lock()
	ring := b.history[topic]
	b.historyMu.Unlock()
	if ring == nil {
		return Event{}, false
	}
	return ring.Last()
}

// History returns recent events on topic, oldest first.
func (b *Bus) History(topic Topic) []Event {
	b.historyMu.Lock()
	ring := b.history[topic]
	b.historyMu.Unlock()
	if ring == nil {
		return nil
	}
	return ring.Snapshot()
}

// SubscriberCount returns the number of live subscriptions on topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close stops queued subscribers and rejects further publishes.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}

	b.mu.Lock()
	for topic, subs := range b.subs {
		for _, sub := range subs {
			if sub.done != nil {
				close(sub.done)
			}
		}
		delete(b.subs, topic)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) record(event Event) {
	b.historyMu.Lock()
	ring, ok := b.history[event.Topic]
	if !ok {
		ring = NewRing[Event](b.cfg.HistorySize)
		b.history[event.Topic] = ring
	}
	b.historyMu.Unlock()
	ring.Push(event)
}

func (b *Bus) enqueue(sub *subscription, event Event) {
	select {
	case sub.queue <- event:
		return
	case <-sub.done:
		return
	default:
	}

	timer := time.NewTimer(b.cfg.HandlerBudget)
	defer timer.Stop()
	select {
	case sub.queue <- event:
	case <-sub.done:
	case <-timer.C:
		observability.RecordBusEventDropped(string(sub.topic))
		b.logger.Warn().
			Str("topic", string(sub.topic)).
			Str("subscriber", sub.label()).
			Uint64("seq", event.Seq).
			Msg("Subscriber queue full, dropping event")
	}
}

func (b *Bus) drain(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case event := <-sub.queue:
			b.invoke(sub, event)
		case <-sub.done:
			return
		}
	}
}

func (b *Bus) invoke(sub *subscription, event Event) {
	start := time.Now()
	err := safeCall(sub.handler, event)
	elapsed := time.Since(start)

	if err != nil {
		observability.RecordBusHandlerError(string(sub.topic))
		b.logger.Error().
			Err(err).
			Str("topic", string(sub.topic)).
			Str("subscriber", sub.label()).
			Uint64("seq", event.Seq).
			Msg("Subscriber failed")
	}
	if sub.queue == nil && elapsed > b.cfg.HandlerBudget {
		observability.RecordBusHandlerOverrun(string(sub.topic))
		b.logger.Warn().
			Str("topic", string(sub.topic)).
			Str("subscriber", sub.label()).
			Dur("elapsed", elapsed).
			Dur("budget", b.cfg.HandlerBudget).
			Msg("Subscriber exceeded delivery budget; hand long work off with WithQueue")
	}
}

func safeCall(handler Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return handler(event)
}

func (s *subscription) label() string {
	if s.name != "" {
		return s.name
	}
	return fmt.Sprintf("sub_%d", s.id)
}

// On subscribes a handler that receives the payload as T. Events whose
// payload is not a T are reported as handler errors.
func On[T any](b *Bus, topic Topic, fn func(T) error, opts ...SubscribeOption) Handle {
	return b.Subscribe(topic, func(event Event) error {
		payload, ok := event.Payload.(T)
		if !ok {
			var want T
			return fmt.Errorf("topic %s carries %T, want %T", event.Topic, event.Payload, want)
		}
		return fn(payload)
	}, opts...)
}
