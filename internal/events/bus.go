// Package events dispatches post-commit side effects and keeps an audit
// trail of learning events.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Message is one published payload on a topic.
type Message struct {
	Topic       string
	Payload     any
	PublishedAt time.Time
}

// Handler processes a message. A returned error is retried with linear
// backoff until the bus gives up.
type Handler func(ctx context.Context, msg Message) error

// BusConfig holds dispatch settings.
type BusConfig struct {
	BufferSize   int
	Workers      int
	MaxRetries   int
	RetryBackoff time.Duration
	// HandlerTimeout bounds a single handler call; 30s when 0.
	HandlerTimeout time.Duration
}

// Bus is an asynchronous topic dispatcher. Publish never blocks: when the
// buffer is full the message is dropped and logged.
type Bus struct {
	cfg      BusConfig
	queue    chan Message
	handlers map[string][]Handler
	hmu      sync.RWMutex

	closed    bool
	cmu       sync.RWMutex
	closeOnce sync.Once
	wg        sync.WaitGroup

	// pending counts accepted messages whose handlers have not finished.
	pending int
	pmu     sync.Mutex
	idle    *sync.Cond
}

// NewBus creates a bus and starts its workers.
func NewBus(cfg BusConfig) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}

	b := &Bus{
		cfg:      cfg,
		queue:    make(chan Message, cfg.BufferSize),
		handlers: make(map[string][]Handler),
	}
	b.idle = sync.NewCond(&b.pmu)
	for i := 0; i < cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

// Subscribe registers h for topic. Handlers run in registration order.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish enqueues payload on topic. It reports whether the message was
// accepted.
func (b *Bus) Publish(topic string, payload any) bool {
	b.cmu.RLock()
	defer b.cmu.RUnlock()

	if b.closed {
		slog.Error("event dropped, bus closed", "topic", topic)
		return false
	}
	b.pmu.Lock()
	b.pending++
	b.pmu.Unlock()
	select {
	case b.queue <- Message{Topic: topic, Payload: payload, PublishedAt: time.Now()}:
		return true
	default:
		b.done()
		slog.Error("event dropped, buffer full", "topic", topic, "buffer_size", b.cfg.BufferSize)
		return false
	}
}

// Close waits until every accepted message is handled, including follow-ups
// that handlers publish while the queue drains, then stops the bus. Publish
// fails only after that point.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		for {
			b.pmu.Lock()
			for b.pending > 0 {
				b.idle.Wait()
			}
			b.pmu.Unlock()

			b.cmu.Lock()
			b.pmu.Lock()
			quiet := b.pending == 0
			b.pmu.Unlock()
			if quiet {
				b.closed = true
				close(b.queue)
				b.cmu.Unlock()
				break
			}
			b.cmu.Unlock()
		}
		b.wg.Wait()
	})
}

func (b *Bus) done() {
	b.pmu.Lock()
	b.pending--
	if b.pending == 0 {
		b.idle.Broadcast()
	}
	b.pmu.Unlock()
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for msg := range b.queue {
		b.hmu.RLock()
		hs := append([]Handler(nil), b.handlers[msg.Topic]...)
		b.hmu.RUnlock()

		if len(hs) == 0 {
			slog.Debug("no handler for event", "topic", msg.Topic)
		}
		for _, h := range hs {
			b.dispatch(h, msg)
		}
		b.done()
	}
}

func (b *Bus) dispatch(h Handler, msg Message) {
	var err error
	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("event handler failed, retrying",
				"topic", msg.Topic,
				"attempt", attempt,
				"error", err,
			)
			time.Sleep(time.Duration(attempt) * b.cfg.RetryBackoff)
		}
		if err = b.call(h, msg); err == nil {
			return
		}
	}
	slog.Error("event handler gave up",
		"topic", msg.Topic,
		"attempts", b.cfg.MaxRetries+1,
		"error", err,
	)
}

func (b *Bus) call(h Handler, msg Message) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HandlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}
