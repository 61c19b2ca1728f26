package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const defaultBuffer = 64

type subscription struct {
	id      uint64
	pattern string
	handler Handler
	ch      chan Event
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Memory is the in-process bus. Each subscriber owns one goroutine and a buffered queue.
type Memory struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	seq    atomic.Uint64
	buffer int
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dropped atomic.Uint64
}

func NewMemory(buffer int, logger zerolog.Logger) *Memory {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Memory{
		subs:   make(map[uint64]*subscription),
		buffer: buffer,
		logger: logger.With().Str("component", "eventbus").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *Memory) Publish(topic string, payload any) {
	event, err := NewEvent(topic, payload)
	if err != nil {
		b.logger.Warn().Err(err).Str("topic", topic).Msg("dropping unencodable event")
		return
	}
	b.Deliver(event)
}

// Deliver fans an already encoded event out to the matching local subscribers.
func (b *Memory) Deliver(event Event) {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if Matches(sub.pattern, event.Topic) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case <-sub.done:
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Debug().Str("topic", event.Topic).Str("pattern", sub.pattern).Msg("subscriber queue full, event dropped")
		}
	}
}

func (b *Memory) Subscribe(pattern string, handler Handler) func() {
	sub := &subscription{
		id:      b.seq.Add(1),
		pattern: pattern,
		handler: handler,
		ch:      make(chan Event, b.buffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consume(sub)

	return func() {
		b.mu.Lock()
		delete(b.subs, sub.id)
		b.mu.Unlock()
		sub.stop()
	}
}

// Dropped is the number of events discarded because a subscriber queue was full.
func (b *Memory) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops every subscriber goroutine and waits for in-flight handlers.
func (b *Memory) Close() {
	b.mu.Lock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.stop()
	}
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
}

func (b *Memory) consume(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case event := <-sub.ch:
			b.handle(sub, event)
		}
	}
}

func (b *Memory) handle(sub *subscription, event Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error().
				Str("topic", event.Topic).
				Str("pattern", sub.pattern).
				Interface("panic", recovered).
				Msg("event handler panicked")
		}
	}()
	if err := sub.handler(b.ctx, event); err != nil {
		b.logger.Warn().Err(err).Str("topic", event.Topic).Str("pattern", sub.pattern).Msg("event handler failed")
	}
}

func NewEvent(topic string, payload any) (Event, error) {
	var raw json.RawMessage
	switch value := payload.(type) {
	case json.RawMessage:
		raw = value
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("encode event payload: %w", err)
		}
		raw = encoded
	}
	return Event{Topic: topic, Time: time.Now().UTC(), Payload: raw}, nil
}
