package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type RedisConfig struct {
	ChannelPrefix string
	Buffer        int
}

// RedisBridge extends a local Memory bus across processes through Redis Pub/Sub.
// Local subscribers receive local events directly; foreign events arrive via PSUBSCRIBE.
type RedisBridge struct {
	local  *Memory
	client *redis.Client
	prefix string
	origin string
	out    chan Event
	logger zerolog.Logger

	startOnce sync.Once
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	pubsub    *redis.PubSub

	relayed  atomic.Uint64
	dropped  atomic.Uint64
	received atomic.Uint64
}

func NewRedisBridge(local *Memory, client *redis.Client, cfg RedisConfig, logger zerolog.Logger) *RedisBridge {
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "botfleet:events:"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	return &RedisBridge{
		local:  local,
		client: client,
		prefix: cfg.ChannelPrefix,
		origin: uuid.NewString(),
		out:    make(chan Event, cfg.Buffer),
		logger: logger.With().Str("component", "eventbus.redis").Logger(),
	}
}

// Start subscribes to the channel pattern, waits for the confirmation and launches
// the relay and receive loops. It returns once the bridge is ready.
func (b *RedisBridge) Start(ctx context.Context) error {
	var startErr error
	b.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		pubsub := b.client.PSubscribe(runCtx, b.prefix+"*")
		if _, err := pubsub.Receive(runCtx); err != nil {
			cancel()
			_ = pubsub.Close()
			startErr = fmt.Errorf("psubscribe %s*: %w", b.prefix, err)
			return
		}
		b.cancel = cancel
		b.pubsub = pubsub

		b.wg.Add(2)
		go b.relay(runCtx)
		go b.receive(runCtx, pubsub)
	})
	return startErr
}

func (b *RedisBridge) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.pubsub != nil {
		_ = b.pubsub.Close()
	}
	b.wg.Wait()
}

func (b *RedisBridge) Publish(topic string, payload any) {
	event, err := NewEvent(topic, payload)
	if err != nil {
		b.logger.Warn().Err(err).Str("topic", topic).Msg("dropping unencodable event")
		return
	}
	b.local.Deliver(event)

	event.Origin = b.origin
	select {
	case b.out <- event:
	default:
		b.dropped.Add(1)
		b.logger.Warn().Str("topic", topic).Msg("redis relay queue full, event not forwarded")
	}
}

func (b *RedisBridge) Subscribe(pattern string, handler Handler) func() {
	return b.local.Subscribe(pattern, handler)
}

type BridgeStats struct {
	Relayed  uint64
	Dropped  uint64
	Received uint64
}

func (b *RedisBridge) Stats() BridgeStats {
	return BridgeStats{
		Relayed:  b.relayed.Load(),
		Dropped:  b.dropped.Load(),
		Received: b.received.Load(),
	}
}

// Ping reports whether the Redis connection is usable.
func (b *RedisBridge) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBridge) relay(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-b.out:
			encoded, err := json.Marshal(event)
			if err != nil {
				b.logger.Warn().Err(err).Str("topic", event.Topic).Msg("encode relayed event")
				continue
			}
			if err := b.client.Publish(ctx, b.prefix+event.Topic, encoded).Err(); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				b.logger.Warn().Err(err).Str("topic", event.Topic).Msg("redis publish failed")
				continue
			}
			b.relayed.Add(1)
		}
	}
}

func (b *RedisBridge) receive(ctx context.Context, pubsub *redis.PubSub) {
	defer b.wg.Done()
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
				b.logger.Warn().Err(err).Str("channel", message.Channel).Msg("discarding malformed relayed event")
				continue
			}
			if event.Origin == b.origin {
				continue
			}
			if event.Topic == "" {
				event.Topic = strings.TrimPrefix(message.Channel, b.prefix)
			}
			b.received.Add(1)
			b.local.Deliver(event)
		}
	}
}
