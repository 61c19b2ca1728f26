package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iago/botfleet/internal/domain"
	"github.com/iago/botfleet/internal/eventbus"
	"github.com/rs/zerolog"
)

type Config struct {
	// SendBuffer is the per-connection queue; an observer that falls this far behind is disconnected.
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	EvictAfter     time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongTimeout {
		c.PingInterval = c.PongTimeout * 9 / 10
	}
	if c.EvictAfter <= 0 {
		c.EvictAfter = 30 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	return c
}

// Hub fans progress events out to the live connections of each tenant.
type Hub struct {
	config      Config
	logger      zerolog.Logger
	unsubscribe func()

	mu      sync.RWMutex
	tenants map[string]map[*client]struct{}

	delivered    atomic.Uint64
	disconnected atomic.Uint64
}

func NewHub(bus eventbus.Bus, cfg Config, logger zerolog.Logger) *Hub {
	hub := &Hub{
		config:  cfg.withDefaults(),
		logger:  logger.With().Str("component", "gateway").Logger(),
		tenants: make(map[string]map[*client]struct{}),
	}
	if bus != nil {
		hub.unsubscribe = bus.Subscribe(domain.TopicAllProgress, hub.handleEvent)
	}
	return hub
}

func (h *Hub) handleEvent(_ context.Context, event eventbus.Event) error {
	var progress domain.ProgressEvent
	if err := event.Decode(&progress); err != nil {
		return err
	}
	h.Broadcast(progress)
	return nil
}

// Broadcast pushes one job update to every connection of the event's tenant without blocking.
func (h *Hub) Broadcast(event domain.ProgressEvent) {
	frame, err := json.Marshal(Message{Type: TypeJobUpdate, Job: ViewFromEvent(event, h.config.EvictAfter)})
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", event.JobID).Msg("encode job update")
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.tenants[event.TenantID]))
	for c := range h.tenants[event.TenantID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- frame:
			h.delivered.Add(1)
		default:
			h.disconnected.Add(1)
			h.logger.Warn().Str("tenant_id", c.tenantID).Str("remote_addr", c.remoteAddr).Msg("observer too slow, disconnecting")
			h.unregister(c)
		}
	}
}

// Connections returns the number of live observers of tenantID.
func (h *Hub) Connections(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tenants[tenantID])
}

type Stats struct {
	Delivered    uint64 `json:"delivered"`
	Disconnected uint64 `json:"disconnected"`
}

func (h *Hub) Stats() Stats {
	return Stats{Delivered: h.delivered.Load(), Disconnected: h.disconnected.Load()}
}

// Close stops consuming events and disconnects every observer.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	all := make([]*client, 0)
	for _, clients := range h.tenants {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		h.unregister(c)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.tenants[c.tenantID]
	if !ok {
		clients = make(map[*client]struct{})
		h.tenants[c.tenantID] = clients
	}
	clients[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if clients, ok := h.tenants[c.tenantID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.tenants, c.tenantID)
		}
	}
	h.mu.Unlock()
	c.shutdown()
}
