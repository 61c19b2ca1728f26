package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/iago/botfleet/internal/gateway"
	"github.com/rs/zerolog"
)

type Config struct {
	// BaseURL is the API root, e.g. http://localhost:8080.
	BaseURL    string
	TenantID   string
	Token      string
	MinBackoff time.Duration
	MaxBackoff time.Duration
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	// OnUpdate is called for every update the view accepted.
	OnUpdate func(gateway.JobView)
}

type snapshotResponse struct {
	Jobs []gateway.JobView `json:"jobs"`
}

// Client keeps a View in sync with a tenant's jobs: snapshot first, then live updates,
// re-snapshotting after every reconnect.
type Client struct {
	config Config
	view   *View
	logger zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" || strings.TrimSpace(cfg.TenantID) == "" {
		return nil, errors.New("observer: base url and tenant id are required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("observer: parse base url: %w", err)
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		config: cfg,
		view:   NewView(),
		logger: logger.With().Str("component", "observer").Str("tenant_id", cfg.TenantID).Logger(),
	}, nil
}

func (c *Client) View() *View {
	return c.view
}

// Run syncs until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.config.MinBackoff
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = c.config.MinBackoff
		}
		c.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("observer session ended")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, c.config.MaxBackoff)
	}
}

// session runs one snapshot plus live stream; connected reports whether the stream was established.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	// Subscribe before the snapshot so nothing published in between is missed.
	snapshot, err := c.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	c.view.Replace(snapshot)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var message gateway.Message
		if err := conn.ReadJSON(&message); err != nil {
			return true, err
		}
		if message.Type != gateway.TypeJobUpdate {
			continue
		}
		if c.view.Apply(message.Job) && c.config.OnUpdate != nil {
			c.config.OnUpdate(message.Job)
		}
	}
}

// Snapshot fetches the tenant's non-terminal jobs.
func (c *Client) Snapshot(ctx context.Context) ([]gateway.JobView, error) {
	endpoint := c.config.BaseURL + "/v1/tenants/" + url.PathEscape(c.config.TenantID) + "/jobs/active"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch snapshot: unexpected status %d", resp.StatusCode)
	}

	var decoded snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return decoded.Jobs, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint := c.config.BaseURL + "/v1/tenants/" + url.PathEscape(c.config.TenantID) + "/live"
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = "ws://" + strings.TrimPrefix(endpoint, "http://")
	}

	header := http.Header{}
	if c.config.Token != "" {
		header.Set("Authorization", "Bearer "+c.config.Token)
	}
	conn, _, err := c.config.Dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("dial live channel: %w", err)
	}
	return conn, nil
}
