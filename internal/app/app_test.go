package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iago/botfleet/internal/config"
	"github.com/iago/botfleet/internal/domain"
	"github.com/iago/botfleet/internal/gateway"
	"github.com/iago/botfleet/internal/observer"
	"github.com/rs/zerolog"
)

const adminChat = 900

// gatedSender holds the delivery to gateChat until release is closed.
type gatedSender struct {
	gateChat int64
	reached  chan struct{}
	release  chan struct{}

	mu      sync.Mutex
	calls   map[int64]int
	reports []string
	once    sync.Once
}

func newGatedSender(gateChat int64) *gatedSender {
	return &gatedSender{
		gateChat: gateChat,
		reached:  make(chan struct{}),
		release:  make(chan struct{}),
		calls:    map[int64]int{},
	}
}

func (s *gatedSender) Send(ctx context.Context, _ string, chatID int64, content domain.MessageContent) (domain.Outcome, error) {
	if chatID == adminChat {
		s.mu.Lock()
		s.reports = append(s.reports, content.Text)
		s.mu.Unlock()
		return domain.OutcomeSent, nil
	}
	if chatID == s.gateChat {
		s.once.Do(func() { close(s.reached) })
		select {
		case <-s.release:
		case <-ctx.Done():
			return domain.OutcomeTransient, ctx.Err()
		}
	}
	s.mu.Lock()
	s.calls[chatID]++
	s.mu.Unlock()
	return domain.OutcomeSent, nil
}

func (s *gatedSender) snapshot() (map[int64]int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := make(map[int64]int, len(s.calls))
	for chatID, count := range s.calls {
		calls[chatID] = count
	}
	return calls, append([]string(nil), s.reports...)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	tenantsPath := filepath.Join(t.TempDir(), "tenants.yaml")
	tenants := "tenants:\n" +
		"  - id: shop\n" +
		"    admin_chat_ids: [900]\n" +
		"  - id: broken\n" +
		"    rate_per_second: 0\n"
	if err := os.WriteFile(tenantsPath, []byte(tenants), 0o600); err != nil {
		t.Fatalf("write tenants: %v", err)
	}

	return config.Config{
		CORSOrigins:       []string{"*"},
		LockBackend:       "store",
		RateLimitRPS:      1000,
		RateLimitBurst:    1000,
		TenantsFile:       tenantsPath,
		DefaultTenantRate: 10000,
		RateMaxWait:       5 * time.Second,
		WorkerEnabled:     true,
		WorkerID:          "test-worker",
		PollInterval:      20 * time.Millisecond,
		MaxConcurrentJobs: 2,
		BatchSize:         10,
		LeaseTTL:          5 * time.Second,
		MaxAttempts:       3,
		RetryBase:         10 * time.Millisecond,
		RetryMax:          50 * time.Millisecond,
		BusBuffer:         256,
		GatewaySendBuffer: 256,
		EvictAfter:        30 * time.Second,
		ShutdownTimeout:   5 * time.Second,
	}
}

func postJob(t *testing.T, baseURL string, body map[string]any) (int, map[string]any) {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(baseURL+"/v1/jobs", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post job: %v", err)
	}
	defer resp.Body.Close()
	decoded := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

func broadcast(tenantID string, chats int) map[string]any {
	chatIDs := make([]int64, 0, chats)
	for i := 1; i <= chats; i++ {
		chatIDs = append(chatIDs, int64(i))
	}
	return map[string]any{
		"tenant_id": tenantID,
		"kind":      "broadcast",
		"payload": map[string]any{
			"content":  map[string]any{"text": "weekend sale"},
			"audience": map[string]any{"mode": "explicit", "chat_ids": chatIDs},
		},
	}
}

func TestBroadcastObservedLiveToCompletion(t *testing.T) {
	deliver := newGatedSender(50)
	a, err := New(context.Background(), testConfig(t), zerolog.Nop(), WithSender(deliver))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	server := httptest.NewServer(a.Handler())

	bgCtx, stopBackground := context.WithCancel(context.Background())
	a.StartBackground(bgCtx)
	defer func() {
		stopBackground()
		a.Wait()
		server.Close()
		a.Close()
	}()

	status, created := postJob(t, server.URL, broadcast("shop", 100))
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d %v", status, created)
	}
	jobID, _ := created["job_id"].(string)

	select {
	case <-deliver.reached:
	case <-time.After(5 * time.Second):
		t.Fatal("job never reached the middle of its audience")
	}

	updates := make(chan gateway.JobView, 256)
	client, err := observer.NewClient(observer.Config{
		BaseURL:  server.URL,
		TenantID: "shop",
		OnUpdate: func(view gateway.JobView) { updates <- view },
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new observer: %v", err)
	}
	observeCtx, stopObserver := context.WithCancel(context.Background())
	defer stopObserver()
	go func() { _ = client.Run(observeCtx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		view, ok := client.View().Get(jobID)
		if ok && a.hub.Connections("shop") == 1 {
			if view.Status != domain.JobStatusInProgress {
				t.Fatalf("expected snapshot to show the job in progress, got %s", view.Status)
			}
			if view.ProgressPercent >= 100 {
				t.Fatalf("expected partial progress in snapshot, got %v", view.ProgressPercent)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("observer never attached")
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(deliver.release)

	var final gateway.JobView
	timeout := time.After(10 * time.Second)
	for final.Status != domain.JobStatusCompleted {
		select {
		case view := <-updates:
			if view.ID == jobID {
				final = view
			}
		case <-timeout:
			t.Fatalf("observer never saw completion, last=%+v", final)
		}
	}
	if final.ProgressPercent != 100 || final.Details.Sent != 100 || final.Details.Total != 100 {
		t.Fatalf("unexpected final view %+v", final)
	}
	if final.EvictAfterMS != (30 * time.Second).Milliseconds() {
		t.Fatalf("expected eviction grace on terminal update, got %d", final.EvictAfterMS)
	}

	calls, _ := deliver.snapshot()
	if len(calls) != 100 {
		t.Fatalf("expected 100 recipients, got %d", len(calls))
	}
	for chatID, count := range calls {
		if count != 1 {
			t.Fatalf("chat %d received %d messages", chatID, count)
		}
	}

	deadline = time.Now().Add(5 * time.Second)
	for {
		_, reports := deliver.snapshot()
		if len(reports) == 1 {
			if !strings.Contains(reports[0], jobID) || !strings.Contains(reports[0], "Sent: 100") {
				t.Fatalf("unexpected admin report %q", reports[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected one admin report, got %d", len(reports))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTenantWithInvalidRateCannotSubmit(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), zerolog.Nop(), WithSender(newGatedSender(0)))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()
	server := httptest.NewServer(a.Handler())
	defer server.Close()

	status, body := postJob(t, server.URL, broadcast("broken", 3))
	errBody, _ := body["error"].(map[string]any)
	if status != http.StatusBadRequest || errBody["code"] != "invalid_rate" {
		t.Fatalf("expected invalid_rate, got %d %v", status, body)
	}
	if status, _ := postJob(t, server.URL, broadcast("unlisted", 3)); status != http.StatusCreated {
		t.Fatalf("expected unlisted tenant to use the default rate, got %d", status)
	}
}

func TestTenantsReloadRemovesAdmins(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, zerolog.Nop(), WithSender(newGatedSender(0)))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()

	if chats := a.directory.AdminChats("shop"); len(chats) != 1 || chats[0] != adminChat {
		t.Fatalf("expected admin chat from tenants file, got %v", chats)
	}
	a.applyTenants(&config.TenantsFile{Tenants: []config.Tenant{{ID: "club"}}})
	if chats := a.directory.AdminChats("shop"); len(chats) != 0 {
		t.Fatalf("expected removed tenant to lose admins, got %v", chats)
	}
	if _, err := a.limiter.Rate("broken"); err != nil {
		t.Fatalf("expected removed tenant to fall back to the default rate: %v", err)
	}
}

func TestUnknownLockBackendFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.LockBackend = "zookeeper"
	if _, err := New(context.Background(), cfg, zerolog.Nop()); err == nil || !strings.Contains(err.Error(), "LOCK_BACKEND") {
		t.Fatalf("expected lock backend error, got %v", err)
	}

	cfg.LockBackend = "redis"
	if _, err := New(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected redis lock backend without REDIS_ADDR to fail")
	}
}
