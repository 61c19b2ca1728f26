package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/iago/botfleet/internal/eventbus"
	"github.com/iago/botfleet/internal/gateway"
	"github.com/iago/botfleet/internal/http/handlers"
	"github.com/iago/botfleet/internal/http/middleware"
	"github.com/iago/botfleet/internal/ratelimit"
	"github.com/iago/botfleet/internal/registry"
	"github.com/iago/botfleet/internal/repository"
	"github.com/iago/botfleet/internal/service"
	"github.com/rs/zerolog"
)

type testAPI struct {
	server        *httptest.Server
	repo          *repository.MemoryJobsRepository
	limiter       *ratelimit.Limiter
	authenticator *middleware.Authenticator
}

func newTestAPI(t *testing.T, checks map[string]error) *testAPI {
	t.Helper()
	repo := repository.NewMemoryJobsRepository()
	limiter := ratelimit.NewLimiter(ratelimit.Config{DefaultRate: 30})
	bus := eventbus.NewMemory(64, zerolog.Nop())
	hub := gateway.NewHub(bus, gateway.Config{}, zerolog.Nop())

	reg := registry.New(time.Second)
	for name, err := range checks {
		checkErr := err
		_ = reg.Register(name, registry.CheckFunc(func(context.Context) error { return checkErr }), true)
	}

	authenticator := middleware.NewAuthenticator("operator-token", "jwt-secret")
	api := handlers.NewAPI(service.NewJobsService(repo, limiter, bus, zerolog.Nop()), hub, reg, 30*time.Second)
	server := httptest.NewServer(NewRouter(RouterDependencies{
		API:            api,
		Logger:         zerolog.Nop(),
		Authenticator:  authenticator,
		CORSOrigins:    []string{"*"},
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	}))
	t.Cleanup(func() {
		hub.Close()
		server.Close()
		bus.Close()
	})
	return &testAPI{server: server, repo: repo, limiter: limiter, authenticator: authenticator}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, a.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	decoded := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func broadcastBody(tenantID string) map[string]any {
	return map[string]any{
		"tenant_id": tenantID,
		"kind":      "broadcast",
		"payload": map[string]any{
			"content":  map[string]any{"text": "hello"},
			"audience": map[string]any{"mode": "explicit", "chat_ids": []int64{1, 2, 3}},
		},
	}
}

func errorCode(body map[string]any) string {
	errBody, _ := body["error"].(map[string]any)
	code, _ := errBody["code"].(string)
	return code
}

func TestCreateGetAndCancelJob(t *testing.T) {
	api := newTestAPI(t, nil)

	resp, body := api.do(t, http.MethodPost, "/v1/jobs", "operator-token", broadcastBody("shop"), nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%v", resp.StatusCode, body)
	}
	jobID, _ := body["job_id"].(string)
	if jobID == "" || body["status"] != "pending" {
		t.Fatalf("unexpected create body %v", body)
	}

	resp, body = api.do(t, http.MethodGet, "/v1/jobs/"+jobID, "operator-token", nil, nil)
	if resp.StatusCode != http.StatusOK || body["id"] != jobID || body["progress_percent"] != float64(0) {
		t.Fatalf("unexpected snapshot %d %v", resp.StatusCode, body)
	}

	resp, body = api.do(t, http.MethodGet, "/v1/tenants/shop/jobs/active", "operator-token", nil, nil)
	jobs, _ := body["jobs"].([]any)
	if resp.StatusCode != http.StatusOK || len(jobs) != 1 {
		t.Fatalf("expected one active job, got %d %v", resp.StatusCode, body)
	}

	resp, body = api.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", "operator-token", nil, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "cancelled" {
		t.Fatalf("expected cancelled, got %d %v", resp.StatusCode, body)
	}

	resp, body = api.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", "operator-token", nil, nil)
	if resp.StatusCode != http.StatusConflict || errorCode(body) != "job_terminal" {
		t.Fatalf("expected 409 job_terminal, got %d %v", resp.StatusCode, body)
	}

	resp, _ = api.do(t, http.MethodGet, "/v1/jobs/missing", "operator-token", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCreateJobValidation(t *testing.T) {
	api := newTestAPI(t, nil)
	_ = api.limiter.Configure("broken", -1)

	invalidPayload := broadcastBody("shop")
	invalidPayload["payload"] = map[string]any{"content": map[string]any{}}
	unknownKind := broadcastBody("shop")
	unknownKind["kind"] = "raffle"
	badSchedule := broadcastBody("shop")
	badSchedule["scheduled_at"] = "tomorrow"

	cases := []struct {
		name string
		body any
		code string
	}{
		{"invalid payload", invalidPayload, "invalid_payload"},
		{"unknown kind", unknownKind, "unknown_kind"},
		{"invalid rate", broadcastBody("broken"), "invalid_rate"},
		{"bad schedule", badSchedule, "invalid_request"},
		{"unknown field", map[string]any{"tenant_id": "shop", "nope": true}, "invalid_request"},
	}
	for _, tc := range cases {
		resp, body := api.do(t, http.MethodPost, "/v1/jobs", "operator-token", tc.body, nil)
		if resp.StatusCode != http.StatusBadRequest || errorCode(body) != tc.code {
			t.Fatalf("%s: expected 400 %s, got %d %v", tc.name, tc.code, resp.StatusCode, body)
		}
		if id, _ := body["request_id"].(string); id == "" {
			t.Fatalf("%s: expected request_id in error envelope", tc.name)
		}
	}

	for _, tenantID := range []string{"shop", "broken"} {
		active, _ := api.repo.ListActive(context.Background(), tenantID)
		if len(active) != 0 {
			t.Fatalf("expected no job stored for %s", tenantID)
		}
	}
}

func TestCreateJobIdempotency(t *testing.T) {
	api := newTestAPI(t, nil)
	headers := map[string]string{"Idempotency-Key": "campaign-2024-11-01"}

	_, first := api.do(t, http.MethodPost, "/v1/jobs", "operator-token", broadcastBody("shop"), headers)
	resp, second := api.do(t, http.MethodPost, "/v1/jobs", "operator-token", broadcastBody("shop"), headers)
	if resp.StatusCode != http.StatusOK || second["id"] != first["job_id"] {
		t.Fatalf("expected replay of %v, got %d %v", first["job_id"], resp.StatusCode, second)
	}

	different := broadcastBody("shop")
	different["scheduled_at"] = time.Now().Add(time.Hour).Format(time.RFC3339)
	resp, body := api.do(t, http.MethodPost, "/v1/jobs", "operator-token", different, headers)
	if resp.StatusCode != http.StatusConflict || errorCode(body) != "idempotency_conflict" {
		t.Fatalf("expected idempotency conflict, got %d %v", resp.StatusCode, body)
	}
}

func TestTenantTokenIsScoped(t *testing.T) {
	api := newTestAPI(t, nil)
	shopToken, err := api.authenticator.IssueToken("shop", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	resp, body := api.do(t, http.MethodPost, "/v1/jobs", shopToken, broadcastBody("club"), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign tenant, got %d %v", resp.StatusCode, body)
	}

	_, created := api.do(t, http.MethodPost, "/v1/jobs", "operator-token", broadcastBody("club"), nil)
	clubJob, _ := created["job_id"].(string)
	if resp, _ := api.do(t, http.MethodGet, "/v1/jobs/"+clubJob, shopToken, nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected foreign job to be hidden, got %d", resp.StatusCode)
	}
	if resp, _ := api.do(t, http.MethodGet, "/v1/tenants/club/jobs/active", shopToken, nil, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 on foreign snapshot, got %d", resp.StatusCode)
	}
	if resp, _ := api.do(t, http.MethodPost, "/v1/jobs", shopToken, broadcastBody("shop"), nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected own tenant submission to succeed, got %d", resp.StatusCode)
	}
	if resp, _ := api.do(t, http.MethodGet, "/v1/tenants/shop/jobs/active", "", nil, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
}

func TestHealthReportsRegistry(t *testing.T) {
	healthy := newTestAPI(t, map[string]error{"store": nil})
	resp, body := healthy.do(t, http.MethodGet, "/healthz", "", nil, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("expected healthy report, got %d %v", resp.StatusCode, body)
	}

	down := newTestAPI(t, map[string]error{"store": errors.New("connection refused")})
	resp, body = down.do(t, http.MethodGet, "/healthz", "", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable || body["status"] != "down" {
		t.Fatalf("expected 503 down, got %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("expected X-Request-Id header")
	}
}

func TestLiveRequiresTenantAccess(t *testing.T) {
	api := newTestAPI(t, nil)
	shopToken, _ := api.authenticator.IssueToken("shop", time.Hour)

	resp, _ := api.do(t, http.MethodGet, "/v1/tenants/club/live?access_token="+shopToken, "", nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign live channel, got %d", resp.StatusCode)
	}

	// A plain GET without upgrade headers reaches the hub and is rejected by the upgrader.
	resp, _ = api.do(t, http.MethodGet, "/v1/tenants/shop/live?access_token="+shopToken, "", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected upgrade failure 400, got %d", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		t.Fatalf("expected upgrader error response, got %q", resp.Header.Get("Content-Type"))
	}
}
