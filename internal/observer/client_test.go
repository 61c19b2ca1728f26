package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iago/botfleet/internal/domain"
	"github.com/iago/botfleet/internal/gateway"
	"github.com/rs/zerolog"
)

func jobView(id string, status domain.JobStatus, sent int64, at time.Time) gateway.JobView {
	return gateway.ViewFromEvent(domain.ProgressEvent{
		JobID:     id,
		TenantID:  "t1",
		Kind:      domain.JobKindBroadcast,
		Status:    status,
		Counters:  domain.Counters{Total: 10, Sent: sent},
		Cursor:    sent,
		Timestamp: at,
	}, 50*time.Millisecond)
}

func TestViewIgnoresOutOfOrderUpdates(t *testing.T) {
	view := NewView()
	base := time.Now().UTC()

	if !view.Apply(jobView("a", domain.JobStatusInProgress, 5, base.Add(2*time.Second))) {
		t.Fatal("expected first update to apply")
	}
	if view.Apply(jobView("a", domain.JobStatusInProgress, 3, base.Add(time.Second))) {
		t.Fatal("expected older update to be ignored")
	}
	got, ok := view.Get("a")
	if !ok || got.Details.Sent != 5 {
		t.Fatalf("expected sent=5 to stay, got %+v ok=%v", got, ok)
	}

	if !view.Apply(jobView("a", domain.JobStatusCompleted, 10, base.Add(3*time.Second))) {
		t.Fatal("expected terminal update to apply")
	}
	if view.Apply(jobView("a", domain.JobStatusInProgress, 9, base.Add(3*time.Second))) {
		t.Fatal("expected non-terminal update after terminal to be ignored")
	}
}

func TestViewEvictsTerminalJobsAfterGrace(t *testing.T) {
	view := NewView()
	now := time.Now()
	view.now = func() time.Time { return now }

	view.Apply(jobView("done", domain.JobStatusCompleted, 10, now))
	view.Apply(jobView("running", domain.JobStatusInProgress, 4, now))

	if got := len(view.Jobs()); got != 2 {
		t.Fatalf("expected both jobs within grace, got %d", got)
	}

	now = now.Add(60 * time.Millisecond)
	jobs := view.Jobs()
	if len(jobs) != 1 || jobs[0].ID != "running" {
		t.Fatalf("expected only the running job after grace, got %+v", jobs)
	}
}

func TestViewReplaceKeepsNewerState(t *testing.T) {
	view := NewView()
	base := time.Now().UTC()
	view.Apply(jobView("a", domain.JobStatusInProgress, 8, base.Add(time.Second)))
	view.Apply(jobView("gone", domain.JobStatusInProgress, 1, base))

	view.Replace([]gateway.JobView{
		jobView("a", domain.JobStatusInProgress, 6, base),
		jobView("b", domain.JobStatusPending, 0, base),
	})

	a, _ := view.Get("a")
	if a.Details.Sent != 8 {
		t.Fatalf("expected newer live state to survive the snapshot, got %+v", a)
	}
	if _, ok := view.Get("b"); !ok {
		t.Fatal("expected snapshot job b")
	}
	if _, ok := view.Get("gone"); ok {
		t.Fatal("expected job missing from the snapshot to be dropped")
	}
}

type observerServer struct {
	hub       *gateway.Hub
	server    *httptest.Server
	snapshots atomic.Int32

	mu     sync.Mutex
	active []gateway.JobView
}

func newObserverServer(t *testing.T) *observerServer {
	t.Helper()
	s := &observerServer{hub: gateway.NewHub(nil, gateway.Config{}, zerolog.Nop())}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/tenants/t1/jobs/active", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.snapshots.Add(1)
		s.mu.Lock()
		defer s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snapshotResponse{Jobs: s.active})
	})
	mux.HandleFunc("/v1/tenants/t1/live", func(w http.ResponseWriter, r *http.Request) {
		s.hub.Serve(w, r, "t1")
	})
	s.server = httptest.NewServer(mux)
	t.Cleanup(func() {
		s.hub.Close()
		s.server.Close()
	})
	return s
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientSnapshotThenLiveUpdates(t *testing.T) {
	server := newObserverServer(t)
	base := time.Now().UTC()
	server.active = []gateway.JobView{jobView("job-1", domain.JobStatusInProgress, 2, base)}

	var updates atomic.Int32
	client, err := NewClient(Config{
		BaseURL:  server.server.URL,
		TenantID: "t1",
		Token:    "secret",
		OnUpdate: func(gateway.JobView) { updates.Add(1) },
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitFor(t, "snapshot", func() bool {
		job, ok := client.View().Get("job-1")
		return ok && job.Details.Sent == 2
	})
	waitFor(t, "live connection", func() bool { return server.hub.Connections("t1") == 1 })

	server.hub.Broadcast(domain.ProgressEvent{
		JobID:     "job-1",
		TenantID:  "t1",
		Kind:      domain.JobKindBroadcast,
		Status:    domain.JobStatusCompleted,
		Counters:  domain.Counters{Total: 10, Sent: 10},
		Cursor:    10,
		Timestamp: base.Add(time.Second),
	})
	waitFor(t, "terminal update", func() bool { return updates.Load() == 1 })

	job, ok := client.View().Get("job-1")
	if !ok || job.Status != domain.JobStatusCompleted || job.ProgressPercent != 100 {
		t.Fatalf("expected completed job at 100%%, got %+v ok=%v", job, ok)
	}
}

func TestClientReconnectsAndResnapshots(t *testing.T) {
	server := newObserverServer(t)

	client, err := NewClient(Config{
		BaseURL:    server.server.URL,
		TenantID:   "t1",
		Token:      "secret",
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	waitFor(t, "first connection", func() bool { return server.hub.Connections("t1") == 1 })

	server.mu.Lock()
	server.active = []gateway.JobView{jobView("job-late", domain.JobStatusInProgress, 1, time.Now().UTC())}
	server.mu.Unlock()

	// Dropping every observer forces the client through its reconnect path.
	server.hub.Close()
	waitFor(t, "re-snapshot", func() bool { return server.snapshots.Load() >= 2 })
	waitFor(t, "snapshot applied", func() bool {
		_, ok := client.View().Get("job-late")
		return ok
	})

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop after cancel")
	}
}

func TestNewClientValidatesConfig(t *testing.T) {
	if _, err := NewClient(Config{TenantID: "t1"}, zerolog.Nop()); err == nil {
		t.Fatal("expected missing base url to fail")
	}
	if _, err := NewClient(Config{BaseURL: "http://localhost"}, zerolog.Nop()); err == nil {
		t.Fatal("expected missing tenant to fail")
	}
}
