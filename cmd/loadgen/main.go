package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iago/botfleet/internal/app"
	"github.com/iago/botfleet/internal/config"
	"github.com/iago/botfleet/internal/domain"
	"github.com/iago/botfleet/internal/gateway"
	"github.com/iago/botfleet/internal/observer"
	"github.com/iago/botfleet/internal/sender"
	"github.com/rs/zerolog"
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type deliveryResult struct {
	Jobs           int     `json:"jobs"`
	Completed      int     `json:"completed"`
	Messages       int64   `json:"messages"`
	Duplicates     int64   `json:"duplicates"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	MessagesPerSec float64 `json:"messages_per_sec"`
	P95CompleteMS  float64 `json:"p95_complete_ms"`
}

type runResult struct {
	GeneratedAtUTC string          `json:"generated_at_utc"`
	Environment    string          `json:"environment"`
	Submit         scenarioResult  `json:"submit"`
	Delivery       deliveryResult  `json:"delivery"`
	SLOEvaluation  map[string]bool `json:"slo_evaluation"`
}

// discardSender counts deliveries per tenant and chat after a simulated Bot API latency.
type discardSender struct {
	latency time.Duration

	mu    sync.Mutex
	seen  map[string]int
	total atomic.Int64
	dupes atomic.Int64
}

func (s *discardSender) Send(ctx context.Context, tenantID string, chatID int64, _ domain.MessageContent) (domain.Outcome, error) {
	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return domain.OutcomeTransient, ctx.Err()
		}
	}
	key := fmt.Sprintf("%s/%d", tenantID, chatID)
	s.mu.Lock()
	s.seen[key]++
	if s.seen[key] > 1 {
		s.dupes.Add(1)
	}
	s.mu.Unlock()
	s.total.Add(1)
	return domain.OutcomeSent, nil
}

func main() {
	jobsTotal := flag.Int("jobs", 40, "broadcast jobs to submit")
	concurrency := flag.Int("concurrency", 8, "concurrent submitters")
	audience := flag.Int("audience", 500, "recipients per broadcast")
	tenants := flag.Int("tenants", 4, "tenants the jobs are spread over")
	rate := flag.Float64("rate", 200, "per-tenant send rate (messages/s)")
	latency := flag.Duration("send-latency", 2*time.Millisecond, "simulated Bot API latency")
	workers := flag.Int("workers", 8, "max concurrent jobs")
	timeout := flag.Duration("timeout", 5*time.Minute, "max time to wait for all jobs")
	outputPath := flag.String("output", "", "optional path to persist results JSON")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel).With().Timestamp().Logger()

	deliver := &discardSender{latency: *latency, seen: map[string]int{}}
	cfg := config.Config{
		CORSOrigins:       []string{"*"},
		LockBackend:       "store",
		RateLimitRPS:      20000,
		RateLimitBurst:    20000,
		DefaultTenantRate: *rate,
		RateMaxWait:       time.Minute,
		WorkerEnabled:     true,
		WorkerID:          "loadgen",
		PollInterval:      50 * time.Millisecond,
		MaxConcurrentJobs: *workers,
		BatchSize:         50,
		LeaseTTL:          30 * time.Second,
		MaxAttempts:       3,
		RetryBase:         50 * time.Millisecond,
		RetryMax:          time.Second,
		BusBuffer:         4096,
		GatewaySendBuffer: 4096,
		EvictAfter:        time.Minute,
		ShutdownTimeout:   10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	application, err := app.New(ctx, cfg, logger, app.WithSender(sender.Sender(deliver)))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start local environment")
	}
	defer application.Close()
	server := httptest.NewServer(application.Handler())
	defer server.Close()
	application.StartBackground(ctx)

	tracker := newCompletionTracker()
	for i := 0; i < *tenants; i++ {
		tenantID := tenantName(i)
		client, err := observer.NewClient(observer.Config{
			BaseURL:  server.URL,
			TenantID: tenantID,
			OnUpdate: tracker.observe,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create observer")
		}
		go func() { _ = client.Run(ctx) }()
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	chatIDs := make([]int64, 0, *audience)
	for i := 1; i <= *audience; i++ {
		chatIDs = append(chatIDs, int64(i))
	}

	startedAt := time.Now()
	submit := runScenario("broadcast_submit", *jobsTotal, *concurrency, func(index int) error {
		payload := map[string]any{
			"tenant_id": tenantName(index % max(*tenants, 1)),
			"kind":      "broadcast",
			"payload": map[string]any{
				"content":  map[string]any{"text": fmt.Sprintf("load message %d", index)},
				"audience": map[string]any{"mode": "explicit", "chat_ids": chatIDs},
			},
		}
		jobID, err := postJob(httpClient, server.URL+"/v1/jobs", payload)
		if err != nil {
			return err
		}
		tracker.submitted(jobID, time.Now())
		return nil
	})

	completed := tracker.wait(submit.Success, *timeout)
	elapsed := time.Since(startedAt).Seconds()
	delivery := deliveryResult{
		Jobs:           submit.Success,
		Completed:      len(completed),
		Messages:       deliver.total.Load(),
		Duplicates:     deliver.dupes.Load(),
		ElapsedSeconds: round2(elapsed),
		P95CompleteMS:  percentile(completed, 0.95),
	}
	if elapsed > 0 {
		delivery.MessagesPerSec = round2(float64(delivery.Messages) / elapsed)
	}

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Submit:         submit,
		Delivery:       delivery,
		SLOEvaluation: map[string]bool{
			"submit_p95_le_200ms":   submit.P95MS <= 200,
			"all_jobs_completed":    delivery.Completed == delivery.Jobs,
			"no_duplicate_delivery": delivery.Duplicates == 0,
		},
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to marshal report")
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			logger.Fatal().Err(err).Msg("failed to write output file")
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func tenantName(index int) string {
	return fmt.Sprintf("tenant-%02d", index)
}

// completionTracker measures submit-to-terminal latency as seen by live observers.
type completionTracker struct {
	mu       sync.Mutex
	started  map[string]time.Time
	finished map[string]time.Duration
	pending  map[string]gateway.JobView
	changed  chan struct{}
}

func newCompletionTracker() *completionTracker {
	return &completionTracker{
		started:  map[string]time.Time{},
		finished: map[string]time.Duration{},
		pending:  map[string]gateway.JobView{},
		changed:  make(chan struct{}, 1),
	}
}

func (c *completionTracker) submitted(jobID string, at time.Time) {
	c.mu.Lock()
	c.started[jobID] = at
	// A fast job may finish before its submit response is processed.
	if view, ok := c.pending[jobID]; ok {
		delete(c.pending, jobID)
		c.finished[jobID] = max(view.UpdatedAt.Sub(at), 0)
	}
	c.mu.Unlock()
	c.notify()
}

func (c *completionTracker) observe(view gateway.JobView) {
	if !view.Status.Terminal() {
		return
	}
	c.mu.Lock()
	if startedAt, ok := c.started[view.ID]; ok {
		if _, done := c.finished[view.ID]; !done {
			c.finished[view.ID] = time.Since(startedAt)
		}
	} else {
		c.pending[view.ID] = view
	}
	c.mu.Unlock()
	c.notify()
}

func (c *completionTracker) notify() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

// wait returns the sorted completion latencies in milliseconds once want jobs finished or timeout elapses.
func (c *completionTracker) wait(want int, timeout time.Duration) []float64 {
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		done := len(c.finished)
		c.mu.Unlock()
		if done >= want {
			break
		}
		select {
		case <-c.changed:
		case <-deadline:
			c.mu.Lock()
			done = len(c.finished)
			c.mu.Unlock()
			fmt.Fprintf(os.Stderr, "timeout: %d/%d jobs completed\n", done, want)
			return c.latencies()
		}
	}
	return c.latencies()
}

func (c *completionTracker) latencies() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	values := make([]float64, 0, len(c.finished))
	for _, d := range c.finished {
		values = append(values, float64(d.Microseconds())/1000.0)
	}
	sort.Float64s(values)
	return values
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	indexes := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		indexes <- i
	}
	close(indexes)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range indexes {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	throughput := 0.0
	if elapsed := time.Since(startedAt).Seconds(); elapsed > 0 {
		throughput = float64(total) / elapsed
	}
	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        total - success,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

func postJob(client *http.Client, url string, payload any) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return "", fmt.Errorf("unexpected status %d: %s", response.StatusCode, string(body))
	}
	var created struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(response.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return created.JobID, nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	rank = max(0, min(rank, len(values)-1))
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
