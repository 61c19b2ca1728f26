package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Checker probes one dependency. A nil error means healthy.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to Checker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

type Result struct {
	Name     string    `json:"name"`
	Status   string    `json:"status"`
	Err      string    `json:"err,omitempty"`
	Critical bool      `json:"critical"`
	At       time.Time `json:"at"`
	Latency  string    `json:"latency"`
}

type Report struct {
	Status     string   `json:"status"`
	Components []Result `json:"components"`
}

// Healthy reports whether every critical component passed.
func (r Report) Healthy() bool {
	return r.Status == StatusOK || r.Status == StatusDegraded
}

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

type registration struct {
	checker  Checker
	critical bool
}

// Registry holds the capabilities the process was composed with and probes them on demand.
type Registry struct {
	timeout time.Duration

	mu         sync.RWMutex
	components map[string]registration
}

func New(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout, components: make(map[string]registration)}
}

// Register adds a named checker; a failing critical checker marks the whole report down.
func (r *Registry) Register(name string, checker Checker, critical bool) error {
	if name == "" || checker == nil {
		return fmt.Errorf("registry: name and checker are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.components[name]; exists {
		return fmt.Errorf("registry: component %q already registered", name)
	}
	r.components[name] = registration{checker: checker, critical: critical}
	return nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.components))
	for name := range r.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check probes every component concurrently, each bounded by the registry timeout.
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	snapshot := make(map[string]registration, len(r.components))
	for name, component := range r.components {
		snapshot[name] = component
	}
	r.mu.RUnlock()

	results := make([]Result, 0, len(snapshot))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, component := range snapshot {
		wg.Add(1)
		go func(name string, component registration) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			start := time.Now()
			err := component.checker.Check(checkCtx)
			result := Result{
				Name:     name,
				Status:   StatusOK,
				Critical: component.critical,
				At:       start.UTC(),
				Latency:  time.Since(start).String(),
			}
			if err != nil {
				result.Status = StatusDown
				result.Err = err.Error()
			}
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}(name, component)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	report := Report{Status: StatusOK, Components: results}
	for _, result := range results {
		if result.Status == StatusOK {
			continue
		}
		if result.Critical {
			report.Status = StatusDown
			break
		}
		report.Status = StatusDegraded
	}
	return report
}
