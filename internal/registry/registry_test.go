package registry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegistryReportStatus(t *testing.T) {
	healthy := CheckFunc(func(context.Context) error { return nil })
	failing := CheckFunc(func(context.Context) error { return errors.New("connection refused") })

	reg := New(time.Second)
	if err := reg.Register("store", healthy, true); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("bus", failing, false); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("store", healthy, true); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}

	report := reg.Check(context.Background())
	if report.Status != StatusDegraded || !report.Healthy() {
		t.Fatalf("expected degraded but healthy report, got %+v", report)
	}
	if len(report.Components) != 2 || report.Components[0].Name != "bus" || report.Components[0].Err == "" {
		t.Fatalf("unexpected components %+v", report.Components)
	}

	if err := reg.Register("lock", failing, true); err != nil {
		t.Fatalf("register: %v", err)
	}
	if report := reg.Check(context.Background()); report.Status != StatusDown || report.Healthy() {
		t.Fatalf("expected down report, got %+v", report)
	}
}

func TestRegistryBoundsSlowCheckers(t *testing.T) {
	reg := New(20 * time.Millisecond)
	_ = reg.Register("slow", CheckFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), true)

	start := time.Now()
	report := reg.Check(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("check took %s", elapsed)
	}
	if report.Status != StatusDown {
		t.Fatalf("expected timed out checker to be down, got %+v", report)
	}
}
