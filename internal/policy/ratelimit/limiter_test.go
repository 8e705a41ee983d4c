package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/JakeFAU/luneth-sync/internal/metrics"
)

func TestLimiter_Wait(t *testing.T) {
	metrics.Init()
	// 10 RPS with burst 1 means one token every 100ms.
	l := New(Config{
		DefaultRPS:   10,
		DefaultBurst: 1,
	})

	ctx := context.Background()
	if err := l.Wait(ctx, "https://catalog.example/page/1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	start := time.Now()
	if err := l.Wait(ctx, "https://catalog.example/page/2"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_DifferentDomains(t *testing.T) {
	l := New(Config{
		DefaultRPS:   1,
		DefaultBurst: 1,
	})

	ctx := context.Background()
	if err := l.Wait(ctx, "https://a.example/1"); err != nil {
		t.Fatal(err)
	}

	// Domain B should not be blocked by A.
	start := time.Now()
	if err := l.Wait(ctx, "https://b.example/1"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 10*time.Millisecond {
		t.Errorf("domain B blocked unexpectedly")
	}
}

func TestFromDelay(t *testing.T) {
	ctx := context.Background()

	unlimited := FromDelay(0)
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := unlimited.Wait(ctx, "https://catalog.example/"); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > 10*time.Millisecond {
		t.Errorf("zero delay should not block")
	}

	spaced := FromDelay(50 * time.Millisecond)
	if err := spaced.Wait(ctx, "https://catalog.example/"); err != nil {
		t.Fatal(err)
	}
	start = time.Now()
	if err := spaced.Wait(ctx, "https://catalog.example/"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 40*time.Millisecond {
		t.Errorf("expected ~50ms spacing, got %v", dur)
	}
}

func TestLimiter_WaitCanceled(t *testing.T) {
	l := FromDelay(time.Hour)
	if err := l.Wait(context.Background(), "https://catalog.example/"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "https://catalog.example/"); err == nil {
		t.Fatal("expected error when the wait exceeds the deadline")
	}
}

func TestDomainOf(t *testing.T) {
	if got := domainOf("https://Catalog.example/x"); got != "Catalog.example" {
		t.Errorf("unexpected domain %q", got)
	}
	if got := domainOf("::bad"); got != "unknown" {
		t.Errorf("expected unknown, got %q", got)
	}
}
