package breaker

import (
	"path/filepath"
	"testing"
	"time"
)

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b := New(Options{FailureThreshold: 5, RetryTimeout: time.Minute})

	for i := 0; i < 4; i++ {
		b.Failure()
		if b.State() != Closed {
			t.Fatalf("expected closed after %d failures, got %s", i+1, b.State())
		}
	}
	b.Failure()
	if b.State() != Open {
		t.Fatalf("expected open after 5th failure, got %s", b.State())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := New(Options{FailureThreshold: 1, RetryTimeout: 10 * time.Millisecond})
	b.Failure()
	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}

	time.Sleep(20 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected half-open probe to be allowed after retry timeout")
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}

	b.Success()
	if b.State() != Closed {
		t.Fatalf("expected closed after successful probe, got %s", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(Options{FailureThreshold: 1, RetryTimeout: 10 * time.Millisecond})
	b.Failure()
	time.Sleep(20 * time.Millisecond)
	b.Allow()
	b.Failure()
	if b.State() != Open {
		t.Fatalf("expected open after failed probe, got %s", b.State())
	}
}

func TestBreaker_ErrorPercentOverVolume(t *testing.T) {
	b := New(Options{MinVolume: 5, ErrorPercent: 0.5, RetryTimeout: time.Minute})

	b.Success()
	b.Success()
	b.Failure()
	if b.State() != Closed {
		t.Fatalf("expected closed below min volume, got %s", b.State())
	}
	b.Failure()
	b.Failure()
	if b.State() != Open {
		t.Fatalf("expected open once error rate crosses threshold over min volume, got %s", b.State())
	}
}

func TestBreaker_PersistenceSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "breaker.json")

	b1 := New(Options{FailureThreshold: 1, RetryTimeout: time.Minute, StatePath: statePath})
	b1.Failure()
	if b1.State() != Open {
		t.Fatalf("expected open, got %s", b1.State())
	}

	b2 := New(Options{FailureThreshold: 1, RetryTimeout: time.Minute, StatePath: statePath})
	if b2.State() != Open {
		t.Fatalf("expected fresh breaker to load open state from disk, got %s", b2.State())
	}
}

func TestBreaker_AllowFalseWhenOpen(t *testing.T) {
	b := New(Options{FailureThreshold: 1, RetryTimeout: time.Hour})
	b.Failure()
	if b.Allow() {
		t.Fatal("expected Allow to be false while open and within retry timeout")
	}
}
