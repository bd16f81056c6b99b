package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("base-sepolia") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	// 2 failures = still closed
	b.RecordFailure("base-sepolia")
	b.RecordFailure("base-sepolia")
	if !b.Allow("base-sepolia") {
		t.Fatal("should still allow before threshold")
	}

	// 3rd failure = open
	b.RecordFailure("base-sepolia")
	if b.Allow("base-sepolia") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("base-sepolia") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("base-sepolia"))
	}
}

func TestBreaker_TripOpensImmediately(t *testing.T) {
	b := New(5, 100*time.Millisecond)

	b.Trip("base-sepolia")
	if b.Allow("base-sepolia") {
		t.Fatal("should reject immediately after Trip")
	}
	if b.State("base-sepolia") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("base-sepolia"))
	}
}

func TestBreaker_OpenToHalfOpenAfterDuration(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("base-sepolia")
	b.RecordFailure("base-sepolia")
	if b.Allow("base-sepolia") {
		t.Fatal("should be open")
	}

	// Wait for open duration.
	time.Sleep(60 * time.Millisecond)

	// Should transition to half-open and allow one probe.
	if !b.Allow("base-sepolia") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("base-sepolia") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("base-sepolia"))
	}

	// Second request while half-open should be rejected.
	if b.Allow("base-sepolia") {
		t.Fatal("should reject second request in half-open")
	}
}

func TestBreaker_HalfOpenProbeSuccessCloses(t *testing.T) {
	b := New(2, 20*time.Millisecond)

	b.RecordFailure("eth-sepolia")
	b.RecordFailure("eth-sepolia")
	time.Sleep(30 * time.Millisecond)

	if !b.Allow("eth-sepolia") {
		t.Fatal("should allow probe")
	}
	b.RecordSuccess("eth-sepolia")

	if b.State("eth-sepolia") != StateClosed {
		t.Fatalf("expected StateClosed after successful probe, got %v", b.State("eth-sepolia"))
	}
	if !b.Allow("eth-sepolia") {
		t.Fatal("closed circuit should allow")
	}
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	b := New(2, 20*time.Millisecond)

	b.RecordFailure("eth-sepolia")
	b.RecordFailure("eth-sepolia")
	time.Sleep(30 * time.Millisecond)

	if !b.Allow("eth-sepolia") {
		t.Fatal("should allow probe")
	}
	b.RecordFailure("eth-sepolia")

	if b.State("eth-sepolia") != StateOpen {
		t.Fatalf("expected StateOpen after failed probe, got %v", b.State("eth-sepolia"))
	}
	if b.Allow("eth-sepolia") {
		t.Fatal("reopened circuit should reject")
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b := New(2, time.Minute)

	b.RecordFailure("base-sepolia")
	b.RecordFailure("base-sepolia")

	if b.Allow("base-sepolia") {
		t.Fatal("base-sepolia should be open")
	}
	if !b.Allow("eth-sepolia") {
		t.Fatal("eth-sepolia should remain closed")
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := New(5, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Allow("base-sepolia")
				b.RecordFailure("base-sepolia")
				b.RecordSuccess("base-sepolia")
				b.State("base-sepolia")
			}
		}()
	}
	wg.Wait()
}
