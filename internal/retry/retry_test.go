package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	wantErr := errors.New("always fails")
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 calls, got %d", calls)
	}
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	calls := 0
	inner := errors.New("bad input")
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(inner)
	})
	if !errors.Is(err, inner) {
		t.Fatalf("expected inner error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDoContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, 3, time.Hour, func() error {
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFixedSchedule(t *testing.T) {
	p := Fixed(time.Millisecond, 2*time.Millisecond, 3*time.Millisecond)
	if p.MaxAttempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", p.MaxAttempts)
	}

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return errors.New("down")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
}

func TestPolicyDelaySchedule(t *testing.T) {
	p := Policy{MaxAttempts: 4, Schedule: []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}}
	if got := p.delay(0); got != time.Second {
		t.Errorf("delay(0) = %v", got)
	}
	if got := p.delay(2); got != 15*time.Second {
		t.Errorf("delay(2) = %v", got)
	}
	// Out-of-range retries reuse the last scheduled delay.
	if got := p.delay(9); got != 15*time.Second {
		t.Errorf("delay(9) = %v", got)
	}
}

func TestPolicyDelayExponential(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: 2 * time.Second}
	if got := p.delay(0); got != 2*time.Second {
		t.Errorf("delay(0) = %v", got)
	}
	if got := p.delay(1); got != 4*time.Second {
		t.Errorf("delay(1) = %v", got)
	}
	if got := p.delay(2); got != 8*time.Second {
		t.Errorf("delay(2) = %v", got)
	}
}
