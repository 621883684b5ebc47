package poll

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUntil_SucceedsAfterRetries(t *testing.T) {
	clk := NewManualClock(time.Unix(0, 0))
	calls := 0
	err := Until(context.Background(), Options{Timeout: time.Second, Interval: 100 * time.Millisecond, Clock: clk}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Until: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
	if got := clk.Now().Sub(time.Unix(0, 0)); got != 200*time.Millisecond {
		t.Errorf("elapsed: got %s, want 200ms", got)
	}
}

func TestUntil_TimeoutBound(t *testing.T) {
	start := time.Unix(0, 0)
	clk := NewManualClock(start)
	cause := errors.New("element missing")
	timeout := 1050 * time.Millisecond
	interval := 200 * time.Millisecond

	err := Until(context.Background(), Options{Timeout: timeout, Interval: interval, Clock: clk}, func(context.Context) error {
		return cause
	})

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error: got %v, want *TimeoutError", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("expected errors.Is(err, ErrTimeout)")
	}
	if !errors.Is(err, cause) {
		t.Error("expected last cause to be wrapped")
	}
	elapsed := clk.Now().Sub(start)
	if elapsed > timeout+interval {
		t.Errorf("elapsed %s exceeds timeout+interval %s", elapsed, timeout+interval)
	}
	if elapsed < timeout {
		t.Errorf("elapsed %s shorter than timeout %s", elapsed, timeout)
	}
	// 0, 200, ..., 1000, final attempt at 1050.
	if te.Attempts != 7 {
		t.Errorf("attempts: got %d, want 7", te.Attempts)
	}
}

func TestUntil_ZeroTimeoutSingleAttempt(t *testing.T) {
	clk := NewManualClock(time.Unix(0, 0))
	calls := 0
	err := Until(context.Background(), Options{Clock: clk}, func(context.Context) error {
		calls++
		return errors.New("nope")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestUntil_Stop(t *testing.T) {
	clk := NewManualClock(time.Unix(0, 0))
	calls := 0
	fatal := errors.New("browser gone")
	err := Until(context.Background(), Options{Timeout: time.Minute, Clock: clk}, func(context.Context) error {
		calls++
		return Stop(fatal)
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("error: got %v, want %v", err, fatal)
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestUntil_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Until(ctx, Options{Timeout: time.Minute, Clock: NewManualClock(time.Unix(0, 0))}, func(context.Context) error {
		return errors.New("x")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error: got %v, want context.Canceled", err)
	}
}
