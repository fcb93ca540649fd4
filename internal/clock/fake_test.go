package clock

import (
	"testing"
	"time"
)

func TestFakeClockAdvanceFiresDueWaiters(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := NewFakeClock(start)

	short := clk.After(5 * time.Second)
	long := clk.After(20 * time.Second)

	clk.Advance(10 * time.Second)

	select {
	case got := <-short:
		if !got.Equal(start.Add(10 * time.Second)) {
			t.Fatalf("unexpected fire time %v", got)
		}
	default:
		t.Fatalf("expected short waiter to fire")
	}

	select {
	case <-long:
		t.Fatalf("long waiter fired early")
	default:
	}

	clk.Advance(10 * time.Second)
	select {
	case <-long:
	default:
		t.Fatalf("expected long waiter to fire")
	}
}

func TestFakeClockBlockUntil(t *testing.T) {
	clk := NewFakeClock(time.Unix(0, 0))
	done := make(chan struct{})

	go func() {
		<-clk.After(time.Minute)
		close(done)
	}()

	clk.BlockUntil(1)
	clk.Advance(time.Minute)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("waiter never released")
	}
}

func TestFakeClockNonPositiveDurationFiresImmediately(t *testing.T) {
	clk := NewFakeClock(time.Unix(100, 0))
	select {
	case <-clk.After(0):
	default:
		t.Fatalf("expected immediate fire")
	}
}
