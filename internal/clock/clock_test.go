package clock_test

import (
	"testing"
	"time"

	"pkt.systems/sessiond/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(1000, 0))
	ch := m.After(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before Advance")
	default:
	}
	m.Advance(4 * time.Second)
	if m.Pending() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", m.Pending())
	}
	m.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("timer did not fire after Advance past deadline")
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", m.Pending())
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}
