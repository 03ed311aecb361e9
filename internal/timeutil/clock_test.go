package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_After(t *testing.T) {
	clock := RealClock{}
	select {
	case <-clock.After(5 * time.Millisecond):
	case <-time.After(time.Second):
		t.Error("After did not fire")
	}
}

func TestMockClock_Now(t *testing.T) {
	fixedTime := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(fixedTime)

	if got := clock.Now(); !got.Equal(fixedTime) {
		t.Errorf("got %v, want %v", got, fixedTime)
	}
}

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.Advance(1500 * time.Millisecond)

	if got := clock.Since(start); got != 1500*time.Millisecond {
		t.Errorf("Since() = %v, want 1.5s", got)
	}
}

func TestMockClock_SleepRecordsOnly(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.Sleep(10 * time.Millisecond)
	clock.Sleep(20 * time.Millisecond)

	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 10*time.Millisecond || sleeps[1] != 20*time.Millisecond {
		t.Errorf("Sleeps() = %v", sleeps)
	}
	if !clock.Now().Equal(start) {
		t.Errorf("Sleep advanced a non-stepping clock to %v", clock.Now())
	}
}

func TestSteppingClock_SleepAdvances(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewSteppingClock(start)
	clock.Sleep(250 * time.Millisecond)

	if got := clock.Since(start); got != 250*time.Millisecond {
		t.Errorf("Since() = %v, want 250ms", got)
	}
}

func TestMockClock_AfterFiresOnAdvance(t *testing.T) {
	clock := NewMockClock(time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC))
	ch := clock.After(time.Second)

	clock.Advance(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("After fired early")
	default:
	}

	clock.Advance(500 * time.Millisecond)
	select {
	case <-ch:
	default:
		t.Fatal("After did not fire at deadline")
	}
}

func TestMockClock_AfterZero(t *testing.T) {
	clock := NewMockClock(time.Time{})
	select {
	case <-clock.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}
