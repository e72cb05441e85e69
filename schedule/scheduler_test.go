package schedule_test

import (
	"testing"
	"time"

	"helpmarket/schedule"
	"helpmarket/schedule/schedtest"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestScheduleFiresOnce(t *testing.T) {
	clock := schedtest.NewManualClock(epoch)
	s := schedule.NewScheduler(clock)

	fired := 0
	s.Schedule("window:t1", epoch.Add(time.Minute), func() { fired++ })

	clock.Advance(30 * time.Second)
	if fired != 0 {
		t.Fatalf("fired early: %d", fired)
	}
	clock.Advance(time.Minute)
	clock.Advance(time.Hour)
	if fired != 1 {
		t.Fatalf("expected exactly one fire, got %d", fired)
	}
	if s.Pending("window:t1") {
		t.Fatalf("expected entry to be cleared after firing")
	}
}

func TestCancelPreventsFire(t *testing.T) {
	clock := schedtest.NewManualClock(epoch)
	s := schedule.NewScheduler(clock)

	fired := false
	s.Schedule("escrow:e1", epoch.Add(time.Hour), func() { fired = true })
	if !s.Cancel("escrow:e1") {
		t.Fatalf("expected cancel to report a pending deadline")
	}
	clock.Advance(2 * time.Hour)
	if fired {
		t.Fatalf("cancelled deadline fired")
	}
	if s.Cancel("escrow:e1") {
		t.Fatalf("second cancel should report nothing pending")
	}
}

func TestRescheduleReplacesDeadline(t *testing.T) {
	clock := schedtest.NewManualClock(epoch)
	s := schedule.NewScheduler(clock)

	var got []string
	s.Schedule("k", epoch.Add(time.Minute), func() { got = append(got, "first") })
	s.Schedule("k", epoch.Add(3*time.Minute), func() { got = append(got, "second") })

	clock.Advance(2 * time.Minute)
	if len(got) != 0 {
		t.Fatalf("replaced deadline fired: %v", got)
	}
	clock.Advance(2 * time.Minute)
	if len(got) != 1 || got[0] != "second" {
		t.Fatalf("unexpected fires: %v", got)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	clock := schedtest.NewManualClock(epoch)
	s := schedule.NewScheduler(clock)

	fired := map[string]bool{}
	s.Schedule("a", epoch.Add(time.Minute), func() { fired["a"] = true })
	s.Schedule("b", epoch.Add(time.Minute), func() { fired["b"] = true })
	s.Cancel("a")

	clock.Advance(time.Minute)
	if fired["a"] || !fired["b"] {
		t.Fatalf("unexpected fire set: %v", fired)
	}
}

func TestPastDeadlineFiresOnNextAdvance(t *testing.T) {
	clock := schedtest.NewManualClock(epoch)
	s := schedule.NewScheduler(clock)

	fired := false
	s.Schedule("overdue", epoch.Add(-time.Hour), func() { fired = true })
	clock.Advance(0)
	if !fired {
		t.Fatalf("overdue deadline should fire immediately")
	}
}

func TestCloseStopsEverything(t *testing.T) {
	clock := schedtest.NewManualClock(epoch)
	s := schedule.NewScheduler(clock)

	fired := false
	s.Schedule("x", epoch.Add(time.Second), func() { fired = true })
	s.Close()
	s.Schedule("y", epoch.Add(time.Second), func() { fired = true })

	clock.Advance(time.Minute)
	if fired {
		t.Fatalf("closed scheduler fired a callback")
	}
	if s.Len() != 0 {
		t.Fatalf("expected no armed deadlines, got %d", s.Len())
	}
}

func TestSystemClockFires(t *testing.T) {
	s := schedule.NewScheduler(nil)
	done := make(chan struct{})
	s.Schedule("real", time.Now().Add(10*time.Millisecond), func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("system clock timer never fired")
	}
}
