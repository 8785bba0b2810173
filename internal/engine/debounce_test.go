package engine

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncerCollapsesBurst(t *testing.T) {
	var fired int32
	d := NewDebouncer(30*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	})
	defer d.Stop()

	for i := 0; i < 20; i++ {
		d.Trigger()
		time.Sleep(time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&fired); got != 1 {
		t.Errorf("burst fired %d times, want 1", got)
	}
}

func TestDebouncerFiresAgainAfterQuietPeriod(t *testing.T) {
	var fired int32
	d := NewDebouncer(10*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	})
	defer d.Stop()

	d.Trigger()
	time.Sleep(50 * time.Millisecond)
	d.Trigger()
	time.Sleep(50 * time.Millisecond)

	if got := atomic.LoadInt32(&fired); got != 2 {
		t.Errorf("fired %d times, want 2", got)
	}
}

func TestDebouncerStopCancelsPending(t *testing.T) {
	var fired int32
	d := NewDebouncer(20*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	})

	d.Trigger()
	d.Stop()
	time.Sleep(60 * time.Millisecond)

	if got := atomic.LoadInt32(&fired); got != 0 {
		t.Errorf("fired %d times after Stop, want 0", got)
	}

	// Triggers after Stop are ignored.
	d.Trigger()
	time.Sleep(60 * time.Millisecond)
	if got := atomic.LoadInt32(&fired); got != 0 {
		t.Errorf("fired %d times after post-Stop trigger, want 0", got)
	}
}
