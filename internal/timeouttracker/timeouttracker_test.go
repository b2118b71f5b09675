package timeouttracker

import (
	"testing"
	"time"
)

func TestFirstFireWins(t *testing.T) {
	start := time.Now()
	tr := New(50*time.Millisecond, 10*time.Millisecond, 10*time.Millisecond)
	// Execution fires first because it is checked before the others.
	got := tr.Check(start.Add(60 * time.Millisecond))
	if got != Execution {
		t.Fatalf("Check() = %v, want Execution", got)
	}
	// Once latched, subsequent checks keep returning the same kind
	// even if the clock moves further.
	if got := tr.Check(start.Add(10 * time.Hour)); got != Execution {
		t.Fatalf("Check() after latch = %v, want Execution", got)
	}
}

func TestIdleFiresWithoutActivity(t *testing.T) {
	start := time.Now()
	tr := New(0, 5*time.Millisecond, 0)
	if got := tr.Check(start); got != None {
		t.Fatalf("Check() = %v, want None", got)
	}
	if got := tr.Check(start.Add(6 * time.Millisecond)); got != Idle {
		t.Fatalf("Check() = %v, want Idle", got)
	}
}

func TestActivityResetsIdleAndDisarmsConnection(t *testing.T) {
	start := time.Now()
	tr := New(0, 100*time.Millisecond, 5*time.Millisecond)
	tr.MarkActivity(start.Add(1 * time.Millisecond))
	// Connection timeout would have fired at +5ms without activity.
	if got := tr.Check(start.Add(10 * time.Millisecond)); got != None {
		t.Fatalf("Check() = %v, want None (connection disarmed by activity)", got)
	}
}

func TestDisabledDeadlineNeverFires(t *testing.T) {
	tr := New(0, 0, 0)
	if got := tr.Check(time.Now().Add(365 * 24 * time.Hour)); got != None {
		t.Fatalf("Check() = %v, want None with all deadlines disabled", got)
	}
}
