// Package timeouttracker holds the three independent session deadlines
// described by the exec session core: execution, idle and connection.
package timeouttracker

import "time"

// Kind identifies which deadline fired.
type Kind int

const (
	// None means no deadline has fired yet.
	None Kind = iota
	// Execution fires when the session has run longer than its
	// configured wall-clock budget, regardless of activity.
	Execution
	// Idle fires when no I/O activity has been observed for the
	// configured idle window.
	Idle
	// Connection fires when the session has not reached the point of
	// flowing data within the configured connection window.
	Connection
)

func (k Kind) String() string {
	switch k {
	case Execution:
		return "execution"
	case Idle:
		return "idle"
	case Connection:
		return "connection"
	default:
		return "none"
	}
}

// Tracker tracks the three deadlines for one session. Zero durations
// disable the corresponding deadline.
type Tracker struct {
	start        time.Time
	lastActivity time.Time

	executionTimeout time.Duration
	idleTimeout      time.Duration
	connectTimeout   time.Duration

	dataFlowed bool
	fired      Kind
}

// New creates a Tracker whose clock starts now.
func New(executionTimeout, idleTimeout, connectTimeout time.Duration) *Tracker {
	now := time.Now()
	return &Tracker{
		start:            now,
		lastActivity:     now,
		executionTimeout: executionTimeout,
		idleTimeout:      idleTimeout,
		connectTimeout:   connectTimeout,
	}
}

// MarkActivity records I/O activity, resetting the idle deadline and
// disarming the connection deadline (once data has flowed, the
// connection deadline no longer applies).
func (t *Tracker) MarkActivity(now time.Time) {
	t.lastActivity = now
	t.dataFlowed = true
}

// Check evaluates all three deadlines against now and returns the
// first one that has fired. Once a deadline has fired, Check keeps
// returning it on every subsequent call (cancellation is the caller's
// responsibility, via session teardown).
func (t *Tracker) Check(now time.Time) Kind {
	if t.fired != None {
		return t.fired
	}

	if t.executionTimeout > 0 && now.Sub(t.start) >= t.executionTimeout {
		t.fired = Execution
		return t.fired
	}
	if !t.dataFlowed && t.connectTimeout > 0 && now.Sub(t.start) >= t.connectTimeout {
		t.fired = Connection
		return t.fired
	}
	if t.idleTimeout > 0 && now.Sub(t.lastActivity) >= t.idleTimeout {
		t.fired = Idle
		return t.fired
	}
	return None
}

// Fired reports the deadline (if any) that has already latched in,
// without re-evaluating the clock.
func (t *Tracker) Fired() Kind { return t.fired }
