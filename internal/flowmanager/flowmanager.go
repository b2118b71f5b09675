// Package flowmanager implements the broker-level flow control
// manager from spec.md section 3: graduated levels selected by
// memory-usage fraction, coarser than the per-session hysteresis in
// internal/flowstate. There is no teacher equivalent; this is new,
// grounded directly on spec.md's prose description of the data model
// and section 4.3's adaptive poll-timeout behavior.
package flowmanager

import "time"

// Level is one of the five graduated flow-control states.
type Level int

const (
	LevelNormal Level = iota
	LevelLight
	LevelModerate
	LevelHeavy
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelLight:
		return "light"
	case LevelModerate:
		return "moderate"
	case LevelHeavy:
		return "heavy"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Fraction thresholds of capacity at which the level escalates.
const (
	lightFraction     = 0.50
	moderateFraction  = 0.70
	heavyFraction     = 0.85
	emergencyFraction = 0.95
)

// ClientState is the per-client bookkeeping named in spec.md section 3.
type ClientState struct {
	WindowStart   time.Time
	BytesInWindow int
	PendingBytes  int
	ThrottleCount int
	Priority      uint8
}

// Manager tracks the broker's aggregate memory usage and the current
// graduated flow-control level derived from it.
type Manager struct {
	capacityBytes int
	level         Level
	clients       map[uint64]*ClientState
}

// New creates a Manager with the given total byte capacity. A
// non-positive capacity disables graduation — the level stays Normal.
func New(capacityBytes int) *Manager {
	return &Manager{
		capacityBytes: capacityBytes,
		clients:       make(map[uint64]*ClientState),
	}
}

// Update recomputes the level from the broker's current aggregate
// buffered-byte usage and returns the new level.
func (m *Manager) Update(usedBytes int) Level {
	if m.capacityBytes <= 0 {
		m.level = LevelNormal
		return m.level
	}
	fraction := float64(usedBytes) / float64(m.capacityBytes)
	switch {
	case fraction >= emergencyFraction:
		m.level = LevelEmergency
	case fraction >= heavyFraction:
		m.level = LevelHeavy
	case fraction >= moderateFraction:
		m.level = LevelModerate
	case fraction >= lightFraction:
		m.level = LevelLight
	default:
		m.level = LevelNormal
	}
	return m.level
}

// Level reports the last-computed level without recomputing it.
func (m *Manager) Level() Level { return m.level }

// ClientState returns (creating if needed) the per-client throttle
// bookkeeping for id.
func (m *Manager) ClientState(id uint64) *ClientState {
	cs, ok := m.clients[id]
	if !ok {
		cs = &ClientState{WindowStart: zeroTime}
		m.clients[id] = cs
	}
	return cs
}

// zeroTime avoids importing time.Now at package scope (tests may run
// under deterministic clocks); callers set WindowStart explicitly
// when they begin tracking a window.
var zeroTime time.Time

// RemoveClient drops a client's throttle state, called when the
// broker removes the client from its pool.
func (m *Manager) RemoveClient(id uint64) {
	delete(m.clients, id)
}

// ShouldSend reports whether a client with the given priority may
// still send outbound data at the manager's current level: at
// LevelEmergency only priority-0 (highest) clients are served; at
// LevelHeavy priorities above 2 are throttled; lighter levels always
// allow sending since their effect is purely on the poll timeout.
func (m *Manager) ShouldSend(priority uint8) bool {
	switch m.level {
	case LevelEmergency:
		return priority == 0
	case LevelHeavy:
		return priority <= 2
	default:
		return true
	}
}
