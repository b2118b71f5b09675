// Package flowstate implements the hysteresis-equipped pause/resume
// gate used by the exec session to stop submitting new reads when too
// much data is buffered, and resume once it has drained sufficiently.
package flowstate

import "fmt"

// State is the hysteresis gate described by spec.md's "Flow state"
// data model: paused once total buffered bytes reach PauseThreshold,
// and not un-paused until total drops to at most ResumeThreshold.
type State struct {
	PauseThreshold  int
	ResumeThreshold int
	Paused          bool
}

// New derives pause/resume thresholds from percentages of a total
// buffer budget, following the rounding and forced-separation rule:
// if resume would land at or above pause after rounding, resume is
// pulled down to pause - max(1, pause/4). A zero pausePercent disables
// flow control entirely (PauseThreshold == 0).
func New(maxTotalBufferBytes int, pausePercent, resumePercent float64) *State {
	if pausePercent <= 0 {
		return &State{}
	}
	pause := roundPercent(maxTotalBufferBytes, pausePercent)
	resume := roundPercent(maxTotalBufferBytes, resumePercent)
	if resume >= pause {
		resume = pause - max(1, pause/4)
	}
	return &State{PauseThreshold: pause, ResumeThreshold: resume}
}

func roundPercent(total int, pct float64) int {
	return int(pct*float64(total) + 0.5)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Disabled reports whether flow control is inactive (pause threshold
// of zero).
func (s *State) Disabled() bool { return s.PauseThreshold == 0 }

// Update re-evaluates the paused flag against the current total
// buffered byte count and returns the (possibly unchanged) paused
// state. A single call can only transition the gate in one direction:
// it cannot both pause and unpause within the same call.
func (s *State) Update(total int) bool {
	if s.Disabled() {
		s.Paused = false
		return false
	}
	switch {
	case !s.Paused && total >= s.PauseThreshold:
		s.Paused = true
	case s.Paused && total <= s.ResumeThreshold:
		s.Paused = false
	}
	return s.Paused
}

// Validate checks the invariant resume < pause <= maxTotal.
func (s *State) Validate(maxTotal int) error {
	if s.Disabled() {
		return nil
	}
	if s.ResumeThreshold >= s.PauseThreshold {
		return fmt.Errorf("flowstate: resume threshold %d must be less than pause threshold %d", s.ResumeThreshold, s.PauseThreshold)
	}
	if s.PauseThreshold > maxTotal {
		return fmt.Errorf("flowstate: pause threshold %d exceeds max total buffer bytes %d", s.PauseThreshold, maxTotal)
	}
	return nil
}
