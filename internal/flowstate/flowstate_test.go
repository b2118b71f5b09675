package flowstate

import "testing"

func TestHysteresis(t *testing.T) {
	s := New(1000, 0.8, 0.5) // pause=800, resume=500
	if s.Disabled() {
		t.Fatal("expected flow control enabled")
	}
	if s.Update(799) {
		t.Fatal("should not pause below threshold")
	}
	if !s.Update(800) {
		t.Fatal("should pause at threshold")
	}
	// Between resume and pause thresholds, must stay paused.
	if !s.Update(600) {
		t.Fatal("should remain paused above resume threshold")
	}
	if s.Update(500) {
		t.Fatal("should resume at or below resume threshold")
	}
}

func TestResumeForcedBelowPauseWhenRoundingCollides(t *testing.T) {
	s := New(10, 0.5, 0.5) // pause=5, resume=5 collide -> forced to 5-max(1,1)=4
	if s.ResumeThreshold != s.PauseThreshold-1 {
		t.Fatalf("resume=%d pause=%d, want resume = pause-1", s.ResumeThreshold, s.PauseThreshold)
	}
}

func TestZeroPauseDisablesFlowControl(t *testing.T) {
	s := New(1000, 0, 0)
	if !s.Disabled() {
		t.Fatal("expected flow control disabled with pausePercent=0")
	}
	if s.Update(1_000_000) {
		t.Fatal("disabled flow control must never report paused")
	}
}

func TestSingleUpdateNeverFlipsBothWays(t *testing.T) {
	s := New(100, 0.8, 0.2) // pause=80, resume=20
	s.Update(80)
	if !s.Paused {
		t.Fatal("expected paused after crossing pause threshold")
	}
	// A call that lands between thresholds must not unpause.
	before := s.Paused
	s.Update(50)
	if s.Paused != before {
		t.Fatal("single update flipped pause state between thresholds")
	}
}

func TestValidate(t *testing.T) {
	s := &State{PauseThreshold: 100, ResumeThreshold: 100}
	if err := s.Validate(1000); err == nil {
		t.Fatal("expected error when resume >= pause")
	}
	s2 := &State{PauseThreshold: 2000, ResumeThreshold: 100}
	if err := s2.Validate(1000); err == nil {
		t.Fatal("expected error when pause exceeds max total")
	}
}
