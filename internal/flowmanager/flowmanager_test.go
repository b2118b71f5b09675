package flowmanager

import "testing"

func TestLevelEscalatesWithUsageFraction(t *testing.T) {
	m := New(1000)

	cases := []struct {
		used  int
		level Level
	}{
		{0, LevelNormal},
		{499, LevelNormal},
		{500, LevelLight},
		{700, LevelModerate},
		{850, LevelHeavy},
		{950, LevelEmergency},
	}
	for _, c := range cases {
		if got := m.Update(c.used); got != c.level {
			t.Fatalf("Update(%d) = %v, want %v", c.used, got, c.level)
		}
	}
}

func TestZeroCapacityDisablesGraduation(t *testing.T) {
	m := New(0)
	if got := m.Update(1_000_000); got != LevelNormal {
		t.Fatalf("Update with zero capacity = %v, want LevelNormal", got)
	}
}

func TestShouldSendThrottlesLowPriorityUnderPressure(t *testing.T) {
	m := New(1000)
	m.Update(960) // emergency
	if !m.ShouldSend(0) {
		t.Fatal("priority 0 must always be served at emergency")
	}
	if m.ShouldSend(1) {
		t.Fatal("priority 1 must be throttled at emergency")
	}
}
