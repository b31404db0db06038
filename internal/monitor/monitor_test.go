package monitor

import (
	"testing"
	"time"
)

func testGovernor() (*LoadGovernor, *time.Time) {
	g := NewLoadGovernor(GovernorConfig{
		MaxStreams:       8,
		SustainedSamples: 3,
		Cooldown:         30 * time.Second,
	}, nil)
	now := time.Unix(1700000000, 0)
	g.now = func() time.Time { return now }
	return g, &now
}

// TestGovernorStartsNormal tests the initial state and budget.
func TestGovernorStartsNormal(t *testing.T) {
	g, _ := testGovernor()

	if g.Level() != LoadNormal {
		t.Errorf("Level = %v, want normal", g.Level())
	}
	if g.StreamBudget() != 8 {
		t.Errorf("StreamBudget = %d, want 8", g.StreamBudget())
	}
	if !g.AllowStream(7) {
		t.Error("stream 8 of 8 should be allowed")
	}
	if g.AllowStream(8) {
		t.Error("stream 9 of 8 should be refused")
	}
}

// TestGovernorSustainedEscalation tests that a single spike does not
// escalate but sustained pressure does.
func TestGovernorSustainedEscalation(t *testing.T) {
	g, _ := testGovernor()

	g.Observe(Snapshot{CPUPercent: 90})
	if g.Level() != LoadNormal {
		t.Error("one high sample should not escalate")
	}
	g.Observe(Snapshot{CPUPercent: 15})
	g.Observe(Snapshot{CPUPercent: 90})
	g.Observe(Snapshot{CPUPercent: 91})
	if g.Level() != LoadNormal {
		t.Error("interrupted pressure should not escalate")
	}

	g.Observe(Snapshot{CPUPercent: 89})
	if g.Level() != LoadHigh {
		t.Errorf("Level = %v, want high after three sustained samples", g.Level())
	}
	if g.StreamBudget() != 4 {
		t.Errorf("StreamBudget = %d, want 4", g.StreamBudget())
	}
}

// TestGovernorMemoryEscalatesToo tests that memory pressure alone
// counts.
func TestGovernorMemoryEscalatesToo(t *testing.T) {
	g, _ := testGovernor()

	for i := 0; i < 3; i++ {
		g.Observe(Snapshot{CPUPercent: 10, MemoryPercent: 96})
	}
	if g.Level() != LoadCritical {
		t.Errorf("Level = %v, want critical", g.Level())
	}
	if g.StreamBudget() != 1 {
		t.Errorf("StreamBudget = %d, want 1", g.StreamBudget())
	}
	if g.AllowStream(1) {
		t.Error("critical load should refuse a second stream")
	}
}

// TestGovernorCooldown tests that de-escalation waits out the
// cooldown and steps down one level at a time.
func TestGovernorCooldown(t *testing.T) {
	g, now := testGovernor()

	for i := 0; i < 3; i++ {
		g.Observe(Snapshot{CPUPercent: 95})
	}
	if g.Level() != LoadCritical {
		t.Fatalf("Level = %v, want critical", g.Level())
	}

	// Calm samples inside the cooldown do not step down.
	*now = now.Add(10 * time.Second)
	g.Observe(Snapshot{CPUPercent: 10})
	if g.Level() != LoadCritical {
		t.Error("cooldown not elapsed, level should hold")
	}

	// After the cooldown the level drops by one per calm sample.
	*now = now.Add(30 * time.Second)
	g.Observe(Snapshot{CPUPercent: 10})
	if g.Level() != LoadHigh {
		t.Errorf("Level = %v, want high after first step down", g.Level())
	}

	*now = now.Add(30 * time.Second)
	g.Observe(Snapshot{CPUPercent: 10})
	if g.Level() != LoadNormal {
		t.Errorf("Level = %v, want normal after second step down", g.Level())
	}
}

// TestGovernorHighLoadResetsCooldown tests that pressure at the
// current level keeps the cooldown fresh.
func TestGovernorHighLoadResetsCooldown(t *testing.T) {
	g, now := testGovernor()

	for i := 0; i < 3; i++ {
		g.Observe(Snapshot{CPUPercent: 85})
	}
	if g.Level() != LoadHigh {
		t.Fatalf("Level = %v, want high", g.Level())
	}

	*now = now.Add(25 * time.Second)
	g.Observe(Snapshot{CPUPercent: 85}) // still high, cooldown restarts
	*now = now.Add(25 * time.Second)
	g.Observe(Snapshot{CPUPercent: 10}) // only 25s of calm
	if g.Level() != LoadHigh {
		t.Error("calm shorter than the cooldown should not step down")
	}
}

// TestGovernorOnChange tests the change callback.
func TestGovernorOnChange(t *testing.T) {
	g, _ := testGovernor()
	var levels []LoadLevel
	g.SetOnChange(func(l LoadLevel) { levels = append(levels, l) })

	for i := 0; i < 3; i++ {
		g.Observe(Snapshot{CPUPercent: 85})
	}

	if len(levels) != 1 || levels[0] != LoadHigh {
		t.Errorf("levels = %v, want [high]", levels)
	}
}

// TestGovernorDefaults tests the zero-config fallbacks.
func TestGovernorDefaults(t *testing.T) {
	g := NewLoadGovernor(GovernorConfig{}, nil)
	def := DefaultGovernorConfig()

	if g.cfg.MaxStreams != def.MaxStreams {
		t.Errorf("MaxStreams = %d, want %d", g.cfg.MaxStreams, def.MaxStreams)
	}
	if g.cfg.HighCPU != def.HighCPU {
		t.Errorf("HighCPU = %v, want %v", g.cfg.HighCPU, def.HighCPU)
	}
	if g.cfg.Cooldown != def.Cooldown {
		t.Errorf("Cooldown = %v, want %v", g.cfg.Cooldown, def.Cooldown)
	}
}

// TestLoadLevelString tests the level names.
func TestLoadLevelString(t *testing.T) {
	tests := []struct {
		level LoadLevel
		want  string
	}{
		{LoadNormal, "normal"},
		{LoadHigh, "high"},
		{LoadCritical, "critical"},
		{LoadLevel(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("String(%d) = %s, want %s", tt.level, got, tt.want)
		}
	}
}
