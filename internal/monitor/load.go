package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LoadLevel classifies how stressed the console host is.
type LoadLevel int

const (
	// LoadNormal means streams may run up to the configured maximum.
	LoadNormal LoadLevel = iota
	// LoadHigh means the stream budget is halved.
	LoadHigh
	// LoadCritical means only the active stream should survive.
	LoadCritical
)

// String returns a string representation of the load level.
func (l LoadLevel) String() string {
	switch l {
	case LoadNormal:
		return "normal"
	case LoadHigh:
		return "high"
	case LoadCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// GovernorConfig configures load classification.
type GovernorConfig struct {
	// MaxStreams is the budget under normal load.
	MaxStreams int

	// Percent thresholds for the high and critical levels.
	HighCPU        float64
	HighMemory     float64
	CriticalCPU    float64
	CriticalMemory float64

	// SustainedSamples is how many consecutive samples must sit at a
	// level before the governor escalates to it.
	SustainedSamples int

	// Cooldown is how long load must stay below a level before the
	// governor steps back down.
	Cooldown time.Duration

	// SampleInterval paces the Run loop.
	SampleInterval time.Duration
}

// DefaultGovernorConfig returns the standard thresholds.
func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		MaxStreams:       12,
		HighCPU:          80.0,
		HighMemory:       85.0,
		CriticalCPU:      92.0,
		CriticalMemory:   95.0,
		SustainedSamples: 3,
		Cooldown:         30 * time.Second,
		SampleInterval:   5 * time.Second,
	}
}

// LoadGovernor turns load snapshots into a stream budget. Escalation
// requires sustained pressure and de-escalation waits out a cooldown,
// so a single spike neither sheds streams nor flaps the budget.
type LoadGovernor struct {
	cfg     GovernorConfig
	sampler *Sampler
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	level     LoadLevel
	pending   LoadLevel
	pendingN  int
	lastAbove time.Time
	onChange  func(LoadLevel)
}

// NewLoadGovernor creates a governor with the given configuration.
// Zero-value fields fall back to defaults.
func NewLoadGovernor(cfg GovernorConfig, logger *slog.Logger) *LoadGovernor {
	def := DefaultGovernorConfig()
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = def.MaxStreams
	}
	if cfg.HighCPU <= 0 {
		cfg.HighCPU = def.HighCPU
	}
	if cfg.HighMemory <= 0 {
		cfg.HighMemory = def.HighMemory
	}
	if cfg.CriticalCPU <= 0 {
		cfg.CriticalCPU = def.CriticalCPU
	}
	if cfg.CriticalMemory <= 0 {
		cfg.CriticalMemory = def.CriticalMemory
	}
	if cfg.SustainedSamples <= 0 {
		cfg.SustainedSamples = def.SustainedSamples
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LoadGovernor{
		cfg:     cfg,
		sampler: NewSampler(),
		logger:  logger,
		now:     time.Now,
	}
}

// SetOnChange installs a callback fired after each level change.
func (g *LoadGovernor) SetOnChange(fn func(LoadLevel)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onChange = fn
}

// Run samples load until ctx is cancelled.
func (g *LoadGovernor) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := g.sampler.Sample(ctx)
			if err != nil {
				g.logger.Debug("load sample failed", "error", err)
				continue
			}
			g.Observe(snap)
		}
	}
}

// classify maps one snapshot to its instantaneous level.
func (g *LoadGovernor) classify(snap Snapshot) LoadLevel {
	if snap.CPUPercent >= g.cfg.CriticalCPU || snap.MemoryPercent >= g.cfg.CriticalMemory {
		return LoadCritical
	}
	if snap.CPUPercent >= g.cfg.HighCPU || snap.MemoryPercent >= g.cfg.HighMemory {
		return LoadHigh
	}
	return LoadNormal
}

// Observe feeds one snapshot into the level state machine.
func (g *LoadGovernor) Observe(snap Snapshot) {
	g.mu.Lock()
	instant := g.classify(snap)
	now := g.now()
	changed := false

	switch {
	case instant > g.level:
		// Escalation needs sustained pressure at or above the
		// candidate level.
		if instant == g.pending {
			g.pendingN++
		} else {
			g.pending = instant
			g.pendingN = 1
		}
		g.lastAbove = now
		if g.pendingN >= g.cfg.SustainedSamples {
			g.level = instant
			g.pending = LoadNormal
			g.pendingN = 0
			changed = true
		}
	case instant == g.level:
		g.pending = LoadNormal
		g.pendingN = 0
		g.lastAbove = now
	default:
		// De-escalation waits out the cooldown, then drops one level
		// at a time.
		g.pending = LoadNormal
		g.pendingN = 0
		if now.Sub(g.lastAbove) >= g.cfg.Cooldown {
			g.level--
			g.lastAbove = now
			changed = true
		}
	}

	level := g.level
	onChange := g.onChange
	g.mu.Unlock()

	if changed {
		g.logger.Info("load level changed", "level", level.String(),
			"cpu", snap.CPUPercent, "memory", snap.MemoryPercent)
		if onChange != nil {
			onChange(level)
		}
	}
}

// Level returns the current load level.
func (g *LoadGovernor) Level() LoadLevel {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.level
}

// StreamBudget returns how many concurrent streams the console should
// keep alive at the current level.
func (g *LoadGovernor) StreamBudget() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	switch g.level {
	case LoadCritical:
		return 1
	case LoadHigh:
		budget := g.cfg.MaxStreams / 2
		if budget < 1 {
			budget = 1
		}
		return budget
	default:
		return g.cfg.MaxStreams
	}
}

// AllowStream reports whether one more stream fits the budget given
// the number already running.
func (g *LoadGovernor) AllowStream(running int) bool {
	return running < g.StreamBudget()
}
