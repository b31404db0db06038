package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// lagSamplePeriod is how often the receive buffer is measured.
	lagSamplePeriod = time.Second

	// Catch-up engages above the high mark and releases at or below
	// the low mark. The gap between them absorbs measurement noise.
	lagHighMark = 180 * time.Millisecond
	lagLowMark  = 80 * time.Millisecond

	// catchUpRate drains buffered video slightly faster than real
	// time without making motion look wrong.
	catchUpRate = 1.15
	normalRate  = 1.0
)

// LagFunc measures how far behind live playback currently is.
type LagFunc func() (time.Duration, error)

// RateSetter is the playback speed control of a surface.
type RateSetter interface {
	SetPlaybackRate(rate float64)
}

// CatchUp nudges playback above real time while the receive buffer
// runs long, then returns it to normal. Latency creeps up whenever
// the network stalls and recovers; without this the stream stays
// permanently behind by the worst stall seen.
type CatchUp struct {
	surface RateSetter
	lag     LagFunc
	logger  *slog.Logger

	mu      sync.Mutex
	engaged bool
}

// NewCatchUp builds a controller reading lag from lag and steering
// surface.
func NewCatchUp(surface RateSetter, lag LagFunc, logger *slog.Logger) *CatchUp {
	if logger == nil {
		logger = slog.Default()
	}
	return &CatchUp{surface: surface, lag: lag, logger: logger}
}

// Run samples once a second until ctx is cancelled, then restores
// normal playback speed.
func (c *CatchUp) Run(ctx context.Context) {
	ticker := time.NewTicker(lagSamplePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Stop()
			return
		case <-ticker.C:
			c.Sample()
		}
	}
}

// Sample takes one lag measurement and adjusts the playback rate.
// Measurement errors skip the interval without changing state.
func (c *CatchUp) Sample() {
	lag, err := c.lag()
	if err != nil {
		c.logger.Debug("lag sample skipped", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.engaged && lag > lagHighMark {
		c.engaged = true
		c.surface.SetPlaybackRate(catchUpRate)
		c.logger.Debug("catch-up engaged", "lag", lag)
		return
	}
	if c.engaged && lag <= lagLowMark {
		c.engaged = false
		c.surface.SetPlaybackRate(normalRate)
		c.logger.Debug("catch-up released", "lag", lag)
	}
}

// Stop disengages and restores normal playback speed.
func (c *CatchUp) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engaged {
		c.engaged = false
	}
	c.surface.SetPlaybackRate(normalRate)
}

// Engaged reports whether catch-up is currently active.
func (c *CatchUp) Engaged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engaged
}
