// Package monitor watches console host load and decides how many
// concurrent video streams the machine can afford to decode.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is one load measurement.
type Snapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	Timestamp     time.Time `json:"timestamp"`
}

// Sampler reads host load.
type Sampler struct{}

// NewSampler creates a Sampler.
func NewSampler() *Sampler {
	return &Sampler{}
}

// Sample collects a load snapshot.
func (s *Sampler) Sample(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Timestamp: time.Now()}

	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return snap, fmt.Errorf("reading cpu usage: %w", err)
	}
	if len(cpuPercent) > 0 {
		snap.CPUPercent = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return snap, fmt.Errorf("reading memory usage: %w", err)
	}
	snap.MemoryPercent = memInfo.UsedPercent

	return snap, nil
}
