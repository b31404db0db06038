package stream

import (
	"fmt"
	"testing"
	"time"
)

type fakeRateSurface struct {
	rates []float64
}

func (f *fakeRateSurface) SetPlaybackRate(rate float64) {
	f.rates = append(f.rates, rate)
}

func (f *fakeRateSurface) current() float64 {
	if len(f.rates) == 0 {
		return normalRate
	}
	return f.rates[len(f.rates)-1]
}

// TestCatchUpEngages tests the high-water transition.
func TestCatchUpEngages(t *testing.T) {
	surface := &fakeRateSurface{}
	lag := 200 * time.Millisecond
	c := NewCatchUp(surface, func() (time.Duration, error) { return lag, nil }, nil)

	c.Sample()

	if !c.Engaged() {
		t.Error("lag above the high mark should engage")
	}
	if surface.current() != catchUpRate {
		t.Errorf("rate = %v, want %v", surface.current(), catchUpRate)
	}
}

// TestCatchUpBelowHighMarkStaysNormal tests that sub-threshold lag
// never engages.
func TestCatchUpBelowHighMarkStaysNormal(t *testing.T) {
	surface := &fakeRateSurface{}
	lag := 150 * time.Millisecond
	c := NewCatchUp(surface, func() (time.Duration, error) { return lag, nil }, nil)

	c.Sample()

	if c.Engaged() {
		t.Error("lag below the high mark should not engage")
	}
	if len(surface.rates) != 0 {
		t.Errorf("rate should be untouched, got %v", surface.rates)
	}
}

// TestCatchUpHysteresis tests that the band between the marks holds
// the current state in both directions.
func TestCatchUpHysteresis(t *testing.T) {
	surface := &fakeRateSurface{}
	lag := 200 * time.Millisecond
	c := NewCatchUp(surface, func() (time.Duration, error) { return lag, nil }, nil)

	c.Sample() // engage at 200ms
	lag = 120 * time.Millisecond
	c.Sample() // inside the band: hold
	if !c.Engaged() {
		t.Error("lag inside the band should stay engaged")
	}

	lag = 80 * time.Millisecond
	c.Sample() // at the low mark: release
	if c.Engaged() {
		t.Error("lag at the low mark should release")
	}
	if surface.current() != normalRate {
		t.Errorf("rate = %v, want %v", surface.current(), normalRate)
	}

	lag = 120 * time.Millisecond
	c.Sample() // inside the band again: hold normal
	if c.Engaged() {
		t.Error("band re-entry from below should not engage")
	}
}

// TestCatchUpNoOscillation tests that a drain from 200ms to 70ms
// produces exactly one engage and one release.
func TestCatchUpNoOscillation(t *testing.T) {
	surface := &fakeRateSurface{}
	var lag time.Duration
	c := NewCatchUp(surface, func() (time.Duration, error) { return lag, nil }, nil)

	for _, ms := range []int{200, 190, 150, 120, 90, 80, 70, 60} {
		lag = time.Duration(ms) * time.Millisecond
		c.Sample()
	}

	if len(surface.rates) != 2 {
		t.Fatalf("rate changes = %v, want exactly [%v %v]", surface.rates, catchUpRate, normalRate)
	}
	if surface.rates[0] != catchUpRate || surface.rates[1] != normalRate {
		t.Errorf("rates = %v, want [%v %v]", surface.rates, catchUpRate, normalRate)
	}
}

// TestCatchUpSkipsFailedSamples tests that measurement errors change
// nothing.
func TestCatchUpSkipsFailedSamples(t *testing.T) {
	surface := &fakeRateSurface{}
	lag := 200 * time.Millisecond
	var fail bool
	c := NewCatchUp(surface, func() (time.Duration, error) {
		if fail {
			return 0, fmt.Errorf("no stats yet")
		}
		return lag, nil
	}, nil)

	c.Sample()
	fail = true
	lag = 0
	c.Sample()

	if !c.Engaged() {
		t.Error("failed sample should not release")
	}
	if surface.current() != catchUpRate {
		t.Errorf("rate = %v, want %v", surface.current(), catchUpRate)
	}
}

// TestCatchUpStop tests that stop always restores normal speed.
func TestCatchUpStop(t *testing.T) {
	surface := &fakeRateSurface{}
	c := NewCatchUp(surface, func() (time.Duration, error) { return 300 * time.Millisecond, nil }, nil)

	c.Sample()
	c.Stop()

	if c.Engaged() {
		t.Error("stop should disengage")
	}
	if surface.current() != normalRate {
		t.Errorf("rate = %v, want %v", surface.current(), normalRate)
	}
}
