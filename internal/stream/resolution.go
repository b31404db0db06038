package stream

import (
	"fmt"
	"math"
	"sync"

	"github.com/havonz/XXTCloudControl-sub000/internal/control"
	"github.com/havonz/XXTCloudControl-sub000/internal/signaling"
)

const (
	// PixelBudget caps encoded output at 720x1280 worth of pixels
	// regardless of how large the device screen is.
	PixelBudget = 720 * 1280

	// Scale floors. Batch tiles may drop further than a single view
	// because legibility matters less than aggregate throughput.
	MinScaleBatch  = 0.1
	MinScaleSingle = 0.25

	// MaxScale keeps the encoder from upscaling past native size.
	MaxScale = 1.0

	// ScaleHysteresis suppresses re-encodes for scale drift smaller
	// than this against the scale the encoder is already using.
	ScaleHysteresis = 0.05

	// Default encoder frame rates per viewing mode.
	DefaultFrameRateSingle = 30
	DefaultFrameRateBatch  = 10
)

// Inputs describes everything that constrains the encoder target for
// one device.
type Inputs struct {
	DeviceWidth  int
	DeviceHeight int

	// UserCap is the operator-chosen maximum scale. Zero means
	// uncapped.
	UserCap float64

	// FrameRate requests a specific rate. Zero picks the mode default.
	FrameRate int

	// DPR converts CSS pixels to physical pixels. Zero means 1.
	DPR float64

	// Batch selects grid layout constraints over single-view ones.
	Batch bool

	// PanelWidth and Columns size one grid cell in batch mode.
	PanelWidth float64
	Columns    int

	// ViewportWidth and ViewportHeight bound the single view.
	ViewportWidth  float64
	ViewportHeight float64
}

// Target is the negotiated encoder output.
type Target struct {
	Scale     float64
	Width     int
	Height    int
	FrameRate int
}

// Compute derives the encoder target from the constraints: the
// operator cap, the on-screen size the video can actually occupy, and
// the pixel budget. The tightest constraint wins, then the mode floor
// and the native ceiling are applied, and dimensions snap down to
// even numbers for the encoder.
func Compute(in Inputs) (Target, error) {
	if in.DeviceWidth <= 0 || in.DeviceHeight <= 0 {
		return Target{}, fmt.Errorf("device size unknown (%dx%d)", in.DeviceWidth, in.DeviceHeight)
	}

	dpr := in.DPR
	if dpr <= 0 {
		dpr = 1
	}
	devW := float64(in.DeviceWidth)
	devH := float64(in.DeviceHeight)

	containerScale := math.Inf(1)
	if in.Batch {
		if in.Columns > 0 && in.PanelWidth > 0 {
			cellW := in.PanelWidth / float64(in.Columns) * dpr
			containerScale = cellW / devW
		}
	} else {
		if in.ViewportWidth > 0 && in.ViewportHeight > 0 {
			containerScale = math.Min(in.ViewportWidth*dpr/devW, in.ViewportHeight*dpr/devH)
		}
	}

	budgetScale := floor2(math.Sqrt(PixelBudget / (devW * devH)))

	scale := math.Min(containerScale, budgetScale)
	if in.UserCap > 0 {
		scale = math.Min(scale, in.UserCap)
	}

	floor := MinScaleSingle
	if in.Batch {
		floor = MinScaleBatch
	}
	if scale < floor {
		scale = floor
	}
	if scale > MaxScale {
		scale = MaxScale
	}

	rate := in.FrameRate
	if rate <= 0 {
		if in.Batch {
			rate = DefaultFrameRateBatch
		} else {
			rate = DefaultFrameRateSingle
		}
	}

	return Target{
		Scale:     scale,
		Width:     evenFloor(devW * scale),
		Height:    evenFloor(devH * scale),
		FrameRate: rate,
	}, nil
}

// floor2 truncates to two decimal places.
func floor2(v float64) float64 {
	return math.Floor(v*100) / 100
}

// evenFloor rounds down to the nearest even integer.
func evenFloor(v float64) int {
	n := int(math.Floor(v))
	return n - n%2
}

// Negotiator tracks what the encoder was last told so repeated layout
// churn does not turn into a stream of pointless re-encodes.
type Negotiator struct {
	mu      sync.Mutex
	applied *Target
}

// NewNegotiator starts with no applied target.
func NewNegotiator() *Negotiator {
	return &Negotiator{}
}

// SetApplied seeds the applied state, typically from the scale and
// frame rate carried in the session offer.
func (n *Negotiator) SetApplied(t Target) {
	n.mu.Lock()
	defer n.mu.Unlock()
	applied := t
	n.applied = &applied
}

// Applied returns the last target pushed to the encoder.
func (n *Negotiator) Applied() (Target, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.applied == nil {
		return Target{}, false
	}
	return *n.applied, true
}

// Commands returns the device commands needed to move the encoder to
// t. A scale within the hysteresis band of the running encoder scale
// is left alone; the frame rate goes out whenever it differs from the
// applied one, with no band of its own.
func (n *Negotiator) Commands(t Target) []signaling.Command {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.applied == nil {
		applied := t
		n.applied = &applied
		return []signaling.Command{
			control.StreamScale(t.Scale),
			control.StreamFrameRate(t.FrameRate),
		}
	}

	var out []signaling.Command
	if math.Abs(t.Scale-n.applied.Scale) > ScaleHysteresis {
		out = append(out, control.StreamScale(t.Scale))
		n.applied.Scale = t.Scale
		n.applied.Width = t.Width
		n.applied.Height = t.Height
	}
	if t.FrameRate != n.applied.FrameRate {
		out = append(out, control.StreamFrameRate(t.FrameRate))
		n.applied.FrameRate = t.FrameRate
	}
	return out
}

// Reset forgets the applied state. The next Commands call pushes
// everything, which is what a fresh session needs.
func (n *Negotiator) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.applied = nil
}
