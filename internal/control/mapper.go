// Package control turns operator gestures into device commands: it
// maps viewport coordinates onto the remote screen, throttles move
// floods, and fans commands out across the direct and relayed paths.
package control

import "math"

// Rotation is the device UI orientation in degrees clockwise from
// portrait. Video frames always arrive in sensor orientation, so
// mapped coordinates must be rotated back before they are sent.
type Rotation int

const (
	Rotate0   Rotation = 0
	Rotate90  Rotation = 90
	Rotate180 Rotation = 180
	Rotate270 Rotation = 270
)

// Point is a position in normalized device coordinates, both axes in
// [0, 1] relative to the device screen in its current orientation.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is the bounding box of a video element in viewport pixels.
type Rect struct {
	X float64
	Y float64
	W float64
	H float64
}

// Size is the intrinsic pixel size of the decoded video stream.
type Size struct {
	W float64
	H float64
}

// Map converts a viewport position into normalized device
// coordinates. The video is assumed to be letterboxed into its
// bounding box preserving aspect ratio. It returns false when the
// stream has no decoded frames yet or the position falls outside the
// displayed video area, including inside the letterbox bars.
func Map(clientX, clientY float64, bound Rect, intrinsic Size, rot Rotation) (Point, bool) {
	if intrinsic.W <= 0 || intrinsic.H <= 0 {
		return Point{}, false
	}
	if bound.W <= 0 || bound.H <= 0 {
		return Point{}, false
	}

	scale := math.Min(bound.W/intrinsic.W, bound.H/intrinsic.H)
	displayW := intrinsic.W * scale
	displayH := intrinsic.H * scale
	offsetX := (bound.W - displayW) / 2
	offsetY := (bound.H - displayH) / 2

	px := clientX - bound.X - offsetX
	py := clientY - bound.Y - offsetY
	if px < 0 || py < 0 || px > displayW || py > displayH {
		return Point{}, false
	}

	x := px / displayW
	y := py / displayH

	// The stream is encoded in sensor orientation. Undo the UI
	// rotation so coordinates land where the operator pointed.
	switch rot {
	case Rotate90:
		x, y = y, 1-x
	case Rotate180:
		x, y = 1-x, 1-y
	case Rotate270:
		x, y = 1-y, x
	}

	return Point{X: clamp01(x), Y: clamp01(y)}, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
