package control

import (
	"math"
	"sync"
	"time"
)

// DefaultMoveEpsilon is the minimum normalized distance on either
// axis before a queued move is worth transmitting. Below it the
// pointer has not visibly moved on any real screen.
const DefaultMoveEpsilon = 0.004

// FrameScheduler schedules a callback for the next presentation
// frame. The returned cancel revokes a pending callback; calling it
// after the callback ran is harmless.
type FrameScheduler interface {
	Schedule(fn func()) (cancel func())
}

// IntervalScheduler is a FrameScheduler driven by a fixed interval,
// standing in for a display refresh callback.
type IntervalScheduler struct {
	Interval time.Duration
}

// NewIntervalScheduler returns a scheduler ticking at the given rate.
func NewIntervalScheduler(fps int) *IntervalScheduler {
	if fps <= 0 {
		fps = 60
	}
	return &IntervalScheduler{Interval: time.Second / time.Duration(fps)}
}

func (s *IntervalScheduler) Schedule(fn func()) (cancel func()) {
	timer := time.AfterFunc(s.Interval, fn)
	return func() { timer.Stop() }
}

// MoveThrottler coalesces a stream of pointer moves down to at most
// one transmission per frame. Moves smaller than epsilon on both axes
// relative to the last transmitted position are suppressed entirely.
type MoveThrottler struct {
	sched   FrameScheduler
	send    func(Point)
	epsilon float64

	mu       sync.Mutex
	pending  *Point
	lastSent *Point
	cancel   func()
	dropped  uint64
}

// NewMoveThrottler builds a throttler that delivers surviving moves
// to send. A zero epsilon disables distance suppression.
func NewMoveThrottler(sched FrameScheduler, epsilon float64, send func(Point)) *MoveThrottler {
	return &MoveThrottler{sched: sched, send: send, epsilon: epsilon}
}

// Queue records a move for the next frame, replacing any move already
// waiting. The first queued move arms the frame callback.
func (t *MoveThrottler) Queue(p Point) {
	t.mu.Lock()
	defer t.mu.Unlock()
	armed := t.pending != nil
	if armed {
		t.dropped++
	}
	t.pending = &p
	if !armed {
		t.cancel = t.sched.Schedule(t.fire)
	}
}

func (t *MoveThrottler) fire() {
	t.mu.Lock()
	p := t.takeLocked()
	t.mu.Unlock()
	if p != nil {
		t.send(*p)
	}
}

// takeLocked removes the pending move and applies the epsilon check,
// returning nil when nothing should be sent. Called with mu held.
func (t *MoveThrottler) takeLocked() *Point {
	p := t.pending
	t.pending = nil
	t.cancel = nil
	if p == nil {
		return nil
	}
	if t.lastSent != nil &&
		math.Abs(p.X-t.lastSent.X) < t.epsilon &&
		math.Abs(p.Y-t.lastSent.Y) < t.epsilon {
		t.dropped++
		return nil
	}
	t.lastSent = p
	return p
}

// Dropped returns how many moves were absorbed by coalescing or the
// epsilon check over the throttler's lifetime.
func (t *MoveThrottler) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Flush transmits the pending move immediately instead of waiting for
// the frame callback. The epsilon check still applies, so a flush
// never emits a move that normal delivery would have suppressed.
func (t *MoveThrottler) Flush() {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	p := t.takeLocked()
	t.mu.Unlock()
	if p != nil {
		t.send(*p)
	}
}

// Reset drops any pending move and forgets the last transmitted
// position, so the next gesture starts from a clean slate.
func (t *MoveThrottler) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.pending = nil
	t.lastSent = nil
}
