package control

import "sync"

// TouchSession serializes one drag gesture from press to release. A
// single pointer drives all devices, so at most one gesture can be in
// flight; Begin refuses a second press until the first one ends.
type TouchSession struct {
	dispatcher *Dispatcher
	throttler  *MoveThrottler

	mu     sync.Mutex
	active bool
	last   Point
}

// NewTouchSession creates a session dispatching through d, with moves
// coalesced on sched.
func NewTouchSession(d *Dispatcher, sched FrameScheduler) *TouchSession {
	s := &TouchSession{dispatcher: d}
	s.throttler = NewMoveThrottler(sched, DefaultMoveEpsilon, func(p Point) {
		d.Dispatch(TouchMove(p))
	})
	return s
}

// Begin starts a gesture at p. It reports false and does nothing when
// another gesture is already in flight.
func (s *TouchSession) Begin(p Point) bool {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return false
	}
	s.active = true
	s.last = p
	s.mu.Unlock()

	s.dispatcher.Dispatch(TouchDown(p))
	return true
}

// Move advances the gesture. Moves outside a gesture are dropped.
func (s *TouchSession) Move(p Point) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.last = p
	s.mu.Unlock()

	s.throttler.Queue(p)
}

// End finishes the gesture at p. Any coalesced move still waiting is
// delivered before the release so the release lands where the pointer
// actually stopped.
func (s *TouchSession) End(p Point) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.last = p
	s.mu.Unlock()

	s.finish(p)
}

// Cancel force-ends the gesture at its last known position. It is
// called when the stream closes or the active device changes mid-drag
// so no device is left with a stuck touch.
func (s *TouchSession) Cancel() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	p := s.last
	s.mu.Unlock()

	s.finish(p)
}

func (s *TouchSession) finish(p Point) {
	s.throttler.Flush()
	s.dispatcher.Dispatch(TouchUp(p))
	s.throttler.Reset()
}

// InFlight reports whether a gesture is currently active.
func (s *TouchSession) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Suppressed returns how many queued moves never reached the wire.
func (s *TouchSession) Suppressed() uint64 {
	return s.throttler.Dropped()
}
