// Package stream manages the video path of a device connection: the
// peer transport, the surface frames land on, resolution negotiation,
// and playback catch-up when the receive buffer runs long.
package stream

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"

	"github.com/havonz/XXTCloudControl-sub000/internal/control"
)

// VideoTrack is the slice of a remote track the surface needs.
// *webrtc.TrackRemote satisfies it.
type VideoTrack interface {
	ID() string
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Surface is where a device's video lands. It knows the decoded frame
// size, where it sits in the operator viewport, and how fast it plays.
type Surface interface {
	IntrinsicSize() control.Size
	Bounds() control.Rect
	PlaybackRate() float64
	SetPlaybackRate(rate float64)
}

// HeadlessSurface drains a remote track without rendering it. It
// stands in for a display surface on relay-side consumers: intrinsic
// size follows the negotiated encoder output, bounds follow the panel
// layout, and the playback rate is bookkeeping for catch-up logic.
type HeadlessSurface struct {
	logger *slog.Logger

	mu        sync.RWMutex
	intrinsic control.Size
	bounds    control.Rect
	rate      float64

	packets uint64
	bytes   uint64
	frames  uint64

	stop chan struct{}
	done chan struct{}
}

// NewHeadlessSurface creates a surface with playback at normal speed.
func NewHeadlessSurface(logger *slog.Logger) *HeadlessSurface {
	if logger == nil {
		logger = slog.Default()
	}
	return &HeadlessSurface{logger: logger, rate: 1.0}
}

// Attach starts draining the track until it ends or Detach is called.
func (s *HeadlessSurface) Attach(track VideoTrack) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		s.Detach()
		s.mu.Lock()
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop = stop
	s.done = done
	s.mu.Unlock()

	go s.drain(track, stop, done)
}

// Detach stops the drain loop and waits for it to exit.
func (s *HeadlessSurface) Detach() {
	s.mu.Lock()
	stop := s.stop
	done := s.done
	s.stop = nil
	s.done = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *HeadlessSurface) drain(track VideoTrack, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("track read ended", "track", track.ID(), "error", err)
			}
			return
		}

		s.mu.Lock()
		s.packets++
		s.bytes += uint64(len(pkt.Payload))
		if pkt.Marker {
			s.frames++
		}
		s.mu.Unlock()
	}
}

// SetIntrinsicSize records the size of decoded frames. Zero until the
// first negotiated target is known.
func (s *HeadlessSurface) SetIntrinsicSize(size control.Size) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intrinsic = size
}

// IntrinsicSize returns the decoded frame size.
func (s *HeadlessSurface) IntrinsicSize() control.Size {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.intrinsic
}

// SetBounds places the surface in the operator viewport.
func (s *HeadlessSurface) SetBounds(r control.Rect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bounds = r
}

// Bounds returns the surface position in the operator viewport.
func (s *HeadlessSurface) Bounds() control.Rect {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bounds
}

// PlaybackRate returns the current playback speed multiplier.
func (s *HeadlessSurface) PlaybackRate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rate
}

// SetPlaybackRate adjusts the playback speed multiplier.
func (s *HeadlessSurface) SetPlaybackRate(rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = rate
}

// Stats returns drained packet, byte, and frame counts.
func (s *HeadlessSurface) Stats() (packets, bytes, frames uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.packets, s.bytes, s.frames
}
