package stream

import (
	"io"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"

	"github.com/havonz/XXTCloudControl-sub000/internal/control"
)

// fakeTrack feeds a fixed packet sequence, then ends.
type fakeTrack struct {
	id      string
	packets []*rtp.Packet
	next    int
}

func (f *fakeTrack) ID() string { return f.id }

func (f *fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if f.next >= len(f.packets) {
		return nil, nil, io.EOF
	}
	p := f.packets[f.next]
	f.next++
	return p, nil, nil
}

func waitStats(t *testing.T, s *HeadlessSurface, wantPackets uint64) (packets, bytes, frames uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		packets, bytes, frames = s.Stats()
		if packets == wantPackets {
			return packets, bytes, frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("packets = %d, want %d", packets, wantPackets)
	return
}

// TestHeadlessSurfaceDrains tests packet, byte, and frame accounting.
func TestHeadlessSurfaceDrains(t *testing.T) {
	track := &fakeTrack{
		id: "video-1",
		packets: []*rtp.Packet{
			{Header: rtp.Header{SequenceNumber: 1}, Payload: make([]byte, 100)},
			{Header: rtp.Header{SequenceNumber: 2, Marker: true}, Payload: make([]byte, 50)},
			{Header: rtp.Header{SequenceNumber: 3}, Payload: make([]byte, 200)},
			{Header: rtp.Header{SequenceNumber: 4, Marker: true}, Payload: make([]byte, 25)},
		},
	}

	s := NewHeadlessSurface(nil)
	s.Attach(track)
	defer s.Detach()

	packets, bytes, frames := waitStats(t, s, 4)
	if packets != 4 {
		t.Errorf("packets = %d, want 4", packets)
	}
	if bytes != 375 {
		t.Errorf("bytes = %d, want 375", bytes)
	}
	if frames != 2 {
		t.Errorf("frames = %d, want 2", frames)
	}
}

// TestHeadlessSurfaceDetachIdempotent tests detach without attach and
// double detach.
func TestHeadlessSurfaceDetachIdempotent(t *testing.T) {
	s := NewHeadlessSurface(nil)
	s.Detach()

	s.Attach(&fakeTrack{id: "video-1"})
	s.Detach()
	s.Detach()
}

// TestHeadlessSurfaceGeometry tests the surface state the mapper and
// negotiator read.
func TestHeadlessSurfaceGeometry(t *testing.T) {
	s := NewHeadlessSurface(nil)

	if size := s.IntrinsicSize(); size.W != 0 || size.H != 0 {
		t.Errorf("initial intrinsic = %+v, want zero", size)
	}

	s.SetIntrinsicSize(control.Size{W: 642, H: 1392})
	s.SetBounds(control.Rect{X: 10, Y: 20, W: 400, H: 800})

	if size := s.IntrinsicSize(); size.W != 642 || size.H != 1392 {
		t.Errorf("intrinsic = %+v, want 642x1392", size)
	}
	if b := s.Bounds(); b.X != 10 || b.W != 400 {
		t.Errorf("bounds = %+v, want the recorded rect", b)
	}
}

// TestHeadlessSurfacePlaybackRate tests the rate bookkeeping used by
// catch-up.
func TestHeadlessSurfacePlaybackRate(t *testing.T) {
	s := NewHeadlessSurface(nil)
	if s.PlaybackRate() != 1.0 {
		t.Errorf("initial rate = %v, want 1.0", s.PlaybackRate())
	}
	s.SetPlaybackRate(1.15)
	if s.PlaybackRate() != 1.15 {
		t.Errorf("rate = %v, want 1.15", s.PlaybackRate())
	}
}
