// Package console wires the engine together: it keeps one connection
// per device, routes operator input through the mapper and dispatcher,
// negotiates stream parameters, and starts or stops streams as tiles
// become visible.
package console

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/havonz/XXTCloudControl-sub000/internal/control"
	"github.com/havonz/XXTCloudControl-sub000/internal/stream"
)

// State is the lifecycle phase of one device connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// ConnEvent describes one connection state change.
type ConnEvent struct {
	UDID  string
	State State
}

// RenderSurface is where a connection's video lands. The embedding UI
// supplies a real one; stream.HeadlessSurface satisfies it for
// headless operation.
type RenderSurface interface {
	stream.Surface
	Attach(track stream.VideoTrack)
	Detach()
}

// DeviceConnection tracks the video session of one device. A transport
// exists only while the connection is connecting or connected, and
// media is attached only while connected; the mutation methods keep
// those two facts true.
type DeviceConnection struct {
	udid   string
	logger *slog.Logger

	mu        sync.RWMutex
	state     State
	transport *stream.Transport
	surface   RenderSurface
	rotation  control.Rotation
	observers []func(ConnEvent)

	negotiator *stream.Negotiator
	catch      *stream.CatchUp
	stopCatch  func()
}

// NewDeviceConnection creates a disconnected connection rendering to
// surface.
func NewDeviceConnection(udid string, surface RenderSurface, logger *slog.Logger) *DeviceConnection {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceConnection{
		udid:       udid,
		logger:     logger,
		surface:    surface,
		negotiator: stream.NewNegotiator(),
	}
}

// UDID returns the device this connection belongs to.
func (c *DeviceConnection) UDID() string {
	return c.udid
}

// State returns the current lifecycle phase.
func (c *DeviceConnection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Surface returns the render surface.
func (c *DeviceConnection) Surface() RenderSurface {
	return c.surface
}

// Rotation returns the view rotation applied to pointer mapping.
func (c *DeviceConnection) Rotation() control.Rotation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rotation
}

// SetRotation changes the view rotation.
func (c *DeviceConnection) SetRotation(rot control.Rotation) {
	c.mu.Lock()
	c.rotation = rot
	c.mu.Unlock()
}

// OnChange registers a state observer. Observers run with the
// connection unlocked.
func (c *DeviceConnection) OnChange(fn func(ConnEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

func (c *DeviceConnection) notify(s State) {
	c.mu.RLock()
	observers := make([]func(ConnEvent), len(c.observers))
	copy(observers, c.observers)
	c.mu.RUnlock()
	ev := ConnEvent{UDID: c.udid, State: s}
	for _, fn := range observers {
		fn(ev)
	}
}

// beginConnect adopts a fresh transport and moves to connecting. It
// refuses when a session is already underway.
func (c *DeviceConnection) beginConnect(t *stream.Transport) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("device %s already %s", c.udid, state)
	}
	c.state = StateConnecting
	c.transport = t
	c.mu.Unlock()

	c.notify(StateConnecting)
	return nil
}

// attachMedia lands the first video track. A track arriving after
// teardown is ignored.
func (c *DeviceConnection) attachMedia(track stream.VideoTrack) {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		c.logger.Debug("dropping track for torn-down connection", "udid", c.udid)
		return
	}
	c.state = StateConnected
	c.mu.Unlock()

	c.surface.Attach(track)
	c.notify(StateConnected)
}

// setCatchUp records the running catch-up controller and how to stop it.
func (c *DeviceConnection) setCatchUp(catch *stream.CatchUp, stop func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catch = catch
	c.stopCatch = stop
}

// CatchUp returns the running catch-up controller, or nil outside a
// session.
func (c *DeviceConnection) CatchUp() *stream.CatchUp {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.catch
}

// disconnect moves to disconnected, stops catch-up, detaches media,
// and hands the transport back for closing. It reports nil when there
// was no session.
func (c *DeviceConnection) disconnect() *stream.Transport {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	t := c.transport
	stop := c.stopCatch
	c.transport = nil
	c.catch = nil
	c.stopCatch = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	c.surface.Detach()
	c.negotiator.Reset()
	c.notify(StateDisconnected)
	return t
}

// Transport returns the live transport, or nil outside a session.
func (c *DeviceConnection) Transport() *stream.Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport
}

// Negotiator returns the per-connection resolution tracker.
func (c *DeviceConnection) Negotiator() *stream.Negotiator {
	return c.negotiator
}
