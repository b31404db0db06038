package control

import (
	"log/slog"
	"sync"
	"time"

	"github.com/havonz/XXTCloudControl-sub000/internal/device"
	"github.com/havonz/XXTCloudControl-sub000/internal/signaling"
)

// mirrorUpDelay holds back a mirrored release so that mirrored moves
// queued behind slower relay delivery land first. Without it a fast
// tap can release on follower devices before the press settles.
const mirrorUpDelay = 100 * time.Millisecond

// CommandSender delivers one command to one device over the direct
// low-latency path.
type CommandSender interface {
	SendCommand(udid string, cmd signaling.Command) error
}

// GroupSender delivers one command to many devices through the relay.
type GroupSender interface {
	SendGroup(devices []string, cmd signaling.Command) error
}

// Dispatcher routes commands to the active device and mirrors them to
// the rest of the selection. The direct path carries the active
// device's commands; the relay path carries mirrored copies and
// serves as fallback when the direct path is down.
type Dispatcher struct {
	selection *device.SelectionSet
	logger    *slog.Logger

	mu      sync.RWMutex
	active  string
	primary CommandSender
	mirror  GroupSender

	// after is swapped out in tests to control the release delay.
	after func(d time.Duration, fn func()) *time.Timer
}

// NewDispatcher creates a dispatcher over the given selection.
func NewDispatcher(selection *device.SelectionSet, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		selection: selection,
		logger:    logger,
		after:     time.AfterFunc,
	}
}

// SetActive changes which device receives the direct path.
func (d *Dispatcher) SetActive(udid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = udid
}

// Active returns the device currently receiving the direct path.
func (d *Dispatcher) Active() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}

// SetPrimary installs or clears the direct sender for the active
// device. A nil sender routes everything through the relay.
func (d *Dispatcher) SetPrimary(s CommandSender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.primary = s
}

// SetMirror installs or clears the relay sender.
func (d *Dispatcher) SetMirror(s GroupSender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mirror = s
}

// Dispatch sends cmd to the active device, then mirrors it to the
// other selected devices when the active device is part of the
// selection. Missing transports are skipped silently so gestures keep
// working while a stream or relay connection is re-establishing.
func (d *Dispatcher) Dispatch(cmd signaling.Command) {
	d.mu.RLock()
	active := d.active
	primary := d.primary
	mirror := d.mirror
	after := d.after
	d.mu.RUnlock()

	if active == "" {
		return
	}

	sent := false
	if primary != nil {
		if err := primary.SendCommand(active, cmd); err != nil {
			d.logger.Debug("direct send failed, falling back to relay",
				"udid", active, "type", cmd.Type, "error", err)
		} else {
			sent = true
		}
	}
	if !sent && mirror != nil {
		if err := mirror.SendGroup([]string{active}, cmd); err != nil {
			d.logger.Warn("relay send failed", "udid", active, "type", cmd.Type, "error", err)
		}
	}

	if !d.selection.Contains(active) {
		return
	}
	others := d.selection.Others(active)
	if len(others) == 0 || mirror == nil {
		return
	}

	if cmd.Type == CmdTouchUp {
		after(mirrorUpDelay, func() {
			if err := mirror.SendGroup(others, cmd); err != nil {
				d.logger.Warn("mirrored release failed", "devices", len(others), "error", err)
			}
		})
		return
	}
	if err := mirror.SendGroup(others, cmd); err != nil {
		d.logger.Warn("mirror send failed", "devices", len(others), "type", cmd.Type, "error", err)
	}
}
