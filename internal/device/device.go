// Package device tracks the fleet as reported by the relay: which
// devices exist, their last known state, and which of them the
// operator has selected for group control.
package device

import (
	"sort"
	"sync"
	"time"

	"github.com/havonz/XXTCloudControl-sub000/internal/signaling"
)

// EventKind classifies a table change.
type EventKind int

const (
	EventAdded EventKind = iota
	EventUpdated
	EventRemoved
)

// Event describes one change to the device table.
type Event struct {
	Kind   EventKind
	Device Device
}

// Device is one tracked endpoint with the time its state last arrived.
type Device struct {
	signaling.DeviceState
	LastSeen time.Time
}

// Table is the console-side registry of known devices. It is updated
// from app/state reports, full table snapshots, and disconnect
// notices, and notifies watchers of every change.
type Table struct {
	mu       sync.RWMutex
	devices  map[string]Device
	watchers []func(Event)
	now      func() time.Time
}

// NewTable creates an empty device table.
func NewTable() *Table {
	return &Table{
		devices: make(map[string]Device),
		now:     time.Now,
	}
}

// Watch registers a callback invoked after every table change. The
// callback runs with the table unlocked and must be safe to call from
// multiple goroutines.
func (t *Table) Watch(fn func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.watchers = append(t.watchers, fn)
}

func (t *Table) notify(events []Event) {
	t.mu.RLock()
	watchers := make([]func(Event), len(t.watchers))
	copy(watchers, t.watchers)
	t.mu.RUnlock()
	for _, ev := range events {
		for _, fn := range watchers {
			fn(ev)
		}
	}
}

// ApplyState upserts one device from an app/state report.
func (t *Table) ApplyState(st signaling.DeviceState) {
	if st.UDID == "" {
		return
	}
	t.mu.Lock()
	_, existed := t.devices[st.UDID]
	d := Device{DeviceState: st, LastSeen: t.now()}
	t.devices[st.UDID] = d
	t.mu.Unlock()

	kind := EventAdded
	if existed {
		kind = EventUpdated
	}
	t.notify([]Event{{Kind: kind, Device: d}})
}

// ApplySnapshot reconciles the table against a full device listing.
// Devices absent from the snapshot are removed.
func (t *Table) ApplySnapshot(snapshot map[string]signaling.DeviceState) {
	now := t.now()
	var events []Event

	t.mu.Lock()
	for udid, st := range snapshot {
		if st.UDID == "" {
			st.UDID = udid
		}
		_, existed := t.devices[udid]
		d := Device{DeviceState: st, LastSeen: now}
		t.devices[udid] = d
		kind := EventAdded
		if existed {
			kind = EventUpdated
		}
		events = append(events, Event{Kind: kind, Device: d})
	}
	for udid, d := range t.devices {
		if _, ok := snapshot[udid]; !ok {
			delete(t.devices, udid)
			events = append(events, Event{Kind: EventRemoved, Device: d})
		}
	}
	t.mu.Unlock()

	t.notify(events)
}

// Remove drops one device, typically on a device/disconnect notice.
func (t *Table) Remove(udid string) {
	t.mu.Lock()
	d, ok := t.devices[udid]
	if ok {
		delete(t.devices, udid)
	}
	t.mu.Unlock()
	if ok {
		t.notify([]Event{{Kind: EventRemoved, Device: d}})
	}
}

// Get returns the device and whether it is known.
func (t *Table) Get(udid string) (Device, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.devices[udid]
	return d, ok
}

// List returns all devices ordered by UDID.
func (t *Table) List() []Device {
	t.mu.RLock()
	out := make([]Device, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, d)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UDID < out[j].UDID })
	return out
}

// Len returns the number of known devices.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.devices)
}
