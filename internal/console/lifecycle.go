package console

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/havonz/XXTCloudControl-sub000/internal/monitor"
)

// connectTimeout bounds the signaling round trip of one stream start.
const connectTimeout = 15 * time.Second

// StreamController is the slice of Console the lifecycle drives.
type StreamController interface {
	StartStream(ctx context.Context, udid string, force bool) error
	StopStream(udid string) error
	ConnState(udid string) State
}

// VisibilityTracker reports which device tiles the operator can see.
// The embedding UI supplies one; ManualTracker serves tests and
// headless runs.
type VisibilityTracker interface {
	// Bind sets the sink visibility changes are delivered to. Called
	// once, before any Observe.
	Bind(sink func(udid string, visible bool))
	Observe(udid string)
	Unobserve(udid string)
	Close()
}

// Lifecycle starts streams for tiles that scroll into view and stops
// them for tiles that scroll out. Connects refused by the load
// governor are parked and retried on the next visibility event or
// when the load level changes.
type Lifecycle struct {
	ctrl     StreamController
	governor *monitor.LoadGovernor
	logger   *slog.Logger

	mu       sync.Mutex
	tracker  VisibilityTracker
	visible  map[string]bool
	deferred map[string]bool
}

// NewLifecycle builds a lifecycle around ctrl. A nil governor means
// connects are never deferred.
func NewLifecycle(ctrl StreamController, governor *monitor.LoadGovernor, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Lifecycle{
		ctrl:     ctrl,
		governor: governor,
		logger:   logger,
		visible:  make(map[string]bool),
		deferred: make(map[string]bool),
	}
	if governor != nil {
		governor.SetOnChange(func(monitor.LoadLevel) {
			go l.retryDeferred()
		})
	}
	return l
}

// SetTracker installs the visibility source. Any previous tracker is
// closed, which hides everything it was observing.
func (l *Lifecycle) SetTracker(t VisibilityTracker) {
	l.mu.Lock()
	old := l.tracker
	l.tracker = t
	l.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if t != nil {
		t.Bind(l.handleVisibility)
	}
}

// Watch starts tracking one tile.
func (l *Lifecycle) Watch(udid string) {
	l.mu.Lock()
	t := l.tracker
	l.mu.Unlock()
	if t != nil {
		t.Observe(udid)
	}
}

// Unwatch stops tracking one tile. The tracker reports it hidden
// first, which stops its stream.
func (l *Lifecycle) Unwatch(udid string) {
	l.mu.Lock()
	t := l.tracker
	l.mu.Unlock()
	if t != nil {
		t.Unobserve(udid)
	}
}

// Deferred lists devices whose connect is parked behind the governor.
func (l *Lifecycle) Deferred() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.deferred))
	for udid := range l.deferred {
		out = append(out, udid)
	}
	return out
}

// Close stops the tracker. Streams themselves are torn down by the
// hidden events that produces, or by the console's own shutdown.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	t := l.tracker
	l.tracker = nil
	l.mu.Unlock()
	if t != nil {
		t.Close()
	}
}

func (l *Lifecycle) handleVisibility(udid string, visible bool) {
	l.mu.Lock()
	l.visible[udid] = visible
	if !visible {
		delete(l.deferred, udid)
	}
	l.mu.Unlock()

	if visible {
		if l.ctrl.ConnState(udid) == StateDisconnected {
			go l.connect(udid)
		}
	} else {
		if l.ctrl.ConnState(udid) != StateDisconnected {
			if err := l.ctrl.StopStream(udid); err != nil {
				l.logger.Warn("stopping hidden stream", "udid", udid, "error", err)
			}
		}
	}

	// Any scroll may have freed budget for a parked connect.
	go l.retryDeferred()
}

func (l *Lifecycle) connect(udid string) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	err := l.ctrl.StartStream(ctx, udid, false)
	switch {
	case err == nil:
		l.mu.Lock()
		delete(l.deferred, udid)
		l.mu.Unlock()
	case errors.Is(err, ErrStreamDeferred):
		l.mu.Lock()
		// A hidden event may have raced the connect; only park
		// devices the operator still sees.
		if l.visible[udid] {
			l.deferred[udid] = true
		}
		l.mu.Unlock()
		l.logger.Info("stream deferred", "udid", udid)
	default:
		l.logger.Warn("visibility connect failed", "udid", udid, "error", err)
	}
}

// retryDeferred retries parked connects for tiles still visible.
func (l *Lifecycle) retryDeferred() {
	l.mu.Lock()
	var retry []string
	for udid := range l.deferred {
		if l.visible[udid] {
			retry = append(retry, udid)
		} else {
			delete(l.deferred, udid)
		}
	}
	l.mu.Unlock()

	for _, udid := range retry {
		if l.ctrl.ConnState(udid) == StateDisconnected {
			l.connect(udid)
		}
	}
}

// ManualTracker is a VisibilityTracker driven by explicit calls. The
// batch console uses it when no UI intersection source exists, and
// tests use it to script visibility.
type ManualTracker struct {
	mu      sync.Mutex
	sink    func(udid string, visible bool)
	visible map[string]bool
	closed  bool
}

// NewManualTracker builds an empty tracker.
func NewManualTracker() *ManualTracker {
	return &ManualTracker{visible: make(map[string]bool)}
}

// Bind sets the event sink.
func (t *ManualTracker) Bind(sink func(udid string, visible bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = sink
}

// Observe starts tracking udid, initially hidden.
func (t *ManualTracker) Observe(udid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if _, ok := t.visible[udid]; !ok {
		t.visible[udid] = false
	}
}

// SetVisible reports a visibility change for an observed udid.
// Unobserved ids and no-op changes are ignored.
func (t *ManualTracker) SetVisible(udid string, visible bool) {
	t.mu.Lock()
	cur, ok := t.visible[udid]
	if t.closed || !ok || cur == visible {
		t.mu.Unlock()
		return
	}
	t.visible[udid] = visible
	sink := t.sink
	t.mu.Unlock()

	if sink != nil {
		sink(udid, visible)
	}
}

// Unobserve stops tracking udid, reporting it hidden first if it was
// visible.
func (t *ManualTracker) Unobserve(udid string) {
	t.mu.Lock()
	wasVisible := t.visible[udid]
	delete(t.visible, udid)
	sink := t.sink
	t.mu.Unlock()

	if wasVisible && sink != nil {
		sink(udid, false)
	}
}

// Close hides everything still visible and drops all observations.
func (t *ManualTracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	var toHide []string
	for udid, vis := range t.visible {
		if vis {
			toHide = append(toHide, udid)
		}
	}
	t.visible = make(map[string]bool)
	sink := t.sink
	t.mu.Unlock()

	if sink != nil {
		for _, udid := range toHide {
			sink(udid, false)
		}
	}
}
