// Package relay implements the rendezvous server between controllers
// and devices. Devices keep one websocket each and report app/state;
// controllers authenticate per message and fan commands out. The relay
// never interprets command payloads, it only routes envelopes.
package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/havonz/XXTCloudControl-sub000/internal/i18n"
	"github.com/havonz/XXTCloudControl-sub000/internal/metrics"
	"github.com/havonz/XXTCloudControl-sub000/internal/signaling"
)

// defaultDeviceLife is how many poll intervals a device survives
// without sending anything before the relay drops it.
const defaultDeviceLife = 3

// webrtcStartPath marks device HTTP requests that open a video
// session; the relay injects its TURN servers into these.
const webrtcStartPath = "/api/webrtc/start"

// emptyPollBody is the app/state poll payload devices expect.
var emptyPollBody = json.RawMessage(`""`)

// Hub routes envelopes between controller and device connections and
// owns the device liveness bookkeeping.
type Hub struct {
	logger   *slog.Logger
	verifier *signaling.Verifier
	guard    *AuthGuard
	metrics  *metrics.Relay
	ice      []signaling.ICEServer

	mu          sync.RWMutex
	controllers map[*peer]bool
	devices     map[string]*peer
	deviceOf    map[*peer]string
	states      map[string]json.RawMessage
	life        map[string]int
}

// NewHub creates a hub authenticating controllers with password.
// Configured ICE servers are injected into stream start requests so
// devices behind NAT can be reached. Metrics may be nil.
func NewHub(password string, ice []signaling.ICEServer, m *metrics.Relay, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:      logger,
		verifier:    signaling.NewVerifier(password),
		guard:       NewAuthGuard(authFailBurst, authFailRefill),
		metrics:     m,
		ice:         ice,
		controllers: make(map[*peer]bool),
		devices:     make(map[string]*peer),
		deviceOf:    make(map[*peer]string),
		states:      make(map[string]json.RawMessage),
		life:        make(map[string]int),
	}
}

// HandleConn serves one websocket until it closes. It blocks, so the
// HTTP handler calls it on the request goroutine.
func (h *Hub) HandleConn(conn *websocket.Conn) {
	if h.guard.Blocked(conn.RemoteAddr().String()) {
		h.logger.Debug("refusing throttled host", "peer", conn.RemoteAddr().String())
		conn.Close()
		return
	}

	p := newPeer(conn, h.logger)
	defer h.dropPeer(p)

	h.logger.Info("connection opened", "peer", p.remoteAddr())

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("connection read failed", "peer", p.remoteAddr(), "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		// Anything a device sends proves it alive.
		h.resetLife(p)

		m, err := signaling.Decode(data)
		if err != nil {
			h.logger.Debug("dropping undecodable frame", "peer", p.remoteAddr(), "error", err)
			continue
		}
		if err := h.route(p, m); err != nil {
			h.logger.Warn("handling message", "type", m.Type, "error", err)
		}
	}
}

// Run drives the liveness loop: every interval each device is polled
// for a fresh app/state and loses one life, and devices out of life
// are dropped.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.logger.Info("liveness loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepLife()
			h.pollDevices()
			h.guard.Sweep()
		}
	}
}

func (h *Hub) route(p *peer, m *signaling.Message) error {
	switch m.Type {
	case signaling.TypeControlDevices:
		if !h.authorize(p, m) {
			return nil
		}
		h.registerController(p)
		return p.send(&signaling.Message{
			Type: signaling.TypeControlDevices,
			Body: h.tableSnapshot(),
		})

	case signaling.TypeControlRefresh:
		if !h.authorize(p, m) {
			return nil
		}
		h.registerController(p)
		h.pollDevices()
		return nil

	case signaling.TypeControlCommand:
		if !h.authorize(p, m) {
			return nil
		}
		h.registerController(p)

		var cc signaling.ControlCommand
		if err := m.DecodeBody(&cc); err != nil {
			return err
		}
		h.fanOut(cc.Devices, []signaling.Command{{Type: cc.Type, Body: cc.Body}})
		return nil

	case signaling.TypeControlCommands:
		if !h.authorize(p, m) {
			return nil
		}
		h.registerController(p)

		var cc signaling.ControlCommands
		if err := m.DecodeBody(&cc); err != nil {
			return err
		}
		h.fanOut(cc.Devices, cc.Commands)
		return nil

	case signaling.TypeControlHTTP:
		if !h.authorize(p, m) {
			return nil
		}
		h.registerController(p)
		return h.proxyHTTP(m)

	case signaling.TypeAppState:
		return h.handleAppState(p, m)

	default:
		// Frames from registered devices go to every controller with
		// the sender stamped. Anything else is noise.
		udid := h.deviceID(p)
		if udid == "" {
			h.logger.Debug("dropping frame from unregistered peer",
				"peer", p.remoteAddr(), "type", m.Type)
			return nil
		}
		m.UDID = udid
		h.broadcastToControllers(m)
		return nil
	}
}

// authorize verifies a control message signature. Failed peers are
// closed without a reply, exactly as if the relay were not there, and
// hosts that keep failing get refused at accept for a while.
func (h *Hub) authorize(p *peer, m *signaling.Message) bool {
	if err := h.verifier.Verify(m); err != nil {
		h.logger.Warn("rejecting control message", "peer", p.remoteAddr(), "error", err)
		h.guard.Fail(p.remoteAddr().String())
		if h.metrics != nil {
			h.metrics.AuthFailures.Inc()
		}
		p.close()
		return false
	}
	return true
}

func (h *Hub) handleAppState(p *peer, m *signaling.Message) error {
	var as signaling.AppState
	if err := m.DecodeBody(&as); err != nil {
		return err
	}
	udid := as.System.UDID
	if udid == "" {
		return fmt.Errorf("app/state without a udid")
	}

	h.mu.Lock()
	known := h.devices[udid] == p
	h.devices[udid] = p
	h.deviceOf[p] = udid
	h.states[udid] = m.Body
	h.life[udid] = defaultDeviceLife
	deviceCount := len(h.devices)
	h.mu.Unlock()

	if !known {
		h.logger.Info("device online", "udid", udid, "peer", p.remoteAddr())
		if h.metrics != nil {
			h.metrics.DevicesConnected.Set(float64(deviceCount))
		}
	}

	m.UDID = udid
	h.broadcastToControllers(m)
	return nil
}

// fanOut re-wraps commands and delivers them to each named device, in
// order per device. Devices not connected are skipped. Commands with a
// readable name produce an activity notice for the controllers.
func (h *Hub) fanOut(udids []string, commands []signaling.Command) {
	for _, udid := range udids {
		h.mu.RLock()
		dev := h.devices[udid]
		h.mu.RUnlock()
		if dev == nil {
			h.logger.Debug("skipping command for offline device", "udid", udid)
			continue
		}

		for _, cmd := range commands {
			if name := i18n.CommandName(cmd.Type); name != "" {
				h.notifyActivity(udid, name)
			}
			if err := dev.send(&signaling.Message{Type: cmd.Type, Body: cmd.Body}); err != nil {
				h.logger.Warn("sending command to device", "udid", udid, "type", cmd.Type, "error", err)
				continue
			}
			if h.metrics != nil {
				h.metrics.MessagesForwarded.WithLabelValues("to_device").Inc()
			}
		}
	}
}

// proxyHTTP re-wraps a control/http request as http/request frames to
// the named devices. Stream start requests get the relay's TURN
// servers injected so the answering peer can offer relayed candidates.
func (h *Hub) proxyHTTP(m *signaling.Message) error {
	var req signaling.HTTPProxyRequest
	if err := m.DecodeBody(&req); err != nil {
		return err
	}

	if req.Method == "POST" && req.Path == webrtcStartPath && len(h.ice) > 0 {
		if body, err := h.injectICEServers(req.Body); err != nil {
			h.logger.Warn("keeping original stream start body", "error", err)
		} else {
			req.Body = body
		}
	}

	devices := req.Devices
	req.Devices = nil
	forwarded := signaling.Message{Type: signaling.TypeHTTPRequest}
	if err := forwarded.EncodeBody(&req); err != nil {
		return err
	}

	for _, udid := range devices {
		h.mu.RLock()
		dev := h.devices[udid]
		h.mu.RUnlock()
		if dev == nil {
			h.logger.Debug("skipping proxied request for offline device",
				"udid", udid, "path", req.Path)
			continue
		}
		if err := dev.send(&forwarded); err != nil {
			h.logger.Warn("forwarding proxied request", "udid", udid, "error", err)
			continue
		}
		if h.metrics != nil {
			h.metrics.MessagesForwarded.WithLabelValues("to_device").Inc()
		}
	}
	return nil
}

// injectICEServers appends the relay's ICE servers to the iceServers
// array of a base64 JSON request body.
func (h *Hub) injectICEServers(b64 string) (string, error) {
	doc := make(map[string]any)
	if b64 != "" {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return "", fmt.Errorf("decoding request body: %w", err)
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return "", fmt.Errorf("parsing request body: %w", err)
		}
	}

	existing, _ := doc["iceServers"].([]any)
	for _, srv := range h.ice {
		existing = append(existing, srv)
	}
	doc["iceServers"] = existing

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encoding request body: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (h *Hub) registerController(p *peer) {
	h.mu.Lock()
	fresh := !h.controllers[p]
	h.controllers[p] = true
	count := len(h.controllers)
	h.mu.Unlock()

	if fresh {
		h.logger.Info("controller registered", "peer", p.remoteAddr())
		if h.metrics != nil {
			h.metrics.ControllersConnected.Set(float64(count))
		}
	}
}

// tableSnapshot marshals the current device table, each entry the raw
// app/state body last reported by that device.
func (h *Hub) tableSnapshot() json.RawMessage {
	h.mu.RLock()
	table := make(map[string]json.RawMessage, len(h.states))
	for udid, state := range h.states {
		table[udid] = state
	}
	h.mu.RUnlock()

	data, err := json.Marshal(table)
	if err != nil {
		h.logger.Error("encoding device table", "error", err)
		return json.RawMessage(`{}`)
	}
	return data
}

func (h *Hub) deviceID(p *peer) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.deviceOf[p]
}

func (h *Hub) resetLife(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if udid, ok := h.deviceOf[p]; ok {
		h.life[udid] = defaultDeviceLife
	}
}

// broadcastToControllers sends m to every registered controller.
func (h *Hub) broadcastToControllers(m *signaling.Message) {
	h.mu.RLock()
	targets := make([]*peer, 0, len(h.controllers))
	for c := range h.controllers {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(m); err != nil {
			continue
		}
		if h.metrics != nil {
			h.metrics.MessagesForwarded.WithLabelValues("to_controller").Inc()
		}
	}
}

// notifyActivity tells controllers a device just received a command
// worth showing in an activity feed.
func (h *Hub) notifyActivity(udid, message string) {
	m := signaling.Message{Type: signaling.TypeDeviceMessage}
	if err := m.EncodeBody(&signaling.DeviceMessage{UDID: udid, Message: message}); err != nil {
		return
	}
	h.broadcastToControllers(&m)
}

// pollDevices asks every device for a fresh app/state.
func (h *Hub) pollDevices() {
	h.mu.RLock()
	targets := make([]*peer, 0, len(h.devices))
	for _, dev := range h.devices {
		targets = append(targets, dev)
	}
	h.mu.RUnlock()

	poll := &signaling.Message{Type: signaling.TypeAppState, Body: emptyPollBody}
	for _, dev := range targets {
		if err := dev.send(poll); err != nil {
			h.logger.Debug("polling device failed", "error", err)
		}
	}
}

// sweepLife decrements every device's life and drops the ones that
// ran out. A device resets to full on any inbound frame.
func (h *Hub) sweepLife() {
	h.mu.Lock()
	var expired []*peer
	for udid, life := range h.life {
		if life <= 0 {
			if dev := h.devices[udid]; dev != nil {
				expired = append(expired, dev)
			}
			h.logger.Info("device out of life", "udid", udid)
		} else {
			h.life[udid] = life - 1
		}
	}
	h.mu.Unlock()

	for _, dev := range expired {
		if h.metrics != nil {
			h.metrics.DevicesExpired.Inc()
		}
		dev.close()
		h.dropPeer(dev)
	}
}

// dropPeer removes a connection from the registries. For a device
// whose registration is still current, controllers get a
// device/disconnect notice. Safe to call twice; the second call finds
// nothing to do.
func (h *Hub) dropPeer(p *peer) {
	h.mu.Lock()
	if h.controllers[p] {
		delete(h.controllers, p)
		count := len(h.controllers)
		h.mu.Unlock()
		h.logger.Info("controller disconnected", "peer", p.remoteAddr())
		if h.metrics != nil {
			h.metrics.ControllersConnected.Set(float64(count))
		}
		p.close()
		return
	}

	udid, wasDevice := h.deviceOf[p]
	var announce bool
	if wasDevice {
		delete(h.deviceOf, p)
		// A reconnected device may have re-registered its udid on a
		// newer connection; only the current holder tears it down.
		if h.devices[udid] == p {
			delete(h.devices, udid)
			delete(h.states, udid)
			delete(h.life, udid)
			announce = true
		}
	}
	deviceCount := len(h.devices)
	h.mu.Unlock()

	p.close()
	if !wasDevice {
		return
	}

	h.logger.Info("device disconnected", "udid", udid, "current", announce)
	if h.metrics != nil {
		h.metrics.DevicesConnected.Set(float64(deviceCount))
	}
	if announce {
		body, err := json.Marshal(udid)
		if err != nil {
			return
		}
		h.broadcastToControllers(&signaling.Message{
			Type: signaling.TypeDeviceDisconnect,
			Body: body,
		})
	}
}

// Counts reports the connected device and controller totals.
func (h *Hub) Counts() (devices, controllers int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.devices), len(h.controllers)
}

func (h *Hub) lifeOf(udid string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.life[udid]
}
