package relay

import (
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/havonz/XXTCloudControl-sub000/internal/signaling"
)

const testPassword = "relay-test-secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRelay(t *testing.T, ice []signaling.ICEServer) (*Hub, string) {
	t.Helper()
	hub := NewHub(testPassword, ice, nil, testLogger())
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.HandleConn(conn)
	}))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialRelay(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeMsg(t *testing.T, conn *websocket.Conn, m *signaling.Message) {
	t.Helper()
	data, err := m.Encode()
	if err != nil {
		t.Fatalf("encoding %s: %v", m.Type, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("writing %s: %v", m.Type, err)
	}
}

func writeSigned(t *testing.T, conn *websocket.Conn, m *signaling.Message) {
	t.Helper()
	signaling.NewSigner(testPassword).Sign(m)
	writeMsg(t, conn, m)
}

func readMsg(t *testing.T, conn *websocket.Conn) *signaling.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading message: %v", err)
	}
	m, err := signaling.Decode(data)
	if err != nil {
		t.Fatalf("decoding message: %v", err)
	}
	return m
}

// readType reads frames until one of the wanted type arrives, so
// tests survive interleaved broadcasts they do not care about.
func readType(t *testing.T, conn *websocket.Conn, msgType string) *signaling.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m := readMsg(t, conn)
		if m.Type == msgType {
			return m
		}
	}
	t.Fatalf("no %s message arrived", msgType)
	return nil
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection still open, expected close")
	}
}

// registerDevice connects a fake device and reports its state.
func registerDevice(t *testing.T, hub *Hub, url, udid string, devices int) *websocket.Conn {
	t.Helper()
	conn := dialRelay(t, url)
	m := &signaling.Message{Type: signaling.TypeAppState}
	if err := m.EncodeBody(&signaling.AppState{System: signaling.DeviceState{
		UDID: udid, Name: "device " + udid, Width: 750, Height: 1334, Port: 46952,
	}}); err != nil {
		t.Fatalf("encoding app/state: %v", err)
	}
	writeMsg(t, conn, m)
	waitDevices(t, hub, devices)
	return conn
}

// registerController connects a controller and authenticates by
// requesting the device table.
func registerController(t *testing.T, conn *websocket.Conn) map[string]signaling.AppState {
	t.Helper()
	writeSigned(t, conn, &signaling.Message{Type: signaling.TypeControlDevices})
	reply := readType(t, conn, signaling.TypeControlDevices)
	var table map[string]signaling.AppState
	if err := reply.DecodeBody(&table); err != nil {
		t.Fatalf("decoding device table: %v", err)
	}
	return table
}

func waitDevices(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got, _ := hub.Counts(); got == want {
			return
		}
		if time.Now().After(deadline) {
			got, _ := hub.Counts()
			t.Fatalf("devices connected = %d, want %d", got, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelayDeviceTable(t *testing.T) {
	hub, url := newTestRelay(t, nil)
	registerDevice(t, hub, url, "dev-a", 1)

	controller := dialRelay(t, url)
	table := registerController(t, controller)

	state, ok := table["dev-a"]
	if !ok {
		t.Fatalf("table = %v, want dev-a", table)
	}
	if state.System.Width != 750 || state.System.Port != 46952 {
		t.Errorf("dev-a state = %+v, want the reported snapshot", state.System)
	}
}

func TestRelayRejectsUnsignedController(t *testing.T) {
	_, url := newTestRelay(t, nil)

	conn := dialRelay(t, url)
	writeMsg(t, conn, &signaling.Message{Type: signaling.TypeControlDevices})
	expectClosed(t, conn)
}

func TestRelayRejectsBadPassword(t *testing.T) {
	_, url := newTestRelay(t, nil)

	conn := dialRelay(t, url)
	m := &signaling.Message{Type: signaling.TypeControlDevices}
	signaling.NewSigner("not-the-password").Sign(m)
	writeMsg(t, conn, m)
	expectClosed(t, conn)
}

func TestRelayCommandFanOut(t *testing.T) {
	hub, url := newTestRelay(t, nil)
	devA := registerDevice(t, hub, url, "dev-a", 1)
	devB := registerDevice(t, hub, url, "dev-b", 2)

	controller := dialRelay(t, url)
	registerController(t, controller)

	cmd := &signaling.Message{Type: signaling.TypeControlCommand}
	if err := cmd.EncodeBody(&signaling.ControlCommand{
		Devices: []string{"dev-a", "dev-b", "dev-ghost"},
		Type:    "device/reboot",
	}); err != nil {
		t.Fatalf("encoding command: %v", err)
	}
	writeSigned(t, controller, cmd)

	for _, dev := range []*websocket.Conn{devA, devB} {
		got := readType(t, dev, "device/reboot")
		if got.Type != "device/reboot" {
			t.Errorf("device received %s, want device/reboot", got.Type)
		}
	}

	// Named commands produce an activity notice per target device.
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		notice := readType(t, controller, signaling.TypeDeviceMessage)
		var dm signaling.DeviceMessage
		if err := notice.DecodeBody(&dm); err != nil {
			t.Fatalf("decoding notice: %v", err)
		}
		if dm.Message == "" {
			t.Error("activity notice has no message")
		}
		seen[dm.UDID] = true
	}
	if !seen["dev-a"] || !seen["dev-b"] {
		t.Errorf("notices for %v, want dev-a and dev-b", seen)
	}
}

func TestRelayBatchKeepsOrder(t *testing.T) {
	hub, url := newTestRelay(t, nil)
	dev := registerDevice(t, hub, url, "dev-a", 1)

	controller := dialRelay(t, url)
	registerController(t, controller)

	batch := &signaling.Message{Type: signaling.TypeControlCommands}
	if err := batch.EncodeBody(&signaling.ControlCommands{
		Devices: []string{"dev-a"},
		Commands: []signaling.Command{
			{Type: "touch/down", Body: json.RawMessage(`{"x":0.1,"y":0.1}`)},
			{Type: "touch/move", Body: json.RawMessage(`{"x":0.2,"y":0.2}`)},
			{Type: "touch/up", Body: json.RawMessage(`{"x":0.2,"y":0.2}`)},
		},
	}); err != nil {
		t.Fatalf("encoding batch: %v", err)
	}
	writeSigned(t, controller, batch)

	want := []string{"touch/down", "touch/move", "touch/up"}
	for i, wantType := range want {
		got := readMsg(t, dev)
		if got.Type != wantType {
			t.Errorf("frame %d = %s, want %s", i, got.Type, wantType)
		}
	}
}

func TestRelayForwardsDeviceFrames(t *testing.T) {
	hub, url := newTestRelay(t, nil)
	dev := registerDevice(t, hub, url, "dev-a", 1)

	controller := dialRelay(t, url)
	registerController(t, controller)

	resp := &signaling.Message{Type: signaling.TypeHTTPResponse}
	if err := resp.EncodeBody(&signaling.HTTPProxyResponse{RequestID: "r1", Status: 200}); err != nil {
		t.Fatalf("encoding response: %v", err)
	}
	writeMsg(t, dev, resp)

	got := readType(t, controller, signaling.TypeHTTPResponse)
	if got.UDID != "dev-a" {
		t.Errorf("forwarded frame udid = %q, want dev-a", got.UDID)
	}
}

func TestRelayStampsAppState(t *testing.T) {
	hub, url := newTestRelay(t, nil)
	dev := registerDevice(t, hub, url, "dev-a", 1)

	controller := dialRelay(t, url)
	registerController(t, controller)

	update := &signaling.Message{Type: signaling.TypeAppState}
	if err := update.EncodeBody(&signaling.AppState{System: signaling.DeviceState{
		UDID: "dev-a", Width: 750, Height: 1334, Running: true,
	}}); err != nil {
		t.Fatalf("encoding app/state: %v", err)
	}
	writeMsg(t, dev, update)

	got := readType(t, controller, signaling.TypeAppState)
	if got.UDID != "dev-a" {
		t.Errorf("app/state udid = %q, want dev-a", got.UDID)
	}
	var as signaling.AppState
	if err := got.DecodeBody(&as); err != nil {
		t.Fatalf("decoding forwarded state: %v", err)
	}
	if !as.System.Running {
		t.Error("forwarded state lost the running flag")
	}
}

func TestRelayDisconnectNotice(t *testing.T) {
	hub, url := newTestRelay(t, nil)
	dev := registerDevice(t, hub, url, "dev-a", 1)

	controller := dialRelay(t, url)
	registerController(t, controller)

	dev.Close()

	notice := readType(t, controller, signaling.TypeDeviceDisconnect)
	var udid string
	if err := notice.DecodeBody(&udid); err != nil {
		t.Fatalf("decoding disconnect body: %v", err)
	}
	if udid != "dev-a" {
		t.Errorf("disconnect body = %q, want dev-a", udid)
	}
	waitDevices(t, hub, 0)
}

func TestRelayLifeExpiry(t *testing.T) {
	hub, url := newTestRelay(t, nil)
	registerDevice(t, hub, url, "dev-a", 1)

	controller := dialRelay(t, url)
	registerController(t, controller)

	// Life starts at 3: three sweeps run it to zero, the fourth drops
	// the device.
	for i := 0; i < 4; i++ {
		hub.sweepLife()
	}

	notice := readType(t, controller, signaling.TypeDeviceDisconnect)
	var udid string
	if err := notice.DecodeBody(&udid); err != nil {
		t.Fatalf("decoding disconnect body: %v", err)
	}
	if udid != "dev-a" {
		t.Errorf("disconnect body = %q, want dev-a", udid)
	}
	waitDevices(t, hub, 0)
}

func TestRelayTrafficResetsLife(t *testing.T) {
	hub, url := newTestRelay(t, nil)
	dev := registerDevice(t, hub, url, "dev-a", 1)

	for i := 0; i < 3; i++ {
		hub.sweepLife()
	}

	// Any inbound frame refills the counter.
	update := &signaling.Message{Type: signaling.TypeAppState}
	if err := update.EncodeBody(&signaling.AppState{System: signaling.DeviceState{UDID: "dev-a"}}); err != nil {
		t.Fatalf("encoding app/state: %v", err)
	}
	writeMsg(t, dev, update)

	deadline := time.Now().Add(2 * time.Second)
	for hub.lifeOf("dev-a") != defaultDeviceLife {
		if time.Now().After(deadline) {
			t.Fatalf("life = %d, want %d", hub.lifeOf("dev-a"), defaultDeviceLife)
		}
		time.Sleep(5 * time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		hub.sweepLife()
	}
	if got, _ := hub.Counts(); got != 1 {
		t.Errorf("devices connected = %d, want 1 while life remains", got)
	}
}

func TestRelayInjectsICEServers(t *testing.T) {
	ice := []signaling.ICEServer{{
		URLs:       signaling.FlexibleURLs{"turn:relay.example.com:3478"},
		Username:   "u",
		Credential: "c",
	}}
	hub, url := newTestRelay(t, ice)
	dev := registerDevice(t, hub, url, "dev-a", 1)

	controller := dialRelay(t, url)
	registerController(t, controller)

	offer, _ := json.Marshal(map[string]any{"type": "offer", "sdp": "v=0"})
	req := &signaling.Message{Type: signaling.TypeControlHTTP}
	if err := req.EncodeBody(&signaling.HTTPProxyRequest{
		Devices:   []string{"dev-a"},
		RequestID: "r1",
		Method:    "POST",
		Path:      "/api/webrtc/start",
		Body:      base64.StdEncoding.EncodeToString(offer),
	}); err != nil {
		t.Fatalf("encoding proxy request: %v", err)
	}
	writeSigned(t, controller, req)

	got := readType(t, dev, signaling.TypeHTTPRequest)
	var forwarded signaling.HTTPProxyRequest
	if err := got.DecodeBody(&forwarded); err != nil {
		t.Fatalf("decoding forwarded request: %v", err)
	}
	if forwarded.RequestID != "r1" {
		t.Errorf("requestId = %q, want r1", forwarded.RequestID)
	}

	raw, err := base64.StdEncoding.DecodeString(forwarded.Body)
	if err != nil {
		t.Fatalf("decoding forwarded body: %v", err)
	}
	var doc struct {
		Type       string                `json:"type"`
		SDP        string                `json:"sdp"`
		ICEServers []signaling.ICEServer `json:"iceServers"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("parsing forwarded body: %v", err)
	}
	if doc.Type != "offer" || doc.SDP != "v=0" {
		t.Errorf("offer fields changed: %+v", doc)
	}
	if len(doc.ICEServers) != 1 || doc.ICEServers[0].URLs[0] != "turn:relay.example.com:3478" {
		t.Errorf("iceServers = %+v, want the relay TURN server", doc.ICEServers)
	}
}

func TestRelayLeavesOtherProxyPathsAlone(t *testing.T) {
	ice := []signaling.ICEServer{{URLs: signaling.FlexibleURLs{"turn:relay.example.com:3478"}}}
	hub, url := newTestRelay(t, ice)
	dev := registerDevice(t, hub, url, "dev-a", 1)

	controller := dialRelay(t, url)
	registerController(t, controller)

	body := base64.StdEncoding.EncodeToString([]byte(`{"key":"value"}`))
	req := &signaling.Message{Type: signaling.TypeControlHTTP}
	if err := req.EncodeBody(&signaling.HTTPProxyRequest{
		Devices:   []string{"dev-a"},
		RequestID: "r2",
		Method:    "POST",
		Path:      "/api/status",
		Body:      body,
	}); err != nil {
		t.Fatalf("encoding proxy request: %v", err)
	}
	writeSigned(t, controller, req)

	got := readType(t, dev, signaling.TypeHTTPRequest)
	var forwarded signaling.HTTPProxyRequest
	if err := got.DecodeBody(&forwarded); err != nil {
		t.Fatalf("decoding forwarded request: %v", err)
	}
	if forwarded.Body != body {
		t.Errorf("body = %q, want untouched %q", forwarded.Body, body)
	}
}

func TestRelayControllerRefreshPollsDevices(t *testing.T) {
	hub, url := newTestRelay(t, nil)
	dev := registerDevice(t, hub, url, "dev-a", 1)

	controller := dialRelay(t, url)
	registerController(t, controller)

	writeSigned(t, controller, &signaling.Message{Type: signaling.TypeControlRefresh})

	poll := readType(t, dev, signaling.TypeAppState)
	if poll.Type != signaling.TypeAppState {
		t.Errorf("poll type = %s, want app/state", poll.Type)
	}
}
