package console

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"

	"github.com/havonz/XXTCloudControl-sub000/internal/control"
	"github.com/havonz/XXTCloudControl-sub000/internal/device"
	"github.com/havonz/XXTCloudControl-sub000/internal/metrics"
	"github.com/havonz/XXTCloudControl-sub000/internal/monitor"
	"github.com/havonz/XXTCloudControl-sub000/internal/signaling"
	"github.com/havonz/XXTCloudControl-sub000/internal/stream"
)

// ErrStreamDeferred reports a stream start refused because the host is
// already under too much decode load. The lifecycle retries these when
// the load recovers.
var ErrStreamDeferred = errors.New("stream deferred by load governor")

// webrtcStartPath is the device endpoint that opens a video session.
const webrtcStartPath = "/api/webrtc/start"

// metricsInterval paces the metrics export loop.
const metricsInterval = 5 * time.Second

// sizedSurface is implemented by surfaces whose intrinsic size is fed
// from the negotiated target rather than a decoder.
type sizedSurface interface {
	SetIntrinsicSize(control.Size)
}

// InputHandler receives operator input in surface client coordinates.
// Console implements it.
type InputHandler interface {
	PointerDown(x, y float64)
	PointerMove(x, y float64)
	PointerUp(x, y float64)
	PointerLeave()
	KeyDown(code string)
	KeyUp(code string)
}

// InputSource is an operator input device supplied by the embedding
// UI. It delivers events to the handler it is bound to.
type InputSource interface {
	Bind(h InputHandler)
	Close()
}

// Options configures a Console.
type Options struct {
	RelayURL string
	Password string

	// UserCap limits the negotiated stream scale. Zero means uncapped.
	UserCap float64

	// FrameRate and BatchFrameRate are the requested encoder rates per
	// viewing mode. Zero picks the negotiator defaults.
	FrameRate      int
	BatchFrameRate int

	// KeyframeInterval paces periodic keyframe requests per stream.
	KeyframeInterval time.Duration

	// Batch grid geometry and pixel density.
	PanelWidth float64
	Columns    int
	DPR        float64

	// ICEServers seeds the transports. The relay usually injects more.
	ICEServers []signaling.ICEServer

	// NewSurface builds the render surface for one device. Nil uses a
	// headless drain surface.
	NewSurface func(udid string) RenderSurface

	Clipboard Clipboard
	Governor  *monitor.LoadGovernor
	Metrics   *metrics.Console
	Logger    *slog.Logger
}

// Console is the control side of one operator session: it owns the
// relay connection, the device table, per-device stream connections,
// and the input pipeline feeding the active device and its mirror
// group.
type Console struct {
	logger     *slog.Logger
	client     *signaling.Client
	table      *device.Table
	selection  *device.SelectionSet
	dispatcher *control.Dispatcher
	session    *control.TouchSession
	lifecycle  *Lifecycle
	governor   *monitor.LoadGovernor
	metrics    *metrics.Console
	clip       Clipboard
	newSurface func(udid string) RenderSurface

	frameRate      int
	batchFrameRate int
	keyframeEvery  time.Duration

	mu         sync.RWMutex
	conns      map[string]*DeviceConnection
	batch      bool
	viewportW  float64
	viewportH  float64
	panelWidth float64
	columns    int
	dpr        float64
	userCap    float64
	iceServers []signaling.ICEServer
}

// New builds a console from opts. Call Run to connect it.
func New(opts Options) *Console {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Console{
		logger:         logger,
		client:         signaling.NewClient(opts.RelayURL, opts.Password, logger),
		table:          device.NewTable(),
		selection:      device.NewSelectionSet(),
		governor:       opts.Governor,
		metrics:        opts.Metrics,
		clip:           opts.Clipboard,
		newSurface:     opts.NewSurface,
		frameRate:      opts.FrameRate,
		batchFrameRate: opts.BatchFrameRate,
		keyframeEvery:  opts.KeyframeInterval,
		conns:          make(map[string]*DeviceConnection),
		panelWidth:     opts.PanelWidth,
		columns:        opts.Columns,
		dpr:            opts.DPR,
		userCap:        opts.UserCap,
		iceServers:     opts.ICEServers,
	}
	if c.newSurface == nil {
		c.newSurface = func(string) RenderSurface {
			return stream.NewHeadlessSurface(logger)
		}
	}

	c.dispatcher = control.NewDispatcher(c.selection, logger)
	c.dispatcher.SetPrimary(c)
	c.dispatcher.SetMirror(c)
	c.session = control.NewTouchSession(c.dispatcher, control.NewIntervalScheduler(60))
	c.lifecycle = NewLifecycle(c, opts.Governor, logger)

	c.client.RegisterHandler(signaling.TypeControlDevices, c.onDeviceTable)
	c.client.RegisterHandler(signaling.TypeAppState, c.onAppState)
	c.client.RegisterHandler(signaling.TypeDeviceDisconnect, c.onDeviceDisconnect)
	c.client.RegisterHandler(signaling.TypeDeviceMessage, c.onDeviceMessage)
	c.client.RegisterHandler(control.CmdPasteboardText, c.onPasteboardText)

	c.table.Watch(func(ev device.Event) {
		if ev.Kind == device.EventRemoved {
			c.selection.Remove(ev.Device.UDID)
			if err := c.StopStream(ev.Device.UDID); err != nil {
				logger.Debug("stopping stream for removed device", "udid", ev.Device.UDID, "error", err)
			}
		}
		if c.metrics != nil {
			c.metrics.DevicesKnown.Set(float64(c.table.Len()))
		}
	})

	return c
}

// Run connects to the relay and pumps messages until ctx is cancelled
// or the connection fails. All streams are torn down before it
// returns.
func (c *Console) Run(ctx context.Context) error {
	if err := c.client.Connect(ctx); err != nil {
		return err
	}
	if err := c.client.RequestDevices(); err != nil {
		c.logger.Warn("requesting device table", "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.metrics != nil {
		go c.exportMetrics(runCtx)
	}

	err := c.client.Run(ctx)
	c.StopAll()
	return err
}

// Client exposes the underlying relay client.
func (c *Console) Client() *signaling.Client {
	return c.client
}

// Table exposes the device table for listing and watching.
func (c *Console) Table() *device.Table {
	return c.table
}

// Selection exposes the mirror group membership.
func (c *Console) Selection() *device.SelectionSet {
	return c.selection
}

// Lifecycle exposes the visibility-driven stream manager.
func (c *Console) Lifecycle() *Lifecycle {
	return c.lifecycle
}

// BindInput attaches an operator input source to this console.
func (c *Console) BindInput(src InputSource) {
	src.Bind(c)
}

// ---- relay message handlers ----

func (c *Console) onDeviceTable(_ context.Context, m *signaling.Message) {
	var listing map[string]signaling.AppState
	if err := m.DecodeBody(&listing); err != nil {
		c.logger.Warn("dropping malformed device table", "error", err)
		return
	}
	snapshot := make(map[string]signaling.DeviceState, len(listing))
	for udid, as := range listing {
		snapshot[udid] = as.System
	}
	c.table.ApplySnapshot(snapshot)
	c.logger.Info("device table loaded", "devices", len(snapshot))
}

func (c *Console) onAppState(_ context.Context, m *signaling.Message) {
	var as signaling.AppState
	if err := m.DecodeBody(&as); err != nil {
		c.logger.Warn("dropping malformed app/state", "error", err)
		return
	}
	st := as.System
	if st.UDID == "" {
		st.UDID = m.UDID
	}
	c.table.ApplyState(st)
}

func (c *Console) onDeviceDisconnect(_ context.Context, m *signaling.Message) {
	udid := m.UDID
	var bodyUDID string
	if err := m.DecodeBody(&bodyUDID); err == nil && bodyUDID != "" {
		udid = bodyUDID
	}
	if udid == "" {
		return
	}
	c.logger.Info("device disconnected", "udid", udid)
	c.table.Remove(udid)
}

func (c *Console) onDeviceMessage(_ context.Context, m *signaling.Message) {
	var dm signaling.DeviceMessage
	if err := m.DecodeBody(&dm); err != nil {
		return
	}
	c.logger.Info("device activity", "udid", dm.UDID, "message", dm.Message)
}

// onPasteboardText lands device clipboard contents relayed outside the
// data channel.
func (c *Console) onPasteboardText(_ context.Context, m *signaling.Message) {
	var body control.TextBody
	if err := m.DecodeBody(&body); err != nil {
		return
	}
	c.receiveDeviceClipboard(m.UDID, body.Text)
}

// handleChannelCommand lands commands a device sends back on its
// control data channel.
func (c *Console) handleChannelCommand(udid string, cmd signaling.Command) {
	switch cmd.Type {
	case control.CmdPasteboardText:
		var body control.TextBody
		if err := json.Unmarshal(cmd.Body, &body); err != nil {
			c.logger.Warn("malformed pasteboard reply", "udid", udid, "error", err)
			return
		}
		c.receiveDeviceClipboard(udid, body.Text)
	default:
		c.logger.Debug("unhandled channel command", "udid", udid, "type", cmd.Type)
	}
}

func (c *Console) receiveDeviceClipboard(udid, text string) {
	if c.clip == nil {
		c.logger.Info("device clipboard received", "udid", udid, "bytes", len(text))
		return
	}
	if err := c.clip.Write(text); err != nil {
		c.logger.Warn("writing operator clipboard", "error", err)
		return
	}
	c.logger.Info("device clipboard copied", "udid", udid, "bytes", len(text))
}

// ---- command transports ----

// SendCommand delivers cmd to udid over its stream data channel. It is
// the dispatcher's direct path; without an open channel it fails so
// the dispatcher falls back to the relay.
func (c *Console) SendCommand(udid string, cmd signaling.Command) error {
	conn := c.connection(udid)
	if conn == nil {
		return fmt.Errorf("device %s: %w", udid, stream.ErrChannelClosed)
	}
	t := conn.Transport()
	if t == nil {
		return fmt.Errorf("device %s: %w", udid, stream.ErrChannelClosed)
	}
	if err := t.SendCommand(cmd); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.CommandsSent.WithLabelValues("direct").Inc()
	}
	return nil
}

// SendGroup fans cmd out to devices through the relay. It is the
// dispatcher's mirror path.
func (c *Console) SendGroup(devices []string, cmd signaling.Command) error {
	var body any
	if len(cmd.Body) > 0 {
		body = cmd.Body
	}
	if err := c.client.SendCommand(devices, cmd.Type, body); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.CommandsSent.WithLabelValues("relay").Add(float64(len(devices)))
	}
	return nil
}

// sendStreamCommand delivers a stream parameter change to one device,
// preferring its data channel and falling back to the relay.
func (c *Console) sendStreamCommand(conn *DeviceConnection, cmd signaling.Command) error {
	if t := conn.Transport(); t != nil && t.ChannelOpen() {
		if err := t.SendCommand(cmd); err == nil {
			return nil
		}
	}
	var body any
	if len(cmd.Body) > 0 {
		body = cmd.Body
	}
	return c.client.SendCommand([]string{conn.UDID()}, cmd.Type, body)
}

// ---- device selection ----

// SetActive changes which device the pointer drives. An in-flight
// gesture is released on the old device first.
func (c *Console) SetActive(udid string) {
	if c.session.InFlight() {
		c.session.Cancel()
	}
	c.dispatcher.SetActive(udid)
}

// Active returns the device the pointer drives.
func (c *Console) Active() string {
	return c.dispatcher.Active()
}

// ToggleSelect flips a device's mirror group membership and reports
// the new state.
func (c *Console) ToggleSelect(udid string) bool {
	return c.selection.Toggle(udid)
}

// ---- layout and negotiation ----

// SetBatch switches between single and batch viewing, renegotiating
// every live stream for the new geometry.
func (c *Console) SetBatch(batch bool) {
	c.mu.Lock()
	c.batch = batch
	c.mu.Unlock()
	c.renegotiateAll()
}

// Batch reports whether batch viewing is active.
func (c *Console) Batch() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.batch
}

// SetViewport records the single-view size and renegotiates.
func (c *Console) SetViewport(w, h float64) {
	c.mu.Lock()
	c.viewportW, c.viewportH = w, h
	c.mu.Unlock()
	c.renegotiateAll()
}

// SetBatchLayout records the grid geometry and renegotiates.
func (c *Console) SetBatchLayout(panelWidth float64, columns int) {
	c.mu.Lock()
	c.panelWidth, c.columns = panelWidth, columns
	c.mu.Unlock()
	c.renegotiateAll()
}

// SetUserCap changes the operator scale cap and renegotiates.
func (c *Console) SetUserCap(cap float64) {
	c.mu.Lock()
	c.userCap = cap
	c.mu.Unlock()
	c.renegotiateAll()
}

// SetRotation changes the view rotation for one device. Pointer
// mapping uses it immediately; the stream geometry is renegotiated in
// case the fit changed.
func (c *Console) SetRotation(udid string, rot control.Rotation) {
	conn := c.connection(udid)
	if conn == nil {
		return
	}
	conn.SetRotation(rot)
	if conn.State() != StateDisconnected {
		if err := c.renegotiate(conn); err != nil {
			c.logger.Debug("renegotiation after rotation", "udid", udid, "error", err)
		}
	}
}

func (c *Console) computeTarget(udid string) (stream.Target, error) {
	dev, ok := c.table.Get(udid)
	if !ok {
		return stream.Target{}, fmt.Errorf("device %s not in table", udid)
	}

	c.mu.RLock()
	in := stream.Inputs{
		DeviceWidth:    dev.Width,
		DeviceHeight:   dev.Height,
		UserCap:        c.userCap,
		DPR:            c.dpr,
		Batch:          c.batch,
		PanelWidth:     c.panelWidth,
		Columns:        c.columns,
		ViewportWidth:  c.viewportW,
		ViewportHeight: c.viewportH,
	}
	if c.batch {
		in.FrameRate = c.batchFrameRate
	} else {
		in.FrameRate = c.frameRate
	}
	c.mu.RUnlock()

	return stream.Compute(in)
}

// renegotiate recomputes one device's encoder target and pushes the
// parts that changed.
func (c *Console) renegotiate(conn *DeviceConnection) error {
	target, err := c.computeTarget(conn.UDID())
	if err != nil {
		return err
	}
	cmds := conn.Negotiator().Commands(target)
	for _, cmd := range cmds {
		if err := c.sendStreamCommand(conn, cmd); err != nil {
			return fmt.Errorf("pushing %s: %w", cmd.Type, err)
		}
	}
	// Frames keep coming at the applied size when the push was
	// suppressed, so the surface follows applied, not target.
	if applied, ok := conn.Negotiator().Applied(); ok {
		if ss, ok := conn.Surface().(sizedSurface); ok {
			ss.SetIntrinsicSize(control.Size{W: float64(applied.Width), H: float64(applied.Height)})
		}
	}
	return nil
}

func (c *Console) renegotiateAll() {
	for _, conn := range c.liveConnections() {
		if err := c.renegotiate(conn); err != nil {
			c.logger.Debug("renegotiation failed", "udid", conn.UDID(), "error", err)
		}
	}
}

// ---- stream lifecycle ----

func (c *Console) connection(udid string) *DeviceConnection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conns[udid]
}

func (c *Console) ensureConnection(udid string) *DeviceConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[udid]
	if !ok {
		conn = NewDeviceConnection(udid, c.newSurface(udid), c.logger)
		c.conns[udid] = conn
	}
	return conn
}

func (c *Console) liveConnections() []*DeviceConnection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*DeviceConnection, 0, len(c.conns))
	for _, conn := range c.conns {
		if conn.State() != StateDisconnected {
			out = append(out, conn)
		}
	}
	return out
}

// ConnState returns a device's connection state.
func (c *Console) ConnState(udid string) State {
	conn := c.connection(udid)
	if conn == nil {
		return StateDisconnected
	}
	return conn.State()
}

// Connection returns the device connection, or nil when none exists.
func (c *Console) Connection(udid string) *DeviceConnection {
	return c.connection(udid)
}

// activeStreams counts connections with a session underway.
func (c *Console) activeStreams() int {
	return len(c.liveConnections())
}

// StartStream brings up a device's video session: negotiate a target,
// offer, proxy the offer through the relay, apply the answer, and
// start catch-up. Force takes the stream over from another controller.
func (c *Console) StartStream(ctx context.Context, udid string, force bool) error {
	if c.governor != nil && !c.governor.AllowStream(c.activeStreams()) {
		return fmt.Errorf("device %s: %w", udid, ErrStreamDeferred)
	}

	target, err := c.computeTarget(udid)
	if err != nil {
		return err
	}

	conn := c.ensureConnection(udid)

	c.mu.RLock()
	ice := c.iceServers
	c.mu.RUnlock()

	tr, err := stream.NewTransport(stream.TransportConfig{
		ICEServers:       ice,
		KeyframeInterval: c.keyframeEvery,
		Logger:           c.logger,
	})
	if err != nil {
		return fmt.Errorf("device %s: %w", udid, err)
	}

	tr.OnTrack(func(track *webrtc.TrackRemote) {
		conn.attachMedia(track)
	})
	tr.OnStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			c.logger.Warn("peer connection lost", "udid", udid, "state", state.String())
			go func() {
				if err := c.StopStream(udid); err != nil {
					c.logger.Debug("teardown after peer loss", "udid", udid, "error", err)
				}
			}()
		}
	})
	tr.OnCommand(func(cmd signaling.Command) {
		c.handleChannelCommand(udid, cmd)
	})

	if err := conn.beginConnect(tr); err != nil {
		tr.Close()
		return err
	}

	fail := func(err error) error {
		if t := conn.disconnect(); t != nil {
			t.Close()
		}
		return err
	}

	offerSDP, err := tr.Offer()
	if err != nil {
		return fail(fmt.Errorf("device %s: %w", udid, err))
	}

	offer := signaling.WebRTCOffer{
		Type:      "offer",
		SDP:       offerSDP,
		Scale:     target.Scale,
		FrameRate: target.FrameRate,
		Force:     force,
	}
	payload, err := json.Marshal(&offer)
	if err != nil {
		return fail(fmt.Errorf("encoding offer: %w", err))
	}

	dev, _ := c.table.Get(udid)
	resp, err := c.client.HTTPRequest(ctx, udid, &signaling.HTTPProxyRequest{
		Method:  http.MethodPost,
		Path:    webrtcStartPath,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    base64.StdEncoding.EncodeToString(payload),
		Port:    dev.Port,
	})
	if err != nil {
		return fail(fmt.Errorf("starting stream on %s: %w", udid, err))
	}
	if resp.Status != http.StatusOK {
		return fail(fmt.Errorf("device %s refused stream start (status %d)", udid, resp.Status))
	}

	answerJSON, err := base64.StdEncoding.DecodeString(resp.Body)
	if err != nil {
		return fail(fmt.Errorf("decoding answer body: %w", err))
	}
	var answer signaling.WebRTCAnswer
	if err := json.Unmarshal(answerJSON, &answer); err != nil {
		return fail(fmt.Errorf("parsing answer: %w", err))
	}
	if answer.Type != "answer" || answer.SDP == "" {
		return fail(fmt.Errorf("device %s returned %q instead of an answer", udid, answer.Type))
	}

	if err := tr.AcceptAnswer(answer.SDP); err != nil {
		return fail(fmt.Errorf("device %s: %w", udid, err))
	}

	c.adoptICEServers(answer.ICEServers)
	conn.Negotiator().SetApplied(target)
	if ss, ok := conn.Surface().(sizedSurface); ok {
		ss.SetIntrinsicSize(control.Size{W: float64(target.Width), H: float64(target.Height)})
	}

	catch := stream.NewCatchUp(conn.Surface(), tr.Lag, c.logger)
	catchCtx, cancel := context.WithCancel(context.Background())
	go catch.Run(catchCtx)
	conn.setCatchUp(catch, cancel)

	c.logger.Info("stream starting", "udid", udid,
		"scale", target.Scale, "size", fmt.Sprintf("%dx%d", target.Width, target.Height),
		"rate", target.FrameRate)
	return nil
}

// adoptICEServers keeps servers echoed back by a device when the
// console has none configured.
func (c *Console) adoptICEServers(servers []signaling.ICEServer) {
	if len(servers) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.iceServers) == 0 {
		c.iceServers = servers
		c.logger.Info("adopted ICE servers from device", "count", len(servers))
	}
}

// StopStream tears a device's session down: release any gesture on it,
// tell the device to stop encoding, then dismantle catch-up, media,
// and the transport in that order.
func (c *Console) StopStream(udid string) error {
	conn := c.connection(udid)
	if conn == nil || conn.State() == StateDisconnected {
		return nil
	}

	if c.dispatcher.Active() == udid && c.session.InFlight() {
		c.session.Cancel()
	}

	if err := c.sendStreamCommand(conn, control.StreamStop()); err != nil {
		c.logger.Debug("stop command not delivered", "udid", udid, "error", err)
	}

	if t := conn.disconnect(); t != nil {
		if err := t.Close(); err != nil {
			return fmt.Errorf("closing transport for %s: %w", udid, err)
		}
	}
	c.logger.Info("stream stopped", "udid", udid)
	return nil
}

// StopAll tears down every live session and the visibility tracker.
func (c *Console) StopAll() {
	for _, conn := range c.liveConnections() {
		if err := c.StopStream(conn.UDID()); err != nil {
			c.logger.Warn("stopping stream", "udid", conn.UDID(), "error", err)
		}
	}
}

// ---- operator input ----

// mapPointer translates client coordinates to a device point on the
// active connection's surface.
func (c *Console) mapPointer(x, y float64) (control.Point, bool) {
	udid := c.dispatcher.Active()
	if udid == "" {
		return control.Point{}, false
	}
	conn := c.connection(udid)
	if conn == nil {
		return control.Point{}, false
	}
	surf := conn.Surface()
	return control.Map(x, y, surf.Bounds(), surf.IntrinsicSize(), conn.Rotation())
}

// PointerDown starts a gesture when the pointer lands on the video.
func (c *Console) PointerDown(x, y float64) {
	pt, ok := c.mapPointer(x, y)
	if !ok {
		return
	}
	c.session.Begin(pt)
}

// PointerMove advances the gesture. Positions off the video region
// are dropped; the gesture survives until release or leave.
func (c *Console) PointerMove(x, y float64) {
	pt, ok := c.mapPointer(x, y)
	if !ok {
		return
	}
	c.session.Move(pt)
}

// PointerUp ends the gesture at the released position, or at the last
// on-video position when released outside.
func (c *Console) PointerUp(x, y float64) {
	if pt, ok := c.mapPointer(x, y); ok {
		c.session.End(pt)
		return
	}
	c.session.Cancel()
}

// PointerLeave releases a gesture whose pointer left the surface.
func (c *Console) PointerLeave() {
	c.session.Cancel()
}

// KeyDown forwards a key press to the active device and its mirrors.
func (c *Console) KeyDown(code string) {
	c.dispatcher.Dispatch(control.KeyDown(code))
}

// KeyUp forwards a key release.
func (c *Console) KeyUp(code string) {
	c.dispatcher.Dispatch(control.KeyUp(code))
}

// PressHome taps the home button on the active device and mirrors.
func (c *Console) PressHome() {
	c.dispatcher.Dispatch(control.Home())
}

// PressLock taps the lock button on the active device and mirrors.
func (c *Console) PressLock() {
	c.dispatcher.Dispatch(control.Lock())
}

// PasteText writes text into the pasteboard of the active device and
// its mirrors.
func (c *Console) PasteText(text string) {
	c.dispatcher.Dispatch(control.PasteboardWrite(text))
}

// PasteFromClipboard pastes the operator clipboard to the devices.
func (c *Console) PasteFromClipboard() error {
	if c.clip == nil {
		return ErrClipboardUnavailable
	}
	text, err := c.clip.Read()
	if err != nil {
		return fmt.Errorf("reading operator clipboard: %w", err)
	}
	c.PasteText(text)
	return nil
}

// ReadDeviceClipboard asks the active device for its pasteboard. The
// reply lands in the operator clipboard asynchronously. Only the
// active device is asked so replies cannot race each other.
func (c *Console) ReadDeviceClipboard() error {
	udid := c.dispatcher.Active()
	if udid == "" {
		return fmt.Errorf("no active device")
	}
	conn := c.connection(udid)
	if conn == nil {
		return c.client.SendCommand([]string{udid}, control.CmdPasteboardRead, nil)
	}
	return c.sendStreamCommand(conn, control.PasteboardRead())
}

// ---- metrics export ----

func (c *Console) exportMetrics(ctx context.Context) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	var lastSuppressed uint64
	engaged := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			live := c.liveConnections()
			connected := 0
			for _, conn := range live {
				if conn.State() == StateConnected {
					connected++
				}
				if catch := conn.CatchUp(); catch != nil {
					now := catch.Engaged()
					if now && !engaged[conn.UDID()] {
						c.metrics.CatchUpEngaged.Inc()
					}
					engaged[conn.UDID()] = now
				}
			}
			c.metrics.StreamsActive.Set(float64(connected))

			if active := c.connection(c.dispatcher.Active()); active != nil {
				if t := active.Transport(); t != nil {
					if lag, err := t.Lag(); err == nil {
						c.metrics.StreamLag.Set(lag.Seconds())
					}
				}
			}

			suppressed := c.session.Suppressed()
			if suppressed > lastSuppressed {
				c.metrics.MovesSuppressed.Add(float64(suppressed - lastSuppressed))
				lastSuppressed = suppressed
			}

			if c.governor != nil {
				c.metrics.LoadLevel.Set(float64(c.governor.Level()))
			}
		}
	}
}
