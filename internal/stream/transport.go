package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/havonz/XXTCloudControl-sub000/internal/signaling"
)

// ErrChannelClosed reports a command sent before the control channel
// opened or after it closed. Callers fall back to the relay path.
var ErrChannelClosed = errors.New("control channel not open")

// defaultKeyframeInterval paces periodic picture loss indications so
// a consumer that joins mid-stream gets a decodable frame soon.
const defaultKeyframeInterval = 3 * time.Second

// TransportConfig configures one peer session.
type TransportConfig struct {
	// ICEServers usually combines the device defaults with the TURN
	// servers injected by the relay.
	ICEServers []signaling.ICEServer

	// KeyframeInterval overrides the periodic keyframe request pace.
	// Zero uses the default; negative disables periodic requests.
	KeyframeInterval time.Duration

	Logger *slog.Logger
}

// Transport is the console side of one device video session: a
// receive-only peer connection plus an ordered "control" data channel
// for low-latency commands.
type Transport struct {
	logger        *slog.Logger
	pc            *webrtc.PeerConnection
	dc            *webrtc.DataChannel
	keyframeEvery time.Duration

	mu        sync.RWMutex
	open      bool
	track     *webrtc.TrackRemote
	onTrack   func(*webrtc.TrackRemote)
	onState   func(webrtc.PeerConnectionState)
	onCommand func(signaling.Command)

	stopPLI   chan struct{}
	closeOnce sync.Once
}

// NewTransport builds the peer connection and control channel. No
// network traffic happens until Offer is called.
func NewTransport(cfg TransportConfig) (*Transport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("registering interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: convertICEServers(cfg.ICEServers),
	})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	t := &Transport{
		logger:        logger,
		pc:            pc,
		keyframeEvery: cfg.KeyframeInterval,
		stopPLI:       make(chan struct{}),
	}
	if t.keyframeEvery == 0 {
		t.keyframeEvery = defaultKeyframeInterval
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("adding video transceiver: %w", err)
	}

	ordered := true
	dc, err := pc.CreateDataChannel("control", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating control channel: %w", err)
	}
	t.dc = dc

	dc.OnOpen(func() {
		t.mu.Lock()
		t.open = true
		t.mu.Unlock()
		logger.Debug("control channel open")
	})
	dc.OnClose(func() {
		t.mu.Lock()
		t.open = false
		t.mu.Unlock()
		logger.Debug("control channel closed")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var cmd signaling.Command
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			logger.Warn("dropping malformed channel message", "error", err)
			return
		}
		t.mu.RLock()
		fn := t.onCommand
		t.mu.RUnlock()
		if fn != nil {
			fn(cmd)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}
		logger.Info("video track arrived", "codec", track.Codec().MimeType, "ssrc", track.SSRC())
		t.mu.Lock()
		t.track = track
		fn := t.onTrack
		t.mu.Unlock()
		if t.keyframeEvery > 0 {
			go t.pliLoop(track)
		}
		if fn != nil {
			fn(track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("peer connection state changed", "state", state.String())
		t.mu.RLock()
		fn := t.onState
		t.mu.RUnlock()
		if fn != nil {
			fn(state)
		}
	})

	return t, nil
}

// OnTrack sets the callback for the arriving video track. Set it
// before calling Offer.
func (t *Transport) OnTrack(fn func(*webrtc.TrackRemote)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrack = fn
}

// OnStateChange sets the connection state callback.
func (t *Transport) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

// OnCommand sets the callback for commands the device sends back over
// the control channel, such as pasteboard contents.
func (t *Transport) OnCommand(fn func(signaling.Command)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCommand = fn
}

// Offer produces a complete local description with all candidates
// gathered, ready to POST to the device.
func (t *Transport) Offer() (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	<-gatherComplete
	return t.pc.LocalDescription().SDP, nil
}

// AcceptAnswer applies the device's answer.
func (t *Transport) AcceptAnswer(sdp string) error {
	err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

// SendCommand delivers a command over the control channel.
func (t *Transport) SendCommand(cmd signaling.Command) error {
	t.mu.RLock()
	open := t.open
	t.mu.RUnlock()
	if !open {
		return ErrChannelClosed
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding %s command: %w", cmd.Type, err)
	}
	if err := t.dc.SendText(string(data)); err != nil {
		return fmt.Errorf("sending %s command: %w", cmd.Type, err)
	}
	return nil
}

// ChannelOpen reports whether the control channel is usable.
func (t *Transport) ChannelOpen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.open
}

// ConnectionState returns the current peer connection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	return t.pc.ConnectionState()
}

// RequestKeyframe asks the device encoder for an immediate keyframe.
func (t *Transport) RequestKeyframe() error {
	t.mu.RLock()
	track := t.track
	t.mu.RUnlock()
	if track == nil {
		return fmt.Errorf("no video track yet")
	}
	return t.writePLI(track)
}

func (t *Transport) writePLI(track *webrtc.TrackRemote) error {
	err := t.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
	})
	if err != nil {
		return fmt.Errorf("writing PLI: %w", err)
	}
	return nil
}

func (t *Transport) pliLoop(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(t.keyframeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopPLI:
			return
		case <-ticker.C:
			if err := t.writePLI(track); err != nil {
				t.logger.Debug("keyframe request failed", "error", err)
				return
			}
		}
	}
}

// Lag estimates how far behind live the receive path is, using the
// jitter buffer totals from the inbound video stream. When several
// inbound streams report, the one with the most packets wins.
func (t *Transport) Lag() (time.Duration, error) {
	return lagFromStats(t.pc.GetStats())
}

func lagFromStats(report webrtc.StatsReport) (time.Duration, error) {
	var (
		found       bool
		bestPackets uint32
		bestLag     time.Duration
	)
	for _, s := range report {
		stat, ok := s.(webrtc.InboundRTPStreamStats)
		if !ok || stat.Kind != "video" {
			continue
		}
		if found && stat.PacketsReceived <= bestPackets {
			continue
		}

		var lag time.Duration
		if stat.JitterBufferEmittedCount > 0 {
			perSample := stat.JitterBufferDelay / float64(stat.JitterBufferEmittedCount)
			lag = time.Duration(perSample * float64(time.Second))
		} else {
			lag = time.Duration(stat.Jitter * float64(time.Second))
		}

		found = true
		bestPackets = stat.PacketsReceived
		bestLag = lag
	}
	if !found {
		return 0, fmt.Errorf("no inbound video stats yet")
	}
	return bestLag, nil
}

// InboundVideoStats is a condensed stats snapshot for metrics export.
type InboundVideoStats struct {
	PacketsReceived uint32
	PacketsLost     int32
	BytesReceived   uint64
	NACKCount       uint32
	Jitter          float64
}

// VideoStats returns the inbound video stream counters.
func (t *Transport) VideoStats() (InboundVideoStats, error) {
	return videoStatsFromReport(t.pc.GetStats())
}

func videoStatsFromReport(report webrtc.StatsReport) (InboundVideoStats, error) {
	var (
		found bool
		best  InboundVideoStats
	)
	for _, s := range report {
		stat, ok := s.(webrtc.InboundRTPStreamStats)
		if !ok || stat.Kind != "video" {
			continue
		}
		if found && stat.PacketsReceived <= best.PacketsReceived {
			continue
		}
		found = true
		best = InboundVideoStats{
			PacketsReceived: stat.PacketsReceived,
			PacketsLost:     stat.PacketsLost,
			BytesReceived:   stat.BytesReceived,
			NACKCount:       stat.NACKCount,
			Jitter:          stat.Jitter,
		}
	}
	if !found {
		return InboundVideoStats{}, fmt.Errorf("no inbound video stats yet")
	}
	return best, nil
}

// Close tears the session down. Safe to call more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stopPLI)
		if t.dc != nil {
			t.dc.Close()
		}
		err = t.pc.Close()
	})
	return err
}

func convertICEServers(servers []signaling.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		srv := webrtc.ICEServer{URLs: []string(s.URLs)}
		if s.Username != "" {
			srv.Username = s.Username
		}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}
