package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrNotConnected reports an operation that needs an established relay
// connection. Call Connect first.
var ErrNotConnected = errors.New("not connected to relay")

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 10 * 1024 * 1024

	// Outgoing message buffer size.
	sendBufferSize = 256

	// Default deadline for proxied HTTP round trips.
	defaultCallTimeout = 30 * time.Second
)

// WSPath is the websocket endpoint exposed by the relay.
const WSPath = "/api/ws"

// HandlerFunc processes one inbound message. Handlers run on their
// own goroutine and must not block on the connection.
type HandlerFunc func(ctx context.Context, m *Message)

// call tracks one in-flight proxied HTTP request until the matching
// http/response frame arrives.
type call struct {
	done chan struct{}
	resp *HTTPProxyResponse
}

// Client is a controller-side connection to the relay. It signs every
// outgoing control message, dispatches inbound messages to registered
// handlers, and correlates proxied HTTP responses with their requests.
type Client struct {
	serverURL string
	signer    *Signer
	logger    *slog.Logger

	conn   *websocket.Conn
	sendCh chan []byte

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	calls    map[string]*call

	callTimeout time.Duration
}

// NewClient creates a relay client. The password is used to sign
// control messages; it is never transmitted.
func NewClient(serverURL, password string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		serverURL:   serverURL,
		signer:      NewSigner(password),
		logger:      logger,
		sendCh:      make(chan []byte, sendBufferSize),
		handlers:    make(map[string]HandlerFunc),
		calls:       make(map[string]*call),
		callTimeout: defaultCallTimeout,
	}
}

// RegisterHandler installs the handler for one message type,
// replacing any previous registration.
func (c *Client) RegisterHandler(msgType string, h HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = h
}

// Connect dials the relay websocket endpoint.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("parsing server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = WSPath

	netDialer := &net.Dialer{
		Timeout:   15 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	dialer := websocket.Dialer{
		NetDialContext:    netDialer.DialContext,
		HandshakeTimeout:  15 * time.Second,
		EnableCompression: true,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dialing %s: %w (status %d)", u.String(), err, resp.StatusCode)
		}
		return fmt.Errorf("dialing %s: %w", u.String(), err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	c.conn = conn

	c.logger.Info("connected to relay", "url", u.String())
	return nil
}

// Run pumps the connection until it fails or ctx is cancelled. It
// always closes the connection before returning.
func (c *Client) Run(ctx context.Context) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return fmt.Errorf("setting read deadline: %w", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	errCh := make(chan error, 2)
	go c.readPump(ctx, errCh)
	go c.writePump(ctx, errCh)

	select {
	case <-ctx.Done():
		c.sendClose()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (c *Client) readPump(ctx context.Context, errCh chan<- error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				errCh <- fmt.Errorf("reading message: %w", err)
			} else {
				errCh <- err
			}
			return
		}
		m, err := Decode(data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		go c.handleMessage(ctx, m)
	}
}

func (c *Client) writePump(ctx context.Context, errCh chan<- error) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.sendCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				errCh <- fmt.Errorf("setting write deadline: %w", err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				errCh <- fmt.Errorf("writing message: %w", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				errCh <- fmt.Errorf("setting write deadline: %w", err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				errCh <- fmt.Errorf("writing ping: %w", err)
				return
			}
		}
	}
}

func (c *Client) sendClose() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
}

func (c *Client) handleMessage(ctx context.Context, m *Message) {
	if m.Type == TypeHTTPResponse {
		c.resolveCall(m)
		return
	}

	c.mu.RLock()
	h, ok := c.handlers[m.Type]
	c.mu.RUnlock()
	if !ok {
		c.logger.Debug("no handler for message", "type", m.Type)
		return
	}
	h(ctx, m)
}

// Send signs and queues an envelope. It fails without blocking when
// the send buffer is full.
func (c *Client) Send(m *Message) error {
	c.signer.Sign(m)
	data, err := m.Encode()
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full, dropping %s", m.Type)
	}
}

// RequestDevices asks the relay for its device table. The reply
// arrives as a control/devices message on the registered handler.
func (c *Client) RequestDevices() error {
	return c.Send(&Message{Type: TypeControlDevices})
}

// Refresh asks the relay to poll every device for a fresh app/state.
func (c *Client) Refresh() error {
	return c.Send(&Message{Type: TypeControlRefresh})
}

// SendCommand fans one command out to the named devices.
func (c *Client) SendCommand(devices []string, cmdType string, body any) error {
	cc := ControlCommand{Devices: devices, Type: cmdType}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s body: %w", cmdType, err)
		}
		cc.Body = data
	}
	m := &Message{Type: TypeControlCommand}
	if err := m.EncodeBody(&cc); err != nil {
		return err
	}
	return c.Send(m)
}

// SendCommands delivers an ordered batch to the named devices.
func (c *Client) SendCommands(devices []string, commands []Command) error {
	m := &Message{Type: TypeControlCommands}
	if err := m.EncodeBody(&ControlCommands{Devices: devices, Commands: commands}); err != nil {
		return err
	}
	return c.Send(m)
}

// HTTPRequest performs one HTTP round trip against a device through
// the relay proxy and waits for the matching response.
func (c *Client) HTTPRequest(ctx context.Context, udid string, req *HTTPProxyRequest) (*HTTPProxyResponse, error) {
	req.Devices = []string{udid}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	pending := &call{done: make(chan struct{})}
	c.mu.Lock()
	c.calls[req.RequestID] = pending
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.calls, req.RequestID)
		c.mu.Unlock()
	}()

	m := &Message{Type: TypeControlHTTP}
	if err := m.EncodeBody(req); err != nil {
		return nil, err
	}
	if err := c.Send(m); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()
	select {
	case <-pending.done:
		if pending.resp.Error != "" {
			return pending.resp, fmt.Errorf("device %s: %s", udid, pending.resp.Error)
		}
		return pending.resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("request %s to %s timed out", req.RequestID, udid)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) resolveCall(m *Message) {
	var resp HTTPProxyResponse
	if err := m.DecodeBody(&resp); err != nil {
		c.logger.Warn("dropping malformed http/response", "error", err)
		return
	}
	c.mu.Lock()
	pending, ok := c.calls[resp.RequestID]
	if ok {
		delete(c.calls, resp.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("response for unknown request", "requestId", resp.RequestID)
		return
	}
	pending.resp = &resp
	close(pending.done)
}
