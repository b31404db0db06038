package relay

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/havonz/XXTCloudControl-sub000/internal/signaling"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 10 * 1024 * 1024

	// Outbound frames queued per peer before sends start failing.
	sendBufferSize = 256
)

// peer wraps one websocket connection with a serialized write pump, so
// hub goroutines can send concurrently while each connection sees its
// frames in enqueue order.
type peer struct {
	conn   *websocket.Conn
	logger *slog.Logger

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(conn *websocket.Conn, logger *slog.Logger) *peer {
	p := &peer{
		conn:   conn,
		logger: logger,
		sendCh: make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	go p.writePump()
	return p
}

func (p *peer) remoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}

// send encodes and queues one envelope. It fails without blocking when
// the peer's buffer is full.
func (p *peer) send(m *signaling.Message) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	select {
	case p.sendCh <- data:
		return nil
	case <-p.done:
		return websocket.ErrCloseSent
	default:
		p.logger.Warn("send buffer full, dropping frame", "peer", p.remoteAddr(), "type", m.Type)
		return websocket.ErrCloseSent
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case data := <-p.sendCh:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.close()
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.close()
				return
			}
		}
	}
}

// close shuts the connection down. Safe to call from any goroutine,
// any number of times.
func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}
