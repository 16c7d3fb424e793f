package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WSTransportConfig tunes the websocket adapter.
type WSTransportConfig struct {
	// Keepalive is the ping interval; the read deadline is twice that, so a
	// missed pong closes the connection with CloseTimeout.
	Keepalive time.Duration
	// WriteWait bounds a single write to the peer.
	WriteWait time.Duration
	// MaxMessageSize caps inbound frames; larger frames end the connection.
	MaxMessageSize int64
	// SendQueue is the outbound buffer size; overflow means SlowConsumer.
	SendQueue int
}

func (c *WSTransportConfig) applyDefaults() {
	if c.Keepalive <= 0 {
		c.Keepalive = 30 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 128 * 1024
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
}

// wsTransport adapts a gorilla websocket connection to the Transport
// contract. A read pump feeds recv, a write pump drains send and handles the
// ping ticker; both exit when closing is signalled.
type wsTransport struct {
	conn *websocket.Conn
	cfg  WSTransportConfig
	log  *logrus.Entry

	recv chan Frame
	send chan Frame
	done chan CloseInfo

	closing   chan struct{}
	closeOnce sync.Once
	closeMu   sync.Mutex
	closeInfo CloseInfo
}

// NewWSTransport wraps an upgraded websocket connection and starts its pumps.
func NewWSTransport(conn *websocket.Conn, cfg WSTransportConfig, log *logrus.Entry) Transport {
	if conn == nil {
		panic("websocket connection cannot be nil for NewWSTransport")
	}
	cfg.applyDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	t := &wsTransport{
		conn:    conn,
		cfg:     cfg,
		log:     log.WithField("component", "ws_transport"),
		recv:    make(chan Frame, 32),
		send:    make(chan Frame, cfg.SendQueue),
		done:    make(chan CloseInfo, 1),
		closing: make(chan struct{}),
	}
	go t.readPump()
	go t.writePump()
	return t
}

func (t *wsTransport) Recv() <-chan Frame     { return t.recv }
func (t *wsTransport) Done() <-chan CloseInfo { return t.done }

func (t *wsTransport) Send(f Frame) error {
	select {
	case <-t.closing:
		return ErrTransportClosed
	default:
	}
	select {
	case t.send <- f:
		return nil
	default:
		t.log.Warn("Send queue full, closing slow consumer")
		t.shutdown(CloseInfo{Code: CloseInternalError, Reason: "slow consumer", Clean: false, Err: ErrSlowConsumer})
		return ErrSlowConsumer
	}
}

func (t *wsTransport) Close(code int, reason string) {
	t.shutdown(CloseInfo{Code: code, Reason: reason, Clean: true})
}

// shutdown records the close info once and signals both pumps.
func (t *wsTransport) shutdown(info CloseInfo) {
	t.closeOnce.Do(func() {
		t.closeMu.Lock()
		t.closeInfo = info
		t.closeMu.Unlock()
		close(t.closing)
	})
}

func (t *wsTransport) readPump() {
	defer func() {
		t.closeMu.Lock()
		info := t.closeInfo
		t.closeMu.Unlock()
		close(t.recv)
		t.done <- info
		close(t.done)
	}()

	pongWait := 2 * t.cfg.Keepalive
	t.conn.SetReadLimit(t.cfg.MaxMessageSize)
	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closing:
				// Close was initiated locally; keep the recorded info.
			default:
				t.shutdown(t.closeInfoFromReadError(err))
			}
			return
		}
		var kind FrameKind
		switch messageType {
		case websocket.TextMessage:
			kind = FrameText
		case websocket.BinaryMessage:
			kind = FrameBinary
		default:
			continue
		}
		select {
		case t.recv <- Frame{Kind: kind, Data: message}:
		case <-t.closing:
			return
		}
	}
}

func (t *wsTransport) closeInfoFromReadError(err error) CloseInfo {
	if closeErr, ok := err.(*websocket.CloseError); ok {
		clean := closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
		return CloseInfo{Code: closeErr.Code, Reason: closeErr.Text, Clean: clean, Err: err}
	}
	if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
		return CloseInfo{Code: CloseTimeout, Reason: "idle timeout", Clean: false, Err: err}
	}
	return CloseInfo{Code: CloseInternalError, Reason: "read error", Clean: false, Err: err}
}

func (t *wsTransport) writePump() {
	ticker := time.NewTicker(t.cfg.Keepalive)
	defer func() {
		ticker.Stop()
		t.conn.Close()
	}()

	for {
		select {
		case f := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
			messageType := websocket.TextMessage
			if f.Kind == FrameBinary {
				messageType = websocket.BinaryMessage
			}
			if err := t.conn.WriteMessage(messageType, f.Data); err != nil {
				t.log.WithError(err).Warn("Failed to write message to websocket")
				t.shutdown(CloseInfo{Code: CloseInternalError, Reason: "write error", Clean: false, Err: err})
				return
			}
		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.log.WithError(err).Debug("Failed to send ping")
				t.shutdown(CloseInfo{Code: CloseTimeout, Reason: "ping failed", Clean: false, Err: err})
				return
			}
		case <-t.closing:
			t.closeMu.Lock()
			info := t.closeInfo
			t.closeMu.Unlock()
			// Flush anything already queued, then send the close frame.
			for {
				select {
				case f := <-t.send:
					_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
					messageType := websocket.TextMessage
					if f.Kind == FrameBinary {
						messageType = websocket.BinaryMessage
					}
					if err := t.conn.WriteMessage(messageType, f.Data); err != nil {
						return
					}
				default:
					msg := websocket.FormatCloseMessage(info.Code, info.Reason)
					_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
					_ = t.conn.WriteMessage(websocket.CloseMessage, msg)
					return
				}
			}
		}
	}
}
