package websocket

import (
	"sync"
	"time"

	"live-auction/pkg/logger"

	"github.com/gorilla/websocket"
)

// Time allowed to write a message to the peer.
const writeWait = 10 * time.Second

type ClientConfig struct {
	SendBuffer     int
	MaxMessageSize int64
	// PingPeriod must be shorter than PongWait.
	PingPeriod time.Duration
	PongWait   time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		SendBuffer:     256,
		MaxMessageSize: 4096,
		PingPeriod:     25 * time.Second,
		PongWait:       60 * time.Second,
	}
}

// Client adapts a gorilla connection to a Sink. Frames are queued on a
// buffered channel and written by WritePump, the only writer on the socket.
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	cfg       ClientConfig
	log       logger.Logger
}

func NewClient(id string, conn *websocket.Conn, cfg ClientConfig, log logger.Logger) *Client {
	return &Client{
		id:   id,
		conn: conn,
		send: make(chan []byte, cfg.SendBuffer),
		done: make(chan struct{}),
		cfg:  cfg,
		log:  log.With("connection_id", id),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrSinkClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrSinkClosed
	default:
		return ErrSinkFull
	}
}

// Close stops the write pump, which sends a close frame and closes the
// socket. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// WritePump drains the send queue and keeps the peer alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("Write failed", "error", err)
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug("Ping failed", "error", err)
				_ = c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// ReadPump reads frames until the peer goes away or the read deadline
// passes. alive is called on every pong and every inbound frame.
func (c *Client) ReadPump(handle func(frame []byte), alive func()) {
	defer func() {
		_ = c.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		alive()
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("WebSocket read error", "error", err)
			} else {
				c.log.Debug("WebSocket connection closed by peer", "error", err)
			}
			return
		}

		alive()
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		handle(frame)
	}
}
