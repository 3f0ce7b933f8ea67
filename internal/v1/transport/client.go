package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/labrook/dino/internal/v1/activity"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// wsConnection is the subset of *websocket.Conn the client needs, kept as an
// interface so tests can drive the pumps without a network.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Session identifies one connection to the request handler.
type Session interface {
	SID() string
	UserID() string
	Namespace() string
}

// RequestHandler consumes client requests. The transport stays dumb: every
// parsed envelope is handed over, and whatever comes back is written to the
// same connection.
type RequestHandler interface {
	HandleRequest(ctx context.Context, s Session, act *activity.Activity) []byte
	HandleDisconnect(ctx context.Context, s Session)
}

// Client is one websocket connection.
type Client struct {
	conn    wsConnection
	hub     *Hub
	handler RequestHandler
	log     *zap.Logger

	sid       string
	userID    string
	namespace string

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	send      chan []byte
}

func newClient(conn wsConnection, hub *Hub, handler RequestHandler, sid, userID, namespace string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		conn:      conn,
		hub:       hub,
		handler:   handler,
		log:       log,
		sid:       sid,
		userID:    userID,
		namespace: namespace,
		send:      make(chan []byte, sendBufferSize),
	}
}

func (c *Client) SID() string       { return c.sid }
func (c *Client) UserID() string    { return c.userID }
func (c *Client) Namespace() string { return c.namespace }

// Disconnect closes the send channel, which drains the write pump and closes
// the connection.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// sendRaw queues a pre-marshaled frame. Full or closed channels drop the
// frame instead of blocking the hub.
func (c *Client) sendRaw(data []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	select {
	case c.send <- data:
	default:
		c.log.Warn("client send channel full, dropping frame",
			zap.String("sid", c.sid), zap.String("user_id", c.userID))
	}
}

// readPump reads envelopes off the wire and feeds them to the handler until
// the connection dies.
func (c *Client) readPump() {
	defer func() {
		c.handler.HandleDisconnect(context.Background(), c)
		c.hub.unregister(c)
		c.Disconnect()
		_ = c.conn.Close()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		act, err := activity.Parse(data)
		if err != nil {
			c.log.Warn("unparseable client message",
				zap.String("sid", c.sid), zap.String("user_id", c.userID), zap.Error(err))
			continue
		}

		if response := c.handler.HandleRequest(context.Background(), c, act); response != nil {
			c.sendRaw(response)
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.log.Error("error writing message",
				zap.String("sid", c.sid), zap.Error(err))
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
