package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 8192                // Maximum message size allowed from peer.
	sendBuffer     = 256
	eventTimeout   = 10 * time.Second
)

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	ID     string
	UserID string

	mu     sync.Mutex
	send   chan []byte // Buffered channel of outbound messages.
	closed bool
}

func NewClient(hub *Hub, conn *websocket.Conn, id, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		ID:     id,
		UserID: userID,
		send:   make(chan []byte, sendBuffer),
	}
}

func (c *Client) enqueue(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionGone
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Close drops the underlying connection; ReadPump then runs the disconnect.
func (c *Client) Close() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Client) SendEvent(event string, data any) error {
	evt := Event{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		evt.Data = raw
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return c.enqueue(payload)
}

// ErrorEvent is the data of an outbound error frame.
type ErrorEvent struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) SendError(code int, message string) error {
	return c.SendEvent(EventError, ErrorEvent{Code: code, Message: message})
}

// ReadPump pumps frames from the websocket connection to the hub's event
// handlers.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.OnDisconnect(c.ID)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("Unexpected close", "connection_id", c.ID, "error", err)
			}
			break
		}
		var evt Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			_ = c.SendError(CodeInvalidRequest, ErrInvalidEvent.Error())
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		c.hub.dispatch(ctx, c, evt)
		cancel()
	}
}

// WritePump pumps messages from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// One frame per event keeps every frame a complete JSON document.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
