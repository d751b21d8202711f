package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyper-ai-inc/termbridge/internal/bridge"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	// Large pastes arrive as one frame; gorilla drops the connection past this
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// ErrClientClosed is returned when emitting to a connection that has gone away
var ErrClientClosed = errors.New("client closed")

// Envelope is the JSON frame for named events
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type frame struct {
	binary bool
	data   []byte
}

// Client is one websocket connection. It implements bridge.Emitter: text
// frames carry event envelopes, binary frames carry raw terminal output.
type Client struct {
	ID   string
	conn *websocket.Conn

	handler *bridge.Handler
	send    chan frame

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		send:   make(chan frame, sendBuffer),
		closed: make(chan struct{}),
	}
}

// Emit queues a named event. It blocks while the send buffer is full and
// fails once the client is closed.
func (c *Client) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	return c.enqueue(frame{data: msg})
}

// EmitOutput queues terminal output as a binary frame
func (c *Client) EmitOutput(data []byte) error {
	return c.enqueue(frame{binary: true, data: data})
}

func (c *Client) enqueue(f frame) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	case <-c.closed:
		return ErrClientClosed
	}
}

// Close shuts the connection down; safe to call more than once
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
	})
}

// Done is closed when the client has been closed
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// ReadPump reads messages from the WebSocket until it closes, then
// disconnects the handler
func (c *Client) ReadPump(onClose func()) {
	defer func() {
		c.Close()
		c.handler.Disconnect()
		if onClose != nil {
			onClose()
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("[ws] connection %s: read error: %v", c.ID, err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			// Binary = raw terminal input
			c.handler.HandleInput(data)

		case websocket.TextMessage:
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
				c.Emit(bridge.EventTerminalError, bridge.ErrorPayload{
					Message: "invalid message envelope",
					Code:    bridge.CodeInvalidRequest,
				})
				continue
			}
			c.handler.HandleEvent(env.Event, env.Data)
		}
	}
}

// WritePump writes queued frames and keepalive pings to the WebSocket
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case f := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			messageType := websocket.TextMessage
			if f.binary {
				messageType = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(messageType, f.data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			return
		}
	}
}
