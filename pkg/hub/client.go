package hub

import (
	"time"

	"github.com/gofiber/websocket/v2"
)

const (
	// writeWait is how long to wait for a write to complete
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong response
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound messages; clients only send control frames.
	maxMessageSize = 4 * 1024
)

// Client represents a single websocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Message

	// writeDone is closed when writePump returns.
	writeDone chan struct{}
}

// NewClient creates a client and registers it with the hub. initial
// messages are queued ahead of any broadcast, so a new client always
// starts from the current state.
func NewClient(hub *Hub, conn *websocket.Conn, initial ...Message) *Client {
	client := newClient(hub, initial...)
	client.conn = conn
	return client
}

func newClient(hub *Hub, initial ...Message) *Client {
	client := &Client{
		hub:       hub,
		send:      make(chan Message, clientBuffer+len(initial)),
		writeDone: make(chan struct{}),
	}
	for _, m := range initial {
		client.send <- m
	}
	if !hub.join(client) {
		close(client.send)
	}
	return client
}

// Run starts the client's read and write pumps
// This should be called in the websocket handler. It returns only after
// both pumps have stopped, since the handler's conn is released when the
// handler returns.
func (c *Client) Run() {
	go func() {
		defer close(c.writeDone)
		c.writePump()
	}()
	c.readPump() // Blocks until connection closes

	// Leaving the hub closes send, which stops writePump.
	<-c.writeDone
}

// readPump reads messages from the websocket connection
// It keeps the connection alive and detects disconnection
func (c *Client) readPump() {
	defer c.hub.leave(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// writePump writes messages to the websocket connection.
// It is the only writer.
func (c *Client) writePump() {
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
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			wsType := websocket.TextMessage
			if message.Type == BinaryMessage {
				wsType = websocket.BinaryMessage
			}

			if err := c.conn.WriteMessage(wsType, message.Data); err != nil {
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
