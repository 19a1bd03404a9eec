package hub

import (
	"log"
	"time"

	"github.com/gorilla/websocket"

	"loom/collab/internal/crdt"
)

// conn is one client attachment to one document. A read pump and a write pump
// own the websocket; everything else communicates through the send channel.
type conn struct {
	id   string
	hub  *Hub
	room *room
	ws   *websocket.Conn
	send chan []byte
}

func (c *conn) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
		log.Printf("hub: %s send buffer full, disconnecting", c.id)
		c.ws.Close()
	}
}

// readPump consumes frames until the connection dies. Malformed payloads are
// logged and dropped; only transport errors end the connection.
func (c *conn) readPump() {
	opts := c.hub.opts
	c.ws.SetReadLimit(opts.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(opts.PongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("hub: %s read error: %v", c.id, err)
			}
			return
		}
		f, err := crdt.DecodeFrame(data)
		if err != nil {
			log.Printf("hub: dropping malformed frame from %s: %v", c.id, err)
			continue
		}
		c.hub.handleFrame(c, f)
	}
}

// writePump drains the send channel and keeps the connection alive with
// pings. It exits when the channel closes or a write fails.
func (c *conn) writePump() {
	opts := c.hub.opts
	ticker := time.NewTicker(opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
