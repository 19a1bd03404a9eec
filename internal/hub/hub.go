// Package hub is the server side of the sync channel: a per-document fan-out
// room over websockets. Every connection attached to a document shares one
// server replica; updates from one connection are applied to that replica and
// forwarded to the document's other connections, never echoed to the sender.
// The websocket gives per-connection ordering; nothing orders updates across
// connections, which is exactly why the document state is a CRDT.
package hub

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"loom/collab/internal/backbone"
	"loom/collab/internal/crdt"
	"loom/collab/internal/registry"
)

// Options tune connection liveness. Zero values fall back to defaults.
type Options struct {
	// WriteWait bounds a single websocket write.
	WriteWait time.Duration
	// PongWait is the idle threshold: a connection silent past it is treated
	// as disconnected and takes the normal cleanup path.
	PongWait time.Duration
	// PingPeriod is the interval between liveness pings. Must be shorter
	// than PongWait.
	PingPeriod time.Duration
	// MaxMessageSize bounds an incoming frame.
	MaxMessageSize int64
}

func (o Options) withDefaults() Options {
	if o.WriteWait == 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait == 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod == 0 {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.MaxMessageSize == 0 {
		o.MaxMessageSize = 1 << 20
	}
	return o
}

// Hub owns every sync room in the process.
type Hub struct {
	registry *registry.Registry
	bus      *backbone.Backbone // nil in single-process deployments
	opts     Options
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	documentID string
	handle     *registry.Handle
	conns      map[*conn]bool
}

// New creates a hub. bus may be nil; then updates fan out only within this
// process.
func New(reg *registry.Registry, bus *backbone.Backbone, opts Options) *Hub {
	return &Hub{
		registry: reg,
		bus:      bus,
		opts:     opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}
}

// Serve upgrades the request and runs the connection until it closes. The
// document is created lazily if unknown.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, documentID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: upgrade failed for %q: %v", documentID, err)
		return
	}

	c, err := h.attach(r.Context(), documentID, ws)
	if err != nil {
		log.Printf("hub: attach to %q failed: %v", documentID, err)
		ws.Close()
		return
	}
	log.Printf("hub: %s attached to %q", c.id, documentID)

	go c.writePump()
	c.readPump()

	h.detach(c)
	log.Printf("hub: %s detached from %q", c.id, documentID)
}

// attach registers a connection with its document's room, creating the room
// (and replica) on first attach, and queues the initial full-state snapshot.
// Snapshot and registration happen under one lock so no update can slip
// between them.
func (h *Hub) attach(ctx context.Context, documentID string, ws *websocket.Conn) (*conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm, ok := h.rooms[documentID]
	if !ok {
		handle, err := h.registry.Open(ctx, documentID)
		if err != nil {
			return nil, err
		}
		rm = &room{
			documentID: documentID,
			handle:     handle,
			conns:      make(map[*conn]bool),
		}
		h.rooms[documentID] = rm
		if h.bus != nil {
			h.bus.Subscribe(documentID)
		}
	}

	c := &conn{
		id:   uuid.NewString(),
		hub:  h,
		room: rm,
		ws:   ws,
		send: make(chan []byte, 64),
	}
	rm.conns[c] = true

	snap, err := rm.handle.Doc.Snapshot()
	if err != nil {
		h.abandonLocked(ctx, rm, c)
		return nil, fmt.Errorf("snapshot %q: %w", documentID, err)
	}
	payload, err := crdt.EncodeFrame(crdt.Frame{Kind: crdt.FrameSnapshot, Snapshot: snap})
	if err != nil {
		h.abandonLocked(ctx, rm, c)
		return nil, err
	}
	c.send <- payload
	return c, nil
}

// abandonLocked undoes a failed attach. A room left with no connections is
// torn down like a last detach, so a first-attach failure cannot strand the
// room holding an open replica. Caller holds h.mu.
func (h *Hub) abandonLocked(ctx context.Context, rm *room, c *conn) {
	delete(rm.conns, c)
	if len(rm.conns) > 0 {
		return
	}
	delete(h.rooms, rm.documentID)
	if h.bus != nil {
		h.bus.Unsubscribe(rm.documentID)
	}
	if err := h.registry.Close(ctx, rm.handle); err != nil {
		log.Printf("hub: release %q: %v", rm.documentID, err)
	}
}

// detach removes a connection; the last one out releases the replica.
func (h *Hub) detach(c *conn) {
	h.mu.Lock()
	rm := c.room
	if !rm.conns[c] {
		h.mu.Unlock()
		return
	}
	delete(rm.conns, c)
	last := len(rm.conns) == 0
	if last {
		delete(h.rooms, rm.documentID)
	}
	h.mu.Unlock()

	close(c.send)

	if !last {
		return
	}
	if h.bus != nil {
		h.bus.Unsubscribe(rm.documentID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.registry.Close(ctx, rm.handle); err != nil {
		log.Printf("hub: release %q: %v", rm.documentID, err)
	}
}

// handleFrame processes one frame from a connection.
func (h *Hub) handleFrame(c *conn, f crdt.Frame) {
	switch f.Kind {
	case crdt.FrameUpdate:
		h.applyUpdate(c, f.Ops)
	case crdt.FrameSyncRequest:
		missing := c.room.handle.Doc.ChangesSince(f.Vector)
		payload, err := crdt.EncodeFrame(crdt.Frame{Kind: crdt.FrameUpdate, Ops: missing})
		if err != nil {
			log.Printf("hub: encode catch-up for %q: %v", c.room.documentID, err)
			return
		}
		c.enqueue(payload)
	default:
		log.Printf("hub: %s sent unexpected %v frame, dropping", c.id, f.Kind)
	}
}

// applyUpdate merges ops into the server replica and fans them out. Ops that
// fail validation are dropped and logged; valid ops in the same frame still
// propagate.
func (h *Hub) applyUpdate(c *conn, ops []crdt.Op) {
	doc := c.room.handle.Doc
	valid := ops[:0]
	for _, op := range ops {
		if err := doc.Apply(op); err != nil {
			log.Printf("hub: dropping malformed op from %s on %q: %v", c.id, c.room.documentID, err)
			continue
		}
		valid = append(valid, op)
	}
	if len(valid) == 0 {
		return
	}

	payload, err := crdt.EncodeFrame(crdt.Frame{Kind: crdt.FrameUpdate, Ops: valid})
	if err != nil {
		log.Printf("hub: encode update for %q: %v", c.room.documentID, err)
		return
	}
	h.broadcast(c.room.documentID, payload, c)

	if h.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.bus.Publish(ctx, c.room.documentID, valid); err != nil {
			log.Printf("hub: backbone publish for %q: %v", c.room.documentID, err)
		}
	}
}

// HandleRemote merges ops arriving over the backbone from another process and
// relays them to every local connection. It is the backbone's Handler.
func (h *Hub) HandleRemote(documentID string, ops []crdt.Op) {
	h.mu.Lock()
	rm, ok := h.rooms[documentID]
	h.mu.Unlock()
	if !ok {
		// Replica already evicted; the next open rehydrates via snapshot.
		return
	}

	doc := rm.handle.Doc
	valid := ops[:0]
	for _, op := range ops {
		if err := doc.Apply(op); err != nil {
			log.Printf("hub: dropping malformed backbone op on %q: %v", documentID, err)
			continue
		}
		valid = append(valid, op)
	}
	if len(valid) == 0 {
		return
	}
	payload, err := crdt.EncodeFrame(crdt.Frame{Kind: crdt.FrameUpdate, Ops: valid})
	if err != nil {
		log.Printf("hub: encode backbone update for %q: %v", documentID, err)
		return
	}
	h.broadcast(documentID, payload, nil)
}

// broadcast queues a payload for every connection in the document's room
// except the sender. A connection whose send buffer is full is dropped rather
// than allowed to stall the room.
func (h *Hub) broadcast(documentID string, payload []byte, sender *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[documentID]
	if !ok {
		return
	}
	for c := range rm.conns {
		if c == sender {
			continue
		}
		select {
		case c.send <- payload:
		default:
			// Closing the socket makes the connection's own pumps exit and
			// run the normal detach path; it will re-sync on reconnect.
			log.Printf("hub: %s too slow on %q, disconnecting", c.id, documentID)
			c.ws.Close()
		}
	}
}

// Rooms returns the number of live rooms, for readiness reporting and tests.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
