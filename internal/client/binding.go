// Package client binds a local rich-text editing surface to a replicated
// document. Local edits mutate the local replica synchronously and stream to
// the server; remote updates merge in and surface as minimal change
// notifications that let the host editor re-render without jumping the caret.
package client

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"loom/collab/internal/crdt"
)

// Status is the transport state the editor surface should reflect.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
)

// Change describes a remote mutation for the editor to reconcile. Caret is
// the local user's caret re-anchored after the change, so the surface can
// re-render without visually moving the cursor.
type Change struct {
	Spans []crdt.Span
	Caret int
}

// Editor is implemented by the host editing surface.
type Editor interface {
	// ApplyRemote re-renders after remote updates merged into the replica.
	ApplyRemote(change Change)
	// SetStatus reflects transport state ("disconnected" banner and such).
	SetStatus(status Status)
}

// Config configures a Binding.
type Config struct {
	// URL is the server base, e.g. "ws://host:8787"; the binding appends
	// the sync path for the document.
	URL        string
	DocumentID string
	Editor     Editor

	// InitialBackoff and MaxBackoff bound the reconnect schedule. Zero
	// values default to 500ms and 30s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// HandshakeTimeout bounds dialing and the initial snapshot exchange.
	HandshakeTimeout time.Duration
}

func (c Config) withDefaults() (Config, error) {
	if c.URL == "" || c.DocumentID == "" || c.Editor == nil {
		return c, errors.New("client: URL, DocumentID and Editor are required")
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c, nil
}

// Binding is one editor's attachment to one document.
type Binding struct {
	cfg Config
	doc *crdt.Doc

	mu          sync.Mutex
	ws          *websocket.Conn
	status      Status
	closed      bool
	caretAnchor crdt.ID // atom immediately left of the caret
	caretSet    bool
	lastCaret   int

	done chan struct{}
}

// Open connects to the document's sync channel, initializes the local
// replica from the server snapshot, and starts the receive loop. Unknown
// documents start empty on the server, so Open never fails for a new ID.
func Open(cfg Config) (*Binding, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	b := &Binding{
		cfg:  cfg,
		doc:  crdt.New(newReplicaID()),
		done: make(chan struct{}),
	}
	ws, err := b.connect()
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.ws = ws
	b.status = StatusConnected
	b.mu.Unlock()
	cfg.Editor.SetStatus(StatusConnected)

	go b.run(ws)
	return b, nil
}

func (b *Binding) syncURL() string {
	return b.cfg.URL + "/sync/" + b.cfg.DocumentID
}

// connect dials the sync channel and folds the server's snapshot into the
// local replica. Any local ops the server is missing (edits made while
// offline) are pushed right after.
func (b *Binding) connect() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: b.cfg.HandshakeTimeout}
	ws, _, err := dialer.Dial(b.syncURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial sync channel: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(b.cfg.HandshakeTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("read initial snapshot: %w", err)
	}
	ws.SetReadDeadline(time.Time{})
	f, err := crdt.DecodeFrame(data)
	if err != nil || f.Kind != crdt.FrameSnapshot {
		ws.Close()
		return nil, fmt.Errorf("expected snapshot frame, got %v: %w", f.Kind, err)
	}

	// Load the snapshot separately first: its version vector tells us which
	// of our ops the server has not seen.
	server, err := crdt.Load(b.doc.Replica(), f.Snapshot)
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("load server snapshot: %w", err)
	}
	serverVersion := server.Version()
	if err := b.doc.Merge(f.Snapshot); err != nil {
		ws.Close()
		return nil, fmt.Errorf("merge server snapshot: %w", err)
	}
	if missing := b.doc.ChangesSince(serverVersion); len(missing) > 0 {
		payload, err := crdt.EncodeFrame(crdt.Frame{Kind: crdt.FrameUpdate, Ops: missing})
		if err != nil {
			ws.Close()
			return nil, err
		}
		if err := ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			ws.Close()
			return nil, fmt.Errorf("push offline edits: %w", err)
		}
	}
	return ws, nil
}

// run receives frames on the current connection and reconnects with backoff
// when it drops, until Close.
func (b *Binding) run(ws *websocket.Conn) {
	for {
		b.readLoop(ws)
		if b.isClosed() {
			return
		}
		b.setStatus(StatusReconnecting)

		backoff := b.cfg.InitialBackoff
		for {
			select {
			case <-b.done:
				return
			case <-time.After(backoff):
			}
			next, err := b.connect()
			if err == nil {
				ws = next
				break
			}
			log.Printf("client: reconnect to %q failed: %v", b.cfg.DocumentID, err)
			backoff *= 2
			if backoff > b.cfg.MaxBackoff {
				backoff = b.cfg.MaxBackoff
			}
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			ws.Close()
			return
		}
		b.ws = ws
		b.mu.Unlock()
		b.setStatus(StatusConnected)
		b.notifyEditor()
	}
}

func (b *Binding) readLoop(ws *websocket.Conn) {
	defer ws.Close()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := crdt.DecodeFrame(data)
		if err != nil {
			log.Printf("client: dropping malformed frame on %q: %v", b.cfg.DocumentID, err)
			continue
		}
		switch f.Kind {
		case crdt.FrameUpdate:
			if err := b.doc.ApplyAll(f.Ops); err != nil {
				log.Printf("client: dropping malformed update on %q: %v", b.cfg.DocumentID, err)
				continue
			}
			b.notifyEditor()
		case crdt.FrameSnapshot:
			if err := b.doc.Merge(f.Snapshot); err != nil {
				log.Printf("client: dropping malformed snapshot on %q: %v", b.cfg.DocumentID, err)
				continue
			}
			b.notifyEditor()
		}
	}
}

// notifyEditor pushes the merged state and the re-anchored caret to the host
// surface.
func (b *Binding) notifyEditor() {
	b.cfg.Editor.ApplyRemote(Change{Spans: b.doc.Spans(), Caret: b.caret()})
}

// caret re-derives the caret index from its atom anchor. If the anchor was
// deleted remotely, the last known index is clamped into range.
func (b *Binding) caret() int {
	b.mu.Lock()
	anchor, anchored, last := b.caretAnchor, b.caretSet, b.lastCaret
	b.mu.Unlock()

	if anchored {
		if i := b.doc.IndexOf(anchor); i >= 0 {
			return i + 1
		}
	}
	if n := b.doc.Len(); last > n {
		return n
	}
	if last < 0 {
		return 0
	}
	return last
}

// SetCaret records the local caret position so remote re-renders preserve it.
func (b *Binding) SetCaret(idx int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastCaret = idx
	b.caretSet = false
	if idx > 0 {
		if id, ok := b.doc.IDAt(idx - 1); ok {
			b.caretAnchor = id
			b.caretSet = true
		}
	}
}

// Insert applies a local insertion and streams it to the server. The caret
// follows the inserted text.
func (b *Binding) Insert(idx int, text string) error {
	ops, err := b.doc.InsertText(idx, text)
	if err != nil {
		return err
	}
	if len(ops) > 0 {
		b.mu.Lock()
		b.caretAnchor = ops[len(ops)-1].AtomID()
		b.caretSet = true
		b.lastCaret = idx + len(ops)
		b.mu.Unlock()
	}
	return b.send(ops)
}

// Delete applies a local deletion of [start, end) and streams it.
func (b *Binding) Delete(start, end int) error {
	ops, err := b.doc.DeleteRange(start, end)
	if err != nil {
		return err
	}
	b.SetCaret(start)
	return b.send(ops)
}

// Format applies a local mark change over [start, end) and streams it.
func (b *Binding) Format(start, end int, marks []string) error {
	ops, err := b.doc.FormatRange(start, end, marks)
	if err != nil {
		return err
	}
	return b.send(ops)
}

// send streams ops on the live connection. While disconnected it is a no-op:
// the ops are already in the local replica and the reconnect handshake pushes
// everything the server is missing.
func (b *Binding) send(ops []crdt.Op) error {
	if len(ops) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("client: binding closed")
	}
	if b.ws == nil || b.status != StatusConnected {
		return nil
	}
	payload, err := crdt.EncodeFrame(crdt.Frame{Kind: crdt.FrameUpdate, Ops: ops})
	if err != nil {
		return err
	}
	if err := b.ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		// The read loop will notice the dead connection and reconnect.
		return nil
	}
	return nil
}

// Text returns the local replica's plain text.
func (b *Binding) Text() string { return b.doc.Text() }

// Spans returns the local replica's formatted runs.
func (b *Binding) Spans() []crdt.Span { return b.doc.Spans() }

// Status returns the current transport state.
func (b *Binding) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Binding) setStatus(s Status) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.status = s
	b.mu.Unlock()
	b.cfg.Editor.SetStatus(s)
}

func (b *Binding) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close tears the binding down: the transport disconnects and the local
// replica is released.
func (b *Binding) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.status = StatusDisconnected
	ws := b.ws
	b.ws = nil
	b.mu.Unlock()

	close(b.done)
	if ws != nil {
		ws.Close()
	}
	b.cfg.Editor.SetStatus(StatusDisconnected)
	return nil
}

func newReplicaID() uint32 {
	for {
		if id := uuid.New().ID(); id != 0 {
			return id
		}
	}
}
