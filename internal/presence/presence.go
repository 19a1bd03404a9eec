// Package presence is the awareness side channel: who is viewing a document
// and where their cursor is. It is deliberately independent of the sync
// channel — presence loss is cosmetic, document state stays correct. Events
// are JSON with a name field, mirroring the event-bus protocol the editor
// frontend speaks.
package presence

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client-sent event names.
const (
	EventJoinDocument  = "join-document"
	EventLeaveDocument = "leave-document"
	EventCursorUpdate  = "cursor-update"
)

// Server-emitted event names.
const (
	EventUserJoined  = "user-joined"
	EventUserLeft    = "user-left"
	EventActiveUsers = "active-users"
	EventCursorMoved = "cursor-moved"
)

// User is the identity the authentication collaborator established. It is
// trusted as-is; presence never re-validates credentials.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Position is a cursor location in editor coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Envelope is the single wire shape for both directions; unused fields are
// omitted. SocketID keys participants because one user may hold several
// connections.
type Envelope struct {
	Event      string        `json:"event"`
	DocumentID string        `json:"documentId,omitempty"`
	SocketID   string        `json:"socketId,omitempty"`
	User       *User         `json:"user,omitempty"`
	Users      []Participant `json:"users,omitempty"`
	Position   *Position     `json:"position,omitempty"`
}

// Participant is one active connection on a document.
type Participant struct {
	SocketID string `json:"socketId"`
	ID       string `json:"id"`
	Name     string `json:"name"`
}

// Options tune connection liveness; zero values fall back to defaults.
type Options struct {
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
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
	return o
}

// Server tracks which connections are viewing which documents and relays
// awareness events among them.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader

	mu   sync.Mutex
	docs map[string]map[*session]bool
}

type session struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	// guarded by Server.mu
	documentID string
	user       User
	joined     bool
	position   *Position
}

func NewServer(opts Options) *Server {
	return &Server{
		opts: opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		docs: make(map[string]map[*session]bool),
	}
}

// Serve upgrades the request and runs the presence session until disconnect.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("presence: upgrade failed: %v", err)
		return
	}
	sess := &session{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, 32),
	}
	go s.writePump(sess)
	s.readPump(sess)
	s.disconnect(sess)
}

func (s *Server) readPump(sess *session) {
	sess.ws.SetReadLimit(8 << 10)
	sess.ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	sess.ws.SetPongHandler(func(string) error {
		sess.ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		return nil
	})

	for {
		_, data, err := sess.ws.ReadMessage()
		if err != nil {
			return
		}
		var ev Envelope
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("presence: dropping malformed event from %s: %v", sess.id, err)
			continue
		}
		s.handle(sess, ev)
	}
}

func (s *Server) writePump(sess *session) {
	ticker := time.NewTicker(s.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		sess.ws.Close()
	}()
	for {
		select {
		case payload, ok := <-sess.send:
			sess.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if !ok {
				sess.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sess.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			sess.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := sess.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handle(sess *session, ev Envelope) {
	switch ev.Event {
	case EventJoinDocument:
		if ev.DocumentID == "" || ev.User == nil {
			log.Printf("presence: %s join without document or user, ignoring", sess.id)
			return
		}
		s.join(sess, ev.DocumentID, *ev.User)
	case EventLeaveDocument:
		s.leave(sess)
	case EventCursorUpdate:
		s.cursor(sess, ev)
	default:
		// Unknown events are ignored: presence is best-effort.
	}
}

// join registers the session on a document, sends it the active-user
// snapshot, and announces it to the existing participants. Joining a second
// document implicitly leaves the first.
func (s *Server) join(sess *session, documentID string, user User) {
	s.mu.Lock()
	if sess.joined {
		if sess.documentID == documentID {
			// Repeat join of the current document is a membership no-op.
			s.mu.Unlock()
			return
		}
		s.leaveLocked(sess)
	}
	sess.documentID = documentID
	sess.user = user
	sess.joined = true

	peers := s.docs[documentID]
	if peers == nil {
		peers = make(map[*session]bool)
		s.docs[documentID] = peers
	}

	active := make([]Participant, 0, len(peers))
	for p := range peers {
		if p == sess {
			continue
		}
		active = append(active, Participant{SocketID: p.id, ID: p.user.ID, Name: p.user.Name})
	}
	peers[sess] = true

	s.sendLocked(sess, Envelope{Event: EventActiveUsers, DocumentID: documentID, Users: active})
	s.broadcastLocked(documentID, sess, Envelope{
		Event:      EventUserJoined,
		DocumentID: documentID,
		SocketID:   sess.id,
		User:       &user,
	})
	s.mu.Unlock()
}

func (s *Server) leave(sess *session) {
	s.mu.Lock()
	s.leaveLocked(sess)
	s.mu.Unlock()
}

// leaveLocked removes the session from its document and tells the remaining
// participants. No-op for sessions that never joined.
func (s *Server) leaveLocked(sess *session) {
	if !sess.joined {
		return
	}
	documentID := sess.documentID
	sess.joined = false
	sess.position = nil

	peers := s.docs[documentID]
	delete(peers, sess)
	if len(peers) == 0 {
		delete(s.docs, documentID)
		return
	}
	s.broadcastLocked(documentID, nil, Envelope{
		Event:      EventUserLeft,
		DocumentID: documentID,
		SocketID:   sess.id,
	})
}

// cursor relays a position to the session's document peers. Fire-and-forget:
// events from sessions that never joined, or for another document, are
// silently ignored.
func (s *Server) cursor(sess *session, ev Envelope) {
	if ev.Position == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !sess.joined || (ev.DocumentID != "" && ev.DocumentID != sess.documentID) {
		return
	}
	sess.position = ev.Position
	s.broadcastLocked(sess.documentID, sess, Envelope{
		Event:      EventCursorMoved,
		DocumentID: sess.documentID,
		SocketID:   sess.id,
		User:       &User{ID: sess.user.ID, Name: sess.user.Name},
		Position:   ev.Position,
	})
}

// disconnect is the raw-socket teardown path; it behaves exactly like an
// explicit leave.
func (s *Server) disconnect(sess *session) {
	s.mu.Lock()
	s.leaveLocked(sess)
	s.mu.Unlock()
	close(sess.send)
}

// sendLocked queues an event for one session. Caller holds s.mu.
func (s *Server) sendLocked(sess *session, ev Envelope) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("presence: encode %s: %v", ev.Event, err)
		return
	}
	select {
	case sess.send <- payload:
	default:
		// Best-effort channel: drop rather than stall.
		log.Printf("presence: %s send buffer full, dropping %s", sess.id, ev.Event)
	}
}

// broadcastLocked queues an event for every participant of a document except
// skip. Caller holds s.mu.
func (s *Server) broadcastLocked(documentID string, skip *session, ev Envelope) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("presence: encode %s: %v", ev.Event, err)
		return
	}
	for p := range s.docs[documentID] {
		if p == skip {
			continue
		}
		select {
		case p.send <- payload:
		default:
			log.Printf("presence: %s send buffer full, dropping %s", p.id, ev.Event)
		}
	}
}

// ActiveUsers returns the current participants of a document, for readiness
// introspection and tests.
func (s *Server) ActiveUsers(documentID string) []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := s.docs[documentID]
	out := make([]Participant, 0, len(peers))
	for p := range peers {
		out = append(out, Participant{SocketID: p.id, ID: p.user.ID, Name: p.user.Name})
	}
	return out
}
