// Package registry owns the process-wide table of live document replicas.
// Replicas are created lazily on first open, shared by every connection to
// the same document, and evicted when the reference count reaches zero. When
// a snapshot store is configured, eviction persists the final state and the
// next open rehydrates from it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"loom/collab/internal/crdt"
	"loom/collab/internal/snapshot"
)

// ErrClosed is returned when a handle is released more than once.
var ErrClosed = errors.New("registry: handle already closed")

type entry struct {
	doc  *crdt.Doc
	refs int
}

// Registry maps document IDs to in-memory replicas. Attach and evict are
// atomic with respect to reference counting: there is no window where a
// replica is evicted while a new connection is mid-attach.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	store   snapshot.Store // nil disables persistence
}

// New creates a registry. store may be nil for a purely in-memory deployment.
func New(store snapshot.Store) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		store:   store,
	}
}

// Handle is one reference to a document replica. Callers must release it with
// Close exactly once.
type Handle struct {
	DocumentID string
	Doc        *crdt.Doc

	r      *Registry
	closed bool
}

// Open returns the live replica for documentID, creating it if needed. An
// unknown document is not an error: it starts empty (or rehydrated from the
// snapshot store when one exists).
func (r *Registry) Open(ctx context.Context, documentID string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[documentID]
	if !ok {
		doc, err := r.hydrate(ctx, documentID)
		if err != nil {
			return nil, err
		}
		e = &entry{doc: doc}
		r.entries[documentID] = e
	}
	e.refs++
	return &Handle{DocumentID: documentID, Doc: e.doc, r: r}, nil
}

// hydrate builds the initial replica for a document. Caller holds r.mu.
func (r *Registry) hydrate(ctx context.Context, documentID string) (*crdt.Doc, error) {
	replica := newReplicaID()
	if r.store == nil {
		return crdt.New(replica), nil
	}
	state, err := r.store.Load(ctx, documentID)
	if errors.Is(err, snapshot.ErrNotFound) {
		return crdt.New(replica), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load document %q: %w", documentID, err)
	}
	doc, err := crdt.Load(replica, state)
	if err != nil {
		// A corrupt snapshot must not make the document unopenable.
		log.Printf("registry: discarding corrupt snapshot for %q: %v", documentID, err)
		return crdt.New(replica), nil
	}
	return doc, nil
}

// Close releases a handle. When the last reference to a document drops, the
// replica is persisted (if a store is configured) and evicted.
func (r *Registry) Close(ctx context.Context, h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	h.closed = true

	e, ok := r.entries[h.DocumentID]
	if !ok {
		return fmt.Errorf("registry: no entry for %q", h.DocumentID)
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(r.entries, h.DocumentID)

	if r.store == nil {
		return nil
	}
	state, err := e.doc.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot document %q: %w", h.DocumentID, err)
	}
	if err := r.store.Save(ctx, h.DocumentID, state, e.doc.Text()); err != nil {
		return fmt.Errorf("persist document %q: %w", h.DocumentID, err)
	}
	return nil
}

// Refs returns the live reference count for a document. Zero means the
// replica is not resident.
func (r *Registry) Refs(documentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[documentID]; ok {
		return e.refs
	}
	return 0
}

// Len returns the number of resident replicas.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// newReplicaID draws a random nonzero replica ID. Replica 0 is reserved for
// the document head sentinel.
func newReplicaID() uint32 {
	for {
		if id := uuid.New().ID(); id != 0 {
			return id
		}
	}
}
