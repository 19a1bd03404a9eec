// Package snapshot provides pluggable durable storage for converged document
// state. The collaborative core works entirely in memory; a Store, when
// configured, receives the final state of a document when its last connection
// closes and rehydrates it on the next open.
package snapshot

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no snapshot exists for a document. First open
// of an unknown document is not an error: the caller creates an empty replica.
var ErrNotFound = errors.New("snapshot: not found")

// Meta is the request/response surface other services read: last-saved
// version counter and a plain-text preview, never the live CRDT state.
type Meta struct {
	DocumentID string    `json:"documentId"`
	Version    int64     `json:"version"`
	Preview    string    `json:"preview"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Store persists encoded document state keyed by document ID.
type Store interface {
	// Load returns the last-saved state, or ErrNotFound.
	Load(ctx context.Context, documentID string) ([]byte, error)

	// Save replaces the stored state and bumps the version counter. The
	// preview is the document's plain text at save time.
	Save(ctx context.Context, documentID string, state []byte, preview string) error

	// Meta returns snapshot metadata, or ErrNotFound.
	Meta(ctx context.Context, documentID string) (Meta, error)

	// Delete removes a document's snapshot. Missing documents are a no-op.
	Delete(ctx context.Context, documentID string) error
}
