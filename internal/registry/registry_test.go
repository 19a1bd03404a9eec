package registry

import (
	"context"
	"errors"
	"testing"

	"loom/collab/internal/snapshot"
)

type fakeStore struct {
	loadFn   func(ctx context.Context, documentID string) ([]byte, error)
	saveFn   func(ctx context.Context, documentID string, state []byte, preview string) error
	metaFn   func(ctx context.Context, documentID string) (snapshot.Meta, error)
	deleteFn func(ctx context.Context, documentID string) error
}

func (f *fakeStore) Load(ctx context.Context, documentID string) ([]byte, error) {
	if f.loadFn != nil {
		return f.loadFn(ctx, documentID)
	}
	return nil, snapshot.ErrNotFound
}

func (f *fakeStore) Save(ctx context.Context, documentID string, state []byte, preview string) error {
	if f.saveFn != nil {
		return f.saveFn(ctx, documentID, state, preview)
	}
	return nil
}

func (f *fakeStore) Meta(ctx context.Context, documentID string) (snapshot.Meta, error) {
	if f.metaFn != nil {
		return f.metaFn(ctx, documentID)
	}
	return snapshot.Meta{}, snapshot.ErrNotFound
}

func (f *fakeStore) Delete(ctx context.Context, documentID string) error {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, documentID)
	}
	return nil
}

func TestOpenSharesReplica(t *testing.T) {
	r := New(nil)
	ctx := context.Background()

	h1, err := r.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h2, err := r.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if h1.Doc != h2.Doc {
		t.Fatal("two opens of one document returned different replicas")
	}
	if r.Refs("doc-1") != 2 {
		t.Fatalf("refs = %d, want 2", r.Refs("doc-1"))
	}

	h3, err := r.Open(ctx, "doc-2")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if h3.Doc == h1.Doc {
		t.Fatal("different documents share a replica")
	}
	if r.Len() != 2 {
		t.Fatalf("resident replicas = %d, want 2", r.Len())
	}
}

// Opening a document twice and closing it once leaves the replica resident;
// the second close evicts it.
func TestReferenceCounting(t *testing.T) {
	r := New(nil)
	ctx := context.Background()

	h1, _ := r.Open(ctx, "doc-1")
	h2, _ := r.Open(ctx, "doc-1")

	if err := r.Close(ctx, h1); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if r.Refs("doc-1") != 1 {
		t.Fatalf("refs after first close = %d, want 1", r.Refs("doc-1"))
	}

	if err := r.Close(ctx, h2); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if r.Refs("doc-1") != 0 {
		t.Fatalf("refs after second close = %d, want 0", r.Refs("doc-1"))
	}
	if r.Len() != 0 {
		t.Fatalf("resident replicas = %d, want 0", r.Len())
	}
}

func TestDoubleCloseRejected(t *testing.T) {
	r := New(nil)
	ctx := context.Background()

	h, _ := r.Open(ctx, "doc-1")
	if err := r.Close(ctx, h); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(ctx, h); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Close: err = %v, want ErrClosed", err)
	}
}

func TestEvictionPersistsSnapshot(t *testing.T) {
	var savedState []byte
	var savedPreview string
	store := &fakeStore{
		saveFn: func(_ context.Context, documentID string, state []byte, preview string) error {
			if documentID != "doc-1" {
				t.Errorf("saved document = %q, want doc-1", documentID)
			}
			savedState = state
			savedPreview = preview
			return nil
		},
	}
	r := New(store)
	ctx := context.Background()

	h, err := r.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := h.Doc.InsertText(0, "persist me"); err != nil {
		t.Fatalf("InsertText: %v", err)
	}
	if err := r.Close(ctx, h); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if savedState == nil {
		t.Fatal("eviction did not save a snapshot")
	}
	if savedPreview != "persist me" {
		t.Fatalf("preview = %q, want %q", savedPreview, "persist me")
	}

	// Reopen rehydrates from the stored state.
	store.loadFn = func(context.Context, string) ([]byte, error) { return savedState, nil }
	h2, err := r.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := h2.Doc.Text(); got != "persist me" {
		t.Fatalf("rehydrated text = %q, want %q", got, "persist me")
	}
}

func TestCorruptSnapshotFallsBackToEmpty(t *testing.T) {
	store := &fakeStore{
		loadFn: func(context.Context, string) ([]byte, error) {
			return []byte("not a snapshot"), nil
		},
	}
	r := New(store)

	h, err := r.Open(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := h.Doc.Text(); got != "" {
		t.Fatalf("text = %q, want empty", got)
	}
}

func TestIntermediateCloseDoesNotPersist(t *testing.T) {
	saves := 0
	store := &fakeStore{
		saveFn: func(context.Context, string, []byte, string) error {
			saves++
			return nil
		},
	}
	r := New(store)
	ctx := context.Background()

	h1, _ := r.Open(ctx, "doc-1")
	h2, _ := r.Open(ctx, "doc-1")
	if err := r.Close(ctx, h1); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if saves != 0 {
		t.Fatalf("intermediate close persisted %d snapshots", saves)
	}
	if err := r.Close(ctx, h2); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if saves != 1 {
		t.Fatalf("final close persisted %d snapshots, want 1", saves)
	}
}
