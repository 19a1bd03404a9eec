package snapshot

import (
	"context"
	"errors"
	"testing"
)

func TestGitStoreRoundTrip(t *testing.T) {
	store := NewGitStore(t.TempDir())
	ctx := context.Background()

	if _, err := store.Load(ctx, "doc-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load of missing doc: err = %v, want ErrNotFound", err)
	}

	state := []byte{0xa1, 0x61, 0x6f, 0x80}
	if err := store.Save(ctx, "doc-1", state, "hello"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != string(state) {
		t.Fatalf("Load = %x, want %x", got, state)
	}

	meta, err := store.Meta(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Meta: %v", err)
	}
	if meta.Version != 1 {
		t.Fatalf("version = %d, want 1", meta.Version)
	}
	if meta.Preview != "hello" {
		t.Fatalf("preview = %q, want %q", meta.Preview, "hello")
	}
}

func TestGitStoreVersionsOnChange(t *testing.T) {
	store := NewGitStore(t.TempDir())
	ctx := context.Background()

	if err := store.Save(ctx, "doc-1", []byte{0x01}, "a"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Identical state must not create a new version.
	if err := store.Save(ctx, "doc-1", []byte{0x01}, "a"); err != nil {
		t.Fatalf("Save (unchanged): %v", err)
	}
	if err := store.Save(ctx, "doc-1", []byte{0x02}, "b"); err != nil {
		t.Fatalf("Save (changed): %v", err)
	}

	meta, err := store.Meta(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Meta: %v", err)
	}
	if meta.Version != 2 {
		t.Fatalf("version = %d, want 2", meta.Version)
	}
}

func TestGitStoreDelete(t *testing.T) {
	store := NewGitStore(t.TempDir())
	ctx := context.Background()

	if err := store.Save(ctx, "doc-1", []byte{0x01}, ""); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Delete(ctx, "doc-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Load(ctx, "doc-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load after delete: err = %v, want ErrNotFound", err)
	}
	// Deleting a missing document is a no-op.
	if err := store.Delete(ctx, "doc-1"); err != nil {
		t.Fatalf("Delete of missing doc: %v", err)
	}
}

func TestSanitizePathComponent(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"doc-1", "doc-1"},
		{"a/b", "a%002fb"},
		{"..", ".."},
		{"note 7", "note%00207"},
	}
	for _, tc := range cases {
		if got := sanitizePathComponent(tc.in); got != tc.want {
			t.Errorf("sanitizePathComponent(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
