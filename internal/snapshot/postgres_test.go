package snapshot

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func testDB(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("LOOM_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("LOOM_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := EnsureSchema(ctx, db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return NewPostgresStore(db)
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	store := testDB(t)
	ctx := context.Background()
	docID := "test-doc-roundtrip"
	t.Cleanup(func() { _ = store.Delete(ctx, docID) })

	if _, err := store.Load(ctx, docID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load of missing doc: err = %v, want ErrNotFound", err)
	}

	state := []byte{0xa1, 0x61, 0x6f, 0x80}
	if err := store.Save(ctx, docID, state, "preview text"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load(ctx, docID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != string(state) {
		t.Fatalf("Load = %x, want %x", got, state)
	}
}

func TestPostgresStoreVersionCounter(t *testing.T) {
	store := testDB(t)
	ctx := context.Background()
	docID := "test-doc-version"
	t.Cleanup(func() { _ = store.Delete(ctx, docID) })

	if err := store.Save(ctx, docID, []byte{0x01}, "v1"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(ctx, docID, []byte{0x02}, "v2"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	meta, err := store.Meta(ctx, docID)
	if err != nil {
		t.Fatalf("Meta: %v", err)
	}
	if meta.Version != 2 {
		t.Fatalf("version = %d, want 2", meta.Version)
	}
	if meta.Preview != "v2" {
		t.Fatalf("preview = %q, want %q", meta.Preview, "v2")
	}
}
