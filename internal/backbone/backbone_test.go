package backbone

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"loom/collab/internal/crdt"
)

func testClient(t *testing.T, s *miniredis.Miniredis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

type received struct {
	documentID string
	ops        []crdt.Op
}

func TestPublishReachesOtherProcess(t *testing.T) {
	s := miniredis.RunT(t)

	got := make(chan received, 1)
	receiver := NewWithClient(testClient(t, s), func(documentID string, ops []crdt.Op) {
		got <- received{documentID, ops}
	})
	receiver.Subscribe("doc-1")

	sender := NewWithClient(testClient(t, s), func(string, []crdt.Op) {
		t.Error("sender handler invoked")
	})
	sender.Subscribe("doc-1")

	doc := crdt.New(7)
	ops, err := doc.InsertText(0, "hi")
	if err != nil {
		t.Fatalf("InsertText: %v", err)
	}
	if err := sender.Publish(context.Background(), "doc-1", ops); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case r := <-got:
		if r.documentID != "doc-1" {
			t.Fatalf("documentID = %q, want doc-1", r.documentID)
		}
		if len(r.ops) != len(ops) {
			t.Fatalf("received %d ops, want %d", len(r.ops), len(ops))
		}
		check := crdt.New(8)
		if err := check.ApplyAll(r.ops); err != nil {
			t.Fatalf("relayed ops do not apply: %v", err)
		}
		if check.Text() != "hi" {
			t.Fatalf("relayed text = %q, want %q", check.Text(), "hi")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("update did not cross the backbone")
	}
}

// A process must not re-apply its own publications echoed back by Redis.
func TestOwnPublicationsSkipped(t *testing.T) {
	s := miniredis.RunT(t)

	calls := make(chan struct{}, 1)
	b := NewWithClient(testClient(t, s), func(string, []crdt.Op) {
		calls <- struct{}{}
	})
	b.Subscribe("doc-1")

	doc := crdt.New(7)
	ops, _ := doc.InsertText(0, "x")
	if err := b.Publish(context.Background(), "doc-1", ops); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-calls:
		t.Fatal("handler saw the process's own publication")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := miniredis.RunT(t)

	calls := make(chan struct{}, 1)
	receiver := NewWithClient(testClient(t, s), func(string, []crdt.Op) {
		calls <- struct{}{}
	})
	receiver.Subscribe("doc-1")
	receiver.Unsubscribe("doc-1")

	sender := NewWithClient(testClient(t, s), func(string, []crdt.Op) {})
	doc := crdt.New(7)
	ops, _ := doc.InsertText(0, "x")
	if err := sender.Publish(context.Background(), "doc-1", ops); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-calls:
		t.Fatal("unsubscribed document still delivered")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	s := miniredis.RunT(t)

	calls := make(chan struct{}, 1)
	receiver := NewWithClient(testClient(t, s), func(string, []crdt.Op) {
		calls <- struct{}{}
	})
	receiver.Subscribe("doc-1")

	raw := testClient(t, s)
	if err := raw.Publish(context.Background(), "loom:doc:doc-1", "garbage").Err(); err != nil {
		t.Fatalf("raw publish: %v", err)
	}

	select {
	case <-calls:
		t.Fatal("handler invoked for malformed payload")
	case <-time.After(200 * time.Millisecond):
	}

	// The subscription survives and later valid updates still arrive.
	sender := NewWithClient(testClient(t, s), func(string, []crdt.Op) {})
	doc := crdt.New(7)
	ops, _ := doc.InsertText(0, "ok")
	if err := sender.Publish(context.Background(), "doc-1", ops); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("valid update after garbage never arrived")
	}
}
