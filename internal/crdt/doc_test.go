package crdt

import (
	"errors"
	"math/rand"
	"testing"
)

func mustInsertText(t *testing.T, d *Doc, idx int, s string) []Op {
	t.Helper()
	ops, err := d.InsertText(idx, s)
	if err != nil {
		t.Fatalf("InsertText(%d, %q): %v", idx, s, err)
	}
	return ops
}

func applyAll(t *testing.T, d *Doc, ops []Op) {
	t.Helper()
	if err := d.ApplyAll(ops); err != nil {
		t.Fatalf("ApplyAll: %v", err)
	}
}

func TestLocalEditing(t *testing.T) {
	d := New(1)
	mustInsertText(t, d, 0, "Hello")
	mustInsertText(t, d, 5, " world")
	if got := d.Text(); got != "Hello world" {
		t.Fatalf("text = %q, want %q", got, "Hello world")
	}

	if _, err := d.DeleteAt(5); err != nil {
		t.Fatalf("DeleteAt: %v", err)
	}
	if got := d.Text(); got != "Helloworld" {
		t.Fatalf("text after delete = %q, want %q", got, "Helloworld")
	}

	if _, err := d.DeleteRange(5, 10); err != nil {
		t.Fatalf("DeleteRange: %v", err)
	}
	if got := d.Text(); got != "Hello" {
		t.Fatalf("text after range delete = %q, want %q", got, "Hello")
	}
}

func TestLocalEditOutOfRange(t *testing.T) {
	d := New(1)
	mustInsertText(t, d, 0, "ab")

	cases := []struct {
		name string
		fn   func() error
	}{
		{"insert past end", func() error { _, err := d.InsertAt(3, 'x'); return err }},
		{"insert negative", func() error { _, err := d.InsertAt(-1, 'x'); return err }},
		{"delete past end", func() error { _, err := d.DeleteAt(2); return err }},
		{"delete range inverted", func() error { _, err := d.DeleteRange(2, 1); return err }},
		{"format past end", func() error { _, err := d.FormatRange(0, 3, []string{"bold"}); return err }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.fn(); !errors.Is(err, ErrOutOfRange) {
				t.Fatalf("err = %v, want ErrOutOfRange", err)
			}
		})
	}
	if got := d.Text(); got != "ab" {
		t.Fatalf("failed edits mutated state: %q", got)
	}
}

// Exchanging all ops between two replicas must produce identical text, no
// matter how the deliveries interleave.
func TestTwoReplicaConvergence(t *testing.T) {
	a, b := New(1), New(2)
	opsA := mustInsertText(t, a, 0, "shared")
	opsB := mustInsertText(t, b, 0, "state")

	applyAll(t, a, opsB)
	applyAll(t, b, opsA)

	if a.Text() != b.Text() {
		t.Fatalf("replicas diverged: %q vs %q", a.Text(), b.Text())
	}
}

// A deletes at position 0 while B concurrently inserts at position 0. After
// both updates propagate the documents are identical.
func TestConcurrentInsertDelete(t *testing.T) {
	a, b := New(1), New(2)
	seed := mustInsertText(t, a, 0, "abc")
	applyAll(t, b, seed)

	delOp, err := a.DeleteAt(0)
	if err != nil {
		t.Fatalf("DeleteAt: %v", err)
	}
	insOp, err := b.InsertAt(0, 'X')
	if err != nil {
		t.Fatalf("InsertAt: %v", err)
	}

	if err := a.Apply(insOp); err != nil {
		t.Fatalf("apply insert on a: %v", err)
	}
	if err := b.Apply(delOp); err != nil {
		t.Fatalf("apply delete on b: %v", err)
	}

	if a.Text() != b.Text() {
		t.Fatalf("replicas diverged: %q vs %q", a.Text(), b.Text())
	}
	if a.Text() != "Xbc" {
		t.Fatalf("text = %q, want %q", a.Text(), "Xbc")
	}
}

// A replica that joins an existing document starts with an op sequence of 1,
// but its inserts must still land where the user typed: atom counters come
// from the Lamport clock, which a load or merge advances past every counter
// in the document.
func TestFreshReplicaInsertPosition(t *testing.T) {
	t.Run("at front", func(t *testing.T) {
		author := New(2)
		mustInsertText(t, author, 0, "wo")
		state, err := author.Snapshot()
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}

		joiner, err := Load(1, state)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		op, err := joiner.InsertAt(0, 'h')
		if err != nil {
			t.Fatalf("InsertAt: %v", err)
		}
		if got := joiner.Text(); got != "hwo" {
			t.Fatalf("joiner text = %q, want %q", got, "hwo")
		}

		if err := author.Apply(op); err != nil {
			t.Fatalf("apply on author: %v", err)
		}
		if got := author.Text(); got != "hwo" {
			t.Fatalf("author text = %q, want %q", got, "hwo")
		}
	})

	t.Run("mid-document", func(t *testing.T) {
		author := New(2)
		mustInsertText(t, author, 0, "wrd")
		state, err := author.Snapshot()
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}

		joiner, err := Load(1, state)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		op, err := joiner.InsertAt(1, 'o')
		if err != nil {
			t.Fatalf("InsertAt: %v", err)
		}
		if got := joiner.Text(); got != "word" {
			t.Fatalf("joiner text = %q, want %q", got, "word")
		}

		if err := author.Apply(op); err != nil {
			t.Fatalf("apply on author: %v", err)
		}
		if got := author.Text(); got != "word" {
			t.Fatalf("author text = %q, want %q", got, "word")
		}
	})

	t.Run("after op merge without snapshot", func(t *testing.T) {
		author := New(2)
		ops := mustInsertText(t, author, 0, "wo")

		joiner := New(1)
		applyAll(t, joiner, ops)
		if _, err := joiner.InsertAt(0, 'h'); err != nil {
			t.Fatalf("InsertAt: %v", err)
		}
		if got := joiner.Text(); got != "hwo" {
			t.Fatalf("joiner text = %q, want %q", got, "hwo")
		}
	})
}

func TestIdempotence(t *testing.T) {
	a, b := New(1), New(2)
	ops := mustInsertText(t, a, 0, "idempotent")

	applyAll(t, b, ops)
	before := b.Text()
	applyAll(t, b, ops)
	applyAll(t, b, ops)

	if got := b.Text(); got != before {
		t.Fatalf("re-applying ops changed state: %q -> %q", before, got)
	}
}

func TestCommutativity(t *testing.T) {
	base := New(1)
	seed := mustInsertText(t, base, 0, "base")

	a, b := New(2), New(3)
	applyAll(t, a, seed)
	applyAll(t, b, seed)

	opA, err := a.InsertAt(4, '!')
	if err != nil {
		t.Fatalf("InsertAt: %v", err)
	}
	opB, err := b.InsertAt(0, '>')
	if err != nil {
		t.Fatalf("InsertAt: %v", err)
	}

	ab, ba := New(4), New(5)
	applyAll(t, ab, seed)
	applyAll(t, ba, seed)
	applyAll(t, ab, []Op{opA, opB})
	applyAll(t, ba, []Op{opB, opA})

	if ab.Text() != ba.Text() {
		t.Fatalf("order mattered: %q vs %q", ab.Text(), ba.Text())
	}
}

// Ops delivered before their parent atom are buffered and integrated once the
// dependency arrives.
func TestOutOfOrderDelivery(t *testing.T) {
	a := New(1)
	ops := mustInsertText(t, a, 0, "abc")

	b := New(2)
	// Children before parents.
	for i := len(ops) - 1; i >= 0; i-- {
		if err := b.Apply(ops[i]); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if got := b.Text(); got != "abc" {
		t.Fatalf("text = %q, want %q", got, "abc")
	}

	// A delete arriving before its target insert.
	c := New(3)
	delOp, err := a.DeleteAt(1)
	if err != nil {
		t.Fatalf("DeleteAt: %v", err)
	}
	if err := c.Apply(delOp); err != nil {
		t.Fatalf("apply early delete: %v", err)
	}
	applyAll(t, c, ops)
	if got := c.Text(); got != "ac" {
		t.Fatalf("text = %q, want %q", got, "ac")
	}
}

// N replicas, shuffled and duplicated delivery: all must converge bit-for-bit.
func TestConvergenceUnderShuffledDuplicatedDelivery(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	sources := []*Doc{New(1), New(2), New(3)}
	var all []Op
	all = append(all, mustInsertText(t, sources[0], 0, "alpha ")...)
	all = append(all, mustInsertText(t, sources[1], 0, "beta ")...)
	all = append(all, mustInsertText(t, sources[2], 0, "gamma")...)
	del, err := sources[0].DeleteAt(0)
	if err != nil {
		t.Fatalf("DeleteAt: %v", err)
	}
	all = append(all, del)
	fmtOps, err := sources[1].FormatRange(0, 4, []string{"bold"})
	if err != nil {
		t.Fatalf("FormatRange: %v", err)
	}
	all = append(all, fmtOps...)

	var texts []string
	for trial := 0; trial < 20; trial++ {
		delivery := make([]Op, 0, len(all)*2)
		delivery = append(delivery, all...)
		// Duplicate a random half of the ops.
		for _, op := range all {
			if rng.Intn(2) == 0 {
				delivery = append(delivery, op)
			}
		}
		rng.Shuffle(len(delivery), func(i, j int) {
			delivery[i], delivery[j] = delivery[j], delivery[i]
		})

		d := New(uint32(100 + trial))
		applyAll(t, d, delivery)
		texts = append(texts, d.Text())
	}
	for i := 1; i < len(texts); i++ {
		if texts[i] != texts[0] {
			t.Fatalf("trial %d diverged: %q vs %q", i, texts[i], texts[0])
		}
	}
}

func TestFormatLastWriterWins(t *testing.T) {
	base := New(1)
	seed := mustInsertText(t, base, 0, "text")

	a, b := New(2), New(3)
	applyAll(t, a, seed)
	applyAll(t, b, seed)

	boldOps, err := a.FormatRange(0, 4, []string{"bold"})
	if err != nil {
		t.Fatalf("FormatRange: %v", err)
	}
	italicOps, err := b.FormatRange(0, 4, []string{"italic"})
	if err != nil {
		t.Fatalf("FormatRange: %v", err)
	}

	// Same Lamport stamps from both sides; replica ID breaks the tie, so both
	// orders must land on replica 3's italic.
	applyAll(t, a, italicOps)
	applyAll(t, b, boldOps)

	wantSpans := []Span{{Text: "text", Marks: []string{"italic"}}}
	for name, d := range map[string]*Doc{"a": a, "b": b} {
		spans := d.Spans()
		if len(spans) != 1 || spans[0].Text != wantSpans[0].Text || !equalMarks(spans[0].Marks, wantSpans[0].Marks) {
			t.Fatalf("replica %s spans = %+v, want %+v", name, spans, wantSpans)
		}
	}
}

func TestSpansGroupByMarks(t *testing.T) {
	d := New(1)
	mustInsertText(t, d, 0, "plain bold plain")
	if _, err := d.FormatRange(6, 10, []string{"bold"}); err != nil {
		t.Fatalf("FormatRange: %v", err)
	}

	spans := d.Spans()
	want := []Span{
		{Text: "plain "},
		{Text: "bold", Marks: []string{"bold"}},
		{Text: " plain"},
	}
	if len(spans) != len(want) {
		t.Fatalf("spans = %+v, want %+v", spans, want)
	}
	for i := range want {
		if spans[i].Text != want[i].Text || !equalMarks(spans[i].Marks, want[i].Marks) {
			t.Fatalf("span %d = %+v, want %+v", i, spans[i], want[i])
		}
	}
}

func TestChangesSince(t *testing.T) {
	a := New(1)
	first := mustInsertText(t, a, 0, "one")
	vector := a.Version()
	second := mustInsertText(t, a, 3, " two")

	missing := a.ChangesSince(vector)
	if len(missing) != len(second) {
		t.Fatalf("missing = %d ops, want %d", len(missing), len(second))
	}

	b := New(2)
	applyAll(t, b, first)
	applyAll(t, b, missing)
	if a.Text() != b.Text() {
		t.Fatalf("catch-up diverged: %q vs %q", a.Text(), b.Text())
	}

	if got := a.ChangesSince(a.Version()); len(got) != 0 {
		t.Fatalf("up-to-date vector still missing %d ops", len(got))
	}
}

func TestMalformedOpsRejected(t *testing.T) {
	d := New(1)
	mustInsertText(t, d, 0, "safe")
	before := d.Text()

	cases := []struct {
		name string
		op   Op
	}{
		{"zero identity", Op{Kind: OpInsert, Rune: 'x'}},
		{"unknown kind", Op{Kind: OpKind(99), Origin: 2, Seq: 1}},
		{"insert without payload", Op{Kind: OpInsert, Origin: 2, Seq: 1}},
		{"insert atom not owned by origin", Op{Kind: OpInsert, Origin: 2, Seq: 1, Atom: ID{Replica: 3, Counter: 9}, Rune: 'x'}},
		{"insert without atom", Op{Kind: OpInsert, Origin: 2, Seq: 1, Rune: 'x'}},
		{"delete of head", Op{Kind: OpDelete, Origin: 2, Seq: 1}},
		{"format of head", Op{Kind: OpFormat, Origin: 2, Seq: 1, Marks: []string{"bold"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := d.Apply(tc.op); !errors.Is(err, ErrMalformedOp) {
				t.Fatalf("err = %v, want ErrMalformedOp", err)
			}
		})
	}
	if got := d.Text(); got != before {
		t.Fatalf("malformed op corrupted state: %q -> %q", before, got)
	}
}

func TestIndexOfTracksVisibility(t *testing.T) {
	d := New(1)
	ops := mustInsertText(t, d, 0, "abc")

	id := ops[1].AtomID()
	if got := d.IndexOf(id); got != 1 {
		t.Fatalf("IndexOf = %d, want 1", got)
	}
	if _, err := d.DeleteAt(0); err != nil {
		t.Fatalf("DeleteAt: %v", err)
	}
	if got := d.IndexOf(id); got != 0 {
		t.Fatalf("IndexOf after delete = %d, want 0", got)
	}
	if _, err := d.DeleteAt(0); err != nil {
		t.Fatalf("DeleteAt: %v", err)
	}
	if got := d.IndexOf(id); got != -1 {
		t.Fatalf("IndexOf of deleted atom = %d, want -1", got)
	}
}

func TestVersionVectorDominates(t *testing.T) {
	a := VersionVector{1: 5, 2: 3}
	b := VersionVector{1: 5}
	if !a.Dominates(b) {
		t.Fatal("a should dominate b")
	}
	if b.Dominates(a) {
		t.Fatal("b should not dominate a")
	}
	if !a.Dominates(a.Clone()) {
		t.Fatal("a should dominate its clone")
	}
}
