package crdt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrMalformedOp is returned when an operation fails structural
	// validation. Malformed ops are dropped at the boundary and must never
	// corrupt replica state.
	ErrMalformedOp = errors.New("crdt: malformed op")

	// ErrOutOfRange is returned by local edits addressing a position outside
	// the visible document.
	ErrOutOfRange = errors.New("crdt: position out of range")
)

// node is one atom in the RGA tree. Children are kept in descending ID order;
// atom counters come from a Lamport clock, so Lamport-newer inserts after the
// same parent linearize first on every replica. Deleted atoms stay in the tree
// as tombstones: they remain valid anchors for inserts that were generated
// before the delete arrived.
type node struct {
	id         ID
	r          rune
	deleted    bool
	marks      []string // sorted
	markStamp  uint64
	markOrigin uint32
	children   []*node
}

// Doc is one replica of a collaborative rich-text document.
//
// Remote operations arrive through Apply, which is idempotent and tolerates
// arbitrary reordering: an op whose dependency (parent atom or target atom)
// has not arrived yet is buffered and integrated when the dependency does.
// Local edits go through InsertAt/DeleteAt/FormatRange, which mutate state
// synchronously and return the ops to broadcast.
//
// All methods are safe for concurrent use.
type Doc struct {
	mu      sync.Mutex
	replica uint32
	clock   uint64 // Lamport clock: atom counters and formatting stamps

	root  *node
	index map[ID]*node

	vv    VersionVector              // highest contiguous seq per origin
	ahead map[uint32]map[uint64]bool // applied seqs beyond the contiguous prefix

	pendingParent map[ID][]Op // inserts waiting for their parent atom
	pendingTarget map[ID][]Op // deletes/formats waiting for their target atom

	log []Op // applied ops, in application order (parents precede children)

	cache []*node // visible atoms in document order
	dirty bool
}

// New creates an empty replica. The replica ID must be nonzero and unique
// among all replicas of the same document; it namespaces every atom and op
// this replica creates.
func New(replica uint32) *Doc {
	return &Doc{
		replica:       replica,
		root:          &node{},
		index:         make(map[ID]*node),
		vv:            make(VersionVector),
		ahead:         make(map[uint32]map[uint64]bool),
		pendingParent: make(map[ID][]Op),
		pendingTarget: make(map[ID][]Op),
	}
}

// Replica returns this replica's ID.
func (d *Doc) Replica() uint32 { return d.replica }

// Version returns a copy of the replica's version vector.
func (d *Doc) Version() VersionVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vv.Clone()
}

// Apply merges a remote operation into the replica. Applying the same op
// twice, or applying ops in any order relative to their generation, converges
// to the same state. A structurally invalid op is rejected with
// ErrMalformedOp and leaves the replica untouched.
func (d *Doc) Apply(op Op) error {
	if err := validate(op); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.apply(op)
	return nil
}

// ApplyAll merges a batch of remote operations, stopping at the first
// malformed one.
func (d *Doc) ApplyAll(ops []Op) error {
	for _, op := range ops {
		if err := d.Apply(op); err != nil {
			return err
		}
	}
	return nil
}

func validate(op Op) error {
	if op.Seq == 0 || op.Origin == 0 {
		return fmt.Errorf("%w: zero identity (origin=%d seq=%d)", ErrMalformedOp, op.Origin, op.Seq)
	}
	switch op.Kind {
	case OpInsert:
		if op.Rune == 0 {
			return fmt.Errorf("%w: insert without payload", ErrMalformedOp)
		}
		if op.Atom.Counter == 0 || op.Atom.Replica != op.Origin {
			return fmt.Errorf("%w: insert atom %v not owned by origin %d", ErrMalformedOp, op.Atom, op.Origin)
		}
	case OpDelete, OpFormat:
		if op.Target.IsZero() {
			return fmt.Errorf("%w: %s targeting document head", ErrMalformedOp, op.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrMalformedOp, op.Kind)
	}
	return nil
}

// apply integrates a validated op, buffering it if a dependency is missing.
// Caller holds d.mu.
func (d *Doc) apply(op Op) {
	if d.seen(op.Origin, op.Seq) {
		return
	}
	switch op.Kind {
	case OpInsert:
		parent := d.root
		if !op.Parent.IsZero() {
			var ok bool
			if parent, ok = d.index[op.Parent]; !ok {
				d.pendingParent[op.Parent] = append(d.pendingParent[op.Parent], op)
				return
			}
		}
		if op.Atom.Counter > d.clock {
			d.clock = op.Atom.Counter
		}
		if _, exists := d.index[op.Atom]; exists {
			// A misbehaving peer reused an atom ID under a new op identity.
			d.record(op)
			return
		}
		n := &node{id: op.Atom, r: op.Rune}
		insertChild(parent, n)
		d.index[n.id] = n
		d.record(op)
		d.dirty = true
		d.drain(n.id)
	case OpDelete:
		target, ok := d.index[op.Target]
		if !ok {
			d.pendingTarget[op.Target] = append(d.pendingTarget[op.Target], op)
			return
		}
		target.deleted = true
		d.record(op)
		d.dirty = true
	case OpFormat:
		target, ok := d.index[op.Target]
		if !ok {
			d.pendingTarget[op.Target] = append(d.pendingTarget[op.Target], op)
			return
		}
		if op.Stamp > d.clock {
			d.clock = op.Stamp
		}
		if formatWins(op, target) {
			target.marks = normalizeMarks(op.Marks)
			target.markStamp = op.Stamp
			target.markOrigin = op.Origin
		}
		d.record(op)
	}
}

// formatWins decides the LWW race for concurrent format ops on one atom.
func formatWins(op Op, target *node) bool {
	if op.Stamp != target.markStamp {
		return op.Stamp > target.markStamp
	}
	return op.Origin > target.markOrigin
}

// insertChild places n among parent's children, which are kept in descending
// ID order.
func insertChild(parent *node, n *node) {
	i := sort.Search(len(parent.children), func(i int) bool {
		return parent.children[i].id.Less(n.id)
	})
	parent.children = append(parent.children, nil)
	copy(parent.children[i+1:], parent.children[i:])
	parent.children[i] = n
}

// drain re-applies ops that were waiting for the atom that just arrived.
func (d *Doc) drain(id ID) {
	if ops, ok := d.pendingParent[id]; ok {
		delete(d.pendingParent, id)
		for _, op := range ops {
			d.apply(op)
		}
	}
	if ops, ok := d.pendingTarget[id]; ok {
		delete(d.pendingTarget, id)
		for _, op := range ops {
			d.apply(op)
		}
	}
}

// seen reports whether the op identity was already applied.
func (d *Doc) seen(origin uint32, seq uint64) bool {
	if seq <= d.vv[origin] {
		return true
	}
	return d.ahead[origin][seq]
}

// record marks the op applied and appends it to the replay log, advancing the
// contiguous version vector through any previously-applied gap fillers.
func (d *Doc) record(op Op) {
	d.log = append(d.log, op)
	origin, seq := op.Origin, op.Seq
	if seq != d.vv[origin]+1 {
		if d.ahead[origin] == nil {
			d.ahead[origin] = make(map[uint64]bool)
		}
		d.ahead[origin][seq] = true
		return
	}
	d.vv[origin] = seq
	for d.ahead[origin][d.vv[origin]+1] {
		d.vv[origin]++
		delete(d.ahead[origin], d.vv[origin])
	}
	if len(d.ahead[origin]) == 0 {
		delete(d.ahead, origin)
	}
}

// ChangesSince returns the applied ops the holder of the given version vector
// is missing, in an order safe to replay (parents precede children). Ops the
// receiver already has are harmless extras.
func (d *Doc) ChangesSince(vv VersionVector) []Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Op
	for _, op := range d.log {
		if op.Seq > vv[op.Origin] {
			out = append(out, op)
		}
	}
	return out
}

// InsertAt inserts r before the visible position idx (idx == Len() appends)
// and returns the op to broadcast.
func (d *Doc) InsertAt(idx int, r rune) (Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureCache()
	if idx < 0 || idx > len(d.cache) {
		return Op{}, fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, idx, len(d.cache))
	}
	parent := Zero
	if idx > 0 {
		parent = d.cache[idx-1].id
	}
	return d.localInsert(parent, r), nil
}

// InsertText inserts a string at the visible position idx, returning one op
// per rune. Each rune anchors to the previous one, so the whole run stays
// contiguous under concurrent edits.
func (d *Doc) InsertText(idx int, s string) ([]Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureCache()
	if idx < 0 || idx > len(d.cache) {
		return nil, fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, idx, len(d.cache))
	}
	parent := Zero
	if idx > 0 {
		parent = d.cache[idx-1].id
	}
	ops := make([]Op, 0, len(s))
	for _, r := range s {
		op := d.localInsert(parent, r)
		parent = op.AtomID()
		ops = append(ops, op)
	}
	return ops, nil
}

func (d *Doc) localInsert(parent ID, r rune) Op {
	d.clock++
	op := Op{
		Kind:   OpInsert,
		Origin: d.replica,
		Seq:    d.vv[d.replica] + 1,
		Atom:   ID{Replica: d.replica, Counter: d.clock},
		Parent: parent,
		Rune:   r,
	}
	d.apply(op)
	return op
}

// DeleteAt removes the visible character at idx and returns the op to
// broadcast.
func (d *Doc) DeleteAt(idx int) (Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureCache()
	if idx < 0 || idx >= len(d.cache) {
		return Op{}, fmt.Errorf("%w: delete at %d, length %d", ErrOutOfRange, idx, len(d.cache))
	}
	op := Op{
		Kind:   OpDelete,
		Origin: d.replica,
		Seq:    d.vv[d.replica] + 1,
		Target: d.cache[idx].id,
	}
	d.apply(op)
	return op, nil
}

// DeleteRange removes the visible characters in [start, end), returning one
// op per character.
func (d *Doc) DeleteRange(start, end int) ([]Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureCache()
	if start < 0 || end > len(d.cache) || start > end {
		return nil, fmt.Errorf("%w: delete [%d, %d), length %d", ErrOutOfRange, start, end, len(d.cache))
	}
	targets := make([]ID, end-start)
	for i := start; i < end; i++ {
		targets[i-start] = d.cache[i].id
	}
	ops := make([]Op, 0, len(targets))
	for _, target := range targets {
		op := Op{
			Kind:   OpDelete,
			Origin: d.replica,
			Seq:    d.vv[d.replica] + 1,
			Target: target,
		}
		d.apply(op)
		ops = append(ops, op)
	}
	return ops, nil
}

// FormatRange replaces the mark set of the visible characters in [start, end)
// and returns one op per character. Concurrent formats of the same character
// resolve last-writer-wins by Lamport time.
func (d *Doc) FormatRange(start, end int, marks []string) ([]Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureCache()
	if start < 0 || end > len(d.cache) || start > end {
		return nil, fmt.Errorf("%w: format [%d, %d), length %d", ErrOutOfRange, start, end, len(d.cache))
	}
	marks = normalizeMarks(marks)
	ops := make([]Op, 0, end-start)
	for i := start; i < end; i++ {
		d.clock++
		op := Op{
			Kind:   OpFormat,
			Origin: d.replica,
			Seq:    d.vv[d.replica] + 1,
			Target: d.cache[i].id,
			Marks:  marks,
			Stamp:  d.clock,
		}
		d.apply(op)
		ops = append(ops, op)
	}
	return ops, nil
}

// Text returns the visible document as a plain string, formatting dropped.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureCache()
	var b strings.Builder
	b.Grow(len(d.cache))
	for _, n := range d.cache {
		b.WriteRune(n.r)
	}
	return b.String()
}

// Len returns the number of visible characters.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureCache()
	return len(d.cache)
}

// IndexOf returns the visible index of the atom with the given ID, or -1 if
// the atom is deleted or unknown. Editor bindings use it to re-anchor the
// caret after a remote change.
func (d *Doc) IndexOf(id ID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureCache()
	for i, n := range d.cache {
		if n.id == id {
			return i
		}
	}
	return -1
}

// IDAt returns the ID of the visible character at idx.
func (d *Doc) IDAt(idx int) (ID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureCache()
	if idx < 0 || idx >= len(d.cache) {
		return Zero, false
	}
	return d.cache[idx].id, true
}

// Span is a run of consecutive characters sharing one mark set.
type Span struct {
	Text  string   `json:"text"`
	Marks []string `json:"marks,omitempty"`
}

// Spans returns the visible document as formatted runs, the shape an editor
// surface renders from.
func (d *Doc) Spans() []Span {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureCache()
	var spans []Span
	var cur strings.Builder
	var curMarks []string
	flush := func() {
		if cur.Len() > 0 {
			spans = append(spans, Span{Text: cur.String(), Marks: curMarks})
			cur.Reset()
		}
	}
	for i, n := range d.cache {
		if i == 0 || !equalMarks(n.marks, curMarks) {
			flush()
			curMarks = n.marks
		}
		cur.WriteRune(n.r)
	}
	flush()
	return spans
}

// ensureCache rebuilds the visible-order cache after a structural change.
// Document order is a preorder walk of the RGA tree; tombstones are traversed
// (their subtrees stay reachable) but not emitted. Caller holds d.mu.
func (d *Doc) ensureCache() {
	if !d.dirty && d.cache != nil {
		return
	}
	d.cache = d.cache[:0]
	stack := []*node{d.root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n != d.root && !n.deleted {
			d.cache = append(d.cache, n)
		}
		for i := len(n.children) - 1; i >= 0; i-- {
			stack = append(stack, n.children[i])
		}
	}
	d.dirty = false
}

func normalizeMarks(marks []string) []string {
	if len(marks) == 0 {
		return nil
	}
	out := make([]string, 0, len(marks))
	seen := make(map[string]bool, len(marks))
	for _, m := range marks {
		if m != "" && !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func equalMarks(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
