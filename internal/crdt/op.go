// Package crdt implements the replicated rich-text document: an RGA
// (Replicated Growable Array) sequence of characters with tombstone deletes
// and last-writer-wins formatting marks. Replicas exchange operations that
// commute, so any two replicas that have seen the same set of operations hold
// identical state regardless of delivery order or duplication.
package crdt

// ID identifies a single atom (character) in the sequence. It is assigned by
// the replica that created the atom and never reused.
type ID struct {
	Replica uint32 `cbor:"r"`
	Counter uint64 `cbor:"c"`
}

// Zero is the sentinel ID of the document head. Inserting "after Zero" places
// an atom at the beginning of the document.
var Zero = ID{}

// IsZero reports whether the ID is the document head sentinel.
func (id ID) IsZero() bool { return id == Zero }

// Less provides the deterministic tie-break order for concurrent siblings.
func (id ID) Less(other ID) bool {
	if id.Counter != other.Counter {
		return id.Counter < other.Counter
	}
	return id.Replica < other.Replica
}

// OpKind discriminates the operation types a replica can emit.
type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpDelete
	OpFormat
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpFormat:
		return "format"
	}
	return "unknown"
}

// Op is one commutative mutation of the document. Origin and Seq together
// form the op identity: Seq is a per-origin sequence number used only for
// deduplication and version vectors. Applying the same op twice is a no-op.
//
// For inserts, Atom is the ID of the created atom. Its counter is minted from
// the origin's Lamport clock, which has been advanced past every counter the
// origin has seen — so an insert always sorts ahead of the siblings that
// existed when it was made, regardless of how young the origin replica is.
type Op struct {
	Kind   OpKind   `cbor:"k"`
	Origin uint32   `cbor:"o"`
	Seq    uint64   `cbor:"s"`
	Atom   ID       `cbor:"a,omitempty"` // insert: ID of the created atom
	Parent ID       `cbor:"p,omitempty"` // insert: atom to the left
	Target ID       `cbor:"t,omitempty"` // delete/format: atom acted on
	Rune   rune     `cbor:"v,omitempty"` // insert payload
	Marks  []string `cbor:"m,omitempty"` // format: replacement mark set
	Stamp  uint64   `cbor:"l,omitempty"` // format: Lamport time for LWW
}

// AtomID returns the ID of the atom an insert op creates.
func (op Op) AtomID() ID { return op.Atom }

// VersionVector maps a replica ID to the highest contiguously-applied op
// sequence from that replica. It is the compact summary a replica sends to
// request only the updates it has not seen.
type VersionVector map[uint32]uint64

// Clone returns an independent copy of the vector.
func (vv VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(vv))
	for k, v := range vv {
		out[k] = v
	}
	return out
}

// Dominates reports whether vv has seen at least everything other has.
func (vv VersionVector) Dominates(other VersionVector) bool {
	for replica, seq := range other {
		if vv[replica] < seq {
			return false
		}
	}
	return true
}
