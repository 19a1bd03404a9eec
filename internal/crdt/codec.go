package crdt

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// The sync channel carries binary CBOR frames. Core Deterministic Encoding
// keeps equal payloads byte-identical, which makes dedup and test comparison
// cheap.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("crdt: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("crdt: CBOR decoder initialization failed: " + err.Error())
	}
}

// ErrMalformedFrame is returned when a sync-channel payload cannot be decoded.
var ErrMalformedFrame = errors.New("crdt: malformed frame")

// FrameKind discriminates sync-channel frames.
type FrameKind uint8

const (
	// FrameSnapshot carries the full encoded document state. The server
	// sends one to every connection on attach so clients initialize without
	// replaying history.
	FrameSnapshot FrameKind = iota + 1
	// FrameUpdate carries incremental ops.
	FrameUpdate
	// FrameSyncRequest carries a version vector; the receiver answers with
	// an update frame containing only the ops the sender is missing.
	FrameSyncRequest
)

// Frame is the unit of exchange on the sync channel.
type Frame struct {
	Kind     FrameKind     `cbor:"k"`
	Ops      []Op          `cbor:"u,omitempty"`
	Snapshot []byte        `cbor:"d,omitempty"`
	Vector   VersionVector `cbor:"v,omitempty"`
}

// EncodeFrame serializes a frame for the wire.
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", frameKindName(f.Kind), err)
	}
	return data, nil
}

// DecodeFrame parses a wire payload. Anything that does not decode to a known
// frame kind is rejected; callers drop and log such payloads.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch f.Kind {
	case FrameSnapshot, FrameUpdate, FrameSyncRequest:
		return f, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown kind %d", ErrMalformedFrame, f.Kind)
	}
}

func frameKindName(k FrameKind) string {
	switch k {
	case FrameSnapshot:
		return "snapshot"
	case FrameUpdate:
		return "update"
	case FrameSyncRequest:
		return "sync-request"
	}
	return "unknown"
}

// snapshotState is the encoded form of a replica: its applied op log, which
// replays deterministically (parents always precede children in application
// order).
type snapshotState struct {
	Ops []Op `cbor:"o"`
}

// Snapshot encodes the replica's full state for transfer or persistence.
func (d *Doc) Snapshot() ([]byte, error) {
	d.mu.Lock()
	ops := make([]Op, len(d.log))
	copy(ops, d.log)
	d.mu.Unlock()
	data, err := encMode.Marshal(snapshotState{Ops: ops})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Load builds a replica from an encoded snapshot. The replica ID is the
// loader's own, not the snapshot producer's.
func Load(replica uint32, data []byte) (*Doc, error) {
	var state snapshotState
	if err := decMode.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrMalformedFrame, err)
	}
	d := New(replica)
	for _, op := range state.Ops {
		if err := d.Apply(op); err != nil {
			return nil, fmt.Errorf("replay snapshot: %w", err)
		}
	}
	return d, nil
}

// Merge replays an encoded snapshot into an existing replica. Ops already
// applied are skipped, so merging overlapping snapshots is safe.
func (d *Doc) Merge(data []byte) error {
	var state snapshotState
	if err := decMode.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("%w: snapshot: %v", ErrMalformedFrame, err)
	}
	return d.ApplyAll(state.Ops)
}
