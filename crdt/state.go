// Package crdt implements the mergeable document state shared by all
// sessions of a document. State is a grow-only set of uniquely identified
// updates; merging is set union, which is commutative, associative, and
// idempotent, so replicas converge regardless of delivery order. Update
// payloads are opaque to this package.
package crdt

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/oklog/ulid/v2"
)

type (
	// Delta is one incremental update to a document. ID is globally unique;
	// Seq is the origin's send counter and fixes the materialized order of
	// updates from the same origin.
	Delta struct {
		ID      string `cbor:"1,keyasint" json:"id"`
		Origin  string `cbor:"2,keyasint" json:"origin"`
		Seq     uint64 `cbor:"3,keyasint" json:"seq"`
		Payload []byte `cbor:"4,keyasint" json:"payload"`
	}

	// State is the in-memory convergent document state. It is not safe for
	// concurrent use; callers serialize access per document.
	State struct {
		updates map[string]Delta
	}

	snapshotBlob struct {
		Deltas []Delta `cbor:"1,keyasint"`
	}
)

func NewDelta(origin string, seq uint64, payload []byte) Delta {
	return Delta{
		ID:      ulid.Make().String(),
		Origin:  origin,
		Seq:     seq,
		Payload: payload,
	}
}

func NewState() *State {
	return &State{updates: make(map[string]Delta)}
}

// Apply adds a delta to the state. It reports whether the state changed;
// re-applying a known delta is a no-op.
func (s *State) Apply(d Delta) bool {
	if _, ok := s.updates[d.ID]; ok {
		return false
	}
	s.updates[d.ID] = d
	return true
}

// Merge folds every update of other into s.
func (s *State) Merge(other *State) {
	for _, d := range other.updates {
		s.Apply(d)
	}
}

func (s *State) Len() int {
	return len(s.updates)
}

// Deltas returns all updates in their deterministic materialized order:
// by sequence number, ties broken by update ID.
func (s *State) Deltas() []Delta {
	deltas := make([]Delta, 0, len(s.updates))
	for _, d := range s.updates {
		deltas = append(deltas, d)
	}
	sort.Slice(deltas, func(i, j int) bool {
		if deltas[i].Seq != deltas[j].Seq {
			return deltas[i].Seq < deltas[j].Seq
		}
		return deltas[i].ID < deltas[j].ID
	})
	return deltas
}

// Materialize concatenates the update payloads in materialized order. Two
// states holding the same update set materialize identically.
func (s *State) Materialize() []byte {
	var out []byte
	for _, d := range s.Deltas() {
		out = append(out, d.Payload...)
	}
	return out
}

// Encode serializes the state into the snapshot blob format.
func (s *State) Encode() ([]byte, error) {
	blob := snapshotBlob{Deltas: s.Deltas()}
	data, err := cbor.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

// Decode rebuilds a state from a snapshot blob. An empty input yields an
// empty state.
func Decode(data []byte) (*State, error) {
	state := NewState()
	if len(data) == 0 {
		return state, nil
	}
	var blob snapshotBlob
	if err := cbor.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	for _, d := range blob.Deltas {
		state.Apply(d)
	}
	return state, nil
}
