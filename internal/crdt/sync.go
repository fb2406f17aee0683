package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ID identifies one inserted element: the replica that created it and the
// logical clock value at creation time.
type ID struct {
	Actor string `json:"actor"`
	Clock uint64 `json:"clock"`
}

type InsertOp struct {
	ID     ID     `json:"id"`
	Parent ID     `json:"parent"`
	Ch     string `json:"ch"`
}

type DeleteOp struct {
	Target ID `json:"target"`
}

// Op is one replicated operation. Exactly one of Insert or Delete is set.
// (Actor, Seq) orders an actor's own operation stream for resync.
type Op struct {
	Actor  string    `json:"actor"`
	Seq    uint64    `json:"seq"`
	Insert *InsertOp `json:"insert,omitempty"`
	Delete *DeleteOp `json:"delete,omitempty"`
}

type update struct {
	Ops []Op `json:"ops"`
}

func encodeUpdate(ops []Op) ([]byte, error) {
	return json.Marshal(update{Ops: ops})
}

func decodeUpdate(payload []byte) ([]Op, error) {
	var u update
	if err := json.Unmarshal(payload, &u); err != nil {
		return nil, fmt.Errorf("malformed update payload: %w", err)
	}
	for _, op := range u.Ops {
		if op.Actor == "" || op.Seq == 0 {
			return nil, fmt.Errorf("update op missing identity")
		}
		if (op.Insert == nil) == (op.Delete == nil) {
			return nil, fmt.Errorf("update op must be exactly one of insert or delete")
		}
		if op.Insert != nil && len([]rune(op.Insert.Ch)) != 1 {
			return nil, fmt.Errorf("insert op must carry a single rune")
		}
	}
	return u.Ops, nil
}

// StateVector maps actor → highest contiguous operation seq this replica
// holds. A peer answers a vector with every operation above it.
type StateVector map[string]uint64

// Vector returns the document's current state vector.
func (d *Doc) Vector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()

	sv := make(StateVector, len(d.applied))
	for actor, seq := range d.applied {
		sv[actor] = seq
	}
	return sv
}

// EncodeVector serializes a state vector for a sync step 1 frame.
func EncodeVector(sv StateVector) ([]byte, error) {
	return json.Marshal(sv)
}

// DecodeVector parses a sync step 1 frame body.
func DecodeVector(payload []byte) (StateVector, error) {
	var sv StateVector
	if err := json.Unmarshal(payload, &sv); err != nil {
		return nil, fmt.Errorf("malformed state vector: %w", err)
	}
	return sv, nil
}

// Diff returns an update payload holding every operation the remote vector
// is missing. Returns nil when the remote is already caught up.
func (d *Doc) Diff(remote StateVector) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ops []Op
	for actor, byActor := range d.log {
		have := remote[actor]
		for seq, op := range byActor {
			if seq > have {
				ops = append(ops, op)
			}
		}
	}
	if len(ops) == 0 {
		return nil, nil
	}

	// Per-actor seq order preserves each client's generation order.
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Actor != ops[j].Actor {
			return ops[i].Actor < ops[j].Actor
		}
		return ops[i].Seq < ops[j].Seq
	})
	return encodeUpdate(ops)
}
