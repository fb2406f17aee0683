package crdt

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ChangeOrigin tags who caused a document mutation, so the editor binding can
// tell its own edits apart from merged remote ones.
type ChangeOrigin int

const (
	OriginLocal ChangeOrigin = iota
	OriginRemote
)

// Change describes one applied mutation in terms of the visible text.
type Change struct {
	Origin   ChangeOrigin
	Index    int
	Deleted  int
	Inserted string
}

type element struct {
	id       ID
	r        rune
	deleted  bool
	children []*element // sorted by (clock, actor) descending
}

// Doc is a replicated text buffer. Concurrent edits on different replicas
// merge without coordination: elements form a tree keyed by their insertion
// parent, siblings ordered by a deterministic tie-break, so every replica
// that has seen the same operations renders the same text.
type Doc struct {
	mu sync.Mutex

	actor string
	clock uint64

	root  *element
	index map[ID]*element

	log     map[string]map[uint64]Op // all operations seen, by actor and seq
	applied map[string]uint64        // highest contiguous seq applied or buffered
	seq     uint64                   // local op counter

	pendingInserts map[ID][]Op // inserts waiting for their parent
	pendingDeletes map[ID][]Op // deletes waiting for their target

	subscribers []func(Change)
}

// New creates an empty document owned by a fresh random actor.
func New() *Doc {
	return NewWithActor(uuid.NewString())
}

// NewWithActor creates an empty document with a fixed actor identifier.
func NewWithActor(actor string) *Doc {
	return &Doc{
		actor:          actor,
		root:           &element{},
		index:          make(map[ID]*element),
		log:            make(map[string]map[uint64]Op),
		applied:        make(map[string]uint64),
		pendingInserts: make(map[ID][]Op),
		pendingDeletes: make(map[ID][]Op),
	}
}

// Actor returns the document's replica identifier.
func (d *Doc) Actor() string {
	return d.actor
}

// OnChange registers a subscriber fired once per applied mutation.
func (d *Doc) OnChange(fn func(Change)) {
	d.mu.Lock()
	d.subscribers = append(d.subscribers, fn)
	d.mu.Unlock()
}

// Splice applies a local edit: delete deleteCount visible runes at index, then
// insert text there. Returns the update payload to relay to peers.
func (d *Doc) Splice(index, deleteCount int, text string) ([]byte, error) {
	d.mu.Lock()

	visible := d.visibleElements()
	if index < 0 || index > len(visible) {
		d.mu.Unlock()
		return nil, fmt.Errorf("splice index %d out of range [0,%d]", index, len(visible))
	}
	if deleteCount < 0 || index+deleteCount > len(visible) {
		d.mu.Unlock()
		return nil, fmt.Errorf("splice delete count %d out of range at index %d", deleteCount, index)
	}

	var ops []Op

	for i := 0; i < deleteCount; i++ {
		target := visible[index+i]
		d.seq++
		ops = append(ops, Op{
			Actor:  d.actor,
			Seq:    d.seq,
			Delete: &DeleteOp{Target: target.id},
		})
	}

	parent := ID{}
	if index > 0 {
		parent = visible[index-1].id
	}
	for _, r := range text {
		d.seq++
		d.clock++
		op := Op{
			Actor: d.actor,
			Seq:   d.seq,
			Insert: &InsertOp{
				ID:     ID{Actor: d.actor, Clock: d.clock},
				Parent: parent,
				Ch:     string(r),
			},
		}
		ops = append(ops, op)
		parent = op.Insert.ID
	}

	changes := make([]Change, 0, len(ops))
	for _, op := range ops {
		d.record(op)
		if ch, ok := d.apply(op); ok {
			ch.Origin = OriginLocal
			changes = append(changes, ch)
		}
	}

	payload, err := encodeUpdate(ops)
	subs := d.subscribers
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	for _, ch := range changes {
		for _, fn := range subs {
			fn(ch)
		}
	}
	return payload, nil
}

// Merge applies a remote update payload. Merging is commutative and
// idempotent: payloads may arrive in any order and any number of times.
// A structurally invalid payload is rejected without touching state.
func (d *Doc) Merge(payload []byte) error {
	ops, err := decodeUpdate(payload)
	if err != nil {
		return err
	}

	d.mu.Lock()
	var changes []Change
	for _, op := range ops {
		if d.seen(op.Actor, op.Seq) {
			continue
		}
		d.record(op)
		if op.Insert != nil && op.Insert.ID.Clock > d.clock {
			d.clock = op.Insert.ID.Clock
		}
		if ch, ok := d.apply(op); ok {
			ch.Origin = OriginRemote
			changes = append(changes, ch)
		}
		changes = append(changes, d.flushPending()...)
	}
	subs := d.subscribers
	d.mu.Unlock()

	for _, ch := range changes {
		for _, fn := range subs {
			fn(ch)
		}
	}
	return nil
}

// Snapshot returns the current visible text.
func (d *Doc) Snapshot() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	visible := d.visibleElements()
	runes := make([]rune, len(visible))
	for i, e := range visible {
		runes[i] = e.r
	}
	return string(runes)
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.visibleElements())
}

// record stores an operation in the log and advances the contiguous marker.
func (d *Doc) record(op Op) {
	byActor, ok := d.log[op.Actor]
	if !ok {
		byActor = make(map[uint64]Op)
		d.log[op.Actor] = byActor
	}
	byActor[op.Seq] = op

	for {
		next := d.applied[op.Actor] + 1
		if _, ok := byActor[next]; !ok {
			break
		}
		d.applied[op.Actor] = next
	}
}

func (d *Doc) seen(actor string, seq uint64) bool {
	_, ok := d.log[actor][seq]
	return ok
}

// apply integrates an operation into the tree, or buffers it until its
// causal dependency arrives. Reports the resulting visible-text change.
func (d *Doc) apply(op Op) (Change, bool) {
	switch {
	case op.Insert != nil:
		ins := op.Insert
		if _, ok := d.index[ins.ID]; ok {
			return Change{}, false
		}
		parent := d.root
		if ins.Parent != (ID{}) {
			p, ok := d.index[ins.Parent]
			if !ok {
				d.pendingInserts[ins.Parent] = append(d.pendingInserts[ins.Parent], op)
				return Change{}, false
			}
			parent = p
		}
		return d.integrate(parent, ins)

	case op.Delete != nil:
		del := op.Delete
		e, ok := d.index[del.Target]
		if !ok {
			d.pendingDeletes[del.Target] = append(d.pendingDeletes[del.Target], op)
			return Change{}, false
		}
		if e.deleted {
			return Change{}, false
		}
		idx := d.visibleIndexOf(e)
		e.deleted = true
		return Change{Index: idx, Deleted: 1}, true
	}
	return Change{}, false
}

// integrate places a new element under its parent. Siblings sort by
// (clock, actor) descending, which is the deterministic tie-break for
// concurrent inserts at the same position.
func (d *Doc) integrate(parent *element, ins *InsertOp) (Change, bool) {
	r := []rune(ins.Ch)
	if len(r) != 1 {
		return Change{}, false
	}
	e := &element{id: ins.ID, r: r[0]}

	pos := len(parent.children)
	for i, sib := range parent.children {
		if before(e.id, sib.id) {
			pos = i
			break
		}
	}
	parent.children = append(parent.children, nil)
	copy(parent.children[pos+1:], parent.children[pos:])
	parent.children[pos] = e

	d.index[ins.ID] = e
	return Change{Index: d.visibleIndexOf(e), Inserted: string(e.r)}, true
}

// before reports whether element a sorts ahead of element b among siblings.
func before(a, b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	return a.Actor > b.Actor
}

// flushPending re-applies buffered operations whose dependencies may now be
// satisfied, repeating until no further progress is made.
func (d *Doc) flushPending() []Change {
	var changes []Change
	for {
		progressed := false

		for parent, ops := range d.pendingInserts {
			if _, ok := d.index[parent]; !ok {
				continue
			}
			delete(d.pendingInserts, parent)
			for _, op := range ops {
				if ch, ok := d.apply(op); ok {
					ch.Origin = OriginRemote
					changes = append(changes, ch)
					progressed = true
				}
			}
		}

		for target, ops := range d.pendingDeletes {
			if _, ok := d.index[target]; !ok {
				continue
			}
			delete(d.pendingDeletes, target)
			for _, op := range ops {
				if ch, ok := d.apply(op); ok {
					ch.Origin = OriginRemote
					changes = append(changes, ch)
					progressed = true
				}
			}
		}

		if !progressed {
			return changes
		}
	}
}

// visibleElements returns live elements in document order.
func (d *Doc) visibleElements() []*element {
	var out []*element
	var walk func(e *element)
	walk = func(e *element) {
		if e != d.root && !e.deleted {
			out = append(out, e)
		}
		for _, c := range e.children {
			walk(c)
		}
	}
	walk(d.root)
	return out
}

// visibleIndexOf returns the element's position among visible elements.
func (d *Doc) visibleIndexOf(target *element) int {
	idx := 0
	found := false
	var walk func(e *element)
	walk = func(e *element) {
		if found {
			return
		}
		if e == target {
			found = true
			return
		}
		if e != d.root && !e.deleted {
			idx++
		}
		for _, c := range e.children {
			walk(c)
		}
	}
	walk(d.root)
	return idx
}
