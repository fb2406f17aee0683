package crdt

import (
	"math/rand"
	"testing"
)

func mustSplice(t *testing.T, d *Doc, index, del int, text string) []byte {
	t.Helper()
	payload, err := d.Splice(index, del, text)
	if err != nil {
		t.Fatalf("Splice(%d, %d, %q) failed: %v", index, del, text, err)
	}
	return payload
}

func TestLocalEditing(t *testing.T) {
	d := NewWithActor("a")

	mustSplice(t, d, 0, 0, "hello")
	mustSplice(t, d, 5, 0, " world")
	if got := d.Snapshot(); got != "hello world" {
		t.Errorf("Expected 'hello world', got %q", got)
	}

	mustSplice(t, d, 0, 6, "")
	if got := d.Snapshot(); got != "world" {
		t.Errorf("Expected 'world', got %q", got)
	}

	mustSplice(t, d, 0, 5, "go")
	if got := d.Snapshot(); got != "go" {
		t.Errorf("Expected 'go', got %q", got)
	}
}

func TestSpliceOutOfRange(t *testing.T) {
	d := NewWithActor("a")
	mustSplice(t, d, 0, 0, "abc")

	if _, err := d.Splice(4, 0, "x"); err == nil {
		t.Error("Expected error for index past end")
	}
	if _, err := d.Splice(-1, 0, "x"); err == nil {
		t.Error("Expected error for negative index")
	}
	if _, err := d.Splice(2, 2, ""); err == nil {
		t.Error("Expected error for delete past end")
	}
}

func TestSimpleExchange(t *testing.T) {
	a := NewWithActor("a")
	b := NewWithActor("b")

	up := mustSplice(t, a, 0, 0, "x")
	if err := b.Merge(up); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	if got := b.Snapshot(); got != "x" {
		t.Errorf("Expected b to see 'x', got %q", got)
	}
}

func TestConcurrentEditsConverge(t *testing.T) {
	a := NewWithActor("a")
	b := NewWithActor("b")

	upA := mustSplice(t, a, 0, 0, "abc")
	upB := mustSplice(t, b, 0, 0, "xyz")

	if err := a.Merge(upB); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if err := b.Merge(upA); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	if a.Snapshot() != b.Snapshot() {
		t.Errorf("Replicas diverged: %q vs %q", a.Snapshot(), b.Snapshot())
	}
	if a.Len() != 6 {
		t.Errorf("Expected 6 runes after merge, got %d", a.Len())
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	a := NewWithActor("a")
	b := NewWithActor("b")

	up := mustSplice(t, a, 0, 0, "hello")
	for i := 0; i < 3; i++ {
		if err := b.Merge(up); err != nil {
			t.Fatalf("Merge %d failed: %v", i, err)
		}
	}

	if got := b.Snapshot(); got != "hello" {
		t.Errorf("Duplicate delivery corrupted state: %q", got)
	}
}

func TestDeliveryOrderIrrelevant(t *testing.T) {
	a := NewWithActor("a")

	up1 := mustSplice(t, a, 0, 0, "ab")
	up2 := mustSplice(t, a, 2, 0, "cd")
	up3 := mustSplice(t, a, 0, 1, "")

	orders := [][][]byte{
		{up1, up2, up3},
		{up3, up2, up1},
		{up2, up1, up3, up2, up1},
	}

	want := a.Snapshot()
	for i, order := range orders {
		b := NewWithActor("b")
		for _, up := range order {
			if err := b.Merge(up); err != nil {
				t.Fatalf("Order %d: merge failed: %v", i, err)
			}
		}
		if got := b.Snapshot(); got != want {
			t.Errorf("Order %d: expected %q, got %q", i, want, got)
		}
	}
}

func TestConcurrentSamePositionTieBreak(t *testing.T) {
	// Two replicas insert at the same position of the same base text; the
	// tie-break is deterministic, so both sides settle on the same order.
	for trial := 0; trial < 2; trial++ {
		a := NewWithActor("a")
		b := NewWithActor("b")

		base := mustSplice(t, a, 0, 0, "()")
		if err := b.Merge(base); err != nil {
			t.Fatalf("Merge failed: %v", err)
		}

		upA := mustSplice(t, a, 1, 0, "aaa")
		upB := mustSplice(t, b, 1, 0, "bbb")

		if trial == 0 {
			a.Merge(upB)
			b.Merge(upA)
		} else {
			b.Merge(upA)
			a.Merge(upB)
		}

		if a.Snapshot() != b.Snapshot() {
			t.Errorf("Trial %d: diverged: %q vs %q", trial, a.Snapshot(), b.Snapshot())
		}
	}
}

func TestRandomizedConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 20; trial++ {
		a := NewWithActor("a")
		b := NewWithActor("b")

		var updatesA, updatesB [][]byte
		alphabet := "abcdefgh"

		for i := 0; i < 30; i++ {
			edit := func(d *Doc) []byte {
				n := d.Len()
				if n > 0 && rng.Intn(3) == 0 {
					idx := rng.Intn(n)
					del := 1 + rng.Intn(min(3, n-idx))
					return mustSplice(t, d, idx, del, "")
				}
				idx := rng.Intn(n + 1)
				ch := string(alphabet[rng.Intn(len(alphabet))])
				return mustSplice(t, d, idx, 0, ch)
			}
			updatesA = append(updatesA, edit(a))
			updatesB = append(updatesB, edit(b))
		}

		// Exchange in shuffled order, with some duplicates.
		rng.Shuffle(len(updatesA), func(i, j int) { updatesA[i], updatesA[j] = updatesA[j], updatesA[i] })
		rng.Shuffle(len(updatesB), func(i, j int) { updatesB[i], updatesB[j] = updatesB[j], updatesB[i] })

		for _, up := range updatesB {
			if err := a.Merge(up); err != nil {
				t.Fatalf("Trial %d: merge into a failed: %v", trial, err)
			}
		}
		for _, up := range updatesA {
			if err := b.Merge(up); err != nil {
				t.Fatalf("Trial %d: merge into b failed: %v", trial, err)
			}
			if rng.Intn(4) == 0 {
				b.Merge(up)
			}
		}

		if a.Snapshot() != b.Snapshot() {
			t.Fatalf("Trial %d: replicas diverged:\n  a=%q\n  b=%q", trial, a.Snapshot(), b.Snapshot())
		}
	}
}

func TestMalformedPayloadRejected(t *testing.T) {
	d := NewWithActor("a")
	mustSplice(t, d, 0, 0, "safe")

	payloads := [][]byte{
		nil,
		[]byte("not json"),
		[]byte(`{"ops":[{"actor":"x","seq":1}]}`),
		[]byte(`{"ops":[{"actor":"","seq":1,"delete":{"target":{"actor":"a","clock":1}}}]}`),
		[]byte(`{"ops":[{"actor":"x","seq":1,"insert":{"id":{"actor":"x","clock":1},"ch":"toolong"}}]}`),
	}

	for i, p := range payloads {
		if err := d.Merge(p); err == nil {
			t.Errorf("Payload %d: expected rejection", i)
		}
	}

	if got := d.Snapshot(); got != "safe" {
		t.Errorf("Malformed payload corrupted state: %q", got)
	}
}

func TestChangeNotificationOrigins(t *testing.T) {
	a := NewWithActor("a")
	b := NewWithActor("b")

	var origins []ChangeOrigin
	b.OnChange(func(ch Change) {
		origins = append(origins, ch.Origin)
	})

	up := mustSplice(t, a, 0, 0, "hi")
	mustSplice(t, b, 0, 0, "!")
	if err := b.Merge(up); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	if len(origins) != 3 {
		t.Fatalf("Expected 3 change notifications, got %d", len(origins))
	}
	if origins[0] != OriginLocal {
		t.Error("First change should be local")
	}
	if origins[1] != OriginRemote || origins[2] != OriginRemote {
		t.Error("Merged changes should be remote-origin")
	}
}

func TestRemoteChangeIndices(t *testing.T) {
	a := NewWithActor("a")
	b := NewWithActor("b")

	var mirror []rune
	b.OnChange(func(ch Change) {
		if ch.Origin != OriginRemote {
			return
		}
		tail := string(mirror[ch.Index+ch.Deleted:])
		mirror = append(mirror[:ch.Index], []rune(ch.Inserted+tail)...)
	})

	for _, edit := range []func() []byte{
		func() []byte { return mustSplice(t, a, 0, 0, "hello") },
		func() []byte { return mustSplice(t, a, 5, 0, " world") },
		func() []byte { return mustSplice(t, a, 0, 5, "goodbye") },
		func() []byte { return mustSplice(t, a, 7, 6, "") },
	} {
		if err := b.Merge(edit()); err != nil {
			t.Fatalf("Merge failed: %v", err)
		}
	}

	if string(mirror) != a.Snapshot() {
		t.Errorf("Mirror built from change indices diverged: %q vs %q", string(mirror), a.Snapshot())
	}
	if b.Snapshot() != a.Snapshot() {
		t.Errorf("Replica diverged: %q vs %q", b.Snapshot(), a.Snapshot())
	}
}

func TestVectorAndDiff(t *testing.T) {
	a := NewWithActor("a")
	b := NewWithActor("b")

	mustSplice(t, a, 0, 0, "abc")
	up := mustSplice(t, b, 0, 0, "z")
	if err := a.Merge(up); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	// b is missing all of a's ops.
	diff, err := a.Diff(b.Vector())
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if diff == nil {
		t.Fatal("Expected a non-empty diff")
	}
	if err := b.Merge(diff); err != nil {
		t.Fatalf("Merge of diff failed: %v", err)
	}
	if a.Snapshot() != b.Snapshot() {
		t.Errorf("Diff resync diverged: %q vs %q", a.Snapshot(), b.Snapshot())
	}

	// Caught-up peer gets nothing.
	diff, err = a.Diff(b.Vector())
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if diff != nil {
		t.Error("Expected nil diff for caught-up peer")
	}
}

func TestVectorEncoding(t *testing.T) {
	a := NewWithActor("a")
	mustSplice(t, a, 0, 0, "abc")

	encoded, err := EncodeVector(a.Vector())
	if err != nil {
		t.Fatalf("EncodeVector failed: %v", err)
	}
	decoded, err := DecodeVector(encoded)
	if err != nil {
		t.Fatalf("DecodeVector failed: %v", err)
	}
	if decoded["a"] != 3 {
		t.Errorf("Expected seq 3 for actor a, got %d", decoded["a"])
	}

	if _, err := DecodeVector([]byte("garbage")); err == nil {
		t.Error("Expected error for malformed vector")
	}
}
