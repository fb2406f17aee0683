package ws

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/peercode/collab/internal/session"
)

func TestDropFirstRemovesOnlyPrefix(t *testing.T) {
	state := NewRoomState()
	for i := 0; i < 5; i++ {
		state.AddUpdate([]byte(fmt.Sprintf("update-%d", i)))
	}

	state.DropFirst(3)

	remaining := state.GetUpdates()
	if len(remaining) != 2 {
		t.Fatalf("Expected 2 updates after drop, got %d", len(remaining))
	}
	if !bytes.Equal(remaining[0], []byte("update-3")) || !bytes.Equal(remaining[1], []byte("update-4")) {
		t.Error("Drop removed the wrong entries")
	}
}

func TestDropFirstKeepsUpdatesAppendedAfterSnapshot(t *testing.T) {
	state := NewRoomState()
	for i := 0; i < 5; i++ {
		state.AddUpdate([]byte(fmt.Sprintf("update-%d", i)))
	}

	// Simulates a compaction pass that reads the log, then races with a
	// writer before trimming: the writer's update must survive.
	snapshotted := len(state.GetUpdates())
	state.AddUpdate([]byte("concurrent"))
	state.DropFirst(snapshotted)

	remaining := state.GetUpdates()
	if len(remaining) != 1 || !bytes.Equal(remaining[0], []byte("concurrent")) {
		t.Fatalf("Update appended during compaction was lost, got %d entries", len(remaining))
	}
}

func TestDropFirstClampsToLogLength(t *testing.T) {
	state := NewRoomState()
	state.AddUpdate([]byte("only"))

	state.DropFirst(10)

	if state.Count() != 0 {
		t.Errorf("Expected empty log, got %d entries", state.Count())
	}
}

func TestPresenceFramesTrackLatestPerConnection(t *testing.T) {
	state := NewRoomState()
	connA := session.ConnID("conn-a")
	connB := session.ConnID("conn-b")

	state.SetPresence(connA, []byte(`{"a":1}`))
	state.SetPresence(connB, []byte(`{"b":1}`))
	state.SetPresence(connA, []byte(`{"a":2}`))

	frames := state.PresenceFrames()
	if len(frames) != 2 {
		t.Fatalf("Expected one frame per connection, got %d", len(frames))
	}
	var sawLatestA, sawB bool
	for _, f := range frames {
		if bytes.Equal(f, []byte(`{"a":2}`)) {
			sawLatestA = true
		}
		if bytes.Equal(f, []byte(`{"b":1}`)) {
			sawB = true
		}
	}
	if !sawLatestA || !sawB {
		t.Error("PresenceFrames should hold each connection's most recent payload")
	}

	state.RemovePresence(connA)
	if got := len(state.PresenceFrames()); got != 1 {
		t.Errorf("Expected 1 frame after removal, got %d", got)
	}
}
