package ws

import (
	"sync"

	"github.com/peercode/collab/internal/session"
)

// RoomState holds the relayed update log and the last-known presence frame
// per connection for one room, kept so reconnecting clients can be replayed
// the history the relay would otherwise have dropped. Merge idempotence on
// the client side makes over-replay harmless.
type RoomState struct {
	updates  [][]byte
	presence map[session.ConnID][]byte
	mu       sync.RWMutex
}

func NewRoomState() *RoomState {
	return &RoomState{
		updates:  make([][]byte, 0),
		presence: make(map[session.ConnID][]byte),
	}
}

// AddUpdate stores an update payload for late joiners
func (s *RoomState) AddUpdate(update []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
}

// GetUpdates returns all stored updates for catch-up
func (s *RoomState) GetUpdates() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Return a copy to avoid race conditions
	updates := make([][]byte, len(s.updates))
	copy(updates, s.updates)
	return updates
}

// Count returns the number of stored updates.
func (s *RoomState) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.updates)
}

// DropFirst removes exactly n entries from the front of the log. Compaction
// uses this to drop only the updates it snapshotted, so entries appended
// while the snapshot was being written stay live.
func (s *RoomState) DropFirst(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		return
	}
	if n > len(s.updates) {
		n = len(s.updates)
	}
	remaining := make([][]byte, len(s.updates)-n)
	copy(remaining, s.updates[n:])
	s.updates = remaining
}

// SetPresence stores a connection's latest awareness payload for replay to
// late joiners.
func (s *RoomState) SetPresence(conn session.ConnID, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[conn] = payload
}

// RemovePresence drops a connection's stored awareness payload.
func (s *RoomState) RemovePresence(conn session.ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.presence, conn)
}

// PresenceFrames returns the stored awareness payloads for every current
// connection.
func (s *RoomState) PresenceFrames() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	frames := make([][]byte, 0, len(s.presence))
	for _, payload := range s.presence {
		frames = append(frames, payload)
	}
	return frames
}
