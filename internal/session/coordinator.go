package session

import (
	"log"
	"sync"

	"github.com/peercode/collab/internal/protocol"
)

// ConnID identifies one connected socket.
type ConnID string

// Member associates a socket with its room and verified user.
type Member struct {
	Conn     ConnID
	RoomID   string
	UserID   string
	Username string
}

// Emitter delivers control events to sockets. The relay layer provides the
// real one; tests provide a recorder.
type Emitter interface {
	// ToConn delivers an event to a single socket.
	ToConn(conn ConnID, ev protocol.Event)
	// ToRoom delivers an event to every socket joined to the room.
	ToRoom(roomID string, ev protocol.Event)
}

type room struct {
	members map[ConnID]*Member
	votes   map[string]bool // user IDs who agreed to end
}

// Coordinator tracks which users occupy which room, broadcasts lifecycle
// events, and runs the end-agreement handshake. All state is process-local
// and ephemeral: a restart loses it, and sessions re-establish from the
// stored session record.
type Coordinator struct {
	mu              sync.Mutex
	rooms           map[string]*room
	members         map[ConnID]*Member
	expectedParties int
	emitter         Emitter
}

// DefaultExpectedParties is the number of end-agreement votes that finalize a
// room. Interviews are pair sessions; group sessions would make this a
// per-room setting.
const DefaultExpectedParties = 2

func NewCoordinator(emitter Emitter) *Coordinator {
	return &Coordinator{
		rooms:           make(map[string]*room),
		members:         make(map[ConnID]*Member),
		expectedParties: DefaultExpectedParties,
		emitter:         emitter,
	}
}

// getOrCreate returns the room, creating it on first touch. Caller holds mu.
func (c *Coordinator) getOrCreate(roomID string) *room {
	r, ok := c.rooms[roomID]
	if !ok {
		r = &room{
			members: make(map[ConnID]*Member),
			votes:   make(map[string]bool),
		}
		c.rooms[roomID] = r
	}
	return r
}

// reapIfEmpty destroys the room once nothing references it: no members and no
// outstanding votes. A voter who drops mid-handshake keeps the room alive so
// the vote survives their reconnect. Caller holds mu.
func (c *Coordinator) reapIfEmpty(roomID string) {
	if r, ok := c.rooms[roomID]; ok && len(r.members) == 0 && len(r.votes) == 0 {
		delete(c.rooms, roomID)
		log.Printf("Room %s reaped (empty)", roomID)
	}
}

// Join adds a socket to a room. Rejoining after a disconnect is allowed; the
// transport layer does not cap membership (room-level authorization happens
// before the connection is opened).
func (c *Coordinator) Join(conn ConnID, roomID, userID, username string) {
	c.mu.Lock()
	if prev, ok := c.members[conn]; ok && prev.RoomID != roomID {
		c.leaveLocked(conn)
	}
	r := c.getOrCreate(roomID)
	m := &Member{Conn: conn, RoomID: roomID, UserID: userID, Username: username}
	r.members[conn] = m
	c.members[conn] = m
	c.mu.Unlock()

	log.Printf("User %s joined room %s", username, roomID)
	c.emitter.ToConn(conn, protocol.RoomJoined{RoomID: roomID})
	c.emitter.ToRoom(roomID, protocol.UserJoin{Username: username})
}

// Disconnect removes the socket's membership and tells the remaining room
// members. It is not an end-agreement vote, and the room survives while the
// other participant may still be mid-action.
func (c *Coordinator) Disconnect(conn ConnID) {
	c.mu.Lock()
	m := c.leaveLocked(conn)
	c.mu.Unlock()

	if m == nil {
		return
	}
	log.Printf("User %s disconnected from room %s", m.Username, m.RoomID)
	c.emitter.ToRoom(m.RoomID, protocol.UserDisconnect{Username: m.Username})
}

// leaveLocked removes membership and reaps the room if empty. Caller holds mu.
func (c *Coordinator) leaveLocked(conn ConnID) *Member {
	m, ok := c.members[conn]
	if !ok {
		return nil
	}
	delete(c.members, conn)
	if r, ok := c.rooms[m.RoomID]; ok {
		delete(r.members, conn)
	}
	c.reapIfEmpty(m.RoomID)
	return m
}

// VoteEnd records one user's agreement to end the session. The vote set is
// keyed by user ID, so a repeated vote cannot double-count. Reaching the
// expected party count finalizes the room and clears the set; anything less
// tells the room someone is still waiting.
func (c *Coordinator) VoteEnd(roomID, userID string) {
	c.mu.Lock()
	r := c.getOrCreate(roomID)
	r.votes[userID] = true
	finalized := len(r.votes) >= c.expectedParties
	if finalized {
		r.votes = make(map[string]bool)
	}
	c.mu.Unlock()

	if finalized {
		log.Printf("Room %s: both users agreed to end", roomID)
		c.emitter.ToRoom(roomID, protocol.BothUsersAgreedEnd{RoomID: roomID})
		return
	}
	log.Printf("Room %s: user %s agreed to end, waiting for the other", roomID, userID)
	c.emitter.ToRoom(roomID, protocol.WaitingForOtherUserEnd{RoomID: roomID})
}

// Votes returns the user IDs currently agreeing to end the room.
func (c *Coordinator) Votes(roomID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(r.votes))
	for userID := range r.votes {
		out = append(out, userID)
	}
	return out
}

// Members returns the members currently joined to the room.
func (c *Coordinator) Members(roomID string) []Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	return out
}

// Lookup returns the membership entry for a socket.
func (c *Coordinator) Lookup(conn ConnID) (Member, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.members[conn]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// RoomCount returns the number of live rooms.
func (c *Coordinator) RoomCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rooms)
}
