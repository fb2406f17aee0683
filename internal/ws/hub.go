package ws

import (
	"log"
	"sync"

	"github.com/peercode/collab/internal/awareness"
	"github.com/peercode/collab/internal/db"
	"github.com/peercode/collab/internal/protocol"
	"github.com/peercode/collab/internal/session"
)

// Hub relays opaque frames among the sockets of each room and feeds room
// lifecycle events into the session coordinator. It never decodes document
// payloads.
type Hub struct {
	// Registered clients by room
	rooms map[string]map[*Client]bool

	// Clients by connection ID, for directed control events
	clients map[session.ConnID]*Client

	// Relayed update logs by room, for reconnect replay
	states map[string]*RoomState

	// Inbound frames from clients
	broadcast chan *Message

	// Join requests from clients (after the join-room event)
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	coordinator *session.Coordinator
	database    *db.Database

	mu sync.RWMutex
}

type Message struct {
	RoomID string
	Data   []byte
	Sender *Client
}

func NewHub(database *db.Database) *Hub {
	h := &Hub{
		rooms:      make(map[string]map[*Client]bool),
		clients:    make(map[session.ConnID]*Client),
		states:     make(map[string]*RoomState),
		broadcast:  make(chan *Message),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		database:   database,
	}
	h.coordinator = session.NewCoordinator(h)
	return h
}

// Coordinator exposes the room session coordinator the hub feeds.
func (h *Hub) Coordinator() *session.Coordinator {
	return h.coordinator
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if _, ok := h.rooms[client.roomID]; !ok {
				h.rooms[client.roomID] = make(map[*Client]bool)
			}
			h.rooms[client.roomID][client] = true
			h.clients[client.connID] = client
			clientCount := len(h.rooms[client.roomID])
			h.mu.Unlock()

			log.Printf("Client joined room %s (total: %d)", client.roomID, clientCount)

			h.coordinator.Join(client.connID, client.roomID, client.identity.ID, client.identity.Username)
			h.replayTo(client)

		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client.connID)
			joined := false
			if state, ok := h.states[client.roomID]; ok {
				state.RemovePresence(client.connID)
			}
			if clients, ok := h.rooms[client.roomID]; ok {
				if _, ok := clients[client]; ok {
					joined = true
					delete(clients, client)
					close(client.send)

					if len(clients) == 0 {
						delete(h.rooms, client.roomID)
						delete(h.states, client.roomID)
						log.Printf("Room %s closed (empty)", client.roomID)
					} else {
						log.Printf("Client left room %s (remaining: %d)", client.roomID, len(clients))
					}
				}
			}
			h.mu.Unlock()

			if joined {
				h.coordinator.Disconnect(client.connID)
				h.clearPresence(client)
			}

		case message := <-h.broadcast:
			switch protocol.ParseMessageType(message.Data) {
			case protocol.MessageTypeSync:
				if protocol.ParseSyncStep(message.Data) == protocol.SyncUpdate {
					h.getRoomState(message.RoomID).AddUpdate(protocol.Payload(message.Data))
				}
			case protocol.MessageTypeAwareness:
				// Remember the sender's latest presence frame so late
				// joiners can be replayed it.
				if message.Sender != nil {
					h.getRoomState(message.RoomID).SetPresence(message.Sender.connID, protocol.Payload(message.Data))
				}
			}

			h.mu.RLock()
			if clients, ok := h.rooms[message.RoomID]; ok {
				for client := range clients {
					if client != message.Sender {
						// Skip a client whose buffer is full; the write
						// deadline will reap it if it never drains.
						client.trySend(message.Data)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ToConn implements session.Emitter for directed control events.
func (h *Hub) ToConn(conn session.ConnID, ev protocol.Event) {
	frame, err := protocol.EncodeEvent(ev)
	if err != nil {
		log.Printf("Failed to encode %s event: %v", ev.Kind(), err)
		return
	}

	h.mu.RLock()
	client, ok := h.clients[conn]
	h.mu.RUnlock()
	if !ok {
		return
	}
	client.trySend(frame)
}

// ToRoom implements session.Emitter for room-wide control events.
func (h *Hub) ToRoom(roomID string, ev protocol.Event) {
	frame, err := protocol.EncodeEvent(ev)
	if err != nil {
		log.Printf("Failed to encode %s event: %v", ev.Kind(), err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[roomID] {
		client.trySend(frame)
	}
}

// clearPresence tells the disconnected client's room that its awareness
// record is gone. Covers abrupt drops, where the client never sends its own
// parting frame.
func (h *Hub) clearPresence(client *Client) {
	payload, err := awareness.ClearFrame(client.identity.ID)
	if err != nil {
		log.Printf("Failed to build presence removal for %s: %v", client.identity.ID, err)
		return
	}
	frame := protocol.AwarenessFrame(payload)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for peer := range h.rooms[client.roomID] {
		peer.trySend(frame)
	}
}

// getRoomState returns the room's update log, creating it on first touch.
func (h *Hub) getRoomState(roomID string) *RoomState {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.states[roomID]
	if !ok {
		state = NewRoomState()
		h.states[roomID] = state
	}
	return state
}

// loadSnapshot reads the room's compacted snapshot from the database. Runs
// on the connection's own goroutine so a slow read never stalls the hub loop.
func (h *Hub) loadSnapshot(roomID string) [][]byte {
	if h.database == nil {
		return nil
	}
	merged, _, err := h.database.GetRelaySnapshot(roomID)
	if err != nil {
		log.Printf("Failed to load relay snapshot for room %s: %v", roomID, err)
		return nil
	}
	return SplitMergedUpdates(merged)
}

// replayTo sends a client everything the room has seen: the compacted
// snapshot first, then the live update log, then each current member's last
// presence frame. Relays do not replay history on their own, so joining and
// rejoining both start here. The snapshot is preloaded by the join handler;
// the fallback load covers resync requests arriving on the same goroutine.
func (h *Hub) replayTo(client *Client) {
	snapshot, loaded := client.takeReplaySnapshot()
	if !loaded {
		snapshot = h.loadSnapshot(client.roomID)
	}
	for _, update := range snapshot {
		client.trySend(protocol.SyncFrame(protocol.SyncStep2, update))
	}

	state := h.getRoomState(client.roomID)
	for _, update := range state.GetUpdates() {
		client.trySend(protocol.SyncFrame(protocol.SyncStep2, update))
	}
	for _, payload := range state.PresenceFrames() {
		client.trySend(protocol.AwarenessFrame(payload))
	}
}

// RoomStates returns a snapshot of update-log sizes per room, used by the
// compaction service to pick candidates.
func (h *Hub) RoomStates() map[string]*RoomState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]*RoomState, len(h.states))
	for roomID, state := range h.states {
		out[roomID] = state
	}
	return out
}

// GetRoomCount returns the number of rooms with connected clients.
func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// GetClientCount returns the number of connected clients across all rooms.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, clients := range h.rooms {
		count += len(clients)
	}
	return count
}

// GetActiveRooms maps room ID to its connected-client count.
func (h *Hub) GetActiveRooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.rooms))
	for roomID, clients := range h.rooms {
		out[roomID] = len(clients)
	}
	return out
}
