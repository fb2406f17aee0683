package ws

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/peercode/collab/internal/auth"
	"github.com/peercode/collab/internal/protocol"
	"github.com/peercode/collab/internal/ratelimit"
	"github.com/peercode/collab/internal/session"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	messagesPerSecond = 100
	messageBurst      = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	connID      session.ConnID
	identity    *auth.Identity
	roomID      string
	joined      bool
	rateLimiter *ratelimit.Limiter

	// Snapshot loaded before registration, handed to the hub's replay.
	replayMu       sync.Mutex
	replaySnapshot [][]byte
	replayLoaded   bool
}

// ServeWs upgrades the connection and gates it on credential verification.
// An unauthenticated socket gets exactly one error event and is closed; it
// never touches the hub or the coordinator.
func ServeWs(hub *Hub, verifier *auth.Verifier, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	identity, err := verifier.VerifyRequest(r)
	if err != nil {
		log.Printf("Authentication failed: %v", err)
		rejectConn(conn, err.Error())
		return
	}

	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, 512),
		connID:      session.ConnID(uuid.NewString()),
		identity:    identity,
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
	}

	go client.writePump()
	go client.readPump()
}

// rejectConn emits a single error event and drops the connection.
func rejectConn(conn *websocket.Conn, msg string) {
	frame, err := protocol.EncodeEvent(protocol.ErrorEvent{ErrorMsg: msg})
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.BinaryMessage, frame)
	}
	conn.Close()
}

func (c *Client) setReplaySnapshot(snapshot [][]byte) {
	c.replayMu.Lock()
	defer c.replayMu.Unlock()
	c.replaySnapshot = snapshot
	c.replayLoaded = true
}

// takeReplaySnapshot hands over the preloaded snapshot, reporting whether a
// preload happened at all.
func (c *Client) takeReplaySnapshot() ([][]byte, bool) {
	c.replayMu.Lock()
	defer c.replayMu.Unlock()
	snapshot, loaded := c.replaySnapshot, c.replayLoaded
	c.replaySnapshot = nil
	c.replayLoaded = false
	return snapshot, loaded
}

// trySend queues a frame without blocking; a slow consumer loses frames
// rather than stalling the hub.
func (c *Client) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) readPump() {
	defer func() {
		if c.joined {
			c.hub.unregister <- c
		} else {
			close(c.send)
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				log.Printf("Rate limit exceeded for client %s in room %s (warning #%d)",
					c.connID, c.roomID, rateLimitWarnings)
			}
			if rateLimitWarnings > 1000 {
				log.Printf("Disconnecting client %s for excessive rate limit violations", c.connID)
				return
			}
			continue
		}

		if err := protocol.Validate(message); err != nil {
			log.Printf("Invalid message from client %s: %v", c.connID, err)
			continue
		}

		switch protocol.ParseMessageType(message) {
		case protocol.MessageTypeControl:
			c.handleControl(message)
		case protocol.MessageTypeSync:
			if protocol.ParseSyncStep(message) == protocol.SyncStep1 {
				// Reconnect sync: replay the room history to this client.
				if c.joined {
					c.hub.replayTo(c)
				}
				continue
			}
			c.relay(message)
		case protocol.MessageTypeAwareness:
			c.relay(message)
		}
	}
}

// relay forwards an opaque frame to the rest of the room.
func (c *Client) relay(message []byte) {
	if !c.joined {
		return
	}
	c.hub.broadcast <- &Message{
		RoomID: c.roomID,
		Data:   message,
		Sender: c,
	}
}

// handleControl dispatches room lifecycle events. Identity always comes from
// the verified credential, never from the payload.
func (c *Client) handleControl(message []byte) {
	ev, err := protocol.DecodeEvent(protocol.Payload(message))
	if err != nil {
		log.Printf("Invalid control event from client %s: %v", c.connID, err)
		return
	}

	switch ev := ev.(type) {
	case protocol.JoinRoom:
		if c.joined {
			return
		}
		c.roomID = ev.RoomID
		c.joined = true
		// Load the compacted snapshot here, on this connection's
		// goroutine, so the hub loop never waits on the database.
		c.setReplaySnapshot(c.hub.loadSnapshot(ev.RoomID))
		c.hub.register <- c

	case protocol.UserAgreedEnd:
		if !c.joined || ev.RoomID != c.roomID {
			return
		}
		c.hub.coordinator.VoteEnd(c.roomID, c.identity.ID)

	default:
		// Other kinds are server-to-client only.
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.BinaryMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
