// Package client is the Go SDK for the collaboration relay: a websocket
// provider that keeps a local document and presence registry in sync with a
// room, and an editor binding that adapts an editor model to the document.
package client

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peercode/collab/internal/auth"
	"github.com/peercode/collab/internal/awareness"
	"github.com/peercode/collab/internal/colors"
	"github.com/peercode/collab/internal/crdt"
	"github.com/peercode/collab/internal/protocol"
)

var cursorColors = colors.NewPicker(time.Now().UnixNano())

const (
	dialTimeout   = 10 * time.Second
	writeTimeout  = 10 * time.Second
	reconnectBase = 500 * time.Millisecond
	reconnectMax  = 16 * time.Second
)

// Provider connects a document and a presence registry to one room on the
// relay. It owns the websocket: callers broadcast through it and receive
// remote changes via the document's and registry's own change hooks.
type Provider struct {
	url      string
	roomID   string
	username string
	token    string

	doc       *crdt.Doc
	awareness *awareness.Registry

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	done    chan struct{}
	onEvent func(protocol.Event)
}

// NewProvider builds a provider for one room. url is the relay websocket
// endpoint (ws://host/ws); token is the access token normally held in the
// browser cookie.
func NewProvider(url, roomID, username, token string, doc *crdt.Doc, reg *awareness.Registry) *Provider {
	return &Provider{
		url:       url,
		roomID:    roomID,
		username:  username,
		token:     token,
		doc:       doc,
		awareness: reg,
		done:      make(chan struct{}),
	}
}

// OnEvent registers the callback for control events, replacing any
// previous one.
func (p *Provider) OnEvent(fn func(protocol.Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEvent = fn
}

// Connect dials the relay and starts the read loop. The read loop redials
// with capped backoff until Close is called.
func (p *Provider) Connect(ctx context.Context) error {
	conn, err := p.dial(ctx)
	if err != nil {
		return err
	}
	if err := p.handshake(conn); err != nil {
		conn.Close()
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	go p.run(ctx)
	return nil
}

func (p *Provider) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	header := http.Header{}
	header.Add("Cookie", (&http.Cookie{Name: auth.CookieName, Value: p.token}).String())

	conn, _, err := dialer.DialContext(ctx, p.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return conn, nil
}

// handshake joins the room and resyncs: a state vector for the missing
// remote half, then the full local state for the missing server half.
// Merge is idempotent on both sides, so over-sending is safe.
func (p *Provider) handshake(conn *websocket.Conn) error {
	joinFrame, err := protocol.EncodeEvent(protocol.JoinRoom{RoomID: p.roomID, Username: p.username})
	if err != nil {
		return err
	}
	if err := p.writeTo(conn, joinFrame); err != nil {
		return err
	}

	vector, err := crdt.EncodeVector(p.doc.Vector())
	if err != nil {
		return err
	}
	if err := p.writeTo(conn, protocol.SyncFrame(protocol.SyncStep1, vector)); err != nil {
		return err
	}

	local, err := p.doc.Diff(crdt.StateVector{})
	if err != nil {
		return err
	}
	if local != nil {
		if err := p.writeTo(conn, protocol.SyncFrame(protocol.SyncUpdate, local)); err != nil {
			return err
		}
	}

	presence, err := p.awareness.LocalFrame()
	if err != nil {
		return err
	}
	if presence != nil {
		if err := p.writeTo(conn, protocol.AwarenessFrame(presence)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) run(ctx context.Context) {
	backoff := reconnectBase
	for {
		p.mu.Lock()
		conn := p.conn
		p.mu.Unlock()

		if conn != nil {
			p.readLoop(conn)
			conn.Close()
			p.mu.Lock()
			p.conn = nil
			p.mu.Unlock()
		}

		if p.isClosed() || ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}

		next, err := p.dial(ctx)
		if err != nil {
			log.Printf("Relay reconnect failed: %v", err)
			continue
		}
		if err := p.handshake(next); err != nil {
			log.Printf("Relay resync failed: %v", err)
			next.Close()
			continue
		}
		backoff = reconnectBase
		p.mu.Lock()
		p.conn = next
		p.mu.Unlock()
	}
}

func (p *Provider) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !p.isClosed() {
				log.Printf("Relay read error: %v", err)
			}
			return
		}
		p.dispatch(conn, data)
	}
}

func (p *Provider) dispatch(conn *websocket.Conn, data []byte) {
	switch protocol.ParseMessageType(data) {
	case protocol.MessageTypeSync:
		p.handleSync(conn, data)

	case protocol.MessageTypeAwareness:
		if _, err := p.awareness.Apply(protocol.Payload(data)); err != nil {
			log.Printf("Error applying awareness frame: %v", err)
		}

	case protocol.MessageTypeControl:
		event, err := protocol.DecodeEvent(protocol.Payload(data))
		if err != nil {
			log.Printf("Error decoding control event: %v", err)
			return
		}
		p.mu.Lock()
		fn := p.onEvent
		p.mu.Unlock()
		if fn != nil {
			fn(event)
		}

	default:
		log.Printf("Dropping frame with unknown message type")
	}
}

func (p *Provider) handleSync(conn *websocket.Conn, data []byte) {
	payload := protocol.Payload(data)
	switch protocol.ParseSyncStep(data) {
	case protocol.SyncStep1:
		// A peer asked for what it is missing.
		remote, err := crdt.DecodeVector(payload)
		if err != nil {
			log.Printf("Error decoding state vector: %v", err)
			return
		}
		diff, err := p.doc.Diff(remote)
		if err != nil {
			log.Printf("Error computing sync diff: %v", err)
			return
		}
		if diff != nil {
			if err := p.writeTo(conn, protocol.SyncFrame(protocol.SyncStep2, diff)); err != nil {
				log.Printf("Error sending sync response: %v", err)
			}
		}

	case protocol.SyncStep2, protocol.SyncUpdate:
		if err := p.doc.Merge(payload); err != nil {
			log.Printf("Error merging remote update: %v", err)
		}
	}
}

// Broadcast relays a local document update to the room.
func (p *Provider) Broadcast(update []byte) error {
	return p.write(protocol.SyncFrame(protocol.SyncUpdate, update))
}

// SetPresence publishes the caller's presence record with a picked cursor
// color and broadcasts it to the room.
func (p *Provider) SetPresence(userID, email string) error {
	frame, err := p.awareness.SetLocal(awareness.State{
		Name:   p.username,
		UserID: userID,
		Email:  email,
		Color:  cursorColors.Pick(),
	})
	if err != nil {
		return err
	}
	return p.BroadcastAwareness(frame)
}

// BroadcastAwareness relays a presence frame to the room.
func (p *Provider) BroadcastAwareness(payload []byte) error {
	return p.write(protocol.AwarenessFrame(payload))
}

// AgreeEnd sends the caller's end-session vote.
func (p *Provider) AgreeEnd() error {
	frame, err := protocol.EncodeEvent(protocol.UserAgreedEnd{RoomID: p.roomID})
	if err != nil {
		return err
	}
	return p.write(frame)
}

func (p *Provider) write(frame []byte) error {
	p.mu.Lock()
	conn := p.conn
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return fmt.Errorf("provider is closed")
	}
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return p.writeTo(conn, frame)
}

func (p *Provider) writeTo(conn *websocket.Conn, frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (p *Provider) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close tears down the websocket and stops the reconnect loop. The
// document and registry stay usable for reads; nothing else touches them.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	close(p.done)
	if conn != nil {
		// Parting presence clear, so peers drop the cursor immediately
		// instead of waiting for the relay to notice the disconnect.
		if frame, err := p.awareness.ClearLocal(); err == nil {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			conn.WriteMessage(websocket.BinaryMessage, protocol.AwarenessFrame(frame))
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		return conn.Close()
	}
	return nil
}
