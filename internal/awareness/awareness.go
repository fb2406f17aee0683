package awareness

import (
	"encoding/json"
	"fmt"
	"sync"
)

// State is one client's ephemeral presence record. Updates replace the whole
// record (last write wins); fields are never merged individually.
type State struct {
	Name   string `json:"name"`
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Color  string `json:"color"`
}

// Change reports which client identifiers an applied frame touched.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Registry tracks presence records for one room, keyed by client identifier.
// Records are ephemeral: nothing here survives a disconnect or restart.
type Registry struct {
	mu          sync.Mutex
	clientID    string
	states      map[string]State
	subscribers []func(Change)
}

// NewRegistry creates a registry whose local client is identified by clientID.
func NewRegistry(clientID string) *Registry {
	return &Registry{
		clientID: clientID,
		states:   make(map[string]State),
	}
}

// ClientID returns the local client identifier.
func (r *Registry) ClientID() string {
	return r.clientID
}

// OnChange registers a subscriber fired for every membership delta.
func (r *Registry) OnChange(fn func(Change)) {
	r.mu.Lock()
	r.subscribers = append(r.subscribers, fn)
	r.mu.Unlock()
}

// SetLocal publishes the local client's record and returns the awareness
// payload to broadcast to peers.
func (r *Registry) SetLocal(state State) ([]byte, error) {
	r.mu.Lock()
	_, existed := r.states[r.clientID]
	r.states[r.clientID] = state
	subs := r.subscribers
	r.mu.Unlock()

	ch := Change{Added: []string{r.clientID}}
	if existed {
		ch = Change{Updated: []string{r.clientID}}
	}
	for _, fn := range subs {
		fn(ch)
	}
	return encodeFrame(map[string]*State{r.clientID: &state})
}

// ClearLocal removes the local record and returns the removal payload. The
// caller broadcasts it before disconnecting so peers see an explicit removal
// rather than waiting on a timeout that never comes.
func (r *Registry) ClearLocal() ([]byte, error) {
	return r.clear(r.clientID)
}

// Clear removes a remote client's record, used when the relay reports that
// client gone without a parting frame.
func (r *Registry) Clear(clientID string) ([]byte, error) {
	return r.clear(clientID)
}

// ClearFrame builds a removal frame for a client without a registry. The
// relay sends one on behalf of a connection that dropped without clearing
// its own record.
func ClearFrame(clientID string) ([]byte, error) {
	return encodeFrame(map[string]*State{clientID: nil})
}

func (r *Registry) clear(clientID string) ([]byte, error) {
	r.mu.Lock()
	_, existed := r.states[clientID]
	delete(r.states, clientID)
	subs := r.subscribers
	r.mu.Unlock()

	if existed {
		ch := Change{Removed: []string{clientID}}
		for _, fn := range subs {
			fn(ch)
		}
	}
	return encodeFrame(map[string]*State{clientID: nil})
}

// Apply merges a peer's awareness payload. A null record clears that client.
func (r *Registry) Apply(payload []byte) (Change, error) {
	frame, err := decodeFrame(payload)
	if err != nil {
		return Change{}, err
	}

	r.mu.Lock()
	var ch Change
	for clientID, state := range frame {
		if state == nil {
			if _, ok := r.states[clientID]; ok {
				delete(r.states, clientID)
				ch.Removed = append(ch.Removed, clientID)
			}
			continue
		}
		if _, ok := r.states[clientID]; ok {
			ch.Updated = append(ch.Updated, clientID)
		} else {
			ch.Added = append(ch.Added, clientID)
		}
		r.states[clientID] = *state
	}
	subs := r.subscribers
	r.mu.Unlock()

	if !ch.empty() {
		for _, fn := range subs {
			fn(ch)
		}
	}
	return ch, nil
}

// Get returns a client's record, if present.
func (r *Registry) Get(clientID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[clientID]
	return s, ok
}

// States returns a copy of every known record.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.states))
	for id, s := range r.states {
		out[id] = s
	}
	return out
}

// LocalFrame returns a payload carrying only the local client's record, or
// nil when none is set. A reconnecting client re-announces itself with this
// rather than Snapshot, so it never resurrects peer records the relay may
// have since cleared.
func (r *Registry) LocalFrame() ([]byte, error) {
	r.mu.Lock()
	state, ok := r.states[r.clientID]
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return encodeFrame(map[string]*State{r.clientID: &state})
}

// Snapshot returns a payload carrying every known record, used to bring a
// late joiner up to date.
func (r *Registry) Snapshot() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	frame := make(map[string]*State, len(r.states))
	for id := range r.states {
		s := r.states[id]
		frame[id] = &s
	}
	return encodeFrame(frame)
}

func encodeFrame(frame map[string]*State) ([]byte, error) {
	return json.Marshal(frame)
}

func decodeFrame(payload []byte) (map[string]*State, error) {
	var frame map[string]*State
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, fmt.Errorf("malformed awareness payload: %w", err)
	}
	return frame, nil
}
