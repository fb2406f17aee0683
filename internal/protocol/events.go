package protocol

import (
	"encoding/json"
	"fmt"
)

// Event is one control message in the room lifecycle vocabulary. The set of
// kinds is closed: every implementation lives in this file.
type Event interface {
	Kind() string
	isEvent()
}

type JoinRoom struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

type RoomJoined struct {
	RoomID string `json:"roomId"`
}

type UserJoin struct {
	Username string `json:"username"`
}

type UserDisconnect struct {
	Username string `json:"username"`
}

type UserAgreedEnd struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type BothUsersAgreedEnd struct {
	RoomID string `json:"roomId"`
}

type WaitingForOtherUserEnd struct {
	RoomID string `json:"roomId"`
}

type ErrorEvent struct {
	ErrorMsg string `json:"errorMsg"`
}

func (JoinRoom) Kind() string               { return "join-room" }
func (RoomJoined) Kind() string             { return "room-joined" }
func (UserJoin) Kind() string               { return "user-join" }
func (UserDisconnect) Kind() string         { return "user-disconnect" }
func (UserAgreedEnd) Kind() string          { return "user-agreed-end" }
func (BothUsersAgreedEnd) Kind() string     { return "both-users-agreed-end" }
func (WaitingForOtherUserEnd) Kind() string { return "waiting-for-other-user-end" }
func (ErrorEvent) Kind() string             { return "error" }

func (JoinRoom) isEvent()               {}
func (RoomJoined) isEvent()             {}
func (UserJoin) isEvent()               {}
func (UserDisconnect) isEvent()         {}
func (UserAgreedEnd) isEvent()          {}
func (BothUsersAgreedEnd) isEvent()     {}
func (WaitingForOtherUserEnd) isEvent() {}
func (ErrorEvent) isEvent()             {}

type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeEvent wraps an event into a control frame ready for the relay.
func EncodeEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(envelope{Kind: ev.Kind(), Data: data})
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(body)+1)
	frame = append(frame, byte(MessageTypeControl))
	return append(frame, body...), nil
}

// DecodeEvent parses a control frame body back into its typed event.
// Unknown kinds are an error: the vocabulary is closed.
func DecodeEvent(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("malformed control event: %w", err)
	}

	var ev Event
	switch env.Kind {
	case "join-room":
		ev = &JoinRoom{}
	case "room-joined":
		ev = &RoomJoined{}
	case "user-join":
		ev = &UserJoin{}
	case "user-disconnect":
		ev = &UserDisconnect{}
	case "user-agreed-end":
		ev = &UserAgreedEnd{}
	case "both-users-agreed-end":
		ev = &BothUsersAgreedEnd{}
	case "waiting-for-other-user-end":
		ev = &WaitingForOtherUserEnd{}
	case "error":
		ev = &ErrorEvent{}
	default:
		return nil, fmt.Errorf("unknown event kind: %q", env.Kind)
	}

	if err := json.Unmarshal(env.Data, ev); err != nil {
		return nil, fmt.Errorf("malformed %s payload: %w", env.Kind, err)
	}
	return deref(ev), nil
}

func deref(ev Event) Event {
	switch e := ev.(type) {
	case *JoinRoom:
		return *e
	case *RoomJoined:
		return *e
	case *UserJoin:
		return *e
	case *UserDisconnect:
		return *e
	case *UserAgreedEnd:
		return *e
	case *BothUsersAgreedEnd:
		return *e
	case *WaitingForOtherUserEnd:
		return *e
	case *ErrorEvent:
		return *e
	}
	return ev
}
