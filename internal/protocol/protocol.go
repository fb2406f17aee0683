package protocol

import "fmt"

// Represents the type of relay frame, carried in the first byte
type MessageType byte

const (
	// Document sync protocol messages
	MessageTypeSync MessageType = 0

	// Awareness protocol messages (cursors, presence)
	MessageTypeAwareness MessageType = 1

	// Control events (room lifecycle, end-agreement)
	MessageTypeControl MessageType = 2
)

// SyncStep represents the step in the sync protocol, carried in the second byte
type SyncStep byte

const (
	// Client sends state vector
	SyncStep1 SyncStep = 0

	// Peer responds with missing updates
	SyncStep2 SyncStep = 1

	// Regular update broadcast
	SyncUpdate SyncStep = 2
)

// Extracts the message type from the first byte
func ParseMessageType(data []byte) MessageType {
	if len(data) == 0 {
		return MessageTypeSync
	}
	return MessageType(data[0])
}

// Extracts the sync step from the second byte
func ParseSyncStep(data []byte) SyncStep {
	if len(data) < 2 {
		return SyncStep1
	}
	return SyncStep(data[1])
}

// Payload returns the frame body after the framing header.
func Payload(data []byte) []byte {
	switch ParseMessageType(data) {
	case MessageTypeSync:
		if len(data) < 2 {
			return nil
		}
		return data[2:]
	default:
		if len(data) < 1 {
			return nil
		}
		return data[1:]
	}
}

// SyncFrame builds a sync frame from a step and an opaque payload.
func SyncFrame(step SyncStep, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+2)
	frame = append(frame, byte(MessageTypeSync), byte(step))
	return append(frame, payload...)
}

// AwarenessFrame builds an awareness frame from an opaque payload.
func AwarenessFrame(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, byte(MessageTypeAwareness))
	return append(frame, payload...)
}

// Validate performs structural validation only. The relay never decodes
// document payloads, so a well-formed header is all it can check.
func Validate(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty message")
	}

	switch MessageType(data[0]) {
	case MessageTypeSync:
		if len(data) < 2 {
			return fmt.Errorf("sync message too short")
		}
		if SyncStep(data[1]) > SyncUpdate {
			return fmt.Errorf("invalid sync step: %d", data[1])
		}
		return nil
	case MessageTypeAwareness:
		if len(data) < 2 {
			return fmt.Errorf("awareness message too short")
		}
		return nil
	case MessageTypeControl:
		if len(data) < 2 {
			return fmt.Errorf("control message too short")
		}
		return nil
	default:
		return fmt.Errorf("unknown message type: %d", data[0])
	}
}
