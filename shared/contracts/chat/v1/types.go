// Package v1 defines the eduloom private chat protocol v1.
//
// It is shared between the gateway and chat clients so both sides agree on
// the wire format. Frames are JSON text messages carrying an Envelope.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the WebSocket handshake.
const Subprotocol = "eduloom.chat.v1"

// Type constants (wire-stable).
const (
	// TypeJoinPrivateChat binds the connection to a room (client -> server).
	TypeJoinPrivateChat = "joinPrivateChat"
	// TypeLeavePrivateChat unbinds the connection from a room (client -> server).
	TypeLeavePrivateChat = "leavePrivateChat"

	// TypePreviousMessages carries the room history answering a join (server -> client).
	TypePreviousMessages = "previousMessages"

	// TypeChatMessage is a send request (client -> server) and the
	// authoritative broadcast of a stored message (server -> room members).
	TypeChatMessage = "chatMessage"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeJoinPrivateChat,
		TypeLeavePrivateChat,
		TypePreviousMessages,
		TypeChatMessage,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      id,
		TS:      ts.UTC(),
		Payload: raw,
	}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing field: payload")
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ---- Payloads ----

// RoomPayload names a room for join and leave requests.
type RoomPayload struct {
	RoomID string `json:"chat_room_id"`
}

// ChatMessagePayload is used in both directions.
//
// Clients fill RoomID, Sender, Body and CorrelationID. The server echoes
// CorrelationID unchanged and adds PersistedID, Seq and SentAt.
type ChatMessagePayload struct {
	RoomID        string    `json:"chat_room_id"`
	Sender        string    `json:"sender"`
	Body          string    `json:"message"`
	CorrelationID string    `json:"temp_id,omitempty"`
	PersistedID   string    `json:"id,omitempty"`
	Seq           int64     `json:"seq,omitempty"`
	SentAt        time.Time `json:"timestamp,omitempty"`
}

// PreviousMessagesPayload returns the stored history of a room, oldest first.
type PreviousMessagesPayload struct {
	RoomID   string               `json:"chat_room_id"`
	Messages []ChatMessagePayload `json:"messages"`
	HasMore  bool                 `json:"has_more"`
}

// ErrorPayload is a generic error response payload.
//
// CorrelationID is set when the error answers a specific chatMessage.
type ErrorPayload struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"temp_id,omitempty"`
}
