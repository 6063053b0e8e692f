package chat

import (
	"time"

	v1 "eduloom/shared/contracts/chat/v1"
)

// MessageState tracks a message from local submit to server confirmation.
type MessageState int

const (
	// StatePending: submitted locally, no server echo yet.
	StatePending MessageState = iota + 1
	// StateConfirmed: stored by the server.
	StateConfirmed
	// StateFailed: the echo did not arrive in time or the hand-off was refused.
	StateFailed
)

func (s MessageState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is one entry of a room history.
type Message struct {
	RoomID string
	Sender string
	Body   string
	SentAt time.Time

	// CorrelationID is set on messages this client originated.
	CorrelationID string
	// PersistedID and Seq are assigned by the server once stored.
	PersistedID string
	Seq         int64

	State MessageState
}

// AuthoredBy reports whether the message was sent by participant id.
func (m Message) AuthoredBy(id string) bool {
	return m.Sender == id
}

// Pending reports whether the message still waits for its echo.
func (m Message) Pending() bool {
	return m.State == StatePending
}

func messageFromPayload(p v1.ChatMessagePayload, now time.Time) Message {
	sentAt := p.SentAt
	if sentAt.IsZero() {
		sentAt = now
	}
	return Message{
		RoomID:        p.RoomID,
		Sender:        p.Sender,
		Body:          p.Body,
		SentAt:        sentAt,
		CorrelationID: p.CorrelationID,
		PersistedID:   p.PersistedID,
		Seq:           p.Seq,
		State:         StateConfirmed,
	}
}

func (m Message) payload() v1.ChatMessagePayload {
	return v1.ChatMessagePayload{
		RoomID:        m.RoomID,
		Sender:        m.Sender,
		Body:          m.Body,
		CorrelationID: m.CorrelationID,
	}
}
