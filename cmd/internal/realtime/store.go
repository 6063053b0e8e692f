package realtime

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidInput is returned by stores for incomplete append/fetch requests.
var ErrInvalidInput = errors.New("realtime: invalid input")

// StoredMessage is the canonical persisted message representation.
type StoredMessage struct {
	RoomID        string
	CorrelationID string
	PersistedID   string
	Seq           int64
	Sender        string
	Body          string
	SentAt        time.Time
}

// MessageStore persists and queries room messages.
//
// Requirements:
//   - Idempotency per (room_id, correlation_id)
//   - Monotonic seq per room (no gaps for duplicates)
//   - History returned ordered by seq ASC
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	FetchRecent(ctx context.Context, in FetchRecentInput) (FetchRecentResult, error)
	Close() error
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	RoomID        string
	CorrelationID string
	Sender        string
	Body          string
	Now           time.Time
}

func (in AppendMessageInput) validate() error {
	if in.RoomID == "" || in.CorrelationID == "" || in.Sender == "" || in.Body == "" {
		return ErrInvalidInput
	}
	return nil
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Stored     StoredMessage
	Duplicated bool
}

// FetchRecentInput asks for the newest Limit messages of a room, optionally
// only those older than BeforeSeq.
type FetchRecentInput struct {
	RoomID    string
	BeforeSeq int64
	Limit     int
}

func (in FetchRecentInput) limit() int {
	switch {
	case in.Limit <= 0:
		return defaultHistoryLimit
	case in.Limit > maxHistoryLimit:
		return maxHistoryLimit
	default:
		return in.Limit
	}
}

// FetchRecentResult holds a history window in seq ASC order. HasMore
// reports that older messages exist.
type FetchRecentResult struct {
	Messages []StoredMessage
	HasMore  bool
}
