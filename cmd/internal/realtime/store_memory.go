package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"eduloom/cmd/identity/ids"
)

const (
	memMaxMessagesPerRoom = 10_000
)

// InMemoryStore is the MessageStore used when no database is configured.
type InMemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*memRoom
}

type memRoom struct {
	seq    int64
	dedupe map[string]StoredMessage // correlation_id -> stored message
	msgs   []StoredMessage          // ordered by seq
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rooms: make(map[string]*memRoom),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// AppendMessage persists a message with idempotency and monotonic sequence allocation.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if err := in.validate(); err != nil {
		return AppendMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[in.RoomID]
	if r == nil {
		r = &memRoom{
			dedupe: make(map[string]StoredMessage),
			msgs:   make([]StoredMessage, 0, 64),
		}
		s.rooms[in.RoomID] = r
	}

	if existing, ok := r.dedupe[in.CorrelationID]; ok {
		return AppendMessageResult{Stored: existing, Duplicated: true}, nil
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	r.seq++
	msg := StoredMessage{
		RoomID:        in.RoomID,
		CorrelationID: in.CorrelationID,
		PersistedID:   id,
		Seq:           r.seq,
		Sender:        in.Sender,
		Body:          in.Body,
		SentAt:        now,
	}
	r.dedupe[in.CorrelationID] = msg
	r.msgs = append(r.msgs, msg)

	if len(r.msgs) > memMaxMessagesPerRoom {
		for _, old := range r.msgs[:len(r.msgs)-memMaxMessagesPerRoom] {
			delete(r.dedupe, old.CorrelationID)
		}
		r.msgs = append([]StoredMessage(nil), r.msgs[len(r.msgs)-memMaxMessagesPerRoom:]...)
	}

	return AppendMessageResult{Stored: msg, Duplicated: false}, nil
}

// FetchRecent returns the newest messages in seq ASC order.
func (s *InMemoryStore) FetchRecent(ctx context.Context, in FetchRecentInput) (FetchRecentResult, error) {
	if in.RoomID == "" {
		return FetchRecentResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return FetchRecentResult{}, err
	}
	limit := in.limit()

	s.mu.Lock()
	var snap []StoredMessage
	if r := s.rooms[in.RoomID]; r != nil {
		snap = append([]StoredMessage(nil), r.msgs...)
	}
	s.mu.Unlock()

	end := len(snap)
	if in.BeforeSeq > 0 {
		end = sort.Search(len(snap), func(i int) bool { return snap[i].Seq >= in.BeforeSeq })
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	return FetchRecentResult{Messages: snap[start:end], HasMore: start > 0}, nil
}
