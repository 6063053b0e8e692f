package chat

import (
	"sort"
	"sync"
	"time"
)

// Store is the ordered message log of the currently open room.
//
// Subscribers are called synchronously after every change, outside the
// store lock, with a copy of the log. A Session mutates its store while
// holding its own lock, so subscribers must not call back into that Session
// on the same goroutine; hand the snapshot to a UI loop instead.
type Store struct {
	mu     sync.Mutex
	roomID string
	msgs   []Message

	subs    map[int]func([]Message)
	nextSub int
}

// NewStore returns an empty store bound to no room.
func NewStore() *Store {
	return &Store{subs: make(map[int]func([]Message))}
}

// ReplaceAll binds the store to roomID and replaces the whole log.
// Entries are ordered by SentAt; ties keep the given order.
func (s *Store) ReplaceAll(roomID string, msgs []Message) {
	next := make([]Message, len(msgs))
	copy(next, msgs)
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].SentAt.Before(next[j].SentAt)
	})

	s.mu.Lock()
	s.roomID = roomID
	s.msgs = next
	s.mu.Unlock()

	s.notify()
}

// AppendPending appends a locally originated message in StatePending.
func (s *Store) AppendPending(m Message) error {
	m.State = StatePending

	s.mu.Lock()
	if m.CorrelationID != "" {
		if _, ok := s.indexByCorrelationLocked(m.CorrelationID); ok {
			s.mu.Unlock()
			return ErrDuplicatePending
		}
	}
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()

	s.notify()
	return nil
}

// AppendOrReplace reconciles an authoritative message with the log.
//
// A pending or failed entry with the same correlation id is replaced in
// place. Otherwise an entry with the same persisted id is replaced in place.
// Otherwise m is appended. Positions never change on replace.
func (s *Store) AppendOrReplace(m Message) (replaced bool) {
	s.mu.Lock()
	idx := -1
	if m.CorrelationID != "" {
		if i, ok := s.indexByCorrelationLocked(m.CorrelationID); ok {
			idx = i
		}
	}
	if idx < 0 && m.PersistedID != "" {
		for i := range s.msgs {
			if s.msgs[i].PersistedID == m.PersistedID {
				idx = i
				break
			}
		}
	}
	if idx >= 0 {
		s.msgs[idx] = m
	} else {
		s.msgs = append(s.msgs, m)
	}
	s.mu.Unlock()

	s.notify()
	return idx >= 0
}

// Clear drops every entry and unbinds the room.
func (s *Store) Clear() {
	s.mu.Lock()
	s.roomID = ""
	s.msgs = nil
	s.mu.Unlock()

	s.notify()
}

// Bind clears the log and binds it to roomID.
func (s *Store) Bind(roomID string) {
	s.mu.Lock()
	s.roomID = roomID
	s.msgs = nil
	s.mu.Unlock()

	s.notify()
}

// Snapshot returns a copy of the log.
func (s *Store) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// RoomID returns the bound room id ("" when unbound).
func (s *Store) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Lookup returns the pending or failed entry for correlationID.
func (s *Store) Lookup(correlationID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.indexByCorrelationLocked(correlationID)
	if !ok {
		return Message{}, false
	}
	return s.msgs[i], true
}

// ExpirePending marks every pending entry sent before cutoff as failed and
// returns the affected messages.
func (s *Store) ExpirePending(cutoff time.Time) []Message {
	s.mu.Lock()
	var expired []Message
	for i := range s.msgs {
		if s.msgs[i].State == StatePending && s.msgs[i].SentAt.Before(cutoff) {
			s.msgs[i].State = StateFailed
			expired = append(expired, s.msgs[i])
		}
	}
	s.mu.Unlock()

	if len(expired) > 0 {
		s.notify()
	}
	return expired
}

// MarkFailed moves the pending entry for correlationID to StateFailed.
func (s *Store) MarkFailed(correlationID string) (Message, bool) {
	s.mu.Lock()
	i, ok := s.indexByCorrelationLocked(correlationID)
	if !ok || s.msgs[i].State != StatePending {
		s.mu.Unlock()
		return Message{}, false
	}
	s.msgs[i].State = StateFailed
	m := s.msgs[i]
	s.mu.Unlock()

	s.notify()
	return m, true
}

// MarkPending moves the failed entry for correlationID back to
// StatePending and restamps it with now.
func (s *Store) MarkPending(correlationID string, now time.Time) (Message, bool) {
	s.mu.Lock()
	i, ok := s.indexByCorrelationLocked(correlationID)
	if !ok || s.msgs[i].State != StateFailed {
		s.mu.Unlock()
		return Message{}, false
	}
	s.msgs[i].State = StatePending
	s.msgs[i].SentAt = now
	m := s.msgs[i]
	s.mu.Unlock()

	s.notify()
	return m, true
}

// Subscribe registers fn for change notifications and returns a function
// that removes it.
func (s *Store) Subscribe(fn func([]Message)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// indexByCorrelationLocked finds the unconfirmed entry for id.
func (s *Store) indexByCorrelationLocked(id string) (int, bool) {
	for i := range s.msgs {
		if s.msgs[i].CorrelationID == id && s.msgs[i].State != StateConfirmed {
			return i, true
		}
	}
	return -1, false
}

func (s *Store) snapshotLocked() []Message {
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *Store) notify() {
	s.mu.Lock()
	if len(s.subs) == 0 {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	fns := make([]func([]Message), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
