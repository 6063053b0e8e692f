package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	v1 "eduloom/shared/contracts/chat/v1"
)

// SessionState is the connection state of a Session.
type SessionState int

const (
	Disconnected SessionState = iota
	Connecting
	Joined
)

func (s SessionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Joined:
		return "joined"
	default:
		return "unknown"
	}
}

// Event is delivered to observers registered with Session.Observe.
type Event interface{ chatEvent() }

// StateChanged reports a SessionState transition.
type StateChanged struct {
	From, To SessionState
}

// ConnectionFailed reports a failed connection attempt. Final is set once
// the transport gave up; the session then stays Disconnected until the next
// Open.
type ConnectionFailed struct {
	Attempt int
	Err     error
	Final   bool
}

// ServerError is an error envelope received from the gateway.
type ServerError struct {
	Code          string
	Message       string
	CorrelationID string
}

// MessagesFailed lists messages that moved to StateFailed.
type MessagesFailed struct {
	Messages []Message
}

func (StateChanged) chatEvent()     {}
func (ConnectionFailed) chatEvent() {}
func (ServerError) chatEvent()      {}
func (MessagesFailed) chatEvent()   {}

// Session manages one conversation view: the connection, the bound room
// and its message Store.
//
// All state transitions and store mutations happen under one lock, so
// transport events and caller operations never interleave. Observers run
// after the lock is released.
type Session struct {
	cfg       Config
	log       *slog.Logger
	transport Transport
	store     *Store

	now   func() time.Time
	newID func() string

	// openMu keeps Open single-flight.
	openMu sync.Mutex

	mu          sync.Mutex
	state       SessionState
	local       string
	remote      string
	room        string
	started     bool
	connected   bool
	unreachable bool
	closed      bool
	joined      chan struct{}
	done        chan struct{}

	observers map[int]func(Event)
	nextObs   int

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewSession returns a Disconnected session using t. Zero-valued limits in
// cfg fall back to DefaultConfig.
func NewSession(t Transport, cfg Config, log *slog.Logger) *Session {
	def := DefaultConfig()
	if cfg.MaxBodyChars <= 0 {
		cfg.MaxBodyChars = def.MaxBodyChars
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		cfg:       cfg,
		log:       log,
		transport: t,
		store:     NewStore(),
		now:       time.Now,
		newID:     uuid.NewString,
		done:      make(chan struct{}),
		observers: make(map[int]func(Event)),
	}
}

// Store returns the message log rendered by the view.
func (s *Session) Store() *Store { return s.store }

// Messages returns a snapshot of the message log.
func (s *Session) Messages() []Message { return s.store.Snapshot() }

// State returns the current connection state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RoomID returns the bound room id.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// LocalID returns the local participant id of the current binding.
func (s *Session) LocalID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// Unreachable reports whether the transport gave up reconnecting.
func (s *Session) Unreachable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreachable
}

// Observe registers fn for session events and returns a function that
// removes it.
func (s *Session) Observe(fn func(Event)) (cancel func()) {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

// Open binds the session to the conversation between localID and remoteID.
//
// A different binding is torn down first: the store is cleared and the old
// room is left. The transport is started on first use and runs until Close
// or until it gives up; ctx only lends its values to the connection, its
// cancellation does not stop it. Open returns before the room is joined;
// connection problems are reported as ConnectionFailed events. Use
// WaitJoined to block until the history has arrived.
func (s *Session) Open(ctx context.Context, localID, remoteID string) error {
	if localID == "" || remoteID == "" {
		return ErrEmptyParticipant
	}

	s.openMu.Lock()
	defer s.openMu.Unlock()

	room := RoomID(localID, remoteID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started && s.local == localID && s.remote == remoteID {
		s.mu.Unlock()
		return nil
	}

	var events []Event
	prev := s.room
	if s.connected && prev != "" && prev != room {
		if err := s.emitLocked(v1.TypeLeavePrivateChat, v1.RoomPayload{RoomID: prev}); err != nil {
			s.log.Warn("chat.session.leave.fail", "room_id", prev, "err", err)
		}
	}

	s.local, s.remote, s.room = localID, remoteID, room
	s.unreachable = false
	s.store.Bind(room)
	// A fresh binding is never Joined before its own history arrives.
	if s.state == Joined {
		events = s.setStateLocked(Disconnected, events)
	}
	events = s.setStateLocked(Connecting, events)

	if s.connected {
		if err := s.emitLocked(v1.TypeJoinPrivateChat, v1.RoomPayload{RoomID: room}); err != nil {
			s.log.Warn("chat.session.join.fail", "room_id", room, "err", err)
		}
	}

	needStart := !s.started
	s.started = true
	s.startSweeperLocked()
	s.mu.Unlock()

	s.log.Debug("chat.session.open", "room_id", room, "local", localID, "remote", remoteID)
	s.dispatch(events)

	if !needStart {
		return nil
	}
	if err := s.transport.Connect(context.WithoutCancel(ctx), s.handle); err != nil {
		s.mu.Lock()
		s.started = false
		s.unreachable = true
		failed := s.setStateLocked(Disconnected, nil)
		s.mu.Unlock()

		failed = append(failed, ConnectionFailed{Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err), Final: true})
		s.dispatch(failed)
	}
	return nil
}

// WaitJoined blocks until the current binding is Joined.
func (s *Session) WaitJoined(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	ch := s.joined
	s.mu.Unlock()

	if ch == nil {
		return ErrNotJoined
	}
	select {
	case <-ch:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send appends body as a pending message and hands it to the transport.
//
// The returned message carries the fresh correlation id. A refused
// hand-off marks the message failed immediately; it is still returned
// without error and can be retried with Resend.
func (s *Session) Send(body string) (Message, error) {
	text := strings.TrimSpace(body)

	s.mu.Lock()
	if s.state != Joined {
		s.mu.Unlock()
		return Message{}, ErrNotJoined
	}
	if text == "" {
		s.mu.Unlock()
		return Message{}, ErrEmptyBody
	}
	if utf8.RuneCountInString(text) > s.cfg.MaxBodyChars {
		s.mu.Unlock()
		return Message{}, ErrBodyTooLong
	}

	m := Message{
		RoomID:        s.room,
		Sender:        s.local,
		Body:          text,
		SentAt:        s.now(),
		CorrelationID: s.newID(),
		State:         StatePending,
	}
	if err := s.store.AppendPending(m); err != nil {
		s.mu.Unlock()
		return Message{}, err
	}

	var events []Event
	m, events = s.emitMessageLocked(m, events)
	s.mu.Unlock()

	s.dispatch(events)
	return m, nil
}

// Resend retries a failed message with its original correlation id.
func (s *Session) Resend(correlationID string) (Message, error) {
	s.mu.Lock()
	if s.state != Joined {
		s.mu.Unlock()
		return Message{}, ErrNotJoined
	}
	m, ok := s.store.MarkPending(correlationID, s.now())
	if !ok {
		s.mu.Unlock()
		return Message{}, ErrUnknownMessage
	}

	var events []Event
	m, events = s.emitMessageLocked(m, events)
	s.mu.Unlock()

	s.dispatch(events)
	return m, nil
}

// Close leaves the room, stops the transport and discards the log.
// It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)

	if s.connected && s.room != "" {
		if err := s.emitLocked(v1.TypeLeavePrivateChat, v1.RoomPayload{RoomID: s.room}); err != nil {
			s.log.Debug("chat.session.leave.fail", "room_id", s.room, "err", err)
		}
	}
	events := s.setStateLocked(Disconnected, nil)
	s.connected = false
	s.local, s.remote, s.room = "", "", ""
	sweepDone := s.stopSweeperLocked()
	s.mu.Unlock()

	if sweepDone != nil {
		<-sweepDone
	}
	err := s.transport.Close()
	s.store.Clear()
	s.dispatch(events)
	return err
}

// handle is the Handler given to the transport.
func (s *Session) handle(ev TransportEvent) {
	var events []Event

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	switch ev.Kind {
	case TransportConnected:
		s.connected = true
		s.unreachable = false
		if s.room != "" {
			if err := s.emitLocked(v1.TypeJoinPrivateChat, v1.RoomPayload{RoomID: s.room}); err != nil {
				s.log.Warn("chat.session.join.fail", "room_id", s.room, "err", err)
			}
			events = s.setStateLocked(Connecting, events)
		}

	case TransportConnectError:
		events = append(events, ConnectionFailed{
			Attempt: ev.Attempt,
			Err:     fmt.Errorf("%w: %v", ErrConnectionFailed, ev.Err),
		})

	case TransportGaveUp, TransportStopped:
		s.connected = false
		s.started = false
		s.unreachable = ev.Kind == TransportGaveUp
		events = s.setStateLocked(Disconnected, events)
		events = append(events, ConnectionFailed{
			Attempt: ev.Attempt,
			Err:     fmt.Errorf("%w: %v", ErrConnectionFailed, ev.Err),
			Final:   true,
		})

	case TransportDisconnected:
		s.connected = false
		if s.state == Joined {
			events = s.setStateLocked(Connecting, events)
		}

	case TransportEnvelope:
		events = s.handleEnvelopeLocked(ev.Envelope, events)
	}
	s.mu.Unlock()

	s.dispatch(events)
}

func (s *Session) handleEnvelopeLocked(env v1.Envelope, events []Event) []Event {
	switch env.Type {
	case v1.TypePreviousMessages:
		var p v1.PreviousMessagesPayload
		if err := env.Decode(&p); err != nil {
			s.log.Warn("chat.event.bad_payload", "type", env.Type, "err", err)
			return events
		}
		if p.RoomID == "" || p.RoomID != s.room {
			s.log.Debug("chat.event.stale", "type", env.Type, "room_id", p.RoomID, "bound", s.room)
			return events
		}
		s.store.ReplaceAll(s.room, s.mergeHistoryLocked(p.Messages))
		return s.setStateLocked(Joined, events)

	case v1.TypeChatMessage:
		var p v1.ChatMessagePayload
		if err := env.Decode(&p); err != nil {
			s.log.Warn("chat.event.bad_payload", "type", env.Type, "err", err)
			return events
		}
		if p.RoomID == "" || p.RoomID != s.room {
			s.log.Debug("chat.event.stale", "type", env.Type, "room_id", p.RoomID, "bound", s.room)
			return events
		}
		s.store.AppendOrReplace(messageFromPayload(p, s.now()))
		return events

	case v1.TypeError:
		var p v1.ErrorPayload
		if err := env.Decode(&p); err != nil {
			s.log.Warn("chat.event.bad_payload", "type", env.Type, "err", err)
			return events
		}
		if p.CorrelationID != "" {
			if m, ok := s.store.MarkFailed(p.CorrelationID); ok {
				events = append(events, MessagesFailed{Messages: []Message{m}})
			}
		}
		return append(events, ServerError{Code: p.Code, Message: p.Message, CorrelationID: p.CorrelationID})

	default:
		s.log.Debug("chat.event.ignored", "type", env.Type)
		return events
	}
}

// mergeHistoryLocked converts a history payload and carries over local
// messages the server has not stored yet (relevant after a re-join), plus
// confirmed messages newer than the history window that raced the join.
func (s *Session) mergeHistoryLocked(history []v1.ChatMessagePayload) []Message {
	now := s.now()
	out := make([]Message, 0, len(history))
	seen := make(map[string]struct{}, len(history))
	persisted := make(map[string]struct{}, len(history))
	var maxSeq int64
	for _, p := range history {
		m := messageFromPayload(p, now)
		out = append(out, m)
		if m.CorrelationID != "" {
			seen[m.CorrelationID] = struct{}{}
		}
		if m.PersistedID != "" {
			persisted[m.PersistedID] = struct{}{}
		}
		maxSeq = max(maxSeq, m.Seq)
	}

	for _, m := range s.store.Snapshot() {
		if m.State == StateConfirmed {
			if m.Seq <= maxSeq || m.PersistedID == "" {
				continue
			}
			if _, ok := persisted[m.PersistedID]; ok {
				continue
			}
		} else if _, ok := seen[m.CorrelationID]; ok {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *Session) emitMessageLocked(m Message, events []Event) (Message, []Event) {
	if err := s.emitLocked(v1.TypeChatMessage, m.payload()); err != nil {
		s.log.Warn("chat.send.fail", "room_id", m.RoomID, "temp_id", m.CorrelationID, "err", err)
		if failed, ok := s.store.MarkFailed(m.CorrelationID); ok {
			m = failed
			events = append(events, MessagesFailed{Messages: []Message{failed}})
		}
	}
	return m, events
}

func (s *Session) emitLocked(typ string, payload any) error {
	env, err := v1.NewEnvelope(typ, s.newID(), s.now(), payload)
	if err != nil {
		return err
	}
	return s.transport.Emit(env)
}

func (s *Session) setStateLocked(to SessionState, events []Event) []Event {
	from := s.state
	if from == to {
		return events
	}
	s.state = to

	switch {
	case to == Joined:
		if s.joined != nil {
			close(s.joined)
		}
	case from == Joined || s.joined == nil:
		s.joined = make(chan struct{})
	}

	s.log.Debug("chat.session.state", "from", from.String(), "to", to.String(), "room_id", s.room)
	return append(events, StateChanged{From: from, To: to})
}

func (s *Session) dispatch(events []Event) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

func (s *Session) startSweeperLocked() {
	if s.cfg.PendingTimeout <= 0 || s.sweepStop != nil {
		return
	}
	s.sweepStop = make(chan struct{})
	s.sweepDone = make(chan struct{})
	go s.sweep(s.sweepStop, s.sweepDone)
}

func (s *Session) stopSweeperLocked() chan struct{} {
	if s.sweepStop == nil {
		return nil
	}
	close(s.sweepStop)
	done := s.sweepDone
	s.sweepStop, s.sweepDone = nil, nil
	return done
}

func (s *Session) sweep(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := s.cfg.PendingTimeout / 2
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.expirePending()
		}
	}
}

func (s *Session) expirePending() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	expired := s.store.ExpirePending(s.now().Add(-s.cfg.PendingTimeout))
	s.mu.Unlock()

	if len(expired) > 0 {
		s.log.Info("chat.send.expired", "count", len(expired))
		s.dispatch([]Event{MessagesFailed{Messages: expired}})
	}
}
