// Package realtime is the server side of eduloom private chat: the websocket
// gateway, room fanout and message persistence.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"

	"eduloom/cmd/identity"
	"eduloom/cmd/identity/ids"
	"eduloom/cmd/internal/chat"
	v1 "eduloom/shared/contracts/chat/v1"
)

// Error codes sent in error envelopes.
const (
	codeBadJSON     = "bad_json"
	codeBadEnvelope = "bad_envelope"
	codeNotJoined   = "not_joined"
	codeJoinFailed  = "join_failed"
	codeSendFailed  = "send_failed"
	codeRateLimited = "rate_limited"
	codeUnsupported = "unsupported"
)

var (
	errBadJSON        = errors.New("invalid JSON")
	errNotParticipant = errors.New("not a participant of chat_room_id")
)

// TokenVerifier verifies bearer credentials presented at handshake.
type TokenVerifier interface {
	Verify(token string) (identity.Claims, error)
}

// GatewayOption configures optional gateway collaborators.
type GatewayOption func(*WSGateway)

// WithVerifier sets the bearer credential verifier.
func WithVerifier(v TokenVerifier) GatewayOption {
	return func(g *WSGateway) { g.verifier = v }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) GatewayOption {
	return func(g *WSGateway) { g.metrics = m }
}

// WSGateway is the websocket entrypoint for private chat.
//
// It enforces origin policy, authentication, subprotocol selection, rate
// limits and heartbeats, and routes validated envelopes to the Hub and
// MessageStore.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	store    MessageStore
	verifier TokenVerifier
	metrics  *Metrics
	cfg      GatewayConfig

	// Derived for websocket.Accept origin checks, which only authorize
	// cross-origin requests listed in OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. Nil hub/store fall back to in-memory
// implementations.
func NewWSGateway(log *slog.Logger, hub *Hub, store MessageStore, cfg GatewayConfig, opts ...GatewayOption) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if store == nil {
		store = NewInMemoryStore()
	}

	g := &WSGateway{
		log:   log,
		hub:   hub,
		store: store,
		cfg:   cfg.normalized(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.cfg.AllowedOrigins)

	if g.cfg.RequireAuth && g.verifier == nil {
		g.log.Warn("ws.config.no_verifier", "detail", "auth required but no verifier configured; every handshake will be rejected")
	}
	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a websocket session and runs the chat loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	participantID, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := ids.NewULID(time.Now())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	client := NewClient(sessionID, participantID, g.cfg.SendQueueSize)

	g.metrics.connOpened()
	defer g.metrics.connClosed()
	g.log.Info("ws.accept", "session_id", sessionID, "participant_id", participantID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		joined    *Room
	)

	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if joined != nil {
				g.hub.Leave(joined, sessionID)
				joined = nil
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	// Inbound frames and answered pings both count as activity, so a
	// client that only listens stays connected while its pongs arrive.
	var (
		lastActivity atomic.Int64
		idleExpired  atomic.Bool
	)
	touch := func() { lastActivity.Store(time.Now().UnixNano()) }
	touch()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()
		idle := time.NewTicker(idleCheckEvery(g.cfg.ReadIdleTimeout))
		defer idle.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-idle.C:
				since := time.Since(time.Unix(0, lastActivity.Load()))
				if since >= g.cfg.ReadIdleTimeout {
					g.log.Info("ws.idle.timeout", "session_id", sessionID, "idle_ms", since.Milliseconds())
					idleExpired.Store(true)
					// The read loop sees ctx end and shuts down.
					cancel()
					return
				}
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
				touch()
			}
		}
	}()

readLoop:
	for {
		env, err := readEnvelope(ctx, conn)
		if err == nil || classifyReadErr(err) == readErrBadJSON {
			touch()
		}

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				if idleExpired.Load() {
					shutdown(websocket.StatusPolicyViolation, "idle timeout")
				} else {
					shutdown(websocket.StatusNormalClosure, "context done")
				}
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(client, codeBadJSON, "invalid JSON", "")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			// Written inline: the writer goroutine stops as soon as shutdown runs.
			_ = writeEnvelope(ctx, conn, g.errorEnvelope(codeRateLimited, "too many events", ""), g.cfg.WriteTimeout)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, codeBadEnvelope, err.Error(), "")
			continue readLoop
		}

		switch env.Type {
		case v1.TypeJoinPrivateChat:
			room, err := g.onJoin(ctx, client, env)
			if err != nil {
				g.metrics.join("failed")
				g.trySendError(client, codeJoinFailed, err.Error(), "")
				continue readLoop
			}
			g.metrics.join("ok")

			if joined != nil && joined != room {
				g.hub.Leave(joined, sessionID)
			}
			joined = room

		case v1.TypeLeavePrivateChat:
			var p v1.RoomPayload
			if err := env.Decode(&p); err != nil {
				g.trySendError(client, codeBadEnvelope, err.Error(), "")
				continue readLoop
			}
			if joined != nil && joined.ID == p.RoomID {
				g.hub.Leave(joined, sessionID)
				joined = nil
			}

		case v1.TypeChatMessage:
			if joined == nil {
				g.metrics.message("not_joined")
				g.trySendError(client, codeNotJoined, "join first", correlationOf(env))
				continue readLoop
			}
			if err := g.onChatMessage(ctx, client, joined, env, now); err != nil {
				g.metrics.message("failed")
				g.trySendError(client, codeSendFailed, err.Error(), correlationOf(env))
				continue readLoop
			}

		default:
			g.trySendError(client, codeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type), "")
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.close", "session_id", sessionID)
}

// ---- handlers ----

func (g *WSGateway) onJoin(ctx context.Context, client *Client, env v1.Envelope) (*Room, error) {
	var p v1.RoomPayload
	if err := env.Decode(&p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		return nil, errors.New("missing chat_room_id")
	}
	if !isCanonicalRoomID(roomID) {
		return nil, errors.New("invalid chat_room_id")
	}
	if client.ParticipantID != "" && !chat.RoomIncludes(roomID, client.ParticipantID) {
		return nil, errNotParticipant
	}

	// Join before reading history so nothing broadcast in between is lost;
	// the client merges messages that overlap the history window.
	room, collision := g.hub.Join(roomID, client)
	if collision {
		g.metrics.collision()
		members := room.Participants()
		g.log.Warn("room.collision.suspect",
			"room_id", roomID,
			"participant_id", client.ParticipantID,
			"participants", members,
			"kind", collisionKind(roomID, client.ParticipantID, members),
		)
	}

	hist, err := g.store.FetchRecent(ctx, FetchRecentInput{RoomID: roomID, Limit: g.cfg.HistoryLimit})
	if err != nil {
		g.hub.Leave(room, client.SessionID)
		return nil, fmt.Errorf("history: %w", err)
	}

	msgs := make([]v1.ChatMessagePayload, 0, len(hist.Messages))
	for _, m := range hist.Messages {
		msgs = append(msgs, payloadFromStored(m))
	}

	out := g.envelope(v1.TypePreviousMessages, v1.PreviousMessagesPayload{
		RoomID:   roomID,
		Messages: msgs,
		HasMore:  hist.HasMore,
	})
	if !client.Offer(out) {
		g.hub.Leave(room, client.SessionID)
		return nil, errors.New("backpressure: previousMessages")
	}
	return room, nil
}

func (g *WSGateway) onChatMessage(ctx context.Context, client *Client, room *Room, env v1.Envelope, now time.Time) error {
	var p v1.ChatMessagePayload
	if err := env.Decode(&p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if strings.TrimSpace(p.RoomID) == "" || p.RoomID != room.ID {
		return errors.New("invalid chat_room_id")
	}

	sender := client.ParticipantID
	if sender == "" {
		sender = strings.TrimSpace(p.Sender)
	} else if p.Sender != "" && p.Sender != sender {
		g.log.Info("ws.sender.override", "session_id", client.SessionID, "claimed", p.Sender, "participant_id", sender)
	}
	if sender == "" {
		return errors.New("missing sender")
	}

	body := strings.TrimSpace(p.Body)
	if body == "" {
		return errors.New("empty message")
	}
	if utf8.RuneCountInString(body) > maxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	correlationID := strings.TrimSpace(p.CorrelationID)
	if correlationID == "" {
		id, err := ids.NewULID(now)
		if err != nil {
			return err
		}
		correlationID = id
	}

	res, err := g.store.AppendMessage(ctx, AppendMessageInput{
		RoomID:        room.ID,
		CorrelationID: correlationID,
		Sender:        sender,
		Body:          body,
		Now:           now,
	})
	if err != nil {
		return fmt.Errorf("store append: %w", err)
	}

	out := g.envelope(v1.TypeChatMessage, payloadFromStored(res.Stored))

	// A resend of a stored message only needs to reach its author.
	if res.Duplicated {
		g.metrics.message("duplicate")
		if !client.Offer(out) {
			return errors.New("backpressure: chatMessage")
		}
		return nil
	}

	g.metrics.message("stored")
	_, dropped := room.Broadcast(out)
	g.metrics.dropped(dropped)
	return nil
}

// ---- auth ----

func (g *WSGateway) authenticate(r *http.Request) (string, error) {
	token, ok := identity.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}

	if token == "" {
		if g.cfg.RequireAuth {
			return "", errors.New("missing bearer token")
		}
		return "", nil
	}
	if g.verifier == nil {
		if g.cfg.RequireAuth {
			return "", errors.New("no verifier configured")
		}
		return "", nil
	}

	claims, err := g.verifier.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Participant(), nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(client *Client, code, msg, correlationID string) {
	_ = client.Offer(g.errorEnvelope(code, msg, correlationID))
}

func (g *WSGateway) errorEnvelope(code, msg, correlationID string) v1.Envelope {
	return g.envelope(v1.TypeError, v1.ErrorPayload{
		Code:          code,
		Message:       msg,
		CorrelationID: correlationID,
	})
}

func (g *WSGateway) envelope(typ string, payload any) v1.Envelope {
	now := time.Now().UTC()
	env, err := v1.NewEnvelope(typ, ids.MustULID(now), now, payload)
	if err != nil {
		g.log.Error("ws.envelope.fail", "type", typ, "err", err)
	}
	return env
}

func payloadFromStored(m StoredMessage) v1.ChatMessagePayload {
	return v1.ChatMessagePayload{
		RoomID:        m.RoomID,
		Sender:        m.Sender,
		Body:          m.Body,
		CorrelationID: m.CorrelationID,
		PersistedID:   m.PersistedID,
		Seq:           m.Seq,
		SentAt:        m.SentAt,
	}
}

func correlationOf(env v1.Envelope) string {
	var p v1.ChatMessagePayload
	if err := env.Decode(&p); err != nil {
		return ""
	}
	return p.CorrelationID
}

func isCanonicalRoomID(id string) bool {
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')) {
			return false
		}
	}
	return id != ""
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	switch {
	case errors.Is(err, errBadJSON):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins maps the allowlist to the host
// patterns websocket.Accept matches against.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// idleCheckEvery polls a few times per idle window so a dead connection is
// dropped soon after the window passes.
func idleCheckEvery(idle time.Duration) time.Duration {
	d := idle / 4
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}
