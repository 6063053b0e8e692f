package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"eduloom/cmd/identity"
	"eduloom/cmd/internal/chat"
	v1 "eduloom/shared/contracts/chat/v1"
)

var testSecret = []byte("gateway-test-secret-0123456789abcdef")

func newTestVerifier(t *testing.T) *identity.Verifier {
	t.Helper()
	v, err := identity.NewVerifier(testSecret, "eduloom-test")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func issue(t *testing.T, v *identity.Verifier, participantID string) string {
	t.Helper()
	tok, err := v.Issue(participantID, "student", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func startGateway(t *testing.T, cfg GatewayConfig, opts ...GatewayOption) (*httptest.Server, MessageStore) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := NewInMemoryStore()
	gw := NewWSGateway(log, NewHub(log), store, cfg, opts...)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, store
}

func wsURL(ts *httptest.Server) string {
	u, _ := url.Parse(ts.URL)
	u.Scheme = "ws"
	u.Path = "/ws"
	return u.String()
}

func dialWS(t *testing.T, ts *httptest.Server, origin, bearer string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}
	if bearer != "" {
		h.Set("Authorization", "Bearer "+bearer)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, wsURL(ts), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if conn != nil {
		t.Cleanup(func() { _ = conn.CloseNow() })
	}
	return conn, resp, err
}

func mustDial(t *testing.T, ts *httptest.Server, bearer string) *websocket.Conn {
	t.Helper()
	conn, _, err := dialWS(t, ts, "", bearer)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func writeEnv(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	env, err := v1.NewEnvelope(typ, "c-"+typ, time.Now().UTC(), payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func expectNoEnvelope(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if _, b, err := conn.Read(ctx); err == nil {
		t.Fatalf("unexpected envelope: %s", b)
	}
}

func join(t *testing.T, conn *websocket.Conn, roomID string) v1.PreviousMessagesPayload {
	t.Helper()
	writeEnv(t, conn, v1.TypeJoinPrivateChat, v1.RoomPayload{RoomID: roomID})
	env := readUntilType(t, conn, v1.TypePreviousMessages, 4)
	var p v1.PreviousMessagesPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	return p
}

func TestWSGatewayRejectsMissingOrInvalidToken(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t)
	ts, _ := startGateway(t, DefaultGatewayConfig(), WithVerifier(v))

	other, err := identity.NewVerifier([]byte("another-secret-0123456789abcdefgh"), "eduloom-test")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	cases := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-token"},
		{"wrong_secret", issue(t, other, "u1")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := dialWS(t, ts, "", tc.token)
			if err == nil {
				t.Fatalf("expected handshake failure")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				status := 0
				if resp != nil {
					status = resp.StatusCode
				}
				t.Fatalf("expected 401, got status=%d err=%v", status, err)
			}
		})
	}
}

func TestWSGatewayRejectsForeignOrigin(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t)
	ts, _ := startGateway(t, DefaultGatewayConfig(), WithVerifier(v))

	_, resp, err := dialWS(t, ts, "https://evil.example", issue(t, v, "u1"))
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got resp=%v err=%v", resp, err)
	}
}

func TestWSGatewayFanoutAndDedupe(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t)
	ts, _ := startGateway(t, DefaultGatewayConfig(), WithVerifier(v))

	a := mustDial(t, ts, issue(t, v, "alice"))
	b := mustDial(t, ts, issue(t, v, "bob"))

	room := chat.RoomID("alice", "bob")
	if h := join(t, a, room); len(h.Messages) != 0 || h.HasMore {
		t.Fatalf("expected empty history, got %+v", h)
	}
	join(t, b, room)

	send := v1.ChatMessagePayload{RoomID: room, Sender: "mallory", Body: "  hi bob  ", CorrelationID: "tmp-1"}
	writeEnv(t, a, v1.TypeChatMessage, send)

	var gotA, gotB v1.ChatMessagePayload
	if err := readUntilType(t, a, v1.TypeChatMessage, 4).Decode(&gotA); err != nil {
		t.Fatalf("decode a: %v", err)
	}
	if err := readUntilType(t, b, v1.TypeChatMessage, 4).Decode(&gotB); err != nil {
		t.Fatalf("decode b: %v", err)
	}

	if gotA.Sender != "alice" {
		t.Fatalf("sender=%q, want the authenticated participant", gotA.Sender)
	}
	if gotA.Body != "hi bob" || gotA.CorrelationID != "tmp-1" || gotA.Seq != 1 || gotA.PersistedID == "" {
		t.Fatalf("unexpected echo: %+v", gotA)
	}
	if gotB.PersistedID != gotA.PersistedID {
		t.Fatalf("fanout mismatch: a=%q b=%q", gotA.PersistedID, gotB.PersistedID)
	}

	// Resending the same correlation id reaches only the author.
	writeEnv(t, a, v1.TypeChatMessage, send)
	var dup v1.ChatMessagePayload
	if err := readUntilType(t, a, v1.TypeChatMessage, 4).Decode(&dup); err != nil {
		t.Fatalf("decode dup: %v", err)
	}
	if dup.PersistedID != gotA.PersistedID || dup.Seq != 1 {
		t.Fatalf("duplicate created a new message: %+v", dup)
	}
	expectNoEnvelope(t, b, 150*time.Millisecond)

	// A later joiner sees the stored history.
	c := mustDial(t, ts, issue(t, v, "bob"))
	h := join(t, c, room)
	if len(h.Messages) != 1 || h.Messages[0].PersistedID != gotA.PersistedID {
		t.Fatalf("history=%+v", h.Messages)
	}
}

func TestWSGatewayErrors(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t)
	ts, _ := startGateway(t, DefaultGatewayConfig(), WithVerifier(v))
	conn := mustDial(t, ts, issue(t, v, "alice"))

	decodeErr := func(env v1.Envelope) v1.ErrorPayload {
		t.Helper()
		var p v1.ErrorPayload
		if err := env.Decode(&p); err != nil {
			t.Fatalf("decode error: %v", err)
		}
		return p
	}

	writeEnv(t, conn, v1.TypeChatMessage, v1.ChatMessagePayload{RoomID: "alicebob", Body: "x", CorrelationID: "tmp-early"})
	if p := decodeErr(readUntilType(t, conn, v1.TypeError, 4)); p.Code != codeNotJoined || p.CorrelationID != "tmp-early" {
		t.Fatalf("unexpected error %+v", p)
	}

	writeEnv(t, conn, v1.TypeJoinPrivateChat, v1.RoomPayload{RoomID: chat.RoomID("bob", "carol")})
	if p := decodeErr(readUntilType(t, conn, v1.TypeError, 4)); p.Code != codeJoinFailed {
		t.Fatalf("foreign room: %+v", p)
	}

	writeEnv(t, conn, v1.TypeJoinPrivateChat, v1.RoomPayload{RoomID: "alice_bob"})
	if p := decodeErr(readUntilType(t, conn, v1.TypeError, 4)); p.Code != codeJoinFailed {
		t.Fatalf("non-canonical room: %+v", p)
	}

	room := chat.RoomID("alice", "bob")
	join(t, conn, room)

	writeEnv(t, conn, v1.TypeChatMessage, v1.ChatMessagePayload{RoomID: room, Body: "   ", CorrelationID: "tmp-blank"})
	if p := decodeErr(readUntilType(t, conn, v1.TypeError, 4)); p.Code != codeSendFailed || p.CorrelationID != "tmp-blank" {
		t.Fatalf("blank body: %+v", p)
	}

	writeEnv(t, conn, v1.TypeChatMessage, v1.ChatMessagePayload{RoomID: room, Body: strings.Repeat("x", maxMessageChars+1), CorrelationID: "tmp-long"})
	if p := decodeErr(readUntilType(t, conn, v1.TypeError, 4)); p.Code != codeSendFailed || p.CorrelationID != "tmp-long" {
		t.Fatalf("long body: %+v", p)
	}

	writeEnv(t, conn, v1.TypePreviousMessages, v1.PreviousMessagesPayload{RoomID: room})
	if p := decodeErr(readUntilType(t, conn, v1.TypeError, 4)); p.Code != codeUnsupported {
		t.Fatalf("unsupported: %+v", p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{nope")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if p := decodeErr(readUntilType(t, conn, v1.TypeError, 4)); p.Code != codeBadJSON {
		t.Fatalf("bad json: %+v", p)
	}

	writeEnv(t, conn, v1.TypeLeavePrivateChat, v1.RoomPayload{RoomID: room})
	writeEnv(t, conn, v1.TypeChatMessage, v1.ChatMessagePayload{RoomID: room, Body: "after leave", CorrelationID: "tmp-late"})
	if p := decodeErr(readUntilType(t, conn, v1.TypeError, 4)); p.Code != codeNotJoined {
		t.Fatalf("after leave: %+v", p)
	}
}

func TestWSGatewayAnonymousDevMode(t *testing.T) {
	t.Parallel()

	cfg := DefaultGatewayConfig()
	cfg.RequireAuth = false
	ts, _ := startGateway(t, cfg)
	conn := mustDial(t, ts, "")

	room := chat.RoomID("u1", "u2")
	join(t, conn, room)

	writeEnv(t, conn, v1.TypeChatMessage, v1.ChatMessagePayload{RoomID: room, Body: "no sender", CorrelationID: "tmp-1"})
	var perr v1.ErrorPayload
	if err := readUntilType(t, conn, v1.TypeError, 4).Decode(&perr); err != nil || perr.Code != codeSendFailed {
		t.Fatalf("missing sender: %+v err=%v", perr, err)
	}

	writeEnv(t, conn, v1.TypeChatMessage, v1.ChatMessagePayload{RoomID: room, Sender: "u1", Body: "hello"})
	var got v1.ChatMessagePayload
	if err := readUntilType(t, conn, v1.TypeChatMessage, 4).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Sender != "u1" || got.CorrelationID == "" {
		t.Fatalf("unexpected message %+v", got)
	}
}

func TestWSGatewayRateLimit(t *testing.T) {
	t.Parallel()

	cfg := DefaultGatewayConfig()
	cfg.RequireAuth = false
	cfg.RateEvents = 3
	cfg.RateWindow = time.Minute
	ts, _ := startGateway(t, cfg)
	conn := mustDial(t, ts, "")

	for i := 0; i < 4; i++ {
		writeEnv(t, conn, v1.TypeLeavePrivateChat, v1.RoomPayload{RoomID: "x"})
	}

	var p v1.ErrorPayload
	if err := readUntilType(t, conn, v1.TypeError, 4).Decode(&p); err != nil || p.Code != codeRateLimited {
		t.Fatalf("expected rate_limited, got %+v err=%v", p, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChatSessionsThroughGateway(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t)
	ts, _ := startGateway(t, DefaultGatewayConfig(), WithVerifier(v))
	log := slog.New(slog.DiscardHandler)

	open := func(local, remote string) *chat.Session {
		cfg := chat.DefaultConfig()
		cfg.ServerURL = wsURL(ts)
		cfg.Token = issue(t, v, local)
		s := chat.NewSession(chat.NewWSTransport(cfg, log), cfg, log)
		t.Cleanup(func() { _ = s.Close() })

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Open(ctx, local, remote); err != nil {
			t.Fatalf("Open(%s): %v", local, err)
		}
		if err := s.WaitJoined(ctx); err != nil {
			t.Fatalf("WaitJoined(%s): %v", local, err)
		}
		return s
	}

	alice := open("alice", "bob")
	bob := open("bob", "alice")
	if alice.RoomID() != bob.RoomID() {
		t.Fatalf("room ids differ: %q vs %q", alice.RoomID(), bob.RoomID())
	}

	sent, err := alice.Send("hello bob")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent.State != chat.StatePending {
		t.Fatalf("state=%v want pending", sent.State)
	}

	waitFor(t, "alice confirmation", func() bool {
		msgs := alice.Messages()
		return len(msgs) == 1 && msgs[0].State == chat.StateConfirmed && msgs[0].PersistedID != ""
	})
	waitFor(t, "bob delivery", func() bool {
		msgs := bob.Messages()
		return len(msgs) == 1 && msgs[0].Body == "hello bob" && msgs[0].Sender == "alice"
	})

	if got := alice.Messages()[0].CorrelationID; got != sent.CorrelationID {
		t.Fatalf("correlation id changed: %q -> %q", sent.CorrelationID, got)
	}
}

func TestWSGatewayKeepsListeningClient(t *testing.T) {
	t.Parallel()

	cfg := DefaultGatewayConfig()
	cfg.RequireAuth = false
	cfg.ReadIdleTimeout = 400 * time.Millisecond
	cfg.HeartbeatEvery = 100 * time.Millisecond
	ts, _ := startGateway(t, cfg)

	ccfg := chat.DefaultConfig()
	ccfg.ServerURL = wsURL(ts)
	ccfg.PingInterval = 100 * time.Millisecond
	log := slog.New(slog.DiscardHandler)
	s := chat.NewSession(chat.NewWSTransport(ccfg, log), ccfg, log)
	t.Cleanup(func() { _ = s.Close() })

	var (
		mu          sync.Mutex
		transitions []string
	)
	s.Observe(func(ev chat.Event) {
		if sc, ok := ev.(chat.StateChanged); ok {
			mu.Lock()
			transitions = append(transitions, sc.From.String()+"->"+sc.To.String())
			mu.Unlock()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Open(ctx, "u1", "u2"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.WaitJoined(ctx); err != nil {
		t.Fatalf("WaitJoined: %v", err)
	}

	time.Sleep(1500 * time.Millisecond)

	mu.Lock()
	got := append([]string(nil), transitions...)
	mu.Unlock()
	if len(got) != 2 || s.State() != chat.Joined {
		t.Fatalf("idle listener was dropped: transitions=%v state=%v", got, s.State())
	}
	if _, err := s.Send("still here"); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestWSGatewayDropsSilentClient(t *testing.T) {
	t.Parallel()

	cfg := DefaultGatewayConfig()
	cfg.RequireAuth = false
	cfg.ReadIdleTimeout = 300 * time.Millisecond
	cfg.HeartbeatEvery = time.Minute
	ts, _ := startGateway(t, cfg)
	conn := mustDial(t, ts, "")
	defer func() { _ = conn.CloseNow() }()

	// Nothing is sent and no pings go out, so the window lapses.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil || ctx.Err() != nil {
		t.Fatalf("expected server to drop idle connection, err=%v ctx=%v", err, ctx.Err())
	}
}
