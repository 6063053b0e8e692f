package realtime

import (
	"io"
	"log/slog"
	"testing"
	"time"

	v1 "eduloom/shared/contracts/chat/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHubRoomLifecycle(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	a := NewClient("s1", "alice", 4)
	b := NewClient("s2", "bob", 4)

	room, collision := h.Join("alicebob", a)
	if collision {
		t.Fatalf("unexpected collision")
	}
	again, _ := h.Join("alicebob", b)
	if again != room {
		t.Fatalf("second join created a new room")
	}
	if room.Len() != 2 || h.Len() != 1 {
		t.Fatalf("members=%d rooms=%d", room.Len(), h.Len())
	}

	h.Leave(room, "s1")
	if h.Len() != 1 {
		t.Fatalf("room dropped while a member remains")
	}
	h.Leave(room, "s2")
	if h.Len() != 0 {
		t.Fatalf("empty room kept")
	}

	fresh, _ := h.Join("alicebob", a)
	if fresh == room {
		t.Fatalf("expected a new room after the old one emptied")
	}
}

func TestRoomCollisionDetection(t *testing.T) {
	t.Parallel()

	r := NewRoom(testLogger(), "abc")
	if r.Join(NewClient("s1", "a", 1)) {
		t.Fatalf("first participant flagged")
	}
	if r.Join(NewClient("s2", "bc", 1)) {
		t.Fatalf("second participant flagged")
	}
	if r.Join(NewClient("s3", "a", 1)) {
		t.Fatalf("second session of a known participant flagged")
	}
	if !r.Join(NewClient("s4", "ab", 1)) {
		t.Fatalf("third distinct participant not flagged")
	}
}

func TestRoomBroadcastDropsOnFullQueue(t *testing.T) {
	t.Parallel()

	r := NewRoom(testLogger(), "alicebob")
	fast := NewClient("s1", "alice", wsMinSendQueueSize)
	slow := NewClient("s2", "bob", 1)
	gone := NewClient("s3", "bob", 4)
	gone.Close()

	r.Join(fast)
	r.Join(slow)
	r.Join(gone)

	env := v1.Envelope{V: v1.Version, Type: v1.TypeChatMessage, ID: "e1", TS: time.Now()}

	delivered, dropped := r.Broadcast(env)
	if delivered != 2 || dropped != 1 {
		t.Fatalf("first broadcast delivered=%d dropped=%d", delivered, dropped)
	}
	delivered, dropped = r.Broadcast(env)
	if delivered != 1 || dropped != 2 {
		t.Fatalf("second broadcast delivered=%d dropped=%d", delivered, dropped)
	}

	r.Leave("s2")
	if r.Len() != 2 {
		t.Fatalf("len=%d", r.Len())
	}
	select {
	case <-slow.Done():
		t.Fatalf("Leave must not close the client")
	default:
	}
}

func TestRateLimiterWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(t0.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d rejected", i)
		}
	}
	if rl.Allow(t0.Add(500 * time.Millisecond)) {
		t.Fatalf("fourth event in window allowed")
	}
	if !rl.Allow(t0.Add(1001 * time.Millisecond)) {
		t.Fatalf("event after the oldest expired rejected")
	}
	if rl.Allow(t0.Add(1050 * time.Millisecond)) {
		t.Fatalf("window should be full again")
	}
}

func TestGatewayConfigNormalized(t *testing.T) {
	t.Parallel()

	got := GatewayConfig{SendQueueSize: 1, HistoryLimit: 10_000}.normalized()
	if got.SendQueueSize != wsMinSendQueueSize {
		t.Fatalf("SendQueueSize=%d", got.SendQueueSize)
	}
	if got.HistoryLimit != maxHistoryLimit {
		t.Fatalf("HistoryLimit=%d", got.HistoryLimit)
	}
	if got.WriteTimeout <= 0 || got.HeartbeatEvery <= 0 || got.RateEvents <= 0 {
		t.Fatalf("zero values not defaulted: %+v", got)
	}
}

func TestLoadGatewayConfigFromEnv(t *testing.T) {
	t.Setenv("EDULOOM_WS_REQUIRE_AUTH", "false")
	t.Setenv("EDULOOM_WS_ALLOWED_ORIGINS", " https://app.example , ,http://localhost:3000")
	t.Setenv("EDULOOM_WS_RATE_EVENTS", "7")
	t.Setenv("EDULOOM_WS_HISTORY_LIMIT", "bogus")

	cfg := LoadGatewayConfigFromEnv()
	if cfg.RequireAuth {
		t.Fatalf("RequireAuth should be false")
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://app.example" {
		t.Fatalf("AllowedOrigins=%v", cfg.AllowedOrigins)
	}
	if cfg.RateEvents != 7 {
		t.Fatalf("RateEvents=%d", cfg.RateEvents)
	}
	if cfg.HistoryLimit != defaultHistoryLimit {
		t.Fatalf("HistoryLimit=%d", cfg.HistoryLimit)
	}
}

func TestOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{"https://B.example:8443", "http://a.example", "https://b.example"})
	if len(got) != 2 || got[0] != "a.example" || got[1] != "b.example" {
		t.Fatalf("patterns=%v", got)
	}
	if got := deriveOriginPatternsFromAllowedOrigins([]string{"http://x", "*"}); len(got) != 1 || got[0] != "*" {
		t.Fatalf("wildcard patterns=%v", got)
	}
}

func TestCollisionKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		room    string
		joiner  string
		members []string
		want    string
	}{
		{name: "stripped ids meet", room: "abc", joiner: "a", members: []string{"a", "ab", "c"}, want: "id_collision"},
		{name: "suffix side", room: "abc", joiner: "c", members: []string{"a", "bc", "c"}, want: "id_collision"},
		{name: "outsider", room: "u1u2", joiner: "mallory", members: []string{"mallory", "u1", "u2"}, want: "foreign_participant"},
		{name: "no pair yet", room: "abc", joiner: "a", members: []string{"a", "x", "y"}, want: "foreign_participant"},
	}
	for _, tc := range cases {
		if got := collisionKind(tc.room, tc.joiner, tc.members); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}

	r := NewRoom(testLogger(), "abc")
	r.Join(NewClient("s1", "c", 1))
	r.Join(NewClient("s2", "ab", 1))
	r.Join(NewClient("s3", "c", 1))
	if got := r.Participants(); len(got) != 2 || got[0] != "ab" || got[1] != "c" {
		t.Fatalf("participants=%v", got)
	}
}
