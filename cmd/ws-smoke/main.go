// Package main is a CI-friendly smoke test for the eduloom chat gateway.
//
// It drives two chat sessions against a running server and checks:
//   - both sides join the same derived room
//   - a message sent by A is confirmed in place on A and delivered to B
//   - a late joiner receives the message in its history
//
// Tokens are minted locally from -secret (the server's EDULOOM_JWT_SECRET);
// without a secret the gateway must run with EDULOOM_WS_REQUIRE_AUTH=false.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"eduloom/cmd/identity"
	"eduloom/cmd/internal/chat"
)

type smokeOptions struct {
	url     string
	secret  string
	issuer  string
	a, b    string
	text    string
	timeout time.Duration
	verbose bool
}

func main() {
	var o smokeOptions
	flag.StringVar(&o.url, "url", "ws://127.0.0.1:8080/ws", "gateway websocket URL")
	flag.StringVar(&o.secret, "secret", os.Getenv("EDULOOM_JWT_SECRET"), "JWT secret used to mint test tokens")
	flag.StringVar(&o.issuer, "issuer", "eduloom", "JWT issuer")
	flag.StringVar(&o.a, "a", "smoke-student", "participant id of side A")
	flag.StringVar(&o.b, "b", "smoke-instructor", "participant id of side B")
	flag.StringVar(&o.text, "text", "hello eduloom 👋", "message text to send")
	flag.DurationVar(&o.timeout, "timeout", 7*time.Second, "per-step timeout")
	flag.BoolVar(&o.verbose, "v", false, "verbose output")
	flag.Parse()

	if err := smoke(context.Background(), o); err != nil {
		fmt.Fprintln(os.Stderr, "FAIL:", err)
		os.Exit(1)
	}
}

func smoke(ctx context.Context, o smokeOptions) error {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if o.verbose {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	a, err := newSession(o, o.a, log.With("side", "A"))
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	b, err := newSession(o, o.b, log.With("side", "B"))
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	if err := openBoth(ctx, o, a, o.a, o.b, b, o.b, o.a); err != nil {
		return err
	}
	if a.RoomID() != b.RoomID() {
		return fmt.Errorf("room mismatch: A=%q B=%q", a.RoomID(), b.RoomID())
	}

	sent, err := a.Send(o.text)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	var confirmed chat.Message
	if err := waitFor(ctx, o.timeout, func() bool {
		m, ok := findByCorrelation(a.Messages(), sent.CorrelationID)
		confirmed = m
		return ok && m.State == chat.StateConfirmed
	}); err != nil {
		return fmt.Errorf("A: echo not confirmed: %w", err)
	}

	if err := waitFor(ctx, o.timeout, func() bool {
		_, ok := findByPersisted(b.Messages(), confirmed.PersistedID)
		return ok
	}); err != nil {
		return fmt.Errorf("B: message %s not delivered: %w", confirmed.PersistedID, err)
	}

	// A fresh session for B must see the message in its history.
	late, err := newSession(o, o.b, log.With("side", "B2"))
	if err != nil {
		return err
	}
	defer func() { _ = late.Close() }()

	waitCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	if err := openAndJoin(waitCtx, ctx, "B2", late, o.b, o.a); err != nil {
		return err
	}
	if _, ok := findByPersisted(late.Messages(), confirmed.PersistedID); !ok {
		return fmt.Errorf("B2: history is missing message %s", confirmed.PersistedID)
	}

	fmt.Printf("OK: room=%s id=%s seq=%d\n", a.RoomID(), confirmed.PersistedID, confirmed.Seq)
	return nil
}

func newSession(o smokeOptions, participant string, log *slog.Logger) (*chat.Session, error) {
	cfg := chat.DefaultConfig()
	cfg.ServerURL = o.url
	cfg.ReconnectAttempts = 1
	cfg.ReconnectDelay = 200 * time.Millisecond

	if o.secret != "" {
		v, err := identity.NewVerifier([]byte(o.secret), o.issuer)
		if err != nil {
			return nil, err
		}
		if cfg.Token, err = v.Issue(participant, "smoke", 5*time.Minute); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return chat.NewSession(chat.NewWSTransport(cfg, log), cfg, log), nil
}

// openBoth opens and joins both sessions concurrently.
func openBoth(ctx context.Context, o smokeOptions, a *chat.Session, aLocal, aRemote string, b *chat.Session, bLocal, bRemote string) error {
	waitCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(waitCtx)
	g.Go(func() error { return openAndJoin(gctx, ctx, "A", a, aLocal, aRemote) })
	g.Go(func() error { return openAndJoin(gctx, ctx, "B", b, bLocal, bRemote) })
	return g.Wait()
}

// openAndJoin starts the transport under life, which must outlive the join,
// and waits for the join until wait is done.
func openAndJoin(wait, life context.Context, name string, s *chat.Session, local, remote string) error {
	if err := s.Open(life, local, remote); err != nil {
		return fmt.Errorf("%s: open: %w", name, err)
	}
	if err := s.WaitJoined(wait); err != nil {
		return fmt.Errorf("%s: join: %w", name, err)
	}
	return nil
}

func waitFor(ctx context.Context, timeout time.Duration, cond func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.New("timed out")
		case <-tick.C:
		}
	}
}

func findByCorrelation(msgs []chat.Message, id string) (chat.Message, bool) {
	for _, m := range msgs {
		if m.CorrelationID == id {
			return m, true
		}
	}
	return chat.Message{}, false
}

func findByPersisted(msgs []chat.Message, id string) (chat.Message, bool) {
	for _, m := range msgs {
		if id != "" && m.PersistedID == id {
			return m, true
		}
	}
	return chat.Message{}, false
}
