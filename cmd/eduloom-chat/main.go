// Command eduloom-chat is a terminal view over one private conversation.
//
//	eduloom-chat -token "$EDULOOM_CHAT_TOKEN" -peer instructor-7
//
// The local participant id is read from the bearer token; -me overrides it
// for gateways running without authentication.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"eduloom/cmd/identity"
	"eduloom/cmd/internal/chat"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "eduloom-chat:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := chat.LoadConfigFromEnv()
	if err != nil {
		return err
	}

	var (
		url     = flag.String("url", cfg.ServerURL, "gateway websocket URL")
		token   = flag.String("token", cfg.Token, "bearer token (default $EDULOOM_CHAT_TOKEN)")
		me      = flag.String("me", "", "local participant id (default: read from -token)")
		peer    = flag.String("peer", "", "participant id to chat with")
		logPath = flag.String("log", "", "write debug logs to this file")
	)
	flag.Parse()

	cfg.ServerURL = strings.TrimSpace(*url)
	cfg.Token = strings.TrimSpace(*token)
	if err := cfg.Validate(); err != nil {
		return err
	}

	local := strings.TrimSpace(*me)
	if local == "" {
		if cfg.Token == "" {
			return errors.New("either -token or -me is required")
		}
		if local, err = identity.ParticipantFromToken(cfg.Token); err != nil {
			return fmt.Errorf("read participant from token: %w", err)
		}
	}
	remote := strings.TrimSpace(*peer)
	if remote == "" {
		return errors.New("-peer is required")
	}

	log, closeLog, err := newLogger(*logPath)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := chat.NewSession(chat.NewWSTransport(cfg, log), cfg, log)
	defer func() { _ = sess.Close() }()

	v := newView(sess, local, remote)
	if err := sess.Open(ctx, local, remote); err != nil {
		return err
	}
	return v.run()
}

// newLogger keeps logs off the terminal the view is drawing on.
func newLogger(path string) (*slog.Logger, func(), error) {
	if path == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	log := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return log, func() { _ = f.Close() }, nil
}
