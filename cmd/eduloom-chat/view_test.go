package main

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"eduloom/cmd/internal/chat"
)

func TestRenderMessages(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.Local)
	msgs := []chat.Message{
		{Sender: "u2", Body: "hi [there]", SentAt: at, State: chat.StateConfirmed},
		{Sender: "u1", Body: "hello", SentAt: at, State: chat.StatePending},
		{Sender: "u1", Body: "lost", SentAt: at, State: chat.StateFailed},
	}

	out := renderMessages(msgs, "u1")
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%d out=%q", len(lines), out)
	}
	if !strings.Contains(lines[0], "u2") || !strings.Contains(lines[0], "hi [there[]") {
		t.Fatalf("peer line not escaped: %q", lines[0])
	}
	if !strings.Contains(lines[1], "me") || !strings.Contains(lines[1], "(sending)") {
		t.Fatalf("pending line: %q", lines[1])
	}
	if !strings.Contains(lines[2], "(failed)") {
		t.Fatalf("failed line: %q", lines[2])
	}
}

func TestStatusText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		state       chat.SessionState
		unreachable bool
		want        string
	}{
		{chat.Joined, false, "connected"},
		{chat.Connecting, false, "connecting…"},
		{chat.Disconnected, false, "disconnected"},
		{chat.Disconnected, true, "cannot connect to chat server"},
	}
	for _, tc := range cases {
		if got := statusText(tc.state, tc.unreachable); got != tc.want {
			t.Fatalf("statusText(%v,%v)=%q want %q", tc.state, tc.unreachable, got, tc.want)
		}
	}
}

func TestSendErrorText(t *testing.T) {
	t.Parallel()

	if got := sendErrorText(fmt.Errorf("wrap: %w", chat.ErrNotJoined)); got != "not connected yet" {
		t.Fatalf("got %q", got)
	}
	if got := sendErrorText(chat.ErrBodyTooLong); got != "message too long" {
		t.Fatalf("got %q", got)
	}
}
