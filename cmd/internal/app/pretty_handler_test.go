package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
	if visualLen(in) != len(want) {
		t.Fatalf("visualLen()=%d want=%d", visualLen(in), len(want))
	}
}

func TestWrapSegmentsWrapsForNarrowWidth(t *testing.T) {
	t.Parallel()

	s1 := strings.Repeat("a", 20)
	s2 := strings.Repeat("b", 20)
	s3 := strings.Repeat("c", 20)

	lines := wrapSegments([]string{s1, s2, s3}, " | ", 60, "-> ")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d (%v)", len(lines), lines)
	}
	if lines[0] != s1+" | "+s2 {
		t.Fatalf("line[0]=%q want %q", lines[0], s1+" | "+s2)
	}
	if lines[1] != "-> "+s3 {
		t.Fatalf("line[1]=%q want %q", lines[1], "-> "+s3)
	}
}

func TestWrapSegmentsTruncatesLongSegment(t *testing.T) {
	t.Parallel()

	lines := wrapSegments([]string{strings.Repeat("x", 80)}, " | ", 60, "-> ")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if visualLen(lines[0]) > 60 {
		t.Fatalf("line too wide: %q (visualLen=%d)", lines[0], visualLen(lines[0]))
	}
	if !strings.Contains(lines[0], "…") {
		t.Fatalf("expected truncation marker in %q", lines[0])
	}
}

func TestTerminalWidthPrefersExplicitOverride(t *testing.T) {
	h := &prettyHandler{}

	t.Setenv("EDULOOM_LOG_WIDTH", "88")
	t.Setenv("COLUMNS", "132")
	if got := h.terminalWidth(); got != 88 {
		t.Fatalf("terminalWidth()=%d want 88", got)
	}
}

func TestTerminalWidthUsesColumnsWhenOverrideMissing(t *testing.T) {
	h := &prettyHandler{}

	t.Setenv("EDULOOM_LOG_WIDTH", "")
	t.Setenv("COLUMNS", "72")
	if got := h.terminalWidth(); got != 72 {
		t.Fatalf("terminalWidth()=%d want 72", got)
	}
}

func TestTerminalWidthFallbackDefault(t *testing.T) {
	h := &prettyHandler{}

	t.Setenv("EDULOOM_LOG_WIDTH", "10")
	t.Setenv("COLUMNS", "20")
	if got := h.terminalWidth(); got != prettyDefaultWidth {
		t.Fatalf("terminalWidth()=%d want %d", got, prettyDefaultWidth)
	}
}

func TestPrettyHandlerGroupsAndColor(t *testing.T) {
	t.Setenv("EDULOOM_LOG_WIDTH", "200")

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, true)
	log := slog.New(h).WithGroup("ws").With("room_id", "u1u2")

	log.Info("http.request", "status", 503, slog.Group("peer", "id", "s1"))

	out := stripANSI(buf.String())
	for _, want := range []string{"lvl=[INFO]", "ws.room_id=u1u2", "ws.status=503", "ws.peer.id=s1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
	if !strings.Contains(buf.String(), ansiRed+"503"+ansiReset) {
		t.Fatalf("5xx status not colored red: %q", buf.String())
	}
}
