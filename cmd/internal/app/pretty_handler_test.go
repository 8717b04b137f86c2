package app

import (
	"strings"
	"testing"
)

func TestWrapSegments(t *testing.T) {
	t.Parallel()

	a, b, c := strings.Repeat("a", 18), strings.Repeat("b", 18), strings.Repeat("c", 18)

	cases := []struct {
		name  string
		segs  []string
		width int
		want  []string
	}{
		{name: "fits", segs: []string{a, b}, width: 80, want: []string{a + " " + b}},
		{name: "breaks before overflow", segs: []string{a, b, c}, width: 40, want: []string{a + " " + b, "  " + c}},
		{name: "color codes are zero width", segs: []string{ansiRed + a + ansiReset, b}, width: 37, want: []string{ansiRed + a + ansiReset + " " + b}},
	}
	for _, tc := range cases {
		got := wrapSegments(tc.segs, " ", tc.width, "  ")
		if strings.Join(got, "\n") != strings.Join(tc.want, "\n") {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestTruncateVisual(t *testing.T) {
	t.Parallel()

	got := truncateVisual(ansiGreen+strings.Repeat("x", 50)+ansiReset, 10)
	if visualLen(got) != 10 || !strings.HasSuffix(got, "…") {
		t.Fatalf("truncateVisual=%q (visualLen=%d)", got, visualLen(got))
	}
	if got := truncateVisual("short", 10); got != "short" {
		t.Fatalf("short input changed: %q", got)
	}
	if stripANSI(ansiBlue+"[INFO]"+ansiReset+" ok") != "[INFO] ok" {
		t.Fatalf("stripANSI left escapes behind")
	}
}

func TestTerminalWidth(t *testing.T) {
	h := &prettyHandler{}

	cases := []struct {
		override, columns string
		want              int
	}{
		{override: "88", columns: "132", want: 88},
		{override: "", columns: "72", want: 72},
		{override: "10", columns: "20", want: prettyDefaultWidth},
		{override: "wide", columns: "", want: prettyDefaultWidth},
	}
	for _, tc := range cases {
		t.Setenv("HUDDLE_LOG_WIDTH", tc.override)
		t.Setenv("COLUMNS", tc.columns)
		if got := h.terminalWidth(); got != tc.want {
			t.Fatalf("override=%q columns=%q: got %d want %d", tc.override, tc.columns, got, tc.want)
		}
	}
}
