package sseutil

import (
	"strings"
	"testing"
)

func TestParseSSELine(t *testing.T) {
	t.Parallel()
	cases := []struct {
		line  string
		event string
		data  string
		ok    bool
	}{
		{"data: {\"x\":1}", "", "{\"x\":1}", true},
		{"data:no-space", "", "no-space", true},
		{"event: message_start", "message_start", "", true},
		{"data: [DONE]", "", "[DONE]", true},
		{": keep-alive comment", "", "", false},
		{"", "", "", false},
		{"garbage line", "", "", false},
		{"id: 7", "", "", false},
	}
	for _, tc := range cases {
		event, data, ok := ParseSSELine(tc.line)
		if event != tc.event || data != tc.data || ok != tc.ok {
			t.Errorf("ParseSSELine(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.line, event, data, ok, tc.event, tc.data, tc.ok)
		}
	}
}

func TestScannerHandlesLongLines(t *testing.T) {
	t.Parallel()
	payload := "data: " + strings.Repeat("x", 32*1024)
	s := NewScanner(strings.NewReader(payload + "\n"))
	if !s.Scan() {
		t.Fatalf("scan failed: %v", s.Err())
	}
	if got := s.Text(); got != payload {
		t.Errorf("line truncated: got %d bytes, want %d", len(got), len(payload))
	}
}
