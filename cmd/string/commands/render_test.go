package commands

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"stringcomm/internal/directory"
	"stringcomm/internal/domain"
	"stringcomm/internal/node"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in, cmd, arg string
	}{
		{"hello there", "", "hello there"},
		{"  /JOIN  random ", "join", "random"},
		{"/quit", "quit", ""},
		{"/connect eyJmIjoiYWIifQ==", "connect", "eyJmIjoiYWIifQ=="},
	}
	for _, c := range cases {
		cmd, arg := parseCommand(c.in)
		if cmd != c.cmd || arg != c.arg {
			t.Fatalf("parseCommand(%q) = %q, %q; want %q, %q", c.in, cmd, arg, c.cmd, c.arg)
		}
	}
}

func TestPrinterRendersMessages(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	p := newPrinter(&buf)

	at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.Local)
	p.stored(domain.StoredMessage{ChannelID: "general", Author: "alice", Content: "hi", Timestamp: at})
	p.event(node.MessageReceived{ChannelID: "general", Author: "bob", Content: "hey", Sent: at})
	p.event(node.NotConnected{ChannelID: "general"})
	p.event(node.Tick{At: at})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", buf.String())
	}
	if lines[0] != "12:30:00 #general alice: hi" {
		t.Fatalf("unexpected line %q", lines[0])
	}
	if lines[1] != "12:30:00 #general bob: hey" {
		t.Fatalf("unexpected line %q", lines[1])
	}
	if !strings.Contains(lines[2], "no peers connected") {
		t.Fatalf("expected not-connected warning, got %q", lines[2])
	}
}

func TestPrinterPeerStates(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	p := newPrinter(&buf)

	p.peers([]directory.Peer{
		{Fingerprint: "aa", Endpoint: "10.0.0.1:7070", Connected: true},
		{Fingerprint: "bb"},
		{Fingerprint: "cc"},
	}, []string{"bb"})

	out := buf.String()
	for _, want := range []string{"connected  aa 10.0.0.1:7070", "linking    bb", "known      cc"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
}
