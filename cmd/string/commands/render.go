package commands

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"stringcomm/internal/directory"
	"stringcomm/internal/domain"
	"stringcomm/internal/node"
)

// printer renders chat output. Colours are dropped when the writer is not
// a terminal.
type printer struct {
	w      io.Writer
	stamp  *color.Color
	self   *color.Color
	author *color.Color
	notice *color.Color
	warn   *color.Color
}

func newPrinter(w io.Writer) *printer {
	return &printer{
		w:      w,
		stamp:  color.New(color.FgHiBlack),
		self:   color.New(color.FgGreen, color.Bold),
		author: color.New(color.FgCyan, color.Bold),
		notice: color.New(color.FgYellow),
		warn:   color.New(color.FgRed),
	}
}

func (p *printer) line(at time.Time, channel, author string, own bool, content string) {
	who := p.author
	if own {
		who = p.self
	}
	fmt.Fprintf(p.w, "%s #%s %s: %s\n",
		p.stamp.Sprint(at.Local().Format("15:04:05")),
		channel,
		who.Sprint(author),
		content)
}

func (p *printer) stored(m domain.StoredMessage) {
	p.line(m.Timestamp, m.ChannelID, m.Author, m.Outgoing, m.Content)
}

func (p *printer) event(e node.Event) {
	switch e := e.(type) {
	case node.MessageReceived:
		p.line(e.Sent, e.ChannelID, e.Author, false, e.Content)
	case node.NotConnected:
		p.warnf("not delivered to #%s: no peers connected (kept locally)", e.ChannelID)
	}
}

func (p *printer) noticef(format string, args ...any) {
	fmt.Fprintln(p.w, p.notice.Sprintf(format, args...))
}

func (p *printer) warnf(format string, args ...any) {
	fmt.Fprintln(p.w, p.warn.Sprintf(format, args...))
}

func (p *printer) peers(peers []directory.Peer, linked []string) {
	if len(peers) == 0 {
		p.noticef("no peers yet")
		return
	}
	direct := make(map[string]bool, len(linked))
	for _, fp := range linked {
		direct[fp] = true
	}
	for _, peer := range peers {
		state := "known"
		switch {
		case peer.Connected:
			state = "connected"
		case direct[peer.Fingerprint]:
			state = "linking"
		}
		fmt.Fprintf(p.w, "%-10s %s %s\n", state, peer.Fingerprint, peer.Endpoint)
	}
}

// parseCommand splits a chat input line. Lines not starting with a slash
// are messages and yield an empty cmd.
func parseCommand(line string) (cmd, arg string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", line
	}
	cmd, arg, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}
