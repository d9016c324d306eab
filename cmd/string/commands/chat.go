package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"stringcomm/internal/app"
	"stringcomm/internal/logging"
	"stringcomm/internal/node"
)

const chatHelp = `commands:
  /join <channel>   switch channel (created on first use)
  /connect <info>   connect to a peer by its info string
  /info             show your info string
  /peers            list peers
  /channels         list channels
  /history          show the current channel
  /quit             leave`

func chatCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join the mesh and chat interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			logFile := appCfg.Node.LogFile
			if logFile == "" {
				logFile = filepath.Join(appCfg.Node.Home, "string.log")
			}
			logger, err := logging.NewLogger(appCfg.Node.LogLevel, logFile)
			if err != nil {
				return err
			}
			defer logger.Sync() // best-effort flush

			a, err := app.Open(appCfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := &chat{app: a, out: newPrinter(cmd.OutOrStdout()), channel: channel}
			return c.run(ctx, cmd.InOrStdin(), logger)
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "general", "channel to start in")
	return cmd
}

type chat struct {
	app     *app.App
	out     *printer
	channel string
}

func (c *chat) run(ctx context.Context, in io.Reader, log *zap.Logger) error {
	n := c.app.Node
	if _, err := n.CreateChannel(c.channel); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.app.Run(runCtx) }()

	c.out.noticef("fingerprint %s, listening on %s", n.Fingerprint(), c.app.Addr())
	if c.app.Wire.Lighthouse != nil {
		if _, err := n.Register(ctx); err != nil {
			c.out.warnf("lighthouse unavailable: %v", err)
		} else {
			c.showInfo(false)
		}
	}
	c.out.noticef("in #%s, /help for commands", c.channel)

	go func() {
		for e := range n.Events() {
			c.out.event(e)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-runCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.leave(log)
			return nil
		case err := <-done:
			return err
		case line, ok := <-lines:
			if !ok || !c.handle(ctx, line) {
				c.leave(log)
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether the chat continues.
func (c *chat) handle(ctx context.Context, line string) bool {
	n := c.app.Node
	cmd, arg := parseCommand(line)
	switch cmd {
	case "":
		if arg == "" {
			return true
		}
		if _, err := n.Send(ctx, c.channel, arg); err != nil && !errors.Is(err, node.ErrNotConnected) {
			c.out.warnf("send: %v", err)
		}
	case "join":
		ch, err := n.CreateChannel(arg)
		if err != nil {
			c.out.warnf("join: %v", err)
			return true
		}
		c.channel = ch.ID
		c.out.noticef("in #%s", c.channel)
	case "connect":
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := n.Connect(cctx, arg); err != nil {
			c.out.warnf("connect: %v", err)
			return true
		}
		c.out.noticef("connecting, messages flow once the session is up")
	case "info":
		c.showInfo(true)
	case "peers":
		c.out.peers(n.Peers(), n.Linked())
	case "channels":
		chans, err := n.ListChannels()
		if err != nil {
			c.out.warnf("channels: %v", err)
			return true
		}
		for _, ch := range chans {
			c.out.noticef("#%s", ch.ID)
		}
	case "history":
		msgs, err := n.ListMessages(c.channel)
		if err != nil {
			c.out.warnf("history: %v", err)
			return true
		}
		for _, m := range msgs {
			c.out.stored(m)
		}
	case "quit", "exit":
		return false
	case "help":
		fmt.Fprintln(c.out.w, chatHelp)
	default:
		c.out.warnf("unknown command /%s", cmd)
	}
	return true
}

func (c *chat) showInfo(qr bool) {
	info, err := c.app.Node.Info()
	if err != nil {
		c.out.warnf("info: %v", err)
		return
	}
	s, err := node.EncodeInfo(info)
	if err != nil {
		c.out.warnf("info: %v", err)
		return
	}
	c.out.noticef("share this so others can connect:")
	fmt.Fprintln(c.out.w, s)
	if qr {
		printQR(s)
	}
}

// leave withdraws from the lighthouse so peers stop dialling a dead
// endpoint.
func (c *chat) leave(log *zap.Logger) {
	if c.app.Wire.Lighthouse == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.app.Node.Leave(ctx); err != nil {
		log.Warn("leaving lighthouse failed", zap.Error(err))
	}
}
