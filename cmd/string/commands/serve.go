package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"stringcomm/internal/app"
	"stringcomm/internal/logging"
	"stringcomm/internal/node"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a headless node that relays gossip for the mesh",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			var paths []string
			if appCfg.Node.LogFile != "" {
				paths = append(paths, appCfg.Node.LogFile)
			}
			logger, err := logging.NewLogger(appCfg.Node.LogLevel, paths...)
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

			go func() {
				for e := range a.Node.Events() {
					if m, ok := e.(node.MessageReceived); ok {
						logger.Info("message",
							zap.String("channel", m.ChannelID),
							zap.String("author", m.Author),
							zap.String("id", m.ID))
					}
				}
			}()
			return a.Run(ctx)
		},
	}
}
