package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stringcomm/internal/app"
	"stringcomm/internal/config"
)

var (
	home          string
	configPath    string
	passphrase    string
	lighthouseURL string
	name          string
	listen        string

	appCfg app.Config
	wire   *app.Wire
)

func Execute() error {
	root := &cobra.Command{
		Use:          "string",
		Short:        "Peer-to-peer encrypted chat",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadNode(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("home") {
				cfg.Home = home
			}
			if flags.Changed("lighthouse") {
				cfg.Lighthouse = lighthouseURL
			}
			if flags.Changed("name") {
				cfg.Name = name
			}
			if flags.Changed("listen") {
				cfg.Listen = listen
			}
			if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
				return err
			}

			pass := passphrase
			if pass == "" {
				pass, _ = cfg.Passphrase()
			}
			appCfg = app.Config{Node: cfg, Passphrase: pass}
			wire = app.NewWire(appCfg)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&home, "home", "", "data dir (default ~/.string)")
	pf.StringVar(&configPath, "config", "", "path to YAML config file")
	pf.StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the identity (default $STRING_PASSPHRASE)")
	pf.StringVar(&lighthouseURL, "lighthouse", "", "lighthouse base URL (e.g. http://127.0.0.1:8080)")
	pf.StringVar(&name, "name", "", "display name stamped on your messages")
	pf.StringVar(&listen, "listen", "", "UDP address to accept peers on (default :7070)")

	root.AddCommand(initCmd(), fingerprintCmd(), chatCmd(), serveCmd(), peersCmd(), historyCmd())
	return root.Execute()
}

func requirePassphrase() error {
	if appCfg.Passphrase == "" {
		return fmt.Errorf("passphrase required (-p or $%s)", appCfg.Node.PassphraseEnv)
	}
	return nil
}
