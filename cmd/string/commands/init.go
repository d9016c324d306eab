package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"stringcomm/internal/crypto"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate identity keys and store them securely",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			if wire.Identity.Exists() && !force {
				return fmt.Errorf("identity already exists in %s (use --force to replace it)", appCfg.Node.Home)
			}
			id, fp, err := wire.IDs.Generate(appCfg.Passphrase)
			if err != nil {
				return err
			}
			crypto.WipeIdentity(&id)
			fmt.Printf("Identity created.\nFingerprint: %s\n", fp)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity")
	return cmd
}
