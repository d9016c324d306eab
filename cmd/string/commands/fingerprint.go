package commands

import (
	"fmt"
	"os"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
)

func fingerprintCmd() *cobra.Command {
	var qr bool
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print identity fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			fp, err := wire.IDs.Fingerprint(appCfg.Passphrase)
			if err != nil {
				return err
			}
			fmt.Printf("Fingerprint: %s\n", fp)
			if qr {
				printQR(fp)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&qr, "qr", false, "also render the fingerprint as a QR code")
	return cmd
}

func printQR(s string) {
	qrterminal.GenerateWithConfig(s, qrterminal.Config{
		Level:     qrterminal.M,
		Writer:    os.Stdout,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})
	fmt.Println()
}
