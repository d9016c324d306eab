package commands

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List peers whose keys are known",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := wire.Keys.LoadKeys()
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Println("no known peers")
				return nil
			}
			fps := make([]string, 0, len(keys))
			for fp := range keys {
				fps = append(fps, fp)
			}
			slices.Sort(fps)
			for _, fp := range fps {
				fmt.Println(fp)
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <channel>",
		Short: "Print a channel's stored messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := wire.Messages.ListMessages(args[0])
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			for _, m := range msgs {
				p.stored(m)
			}
			return nil
		},
	}
}
