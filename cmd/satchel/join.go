package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"satchel/engine/library"
)

func joinCmd() *cobra.Command {
	var manualSecret string
	cmd := &cobra.Command{
		Use:   "join <invite-code>",
		Short: "Join a federation by invite code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			id, err := svc.registry.Join(context.Background(), args[0], manualSecret)
			if err != nil {
				return err
			}
			fmt.Printf("joined federation %s (prefix %s)\n", id, library.PrefixOf(id))
			return nil
		},
	}
	cmd.Flags().StringVar(&manualSecret, "secret", "", "use this 64 byte hex secret instead of deriving one")
	return cmd
}
