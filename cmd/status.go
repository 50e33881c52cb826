package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mezonai/posnode/client"
	"github.com/mezonai/posnode/jsonx"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the status of the node behind --api",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		st, err := client.NewClient(client.Config{Endpoint: apiEndpoint}).Status(ctx)
		if err != nil {
			return err
		}
		out, err := jsonx.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
