package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/mezonai/posnode/logx"
)

var apiEndpoint string

var rootCmd = &cobra.Command{
	Use:   "posnode",
	Short: "Proof-of-stake blockchain node CLI",
	Long:  "Command line interface for running a posnode validator and talking to a running node.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiEndpoint, "api", "127.0.0.1:8080", "Admin API address of the node to talk to")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logx.Error("CMD", "Command execution failed:", err)
		os.Exit(1)
	}
}
