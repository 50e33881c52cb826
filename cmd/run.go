package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mezonai/posnode/config"
	"github.com/mezonai/posnode/logx"
	"github.com/mezonai/posnode/monitoring"
	"github.com/mezonai/posnode/node"
	"github.com/mezonai/posnode/wallet"
)

var (
	configPath  string
	genesisPath string
	keyPath     string
	nodeID      string
	listenHost  string
	listenPort  int
	apiListen   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the blockchain node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNode(cmd)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to node.ini (defaults are used when empty)")
	runCmd.Flags().StringVar(&genesisPath, "genesis", "", "Path to genesis.yml, overrides [node] genesis_file")
	runCmd.Flags().StringVar(&keyPath, "key", "", "Path to the node key file, overrides [node] key_file")
	runCmd.Flags().StringVarP(&nodeID, "node", "n", "", "Node id, overrides [node] id")
	runCmd.Flags().StringVar(&listenHost, "host", "", "P2P listen host")
	runCmd.Flags().IntVarP(&listenPort, "port", "p", 0, "P2P listen port")
	runCmd.Flags().StringVar(&apiListen, "api-listen", "", "Admin API listen address, empty disables the API")
}

func loadRunConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("genesis") {
		cfg.Node.GenesisFile = genesisPath
	}
	if flags.Changed("key") {
		cfg.Node.KeyFile = keyPath
	}
	if flags.Changed("node") {
		cfg.Node.ID = nodeID
	}
	if flags.Changed("host") {
		cfg.Node.Host = listenHost
	}
	if flags.Changed("port") {
		cfg.Node.Port = listenPort
	}
	if flags.Changed("api-listen") {
		cfg.API.Listen = apiListen
	}
	return cfg, cfg.Validate()
}

func runNode(cmd *cobra.Command) error {
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return err
	}
	logx.Configure(logx.Options{
		Dir:        cfg.Log.Dir,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Stdout:     cfg.Log.Stdout,
		Debug:      cfg.Log.Debug,
	})
	monitoring.InitMetrics()

	w, created, err := wallet.LoadOrGenerate(cfg.Node.KeyFile)
	if err != nil {
		return fmt.Errorf("load key %s: %w", cfg.Node.KeyFile, err)
	}
	if created {
		logx.Info("CMD", fmt.Sprintf("Generated new key %s for address %s", cfg.Node.KeyFile, w.Address()))
	}

	var genesis *config.GenesisConfig
	if cfg.Node.GenesisFile != "" {
		if _, statErr := os.Stat(cfg.Node.GenesisFile); statErr == nil {
			genesis, err = config.LoadGenesisConfig(cfg.Node.GenesisFile)
			if err != nil {
				return err
			}
		} else {
			logx.Warn("CMD", "Genesis file ", cfg.Node.GenesisFile, " not found, starting without genesis validators")
		}
	}

	n, err := node.New(cfg, w, genesis)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := n.Start(ctx); err != nil {
		n.Stop()
		return err
	}
	<-ctx.Done()
	logx.Info("CMD", "Shutting down node ", n.ID())
	n.Stop()
	return nil
}
