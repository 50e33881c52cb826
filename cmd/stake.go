package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/mezonai/posnode/api"
	"github.com/mezonai/posnode/client"
)

var stakeCmd = &cobra.Command{
	Use:   "stake",
	Short: "Change the stake of the node behind --api",
}

var stakeAddCmd = &cobra.Command{
	Use:   "add <amount>",
	Short: "Deposit stake",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return changeStake(cmd, args[0], (*client.NodeClient).Stake)
	},
}

var stakeRemoveCmd = &cobra.Command{
	Use:   "remove <amount>",
	Short: "Withdraw stake",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return changeStake(cmd, args[0], (*client.NodeClient).Unstake)
	},
}

type stakeCall func(c *client.NodeClient, ctx context.Context, amount *uint256.Int) (*api.StakeResponse, error)

func changeStake(cmd *cobra.Command, raw string, call stakeCall) error {
	amount, err := parseAmount(raw)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := call(client.NewClient(client.Config{Endpoint: apiEndpoint}), ctx, amount)
	if err != nil {
		return err
	}
	staked := "0"
	if resp.Amount != nil {
		staked = resp.Amount.Dec()
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s staked=%s validator=%v\n", resp.Address, staked, resp.IsValidator)
	return nil
}

func init() {
	rootCmd.AddCommand(stakeCmd)
	stakeCmd.AddCommand(stakeAddCmd, stakeRemoveCmd)
}
