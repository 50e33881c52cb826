package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/mezonai/posnode/client"
	"github.com/mezonai/posnode/transaction"
	"github.com/mezonai/posnode/wallet"
)

var (
	txKey       string
	txRecipient string
	txAmount    string
	txFee       string
)

var txCmd = &cobra.Command{
	Use:   "tx",
	Short: "Transaction commands",
}

var txSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Sign a transfer with a local key and submit it to a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := wallet.LoadKeyFile(txKey)
		if err != nil {
			return err
		}
		if !wallet.IsValidAddress(txRecipient) {
			return fmt.Errorf("recipient %q is not a valid address", txRecipient)
		}
		amount, err := parseAmount(txAmount)
		if err != nil {
			return err
		}
		fee, err := parseAmount(txFee)
		if err != nil {
			return err
		}
		tx := transaction.New(w.Address(), txRecipient, amount, fee)
		tx.Sign(w)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resp, err := client.NewClient(client.Config{Endpoint: apiEndpoint}).SubmitTransaction(ctx, tx)
		if err != nil {
			return err
		}
		if !resp.Added {
			fmt.Fprintf(cmd.OutOrStdout(), "%s already known\n", resp.ID)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.ID)
		return nil
	},
}

func parseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", s, err)
	}
	return v, nil
}

func init() {
	rootCmd.AddCommand(txCmd)
	txCmd.AddCommand(txSendCmd)
	txSendCmd.Flags().StringVar(&txKey, "key", "node.key", "Key file of the sender")
	txSendCmd.Flags().StringVar(&txRecipient, "to", "", "Recipient address")
	txSendCmd.Flags().StringVar(&txAmount, "amount", "0", "Amount to transfer")
	txSendCmd.Flags().StringVar(&txFee, "fee", "0", "Fee paid to the proposer")
	_ = txSendCmd.MarkFlagRequired("to")
	_ = txSendCmd.MarkFlagRequired("amount")
}
