package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/transfa/custody-service/internal/domain"
)

var Version = "dev"

func main() {
	var opts clientOptions

	rootCmd := &cobra.Command{
		Use:     "custodyctl",
		Short:   "Operate a running custody-service through its internal API",
		Version: Version,
	}
	rootCmd.PersistentFlags().StringVar(&opts.baseURL, "addr", envOrDefault("CUSTODY_SERVICE_URL", "http://localhost:8090"), "custody-service base URL")
	rootCmd.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("INTERNAL_API_KEY"), "internal API key")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(streamsCmd(&opts))
	rootCmd.AddCommand(reconcileCmd(&opts))
	rootCmd.AddCommand(replayCmd(&opts))
	rootCmd.AddCommand(getCmd(&opts))
	rootCmd.AddCommand(createCmd(&opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func streamsCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "streams",
		Short: "Show cursor position and lag of every observed stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := opts.client().Streams(cmd.Context())
			if err != nil {
				return err
			}
			if len(statuses) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No streams configured")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STREAM\tSTATE\tCURSOR\tLAG\tDELIVERED\tFAILURES\tLAST ERROR")
			for _, s := range statuses {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n", s.StreamID, s.State, s.Cursor, s.Lag.Round(time.Second), s.DeliveredTotal, s.ConsecutiveFailures, s.LastError)
			}
			return w.Flush()
		},
	}
}

func reconcileCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := opts.client().Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "processed=%d completed=%d failed=%d expired=%d pending=%d unchanged=%d errors=%d\n",
				result.Processed, result.Completed, result.Failed, result.Expired, result.Pending, result.Unchanged, result.Errors)
			return nil
		},
	}
}

func replayCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay [event-id]",
		Short: "Re-deliver an event on every channel it has not been delivered on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := opts.client().Replay(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d message(s) for event %s\n", count, args[0])
			return nil
		},
	}
}

func getCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get [custody-transaction-id]",
		Short: "Print a custody transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			txn, err := opts.client().GetTransaction(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd, txn)
		},
	}
}

func createCmd(opts *clientOptions) *cobra.Command {
	var req domain.CreateCustodyTransactionRequest
	var txType, direction string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a custody transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Type = domain.CustodyTransactionType(txType)
			req.Direction = domain.PaymentDirection(direction)
			txn, created, err := opts.client().CreateTransaction(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintln(cmd.ErrOrStderr(), "Transaction already exists")
			}
			return printJSON(cmd, txn)
		},
	}

	cmd.Flags().StringVar(&req.SepTxID, "sep-tx-id", "", "anchor platform transaction id")
	cmd.Flags().StringVar(&req.Protocol, "protocol", "24", "SEP protocol")
	cmd.Flags().StringVar(&txType, "type", "payment", "payment or refund")
	cmd.Flags().StringVar(&direction, "direction", "", "in or out (defaults from type)")
	cmd.Flags().StringVar(&req.Rail, "rail", "stellar", "rail the payment travels on")
	cmd.Flags().StringVar(&req.Asset, "asset", "", "asset code")
	cmd.Flags().StringVar(&req.Amount, "amount", "", "expected amount")
	cmd.Flags().StringVar(&req.AmountFee, "amount-fee", "", "fee amount")
	cmd.Flags().StringVar(&req.FromAccount, "from", "", "sending account")
	cmd.Flags().StringVar(&req.ToAccount, "to", "", "receiving account")
	cmd.Flags().StringVar(&req.Memo, "memo", "", "memo expected on the payment")
	cmd.Flags().StringVar(&req.MemoType, "memo-type", "", "memo type")
	_ = cmd.MarkFlagRequired("sep-tx-id")
	_ = cmd.MarkFlagRequired("asset")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
