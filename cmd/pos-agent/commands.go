package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"bitbucket.org/mmdatafocus/pos_sync/offline"
)

type sellOptions struct {
	*rootOptions
	Items       []string
	PaymentMode string
	Discount    string
	Charges     string
	Submitter   string
}

func newSellCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &sellOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sell",
		Short: "Record a sale, queuing it when the backend is unreachable",
		Long: `Record a sale. When the backend answers the bill is committed directly;
otherwise it is queued with a provisional number and synced later.

Each --item is ITEM_ID:QTY:PRICE[:BASE[:NAME]].

Examples:
  pos-agent sell --item 1:2:100 --item 2:1:50
  pos-agent sell --item 7:500:1200:1000:Rice --payment card`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSell(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringArrayVar(&opts.Items, "item", nil, "line item ITEM_ID:QTY:PRICE[:BASE[:NAME]] (repeatable)")
	_ = cmd.MarkFlagRequired("item")
	cmd.Flags().StringVar(&opts.PaymentMode, "payment", "cash", "payment mode")
	cmd.Flags().StringVar(&opts.Discount, "discount", "0", "bill discount")
	cmd.Flags().StringVar(&opts.Charges, "charges", "0", "additional charges")
	cmd.Flags().StringVar(&opts.Submitter, "submitter", "", "submitting user (default $SUBMITTER_ID)")

	return cmd
}

func runSell(ctx context.Context, opts *sellOptions, out io.Writer) error {
	sale := offline.Sale{SubmitterId: opts.Submitter, PaymentMode: opts.PaymentMode}
	if sale.SubmitterId == "" {
		sale.SubmitterId = opts.settings.SubmitterId
	}
	var err error
	if sale.Discount, err = decimal.NewFromString(opts.Discount); err != nil {
		return fmt.Errorf("invalid --discount: %w", err)
	}
	if sale.AdditionalCharges, err = decimal.NewFromString(opts.Charges); err != nil {
		return fmt.Errorf("invalid --charges: %w", err)
	}
	for _, raw := range opts.Items {
		line, err := parseItem(raw)
		if err != nil {
			return err
		}
		sale.Items = append(sale.Items, line)
	}

	a, err := openAgent(opts.settings)
	if err != nil {
		return err
	}
	defer a.Close()

	a.probe(ctx)
	outcome, err := a.checkout().Sell(ctx, sale)
	if err != nil {
		return err
	}

	if opts.Format == "json" {
		return writeJSON(out, outcome)
	}
	if outcome.Queued {
		fmt.Fprintf(out, "queued %s as %s, total %s\n", outcome.LocalId, outcome.ProvisionalNumber, outcome.TotalAmount.StringFixed(2))
		return nil
	}
	fmt.Fprintf(out, "bill #%d committed, total %s\n", outcome.Confirmation.BillNumber, outcome.Confirmation.TotalAmount.StringFixed(2))
	return nil
}

// parseItem reads ITEM_ID:QTY:PRICE[:BASE[:NAME]].
func parseItem(raw string) (offline.LineItem, error) {
	parts := strings.SplitN(raw, ":", 5)
	if len(parts) < 3 {
		return offline.LineItem{}, fmt.Errorf("invalid --item %q: want ITEM_ID:QTY:PRICE[:BASE[:NAME]]", raw)
	}
	id, err := strconv.Atoi(parts[0])
	if err != nil {
		return offline.LineItem{}, fmt.Errorf("invalid item id in %q: %w", raw, err)
	}
	line := offline.LineItem{ItemId: id, BaseValue: decimal.NewFromInt(1)}
	if line.Quantity, err = decimal.NewFromString(parts[1]); err != nil {
		return offline.LineItem{}, fmt.Errorf("invalid quantity in %q: %w", raw, err)
	}
	if line.UnitPrice, err = decimal.NewFromString(parts[2]); err != nil {
		return offline.LineItem{}, fmt.Errorf("invalid price in %q: %w", raw, err)
	}
	if len(parts) > 3 && parts[3] != "" {
		if line.BaseValue, err = decimal.NewFromString(parts[3]); err != nil {
			return offline.LineItem{}, fmt.Errorf("invalid base value in %q: %w", raw, err)
		}
	}
	if len(parts) > 4 {
		line.Name = parts[4]
	}
	return line, nil
}

func newPendingCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List transactions waiting to sync, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listTransactions(cmd.Context(), opts, cmd.OutOrStdout(), (*offline.Queue).ListPending)
		},
	}
}

func newDeadLettersCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dead-letters",
		Short: "List transactions that reached the retry ceiling",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listTransactions(cmd.Context(), opts, cmd.OutOrStdout(), (*offline.Queue).DeadLetters)
		},
	}
}

func listTransactions(ctx context.Context, opts *rootOptions, out io.Writer, list func(*offline.Queue, context.Context) ([]offline.PendingTransaction, error)) error {
	a, err := openAgent(opts.settings)
	if err != nil {
		return err
	}
	defer a.Close()

	txs, err := list(a.queue, ctx)
	if err != nil {
		return err
	}
	if opts.Format == "json" {
		if txs == nil {
			txs = []offline.PendingTransaction{}
		}
		return writeJSON(out, txs)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LOCAL ID\tNUMBER\tTOTAL\tRETRIES\tCREATED\tLAST ERROR")
	for _, tx := range txs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			tx.LocalId, tx.ProvisionalNumber, tx.TotalAmount.StringFixed(2),
			tx.RetryCount, a.queue.MaxRetries(), tx.CreatedAt.Format("2006-01-02 15:04:05"), tx.LastError)
	}
	return w.Flush()
}

type requeueOptions struct {
	*rootOptions
	Operator string
}

func newRequeueCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &requeueOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "requeue LOCAL_ID",
		Short: "Reset a dead-lettered transaction so the next drain retries it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAgent(opts.settings)
			if err != nil {
				return err
			}
			defer a.Close()

			tx, err := a.queue.Requeue(cmd.Context(), args[0], opts.Operator)
			if errors.Is(err, offline.ErrNotDeadLettered) {
				return fmt.Errorf("%s is not dead-lettered", args[0])
			}
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), tx)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s (%s)\n", tx.LocalId, tx.ProvisionalNumber)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Operator, "operator", "", "who approved the requeue, for the audit log")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func newDrainCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Submit queued transactions now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAgent(opts.settings)
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.probe(cmd.Context()) {
				return fmt.Errorf("backend %s is unreachable; nothing submitted", opts.settings.BackendURL)
			}
			result, err := a.processor.Drain(cmd.Context())
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d, failed %d\n", result.Synced, result.Failed)
			if result.Deferred > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%d waiting behind a failed sale; run drain again\n", result.Deferred)
			}
			return nil
		},
	}
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAgent(opts.settings)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.queue.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), stats)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pending %d, dead-lettered %d, synced %d, legacy entries %d\n",
				stats.Pending, stats.DeadLettered, stats.Synced, stats.Entries)
			return nil
		},
	}
}
