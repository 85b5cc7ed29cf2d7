package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"vi-trader/internal/journal"
)

func newJournalCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Review the trading journal",
		Long:  "Shows the P&L summary and closed positions archived in the journal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, app, func(ctx context.Context, j *journal.Journal, f journal.Filter) error {
				return showSummary(ctx, cmd, j, f)
			})
		},
	}
	cmd.PersistentFlags().Int("limit", 20, "maximum rows to show")
	cmd.PersistentFlags().String("symbol", "", "only this symbol")
	cmd.PersistentFlags().String("since", "", "only entries on or after this date (YYYY-MM-DD)")

	cmd.AddCommand(&cobra.Command{
		Use:   "decisions",
		Short: "Show evaluated entry windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, app, func(ctx context.Context, j *journal.Journal, f journal.Filter) error {
				return showDecisions(ctx, cmd, j, f)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "orders",
		Short: "Show archived orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, app, func(ctx context.Context, j *journal.Journal, f journal.Filter) error {
				return showOrders(ctx, cmd, j, f)
			})
		},
	})
	return cmd
}

func journalFilter(cmd *cobra.Command) (journal.Filter, error) {
	limit, _ := cmd.Flags().GetInt("limit")
	symbol, _ := cmd.Flags().GetString("symbol")
	since, _ := cmd.Flags().GetString("since")

	f := journal.Filter{Symbol: symbol, Limit: limit}
	if since != "" {
		t, err := time.ParseInLocation("2006-01-02", since, time.Local)
		if err != nil {
			return f, fmt.Errorf("invalid --since %q: %w", since, err)
		}
		f.Since = t
	}
	return f, nil
}

func withJournal(cmd *cobra.Command, app *App, fn func(context.Context, *journal.Journal, journal.Filter) error) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	filter, err := journalFilter(cmd)
	if err != nil {
		return err
	}
	j, err := journal.Open(cfg.Journal.Path, app.Logger)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer j.Close()
	return fn(cmd.Context(), j, filter)
}

func showSummary(ctx context.Context, cmd *cobra.Command, j *journal.Journal, f journal.Filter) error {
	summary, err := j.Summarize(ctx, journal.Filter{Symbol: f.Symbol, Since: f.Since})
	if err != nil {
		return err
	}
	closed, err := j.ClosedPositions(ctx, f)
	if err != nil {
		return err
	}

	output := NewOutput(cmd)
	if output.IsJSON() {
		return output.JSON(map[string]interface{}{
			"trades":       summary.Trades,
			"wins":         summary.Wins,
			"losses":       summary.Losses,
			"win_rate":     summary.WinRate(),
			"realized_pnl": summary.RealizedPnL,
			"best":         summary.Best,
			"worst":        summary.Worst,
			"positions":    closed,
		})
	}

	output.Bold("Journal summary")
	output.Printf("  Trades:    %d (%d wins, %d losses)\n", summary.Trades, summary.Wins, summary.Losses)
	output.Printf("  Win rate:  %.1f%%\n", summary.WinRate())
	output.Printf("  P&L:       %s\n", output.PnL(summary.RealizedPnL))
	output.Printf("  Best:      %s\n", output.PnL(summary.Best))
	output.Printf("  Worst:     %s\n", output.PnL(summary.Worst))
	output.Println()

	if len(closed) == 0 {
		output.Dim("No closed positions")
		return nil
	}
	table := NewTable(output, "CLOSED", "SYMBOL", "QTY", "ENTRY", "EXIT", "P&L", "HELD")
	for _, p := range closed {
		table.AddRow(
			FormatTime(p.ClosedAt, nil),
			p.Symbol,
			FormatQuantity(p.Quantity),
			FormatWon(p.AverageEntryPrice),
			FormatWon(p.AverageExitPrice),
			output.PnL(p.RealizedPnL),
			p.ClosedAt.Sub(p.OpenedAt).Round(time.Second).String(),
		)
	}
	table.Render()
	return nil
}

func showDecisions(ctx context.Context, cmd *cobra.Command, j *journal.Journal, f journal.Filter) error {
	decisions, err := j.Decisions(ctx, f)
	if err != nil {
		return err
	}
	output := NewOutput(cmd)
	if output.IsJSON() {
		return output.JSON(decisions)
	}
	if len(decisions) == 0 {
		output.Dim("No decisions recorded")
		return nil
	}
	table := NewTable(output, "TIME", "SYMBOL", "VERDICT", "RELEASE", "LAST", "TICKS", "NOTE")
	for _, d := range decisions {
		table.AddRow(
			FormatTime(d.At, nil),
			d.Symbol,
			d.Verdict,
			FormatWon(d.ReleasePrice),
			FormatWon(d.LastPrice),
			fmt.Sprintf("%d", d.Ticks),
			d.Note,
		)
	}
	table.Render()
	return nil
}

func showOrders(ctx context.Context, cmd *cobra.Command, j *journal.Journal, f journal.Filter) error {
	orders, err := j.Orders(ctx, f)
	if err != nil {
		return err
	}
	output := NewOutput(cmd)
	if output.IsJSON() {
		return output.JSON(orders)
	}
	if len(orders) == 0 {
		output.Dim("No orders archived")
		return nil
	}
	table := NewTable(output, "UPDATED", "SYMBOL", "SIDE", "REASON", "FILLED", "AVG", "STATUS")
	for _, o := range orders {
		table.AddRow(
			FormatTime(o.UpdatedAt, nil),
			o.Symbol,
			string(o.Side),
			string(o.Reason),
			fmt.Sprintf("%s/%s", FormatQuantity(o.FilledQty), FormatQuantity(o.RequestedQty)),
			FormatWon(o.AvgFillPrice),
			string(o.Status),
		)
	}
	table.Render()
	return nil
}
