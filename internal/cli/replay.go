package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"vi-trader/internal/broker"
	"vi-trader/internal/config"
	"vi-trader/internal/engine"
	"vi-trader/internal/models"
	"vi-trader/internal/recorder"
)

type replayIntent struct {
	ID       string          `json:"id"`
	Time     time.Time       `json:"time"`
	Symbol   string          `json:"symbol"`
	Side     models.Side     `json:"side"`
	Quantity int64           `json:"quantity"`
	Limit    decimal.Decimal `json:"limit,omitempty"`
	Reason   string          `json:"reason"`
}

type replayResult struct {
	Events    int               `json:"events"`
	Intents   []replayIntent    `json:"intents"`
	Positions []models.Position `json:"open_positions"`
	Cash      decimal.Decimal   `json:"cash"`
}

func newReplayCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <file.jsonl>",
		Short: "Replay a recorded feed through the engine",
		Long: `Replays a feed recording through the engine with the paper broker and
prints every order intent it produced. Time follows the recorded receipt
timestamps so runs are deterministic.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			res, err := replay(cmd.Context(), cfg, args[0], app.Logger)
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(res)
			}
			printReplay(output, res)
			return nil
		},
	}
}

// replay drives an engine in synchronous mode from a recording.
func replay(ctx context.Context, cfg *config.Config, path string, logger zerolog.Logger) (replayResult, error) {
	var clock time.Time
	now := func() time.Time { return clock }

	paper := broker.NewPaperGateway(broker.PaperGatewayConfig{
		InitialCash: cfg.Broker.PaperInitialCash,
		Now:         now,
	})

	res := replayResult{Intents: []replayIntent{}}
	eng := engine.NewFromConfig(cfg, engine.Options{
		Gateway: paper,
		OnIntent: func(intent models.OrderIntent) {
			res.Intents = append(res.Intents, replayIntent{
				ID:       intent.ID,
				Time:     intent.CreatedAt,
				Symbol:   intent.Symbol,
				Side:     intent.Side,
				Quantity: intent.Quantity,
				Limit:    intent.Price.Limit,
				Reason:   string(intent.Reason),
			})
		},
		Logger:      logger,
		Now:         now,
		Synchronous: true,
	})

	n, err := recorder.ReplayFile(ctx, path, func(raw broker.RawEvent) error {
		if raw.ReceivedAt.After(clock) {
			clock = raw.ReceivedAt
		}
		if raw.Type == models.EventTick {
			paper.UpdatePrice(raw.Symbol, raw.Price)
		}
		eng.Ingest(raw)
		eng.Step(clock)
		return nil
	})
	res.Events = n
	if err != nil {
		return res, fmt.Errorf("replaying %s: %w", path, err)
	}

	res.Positions = eng.Positions()
	res.Cash = paper.Cash()
	return res, nil
}

func printReplay(output *Output, res replayResult) {
	output.Bold("Replayed %d events, %d intents", res.Events, len(res.Intents))
	output.Println()

	if len(res.Intents) > 0 {
		table := NewTable(output, "TIME", "SYMBOL", "SIDE", "QTY", "LIMIT", "REASON")
		for _, in := range res.Intents {
			limit := "MKT"
			if !in.Limit.IsZero() {
				limit = FormatWon(in.Limit)
			}
			table.AddRow(
				FormatTime(in.Time, nil),
				in.Symbol,
				string(in.Side),
				FormatQuantity(in.Quantity),
				limit,
				in.Reason,
			)
		}
		table.Render()
		output.Println()
	}

	if len(res.Positions) > 0 {
		output.Warning("%d position(s) still open at end of recording", len(res.Positions))
		for _, p := range res.Positions {
			output.Printf("  %s  %s @ %s\n", p.Symbol, FormatQuantity(p.Quantity), FormatWon(p.AverageEntryPrice))
		}
	}
	output.Printf("Paper cash: %s\n", FormatWon(res.Cash))
}
