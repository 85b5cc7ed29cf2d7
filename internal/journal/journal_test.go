package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vi-trader/internal/models"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

var base = time.Date(2024, 3, 4, 1, 0, 0, 0, time.UTC)

func closed(symbol string, pnl int64, minute int) models.ClosedPosition {
	return models.ClosedPosition{
		Symbol:            symbol,
		Quantity:          100,
		AverageEntryPrice: decimal.NewFromInt(1000),
		AverageExitPrice:  decimal.NewFromInt(1000 + pnl/100),
		RealizedPnL:       decimal.NewFromInt(pnl),
		OpenedAt:          base,
		ClosedAt:          base.Add(time.Duration(minute) * time.Minute),
	}
}

func TestArchivePositionIsAsyncAndQueryable(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()

	j.ArchivePosition(closed("005930", 3000, 1))
	j.ArchivePosition(closed("000660", -6000, 2))
	j.ArchivePosition(closed("005930", 1000, 3))
	j.Flush()

	all, err := j.ClosedPositions(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "005930", all[0].Symbol)
	assert.True(t, all[0].RealizedPnL.Equal(decimal.NewFromInt(1000)))
	assert.True(t, all[1].RealizedPnL.Equal(decimal.NewFromInt(-6000)))

	samsung, err := j.ClosedPositions(ctx, Filter{Symbol: "005930", Limit: 1})
	require.NoError(t, err)
	require.Len(t, samsung, 1)
	assert.True(t, samsung[0].ClosedAt.Equal(base.Add(3*time.Minute)))

	sum, err := j.Summarize(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Trades)
	assert.Equal(t, 2, sum.Wins)
	assert.Equal(t, 1, sum.Losses)
	assert.True(t, sum.RealizedPnL.Equal(decimal.NewFromInt(-2000)))
	assert.True(t, sum.Best.Equal(decimal.NewFromInt(3000)))
	assert.True(t, sum.Worst.Equal(decimal.NewFromInt(-6000)))
	assert.InDelta(t, 66.67, sum.WinRate(), 0.01)
}

func TestSaveOrderUpserts(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()

	rec := models.OrderRecord{
		OrderID:      "ORD-1",
		IntentID:     "intent-1",
		Symbol:       "005930",
		Side:         models.SideBuy,
		Reason:       models.ReasonStrategyEntry,
		Price:        models.LimitPrice(decimal.NewFromInt(1020)),
		RequestedQty: 100,
		Status:       models.OrderCancelled,
		Attempts:     1,
		SubmittedAt:  base,
		UpdatedAt:    base,
	}
	require.NoError(t, j.SaveOrder(ctx, rec))

	rec.Status = models.OrderFilled
	rec.FilledQty = 100
	rec.AvgFillPrice = decimal.RequireFromString("1015.5")
	require.NoError(t, j.SaveOrder(ctx, rec))

	orders, err := j.Orders(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, models.OrderFilled, orders[0].Status)
	assert.Equal(t, models.PriceLimit, orders[0].Price.Kind)
	assert.True(t, orders[0].Price.Limit.Equal(decimal.NewFromInt(1020)))
	assert.True(t, orders[0].AvgFillPrice.Equal(decimal.RequireFromString("1015.5")))
}

func TestDecisions(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()

	j.RecordDecision(Decision{Symbol: "005930", Verdict: "weak_momentum", Ticks: 3, At: base})
	j.RecordDecision(Decision{Symbol: "005930", Verdict: "entry", IntentID: "i-1", ReleasePrice: decimal.NewFromInt(1000), LastPrice: decimal.NewFromInt(1020), Ticks: 4, At: base.Add(time.Second)})
	j.Flush()

	ds, err := j.Decisions(ctx, Filter{Since: base.Add(500 * time.Millisecond)})
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "entry", ds[0].Verdict)
	assert.Equal(t, "i-1", ds[0].IntentID)
	assert.True(t, ds[0].LastPrice.Equal(decimal.NewFromInt(1020)))
}

func TestCloseIsIdempotentAndStopsArchiving(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, j.Close())
	require.NoError(t, j.Close())
	assert.NotPanics(t, func() {
		j.ArchivePosition(closed("005930", 1, 1))
		j.Flush()
	})
}
