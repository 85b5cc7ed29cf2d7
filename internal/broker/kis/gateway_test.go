package kis

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vi-trader/internal/broker"
	apperrors "vi-trader/internal/errors"
	"vi-trader/internal/models"
)

func gatewayWithOrder(qty int64) *Gateway {
	g := NewGateway(Config{}, nil, zerolog.Nop())
	g.working["A1"] = &workingOrder{
		placed:        PlacedOrder{OrderNo: "A1", BranchNo: "01"},
		clientOrderID: "intent-1",
		symbol:        "005930",
		side:          models.SideBuy,
		quantity:      qty,
		notional:      decimal.Zero,
	}
	return g
}

func TestReconcileExecutions_PartialThenFull(t *testing.T) {
	g := gatewayWithOrder(10)

	reps := g.reconcileExecutions([]Execution{{OrderNo: "A1", FilledQty: 4, AvgPrice: decimal.NewFromInt(1000), Remaining: 6}})
	require.Len(t, reps, 1)
	require.NotNil(t, reps[0].Fill)
	assert.Equal(t, int64(4), reps[0].Fill.Quantity)
	assert.True(t, decimal.NewFromInt(1000).Equal(reps[0].Fill.Price))
	assert.Equal(t, "intent-1", reps[0].Fill.ClientOrderID)

	assert.Empty(t, g.reconcileExecutions([]Execution{{OrderNo: "A1", FilledQty: 4, AvgPrice: decimal.NewFromInt(1000), Remaining: 6}}),
		"unchanged rows report nothing")

	reps = g.reconcileExecutions([]Execution{{OrderNo: "A1", FilledQty: 10, AvgPrice: decimal.NewFromInt(1006)}})
	require.Len(t, reps, 1)
	assert.Equal(t, int64(6), reps[0].Fill.Quantity)
	assert.True(t, decimal.NewFromInt(1010).Equal(reps[0].Fill.Price), reps[0].Fill.Price.String())
	assert.Empty(t, g.working)
}

func TestReconcileExecutions_CancelAfterPartial(t *testing.T) {
	g := gatewayWithOrder(10)

	reps := g.reconcileExecutions([]Execution{
		{OrderNo: "ZZ", FilledQty: 5, AvgPrice: decimal.NewFromInt(1)},
		{OrderNo: "A1", FilledQty: 3, AvgPrice: decimal.NewFromInt(500), Cancelled: true},
	})
	require.Len(t, reps, 2)
	require.NotNil(t, reps[0].Fill)
	require.NotNil(t, reps[1].Ack)
	assert.Equal(t, broker.AckCancelled, reps[1].Ack.Status)
	assert.Equal(t, "intent-1", reps[1].Ack.ClientOrderID)
	assert.Empty(t, g.working)
}

func TestReconcileExecutions_Rejected(t *testing.T) {
	g := gatewayWithOrder(10)
	reps := g.reconcileExecutions([]Execution{{OrderNo: "A1", Rejected: 10}})
	require.Len(t, reps, 1)
	assert.Equal(t, broker.AckRejected, reps[0].Ack.Status)
}

func TestCancelOrder_Unknown(t *testing.T) {
	g := NewGateway(Config{}, nil, zerolog.Nop())
	_, err := g.CancelOrder(context.Background(), "nope")
	assert.ErrorIs(t, err, apperrors.ErrUnknownOrder)
}

func TestStreamMarketEvents_RequiresApproval(t *testing.T) {
	g := NewGateway(Config{}, nil, zerolog.Nop())
	_, err := g.StreamMarketEvents(context.Background(), []string{"005930"})
	assert.ErrorIs(t, err, apperrors.ErrAuth)
}

func TestReconcileExecutions_SellToFlatUntracks(t *testing.T) {
	g := gatewayWithOrder(10)
	g.working["A1"].side = models.SideSell
	g.held["005930"] = 10
	g.stream.Track("005930")
	g.stream.Track("000660")
	g.held["000660"] = 5

	g.reconcileExecutions([]Execution{{OrderNo: "A1", FilledQty: 4, AvgPrice: decimal.NewFromInt(1000), Remaining: 6}})
	assert.True(t, g.stream.trades["005930"], "partial exit keeps the feed")

	g.reconcileExecutions([]Execution{{OrderNo: "A1", FilledQty: 10, AvgPrice: decimal.NewFromInt(1000)}})
	assert.False(t, g.stream.trades["005930"])
	assert.True(t, g.stream.trades["000660"])
	assert.NotContains(t, g.held, "005930")
}
