package position

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "vi-trader/internal/errors"
	"vi-trader/internal/models"
)

const sym = "005930"

var t0 = time.Date(2024, 3, 4, 1, 0, 0, 0, time.UTC)

type archive struct {
	closed []models.ClosedPosition
}

func (a *archive) ArchivePosition(pos models.ClosedPosition) {
	a.closed = append(a.closed, pos)
}

func newTracker(max int) (*Tracker, *archive) {
	a := &archive{}
	return NewTracker(Config{MaxConcurrent: max, StopLoss: decimal.RequireFromString("0.05")}, a, zerolog.Nop()), a
}

func fill(side models.Side, qty int64, price int64, at time.Time) models.Fill {
	return models.Fill{OrderID: "o", Symbol: sym, Side: side, Quantity: qty, Price: decimal.NewFromInt(price), FilledAt: at}
}

func TestApplyFill_RoundTrip(t *testing.T) {
	tr, a := newTracker(3)

	pos, err := tr.ApplyFill(fill(models.SideBuy, 4, 1000, t0))
	require.NoError(t, err)
	assert.Equal(t, models.PositionOpen, pos.Status)
	assert.Equal(t, t0, pos.OpenedAt)

	pos, err = tr.ApplyFill(fill(models.SideBuy, 6, 1050, t0.Add(time.Second)))
	require.NoError(t, err)
	assert.Equal(t, int64(10), pos.Quantity)
	assert.True(t, decimal.NewFromInt(1030).Equal(pos.AverageEntryPrice), pos.AverageEntryPrice.String())
	assert.True(t, decimal.NewFromInt(10300).Equal(pos.UnrealizedPnLBasis))
	assert.Equal(t, 1, tr.OpenCount())

	_, err = tr.ApplyFill(fill(models.SideSell, 4, 1100, t0.Add(time.Minute)))
	require.NoError(t, err)
	pos, err = tr.ApplyFill(fill(models.SideSell, 6, 1000, t0.Add(2*time.Minute)))
	require.NoError(t, err)

	assert.Equal(t, models.PositionNone, pos.Status)
	assert.Equal(t, 0, tr.OpenCount())
	require.Len(t, a.closed, 1)
	closed := a.closed[0]
	assert.Equal(t, int64(10), closed.Quantity)
	assert.True(t, decimal.NewFromInt(1040).Equal(closed.AverageExitPrice))
	// (1100-1030)*4 + (1000-1030)*6 = 280 - 180
	assert.True(t, decimal.NewFromInt(100).Equal(closed.RealizedPnL), closed.RealizedPnL.String())
	assert.Equal(t, t0, closed.OpenedAt)
}

func TestApplyFill_Inconsistent(t *testing.T) {
	tr, _ := newTracker(3)
	_, err := tr.ApplyFill(fill(models.SideBuy, 5, 1000, t0))
	require.NoError(t, err)

	_, err = tr.ApplyFill(fill(models.SideSell, 6, 1000, t0))
	assert.ErrorIs(t, err, apperrors.ErrInconsistentFill)
	assert.Equal(t, int64(5), tr.Snapshot(sym).Quantity)

	_, err = tr.ApplyFill(fill(models.SideBuy, 0, 1000, t0))
	assert.ErrorIs(t, err, apperrors.ErrInconsistentFill)
}

func TestReserve(t *testing.T) {
	tr, _ := newTracker(2)
	require.NoError(t, tr.Reserve("A"))
	assert.ErrorIs(t, tr.Reserve("A"), apperrors.ErrPositionExists)
	require.NoError(t, tr.Reserve("B"))
	assert.ErrorIs(t, tr.Reserve("C"), apperrors.ErrRiskLimitExceeded)

	tr.ReleaseReservation("B")
	assert.NoError(t, tr.Reserve("C"))
}

func TestOnPrice_StopLossFiresOnce(t *testing.T) {
	tr, _ := newTracker(3)
	_, err := tr.ApplyFill(fill(models.SideBuy, 10, 1000, t0))
	require.NoError(t, err)

	assert.Nil(t, tr.OnPrice(sym, decimal.NewFromInt(960), t0.Add(time.Second)))

	intent := tr.OnPrice(sym, decimal.NewFromInt(950), t0.Add(2*time.Second))
	require.NotNil(t, intent)
	assert.Equal(t, models.ReasonRiskStop, intent.Reason)
	assert.Equal(t, int64(10), intent.Quantity)
	assert.Equal(t, models.PositionClosing, tr.Snapshot(sym).Status)

	assert.Nil(t, tr.OnPrice(sym, decimal.NewFromInt(900), t0.Add(3*time.Second)))

	tr.RevertClosing(sym)
	assert.NotNil(t, tr.OnPrice(sym, decimal.NewFromInt(900), t0.Add(4*time.Second)), "re-armed after a failed exit")
}

func TestMarkClosingAndFlatten(t *testing.T) {
	tr, _ := newTracker(3)
	_, err := tr.MarkClosing(sym)
	assert.ErrorIs(t, err, apperrors.ErrPositionNotFound)

	tr.Reconcile([]models.Holding{
		{Symbol: "A", Quantity: 3, AveragePrice: decimal.NewFromInt(500)},
		{Symbol: "B", Quantity: 0, AveragePrice: decimal.NewFromInt(500)},
		{Symbol: "C", Quantity: 1, AveragePrice: decimal.NewFromInt(700)},
	}, t0)
	assert.Equal(t, 2, tr.OpenCount())

	pos, err := tr.MarkClosing("A")
	require.NoError(t, err)
	assert.Equal(t, models.PositionClosing, pos.Status)

	intents := tr.FlattenAll(t0)
	require.Len(t, intents, 1)
	assert.Equal(t, "C", intents[0].Symbol)
	assert.Equal(t, "session_flatten", intents[0].Note)
	assert.Empty(t, tr.FlattenAll(t0))
	assert.True(t, tr.HasExposure())

	tr.Reconcile(nil, t0)
	assert.False(t, tr.HasExposure())
	assert.Equal(t, 0, tr.OpenCount())
}

// Quantity is never negative, and a symbol holds a slot exactly while its
// position is non-flat.
func TestProperty_QuantityAndStatus(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("fills keep position and status consistent", prop.ForAll(
		func(sizes []int64) bool {
			tr, a := newTracker(10)
			var held int64
			for i, q := range sizes {
				side := models.SideBuy
				if q < 0 {
					side = models.SideSell
					q = -q
				}
				_, err := tr.ApplyFill(fill(side, q, int64(1000+i), t0.Add(time.Duration(i)*time.Second)))
				switch {
				case side == models.SideSell && q > held:
					if err == nil {
						return false
					}
				case err != nil:
					return false
				case side == models.SideBuy:
					held += q
				default:
					held -= q
				}

				pos := tr.Snapshot(sym)
				if pos.Quantity != held || pos.Quantity < 0 {
					return false
				}
				if (pos.Status == models.PositionNone) != (held == 0) {
					return false
				}
				if (tr.OpenCount() == 1) != (held > 0) {
					return false
				}
			}
			for _, c := range a.closed {
				if c.Quantity <= 0 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(-20, 20).SuchThat(func(v int64) bool { return v != 0 })),
	))

	properties.TestingRun(t)
}
