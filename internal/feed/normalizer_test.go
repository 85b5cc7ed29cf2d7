package feed

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vi-trader/internal/broker"
	apperrors "vi-trader/internal/errors"
	"vi-trader/internal/models"
)

var t0 = time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)

func tick(symbol string, price int64, cumVol int64) broker.RawEvent {
	return broker.RawEvent{
		Symbol:           symbol,
		Type:             models.EventTick,
		Price:            decimal.NewFromInt(price),
		Volume:           10,
		CumulativeVolume: cumVol,
		ReceivedAt:       t0,
	}
}

// Feature: vi-trader, Property 1: Receipt sequences strictly increase
//
// Property: For any stream of valid raw events without redelivery
// identities, every normalized event gets a sequence greater than the one
// before it.
func TestProperty_ReceiptSequenceStrictlyIncreases(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("sequences strictly increase", prop.ForAll(
		func(prices []int64) bool {
			n := NewNormalizer(16, func() time.Time { return t0 })
			var last uint64
			for _, p := range prices {
				ev, err := n.Normalize(tick("005930", p, 0))
				if err != nil {
					return false
				}
				if ev.Sequence <= last {
					return false
				}
				last = ev.Sequence
			}
			return n.LastSequence() == last
		},
		gen.SliceOf(gen.Int64Range(1, 500000)),
	))

	properties.TestingRun(t)
}

func TestNormalize_CopiesFieldsAndStampsReceipt(t *testing.T) {
	n := NewNormalizer(0, func() time.Time { return t0.Add(time.Second) })

	raw := broker.RawEvent{
		Symbol:       "005930",
		Type:         models.EventViTrigger,
		Price:        decimal.NewFromInt(71000),
		Direction:    models.ViUp,
		ExchangeTime: t0,
	}
	ev, err := n.Normalize(raw)
	require.NoError(t, err)

	assert.Equal(t, "005930", ev.Symbol)
	assert.Equal(t, models.EventViTrigger, ev.Type)
	assert.True(t, ev.Price.Equal(decimal.NewFromInt(71000)))
	assert.Equal(t, models.ViUp, ev.Direction)
	assert.Equal(t, t0.Add(time.Second), ev.ReceivedAt, "unstamped events take the normalizer clock")
	assert.Equal(t, uint64(1), ev.Sequence)
}

func TestNormalize_DropsRedeliveredTradeWithoutConsumingSequence(t *testing.T) {
	n := NewNormalizer(8, nil)

	first, err := n.Normalize(tick("005930", 70000, 1500))
	require.NoError(t, err)

	_, err = n.Normalize(tick("005930", 70000, 1500))
	require.ErrorIs(t, err, apperrors.ErrStaleEvent)

	// Same cumulative volume on another symbol is a different print.
	other, err := n.Normalize(tick("000660", 120000, 1500))
	require.NoError(t, err)
	assert.Equal(t, first.Sequence+1, other.Sequence)
}

func TestNormalize_ExchangeSequenceIdentity(t *testing.T) {
	n := NewNormalizer(8, nil)
	raw := tick("005930", 70000, 0)
	raw.ExchangeSeq = "42"

	_, err := n.Normalize(raw)
	require.NoError(t, err)
	_, err = n.Normalize(raw)
	assert.ErrorIs(t, err, apperrors.ErrStaleEvent)
}

func TestNormalize_EventsWithoutIdentityAreNeverDeduplicated(t *testing.T) {
	n := NewNormalizer(8, nil)
	for i := 0; i < 3; i++ {
		_, err := n.Normalize(tick("005930", 70000, 0))
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(3), n.LastSequence())
}

func TestNormalize_IdentityRingForgetsOldest(t *testing.T) {
	n := NewNormalizer(2, nil)
	for _, cv := range []int64{100, 200, 300} {
		_, err := n.Normalize(tick("005930", 70000, cv))
		require.NoError(t, err)
	}
	// 100 fell out of the two-entry ring.
	_, err := n.Normalize(tick("005930", 70000, 100))
	assert.NoError(t, err)
	_, err = n.Normalize(tick("005930", 70000, 300))
	assert.ErrorIs(t, err, apperrors.ErrStaleEvent)
}

func TestNormalize_Malformed(t *testing.T) {
	n := NewNormalizer(8, nil)

	tests := []struct {
		name string
		raw  broker.RawEvent
	}{
		{"empty symbol", broker.RawEvent{Type: models.EventTick, Price: decimal.NewFromInt(1)}},
		{"unknown type", broker.RawEvent{Symbol: "005930", Type: "QUOTE", Price: decimal.NewFromInt(1)}},
		{"zero tick price", broker.RawEvent{Symbol: "005930", Type: models.EventTick}},
		{"negative volume", broker.RawEvent{Symbol: "005930", Type: models.EventTick, Price: decimal.NewFromInt(1), Volume: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.raw)
			assert.ErrorIs(t, err, apperrors.ErrMalformedEvent)
		})
	}
	assert.Zero(t, n.LastSequence())

	// A release may carry no price; the state machine falls back to the last trade.
	ev, err := n.Normalize(broker.RawEvent{Symbol: "005930", Type: models.EventViRelease})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Sequence)
}
