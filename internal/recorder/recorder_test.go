package recorder

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vi-trader/internal/broker"
	"vi-trader/internal/models"
)

func TestRecordAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec", "feed.jsonl")
	r, err := New(Config{Path: path, MaxSize: 1}, zerolog.Nop())
	require.NoError(t, err)

	at := time.Date(2024, 3, 4, 1, 0, 0, 0, time.UTC)
	events := []broker.RawEvent{
		{Symbol: "005930", Type: models.EventViTrigger, Price: decimal.NewFromInt(1000), Direction: models.ViUp, ReceivedAt: at},
		{Symbol: "005930", Type: models.EventViRelease, Price: decimal.NewFromInt(1000), ReceivedAt: at.Add(2 * time.Minute)},
		{Symbol: "005930", Type: models.EventTick, Price: decimal.RequireFromString("1010.5"), Volume: 10, CumulativeVolume: 110, ReceivedAt: at.Add(2*time.Minute + time.Second)},
	}
	for _, ev := range events {
		r.Record(ev)
	}
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	written, dropped := r.Stats()
	assert.Equal(t, int64(3), written)
	assert.Equal(t, int64(0), dropped)

	var got []broker.RawEvent
	n, err := ReplayFile(context.Background(), path, func(ev broker.RawEvent) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, got, 3)
	assert.Equal(t, models.EventViTrigger, got[0].Type)
	assert.Equal(t, models.ViUp, got[0].Direction)
	assert.True(t, got[2].Price.Equal(decimal.RequireFromString("1010.5")))
	assert.Equal(t, int64(110), got[2].CumulativeVolume)
	assert.True(t, got[1].ReceivedAt.Equal(at.Add(2*time.Minute)))
}

func TestRecordAfterCloseIsIgnored(t *testing.T) {
	r, err := New(Config{Path: filepath.Join(t.TempDir(), "feed.jsonl")}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, r.Close())

	assert.NotPanics(t, func() { r.Record(broker.RawEvent{Symbol: "005930"}) })
}

func TestReplay_SkipsBlankLinesAndReportsBadLine(t *testing.T) {
	in := strings.NewReader(`{"symbol":"005930","type":"TICK","price":"1000"}

not json
`)
	n, err := Replay(context.Background(), in, func(broker.RawEvent) error { return nil })
	assert.Equal(t, 1, n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}

func TestReplay_HandlerErrorStops(t *testing.T) {
	in := strings.NewReader(`{"symbol":"A","type":"TICK","price":"1"}
{"symbol":"B","type":"TICK","price":"1"}
`)
	boom := errors.New("boom")
	n, err := Replay(context.Background(), in, func(broker.RawEvent) error { return boom })
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, boom)
}

func TestReplay_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Replay(ctx, strings.NewReader(`{"symbol":"A","type":"TICK","price":"1"}`), func(broker.RawEvent) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
