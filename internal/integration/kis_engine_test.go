// Package integration runs the engine end to end against a fake KIS
// endpoint speaking the REST and realtime websocket protocols.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"vi-trader/internal/broker/kis"
	"vi-trader/internal/config"
	"vi-trader/internal/engine"
	"vi-trader/internal/journal"
	"vi-trader/internal/models"
)

const sym = "005930"

type fakeOrder struct {
	side  string
	qty   int64
	price int64
}

// fakeKIS fills every order in full at the price configured for its side.
type fakeKIS struct {
	t *testing.T

	mu     sync.Mutex
	orders map[string]fakeOrder
	seq    int
	prices map[string]int64
}

func newFakeKIS(t *testing.T) *fakeKIS {
	return &fakeKIS{
		t:      t,
		orders: make(map[string]fakeOrder),
		prices: map[string]int64{"02": 10200, "01": 10300},
	}
}

func (f *fakeKIS) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/tokenP", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":86400}`))
	})
	mux.HandleFunc("/oauth2/Approval", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"approval_key":"approval"}`))
	})
	mux.HandleFunc("/uapi/domestic-stock/v1/trading/inquire-balance", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rt_cd":"0","output1":[]}`))
	})
	mux.HandleFunc("/uapi/domestic-stock/v1/trading/order-cash", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))

		side := "02"
		if r.Header.Get("tr_id") == "VTTC0801U" {
			side = "01"
		}
		var qty int64
		fmt.Sscan(body["ORD_QTY"], &qty)

		f.mu.Lock()
		f.seq++
		odno := fmt.Sprintf("%010d", f.seq)
		f.orders[odno] = fakeOrder{side: side, qty: qty, price: f.prices[side]}
		f.mu.Unlock()

		fmt.Fprintf(w, `{"rt_cd":"0","msg1":"ok","output":{"KRX_FWDG_ORD_ORGNO":"91252","ODNO":"%s"}}`, odno)
	})
	mux.HandleFunc("/uapi/domestic-stock/v1/trading/inquire-daily-ccld", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		rows := make([]string, 0, len(f.orders))
		for odno, o := range f.orders {
			rows = append(rows, fmt.Sprintf(
				`{"odno":"%s","pdno":"%s","sll_buy_dvsn_cd":"%s","ord_qty":"%d","tot_ccld_qty":"%d","avg_prvs":"%d","cncl_yn":"N","rmn_qty":"0","rjct_qty":"0"}`,
				odno, sym, o.side, o.qty, o.qty, o.price))
		}
		fmt.Fprintf(w, `{"rt_cd":"0","output1":[%s]}`, strings.Join(rows, ","))
	})
	mux.HandleFunc("/ws", f.realtime)
	return mux
}

// realtime plays a VI trigger and, once the trade feed is subscribed, a
// release followed by a rising tape.
func (f *fakeKIS) realtime(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if !assert.NoError(f.t, err) {
		return
	}
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return
	}
	assert.Equal(f.t, "H0STCNT0", gjson.GetBytes(msg, "body.input.tr_id").String())

	conn.WriteMessage(websocket.TextMessage, []byte("0|H0STCNT0|001|"+sym+"^090000^10000^1"))

	_, msg, err = conn.ReadMessage()
	if err != nil {
		return
	}
	assert.Equal(f.t, "H0STASP0", gjson.GetBytes(msg, "body.input.tr_id").String())

	for i, px := range []string{"10000", "10100", "10200"} {
		rec := trade(fmt.Sprintf("0902%02d", i+1), px, 100, int64(1000+100*i))
		conn.WriteMessage(websocket.TextMessage, []byte("0|H0STASP0|001|"+rec))
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func trade(hhmmss, price string, vol, cum int64) string {
	f := make([]string, 14)
	f[0] = sym
	f[1] = hhmmss
	f[2] = price
	f[10] = price
	f[11] = price
	f[12] = fmt.Sprint(vol)
	f[13] = fmt.Sprint(cum)
	return strings.Join(f, "^")
}

func TestEngineAgainstFakeKIS(t *testing.T) {
	fake := newFakeKIS(t)
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cfg := config.Default()
	cfg.Broker.RESTURL = srv.URL
	cfg.Broker.WebsocketURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	cfg.Broker.FillPollInterval = 20 * time.Millisecond
	cfg.Credentials.AppKey = "key"
	cfg.Credentials.AppSecret = "secret"
	cfg.Credentials.AccountNumber = "12345678"
	cfg.Symbols.Enabled = []string{sym}
	cfg.Strategy.MinPostReleaseTicks = 3
	cfg.Strategy.MinMomentumPct = 1.0
	cfg.Strategy.MaxChasePct = 0
	cfg.Strategy.OrderQuantity = 0
	cfg.Strategy.OrderNotional = 1_000_000

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), zerolog.Nop())
	require.NoError(t, err)
	defer j.Close()

	var mu sync.Mutex
	var intents []models.OrderIntent
	gw := kis.NewGateway(kis.FromConfig(cfg), srv.Client(), zerolog.Nop())
	eng := engine.NewFromConfig(cfg, engine.Options{
		Gateway: gw,
		Journal: j,
		OnIntent: func(in models.OrderIntent) {
			mu.Lock()
			intents = append(intents, in)
			mu.Unlock()
		},
		Logger: zerolog.Nop(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	require.Eventually(t, func() bool {
		pos := eng.Positions()
		return len(pos) == 1 && pos[0].Quantity == 98 && pos[0].Status == models.PositionOpen
	}, 10*time.Second, 20*time.Millisecond, "entry filled through the execution poll")

	pos := eng.Positions()[0]
	assert.True(t, decimal.NewFromInt(10200).Equal(pos.AverageEntryPrice))

	_, orderID, err := eng.ClosePosition(ctx, sym)
	require.NoError(t, err)
	assert.NotEmpty(t, orderID)

	require.Eventually(t, func() bool { return len(eng.Positions()) == 0 }, 10*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		closed, err := j.ClosedPositions(context.Background(), journal.Filter{Symbol: sym})
		return err == nil && len(closed) == 1
	}, 5*time.Second, 20*time.Millisecond)
	closed, err := j.ClosedPositions(context.Background(), journal.Filter{Symbol: sym})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(9800).Equal(closed[0].RealizedPnL), closed[0].RealizedPnL.String())

	mu.Lock()
	require.Len(t, intents, 2)
	assert.Equal(t, models.ReasonStrategyEntry, intents[0].Reason)
	assert.Equal(t, models.ReasonManualClose, intents[1].Reason)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}
