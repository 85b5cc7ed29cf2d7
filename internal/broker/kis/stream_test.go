package kis

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"vi-trader/internal/broker"
	"vi-trader/internal/models"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func next(t *testing.T, ch <-chan broker.RawEvent) broker.RawEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "stream closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
	return broker.RawEvent{}
}

func TestStream_TriggerReleaseAndTick(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "H0STCNT0", gjson.GetBytes(msg, "body.input.tr_id").String())
		assert.Equal(t, "005930", gjson.GetBytes(msg, "body.input.tr_key").String())
		assert.Equal(t, "approval", gjson.GetBytes(msg, "header.approval_key").String())

		ping := `{"header":{"tr_id":"PINGPONG"}}`
		conn.WriteMessage(websocket.TextMessage, []byte(ping))
		_, echo, err := conn.ReadMessage()
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, ping, string(echo))

		conn.WriteMessage(websocket.TextMessage, []byte("0|H0STCNT0|001|005930^090000^70000^1"))
		_, msg, err = conn.ReadMessage()
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "H0STASP0", gjson.GetBytes(msg, "body.input.tr_id").String())

		conn.WriteMessage(websocket.TextMessage, []byte("0|H0STASP0|001|"+tradeRecord("005930", "090201", "70500", "150", "12000")))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewStream(Config{WebsocketURL: wsURL(srv)}, func() string { return "approval" }, zerolog.Nop())
	s.now = func() time.Time { return received }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, []string{"005930"}) }()

	trig := next(t, s.Events())
	assert.Equal(t, models.EventViTrigger, trig.Type)
	assert.Equal(t, models.ViUp, trig.Direction)

	rel := next(t, s.Events())
	assert.Equal(t, models.EventViRelease, rel.Type)
	assert.True(t, decimal.NewFromInt(70500).Equal(rel.Price))

	tk := next(t, s.Events())
	assert.Equal(t, models.EventTick, tk.Type)
	assert.Equal(t, int64(150), tk.Volume)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
	_, open := <-s.Events()
	assert.False(t, open)
}

func TestStream_GivesUpAfterReconnects(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	s := NewStream(Config{WebsocketURL: url, ReconnectAttempts: 1, ReconnectDelay: time.Millisecond},
		func() string { return "approval" }, zerolog.Nop())

	err := s.Run(context.Background(), []string{"005930"})
	assert.Error(t, err)
	_, open := <-s.Events()
	assert.False(t, open)
}

func TestStream_InitialSubscriptions(t *testing.T) {
	s := NewStream(Config{MaxSubscriptions: 2, ViKey: "0001"}, func() string { return "" }, zerolog.Nop())
	s.Track("005930")
	s.Track("000660")

	subs := s.initial([]string{"ignored"})
	require.Len(t, subs, 3)
	assert.Equal(t, subscription{TRID: "H0STCNT0", TRKey: "0001"}, subs[0])
	assert.Equal(t, subscription{TRID: "H0STASP0", TRKey: "000660"}, subs[1])
}

// fakeFeed serves one websocket session: frames pushed by the test are
// written to the client and every client message is forwarded to sent.
func fakeFeed(t *testing.T) (*httptest.Server, chan<- string, <-chan []byte) {
	push := make(chan string, 8)
	sent := make(chan []byte, 16)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				sent <- msg
			}
		}()
		for {
			select {
			case frame := <-push:
				if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}))
	return srv, push, sent
}

func expectRequest(t *testing.T, sent <-chan []byte, trType, trID, trKey string) {
	t.Helper()
	select {
	case msg := <-sent:
		assert.Equal(t, trType, gjson.GetBytes(msg, "header.tr_type").String(), string(msg))
		assert.Equal(t, trID, gjson.GetBytes(msg, "body.input.tr_id").String(), string(msg))
		assert.Equal(t, trKey, gjson.GetBytes(msg, "body.input.tr_key").String(), string(msg))
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s request for %s", trType, trKey)
	}
}

func TestStream_ReleasesTradeSlotAfterCycle(t *testing.T) {
	srv, push, sent := fakeFeed(t)
	defer srv.Close()

	var clock atomic.Int64
	clock.Store(received.UnixNano())
	s := NewStream(Config{
		WebsocketURL:     wsURL(srv),
		ViKey:            "0001",
		MaxSubscriptions: 2,
		ReleaseAfter:     time.Minute,
		TradeLinger:      5 * time.Second,
	}, func() string { return "approval" }, zerolog.Nop())
	s.now = func() time.Time { return time.Unix(0, clock.Load()).In(seoul) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, nil)

	expectRequest(t, sent, "1", "H0STCNT0", "0001")

	push <- "0|H0STCNT0|001|005930^090000^70000^1"
	assert.Equal(t, models.EventViTrigger, next(t, s.Events()).Type)
	expectRequest(t, sent, "1", "H0STASP0", "005930")

	push <- "0|H0STASP0|001|" + tradeRecord("005930", "090101", "70500", "150", "12000")
	assert.Equal(t, models.EventViRelease, next(t, s.Events()).Type)
	assert.Equal(t, models.EventTick, next(t, s.Events()).Type)

	clock.Add(int64(10 * time.Second))
	ping := `{"header":{"tr_id":"PINGPONG"}}`
	push <- ping
	expectRequest(t, sent, "2", "H0STASP0", "005930")
	select {
	case echo := <-sent:
		assert.Equal(t, ping, string(echo))
	case <-time.After(2 * time.Second):
		t.Fatal("no ping echo")
	}

	push <- "0|H0STCNT0|001|000660^090200^120000^1"
	trig := next(t, s.Events())
	assert.Equal(t, "000660", trig.Symbol)
	expectRequest(t, sent, "1", "H0STASP0", "000660")
	assert.Equal(t, 2, s.subscriptionCount())
}

func TestStream_HeldSymbolKeepsTradeFeed(t *testing.T) {
	s := NewStream(Config{ViKey: "0001", ReleaseAfter: time.Minute, TradeLinger: time.Second},
		func() string { return "" }, zerolog.Nop())
	s.now = func() time.Time { return received }
	s.Track("005930")

	s.mu.Lock()
	s.expiry["005930"] = received.Add(-time.Second)
	s.mu.Unlock()
	require.NoError(t, s.sweep(nil, received))
	assert.Len(t, s.initial(nil), 2, "held symbol survives the sweep")

	s.Untrack("005930")
	subs := s.initial(nil)
	require.Len(t, subs, 1)
	assert.Equal(t, "0001", subs[0].TRKey)
}
