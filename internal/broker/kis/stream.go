package kis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"vi-trader/internal/broker"
	"vi-trader/internal/logging"
	"vi-trader/internal/security"
)

const (
	readTimeout  = 90 * time.Second
	writeTimeout = 10 * time.Second
	maxBackoff   = 30 * time.Second
)

// errStreamClosed is returned when the server ends the connection.
var errStreamClosed = errors.New("market data connection closed")

type subscribeRequest struct {
	Header subscribeHeader `json:"header"`
	Body   subscribeBody   `json:"body"`
}

type subscribeHeader struct {
	ApprovalKey string `json:"approval_key"`
	CustType    string `json:"custtype"`
	TRType      string `json:"tr_type"`
	ContentType string `json:"content-type"`
}

type subscribeBody struct {
	Input subscribeInput `json:"input"`
}

type subscribeInput struct {
	TRID  string `json:"tr_id"`
	TRKey string `json:"tr_key"`
}

type subscription struct {
	TRID  string
	TRKey string
}

// Stream maintains the realtime websocket: it subscribes VI triggers for
// the watch list, adds trade subscriptions for triggered and held symbols,
// drops them once the cycle is over, and reconnects with backoff.
type Stream struct {
	cfg      Config
	approval func() string
	dialer   *websocket.Dialer
	releases *releaseTracker
	log      zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	conn   *websocket.Conn
	active map[subscription]bool
	trades map[string]bool
	expiry map[string]time.Time // when an unheld trade feed may be dropped

	writeMu sync.Mutex
	out     chan broker.RawEvent
}

// NewStream creates a stream. approval supplies the current websocket
// approval key on every (re)connect.
func NewStream(cfg Config, approval func() string, logger zerolog.Logger) *Stream {
	cfg = cfg.withDefaults()
	return &Stream{
		cfg:      cfg,
		approval: approval,
		dialer:   websocket.DefaultDialer,
		releases: newReleaseTracker(cfg.ReleaseAfter),
		log:      logging.WithComponent(logger, "kis_stream"),
		now:      time.Now,
		active:   make(map[subscription]bool),
		trades:   make(map[string]bool),
		expiry:   make(map[string]time.Time),
		out:      make(chan broker.RawEvent, 1024),
	}
}

// Events returns the decoded event channel. It closes when Run returns.
func (s *Stream) Events() <-chan broker.RawEvent {
	return s.out
}

// Track keeps a trade subscription for symbol, used for open positions.
func (s *Stream) Track(symbol string) {
	s.mu.Lock()
	s.trades[symbol] = true
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		if err := s.subscribe(conn, subscription{TRID: s.cfg.TradeTR, TRKey: symbol}); err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("Trade subscription failed")
		}
	}
}

// Untrack releases symbol's trade subscription once no VI cycle needs it,
// used when a position goes flat.
func (s *Stream) Untrack(symbol string) {
	now := s.now()
	s.mu.Lock()
	delete(s.trades, symbol)
	if _, ok := s.expiry[symbol]; !ok {
		s.expiry[symbol] = now
	}
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		if err := s.sweep(conn, now); err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("Trade unsubscribe failed")
		}
	}
}

// Run connects and reads until ctx is done or reconnection gives up. The
// events channel is closed on return.
func (s *Stream) Run(ctx context.Context, symbols []string) error {
	defer close(s.out)

	attempt := 0
	for {
		err := s.session(ctx, symbols, func() { attempt = 0 })
		if ctx.Err() != nil {
			return nil
		}
		attempt++
		if attempt > s.cfg.ReconnectAttempts {
			return fmt.Errorf("giving up after %d reconnect attempts: %w", s.cfg.ReconnectAttempts, err)
		}

		delay := backoff(s.cfg.ReconnectDelay, attempt)
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Market data connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := base * time.Duration(math.Pow(2, float64(attempt-1)))
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}

// session runs one connection: dial, subscribe, read.
func (s *Stream) session(ctx context.Context, symbols []string, connected func()) error {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.WebsocketURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.active = make(map[subscription]bool)
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	for _, sub := range s.initial(symbols) {
		if err := s.subscribe(conn, sub); err != nil {
			return err
		}
	}
	s.log.Info().Int("subscriptions", s.subscriptionCount()).Msg("Market data connected")
	connected()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errStreamClosed
			}
			return err
		}
		if err := s.handle(ctx, conn, msg); err != nil {
			return err
		}
	}
}

// initial lists the subscriptions for a fresh connection.
func (s *Stream) initial(symbols []string) []subscription {
	var subs []subscription
	if s.cfg.ViKey != "" {
		subs = append(subs, subscription{TRID: s.cfg.ViTR, TRKey: s.cfg.ViKey})
	} else {
		for _, sym := range symbols {
			subs = append(subs, subscription{TRID: s.cfg.ViTR, TRKey: sym})
		}
	}

	s.mu.Lock()
	held := make([]string, 0, len(s.trades))
	for sym := range s.trades {
		held = append(held, sym)
	}
	s.mu.Unlock()
	sort.Strings(held)
	for _, sym := range held {
		subs = append(subs, subscription{TRID: s.cfg.TradeTR, TRKey: sym})
	}
	return subs
}

func (s *Stream) subscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// subscribe registers sub unless it is already active or the connection
// is at its subscription limit.
func (s *Stream) subscribe(conn *websocket.Conn, sub subscription) error {
	s.mu.Lock()
	if s.active[sub] {
		s.mu.Unlock()
		return nil
	}
	if len(s.active) >= s.cfg.MaxSubscriptions {
		s.mu.Unlock()
		s.log.Warn().Str("tr_id", sub.TRID).Str("tr_key", sub.TRKey).Int("limit", s.cfg.MaxSubscriptions).
			Msg("Subscription limit reached")
		return nil
	}
	s.active[sub] = true
	s.mu.Unlock()

	req := subscribeRequest{
		Header: subscribeHeader{ApprovalKey: s.approval(), CustType: "P", TRType: "1", ContentType: "utf-8"},
		Body:   subscribeBody{Input: subscribeInput{TRID: sub.TRID, TRKey: sub.TRKey}},
	}
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return s.write(conn, b)
}

// unsubscribe cancels an active subscription, freeing its slot.
func (s *Stream) unsubscribe(conn *websocket.Conn, sub subscription) error {
	s.mu.Lock()
	if !s.active[sub] {
		s.mu.Unlock()
		return nil
	}
	delete(s.active, sub)
	s.mu.Unlock()

	req := subscribeRequest{
		Header: subscribeHeader{ApprovalKey: s.approval(), CustType: "P", TRType: "2", ContentType: "utf-8"},
		Body:   subscribeBody{Input: subscribeInput{TRID: sub.TRID, TRKey: sub.TRKey}},
	}
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	s.log.Debug().Str("tr_id", sub.TRID).Str("tr_key", sub.TRKey).Msg("Unsubscribed")
	return s.write(conn, b)
}

// sweep drops trade feeds whose cycle has ended and that no position or
// pending VI still needs.
func (s *Stream) sweep(conn *websocket.Conn, now time.Time) error {
	s.mu.Lock()
	var drop []string
	for sym, at := range s.expiry {
		if now.Before(at) {
			continue
		}
		delete(s.expiry, sym)
		if s.trades[sym] || s.releases.pending(sym) {
			continue
		}
		drop = append(drop, sym)
	}
	s.mu.Unlock()

	sort.Strings(drop)
	for _, sym := range drop {
		if err := s.unsubscribe(conn, subscription{TRID: s.cfg.TradeTR, TRKey: sym}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) write(conn *websocket.Conn, msg []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// handle processes one websocket message. Only write failures end the
// session; undecodable frames are logged and skipped.
func (s *Stream) handle(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	if err := s.sweep(conn, s.now()); err != nil {
		return err
	}

	text := string(msg)
	if !IsDataFrame(text) {
		ctl, err := ParseControl(text)
		if err != nil {
			s.log.Debug().Str("message", security.Redact(text)).Msg("Unrecognized message")
			return nil
		}
		if ctl.Ping {
			return s.write(conn, msg)
		}
		if !ctl.OK {
			s.log.Error().Str("tr_id", ctl.TRID).Str("tr_key", ctl.TRKey).Str("message", ctl.Message).Msg("Subscription rejected")
		}
		return nil
	}

	frame, err := ParseFrame(text)
	if err != nil {
		s.log.Warn().Err(err).Msg("Bad realtime frame")
		return nil
	}
	if frame.Encrypted {
		return nil
	}

	received := s.now()
	for _, rec := range frame.Records {
		switch frame.TRID {
		case s.cfg.ViTR:
			ev, err := viEvent(rec, received)
			if err != nil {
				s.log.Warn().Err(err).Msg("Bad VI record")
				continue
			}
			s.releases.trigger(ev)
			s.mu.Lock()
			delete(s.expiry, ev.Symbol)
			s.mu.Unlock()
			s.emit(ctx, ev)
			if err := s.subscribe(conn, subscription{TRID: s.cfg.TradeTR, TRKey: ev.Symbol}); err != nil {
				return err
			}
		case s.cfg.TradeTR:
			ev, err := tradeEvent(rec, received, s.releases.cumulative(field(rec, tradeSymbol), 0))
			if err != nil {
				s.log.Warn().Err(err).Msg("Bad trade record")
				continue
			}
			s.releases.cumulative(ev.Symbol, ev.CumulativeVolume)
			if rel, ok := s.releases.trade(ev); ok {
				s.mu.Lock()
				s.expiry[ev.Symbol] = received.Add(s.cfg.TradeLinger)
				s.mu.Unlock()
				s.emit(ctx, rel)
			}
			s.emit(ctx, ev)
		}
	}
	return nil
}

func (s *Stream) emit(ctx context.Context, ev broker.RawEvent) {
	select {
	case s.out <- ev:
	case <-ctx.Done():
	}
}
