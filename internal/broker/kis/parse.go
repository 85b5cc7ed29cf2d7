package kis

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"vi-trader/internal/broker"
	"vi-trader/internal/models"
)

var seoul = mustLoad("Asia/Seoul")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// Trade record field positions.
const (
	tradeSymbol    = 0
	tradeTime      = 1
	tradePrice     = 2
	tradeAsk       = 10
	tradeBid       = 11
	tradeVolume    = 12
	tradeCumVolume = 13
)

// Frame is one realtime data frame: enc|TRID|count|records.
type Frame struct {
	Encrypted bool
	TRID      string
	Records   [][]string
}

// ParseFrame splits a realtime data frame into its records. Each record is
// len(fields)/count fields long.
func ParseFrame(msg string) (Frame, error) {
	parts := strings.SplitN(msg, "|", 4)
	if len(parts) < 4 {
		return Frame{}, fmt.Errorf("frame has %d sections", len(parts))
	}
	f := Frame{Encrypted: parts[0] == "1", TRID: parts[1]}
	if f.Encrypted {
		return f, nil
	}

	count, err := strconv.Atoi(parts[2])
	if err != nil || count <= 0 {
		return Frame{}, fmt.Errorf("bad record count %q", parts[2])
	}
	fields := strings.Split(parts[3], "^")
	if len(fields)%count != 0 {
		return Frame{}, fmt.Errorf("%d fields do not split into %d records", len(fields), count)
	}
	width := len(fields) / count
	for i := 0; i < count; i++ {
		f.Records = append(f.Records, fields[i*width:(i+1)*width])
	}
	return f, nil
}

// IsDataFrame reports whether msg is a realtime data frame rather than a
// JSON control message.
func IsDataFrame(msg string) bool {
	return len(msg) > 0 && (msg[0] == '0' || msg[0] == '1')
}

// Control is a decoded JSON control message.
type Control struct {
	TRID    string
	TRKey   string
	Ping    bool
	OK      bool
	Message string
}

// ParseControl decodes a subscription reply or heartbeat.
func ParseControl(msg string) (Control, error) {
	if !gjson.Valid(msg) {
		return Control{}, fmt.Errorf("invalid control message")
	}
	res := gjson.Parse(msg)
	c := Control{
		TRID:    res.Get("header.tr_id").String(),
		TRKey:   res.Get("header.tr_key").String(),
		Message: res.Get("body.msg1").String(),
	}
	c.Ping = c.TRID == "PINGPONG"
	rt := res.Get("body.rt_cd")
	c.OK = c.Ping || !rt.Exists() || rt.String() == "0"
	return c, nil
}

// exchangeTime places an HHMMSS field on the trading day of ref.
func exchangeTime(hhmmss string, ref time.Time) (time.Time, error) {
	if len(hhmmss) != 6 {
		return time.Time{}, fmt.Errorf("bad time %q", hhmmss)
	}
	clock, err := time.ParseInLocation("150405", hhmmss, seoul)
	if err != nil {
		return time.Time{}, err
	}
	day := ref.In(seoul)
	return time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), clock.Second(), 0, seoul), nil
}

func field(rec []string, i int) string {
	if i < len(rec) {
		return strings.TrimSpace(rec[i])
	}
	return ""
}

func parsePrice(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// viEvent decodes a VI record: symbol, time, trigger price and an optional
// direction flag (1 up, 2 down).
func viEvent(rec []string, received time.Time) (broker.RawEvent, error) {
	if len(rec) < 3 {
		return broker.RawEvent{}, fmt.Errorf("vi record has %d fields", len(rec))
	}
	at, err := exchangeTime(field(rec, 1), received)
	if err != nil {
		return broker.RawEvent{}, err
	}
	price, err := parsePrice(field(rec, 2))
	if err != nil {
		return broker.RawEvent{}, fmt.Errorf("vi price: %w", err)
	}
	dir := models.ViUnknown
	switch field(rec, 3) {
	case "1":
		dir = models.ViUp
	case "2":
		dir = models.ViDown
	}
	return broker.RawEvent{
		Symbol:       field(rec, 0),
		Type:         models.EventViTrigger,
		Price:        price,
		Direction:    dir,
		ExchangeTime: at,
		ReceivedAt:   received,
	}, nil
}

// tradeEvent decodes a trade print. Tick volume falls back to the change in
// cumulative volume when the record has no per-print field.
func tradeEvent(rec []string, received time.Time, lastCum int64) (broker.RawEvent, error) {
	if len(rec) <= tradePrice {
		return broker.RawEvent{}, fmt.Errorf("trade record has %d fields", len(rec))
	}
	at, err := exchangeTime(field(rec, tradeTime), received)
	if err != nil {
		return broker.RawEvent{}, err
	}
	price, err := parsePrice(field(rec, tradePrice))
	if err != nil {
		return broker.RawEvent{}, fmt.Errorf("trade price: %w", err)
	}
	ask, err := parsePrice(field(rec, tradeAsk))
	if err != nil {
		ask = decimal.Zero
	}
	bid, err := parsePrice(field(rec, tradeBid))
	if err != nil {
		bid = decimal.Zero
	}

	cum, _ := strconv.ParseInt(field(rec, tradeCumVolume), 10, 64)
	vol, err := strconv.ParseInt(field(rec, tradeVolume), 10, 64)
	if err != nil {
		vol = 0
		if cum > lastCum && lastCum > 0 {
			vol = cum - lastCum
		}
	}

	return broker.RawEvent{
		Symbol:           field(rec, tradeSymbol),
		Type:             models.EventTick,
		Price:            price,
		Volume:           vol,
		CumulativeVolume: cum,
		Bid:              bid,
		Ask:              ask,
		ExchangeTime:     at,
		ReceivedAt:       received,
	}, nil
}
