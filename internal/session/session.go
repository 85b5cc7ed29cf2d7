// Package session knows the KRX trading calendar: regular hours, the
// end-of-session flatten time, weekends and configured holidays.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"vi-trader/internal/config"
)

// MarketSession represents a phase of the trading day.
type MarketSession string

const (
	SessionPreOpen MarketSession = "PRE_OPEN"
	SessionNormal  MarketSession = "NORMAL"
	SessionClosing MarketSession = "CLOSING" // after the flatten time, before the close
	SessionClosed  MarketSession = "CLOSED"
	SessionHoliday MarketSession = "HOLIDAY"
)

// Info describes the session at a point in time.
type Info struct {
	Session     MarketSession
	StartTime   time.Time
	EndTime     time.Time
	Description string
	CanEnter    bool
}

// Calendar answers session questions in the exchange's time zone.
type Calendar struct {
	location *time.Location
	open     clock
	close    clock
	flatten  clock

	mu       sync.RWMutex
	holidays map[string]bool // YYYY-MM-DD -> holiday
}

type clock struct {
	hour, minute int
}

func (c clock) minutes() int { return c.hour*60 + c.minute }

func (c clock) on(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.hour, c.minute, 0, 0, day.Location())
}

func parseClock(s string) (clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return clock{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return clock{hour: t.Hour(), minute: t.Minute()}, nil
}

// New builds a calendar from the session configuration.
func New(cfg config.SessionConfig) (*Calendar, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = "Asia/Seoul"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("loading time zone %s: %w", tz, err)
	}

	c := &Calendar{location: loc, holidays: make(map[string]bool)}
	if c.open, err = parseClock(or(cfg.Open, "09:00")); err != nil {
		return nil, err
	}
	if c.close, err = parseClock(or(cfg.Close, "15:30")); err != nil {
		return nil, err
	}
	if c.flatten, err = parseClock(or(cfg.FlattenAt, "15:20")); err != nil {
		return nil, err
	}
	if c.open.minutes() >= c.close.minutes() {
		return nil, fmt.Errorf("session open %s is not before close %s", cfg.Open, cfg.Close)
	}
	if c.flatten.minutes() < c.open.minutes() || c.flatten.minutes() > c.close.minutes() {
		return nil, fmt.Errorf("flatten time %s is outside the session", cfg.FlattenAt)
	}

	for _, h := range cfg.Holidays {
		d, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(h), loc)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", h, err)
		}
		c.AddHoliday(d)
	}
	return c, nil
}

// Default returns the KRX calendar with regular hours and no holidays.
func Default() *Calendar {
	c, err := New(config.SessionConfig{})
	if err != nil {
		panic(err)
	}
	return c
}

func or(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// Location returns the exchange time zone.
func (c *Calendar) Location() *time.Location {
	return c.location
}

// AddHoliday adds a market holiday.
func (c *Calendar) AddHoliday(date time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holidays[date.In(c.location).Format("2006-01-02")] = true
}

// IsHoliday checks if a date is a market holiday.
func (c *Calendar) IsHoliday(date time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.holidays[date.In(c.location).Format("2006-01-02")]
}

// IsTradingDay reports whether the exchange trades on t's date.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	t = t.In(c.location)
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	return !c.IsHoliday(t)
}

// SessionAt returns the market session at t.
func (c *Calendar) SessionAt(t time.Time) Info {
	t = t.In(c.location)

	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return Info{Session: SessionClosed, Description: "Weekend - Market Closed"}
	}
	if c.IsHoliday(t) {
		return Info{Session: SessionHoliday, Description: "Market Holiday"}
	}

	now := t.Hour()*60 + t.Minute()
	switch {
	case now < c.open.minutes():
		return Info{
			Session:     SessionPreOpen,
			EndTime:     c.open.on(t),
			Description: "Before the regular session",
		}
	case now < c.flatten.minutes():
		return Info{
			Session:     SessionNormal,
			StartTime:   c.open.on(t),
			EndTime:     c.flatten.on(t),
			Description: "Regular Trading Session",
			CanEnter:    true,
		}
	case now < c.close.minutes():
		return Info{
			Session:     SessionClosing,
			StartTime:   c.flatten.on(t),
			EndTime:     c.close.on(t),
			Description: "Closing - positions flattened, no new entries",
		}
	default:
		return Info{Session: SessionClosed, Description: "Market Closed"}
	}
}

// IsOpen reports whether the regular market is open at t.
func (c *Calendar) IsOpen(t time.Time) bool {
	s := c.SessionAt(t).Session
	return s == SessionNormal || s == SessionClosing
}

// CanEnter reports whether new entries are allowed at t.
func (c *Calendar) CanEnter(t time.Time) bool {
	return c.SessionAt(t).CanEnter
}

// NextFlatten returns the first flatten time strictly after now on a
// trading day.
func (c *Calendar) NextFlatten(now time.Time) time.Time {
	day := now.In(c.location)
	for i := 0; i < 30; i++ {
		at := c.flatten.on(day)
		if c.IsTradingDay(day) && at.After(now) {
			return at
		}
		day = time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, c.location)
	}
	return time.Time{}
}

// NextOpen returns the next regular session open at or after now.
func (c *Calendar) NextOpen(now time.Time) time.Time {
	day := now.In(c.location)
	for i := 0; i < 30; i++ {
		at := c.open.on(day)
		if c.IsTradingDay(day) && !at.Before(now) {
			return at
		}
		day = time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, c.location)
	}
	return time.Time{}
}

// TimeToClose returns how long until the session closes, or zero when
// the market is not open.
func (c *Calendar) TimeToClose(now time.Time) time.Duration {
	if !c.IsOpen(now) {
		return 0
	}
	return c.close.on(now.In(c.location)).Sub(now)
}
