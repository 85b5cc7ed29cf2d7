// Package notify delivers operator notifications. Producers call Notify,
// which never blocks; a dispatcher goroutine fans events out to the
// configured channels.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"vi-trader/internal/config"
	"vi-trader/internal/logging"
)

// Level is the severity of a notification.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "info"
	}
}

// ParseLevel parses a level name. Unknown names map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warning", "warn":
		return LevelWarning
	case "critical", "error":
		return LevelCritical
	default:
		return LevelInfo
	}
}

// Kind classifies a notification.
type Kind string

const (
	KindTransition     Kind = "vi_transition"
	KindEntry          Kind = "entry"
	KindExit           Kind = "exit"
	KindFill           Kind = "fill"
	KindPositionClosed Kind = "position_closed"
	KindRisk           Kind = "risk"
	KindAlert          Kind = "alert"
	KindSession        Kind = "session"
)

// Event is one notification.
type Event struct {
	Kind    Kind              `json:"kind"`
	Level   Level             `json:"level"`
	Symbol  string            `json:"symbol,omitempty"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	Time    time.Time         `json:"time"`
}

// Notifier accepts events without blocking the caller.
type Notifier interface {
	Notify(ev Event)
}

// Channel delivers events to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Critical builds a Critical alert event.
func Critical(symbol, title string, err error) Event {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Event{Kind: KindAlert, Level: LevelCritical, Symbol: symbol, Title: title, Message: msg}
}

// DispatcherConfig configures the dispatcher queue.
type DispatcherConfig struct {
	QueueSize   int
	MinLevel    Level
	SendTimeout time.Duration
	Now         func() time.Time
}

// Dispatcher queues events and delivers them to every channel from a
// single goroutine. A full queue drops the event.
type Dispatcher struct {
	cfg      DispatcherConfig
	channels []Channel
	queue    chan Event
	logger   zerolog.Logger

	dropped atomic.Int64
	sent    atomic.Int64
	failed  atomic.Int64
	onDrop  func()

	closeOnce sync.Once
	done      chan struct{}
}

// NewDispatcher creates a dispatcher. Call Run to start delivery.
func NewDispatcher(cfg DispatcherConfig, logger zerolog.Logger, channels ...Channel) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		cfg:      cfg,
		channels: channels,
		queue:    make(chan Event, cfg.QueueSize),
		logger:   logging.WithComponent(logger, "notify"),
		done:     make(chan struct{}),
	}
}

// OnDrop registers a hook called for every dropped event.
func (d *Dispatcher) OnDrop(fn func()) {
	d.onDrop = fn
}

// Notify enqueues ev. It never blocks.
func (d *Dispatcher) Notify(ev Event) {
	if ev.Level < d.cfg.MinLevel {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = d.cfg.Now()
	}
	select {
	case d.queue <- ev:
	default:
		d.dropped.Add(1)
		if d.onDrop != nil {
			d.onDrop()
		}
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is
// already queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.closeOnce.Do(func() { close(d.done) })
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case ev := <-d.queue:
			d.deliver(ev)
		}
	}
}

// Done is closed when Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) drain() {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	for _, ch := range d.channels {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
		err := ch.Send(ctx, ev)
		cancel()
		if err != nil {
			d.failed.Add(1)
			d.logger.Warn().Err(err).Str("channel", ch.Name()).Str("title", ev.Title).Msg("Notification delivery failed")
			continue
		}
		d.sent.Add(1)
	}
}

// Stats reports delivery counters.
func (d *Dispatcher) Stats() (sent, failed, dropped int64) {
	return d.sent.Load(), d.failed.Load(), d.dropped.Load()
}

// Dropped returns the number of events dropped on a full queue.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// NewFromConfig builds a dispatcher with the channels enabled in cfg.
// With notifications disabled it returns a dispatcher without channels.
func NewFromConfig(cfg config.NotificationConfig, logger zerolog.Logger) (*Dispatcher, error) {
	var channels []Channel
	if cfg.Enabled {
		if cfg.Terminal {
			channels = append(channels, NewTerminalChannel(nil))
		}
		if cfg.Discord.Enabled && cfg.Discord.WebhookURL != "" {
			channels = append(channels, NewDiscordChannel(cfg.Discord.WebhookURL, cfg.Discord.Username))
		}
		if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
			channels = append(channels, NewWebhookChannel(cfg.Webhook.URL))
		}
		if cfg.Telegram.Enabled && cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
			channels = append(channels, NewTelegramChannel(cfg.Telegram.BotToken, cfg.Telegram.ChatID))
		}
		if cfg.Redis.Enabled {
			ch, err := NewRedisChannel(cfg.Redis)
			if err != nil {
				return nil, fmt.Errorf("redis notification channel: %w", err)
			}
			channels = append(channels, ch)
		}
	}

	return NewDispatcher(DispatcherConfig{
		QueueSize: cfg.QueueSize,
		MinLevel:  ParseLevel(cfg.Level),
	}, logger, channels...), nil
}

// NoOp discards every event.
type NoOp struct{}

// Notify does nothing.
func (NoOp) Notify(Event) {}

// formatKRW formats an amount in won with thousands separators.
func formatKRW(amount string) string {
	negative := strings.HasPrefix(amount, "-")
	amount = strings.TrimPrefix(amount, "-")
	intPart, decPart, _ := strings.Cut(amount, ".")

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := "₩" + b.String()
	if decPart != "" && strings.Trim(decPart, "0") != "" {
		out += "." + decPart
	}
	if negative {
		out = "-" + out
	}
	return out
}
