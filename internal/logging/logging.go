// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"vi-trader/internal/models"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "vi-trader", "logs", "vi_monitor.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// NewLogger creates a new logger with default configuration.
func NewLogger() zerolog.Logger {
	return NewLoggerWithConfig(DefaultLogConfig())
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:         os.Stdout,
			TimeFormat:  time.RFC3339,
			FormatLevel: formatLevel,
		})
	}

	// File writer with rotation
	if cfg.File && cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stdout
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	return zerolog.New(writer).
		With().
		Timestamp().
		Caller().
		Logger()
}

func formatLevel(i interface{}) string {
	ll, ok := i.(string)
	if !ok {
		return "???"
	}
	switch ll {
	case "debug":
		return "\033[36mDBG\033[0m"
	case "info":
		return "\033[32mINF\033[0m"
	case "warn":
		return "\033[33mWRN\033[0m"
	case "error":
		return "\033[31mERR\033[0m"
	case "fatal":
		return "\033[35mFTL\033[0m"
	default:
		return ll
	}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetDebugLevel sets the global log level to debug.
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

// WithComponent tags a logger with the owning component.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// WithSymbol adds a symbol to the logger context.
func WithSymbol(logger zerolog.Logger, symbol string) zerolog.Logger {
	return logger.With().Str("symbol", symbol).Logger()
}

// WithIntentID adds an intent ID to the logger context.
func WithIntentID(logger zerolog.Logger, intentID string) zerolog.Logger {
	return logger.With().Str("intent_id", intentID).Logger()
}

// LogTransition logs a VI lifecycle change.
func LogTransition(logger zerolog.Logger, symbol string, from, to models.Lifecycle, seq uint64) {
	logger.Info().
		Str("event", "transition").
		Str("symbol", symbol).
		Stringer("from", from).
		Stringer("to", to).
		Uint64("seq", seq).
		Msg("VI lifecycle changed")
}

// LogIntent logs an order intent.
func LogIntent(logger zerolog.Logger, intent models.OrderIntent) {
	ev := logger.Info().
		Str("event", "intent").
		Str("intent_id", intent.ID).
		Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).
		Int64("quantity", intent.Quantity).
		Str("reason", string(intent.Reason)).
		Str("price_kind", string(intent.Price.Kind))
	if intent.Price.Kind == models.PriceLimit {
		ev = ev.Str("limit", intent.Price.Limit.String())
	}
	ev.Msg("Order intent")
}

// LogOrder logs an order update.
func LogOrder(logger zerolog.Logger, rec models.OrderRecord) {
	logger.Info().
		Str("event", "order").
		Str("order_id", rec.OrderID).
		Str("intent_id", rec.IntentID).
		Str("symbol", rec.Symbol).
		Str("side", string(rec.Side)).
		Str("status", string(rec.Status)).
		Int64("filled", rec.FilledQty).
		Int64("requested", rec.RequestedQty).
		Msg("Order update")
}

// LogFill logs an applied fill.
func LogFill(logger zerolog.Logger, fill models.Fill) {
	logger.Info().
		Str("event", "fill").
		Str("order_id", fill.OrderID).
		Str("symbol", fill.Symbol).
		Str("side", string(fill.Side)).
		Int64("quantity", fill.Quantity).
		Str("price", fill.Price.String()).
		Msg("Fill applied")
}

// LogRisk logs a risk rule firing.
func LogRisk(logger zerolog.Logger, symbol, rule string, err error) {
	logger.Warn().
		Str("event", "risk").
		Str("symbol", symbol).
		Str("rule", rule).
		Err(err).
		Msg("Risk rule fired")
}

// LogAlert logs a condition that needs a human.
func LogAlert(logger zerolog.Logger, title string, err error) {
	logger.Error().
		Str("event", "alert").
		Str("title", title).
		Err(err).
		Msg("Alert raised")
}
