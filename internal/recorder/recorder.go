// Package recorder appends raw gateway events to a rotating JSONL file and
// reads them back for replay.
package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"vi-trader/internal/broker"
	"vi-trader/internal/config"
	"vi-trader/internal/logging"
)

const defaultQueueSize = 4096

// Config controls where and how the feed is recorded.
type Config struct {
	Path       string
	MaxSize    int // megabytes per file before rotation
	MaxBackups int
	QueueSize  int
}

// FromConfig converts the recorder section of the application config.
func FromConfig(c config.RecorderConfig) Config {
	return Config{Path: c.Path, MaxSize: c.MaxSize, MaxBackups: c.MaxBackups}
}

// Recorder writes events from a background goroutine so the ingest path
// never waits on disk. Events that do not fit the queue are dropped and
// counted.
type Recorder struct {
	out    io.WriteCloser
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan broker.RawEvent
	done   chan struct{}

	written atomic.Int64
	dropped atomic.Int64
}

// New opens a lumberjack-rotated file at cfg.Path.
func New(cfg Config, logger zerolog.Logger) (*Recorder, error) {
	if cfg.Path == "" {
		return nil, errors.New("recorder path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("creating recorder directory: %w", err)
	}
	out := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
	}
	return NewWithWriter(out, cfg.QueueSize, logger), nil
}

// NewWithWriter records into an arbitrary writer.
func NewWithWriter(out io.WriteCloser, queueSize int, logger zerolog.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	r := &Recorder{
		out:    out,
		logger: logging.WithComponent(logger, "recorder"),
		queue:  make(chan broker.RawEvent, queueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues raw for writing. It never blocks.
func (r *Recorder) Record(raw broker.RawEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- raw:
	default:
		if r.dropped.Add(1)%1000 == 1 {
			r.logger.Warn().Int64("dropped", r.dropped.Load()).Msg("Recorder queue full, dropping events")
		}
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	w := bufio.NewWriter(r.out)
	enc := json.NewEncoder(w)
	for raw := range r.queue {
		if err := enc.Encode(raw); err != nil {
			r.logger.Error().Err(err).Str("symbol", raw.Symbol).Msg("Failed to record event")
			continue
		}
		r.written.Add(1)
		if len(r.queue) == 0 {
			if err := w.Flush(); err != nil {
				r.logger.Error().Err(err).Msg("Failed to flush recording")
			}
		}
	}
	if err := w.Flush(); err != nil {
		r.logger.Error().Err(err).Msg("Failed to flush recording")
	}
}

// Stats returns how many events were written and dropped.
func (r *Recorder) Stats() (written, dropped int64) {
	return r.written.Load(), r.dropped.Load()
}

// Close drains the queue and closes the file. It is safe to call twice.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	written, dropped := r.Stats()
	r.logger.Info().Int64("written", written).Int64("dropped", dropped).Msg("Recorder closed")
	return r.out.Close()
}

// Replay decodes one event per line from in and calls fn for each. Blank
// lines are skipped. It stops at the first decode or handler error.
func Replay(ctx context.Context, in io.Reader, fn func(broker.RawEvent) error) (int, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	n, line := 0, 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return n, err
		}
		b := scanner.Bytes()
		if len(b) == 0 {
			continue
		}
		var raw broker.RawEvent
		if err := json.Unmarshal(b, &raw); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(raw); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	return n, scanner.Err()
}

// ReplayFile replays a recording from disk.
func ReplayFile(ctx context.Context, path string, fn func(broker.RawEvent) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return Replay(ctx, f, fn)
}
