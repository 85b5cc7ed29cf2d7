// Package journal archives closed positions, finished orders and entry
// decisions to SQLite. Archive calls from the trading path only enqueue;
// a single writer goroutine does the inserts.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vi-trader/internal/logging"
	"vi-trader/internal/models"
)

// Decision is one evaluated entry window, kept for later review.
type Decision struct {
	Symbol       string
	Verdict      string
	IntentID     string
	ReleasePrice decimal.Decimal
	LastPrice    decimal.Decimal
	Ticks        int
	Note         string
	At           time.Time
}

// Filter narrows journal queries.
type Filter struct {
	Symbol string
	Since  time.Time
	Limit  int
}

// Summary aggregates closed positions.
type Summary struct {
	Trades      int
	Wins        int
	Losses      int
	RealizedPnL decimal.Decimal
	Best        decimal.Decimal
	Worst       decimal.Decimal
}

// WinRate returns the winning share in percent.
func (s Summary) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades) * 100
}

type job func(ctx context.Context) error

// Journal is the SQLite archive.
type Journal struct {
	db     *sql.DB
	logger zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan job
	done    chan struct{}
	dropped atomic.Int64
	failed  atomic.Int64
}

// Open opens (or creates) the journal database at path and starts the
// writer goroutine.
func Open(path string, logger zerolog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	j := &Journal{
		db:     db,
		logger: logging.WithComponent(logger, "journal"),
		queue:  make(chan job, 1024),
		done:   make(chan struct{}),
	}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	go j.writer()
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
	-- Positions that went flat
	CREATE TABLE IF NOT EXISTS closed_positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		entry_price TEXT NOT NULL,
		exit_price TEXT NOT NULL,
		pnl TEXT NOT NULL,
		opened_at DATETIME NOT NULL,
		closed_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Orders that reached a terminal status
	CREATE TABLE IF NOT EXISTS orders (
		intent_id TEXT PRIMARY KEY,
		order_id TEXT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		reason TEXT NOT NULL,
		price_kind TEXT NOT NULL,
		limit_price TEXT,
		requested_qty INTEGER NOT NULL,
		filled_qty INTEGER NOT NULL,
		avg_fill_price TEXT,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		message TEXT,
		submitted_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Evaluated entry windows
	CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		verdict TEXT NOT NULL,
		intent_id TEXT,
		release_price TEXT,
		last_price TEXT,
		ticks INTEGER NOT NULL,
		note TEXT,
		at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_closed_positions_symbol ON closed_positions(symbol, closed_at);
	CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol, submitted_at);
	CREATE INDEX IF NOT EXISTS idx_decisions_symbol ON decisions(symbol, at);
	`
	_, err := j.db.Exec(schema)
	return err
}

func (j *Journal) writer() {
	defer close(j.done)
	for fn := range j.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := fn(ctx); err != nil {
			j.failed.Add(1)
			j.logger.Error().Err(err).Msg("Journal write failed")
		}
		cancel()
	}
}

func (j *Journal) enqueue(fn job) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- fn:
	default:
		j.dropped.Add(1)
		j.logger.Warn().Msg("Journal queue full, record dropped")
	}
}

// Flush waits until every record queued so far is written.
func (j *Journal) Flush() {
	done := make(chan struct{})
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return
	}
	j.queue <- func(context.Context) error {
		close(done)
		return nil
	}
	j.mu.RUnlock()
	<-done
}

// Close drains the queue and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	<-j.done
	return j.db.Close()
}

// Ping checks the database connection.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Stats returns dropped and failed write counts.
func (j *Journal) Stats() (dropped, failed int64) {
	return j.dropped.Load(), j.failed.Load()
}

// ArchivePosition queues a closed position.
func (j *Journal) ArchivePosition(pos models.ClosedPosition) {
	j.enqueue(func(ctx context.Context) error { return j.SaveClosedPosition(ctx, pos) })
}

// ArchiveOrder queues a terminal order.
func (j *Journal) ArchiveOrder(rec models.OrderRecord) {
	j.enqueue(func(ctx context.Context) error { return j.SaveOrder(ctx, rec) })
}

// RecordDecision queues an entry decision.
func (j *Journal) RecordDecision(d Decision) {
	j.enqueue(func(ctx context.Context) error { return j.SaveDecision(ctx, d) })
}

// SaveClosedPosition inserts a closed position.
func (j *Journal) SaveClosedPosition(ctx context.Context, pos models.ClosedPosition) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO closed_positions (symbol, quantity, entry_price, exit_price, pnl, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, pos.Symbol, pos.Quantity, pos.AverageEntryPrice.String(), pos.AverageExitPrice.String(), pos.RealizedPnL.String(), pos.OpenedAt.UTC(), pos.ClosedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save closed position: %w", err)
	}
	return nil
}

// SaveOrder upserts a terminal order.
func (j *Journal) SaveOrder(ctx context.Context, rec models.OrderRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO orders (intent_id, order_id, symbol, side, reason, price_kind, limit_price, requested_qty, filled_qty, avg_fill_price, status, attempts, message, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.IntentID, rec.OrderID, rec.Symbol, rec.Side, rec.Reason, rec.Price.Kind, rec.Price.Limit.String(), rec.RequestedQty, rec.FilledQty, rec.AvgFillPrice.String(), rec.Status, rec.Attempts, rec.Message, rec.SubmittedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// SaveDecision inserts an entry decision.
func (j *Journal) SaveDecision(ctx context.Context, d Decision) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO decisions (symbol, verdict, intent_id, release_price, last_price, ticks, note, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, d.Symbol, d.Verdict, d.IntentID, d.ReleasePrice.String(), d.LastPrice.String(), d.Ticks, d.Note, d.At.UTC())
	if err != nil {
		return fmt.Errorf("failed to save decision: %w", err)
	}
	return nil
}

func where(column string, f Filter) (string, []interface{}) {
	clause := " WHERE 1=1"
	args := []interface{}{}
	if f.Symbol != "" {
		clause += " AND symbol = ?"
		args = append(args, f.Symbol)
	}
	if !f.Since.IsZero() {
		clause += " AND " + column + " >= ?"
		args = append(args, f.Since.UTC())
	}
	clause += " ORDER BY " + column + " DESC"
	if f.Limit > 0 {
		clause += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return clause, args
}

// ClosedPositions returns closed positions, newest first.
func (j *Journal) ClosedPositions(ctx context.Context, f Filter) ([]models.ClosedPosition, error) {
	clause, args := where("closed_at", f)
	rows, err := j.db.QueryContext(ctx, "SELECT symbol, quantity, entry_price, exit_price, pnl, opened_at, closed_at FROM closed_positions"+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed positions: %w", err)
	}
	defer rows.Close()

	var out []models.ClosedPosition
	for rows.Next() {
		var p models.ClosedPosition
		var entry, exit, pnl string
		if err := rows.Scan(&p.Symbol, &p.Quantity, &entry, &exit, &pnl, &p.OpenedAt, &p.ClosedAt); err != nil {
			return nil, fmt.Errorf("failed to scan closed position: %w", err)
		}
		p.AverageEntryPrice = parseDecimal(entry)
		p.AverageExitPrice = parseDecimal(exit)
		p.RealizedPnL = parseDecimal(pnl)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Orders returns archived orders, newest first.
func (j *Journal) Orders(ctx context.Context, f Filter) ([]models.OrderRecord, error) {
	clause, args := where("submitted_at", f)
	rows, err := j.db.QueryContext(ctx, `SELECT intent_id, COALESCE(order_id, ''), symbol, side, reason, price_kind, COALESCE(limit_price, '0'),
		requested_qty, filled_qty, COALESCE(avg_fill_price, '0'), status, attempts, COALESCE(message, ''), submitted_at, updated_at FROM orders`+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []models.OrderRecord
	for rows.Next() {
		var r models.OrderRecord
		var limit, avg string
		if err := rows.Scan(&r.IntentID, &r.OrderID, &r.Symbol, &r.Side, &r.Reason, &r.Price.Kind, &limit,
			&r.RequestedQty, &r.FilledQty, &avg, &r.Status, &r.Attempts, &r.Message, &r.SubmittedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		r.Price.Limit = parseDecimal(limit)
		r.AvgFillPrice = parseDecimal(avg)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Decisions returns recorded entry decisions, newest first.
func (j *Journal) Decisions(ctx context.Context, f Filter) ([]Decision, error) {
	clause, args := where("at", f)
	rows, err := j.db.QueryContext(ctx, `SELECT symbol, verdict, COALESCE(intent_id, ''), COALESCE(release_price, '0'), COALESCE(last_price, '0'), ticks, COALESCE(note, ''), at FROM decisions`+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var release, last string
		if err := rows.Scan(&d.Symbol, &d.Verdict, &d.IntentID, &release, &last, &d.Ticks, &d.Note, &d.At); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		d.ReleasePrice = parseDecimal(release)
		d.LastPrice = parseDecimal(last)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Summarize aggregates closed positions matching f. Limit is ignored.
func (j *Journal) Summarize(ctx context.Context, f Filter) (Summary, error) {
	f.Limit = 0
	closed, err := j.ClosedPositions(ctx, f)
	if err != nil {
		return Summary{}, err
	}

	var s Summary
	for i, p := range closed {
		s.Trades++
		switch {
		case p.RealizedPnL.IsPositive():
			s.Wins++
		case p.RealizedPnL.IsNegative():
			s.Losses++
		}
		s.RealizedPnL = s.RealizedPnL.Add(p.RealizedPnL)
		if i == 0 || p.RealizedPnL.GreaterThan(s.Best) {
			s.Best = p.RealizedPnL
		}
		if i == 0 || p.RealizedPnL.LessThan(s.Worst) {
			s.Worst = p.RealizedPnL
		}
	}
	return s, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
