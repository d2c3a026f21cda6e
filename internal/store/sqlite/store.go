package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"bolltrader/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/trader.db"
}

// Store is the single durable store for the agent: klines, bands, signals,
// trades, faults and strategy state snapshots all live in one database.
// Writes are synchronous; the pipeline is sequential so there is no
// contention on the single writer connection.
type Store struct {
	db       *sql.DB
	symbol   string
	interval string
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens (or creates) the database with WAL mode and the full schema.
func New(cfg Config, symbol, interval string) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer connection; readers share it through the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Store{db: db, symbol: symbol, interval: interval}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS klines (
			symbol     TEXT    NOT NULL,
			interval   TEXT    NOT NULL,
			open_time  INTEGER NOT NULL,
			close_time INTEGER NOT NULL,
			open       REAL    NOT NULL,
			high       REAL    NOT NULL,
			low        REAL    NOT NULL,
			close      REAL    NOT NULL,
			volume     REAL    NOT NULL,
			is_closed  INTEGER NOT NULL,
			PRIMARY KEY (symbol, interval, open_time)
		);

		CREATE TABLE IF NOT EXISTS indicators (
			symbol    TEXT    NOT NULL,
			interval  TEXT    NOT NULL,
			open_time INTEGER NOT NULL,
			ma        REAL    NOT NULL,
			std       REAL    NOT NULL,
			up        REAL    NOT NULL,
			dn        REAL    NOT NULL,
			PRIMARY KEY (symbol, interval, open_time)
		);

		CREATE TABLE IF NOT EXISTS signals (
			id     INTEGER PRIMARY KEY AUTOINCREMENT,
			ts     INTEGER NOT NULL,
			symbol TEXT    NOT NULL,
			kind   TEXT    NOT NULL,
			price  REAL    NOT NULL
		);

		CREATE TABLE IF NOT EXISTS trades (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			ts       INTEGER NOT NULL,
			symbol   TEXT    NOT NULL,
			side     TEXT    NOT NULL,
			qty      REAL    NOT NULL,
			price    REAL    NOT NULL,
			order_id TEXT,
			status   TEXT    NOT NULL
		);

		CREATE TABLE IF NOT EXISTS errors (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			ts       INTEGER NOT NULL,
			location TEXT    NOT NULL,
			message  TEXT    NOT NULL
		);

		CREATE TABLE IF NOT EXISTS strategy_state (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			ts              INTEGER NOT NULL,
			position        TEXT    NOT NULL,
			pending         TEXT    NOT NULL,
			entry_price     REAL    NOT NULL,
			breakout_level  REAL    NOT NULL,
			breakout_up     INTEGER NOT NULL,
			breakout_dn     INTEGER NOT NULL,
			last_close      REAL    NOT NULL,
			last_event_time INTEGER NOT NULL
		);
	`)
	return err
}

// ── KlineStore ──

// UpsertKline inserts or replaces the kline row keyed by open time. Forming
// klines overwrite themselves until the closed update lands.
func (s *Store) UpsertKline(ctx context.Context, k model.Kline) error {
	closed := 0
	if k.IsClosed {
		closed = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO klines (symbol, interval, open_time, close_time, open, high, low, close, volume, is_closed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, k.Symbol, k.Interval, k.OpenTime, k.CloseTime, k.Open, k.High, k.Low, k.Close, k.Volume, closed)
	if err != nil {
		return fmt.Errorf("sqlite upsert kline: %w", err)
	}
	return nil
}

// RecentKlines returns up to limit of the most recent closed klines in
// ascending open-time order, for indicator replay on startup.
func (s *Store) RecentKlines(ctx context.Context, limit int) ([]model.Kline, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, interval, open_time, close_time, open, high, low, close, volume, is_closed
		FROM (
			SELECT * FROM klines
			WHERE symbol = ? AND interval = ? AND is_closed = 1
			ORDER BY open_time DESC LIMIT ?
		) ORDER BY open_time ASC
	`, s.symbol, s.interval, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query klines: %w", err)
	}
	defer rows.Close()

	var klines []model.Kline
	for rows.Next() {
		var k model.Kline
		var closed int
		if err := rows.Scan(&k.Symbol, &k.Interval, &k.OpenTime, &k.CloseTime, &k.Open, &k.High, &k.Low, &k.Close, &k.Volume, &closed); err != nil {
			return nil, fmt.Errorf("sqlite scan kline: %w", err)
		}
		k.IsClosed = closed != 0
		klines = append(klines, k)
	}
	return klines, rows.Err()
}

// ── BandStore ──

// UpsertBand inserts or replaces the band row for its kline open time.
func (s *Store) UpsertBand(ctx context.Context, b model.Band) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO indicators (symbol, interval, open_time, ma, std, up, dn)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.symbol, s.interval, b.OpenTime, b.MA, b.Std, b.Up, b.Dn)
	if err != nil {
		return fmt.Errorf("sqlite upsert band: %w", err)
	}
	return nil
}

// RecentBands returns up to limit of the most recent band rows, newest first.
func (s *Store) RecentBands(ctx context.Context, limit int) ([]model.Band, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT open_time, ma, std, up, dn FROM indicators
		WHERE symbol = ? AND interval = ?
		ORDER BY open_time DESC LIMIT ?
	`, s.symbol, s.interval, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query indicators: %w", err)
	}
	defer rows.Close()

	var bands []model.Band
	for rows.Next() {
		var b model.Band
		if err := rows.Scan(&b.OpenTime, &b.MA, &b.Std, &b.Up, &b.Dn); err != nil {
			return nil, fmt.Errorf("sqlite scan band: %w", err)
		}
		bands = append(bands, b)
	}
	return bands, rows.Err()
}

// ── SignalStore ──

func (s *Store) LogSignal(ctx context.Context, sig model.Signal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (ts, symbol, kind, price) VALUES (?, ?, ?, ?)
	`, sig.TS, s.symbol, sig.Kind, sig.Price)
	if err != nil {
		return fmt.Errorf("sqlite insert signal: %w", err)
	}
	return nil
}

// RecentSignals returns up to limit of the most recent signals, newest first.
func (s *Store) RecentSignals(ctx context.Context, limit int) ([]model.Signal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, kind, price FROM signals
		WHERE symbol = ? ORDER BY id DESC LIMIT ?
	`, s.symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query signals: %w", err)
	}
	defer rows.Close()

	var sigs []model.Signal
	for rows.Next() {
		var sig model.Signal
		if err := rows.Scan(&sig.TS, &sig.Kind, &sig.Price); err != nil {
			return nil, fmt.Errorf("sqlite scan signal: %w", err)
		}
		sigs = append(sigs, sig)
	}
	return sigs, rows.Err()
}

// ── TradeStore ──

// LogTrade appends a trade row and returns its row id.
func (s *Store) LogTrade(ctx context.Context, t model.Trade) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (ts, symbol, side, qty, price, order_id, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.TS, s.symbol, t.Side, t.Qty, t.Price, t.OrderID, t.Status)
	if err != nil {
		return 0, fmt.Errorf("sqlite insert trade: %w", err)
	}
	return res.LastInsertId()
}

// SetTradeStatus updates the status of an existing trade row.
func (s *Store) SetTradeStatus(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE trades SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("sqlite update trade status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite update trade status: no trade with id %d", id)
	}
	return nil
}

// SettleOpenTrade marks the most recent open trade matching the closing
// side as OVER. Matching is by direction only: the opening row may still be
// NEW if the fill confirmation was lost, so status is not part of the match.
func (s *Store) SettleOpenTrade(ctx context.Context, closeSide string) error {
	open := model.OpenSidesFor(closeSide)
	if len(open) == 0 {
		return fmt.Errorf("sqlite settle trade: not a closing side: %s", closeSide)
	}

	placeholders := make([]string, len(open))
	args := []any{s.symbol}
	for i, side := range open {
		placeholders[i] = "?"
		args = append(args, side)
	}
	args = append(args, model.TradeStatusOver)

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE trades SET status = ? WHERE id = (
			SELECT id FROM trades
			WHERE symbol = ? AND side IN (%s) AND status != ?
			ORDER BY id DESC LIMIT 1
		)
	`, strings.Join(placeholders, ",")), append([]any{model.TradeStatusOver}, args...)...)
	if err != nil {
		return fmt.Errorf("sqlite settle trade: %w", err)
	}
	return nil
}

// RecentTrades returns up to limit of the most recent trade rows, newest first.
func (s *Store) RecentTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, side, qty, price, COALESCE(order_id, ''), status FROM trades
		WHERE symbol = ? ORDER BY id DESC LIMIT ?
	`, s.symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query trades: %w", err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		if err := rows.Scan(&t.ID, &t.TS, &t.Side, &t.Qty, &t.Price, &t.OrderID, &t.Status); err != nil {
			return nil, fmt.Errorf("sqlite scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ── ErrorStore ──

// ErrorRecord is one row of the fault log.
type ErrorRecord struct {
	ID       int64  `json:"id"`
	TS       int64  `json:"ts"`
	Location string `json:"location"`
	Message  string `json:"message"`
}

// LogError appends a fault row. A failure to record a fault is itself only
// logged; the caller never sees it.
func (s *Store) LogError(ctx context.Context, location, msg string) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO errors (ts, location, message) VALUES (?, ?, ?)
	`, time.Now().UnixMilli(), location, msg)
	if err != nil {
		log.Printf("[sqlite] error row insert failed (%s: %s): %v", location, msg, err)
	}
}

// RecentErrors returns up to limit of the most recent fault rows, newest first.
func (s *Store) RecentErrors(ctx context.Context, limit int) ([]ErrorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, location, message FROM errors ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query errors: %w", err)
	}
	defer rows.Close()

	var recs []ErrorRecord
	for rows.Next() {
		var r ErrorRecord
		if err := rows.Scan(&r.ID, &r.TS, &r.Location, &r.Message); err != nil {
			return nil, fmt.Errorf("sqlite scan error row: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// ── StateStore ──

// SaveState appends a state snapshot row. Each snapshot is one insert, so a
// crash mid-write leaves the previous snapshot intact.
func (s *Store) SaveState(ctx context.Context, snap model.StateSnapshot) error {
	up, dn := 0, 0
	if snap.BreakoutUp {
		up = 1
	}
	if snap.BreakoutDn {
		dn = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_state (ts, position, pending, entry_price, breakout_level, breakout_up, breakout_dn, last_close, last_event_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, snap.TS, snap.Position, snap.Pending, snap.EntryPrice, snap.BreakoutLevel, up, dn, snap.LastClose, snap.LastEventTime)
	if err != nil {
		return fmt.Errorf("sqlite insert state: %w", err)
	}
	return nil
}

// LoadLatestState returns the most recent snapshot, or nil if none exists.
func (s *Store) LoadLatestState(ctx context.Context) (*model.StateSnapshot, error) {
	var snap model.StateSnapshot
	var up, dn int
	err := s.db.QueryRowContext(ctx, `
		SELECT ts, position, pending, entry_price, breakout_level, breakout_up, breakout_dn, last_close, last_event_time
		FROM strategy_state ORDER BY id DESC LIMIT 1
	`).Scan(&snap.TS, &snap.Position, &snap.Pending, &snap.EntryPrice, &snap.BreakoutLevel, &up, &dn, &snap.LastClose, &snap.LastEventTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite load state: %w", err)
	}
	snap.BreakoutUp = up != 0
	snap.BreakoutDn = dn != 0
	return &snap, nil
}

// PruneState keeps the newest keep snapshots and deletes the rest. Called
// periodically so the table does not grow one row per kline forever.
func (s *Store) PruneState(ctx context.Context, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM strategy_state WHERE id NOT IN (
			SELECT id FROM strategy_state ORDER BY id DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return fmt.Errorf("sqlite prune state: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
