package model

import "context"

// ── Storage Port Interfaces ──
// These interfaces decouple the pipeline from concrete storage implementations
// (SQLite, Redis). Each implementation satisfies one or more of these.

// KlineStore persists incoming klines and reads them back for recovery.
type KlineStore interface {
	// UpsertKline inserts or replaces the kline row keyed by open time.
	UpsertKline(ctx context.Context, k Kline) error

	// RecentKlines returns up to limit of the most recent klines in
	// ascending open-time order.
	RecentKlines(ctx context.Context, limit int) ([]Kline, error)
}

// BandStore persists one band row per closed kline.
type BandStore interface {
	// UpsertBand inserts or replaces the band row for its kline open time.
	UpsertBand(ctx context.Context, b Band) error
}

// SignalStore records emitted signals. Append-only.
type SignalStore interface {
	LogSignal(ctx context.Context, s Signal) error
}

// TradeStore records order lifecycle rows.
type TradeStore interface {
	// LogTrade appends a trade row and returns its row id.
	LogTrade(ctx context.Context, t Trade) (int64, error)

	// SetTradeStatus updates the status of an existing trade row.
	SetTradeStatus(ctx context.Context, id int64, status string) error

	// SettleOpenTrade marks the most recent open trade matching the given
	// closing side as OVER, regardless of its current status value.
	SettleOpenTrade(ctx context.Context, closeSide string) error
}

// ErrorStore records recoverable faults. Append-only; implementations must
// never fail the caller.
type ErrorStore interface {
	LogError(ctx context.Context, location, msg string)
}

// StateSnapshot is the persisted form of the strategy state. One row is
// written atomically after every mutation; the latest row is authoritative
// after a cold start.
type StateSnapshot struct {
	TS            int64   `json:"ts"`
	Position      string  `json:"position"`
	Pending       string  `json:"pending"`
	EntryPrice    float64 `json:"entry_price"`
	BreakoutLevel float64 `json:"breakout_level"`
	BreakoutUp    bool    `json:"breakout_up"`
	BreakoutDn    bool    `json:"breakout_dn"`
	LastClose     float64 `json:"last_close_price"`
	LastEventTime int64   `json:"last_event_time"`
}

// StateStore persists strategy state snapshots.
type StateStore interface {
	SaveState(ctx context.Context, snap StateSnapshot) error

	// LoadLatestState returns the most recent snapshot, or nil if none.
	LoadLatestState(ctx context.Context) (*StateSnapshot, error)
}

// ── Exchange Port Interface ──

// OrderAck is the exchange's acknowledgment of a submitted order.
type OrderAck struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// ExchangeClient is the narrow surface of the futures trading endpoint the
// execution coordinator calls. All calls carry a bounded request timeout via
// ctx and are not idempotent.
type ExchangeClient interface {
	// GetPosition returns the open position for symbol, or nil when flat.
	GetPosition(ctx context.Context, symbol string) (*Position, error)

	// AvailableBalance returns the free USDT margin balance.
	AvailableBalance(ctx context.Context) (float64, error)

	// PlaceMarketOrder submits a market order. reduceOnly orders only ever
	// shrink an existing position.
	PlaceMarketOrder(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (*OrderAck, error)

	// PlaceStopOrder submits a reduce-only, position-closing STOP_MARKET
	// order triggered at stopPrice. workingType selects the trigger price
	// reference (MARK_PRICE or CONTRACT_PRICE).
	PlaceStopOrder(ctx context.Context, symbol, side string, stopPrice float64, workingType string) (*OrderAck, error)

	// SetLeverage sets the position leverage for symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}
