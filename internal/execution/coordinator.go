// Package execution turns signals into exchange orders.
//
// The Coordinator reconciles local position belief against the exchange
// before acting, sizes orders from the available balance, submits market
// orders with optional protective stops, and records every order lifecycle
// in the trade store. Reversals are executed as two legs: the closing order
// is acknowledged before the opposite entry is submitted, so a partial
// failure never silently creates an unintended net position.
package execution

import (
	"context"
	"log"
	"math"
	"sync/atomic"
	"time"

	"bolltrader/internal/model"
	"bolltrader/internal/strategy"
)

// Executor is the surface the pipeline drives. Both the live Coordinator and
// the Simulator satisfy it.
type Executor interface {
	// Execute acts on one signal. st is the pipeline's authoritative state
	// and may be overridden by reconciliation. Failures are recorded in the
	// error store; Execute never panics and never blocks beyond the
	// configured request timeout per call.
	Execute(ctx context.Context, sig model.Signal, st *strategy.State)
}

// Config holds the coordinator's trading parameters.
type Config struct {
	Symbol          string
	MaxPositionPct  float64 // fraction of available balance per position
	StopLossPct     float64 // protective stop distance from entry
	StopLossEnabled bool
	StopWorkingType string // MARK_PRICE or CONTRACT_PRICE
	QtyPrecision    int
	PricePrecision  int
	RequestTimeout  time.Duration
}

// Coordinator executes signals against a real exchange.
type Coordinator struct {
	cfg    Config
	client model.ExchangeClient
	trades model.TradeStore
	errs   model.ErrorStore

	suspended atomic.Bool

	now func() time.Time
}

// NewCoordinator creates a live execution coordinator.
func NewCoordinator(cfg Config, client model.ExchangeClient, trades model.TradeStore, errs model.ErrorStore) *Coordinator {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Coordinator{
		cfg:    cfg,
		client: client,
		trades: trades,
		errs:   errs,
		now:    time.Now,
	}
}

// ApplyLeverage sets the configured leverage once at startup. A failure is
// logged but not fatal; the exchange keeps its previous setting.
func (c *Coordinator) ApplyLeverage(ctx context.Context, leverage int) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	if err := c.client.SetLeverage(rctx, c.cfg.Symbol, leverage); err != nil {
		log.Printf("[executor] change leverage failed: %v", err)
		c.errs.LogError(ctx, "leverage", err.Error())
	}
}

// Suspend stops new order submission until Resume. Signals arriving while
// suspended are persisted upstream but not acted on.
func (c *Coordinator) Suspend() {
	if !c.suspended.Swap(true) {
		log.Printf("[executor] trading suspended: connectivity lost")
	}
}

// Resume re-enables submission. The next Execute reconciles before acting,
// so restart drift accumulated during the outage is absorbed.
func (c *Coordinator) Resume() {
	if c.suspended.Swap(false) {
		log.Printf("[executor] trading resumed")
	}
}

// Suspended reports whether submission is currently suspended.
func (c *Coordinator) Suspended() bool { return c.suspended.Load() }

// Reconcile queries the exchange's actual position and overrides local
// belief on success. On failure the caller keeps its last-known state; the
// fault is recorded and trading continues. Returns the exchange position
// (nil when flat) and whether the query succeeded.
func (c *Coordinator) Reconcile(ctx context.Context, st *strategy.State) (*model.Position, bool) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	pos, err := c.client.GetPosition(rctx, c.cfg.Symbol)
	if err != nil {
		log.Printf("[executor] position query failed, using local state: %v", err)
		c.errs.LogError(ctx, "reconcile", err.Error())
		return nil, false
	}

	if pos == nil {
		if st.Position != strategy.Flat {
			log.Printf("[executor] reconcile: exchange flat, local was %s", st.Position)
		}
		st.Position = strategy.Flat
		st.EntryPrice = 0
		repairPending(st)
		return nil, true
	}

	side := strategy.Long
	if pos.Side == "short" {
		side = strategy.Short
	}
	if st.Position != side {
		log.Printf("[executor] reconcile: exchange %s qty=%v, local was %s", pos.Side, pos.Qty, st.Position)
	}
	st.Position = side
	st.EntryPrice = pos.EntryPrice
	repairPending(st)
	return pos, true
}

// repairPending clears a pending intent that is no longer reachable after
// the position override. A pending armed against the old position would
// otherwise survive as a combination the machine can never consume, and the
// persisted snapshot would refuse to load on the next restart.
func repairPending(st *strategy.State) {
	if st.Valid() {
		return
	}
	log.Printf("[executor] reconcile: dropping pending %s, unreachable from position %s", st.Pending, st.Position)
	st.Pending = strategy.None
}

// Execute acts on one signal: reconcile, then place the orders the signal
// calls for. Each submission is attempted exactly once; the next signal may
// retry the net effect.
func (c *Coordinator) Execute(ctx context.Context, sig model.Signal, st *strategy.State) {
	if c.suspended.Load() {
		log.Printf("[executor] suspended, not acting on %s @ %v", sig.Kind, sig.Price)
		return
	}

	pos, _ := c.Reconcile(ctx, st)

	switch sig.Kind {
	case model.SignalOpenLong:
		c.openPosition(ctx, sig, st, model.SideBuy, strategy.Long)
	case model.SignalOpenShort:
		c.openPosition(ctx, sig, st, model.SideSell, strategy.Short)
	case model.SignalCloseShortOpenLong:
		if c.flatten(ctx, sig, pos, st, model.SideBuyClose) {
			c.openPosition(ctx, sig, st, model.SideBuyOpen, strategy.Long)
		}
	case model.SignalCloseLongOpenShort:
		if c.flatten(ctx, sig, pos, st, model.SideSellClose) {
			c.openPosition(ctx, sig, st, model.SideSellOpen, strategy.Short)
		}
	case model.SignalStopLossShort:
		c.flatten(ctx, sig, pos, st, model.SideBuyStopLoss)
	case model.SignalStopLossLong:
		c.flatten(ctx, sig, pos, st, model.SideSellStopLoss)
	default:
		c.errs.LogError(ctx, "execution", "unknown signal kind: "+sig.Kind)
	}
}

// openPosition sizes and submits a market entry, then attaches the
// protective stop when enabled.
func (c *Coordinator) openPosition(ctx context.Context, sig model.Signal, st *strategy.State, recordSide string, dir strategy.Position) {
	qty := c.sizeQty(ctx, sig.Price)
	if qty <= 0 {
		log.Printf("[executor] qty computed as 0, skipping %s", sig.Kind)
		return
	}

	orderSide := model.SideBuy
	if dir == strategy.Short {
		orderSide = model.SideSell
	}
	ack, ok := c.submit(ctx, orderSide, qty, false, recordSide, sig.Price)
	if !ok {
		return
	}
	log.Printf("[executor] %s %v @ %v order=%s status=%s", recordSide, qty, sig.Price, ack.OrderID, ack.Status)

	if c.cfg.StopLossEnabled {
		c.placeProtectiveStop(ctx, dir, sig.Price)
	}
}

// flatten closes the current position with a reduce-only market order and
// settles the matching open trade. Returns false when the close leg could
// not be confirmed, in which case the caller must not open the next leg.
func (c *Coordinator) flatten(ctx context.Context, sig model.Signal, pos *model.Position, st *strategy.State, closeSide string) bool {
	if pos == nil {
		// Reconciliation failed or reported flat; query once more so the
		// close leg has a quantity to work with.
		rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		p, err := c.client.GetPosition(rctx, c.cfg.Symbol)
		cancel()
		if err != nil {
			c.errs.LogError(ctx, "order", "flatten: position unavailable: "+err.Error())
			return false
		}
		pos = p
	}
	if pos == nil {
		log.Printf("[executor] flatten: no open position for %s, nothing to close", sig.Kind)
		return true
	}

	orderSide := model.SideBuy // closing a short buys back
	if pos.Side == "long" {
		orderSide = model.SideSell
	}
	ack, ok := c.submit(ctx, orderSide, pos.Qty, true, closeSide, sig.Price)
	if !ok {
		return false
	}
	log.Printf("[executor] %s qty=%v @ %v order=%s status=%s", closeSide, pos.Qty, sig.Price, ack.OrderID, ack.Status)

	if err := c.trades.SettleOpenTrade(ctx, closeSide); err != nil {
		c.errs.LogError(ctx, "trades", "settle open trade: "+err.Error())
	}
	return true
}

// submit places one market order and records its trade row. A failure is
// logged and recorded; there is no retry.
func (c *Coordinator) submit(ctx context.Context, side string, qty float64, reduceOnly bool, recordSide string, price float64) (*model.OrderAck, bool) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	ack, err := c.client.PlaceMarketOrder(rctx, c.cfg.Symbol, side, qty, reduceOnly)
	if err != nil {
		log.Printf("[executor] order failed: %v", err)
		c.errs.LogError(ctx, "order", err.Error())
		return nil, false
	}

	status := ack.Status
	if status == "" {
		status = model.TradeStatusNew
	}
	if _, err := c.trades.LogTrade(ctx, model.Trade{
		TS:      c.now().UnixMilli(),
		Side:    recordSide,
		Qty:     qty,
		Price:   price,
		OrderID: ack.OrderID,
		Status:  status,
	}); err != nil {
		c.errs.LogError(ctx, "trades", "log trade: "+err.Error())
	}
	return ack, true
}

// placeProtectiveStop submits the exchange-resident reduce-only stop at
// entry*(1±stop_loss_pct). This is the primary protection; the software
// stop rule remains as a safety net and may lag it.
func (c *Coordinator) placeProtectiveStop(ctx context.Context, dir strategy.Position, entryPrice float64) {
	var stopPrice float64
	var side string
	switch dir {
	case strategy.Long:
		stopPrice = entryPrice * (1 - c.cfg.StopLossPct)
		side = model.SideSell
	case strategy.Short:
		stopPrice = entryPrice * (1 + c.cfg.StopLossPct)
		side = model.SideBuy
	default:
		return
	}
	stopPrice = roundTo(stopPrice, c.cfg.PricePrecision)

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	ack, err := c.client.PlaceStopOrder(rctx, c.cfg.Symbol, side, stopPrice, c.cfg.StopWorkingType)
	if err != nil {
		log.Printf("[executor] place stop loss failed: %v", err)
		c.errs.LogError(ctx, "stop_loss", err.Error())
		return
	}
	log.Printf("[executor] protective stop %s @ %v order=%s", side, stopPrice, ack.OrderID)
}

// sizeQty computes the order quantity: available balance × max_position_pct
// at the reference price, truncated (never rounded up) to the quantity
// precision.
func (c *Coordinator) sizeQty(ctx context.Context, price float64) float64 {
	if price <= 0 {
		return 0
	}
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	bal, err := c.client.AvailableBalance(rctx)
	if err != nil {
		c.errs.LogError(ctx, "balance", err.Error())
		return 0
	}
	return TruncateQty(bal*c.cfg.MaxPositionPct/price, c.cfg.QtyPrecision)
}

// TruncateQty truncates q down to the given decimal precision.
func TruncateQty(q float64, precision int) float64 {
	if q <= 0 {
		return 0
	}
	factor := math.Pow(10, float64(precision))
	return math.Floor(q*factor) / factor
}

func roundTo(v float64, precision int) float64 {
	factor := math.Pow(10, float64(precision))
	return math.Round(v*factor) / factor
}
