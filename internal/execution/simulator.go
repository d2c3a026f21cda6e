package execution

import (
	"context"
	"fmt"
	"log"
	"time"

	"bolltrader/internal/model"
	"bolltrader/internal/strategy"
)

// Simulator runs the full execution path without exchange credentials,
// recording synthetic fills at the signal's reference price. It is the
// development path and must stay reachable regardless of any credential
// check on the live coordinator.
type Simulator struct {
	symbol         string
	balance        float64 // simulated USDT balance
	maxPositionPct float64
	qtyPrecision   int
	trades         model.TradeStore
	errs           model.ErrorStore

	orderSeq int64
	openQty  float64 // quantity of the currently open simulated position

	now func() time.Time
}

// NewSimulator creates a simulated executor with the given account balance.
func NewSimulator(symbol string, balance, maxPositionPct float64, qtyPrecision int, trades model.TradeStore, errs model.ErrorStore) *Simulator {
	return &Simulator{
		symbol:         symbol,
		balance:        balance,
		maxPositionPct: maxPositionPct,
		qtyPrecision:   qtyPrecision,
		trades:         trades,
		errs:           errs,
		now:            time.Now,
	}
}

// Execute records the trades a signal implies, with synthetic fills at the
// observed price. There is no exchange to reconcile against: local state is
// authoritative in simulation.
func (s *Simulator) Execute(ctx context.Context, sig model.Signal, st *strategy.State) {
	switch sig.Kind {
	case model.SignalOpenLong:
		s.recordOpen(ctx, model.SideBuy, sig.Price)
	case model.SignalOpenShort:
		s.recordOpen(ctx, model.SideSell, sig.Price)
	case model.SignalCloseShortOpenLong:
		s.recordClose(ctx, model.SideBuyClose, sig.Price)
		s.recordOpen(ctx, model.SideBuyOpen, sig.Price)
	case model.SignalCloseLongOpenShort:
		s.recordClose(ctx, model.SideSellClose, sig.Price)
		s.recordOpen(ctx, model.SideSellOpen, sig.Price)
	case model.SignalStopLossShort:
		s.recordClose(ctx, model.SideBuyStopLoss, sig.Price)
	case model.SignalStopLossLong:
		s.recordClose(ctx, model.SideSellStopLoss, sig.Price)
	default:
		s.errs.LogError(ctx, "execution", "unknown signal kind: "+sig.Kind)
	}
}

// recordOpen logs an entry with a synthetic fill: NEW on submission,
// FILLED immediately after.
func (s *Simulator) recordOpen(ctx context.Context, side string, price float64) {
	qty := TruncateQty(s.balance*s.maxPositionPct/price, s.qtyPrecision)
	if qty <= 0 {
		log.Printf("[sim] qty computed as 0, skipping %s @ %v", side, price)
		return
	}

	id, err := s.trades.LogTrade(ctx, model.Trade{
		TS:      s.now().UnixMilli(),
		Side:    side,
		Qty:     qty,
		Price:   price,
		OrderID: s.nextOrderID(),
		Status:  model.TradeStatusNew,
	})
	if err != nil {
		s.errs.LogError(ctx, "trades", "log trade: "+err.Error())
		return
	}
	if err := s.trades.SetTradeStatus(ctx, id, model.TradeStatusFilled); err != nil {
		s.errs.LogError(ctx, "trades", "fill trade: "+err.Error())
	}
	s.openQty = qty
	log.Printf("[sim] %s %v @ %v (synthetic fill)", side, qty, price)
}

// recordClose logs the closing leg with the quantity of the open position it
// settles, then marks that open trade settled.
func (s *Simulator) recordClose(ctx context.Context, closeSide string, price float64) {
	qty := s.openQty
	s.openQty = 0
	id, err := s.trades.LogTrade(ctx, model.Trade{
		TS:      s.now().UnixMilli(),
		Side:    closeSide,
		Qty:     qty,
		Price:   price,
		OrderID: s.nextOrderID(),
		Status:  model.TradeStatusNew,
	})
	if err != nil {
		s.errs.LogError(ctx, "trades", "log trade: "+err.Error())
		return
	}
	if err := s.trades.SetTradeStatus(ctx, id, model.TradeStatusFilled); err != nil {
		s.errs.LogError(ctx, "trades", "fill trade: "+err.Error())
	}
	if err := s.trades.SettleOpenTrade(ctx, closeSide); err != nil {
		s.errs.LogError(ctx, "trades", "settle open trade: "+err.Error())
	}
	log.Printf("[sim] %s %v @ %v (synthetic fill)", closeSide, qty, price)
}

func (s *Simulator) nextOrderID() string {
	s.orderSeq++
	return fmt.Sprintf("SIM-%d", s.orderSeq)
}
