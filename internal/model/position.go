package model

// Position represents an open futures position as reported by the exchange.
type Position struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"` // "long" or "short"
	Qty        float64 `json:"qty"`  // absolute contract quantity
	EntryPrice float64 `json:"entry_price"`
	MarkPrice  float64 `json:"mark_price"`
	Leverage   int     `json:"leverage"`
	UnPnL      float64 `json:"unrealized_pnl"` // USDT
	LiqPrice   float64 `json:"liquidation_price"`
}

// Notional returns the current position value in USDT.
func (p *Position) Notional() float64 {
	return p.Qty * p.MarkPrice
}

// InitialMargin returns the margin committed at entry: qty*entry/leverage.
func (p *Position) InitialMargin() float64 {
	if p.Leverage <= 0 {
		return p.Qty * p.EntryPrice
	}
	return p.Qty * p.EntryPrice / float64(p.Leverage)
}

// ReturnPct derives the position return percentage from unrealized PnL and
// initial margin. The exchange response carries an optional percentage field
// that is not always present, so it is never trusted.
func (p *Position) ReturnPct() float64 {
	m := p.InitialMargin()
	if m == 0 {
		return 0
	}
	return p.UnPnL / m * 100
}
