package model

// Trade order lifecycle statuses. A trade starts NEW when submitted, becomes
// FILLED on confirmation, and is marked OVER once an associated closing trade
// has been recorded.
const (
	TradeStatusNew    = "NEW"
	TradeStatusFilled = "FILLED"
	TradeStatusOver   = "OVER"
)

// Trade order sides. Plain BUY/SELL open a position; the suffixed variants
// record the two legs of a reversal and stop-loss exits.
const (
	SideBuy          = "BUY"
	SideSell         = "SELL"
	SideBuyOpen      = "BUY_OPEN"
	SideSellOpen     = "SELL_OPEN"
	SideBuyClose     = "BUY_CLOSE"
	SideSellClose    = "SELL_CLOSE"
	SideBuyStopLoss  = "BUY_STOP_LOSS"
	SideSellStopLoss = "SELL_STOP_LOSS"
)

// Trade is one order lifecycle record. Created on submission, its status is
// updated on fill and closure; rows are never deleted.
type Trade struct {
	ID      int64   `json:"id"`
	TS      int64   `json:"ts"` // ms since epoch
	Side    string  `json:"side"`
	Qty     float64 `json:"qty"`
	Price   float64 `json:"price"`
	OrderID string  `json:"order_id"`
	Status  string  `json:"status"`
}

// OpenSidesFor maps a closing side to the opening sides it settles.
// Closing a long (SELL_CLOSE / SELL_STOP_LOSS) settles BUY or BUY_OPEN;
// closing a short settles SELL or SELL_OPEN.
func OpenSidesFor(closeSide string) []string {
	switch closeSide {
	case SideSellClose, SideSellStopLoss:
		return []string{SideBuy, SideBuyOpen}
	case SideBuyClose, SideBuyStopLoss:
		return []string{SideSell, SideSellOpen}
	}
	return nil
}
