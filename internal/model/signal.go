package model

// Signal kinds emitted by the strategy state machine.
const (
	SignalOpenLong           = "open_long"
	SignalOpenShort          = "open_short"
	SignalCloseShortOpenLong = "close_short_open_long"
	SignalCloseLongOpenShort = "close_long_open_short"
	SignalStopLossLong       = "stop_loss_long"
	SignalStopLossShort      = "stop_loss_short"
)

// Signal is one decision the state machine made. Append-only, never mutated.
type Signal struct {
	TS    int64   `json:"ts"`   // ms since epoch
	Kind  string  `json:"kind"` // one of the Signal* constants
	Price float64 `json:"price"`
}
