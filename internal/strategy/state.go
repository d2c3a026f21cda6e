// Package strategy implements the breakout/pull-back state machine that
// turns band values and close prices into trading signals.
//
// The machine is a pure function of (state, price, band) → (state', signal?).
// Exactly one State value is authoritative at any instant; the engine owns it
// in memory and persists a snapshot after every mutation.
package strategy

import "bolltrader/internal/model"

// Position is the machine's belief about the open position.
type Position string

const (
	Flat  Position = "flat"
	Long  Position = "long"
	Short Position = "short"
)

// Pending tracks an armed entry or reversal awaiting confirmation.
type Pending string

const (
	None                Pending = "none"
	WaitingLongEntry    Pending = "waiting_long_entry"
	WaitingShortEntry   Pending = "waiting_short_entry"
	WaitingLongConfirm  Pending = "waiting_long_confirm"
	WaitingShortConfirm Pending = "waiting_short_confirm"
)

// State is the strategy's full belief: position, pending intent, breakout
// memory, and the previous processed sample (for cross detection and the
// duplicate-event guard).
type State struct {
	Position   Position
	Pending    Pending
	EntryPrice float64

	// Breakout memory: price has recently crossed outside the band.
	// Flags persist until consumed by a confirmation or reset by a stop.
	BreakoutUp    bool
	BreakoutDn    bool
	BreakoutLevel float64 // band edge value captured at the breakout

	LastClose     float64 // previous processed close price
	LastEventTime int64   // previous processed event time (ms)
}

// NewState returns the initial flat state.
func NewState() State {
	return State{Position: Flat, Pending: None}
}

// Valid reports whether (position, pending) is one of the allowed
// combinations. Entry waits only while flat; confirm waits only against the
// position they would flip.
func (s State) Valid() bool {
	switch s.Position {
	case Flat:
		return s.Pending == None || s.Pending == WaitingLongEntry || s.Pending == WaitingShortEntry
	case Long:
		return s.Pending == None || s.Pending == WaitingShortConfirm
	case Short:
		return s.Pending == None || s.Pending == WaitingLongConfirm
	}
	return false
}

// Snapshot converts the state to its persisted form.
func (s State) Snapshot(ts int64) model.StateSnapshot {
	return model.StateSnapshot{
		TS:            ts,
		Position:      string(s.Position),
		Pending:       string(s.Pending),
		EntryPrice:    s.EntryPrice,
		BreakoutLevel: s.BreakoutLevel,
		BreakoutUp:    s.BreakoutUp,
		BreakoutDn:    s.BreakoutDn,
		LastClose:     s.LastClose,
		LastEventTime: s.LastEventTime,
	}
}

// FromSnapshot restores a state from its persisted form. Returns false when
// the snapshot holds values outside the state machine's domain; running with
// corrupt state is worse than failing fast at startup.
func FromSnapshot(snap model.StateSnapshot) (State, bool) {
	st := State{
		Position:      Position(snap.Position),
		Pending:       Pending(snap.Pending),
		EntryPrice:    snap.EntryPrice,
		BreakoutLevel: snap.BreakoutLevel,
		BreakoutUp:    snap.BreakoutUp,
		BreakoutDn:    snap.BreakoutDn,
		LastClose:     snap.LastClose,
		LastEventTime: snap.LastEventTime,
	}
	if st.Pending == "" {
		st.Pending = None
	}
	return st, st.Valid()
}
