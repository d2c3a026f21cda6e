package strategy

import (
	"errors"
	"fmt"
	"math"

	"bolltrader/internal/model"
)

// ErrInvalidPrice marks a non-finite or non-positive price sample. The event
// is skipped and state is left unchanged.
var ErrInvalidPrice = errors.New("strategy: invalid price")

// Event is one price sample fed to the machine: the close price of either a
// forming or a closed kline.
type Event struct {
	Time   int64   // event timestamp (ms), the kline open time
	Price  float64 // current close price
	Closed bool    // true when this sample closed the kline
}

// Options tune the machine's confirmation behavior.
type Options struct {
	// OnlyOnClose restricts the machine to kline-close events. Forming
	// samples are ignored entirely: they neither emit signals nor touch
	// breakout memory, so cross detection always compares closed closes.
	OnlyOnClose bool

	// ReentryBuffer requires price back inside the band by this fraction
	// (0.001 = 0.1%) before a confirmation fires.
	ReentryBuffer float64

	// UseBreakoutLevel confirms against the band edge captured at the
	// breakout instead of the current band edge.
	UseBreakoutLevel bool
}

// Evaluate advances the machine by one event against the given band and
// returns the new state plus at most one signal. Rules are applied in fixed
// priority order: breakout memory, entry arming, entry confirmation,
// reversal arming, reversal confirmation, stop-loss; the first match wins.
func Evaluate(st State, evt Event, band model.Band, opts Options) (State, *model.Signal, error) {
	price := evt.Price
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return st, nil, fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}

	// Close-only mode drops forming samples before they can touch state;
	// consuming a band cross mid-candle would leave nothing for the close
	// event to act on.
	if opts.OnlyOnClose && !evt.Closed {
		return st, nil, nil
	}

	// Duplicate-event guard: replaying an already-processed sample is a no-op.
	if evt.Time == st.LastEventTime && price == st.LastClose {
		return st, nil, nil
	}

	// Breakout memory: record a cross from inside the band to outside it.
	// The very first sample has no previous close and counts as a cross.
	crossUp := price > band.Up && (st.LastClose == 0 || st.LastClose <= band.Up)
	crossDn := price < band.Dn && (st.LastClose == 0 || st.LastClose >= band.Dn)
	freshUp := crossUp && !st.BreakoutUp
	freshDn := crossDn && !st.BreakoutDn
	if freshUp {
		st.BreakoutUp = true
		st.BreakoutLevel = band.Up
	}
	if freshDn {
		st.BreakoutDn = true
		st.BreakoutLevel = band.Dn
	}

	// Entry arming: a fresh breakout while flat arms the fade entry.
	if st.Position == Flat && st.Pending == None {
		if freshUp {
			st.Pending = WaitingShortEntry
			return finish(st, evt), nil, nil
		}
		if freshDn {
			st.Pending = WaitingLongEntry
			return finish(st, evt), nil, nil
		}
	}

	// Entry confirmation: price pulled back inside the band.
	if st.Position == Flat {
		switch st.Pending {
		case WaitingShortEntry:
			if price <= confirmLevel(st, band.Up, opts)*(1-opts.ReentryBuffer) {
				st.Position = Short
				st.Pending = None
				st.EntryPrice = price
				st = clearBreakouts(st)
				return finish(st, evt), signal(model.SignalOpenShort, evt), nil
			}
		case WaitingLongEntry:
			if price >= confirmLevel(st, band.Dn, opts)*(1+opts.ReentryBuffer) {
				st.Position = Long
				st.Pending = None
				st.EntryPrice = price
				st = clearBreakouts(st)
				return finish(st, evt), signal(model.SignalOpenLong, evt), nil
			}
		}
	}

	// Reversal arming: a fresh breakout through the far band while holding
	// a position arms the flip.
	if st.Pending == None {
		if st.Position == Short && freshDn {
			st.Pending = WaitingLongConfirm
			return finish(st, evt), nil, nil
		}
		if st.Position == Long && freshUp {
			st.Pending = WaitingShortConfirm
			return finish(st, evt), nil, nil
		}
	}

	// Reversal confirmation: price rebounded back inside the band.
	if st.Position == Short && st.Pending == WaitingLongConfirm &&
		price >= confirmLevel(st, band.Dn, opts)*(1+opts.ReentryBuffer) {
		st.Position = Long
		st.Pending = None
		st.EntryPrice = price
		st = clearBreakouts(st)
		return finish(st, evt), signal(model.SignalCloseShortOpenLong, evt), nil
	}
	if st.Position == Long && st.Pending == WaitingShortConfirm &&
		price <= confirmLevel(st, band.Up, opts)*(1-opts.ReentryBuffer) {
		st.Position = Short
		st.Pending = None
		st.EntryPrice = price
		st = clearBreakouts(st)
		return finish(st, evt), signal(model.SignalCloseLongOpenShort, evt), nil
	}

	// Stop-loss: the band re-breached against the open position without a
	// reversal having been armed.
	if st.Pending == None {
		if st.Position == Short && crossUp {
			st = resetAfterStop(st)
			return finish(st, evt), signal(model.SignalStopLossShort, evt), nil
		}
		if st.Position == Long && crossDn {
			st = resetAfterStop(st)
			return finish(st, evt), signal(model.SignalStopLossLong, evt), nil
		}
	}

	return finish(st, evt), nil, nil
}

// confirmLevel returns the band edge a confirmation compares against.
func confirmLevel(st State, current float64, opts Options) float64 {
	if opts.UseBreakoutLevel && st.BreakoutLevel > 0 {
		return st.BreakoutLevel
	}
	return current
}

// clearBreakouts consumes the breakout memory when a position changes;
// a fresh position starts with fresh memory.
func clearBreakouts(st State) State {
	st.BreakoutUp = false
	st.BreakoutDn = false
	st.BreakoutLevel = 0
	return st
}

func resetAfterStop(st State) State {
	st.Position = Flat
	st.Pending = None
	st.EntryPrice = 0
	return clearBreakouts(st)
}

func finish(st State, evt Event) State {
	st.LastClose = evt.Price
	st.LastEventTime = evt.Time
	return st
}

func signal(kind string, evt Event) *model.Signal {
	return &model.Signal{TS: evt.Time, Kind: kind, Price: evt.Price}
}
