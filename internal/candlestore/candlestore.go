// Package candlestore provides a bounded, time-ordered buffer of klines for
// one symbol+interval stream. The last bar may still be forming and is
// updated in place; once a bar closes it is frozen forever. Designed for
// single-goroutine usage, so no locks.
package candlestore

import (
	"errors"
	"fmt"
	"math"

	"bolltrader/internal/model"
)

// ErrDataIntegrity marks malformed market data (NaN prices, non-monotonic
// timestamps, mutation of a frozen bar). The offending kline is dropped.
var ErrDataIntegrity = errors.New("data integrity violation")

// Store is an append-only window of klines bounded at capacity.
type Store struct {
	symbol   string
	interval string
	capacity int

	klines []model.Kline // ascending open time; last entry may be forming
	closed int           // count of closed klines currently in the window
}

// New creates a store bounded at capacity klines. Minimum capacity is 2.
func New(symbol, interval string, capacity int) *Store {
	if capacity < 2 {
		capacity = 2
	}
	return &Store{
		symbol:   symbol,
		interval: interval,
		capacity: capacity,
		klines:   make([]model.Kline, 0, capacity),
	}
}

// Apply validates and absorbs one kline event: a new bar is appended, an
// update to the forming bar replaces it in place. Returns ErrDataIntegrity
// (wrapped) for malformed input; the store is unchanged in that case.
func (s *Store) Apply(k model.Kline) error {
	if err := validate(k); err != nil {
		return err
	}
	if k.Symbol != s.symbol || k.Interval != s.interval {
		return fmt.Errorf("%w: kline %s:%s on store %s:%s",
			ErrDataIntegrity, k.Symbol, k.Interval, s.symbol, s.interval)
	}

	n := len(s.klines)
	if n == 0 {
		s.append(k)
		return nil
	}

	last := &s.klines[n-1]
	switch {
	case k.OpenTime == last.OpenTime:
		if last.IsClosed {
			// Closed bars are frozen; a re-delivery of the same closed bar
			// is tolerated, anything else is a corruption attempt.
			if k.IsClosed && k.Close == last.Close {
				return nil
			}
			return fmt.Errorf("%w: update to frozen bar open_time=%d", ErrDataIntegrity, k.OpenTime)
		}
		if k.IsClosed {
			s.closed++
		}
		*last = k
		return nil
	case k.OpenTime > last.OpenTime:
		s.append(k)
		return nil
	default:
		return fmt.Errorf("%w: non-monotonic open_time %d after %d",
			ErrDataIntegrity, k.OpenTime, last.OpenTime)
	}
}

func (s *Store) append(k model.Kline) {
	if len(s.klines) == s.capacity {
		if s.klines[0].IsClosed {
			s.closed--
		}
		copy(s.klines, s.klines[1:])
		s.klines = s.klines[:s.capacity-1]
	}
	s.klines = append(s.klines, k)
	if k.IsClosed {
		s.closed++
	}
}

// Latest returns the most recent kline (closed or forming).
func (s *Store) Latest() (model.Kline, bool) {
	if len(s.klines) == 0 {
		return model.Kline{}, false
	}
	return s.klines[len(s.klines)-1], true
}

// Len returns the number of klines currently buffered.
func (s *Store) Len() int { return len(s.klines) }

// ClosedCount returns the number of closed klines currently buffered.
func (s *Store) ClosedCount() int { return s.closed }

// ClosedCloses returns the close prices of the last n closed klines in
// ascending time order, or nil when fewer than n are buffered.
func (s *Store) ClosedCloses(n int) []float64 {
	if s.closed < n {
		return nil
	}
	out := make([]float64, 0, n)
	for i := len(s.klines) - 1; i >= 0 && len(out) < n; i-- {
		if s.klines[i].IsClosed {
			out = append(out, s.klines[i].Close)
		}
	}
	// collected newest-first; reverse
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func validate(k model.Kline) error {
	for _, v := range [...]float64{k.Open, k.High, k.Low, k.Close, k.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite field in kline open_time=%d", ErrDataIntegrity, k.OpenTime)
		}
	}
	if k.Open <= 0 || k.High <= 0 || k.Low <= 0 || k.Close <= 0 {
		return fmt.Errorf("%w: non-positive price in kline open_time=%d", ErrDataIntegrity, k.OpenTime)
	}
	if k.CloseTime <= k.OpenTime {
		return fmt.Errorf("%w: close_time %d <= open_time %d", ErrDataIntegrity, k.CloseTime, k.OpenTime)
	}
	return nil
}
