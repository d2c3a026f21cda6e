// Package indicator computes the Bollinger band over closed klines.
//
// The band is a pure function of the trailing window of closed closes:
// feeding the same window always yields bit-identical values. Intra-bar
// price movement never mutates the band.
package indicator

import (
	"errors"
	"fmt"
	"math"

	"bolltrader/internal/model"
)

// ErrDataIntegrity marks malformed numeric input; the offending kline is
// dropped rather than corrupting the window.
var ErrDataIntegrity = errors.New("indicator: data integrity violation")

// Boll maintains a rolling mean/stddev band over the last window closed
// closes. Uses a preallocated circular buffer; single-goroutine usage.
type Boll struct {
	window int
	mult   float64
	ddof   int // stddev divisor is (window - ddof); 0 = population

	buf      []float64 // circular buffer of closed closes
	idx      int       // current write position
	count    int       // total closed closes received
	lastOpen int64     // open time of the last absorbed close
}

// NewBoll creates a Bollinger band indicator. window must be >= 2.
func NewBoll(window int, mult float64, ddof int) *Boll {
	if window < 2 {
		window = 2
	}
	if ddof < 0 || ddof >= window {
		ddof = 0
	}
	return &Boll{
		window: window,
		mult:   mult,
		ddof:   ddof,
		buf:    make([]float64, window),
	}
}

// Window returns the configured window size.
func (b *Boll) Window() int { return b.window }

// Ready reports whether a full window of closed closes has accumulated.
func (b *Boll) Ready() bool { return b.count >= b.window }

// Update feeds one closed kline and returns the band for it, or nil during
// the cold-start gap before the window is full. Forming klines are rejected.
// A repeated or older open time is skipped without mutating the window, so a
// re-delivered closed bar can never be counted twice.
func (b *Boll) Update(k model.Kline) (*model.Band, error) {
	if !k.IsClosed {
		return nil, fmt.Errorf("%w: update from forming kline open_time=%d", ErrDataIntegrity, k.OpenTime)
	}
	if math.IsNaN(k.Close) || math.IsInf(k.Close, 0) || k.Close <= 0 {
		return nil, fmt.Errorf("%w: close=%v open_time=%d", ErrDataIntegrity, k.Close, k.OpenTime)
	}
	if b.count > 0 && k.OpenTime <= b.lastOpen {
		return nil, nil
	}
	b.lastOpen = k.OpenTime

	b.buf[b.idx] = k.Close
	b.idx = (b.idx + 1) % b.window
	b.count++

	if !b.Ready() {
		return nil, nil
	}

	ma, std := b.meanStd(b.buf, b.window)
	return &model.Band{
		OpenTime: k.OpenTime,
		MA:       ma,
		Std:      std,
		Up:       ma + b.mult*std,
		Dn:       ma - b.mult*std,
	}, nil
}

// Preview computes a realtime band from the last window-1 closed closes plus
// the current forming close, without mutating state. Published for live
// subscribers only; decisions always run against Update output. Returns nil
// when fewer than two points are available.
func (b *Boll) Preview(currentClose float64) *model.Band {
	if math.IsNaN(currentClose) || math.IsInf(currentClose, 0) || currentClose <= 0 {
		return nil
	}
	avail := b.count
	if avail > b.window-1 {
		avail = b.window - 1
	}
	if avail < 1 {
		return nil
	}

	closes := make([]float64, 0, avail+1)
	// walk the circular buffer backwards from the newest entry
	for i := 1; i <= avail; i++ {
		closes = append(closes, b.buf[((b.idx-i)%b.window+b.window)%b.window])
	}
	for i, j := 0, len(closes)-1; i < j; i, j = i+1, j-1 {
		closes[i], closes[j] = closes[j], closes[i]
	}
	closes = append(closes, currentClose)

	ma, std := b.meanStd(closes, len(closes))
	if std == 0 || math.IsNaN(std) {
		return nil
	}
	return &model.Band{
		MA:   ma,
		Std:  std,
		Up:   ma + b.mult*std,
		Dn:   ma - b.mult*std,
		Live: true,
	}
}

func (b *Boll) meanStd(vals []float64, n int) (float64, float64) {
	sum := 0.0
	for _, v := range vals[:n] {
		sum += v
	}
	ma := sum / float64(n)

	div := n - b.ddof
	if div < 1 {
		div = 1
	}
	var sq float64
	for _, v := range vals[:n] {
		d := v - ma
		sq += d * d
	}
	return ma, math.Sqrt(sq / float64(div))
}

// Reset clears the indicator for a history replay.
func (b *Boll) Reset() {
	b.idx = 0
	b.count = 0
	b.lastOpen = 0
	for i := range b.buf {
		b.buf[i] = 0
	}
}
