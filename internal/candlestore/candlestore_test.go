package candlestore

import (
	"errors"
	"math"
	"testing"

	"bolltrader/internal/model"
)

func makeKline(openTime int64, close float64, closed bool) model.Kline {
	return model.Kline{
		Symbol:    "BTCUSDT",
		Interval:  "15m",
		OpenTime:  openTime,
		CloseTime: openTime + 900_000 - 1,
		Open:      close,
		High:      close + 10,
		Low:       close - 10,
		Close:     close,
		Volume:    1,
		IsClosed:  closed,
	}
}

func TestStore_AppendAndUpdateForming(t *testing.T) {
	s := New("BTCUSDT", "15m", 10)

	if err := s.Apply(makeKline(0, 100, false)); err != nil {
		t.Fatalf("apply forming: %v", err)
	}
	// Intra-bar update replaces the forming bar in place.
	if err := s.Apply(makeKline(0, 101, false)); err != nil {
		t.Fatalf("update forming: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 kline, got %d", s.Len())
	}
	k, _ := s.Latest()
	if k.Close != 101 {
		t.Errorf("expected forming close=101, got %v", k.Close)
	}

	// Closing event freezes the bar.
	if err := s.Apply(makeKline(0, 102, true)); err != nil {
		t.Fatalf("close bar: %v", err)
	}
	if s.ClosedCount() != 1 {
		t.Errorf("expected 1 closed kline, got %d", s.ClosedCount())
	}
	// Any further mutation of the frozen bar is rejected.
	err := s.Apply(makeKline(0, 103, false))
	if !errors.Is(err, ErrDataIntegrity) {
		t.Errorf("expected ErrDataIntegrity on frozen bar update, got %v", err)
	}
	// Re-delivery of the identical closed bar is tolerated.
	if err := s.Apply(makeKline(0, 102, true)); err != nil {
		t.Errorf("re-delivery of closed bar: %v", err)
	}
}

func TestStore_MonotonicOpenTime(t *testing.T) {
	s := New("BTCUSDT", "15m", 10)
	if err := s.Apply(makeKline(900_000, 100, true)); err != nil {
		t.Fatal(err)
	}
	err := s.Apply(makeKline(0, 99, true))
	if !errors.Is(err, ErrDataIntegrity) {
		t.Errorf("expected ErrDataIntegrity for backwards open_time, got %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("store mutated by rejected kline: len=%d", s.Len())
	}
}

func TestStore_Bounded(t *testing.T) {
	s := New("BTCUSDT", "15m", 5)
	for i := 0; i < 20; i++ {
		if err := s.Apply(makeKline(int64(i)*900_000, 100+float64(i), true)); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	if s.Len() != 5 {
		t.Fatalf("expected len=5, got %d", s.Len())
	}
	if s.ClosedCount() != 5 {
		t.Fatalf("expected 5 closed, got %d", s.ClosedCount())
	}
	closes := s.ClosedCloses(5)
	want := []float64{115, 116, 117, 118, 119}
	for i, w := range want {
		if closes[i] != w {
			t.Errorf("closes[%d]: expected %v, got %v", i, w, closes[i])
		}
	}
}

func TestStore_ClosedClosesSkipsForming(t *testing.T) {
	s := New("BTCUSDT", "15m", 10)
	for i := 0; i < 3; i++ {
		s.Apply(makeKline(int64(i)*900_000, float64(100+i), true))
	}
	s.Apply(makeKline(3*900_000, 999, false)) // forming, must not appear

	if got := s.ClosedCloses(3); got == nil || got[2] != 102 {
		t.Errorf("expected last closed close=102, got %v", got)
	}
	if got := s.ClosedCloses(4); got != nil {
		t.Errorf("expected nil for window larger than closed count, got %v", got)
	}
}

func TestStore_RejectsMalformed(t *testing.T) {
	s := New("BTCUSDT", "15m", 10)

	bad := makeKline(0, 100, true)
	bad.Close = math.NaN()
	if err := s.Apply(bad); !errors.Is(err, ErrDataIntegrity) {
		t.Errorf("expected ErrDataIntegrity for NaN close, got %v", err)
	}

	neg := makeKline(0, -5, true)
	if err := s.Apply(neg); !errors.Is(err, ErrDataIntegrity) {
		t.Errorf("expected ErrDataIntegrity for negative price, got %v", err)
	}

	other := makeKline(0, 100, true)
	other.Symbol = "ETHUSDT"
	if err := s.Apply(other); !errors.Is(err, ErrDataIntegrity) {
		t.Errorf("expected ErrDataIntegrity for wrong symbol, got %v", err)
	}
}
