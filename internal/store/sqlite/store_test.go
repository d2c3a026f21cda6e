package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"bolltrader/internal/model"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{DBPath: filepath.Join(t.TempDir(), "trader.db")}, "BTCUSDT", "1m")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKlineUpsertAndRecent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		k := model.Kline{
			Symbol:    "BTCUSDT",
			Interval:  "1m",
			OpenTime:  int64(i) * 60_000,
			CloseTime: int64(i)*60_000 + 59_999,
			Open:      100, High: 110, Low: 90, Close: 105,
			Volume:   1.5,
			IsClosed: true,
		}
		if err := s.UpsertKline(ctx, k); err != nil {
			t.Fatalf("upsert kline %d: %v", i, err)
		}
	}
	// forming kline must not show up in recovery reads
	if err := s.UpsertKline(ctx, model.Kline{
		Symbol: "BTCUSDT", Interval: "1m",
		OpenTime: 300_000, CloseTime: 359_999,
		Open: 105, High: 106, Low: 104, Close: 105, IsClosed: false,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.RecentKlines(ctx, 3)
	if err != nil {
		t.Fatalf("recent klines: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 klines, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].OpenTime <= got[i-1].OpenTime {
			t.Errorf("klines not ascending: %d then %d", got[i-1].OpenTime, got[i].OpenTime)
		}
	}
	if got[len(got)-1].OpenTime != 240_000 {
		t.Errorf("newest closed kline should be 240000, got %d", got[len(got)-1].OpenTime)
	}
}

func TestKlineUpsertReplacesFormingRow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	k := model.Kline{Symbol: "BTCUSDT", Interval: "1m", OpenTime: 0, CloseTime: 59_999, Open: 100, High: 101, Low: 99, Close: 100}
	if err := s.UpsertKline(ctx, k); err != nil {
		t.Fatal(err)
	}
	k.Close, k.High, k.IsClosed = 103, 104, true
	if err := s.UpsertKline(ctx, k); err != nil {
		t.Fatal(err)
	}

	got, err := s.RecentKlines(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Close != 103 || !got[0].IsClosed {
		t.Errorf("closed update did not replace forming row: %+v", got)
	}
}

func TestTradeLifecycleAndSettlement(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.LogTrade(ctx, model.Trade{TS: 1000, Side: model.SideSell, Qty: 0.05, Price: 20000, OrderID: "A-1", Status: model.TradeStatusNew})
	if err != nil {
		t.Fatalf("log trade: %v", err)
	}
	if err := s.SetTradeStatus(ctx, id, model.TradeStatusFilled); err != nil {
		t.Fatalf("set status: %v", err)
	}

	// a second short whose fill confirmation was lost: still NEW
	id2, err := s.LogTrade(ctx, model.Trade{TS: 2000, Side: model.SideSellOpen, Qty: 0.05, Price: 20100, OrderID: "A-2", Status: model.TradeStatusNew})
	if err != nil {
		t.Fatal(err)
	}

	// closing a short settles the most recent short entry even though it is NEW
	if err := s.SettleOpenTrade(ctx, model.SideBuyClose); err != nil {
		t.Fatalf("settle: %v", err)
	}

	trades, err := s.RecentTrades(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	byID := map[int64]model.Trade{}
	for _, tr := range trades {
		byID[tr.ID] = tr
	}
	if byID[id2].Status != model.TradeStatusOver {
		t.Errorf("most recent short entry not settled: %s", byID[id2].Status)
	}
	if byID[id].Status != model.TradeStatusFilled {
		t.Errorf("older entry should be untouched, got %s", byID[id].Status)
	}

	// settling again moves to the next remaining open entry
	if err := s.SettleOpenTrade(ctx, model.SideBuyStopLoss); err != nil {
		t.Fatal(err)
	}
	trades, _ = s.RecentTrades(ctx, 10)
	for _, tr := range trades {
		if tr.ID == id && tr.Status != model.TradeStatusOver {
			t.Errorf("second settlement should close the older entry, got %s", tr.Status)
		}
	}
}

func TestSettleIgnoresOppositeDirection(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.LogTrade(ctx, model.Trade{TS: 1000, Side: model.SideBuy, Qty: 0.1, Price: 20000, Status: model.TradeStatusFilled}); err != nil {
		t.Fatal(err)
	}
	if err := s.SettleOpenTrade(ctx, model.SideBuyClose); err != nil {
		t.Fatal(err)
	}

	trades, err := s.RecentTrades(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if trades[0].Status != model.TradeStatusFilled {
		t.Errorf("long entry must not be settled by a short-closing side, got %s", trades[0].Status)
	}
}

func TestSetTradeStatusMissingRow(t *testing.T) {
	s := testStore(t)
	if err := s.SetTradeStatus(context.Background(), 42, model.TradeStatusFilled); err == nil {
		t.Error("expected error updating a nonexistent trade")
	}
}

func TestStateSnapshotRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if snap, err := s.LoadLatestState(ctx); err != nil || snap != nil {
		t.Fatalf("empty table should return nil, nil; got %v, %v", snap, err)
	}

	first := model.StateSnapshot{TS: 1000, Position: "flat", Pending: "none"}
	if err := s.SaveState(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := model.StateSnapshot{
		TS: 2000, Position: "short", Pending: "none",
		EntryPrice: 19980, BreakoutLevel: 20050,
		BreakoutUp: true, BreakoutDn: false,
		LastClose: 19980, LastEventTime: 1234,
	}
	if err := s.SaveState(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadLatestState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected a snapshot")
	}
	if *got != second {
		t.Errorf("snapshot round trip mismatch:\n got %+v\nwant %+v", *got, second)
	}
}

func TestPruneStateKeepsNewest(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := s.SaveState(ctx, model.StateSnapshot{TS: int64(i), Position: "flat", Pending: "none"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.PruneState(ctx, 5); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadLatestState(ctx)
	if err != nil || got == nil {
		t.Fatalf("load after prune: %v, %v", got, err)
	}
	if got.TS != 19 {
		t.Errorf("newest snapshot lost by prune: ts=%d", got.TS)
	}

	var n int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM strategy_state`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("expected 5 rows after prune, got %d", n)
	}
}

func TestSignalsBandsErrors(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.LogSignal(ctx, model.Signal{TS: 1000, Kind: model.SignalOpenShort, Price: 19980}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertBand(ctx, model.Band{OpenTime: 60_000, MA: 19900, Std: 50, Up: 20000, Dn: 19800}); err != nil {
		t.Fatal(err)
	}
	s.LogError(ctx, "order", "exchange rejected")

	sigs, err := s.RecentSignals(ctx, 10)
	if err != nil || len(sigs) != 1 || sigs[0].Kind != model.SignalOpenShort {
		t.Errorf("signals read back wrong: %v, %v", sigs, err)
	}
	bands, err := s.RecentBands(ctx, 10)
	if err != nil || len(bands) != 1 || bands[0].Up != 20000 {
		t.Errorf("bands read back wrong: %v, %v", bands, err)
	}
	errs, err := s.RecentErrors(ctx, 10)
	if err != nil || len(errs) != 1 || errs[0].Location != "order" {
		t.Errorf("errors read back wrong: %v, %v", errs, err)
	}
}
