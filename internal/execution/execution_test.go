package execution

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"bolltrader/internal/model"
	"bolltrader/internal/strategy"
)

// ── Fakes ──

type marketCall struct {
	Side       string
	Qty        float64
	ReduceOnly bool
}

type stopCall struct {
	Side        string
	StopPrice   float64
	WorkingType string
}

type fakeExchange struct {
	position *model.Position
	posErr   error
	balance  float64
	balErr   error

	marketErr   error
	marketCalls []marketCall
	stopErr     error
	stopCalls   []stopCall
	levCalls    []int
}

func (f *fakeExchange) GetPosition(ctx context.Context, symbol string) (*model.Position, error) {
	if f.posErr != nil {
		return nil, f.posErr
	}
	return f.position, nil
}

func (f *fakeExchange) AvailableBalance(ctx context.Context) (float64, error) {
	if f.balErr != nil {
		return 0, f.balErr
	}
	return f.balance, nil
}

func (f *fakeExchange) PlaceMarketOrder(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (*model.OrderAck, error) {
	if f.marketErr != nil {
		return nil, f.marketErr
	}
	f.marketCalls = append(f.marketCalls, marketCall{side, qty, reduceOnly})
	return &model.OrderAck{OrderID: "X-1", Status: model.TradeStatusNew}, nil
}

func (f *fakeExchange) PlaceStopOrder(ctx context.Context, symbol, side string, stopPrice float64, workingType string) (*model.OrderAck, error) {
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	f.stopCalls = append(f.stopCalls, stopCall{side, stopPrice, workingType})
	return &model.OrderAck{OrderID: "S-1", Status: model.TradeStatusNew}, nil
}

func (f *fakeExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	f.levCalls = append(f.levCalls, leverage)
	return nil
}

type memStore struct {
	trades  []model.Trade
	history map[int64][]string // status progression per trade id
	faults  []string           // "location: msg"
}

func newMemStore() *memStore {
	return &memStore{history: make(map[int64][]string)}
}

func (m *memStore) LogTrade(ctx context.Context, t model.Trade) (int64, error) {
	t.ID = int64(len(m.trades) + 1)
	m.trades = append(m.trades, t)
	m.history[t.ID] = append(m.history[t.ID], t.Status)
	return t.ID, nil
}

func (m *memStore) SetTradeStatus(ctx context.Context, id int64, status string) error {
	for i := range m.trades {
		if m.trades[i].ID == id {
			m.trades[i].Status = status
			m.history[id] = append(m.history[id], status)
			return nil
		}
	}
	return errors.New("trade not found")
}

func (m *memStore) SettleOpenTrade(ctx context.Context, closeSide string) error {
	open := model.OpenSidesFor(closeSide)
	for i := len(m.trades) - 1; i >= 0; i-- {
		t := &m.trades[i]
		if t.Status == model.TradeStatusOver {
			continue
		}
		for _, side := range open {
			if t.Side == side {
				t.Status = model.TradeStatusOver
				return nil
			}
		}
	}
	return nil
}

func (m *memStore) LogError(ctx context.Context, location, msg string) {
	m.faults = append(m.faults, location+": "+msg)
}

func (m *memStore) hasFault(location string) bool {
	for _, f := range m.faults {
		if strings.HasPrefix(f, location+": ") {
			return true
		}
	}
	return false
}

func testConfig() Config {
	return Config{
		Symbol:          "BTCUSDT",
		MaxPositionPct:  0.1,
		StopLossPct:     0.02,
		StopLossEnabled: true,
		StopWorkingType: "CONTRACT_PRICE",
		QtyPrecision:    3,
		PricePrecision:  2,
		RequestTimeout:  time.Second,
	}
}

// ── Simulator ──

func TestSimulator_SyntheticFill(t *testing.T) {
	store := newMemStore()
	sim := NewSimulator("BTCUSDT", 10000, 0.1, 3, store, store)

	st := strategy.NewState()
	st.Position = strategy.Long
	sim.Execute(context.Background(), model.Signal{TS: 1, Kind: model.SignalOpenLong, Price: 20000}, &st)

	if len(store.trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(store.trades))
	}
	tr := store.trades[0]
	if tr.Side != model.SideBuy || tr.Price != 20000 {
		t.Errorf("unexpected trade: %+v", tr)
	}
	// 10000 * 0.1 / 20000 = 0.05
	if tr.Qty != 0.05 {
		t.Errorf("expected qty 0.05, got %v", tr.Qty)
	}
	want := []string{model.TradeStatusNew, model.TradeStatusFilled}
	got := store.history[tr.ID]
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("expected status progression %v, got %v", want, got)
	}
}

func TestSimulator_ReversalSettlesOpenTrade(t *testing.T) {
	store := newMemStore()
	sim := NewSimulator("BTCUSDT", 10000, 0.1, 3, store, store)
	ctx := context.Background()

	st := strategy.NewState()
	sim.Execute(ctx, model.Signal{TS: 1, Kind: model.SignalOpenShort, Price: 20000}, &st)
	sim.Execute(ctx, model.Signal{TS: 2, Kind: model.SignalCloseShortOpenLong, Price: 19850}, &st)

	if len(store.trades) != 3 {
		t.Fatalf("expected 3 trades (open, close leg, open leg), got %d", len(store.trades))
	}
	if store.trades[0].Status != model.TradeStatusOver {
		t.Errorf("original short not settled OVER, got %s", store.trades[0].Status)
	}
	if store.trades[1].Side != model.SideBuyClose || store.trades[2].Side != model.SideBuyOpen {
		t.Errorf("unexpected leg order: %s then %s", store.trades[1].Side, store.trades[2].Side)
	}
	// the closing leg records the quantity of the short it settles
	if store.trades[1].Qty != 0.05 {
		t.Errorf("close leg qty: expected 0.05, got %v", store.trades[1].Qty)
	}
	if store.trades[1].TS > store.trades[2].TS {
		t.Errorf("close leg timestamp %d after open leg %d", store.trades[1].TS, store.trades[2].TS)
	}
}

func TestSimulator_StopLossSettles(t *testing.T) {
	store := newMemStore()
	sim := NewSimulator("BTCUSDT", 10000, 0.1, 3, store, store)
	ctx := context.Background()

	st := strategy.NewState()
	sim.Execute(ctx, model.Signal{TS: 1, Kind: model.SignalOpenShort, Price: 20000}, &st)
	// fills use a distinct status from NEW: closure matching must still work
	sim.Execute(ctx, model.Signal{TS: 2, Kind: model.SignalStopLossShort, Price: 20100}, &st)

	if store.trades[0].Status != model.TradeStatusOver {
		t.Errorf("FILLED open trade not settled by stop loss, got %s", store.trades[0].Status)
	}
}

// ── Coordinator ──

func TestCoordinator_ReconcileOverridesLocalBelief(t *testing.T) {
	ex := &fakeExchange{
		position: &model.Position{Symbol: "BTCUSDT", Side: "short", Qty: 0.5, EntryPrice: 20100},
	}
	store := newMemStore()
	c := NewCoordinator(testConfig(), ex, store, store)

	st := strategy.NewState()
	st.Position = strategy.Long
	st.EntryPrice = 19000

	pos, ok := c.Reconcile(context.Background(), &st)
	if !ok || pos == nil {
		t.Fatal("reconcile should succeed")
	}
	if st.Position != strategy.Short || st.EntryPrice != 20100 {
		t.Errorf("local belief not overridden: %+v", st)
	}
}

func TestCoordinator_ReconcileRepairsStrandedPending(t *testing.T) {
	// The exchange reports flat while the local state is a long waiting on
	// a short confirmation. Overriding the position alone would leave
	// (flat, waiting_short_confirm), which no rule can consume and which
	// FromSnapshot rejects at the next restart.
	ex := &fakeExchange{}
	store := newMemStore()
	c := NewCoordinator(testConfig(), ex, store, store)

	st := strategy.NewState()
	st.Position = strategy.Long
	st.EntryPrice = 19000
	st.Pending = strategy.WaitingShortConfirm

	pos, ok := c.Reconcile(context.Background(), &st)
	if !ok || pos != nil {
		t.Fatalf("expected successful flat reconcile, got pos=%v ok=%v", pos, ok)
	}
	if st.Position != strategy.Flat || st.Pending != strategy.None {
		t.Errorf("pending not repaired: %+v", st)
	}
	if !st.Valid() {
		t.Errorf("reconcile produced an invalid state: %+v", st)
	}
	if _, restorable := strategy.FromSnapshot(st.Snapshot(1)); !restorable {
		t.Errorf("reconciled state would not survive a restart: %+v", st)
	}
}

func TestCoordinator_ReconcileToPositionDropsEntryWait(t *testing.T) {
	ex := &fakeExchange{
		position: &model.Position{Symbol: "BTCUSDT", Side: "short", Qty: 0.5, EntryPrice: 20100},
	}
	store := newMemStore()
	c := NewCoordinator(testConfig(), ex, store, store)

	st := strategy.NewState()
	st.Pending = strategy.WaitingShortEntry

	if _, ok := c.Reconcile(context.Background(), &st); !ok {
		t.Fatal("reconcile should succeed")
	}
	if st.Position != strategy.Short || st.Pending != strategy.None {
		t.Errorf("entry wait not repaired against exchange position: %+v", st)
	}
	if !st.Valid() {
		t.Errorf("reconcile produced an invalid state: %+v", st)
	}
}

func TestCoordinator_ReconcileFailureFallsBackToLocal(t *testing.T) {
	ex := &fakeExchange{posErr: context.DeadlineExceeded, balance: 10000}
	store := newMemStore()
	c := NewCoordinator(testConfig(), ex, store, store)

	st := strategy.NewState()
	st.Position = strategy.Long
	st.EntryPrice = 19000

	c.Execute(context.Background(), model.Signal{TS: 1, Kind: model.SignalOpenLong, Price: 20000}, &st)

	if !store.hasFault("reconcile") {
		t.Error("reconciliation failure not recorded in error log")
	}
	if st.Position != strategy.Long || st.EntryPrice != 19000 {
		t.Errorf("local state mutated on failed reconcile: %+v", st)
	}
	// execution still attempted with local state
	if len(ex.marketCalls) != 1 {
		t.Fatalf("expected 1 market order despite reconcile failure, got %d", len(ex.marketCalls))
	}
}

func TestCoordinator_OpenLongSizingAndStop(t *testing.T) {
	ex := &fakeExchange{balance: 1000}
	store := newMemStore()
	c := NewCoordinator(testConfig(), ex, store, store)

	st := strategy.NewState()
	c.Execute(context.Background(), model.Signal{TS: 1, Kind: model.SignalOpenLong, Price: 333}, &st)

	if len(ex.marketCalls) != 1 {
		t.Fatalf("expected 1 market order, got %d", len(ex.marketCalls))
	}
	mc := ex.marketCalls[0]
	// 1000*0.1/333 = 0.3003..., truncated (never up) to 0.300
	if mc.Side != model.SideBuy || mc.Qty != 0.3 || mc.ReduceOnly {
		t.Errorf("unexpected market call: %+v", mc)
	}

	if len(ex.stopCalls) != 1 {
		t.Fatalf("expected protective stop, got %d calls", len(ex.stopCalls))
	}
	sc := ex.stopCalls[0]
	// long stop: 333 * (1-0.02) = 326.34
	if sc.Side != model.SideSell || sc.StopPrice != 326.34 || sc.WorkingType != "CONTRACT_PRICE" {
		t.Errorf("unexpected stop call: %+v", sc)
	}
}

func TestCoordinator_ShortProtectiveStopAbovEntry(t *testing.T) {
	ex := &fakeExchange{balance: 10000}
	store := newMemStore()
	c := NewCoordinator(testConfig(), ex, store, store)

	st := strategy.NewState()
	c.Execute(context.Background(), model.Signal{TS: 1, Kind: model.SignalOpenShort, Price: 20000}, &st)

	if len(ex.stopCalls) != 1 {
		t.Fatalf("expected protective stop, got %d", len(ex.stopCalls))
	}
	sc := ex.stopCalls[0]
	// short stop: 20000 * 1.02 = 20400, buy-side trigger
	if sc.Side != model.SideBuy || sc.StopPrice != 20400 {
		t.Errorf("unexpected stop call: %+v", sc)
	}
}

func TestCoordinator_ReversalClosesBeforeOpening(t *testing.T) {
	ex := &fakeExchange{
		position: &model.Position{Symbol: "BTCUSDT", Side: "short", Qty: 0.4, EntryPrice: 20000},
		balance:  10000,
	}
	store := newMemStore()
	c := NewCoordinator(testConfig(), ex, store, store)
	base := time.Now()
	var tick int64
	c.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	st := strategy.NewState()
	st.Position = strategy.Short
	c.Execute(context.Background(), model.Signal{TS: 1, Kind: model.SignalCloseShortOpenLong, Price: 19850}, &st)

	if len(ex.marketCalls) != 2 {
		t.Fatalf("expected 2 legs, got %d", len(ex.marketCalls))
	}
	closeLeg, openLeg := ex.marketCalls[0], ex.marketCalls[1]
	if !closeLeg.ReduceOnly || closeLeg.Side != model.SideBuy || closeLeg.Qty != 0.4 {
		t.Errorf("unexpected close leg: %+v", closeLeg)
	}
	if openLeg.ReduceOnly || openLeg.Side != model.SideBuy {
		t.Errorf("unexpected open leg: %+v", openLeg)
	}

	if len(store.trades) != 2 {
		t.Fatalf("expected 2 trade rows, got %d", len(store.trades))
	}
	if store.trades[0].Side != model.SideBuyClose || store.trades[1].Side != model.SideBuyOpen {
		t.Errorf("unexpected trade rows: %s then %s", store.trades[0].Side, store.trades[1].Side)
	}
	if store.trades[0].TS > store.trades[1].TS {
		t.Errorf("close trade ts %d after open trade ts %d", store.trades[0].TS, store.trades[1].TS)
	}
}

func TestCoordinator_FailedCloseLegAbortsReversal(t *testing.T) {
	ex := &fakeExchange{
		position:  &model.Position{Symbol: "BTCUSDT", Side: "short", Qty: 0.4, EntryPrice: 20000},
		balance:   10000,
		marketErr: errors.New("exchange rejected"),
	}
	store := newMemStore()
	c := NewCoordinator(testConfig(), ex, store, store)

	st := strategy.NewState()
	st.Position = strategy.Short
	c.Execute(context.Background(), model.Signal{TS: 1, Kind: model.SignalCloseShortOpenLong, Price: 19850}, &st)

	if len(ex.marketCalls) != 0 {
		t.Fatalf("no order should have been accepted, got %d", len(ex.marketCalls))
	}
	if len(store.trades) != 0 {
		t.Errorf("no trade rows expected after total failure, got %d", len(store.trades))
	}
	if !store.hasFault("order") {
		t.Error("submission failure not recorded in error log")
	}
}

func TestCoordinator_SuspendedSkipsSubmission(t *testing.T) {
	ex := &fakeExchange{balance: 10000}
	store := newMemStore()
	c := NewCoordinator(testConfig(), ex, store, store)
	c.Suspend()

	st := strategy.NewState()
	c.Execute(context.Background(), model.Signal{TS: 1, Kind: model.SignalOpenLong, Price: 20000}, &st)
	if len(ex.marketCalls) != 0 {
		t.Errorf("suspended coordinator submitted %d orders", len(ex.marketCalls))
	}

	c.Resume()
	c.Execute(context.Background(), model.Signal{TS: 2, Kind: model.SignalOpenLong, Price: 20000}, &st)
	if len(ex.marketCalls) != 1 {
		t.Errorf("resumed coordinator did not submit, got %d orders", len(ex.marketCalls))
	}
}

func TestTruncateQty(t *testing.T) {
	cases := []struct {
		q    float64
		prec int
		want float64
	}{
		{0.3003, 3, 0.3},
		{0.0519, 3, 0.051},
		{1.9999, 2, 1.99},
		{0.0004, 3, 0},
		{-1, 3, 0},
	}
	for _, tc := range cases {
		if got := TruncateQty(tc.q, tc.prec); got != tc.want {
			t.Errorf("TruncateQty(%v, %d) = %v, want %v", tc.q, tc.prec, got, tc.want)
		}
	}
}
