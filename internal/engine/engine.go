// Package engine runs the trading pipeline: one goroutine consumes kline
// updates in arrival order and drives validation, band computation, the
// strategy and execution. Everything downstream of the feed queue is
// sequential, so no stage ever observes a partially applied update.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"bolltrader/internal/candlestore"
	"bolltrader/internal/execution"
	"bolltrader/internal/indicator"
	"bolltrader/internal/metrics"
	"bolltrader/internal/model"
	"bolltrader/internal/strategy"
)

// Publisher mirrors pipeline output to subscribers. Optional; a nil
// publisher disables mirroring.
type Publisher interface {
	PublishKline(ctx context.Context, k model.Kline)
	PublishBand(ctx context.Context, b model.Band)
	PublishSignal(ctx context.Context, s model.Signal)
	PublishState(ctx context.Context, snap model.StateSnapshot)
}

// Config holds the pipeline parameters.
type Config struct {
	Symbol   string
	Interval string
	Window   int
	Options  strategy.Options
}

// Deps are the pipeline's collaborators. Pub and Met may be nil.
type Deps struct {
	Candles *candlestore.Store
	Boll    *indicator.Boll

	Klines  model.KlineStore
	Bands   model.BandStore
	Signals model.SignalStore
	States  model.StateStore
	Errs    model.ErrorStore

	Exec execution.Executor
	Pub  Publisher
	Met  *metrics.Metrics
}

// Engine owns the strategy state. Not safe for concurrent use; exactly one
// goroutine calls Run or HandleKline.
type Engine struct {
	cfg Config
	d   Deps
	st  strategy.State

	// last band computed from closed klines; forming-bar events are
	// evaluated against this, never against the live preview
	lastBand *model.Band

	now func() time.Time
}

// New creates an engine with a fresh flat state.
func New(cfg Config, d Deps) *Engine {
	return &Engine{cfg: cfg, d: d, st: strategy.NewState(), now: time.Now}
}

// State returns the current strategy state.
func (e *Engine) State() strategy.State { return e.st }

// Restore rebuilds in-memory state from storage after a cold start: the
// latest state snapshot becomes authoritative, then recent closed klines
// replay through the candle store and the band so the indicator warms up
// without waiting a full window of live data. A corrupt snapshot is fatal.
func (e *Engine) Restore(ctx context.Context) error {
	snap, err := e.d.States.LoadLatestState(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if snap != nil {
		st, ok := strategy.FromSnapshot(*snap)
		if !ok {
			return fmt.Errorf("persisted strategy state is corrupt: position=%q pending=%q", snap.Position, snap.Pending)
		}
		e.st = st
		log.Printf("[engine] restored state: position=%s pending=%s entry=%v", e.st.Position, e.st.Pending, e.st.EntryPrice)
	}

	klines, err := e.d.Klines.RecentKlines(ctx, e.cfg.Window+50)
	if err != nil {
		return fmt.Errorf("load klines: %w", err)
	}
	replayed := 0
	for _, k := range klines {
		if err := e.d.Candles.Apply(k); err != nil {
			log.Printf("[engine] replay: dropping stored kline %s: %v", k.Key(), err)
			continue
		}
		band, err := e.d.Boll.Update(k)
		if err != nil {
			continue
		}
		if band != nil {
			e.lastBand = band
			if err := e.d.Bands.UpsertBand(ctx, *band); err != nil {
				log.Printf("[engine] replay: backfill band: %v", err)
			}
		}
		replayed++
	}
	log.Printf("[engine] replayed %d of %d stored klines into the indicator", replayed, len(klines))
	return nil
}

// Run consumes klines until ctx is cancelled or the channel closes. On
// cancellation it drains what is already queued, then persists a final
// state snapshot.
func (e *Engine) Run(ctx context.Context, in <-chan model.Kline) {
	defer e.saveFinalState()
	for {
		select {
		case <-ctx.Done():
			e.drain(in)
			return
		case k, ok := <-in:
			if !ok {
				return
			}
			e.HandleKline(ctx, k)
		}
	}
}

// drain processes buffered klines during shutdown under its own deadline;
// the run context is already cancelled.
func (e *Engine) drain(in <-chan model.Kline) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case k, ok := <-in:
			if !ok {
				return
			}
			e.HandleKline(ctx, k)
		case <-ctx.Done():
			log.Printf("[engine] drain timeout, %d klines unprocessed", len(in))
			return
		}
	}
}

// HandleKline processes one kline update through the full pipeline.
func (e *Engine) HandleKline(ctx context.Context, k model.Kline) {
	if e.d.Met != nil {
		e.d.Met.KlinesTotal.Inc()
	}

	if err := e.d.Candles.Apply(k); err != nil {
		if errors.Is(err, candlestore.ErrDataIntegrity) {
			log.Printf("[engine] rejected kline %s: %v", k.Key(), err)
			e.d.Errs.LogError(ctx, "kline", err.Error())
			if e.d.Met != nil {
				e.d.Met.RejectedKlines.Inc()
				e.d.Met.ErrorsTotal.WithLabelValues("kline").Inc()
			}
		} else {
			e.d.Errs.LogError(ctx, "kline", err.Error())
		}
		return
	}

	wstart := e.now()
	if err := e.d.Klines.UpsertKline(ctx, k); err != nil {
		e.d.Errs.LogError(ctx, "db", err.Error())
	}
	if e.d.Met != nil {
		e.d.Met.SQLiteWriteDur.Observe(e.now().Sub(wstart).Seconds())
	}
	if e.d.Pub != nil {
		e.d.Pub.PublishKline(ctx, k)
	}

	band := e.computeBand(ctx, k)
	if band == nil {
		// still warming up, or a re-delivered closed bar the indicator
		// skipped; either way there is nothing to evaluate
		e.saveState(ctx)
		return
	}

	evt := strategy.Event{Time: k.OpenTime, Price: k.Close, Closed: k.IsClosed}
	next, sig, err := strategy.Evaluate(e.st, evt, *band, e.cfg.Options)
	if err != nil {
		e.d.Errs.LogError(ctx, "strategy", err.Error())
		if e.d.Met != nil {
			e.d.Met.ErrorsTotal.WithLabelValues("strategy").Inc()
		}
		e.saveState(ctx)
		return
	}
	e.st = next

	if sig != nil {
		log.Printf("[engine] signal %s @ %v (up=%.2f dn=%.2f)", sig.Kind, sig.Price, band.Up, band.Dn)
		// the signal row is the audit record: it is written whether or not
		// execution succeeds
		if err := e.d.Signals.LogSignal(ctx, *sig); err != nil {
			e.d.Errs.LogError(ctx, "db", err.Error())
		}
		if e.d.Met != nil {
			e.d.Met.SignalsTotal.WithLabelValues(sig.Kind).Inc()
		}
		if e.d.Pub != nil {
			e.d.Pub.PublishSignal(ctx, *sig)
		}

		start := e.now()
		e.d.Exec.Execute(ctx, *sig, &e.st)
		if e.d.Met != nil {
			e.d.Met.ExecutionDur.Observe(e.now().Sub(start).Seconds())
		}
	}

	e.saveState(ctx)
}

// computeBand updates the band on closed klines. Forming klines publish a
// live preview for subscribers but the band handed to the strategy is always
// the one from closed data: the band is coarse-grained, the trigger price is
// fine-grained. Returns nil while the indicator is still warming up and for
// re-delivered closed bars, which the indicator absorbs at most once.
func (e *Engine) computeBand(ctx context.Context, k model.Kline) *model.Band {
	if !k.IsClosed {
		if e.d.Pub != nil {
			if live := e.d.Boll.Preview(k.Close); live != nil {
				e.d.Pub.PublishBand(ctx, *live)
			}
		}
		return e.lastBand
	}

	start := e.now()
	band, err := e.d.Boll.Update(k)
	if err != nil {
		e.d.Errs.LogError(ctx, "indicator", err.Error())
		if e.d.Met != nil {
			e.d.Met.ErrorsTotal.WithLabelValues("indicator").Inc()
		}
		return nil
	}
	if e.d.Met != nil {
		e.d.Met.ClosedKlinesTotal.Inc()
		e.d.Met.IndicatorComputeDur.Observe(e.now().Sub(start).Seconds())
		e.d.Met.KlineLag.Set(e.now().Sub(time.UnixMilli(k.CloseTime)).Seconds())
	}
	if band == nil {
		return nil
	}
	e.lastBand = band
	if err := e.d.Bands.UpsertBand(ctx, *band); err != nil {
		e.d.Errs.LogError(ctx, "db", err.Error())
	}
	if e.d.Pub != nil {
		e.d.Pub.PublishBand(ctx, *band)
	}
	return band
}

// saveState persists one snapshot row. Called after every processed event so
// the latest row always reflects the current position belief.
func (e *Engine) saveState(ctx context.Context) {
	snap := e.st.Snapshot(e.now().UnixMilli())
	if err := e.d.States.SaveState(ctx, snap); err != nil {
		e.d.Errs.LogError(ctx, "db", err.Error())
		return
	}
	if e.d.Pub != nil {
		e.d.Pub.PublishState(ctx, snap)
	}
}

// saveFinalState runs on shutdown with its own timeout; the run context is
// already cancelled by then.
func (e *Engine) saveFinalState() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.d.States.SaveState(ctx, e.st.Snapshot(e.now().UnixMilli())); err != nil {
		log.Printf("[engine] final state save failed: %v", err)
		return
	}
	log.Printf("[engine] final state saved: position=%s pending=%s", e.st.Position, e.st.Pending)
}
