// Package api serves the read-only status endpoints: recent klines, bands,
// signals, trades, errors, and the current strategy state. Data comes from
// the sqlite store, so responses reflect exactly what was persisted; the
// position endpoint additionally queries the exchange when a live client
// is available.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"bolltrader/internal/model"
	"bolltrader/internal/store/sqlite"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// PositionSource queries the exchange's live position. Optional; nil in
// simulate mode, where the persisted snapshot is the only position record.
type PositionSource interface {
	GetPosition(ctx context.Context, symbol string) (*model.Position, error)
}

// Deps are the router's data sources.
type Deps struct {
	Store     *sqlite.Store
	Positions PositionSource
	Symbol    string
	Interval  string
}

// NewRouter builds the HTTP mux for the status API.
func NewRouter(d Deps) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{
			"status":   "ok",
			"symbol":   d.Symbol,
			"interval": d.Interval,
		})
	})

	mux.HandleFunc("/api/v1/klines", listHandler(func(ctx context.Context, limit int) (any, error) {
		return d.Store.RecentKlines(ctx, limit)
	}))
	mux.HandleFunc("/api/v1/bands", listHandler(func(ctx context.Context, limit int) (any, error) {
		return d.Store.RecentBands(ctx, limit)
	}))
	mux.HandleFunc("/api/v1/signals", listHandler(func(ctx context.Context, limit int) (any, error) {
		return d.Store.RecentSignals(ctx, limit)
	}))
	mux.HandleFunc("/api/v1/trades", listHandler(func(ctx context.Context, limit int) (any, error) {
		return d.Store.RecentTrades(ctx, limit)
	}))
	mux.HandleFunc("/api/v1/errors", listHandler(func(ctx context.Context, limit int) (any, error) {
		return d.Store.RecentErrors(ctx, limit)
	}))

	mux.HandleFunc("/api/v1/state", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := reqContext(r)
		defer cancel()
		snap, err := d.Store.LoadLatestState(ctx)
		if err != nil {
			serverError(w, "state", err)
			return
		}
		if snap == nil {
			writeJSON(w, map[string]any{"position": "flat", "pending": "none"})
			return
		}
		writeJSON(w, snap)
	})

	mux.HandleFunc("/api/v1/position", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := reqContext(r)
		defer cancel()
		if d.Positions != nil {
			pos, err := d.Positions.GetPosition(ctx, d.Symbol)
			if err == nil {
				writeJSON(w, livePositionView(d.Symbol, pos))
				return
			}
			// fall back to the persisted belief
			log.Printf("[api] live position query failed: %v", err)
		}
		snap, err := d.Store.LoadLatestState(ctx)
		if err != nil {
			serverError(w, "position", err)
			return
		}
		writeJSON(w, positionView(d.Symbol, snap))
	})

	return mux
}

// PositionView is the /position response. Live mode reports the exchange's
// numbers with the return computed over initial margin; simulate mode
// approximates the return from the last processed close against the entry.
type PositionView struct {
	Symbol        string  `json:"symbol"`
	Position      string  `json:"position"`
	EntryPrice    float64 `json:"entry_price"`
	LastClose     float64 `json:"last_close,omitempty"`
	Qty           float64 `json:"qty,omitempty"`
	MarkPrice     float64 `json:"mark_price,omitempty"`
	Notional      float64 `json:"notional,omitempty"`
	UnrealizedPnL float64 `json:"unrealized_pnl,omitempty"`
	ReturnPct     float64 `json:"return_pct"`
}

func livePositionView(symbol string, pos *model.Position) PositionView {
	if pos == nil {
		return PositionView{Symbol: symbol, Position: "flat"}
	}
	return PositionView{
		Symbol:        pos.Symbol,
		Position:      pos.Side,
		EntryPrice:    pos.EntryPrice,
		Qty:           pos.Qty,
		MarkPrice:     pos.MarkPrice,
		Notional:      pos.Notional(),
		UnrealizedPnL: pos.UnPnL,
		ReturnPct:     pos.ReturnPct(),
	}
}

func positionView(symbol string, snap *model.StateSnapshot) PositionView {
	v := PositionView{Symbol: symbol, Position: "flat"}
	if snap == nil {
		return v
	}
	v.Position = snap.Position
	v.EntryPrice = snap.EntryPrice
	v.LastClose = snap.LastClose
	if snap.EntryPrice > 0 && snap.LastClose > 0 {
		switch snap.Position {
		case "long":
			v.ReturnPct = (snap.LastClose - snap.EntryPrice) / snap.EntryPrice * 100
		case "short":
			v.ReturnPct = (snap.EntryPrice - snap.LastClose) / snap.EntryPrice * 100
		}
	}
	return v
}

func listHandler(fetch func(ctx context.Context, limit int) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := reqContext(r)
		defer cancel()
		rows, err := fetch(ctx, parseLimit(r))
		if err != nil {
			serverError(w, r.URL.Path, err)
			return
		}
		writeJSON(w, rows)
	}
}

func parseLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

func reqContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 5*time.Second)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func serverError(w http.ResponseWriter, where string, err error) {
	log.Printf("[api] %s: %v", where, err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
