package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"bolltrader/internal/model"
)

const defaultWSBase = "wss://fstream.binance.com"

// StreamConfig configures the kline stream.
type StreamConfig struct {
	WSBase   string // default: wss://fstream.binance.com
	Symbol   string
	Interval string

	PingInterval   time.Duration // default 20s
	PingTimeout    time.Duration // read deadline slack, default 60s
	BackoffInitial time.Duration // default 1s
	BackoffMax     time.Duration // default 60s
}

// Stream consumes the <symbol>@kline_<interval> market stream and hands each
// kline update to a callback. It reconnects forever with exponential backoff;
// no attempt is made to replay klines missed while disconnected.
type Stream struct {
	cfg StreamConfig

	// OnConnect and OnDisconnect fire on every transition, for execution
	// suspension and metrics. Optional.
	OnConnect    func()
	OnDisconnect func(err error)
}

// NewStream creates a kline stream client.
func NewStream(cfg StreamConfig) *Stream {
	if cfg.WSBase == "" {
		cfg.WSBase = defaultWSBase
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 60 * time.Second
	}
	if cfg.BackoffInitial == 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	return &Stream{cfg: cfg}
}

// URL returns the stream endpoint.
func (s *Stream) URL() string {
	return fmt.Sprintf("%s/ws/%s@kline_%s",
		strings.TrimRight(s.cfg.WSBase, "/"),
		strings.ToLower(s.cfg.Symbol),
		s.cfg.Interval)
}

// klineEvent is the wire shape of a kline stream message.
type klineEvent struct {
	EventType string `json:"e"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Symbol    string `json:"s"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		IsClosed  bool   `json:"x"`
	} `json:"k"`
}

// Run connects and delivers klines to onKline until ctx is cancelled.
// Connection errors are retried with exponential backoff and jitter; a
// successful connection resets the backoff.
func (s *Stream) Run(ctx context.Context, onKline func(model.Kline)) {
	backoff := s.cfg.BackoffInitial
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.readOnce(ctx, onKline)
		if ctx.Err() != nil {
			return
		}
		if s.OnDisconnect != nil {
			s.OnDisconnect(err)
		}
		log.Printf("[ws] connection lost, retrying in %v: %v", backoff, err)

		// jitter spreads reconnect storms across instances
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		backoff *= 2
		if backoff > s.cfg.BackoffMax {
			backoff = s.cfg.BackoffMax
		}
	}
}

// readOnce dials, then reads until the connection breaks or ctx is cancelled.
// Returns the terminal error. A clean ctx cancellation returns ctx.Err().
func (s *Stream) readOnce(ctx context.Context, onKline func(model.Kline)) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.URL(), nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.URL(), err)
	}
	defer conn.Close()

	log.Printf("[ws] connected to %s", s.URL())
	if s.OnConnect != nil {
		s.OnConnect()
	}

	// The server pings us; answering pongs is handled by gorilla. Our own
	// pings plus the read deadline detect half-open connections.
	conn.SetReadDeadline(time.Now().Add(s.cfg.PingTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PingTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.PingTimeout))

		var evt klineEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			log.Printf("[ws] malformed message dropped: %v", err)
			continue
		}
		if evt.EventType != "kline" {
			continue
		}

		k := evt.Kline
		onKline(model.Kline{
			Symbol:    k.Symbol,
			Interval:  k.Interval,
			OpenTime:  k.OpenTime,
			CloseTime: k.CloseTime,
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			IsClosed:  k.IsClosed,
		})
	}
}
