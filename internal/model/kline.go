package model

import "encoding/json"

// Kline represents one interval bar for a single symbol.
// Prices are float64 USDT quotes as delivered by the exchange stream;
// a bar is mutable only while IsClosed is false.
type Kline struct {
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	OpenTime  int64   `json:"open_time"`  // ms since epoch, bar start
	CloseTime int64   `json:"close_time"` // ms since epoch, bar end
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	IsClosed  bool    `json:"is_closed"`
}

// Key returns a unique key for this kline's stream: "symbol:interval".
func (k *Kline) Key() string {
	return k.Symbol + ":" + k.Interval
}

// JSON returns the JSON-encoded kline (ignoring errors for hot-path usage).
func (k *Kline) JSON() []byte {
	b, _ := json.Marshal(k)
	return b
}
