package model

import "encoding/json"

// Band holds the Bollinger band values computed for one closed kline.
// Immutable once emitted; never recomputed unless history is replayed.
type Band struct {
	OpenTime int64   `json:"open_time"` // open time of the closed kline it was computed for
	MA       float64 `json:"ma"`
	Std      float64 `json:"std"`
	Up       float64 `json:"up"`
	Dn       float64 `json:"dn"`
	Live     bool    `json:"live,omitempty"` // realtime preview, never persisted
}

// JSON returns the JSON-encoded band.
func (b *Band) JSON() []byte {
	j, _ := json.Marshal(b)
	return j
}
