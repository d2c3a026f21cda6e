// Package binance is a minimal USDT-margined futures client covering the
// endpoints the trading loop needs: position risk, account balance, market
// and stop orders, and leverage. Signed requests follow the standard
// HMAC-SHA256 query signature with an X-MBX-APIKEY header.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bolltrader/internal/model"
)

const defaultRestBase = "https://fapi.binance.com"

// Config configures the REST client.
type Config struct {
	APIKey     string
	APISecret  string
	RestBase   string        // default: https://fapi.binance.com
	RecvWindow int           // milliseconds, default 5000
	Timeout    time.Duration // per-request HTTP timeout, default 10s
}

// Client talks to the futures REST API. It implements model.ExchangeClient.
type Client struct {
	apiKey     string
	apiSecret  string
	restBase   string
	recvWindow int
	httpClient *http.Client
}

// New creates a futures REST client.
func New(cfg Config) *Client {
	if cfg.RestBase == "" {
		cfg.RestBase = defaultRestBase
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		restBase:   strings.TrimRight(cfg.RestBase, "/"),
		recvWindow: cfg.RecvWindow,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// apiError is the error payload the API returns with non-2xx statuses.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("binance: code=%d msg=%s", e.Code, e.Msg)
}

// signedRequest sends a signed request and decodes the JSON response into out.
func (c *Client) signedRequest(ctx context.Context, method, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(c.recvWindow))

	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, c.restBase+path+"?"+query, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("binance %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("binance read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Msg != "" {
			return &apiErr
		}
		return fmt.Errorf("binance %s %s: status=%d body=%s", method, path, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("binance decode %s: %w", path, err)
	}
	return nil
}

type positionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	Leverage         string `json:"leverage"`
	LiquidationPrice string `json:"liquidationPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
}

// GetPosition returns the open position for symbol, or nil when flat.
// Dust below 1e-4 contracts counts as flat.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*model.Position, error) {
	var risks []positionRisk
	params := url.Values{"symbol": {symbol}}
	if err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, &risks); err != nil {
		return nil, err
	}

	for _, r := range risks {
		if r.Symbol != symbol {
			continue
		}
		amt := parseFloat(r.PositionAmt)
		if math.Abs(amt) < 1e-4 {
			continue
		}
		side := "long"
		if amt < 0 {
			side = "short"
		}
		lev, _ := strconv.Atoi(r.Leverage)
		return &model.Position{
			Symbol:     symbol,
			Side:       side,
			Qty:        math.Abs(amt),
			EntryPrice: parseFloat(r.EntryPrice),
			MarkPrice:  parseFloat(r.MarkPrice),
			Leverage:   lev,
			UnPnL:      parseFloat(r.UnRealizedProfit),
			LiqPrice:   parseFloat(r.LiquidationPrice),
		}, nil
	}
	return nil, nil
}

// AvailableBalance returns the free USDT margin balance for opening positions.
func (c *Client) AvailableBalance(ctx context.Context) (float64, error) {
	var acct struct {
		AvailableBalance   string `json:"availableBalance"`
		TotalWalletBalance string `json:"totalWalletBalance"`
	}
	if err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/account", nil, &acct); err != nil {
		return 0, err
	}
	if bal := parseFloat(acct.AvailableBalance); bal > 0 {
		return bal, nil
	}
	return parseFloat(acct.TotalWalletBalance), nil
}

type orderResponse struct {
	OrderID int64  `json:"orderId"`
	Status  string `json:"status"`
}

// PlaceMarketOrder submits a market order.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (*model.OrderAck, error) {
	params := url.Values{
		"symbol":   {symbol},
		"side":     {side},
		"type":     {"MARKET"},
		"quantity": {strconv.FormatFloat(qty, 'f', -1, 64)},
	}
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}

	var resp orderResponse
	if err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params, &resp); err != nil {
		return nil, err
	}
	return &model.OrderAck{OrderID: strconv.FormatInt(resp.OrderID, 10), Status: resp.Status}, nil
}

// PlaceStopOrder submits a close-all STOP_MARKET order triggered at stopPrice.
// closePosition makes the order flatten whatever is open when it triggers, so
// no quantity is sent.
func (c *Client) PlaceStopOrder(ctx context.Context, symbol, side string, stopPrice float64, workingType string) (*model.OrderAck, error) {
	params := url.Values{
		"symbol":        {symbol},
		"side":          {side},
		"type":          {"STOP_MARKET"},
		"stopPrice":     {strconv.FormatFloat(stopPrice, 'f', -1, 64)},
		"closePosition": {"true"},
		"workingType":   {workingType},
	}

	var resp orderResponse
	if err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params, &resp); err != nil {
		return nil, err
	}
	return &model.OrderAck{OrderID: strconv.FormatInt(resp.OrderID, 10), Status: resp.Status}, nil
}

// SetLeverage sets the position leverage for symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{
		"symbol":   {symbol},
		"leverage": {strconv.Itoa(leverage)},
	}
	return c.signedRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params, nil)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
