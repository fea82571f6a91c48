package kalshi

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Client is the signed REST client for the Kalshi trade API. The same key
// pair signs the BookFeed's WebSocket upgrade (see AuthHeaders).
type Client struct {
	keyID          string
	privKey        *rsa.PrivateKey
	http           *http.Client
	baseURL        string
	basePathPrefix string
}

func NewClient(keyID string, privKey *rsa.PrivateKey, baseURL string) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}

	return &Client{
		keyID:          keyID,
		privKey:        privKey,
		http:           &http.Client{Timeout: 5 * time.Second},
		baseURL:        baseURL,
		basePathPrefix: parsed.Path,
	}, nil
}

func (c *Client) PrivateKey() *rsa.PrivateKey { return c.privKey }
func (c *Client) KeyID() string               { return c.keyID }

// signPath returns the full request path the signature covers.
func (c *Client) signPath(path string) string {
	return c.basePathPrefix + path
}

// --- API types ---

type Market struct {
	Ticker      string `json:"ticker"`
	EventTicker string `json:"event_ticker"`
	Status      string `json:"status"`
	YesBid      int    `json:"yes_bid"`
	YesAsk      int    `json:"yes_ask"`
	CloseTime   string `json:"close_time"`
}

type Balance struct {
	Balance int `json:"balance"`
}

type MarketPosition struct {
	Ticker         string `json:"ticker"`
	Position       int    `json:"position"`
	MarketExposure int    `json:"market_exposure"`
	FeesPaid       int    `json:"fees_paid"`
}

// OrderRequest is the body of POST /portfolio/orders.
type OrderRequest struct {
	Ticker        string `json:"ticker"`
	Action        string `json:"action"` // "buy" or "sell"
	Side          string `json:"side"`   // "yes" or "no"
	Type          string `json:"type"`   // "limit" or "market"
	Count         int    `json:"count"`
	YesPrice      int    `json:"yes_price,omitempty"`
	ClientOrderID string `json:"client_order_id"`
}

type Order struct {
	OrderID       string `json:"order_id"`
	Ticker        string `json:"ticker"`
	Action        string `json:"action"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	ClientOrderID string `json:"client_order_id"`
}

// --- API methods ---

// Markets pages through GET /markets for one series and returns every market.
func (c *Client) Markets(ctx context.Context, seriesTicker, status string) ([]Market, error) {
	var all []Market
	cursor := ""
	for {
		params := url.Values{}
		params.Set("series_ticker", seriesTicker)
		if status != "" {
			params.Set("status", status)
		}
		params.Set("limit", "200")
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var result struct {
			Markets []Market `json:"markets"`
			Cursor  string   `json:"cursor"`
		}
		if err := c.get(ctx, "/markets", params, &result); err != nil {
			return nil, err
		}
		all = append(all, result.Markets...)
		if result.Cursor == "" || len(result.Markets) == 0 {
			return all, nil
		}
		cursor = result.Cursor
	}
}

func (c *Client) Balance(ctx context.Context) (int, error) {
	var result Balance
	if err := c.get(ctx, "/portfolio/balance", nil, &result); err != nil {
		return 0, err
	}
	return result.Balance, nil
}

func (c *Client) Positions(ctx context.Context, ticker string) ([]MarketPosition, error) {
	params := url.Values{}
	params.Set("ticker", ticker)

	var result struct {
		MarketPositions []MarketPosition `json:"market_positions"`
	}
	if err := c.get(ctx, "/portfolio/positions", params, &result); err != nil {
		return nil, err
	}
	return result.MarketPositions, nil
}

func (c *Client) CreateOrder(ctx context.Context, req *OrderRequest) (*Order, error) {
	var result struct {
		Order Order `json:"order"`
	}
	if err := c.post(ctx, "/portfolio/orders", req, &result); err != nil {
		return nil, err
	}
	return &result.Order, nil
}

// --- HTTP helpers ---

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return err
	}

	headers, err := AuthHeaders(c.keyID, c.privKey, "GET", c.signPath(path))
	if err != nil {
		return err
	}
	req.Header = headers
	req.Header.Set("Accept", "application/json")

	return c.doRequest(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}

	headers, err := AuthHeaders(c.keyID, c.privKey, "POST", c.signPath(path))
	if err != nil {
		return err
	}
	req.Header = headers
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, out)
}

func (c *Client) doRequest(req *http.Request, out interface{}) error {
	slog.Debug("kalshi request", "method", req.Method, "url", req.URL.String())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("kalshi request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		slog.Error("kalshi API error", "status", resp.StatusCode, "body", string(body))
		return fmt.Errorf("kalshi API error %d: %s", resp.StatusCode, string(body))
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding response: %w (body: %s)", err, string(body))
		}
	}

	return nil
}
