// Package exchange implements the Alpha exchange REST and WebSocket clients.
//
// The REST client (Client) drives the order and account endpoints:
//   - FetchTokenCatalog:   GET  /api/v1/alpha/token/list   — catalog with prices + mulPoint
//   - FetchUserVolume:     GET  /api/v1/alpha/user-volume  — per-token reported volume
//   - PlaceOTOOrder:       POST /api/v1/alpha/oto/order    — buy working leg + sell pending leg
//   - ObtainListenKey:     POST /api/v1/userDataStream     — key for the order-event WebSocket
//   - KeepAliveListenKey:  PUT  /api/v1/userDataStream     — extends key validity (~60 min)
//   - CloseListenKey:      DELETE /api/v1/userDataStream   — releases the key
//
// Every request is rate-limited via per-category TokenBuckets. Every request
// except OTO placement is retried on transport errors and 5xx responses.
// There is no ambient authentication: each authenticated call
// takes the user's UserCredentials explicitly and injects the opaque headers
// and cookie blob into that request only.
//
// All responses use the Alpha envelope {code, message, data, success}. A
// non-success envelope is run through the Classifier so credential
// revocation surfaces as AuthFailedError rather than a generic failure.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"alpha-volume-bot/pkg/types"
)

const (
	catalogPath    = "/api/v1/alpha/token/list"
	userVolumePath = "/api/v1/alpha/user-volume"
	otoOrderPath   = "/api/v1/alpha/oto/order"
	listenKeyPath  = "/api/v1/userDataStream"

	successCode = "000000"

	// Exchange-declared scales for outbound values.
	priceDecimals    = 8
	quantityDecimals = 2

	// Catalog responses may be shared across users for a short window.
	catalogCacheTTL = 5 * time.Second
)

type envelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Success bool            `json:"success"`
}

// Client is the Alpha REST API client. It wraps a resty HTTP client with
// rate limiting, retry, and per-call credential injection.
type Client struct {
	http       *resty.Client
	classifier *Classifier
	rl         *RateLimiter
	logger     *slog.Logger

	catalogMu sync.Mutex
	catalogAt time.Time
	catalog   []types.TokenCatalogEntry
}

// NewClient creates a REST client against the given base URL.
func NewClient(baseURL string, classifier *Classifier, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// A failed OTO placement may still have reached the exchange,
			// so it is never retried.
			if r != nil && r.Request != nil {
				if r.Request.Method == http.MethodPost && strings.HasSuffix(r.Request.URL, otoOrderPath) {
					return false
				}
			}
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:       httpClient,
		classifier: classifier,
		rl:         NewRateLimiter(),
		logger:     logger.With("component", "exchange"),
	}
}

func withCredentials(req *resty.Request, creds types.UserCredentials) *resty.Request {
	req.SetHeaders(creds.Headers)
	if creds.Cookies != "" {
		req.SetHeader("Cookie", creds.Cookies)
	}
	return req
}

// decode validates transport status and the envelope, returning the data
// payload. classify maps a non-success envelope to a typed error.
func decode(op string, resp *resty.Response, err error, classify func(code, message string) error) (json.RawMessage, error) {
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if resp.StatusCode() >= 500 {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &ProtocolError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())}
	}

	var env envelope
	if uerr := json.Unmarshal(resp.Body(), &env); uerr != nil {
		return nil, &ProtocolError{Op: op, Err: fmt.Errorf("decode envelope: %w", uerr)}
	}
	if !env.Success || env.Code != successCode {
		return nil, classify(env.Code, env.Message)
	}
	return env.Data, nil
}

// FetchTokenCatalog returns the current Alpha token catalog. The result is
// cached for up to 5 seconds so concurrent per-user loops share one read.
func (c *Client) FetchTokenCatalog(ctx context.Context) ([]types.TokenCatalogEntry, error) {
	c.catalogMu.Lock()
	if c.catalog != nil && time.Since(c.catalogAt) < catalogCacheTTL {
		entries := c.catalog
		c.catalogMu.Unlock()
		return entries, nil
	}
	c.catalogMu.Unlock()

	if err := c.rl.Catalog.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Get(catalogPath)
	data, err := decode("fetch token catalog", resp, err, func(code, message string) error {
		return &ProtocolError{Op: "fetch token catalog", Err: fmt.Errorf("exchange error code %s: %s", code, message)}
	})
	if err != nil {
		return nil, err
	}

	var entries []types.TokenCatalogEntry
	if uerr := json.Unmarshal(data, &entries); uerr != nil {
		return nil, &ProtocolError{Op: "fetch token catalog", Err: fmt.Errorf("decode data: %w", uerr)}
	}

	c.catalogMu.Lock()
	c.catalog = entries
	c.catalogAt = time.Now()
	c.catalogMu.Unlock()

	return entries, nil
}

type userVolumeRow struct {
	TokenSymbol string          `json:"tokenSymbol"`
	Volume      decimal.Decimal `json:"volume"`
}

// FetchUserVolume returns the calling user's per-token reported volume.
func (c *Client) FetchUserVolume(ctx context.Context, creds types.UserCredentials) (types.UserVolumeSnapshot, error) {
	if err := c.rl.Volume.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := withCredentials(c.http.R(), creds).
		SetContext(ctx).
		Get(userVolumePath)
	data, err := decode("fetch user volume", resp, err, func(code, message string) error {
		return c.classifier.ClassifyQueryError("fetch user volume", code, message)
	})
	if err != nil {
		return nil, err
	}

	var rows []userVolumeRow
	if uerr := json.Unmarshal(data, &rows); uerr != nil {
		return nil, &ProtocolError{Op: "fetch user volume", Err: fmt.Errorf("decode data: %w", uerr)}
	}

	snapshot := make(types.UserVolumeSnapshot, len(rows))
	for _, row := range rows {
		snapshot[row.TokenSymbol] = row.Volume
	}
	return snapshot, nil
}

type otoOrderRequest struct {
	Symbol          string `json:"symbol"`
	ClientOrderID   string `json:"clientOrderId"`
	Quantity        string `json:"quantity"`
	WorkingSide     string `json:"workingSide"`
	WorkingPrice    string `json:"workingPrice"`
	PendingSide     string `json:"pendingSide"`
	PendingPrice    string `json:"pendingPrice"`
	PendingQuantity string `json:"pendingQuantity"`
	WorkingType     string `json:"workingType"`
	PendingType     string `json:"pendingType"`
}

type otoOrderData struct {
	WorkingOrderID json.Number `json:"workingOrderId"`
	PendingOrderID json.Number `json:"pendingOrderId"`
}

// PlaceOTOOrder submits one OTO: a BUY working leg at buyPrice for quantity
// and a SELL pending leg at sellPrice for the same quantity. Outbound
// prices and quantities are truncated toward zero at the exchange's scale.
//
// The exchange provides no idempotency for this call: a failure whose
// outcome is unknown must not be blindly retried. The batch loop re-anchors
// against FetchUserVolume instead of reconciling individual orders.
func (c *Client) PlaceOTOOrder(ctx context.Context, creds types.UserCredentials, symbol string, quantity, buyPrice, sellPrice decimal.Decimal) (*types.OTOOrderPlacement, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	qty := quantity.Truncate(quantityDecimals).String()
	req := otoOrderRequest{
		Symbol:          symbol,
		ClientOrderID:   uuid.NewString(),
		Quantity:        qty,
		WorkingSide:     string(types.BUY),
		WorkingPrice:    buyPrice.Truncate(priceDecimals).String(),
		PendingSide:     string(types.SELL),
		PendingPrice:    sellPrice.Truncate(priceDecimals).String(),
		PendingQuantity: qty,
		WorkingType:     "LIMIT",
		PendingType:     "LIMIT",
	}

	resp, err := withCredentials(c.http.R(), creds).
		SetContext(ctx).
		SetBody(req).
		Post(otoOrderPath)
	data, err := decode("place oto order", resp, err, c.classifier.ClassifyOrderError)
	if err != nil {
		return nil, err
	}

	var placed otoOrderData
	if uerr := json.Unmarshal(data, &placed); uerr != nil {
		return nil, &ProtocolError{Op: "place oto order", Err: fmt.Errorf("decode data: %w", uerr)}
	}

	c.logger.Debug("oto placed",
		"symbol", symbol,
		"working_order_id", placed.WorkingOrderID.String(),
		"pending_order_id", placed.PendingOrderID.String(),
	)

	return &types.OTOOrderPlacement{
		WorkingOrderID: placed.WorkingOrderID.String(),
		PendingOrderID: placed.PendingOrderID.String(),
	}, nil
}

type listenKeyData struct {
	ListenKey string `json:"listenKey"`
}

// ObtainListenKey returns a key authorizing the user's order-event
// subscription. Keys are valid for at least 60 minutes.
func (c *Client) ObtainListenKey(ctx context.Context, creds types.UserCredentials) (string, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", err
	}

	resp, err := withCredentials(c.http.R(), creds).
		SetContext(ctx).
		Post(listenKeyPath)
	data, err := decode("obtain listen key", resp, err, func(code, message string) error {
		return c.classifier.ClassifyQueryError("obtain listen key", code, message)
	})
	if err != nil {
		return "", err
	}

	var lk listenKeyData
	if uerr := json.Unmarshal(data, &lk); uerr != nil {
		return "", &ProtocolError{Op: "obtain listen key", Err: fmt.Errorf("decode data: %w", uerr)}
	}
	if lk.ListenKey == "" {
		return "", &ProtocolError{Op: "obtain listen key", Err: fmt.Errorf("empty listen key in response")}
	}
	return lk.ListenKey, nil
}

// KeepAliveListenKey extends the validity of an existing listen key.
func (c *Client) KeepAliveListenKey(ctx context.Context, creds types.UserCredentials, key string) error {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}

	resp, err := withCredentials(c.http.R(), creds).
		SetContext(ctx).
		SetBody(listenKeyData{ListenKey: key}).
		Put(listenKeyPath)
	_, err = decode("keepalive listen key", resp, err, func(code, message string) error {
		return c.classifier.ClassifyQueryError("keepalive listen key", code, message)
	})
	return err
}

// CloseListenKey releases a listen key. A not-found response is not an
// error: the key may already have expired server-side.
func (c *Client) CloseListenKey(ctx context.Context, creds types.UserCredentials, key string) error {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}

	resp, err := withCredentials(c.http.R(), creds).
		SetContext(ctx).
		SetBody(listenKeyData{ListenKey: key}).
		Delete(listenKeyPath)
	_, err = decode("close listen key", resp, err, func(code, message string) error {
		if isNotFound(code, message) {
			return nil
		}
		return c.classifier.ClassifyQueryError("close listen key", code, message)
	})
	if err != nil {
		return err
	}
	return nil
}

func isNotFound(code, message string) bool {
	if code == "100001004" {
		return true
	}
	msg := strings.ToLower(message)
	return strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist")
}
