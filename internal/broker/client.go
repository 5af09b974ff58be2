package broker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"planwatch/internal/config"
	"planwatch/internal/models"
	"planwatch/internal/monitor"
	"planwatch/pkg/ratelimit"
	"planwatch/pkg/retry"
	"planwatch/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client - HTTP-адаптер брокерского API.
// Реализует monitor.MarketDataPort и monitor.OrderExecutionPort.
//
// Все запросы проходят через token-bucket rate limiter: брокерские API
// банят за превышение квот, и лучше подождать локально, чем получить бан.
// Ошибки классифицируются для retry на стороне вызывающего:
// сеть и 5xx - временные, 4xx - постоянные.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *ratelimit.Limiter
	log     *utils.Logger
}

// NewClient создаёт клиента брокера
func NewClient(cfg config.BrokerConfig, log *utils.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
	}

	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		limiter: ratelimit.New(cfg.RateLimit, cfg.RateBurst),
		log:     log.WithComponent("broker"),
	}
}

// ============================================================
// MarketDataPort
// ============================================================

type quoteResponse struct {
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Timestamp int64   `json:"timestamp"` // unix миллисекунды
}

// GetQuote возвращает текущую котировку символа
func (c *Client) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	var resp quoteResponse
	err := c.get(ctx, "/api/v1/quote", url.Values{"symbol": {symbol}}, &resp)
	if err != nil {
		return nil, err
	}

	if resp.Bid <= 0 || resp.Ask <= 0 {
		// Пустая котировка от брокера: рынок закрыт или символ неторгуем
		return nil, monitor.ErrMarketDataUnavailable
	}

	return &models.Quote{
		Symbol:    resp.Symbol,
		Bid:       resp.Bid,
		Ask:       resp.Ask,
		Timestamp: time.UnixMilli(resp.Timestamp),
	}, nil
}

type candleResponse struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// GetCandles возвращает последние count свечей, от старых к новым
func (c *Client) GetCandles(ctx context.Context, symbol, timeframe string, count int) ([]models.Candle, error) {
	params := url.Values{
		"symbol":    {symbol},
		"timeframe": {timeframe},
		"count":     {strconv.Itoa(count)},
	}

	var resp []candleResponse
	if err := c.get(ctx, "/api/v1/candles", params, &resp); err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(resp))
	for _, r := range resp {
		candles = append(candles, models.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
			OpenTime:  time.UnixMilli(r.Time),
		})
	}
	return candles, nil
}

// ============================================================
// OrderExecutionPort
// ============================================================

type orderRequest struct {
	Symbol    string  `json:"symbol"`
	Direction string  `json:"direction"`
	Size      float64 `json:"size"`
	Type      string  `json:"type"` // market, limit
	Price     float64 `json:"price,omitempty"`
	StopLoss  float64 `json:"stop_loss"`
	TakeProf  float64 `json:"take_profit"`
	ClientRef string  `json:"client_ref"` // ID плана для идемпотентности на стороне брокера
}

type orderResponse struct {
	Ticket string `json:"ticket"`
	Status string `json:"status"`
}

// SubmitMarketOrder отправляет рыночный ордер, возвращает тикет
func (c *Client) SubmitMarketOrder(ctx context.Context, plan *models.Plan) (string, error) {
	return c.submitOrder(ctx, plan, "market", 0)
}

// SubmitPendingOrder размещает отложенный ордер на уровне входа
func (c *Client) SubmitPendingOrder(ctx context.Context, plan *models.Plan) (string, error) {
	return c.submitOrder(ctx, plan, "limit", plan.EntryPrice)
}

func (c *Client) submitOrder(ctx context.Context, plan *models.Plan, orderType string,
	price float64) (string, error) {

	req := orderRequest{
		Symbol:    plan.Symbol,
		Direction: plan.Direction,
		Size:      plan.Size,
		Type:      orderType,
		Price:     price,
		StopLoss:  plan.StopPrice,
		TakeProf:  plan.TargetPrice,
		ClientRef: plan.ID,
	}

	var resp orderResponse
	if err := c.post(ctx, "/api/v1/orders", req, &resp); err != nil {
		return "", err
	}
	if resp.Ticket == "" {
		return "", retry.Permanent(fmt.Errorf("broker accepted order without ticket, status=%s", resp.Status))
	}

	c.log.Info("order submitted",
		utils.Symbol(plan.Symbol), utils.String("type", orderType),
		utils.Ticket(resp.Ticket))
	return resp.Ticket, nil
}

// CancelOrder отменяет ранее размещённый ордер
func (c *Client) CancelOrder(ctx context.Context, ticket string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/api/v1/orders/"+url.PathEscape(ticket), nil)
	if err != nil {
		return retry.Permanent(err)
	}
	return c.do(req, nil)
}

// ============================================================
// HTTP обвязка
// ============================================================

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}

	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Сетевые ошибки временные: повтор имеет смысл
		return retry.Temporary(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return retry.Temporary(err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return monitor.ErrMarketDataUnavailable
	case resp.StatusCode == http.StatusTooManyRequests:
		return retry.Temporary(fmt.Errorf("broker rate limit hit: %s", truncate(data)))
	case resp.StatusCode >= 500:
		return retry.Temporary(fmt.Errorf("broker server error %d: %s", resp.StatusCode, truncate(data)))
	case resp.StatusCode >= 400:
		return retry.Permanent(fmt.Errorf("broker rejected request %d: %s", resp.StatusCode, truncate(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return retry.Permanent(fmt.Errorf("malformed broker response: %w", err))
	}
	return nil
}

func truncate(data []byte) string {
	const max = 200
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
