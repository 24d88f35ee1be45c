package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stellar-mm/offer"
)

const (
	BinanceSpotRESTEndpoint = "https://api.binance.com"
	BinanceSpotWSEndpoint   = "wss://stream.binance.com:9443"

	binanceInvalidSymbolCode = -1121
)

// ErrUnknownSymbol 交易所不认识的交易对。
var ErrUnknownSymbol = errors.New("unknown symbol")

// BinanceRESTClient 只读现货行情客户端，不需要签名。
type BinanceRESTClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Limiter    RateLimiter
}

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// TickerPrice 查询最新成交价 GET /api/v3/ticker/price?symbol=。
func (c *BinanceRESTClient) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return decimal.Zero, fmt.Errorf("symbol required")
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return decimal.Zero, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	endpoint := strings.TrimRight(c.baseURL(), "/") + "/api/v3/ticker/price?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ticker %s: %w", symbol, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, fmt.Errorf("ticker %s read body: %w", symbol, err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		_ = json.Unmarshal(body, &apiErr)
		if resp.StatusCode == http.StatusBadRequest || apiErr.Code == binanceInvalidSymbolCode {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
		}
		return decimal.Zero, fmt.Errorf("ticker %s status %d: %s", symbol, resp.StatusCode, string(body))
	}
	var tp tickerPrice
	if err := json.Unmarshal(body, &tp); err != nil {
		return decimal.Zero, fmt.Errorf("ticker %s decode: %w", symbol, err)
	}
	price, err := offer.ParseReferencePrice(tp.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ticker %s: %w", symbol, err)
	}
	return price, nil
}

func (c *BinanceRESTClient) baseURL() string {
	if c.BaseURL == "" {
		return BinanceSpotRESTEndpoint
	}
	return c.BaseURL
}

func (c *BinanceRESTClient) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return NewDefaultHTTPClient()
	}
	return c.HTTPClient
}

// NewDefaultHTTPClient 返回带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        20,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
		},
	}
}
