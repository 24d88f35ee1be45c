package gateway

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"stellar-mm/infrastructure/monitor"
)

// OracleConfig 构建价格预言机所需参数。
type OracleConfig struct {
	RESTURL       string
	WSURL         string
	RequestsPerS  float64
	Burst         int
	CacheTTL      time.Duration
	CacheSize     int
	FetchTimeout  time.Duration
	StreamSymbols []string
}

// BuildPriceOracle 构建 REST 客户端与预言机；配置了 StreamSymbols 时同时返回已订阅好的行情流（不发起连接）。
func BuildPriceOracle(cfg OracleConfig, httpCli *http.Client, logger *zap.Logger, mon *monitor.Monitor) (*PriceOracle, *BinanceWSReal, error) {
	if httpCli == nil {
		httpCli = NewDefaultHTTPClient()
	}
	var limiter RateLimiter = noopLimiter{}
	if cfg.RequestsPerS > 0 {
		limiter = NewTokenBucketLimiter(cfg.RequestsPerS, cfg.Burst)
	}
	rest := &BinanceRESTClient{
		BaseURL:    cfg.RESTURL,
		HTTPClient: httpCli,
		Limiter:    limiter,
	}
	oracle := NewPriceOracle(rest, OracleOptions{
		CacheTTL:     cfg.CacheTTL,
		CacheSize:    cfg.CacheSize,
		FetchTimeout: cfg.FetchTimeout,
	}, logger, mon)

	if len(cfg.StreamSymbols) == 0 {
		return oracle, nil, nil
	}
	ws := NewBinanceWSReal(logger, mon)
	if cfg.WSURL != "" {
		ws.BaseEndpoint = cfg.WSURL
	}
	for _, sym := range cfg.StreamSymbols {
		if err := ws.SubscribeMiniTicker(sym); err != nil {
			return nil, nil, err
		}
	}
	return oracle, ws, nil
}
