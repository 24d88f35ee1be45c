package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"stellar-mm/infrastructure/monitor"
)

// PriceSource 参考价来源。
type PriceSource interface {
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// OracleOptions 缓存与请求参数。CacheTTL<=0 关闭缓存。
type OracleOptions struct {
	CacheTTL     time.Duration
	CacheSize    int
	FetchTimeout time.Duration
}

// PriceOracle 参考价查询：先查 TTL 缓存，未命中时走 REST，相同交易对的并发请求合并为一次。
// 行情流推送的价格也写入同一缓存。
type PriceOracle struct {
	source       PriceSource
	cache        *expirable.LRU[string, decimal.Decimal]
	group        singleflight.Group
	fetchTimeout time.Duration
	logger       *zap.Logger
	monitor      *monitor.Monitor
}

func NewPriceOracle(src PriceSource, opts OracleOptions, logger *zap.Logger, mon *monitor.Monitor) *PriceOracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Second
	}
	o := &PriceOracle{
		source:       src,
		fetchTimeout: opts.FetchTimeout,
		logger:       logger,
		monitor:      mon,
	}
	if opts.CacheTTL > 0 {
		o.cache = expirable.NewLRU[string, decimal.Decimal](opts.CacheSize, nil, opts.CacheTTL)
	}
	return o
}

// Price 返回 symbol 的最新参考价。调用方 ctx 取消只影响自己的等待，不影响合并中的请求。
func (o *PriceOracle) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return decimal.Zero, fmt.Errorf("symbol required")
	}
	if o.cache != nil {
		if p, ok := o.cache.Get(symbol); ok {
			o.monitor.RecordOracleRequest("cache", "hit")
			return p, nil
		}
	}

	ch := o.group.DoChan(symbol, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.fetchTimeout)
		defer cancel()
		start := time.Now()
		p, err := o.source.TickerPrice(fetchCtx, symbol)
		o.monitor.RecordOracleLatency(time.Since(start))
		if err != nil {
			o.monitor.RecordOracleRequest("rest", "error")
			return nil, err
		}
		o.monitor.RecordOracleRequest("rest", "ok")
		o.store(symbol, p)
		return p, nil
	})

	select {
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return decimal.Zero, res.Err
		}
		return res.Val.(decimal.Decimal), nil
	}
}

// Update 写入行情流推送的价格。
func (o *PriceOracle) Update(u TickerUpdate) {
	o.monitor.RecordOracleRequest("stream", "ok")
	o.store(u.Symbol, u.Price)
}

// Cached 只读缓存，不触发请求。
func (o *PriceOracle) Cached(symbol string) (decimal.Decimal, bool) {
	if o.cache == nil {
		return decimal.Zero, false
	}
	return o.cache.Get(strings.ToUpper(symbol))
}

func (o *PriceOracle) store(symbol string, p decimal.Decimal) {
	if !p.IsPositive() {
		return
	}
	f, _ := p.Float64()
	o.monitor.UpdateReferencePrice(symbol, f)
	if o.cache != nil {
		o.cache.Add(symbol, p)
	}
}
