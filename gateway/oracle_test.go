package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stellar-mm/infrastructure/monitor"
)

type stubSource struct {
	calls atomic.Int32
	price decimal.Decimal
	err   error
	gate  chan struct{}
}

func (s *stubSource) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		}
	}
	return s.price, s.err
}

func TestPriceOracleCachesWithinTTL(t *testing.T) {
	src := &stubSource{price: decimal.RequireFromString("1.5")}
	o := NewPriceOracle(src, OracleOptions{CacheTTL: time.Minute}, nil, monitor.New(monitor.DefaultConfig()))

	for i := 0; i < 3; i++ {
		p, err := o.Price(context.Background(), "xlmusdt")
		require.NoError(t, err)
		assert.True(t, p.Equal(decimal.RequireFromString("1.5")))
	}
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestPriceOracleNoCache(t *testing.T) {
	src := &stubSource{price: decimal.NewFromInt(2)}
	o := NewPriceOracle(src, OracleOptions{}, nil, nil)

	_, _ = o.Price(context.Background(), "XLMUSDT")
	_, _ = o.Price(context.Background(), "XLMUSDT")
	assert.Equal(t, int32(2), src.calls.Load())
	_, ok := o.Cached("XLMUSDT")
	assert.False(t, ok)
}

func TestPriceOracleCoalescesConcurrentRequests(t *testing.T) {
	src := &stubSource{price: decimal.NewFromInt(3), gate: make(chan struct{})}
	o := NewPriceOracle(src, OracleOptions{CacheTTL: time.Minute}, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := o.Price(context.Background(), "XLMUSDT")
			assert.NoError(t, err)
			assert.True(t, p.Equal(decimal.NewFromInt(3)))
		}()
	}
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestPriceOracleErrorNotCached(t *testing.T) {
	src := &stubSource{err: ErrUnknownSymbol}
	o := NewPriceOracle(src, OracleOptions{CacheTTL: time.Minute}, nil, nil)

	_, err := o.Price(context.Background(), "FOOBAR")
	assert.True(t, errors.Is(err, ErrUnknownSymbol))
	_, err = o.Price(context.Background(), "FOOBAR")
	assert.Error(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestPriceOracleCallerTimeout(t *testing.T) {
	src := &stubSource{price: decimal.NewFromInt(1), gate: make(chan struct{})}
	defer close(src.gate)
	o := NewPriceOracle(src, OracleOptions{FetchTimeout: time.Second}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := o.Price(ctx, "XLMUSDT")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPriceOracleStreamUpdate(t *testing.T) {
	src := &stubSource{price: decimal.NewFromInt(9)}
	o := NewPriceOracle(src, OracleOptions{CacheTTL: time.Minute}, nil, nil)

	o.Update(TickerUpdate{Symbol: "XLMUSDT", Price: decimal.RequireFromString("0.11")})
	p, err := o.Price(context.Background(), "XLMUSDT")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.RequireFromString("0.11")))
	assert.Equal(t, int32(0), src.calls.Load())

	o.Update(TickerUpdate{Symbol: "BADUSDT", Price: decimal.Zero})
	_, ok := o.Cached("BADUSDT")
	assert.False(t, ok)
}

func TestBuildPriceOracle(t *testing.T) {
	o, ws, err := BuildPriceOracle(OracleConfig{RequestsPerS: 5, Burst: 2, CacheTTL: time.Second}, nil, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, o)
	assert.Nil(t, ws)

	_, ws, err = BuildPriceOracle(OracleConfig{StreamSymbols: []string{"XLMUSDT"}}, nil, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, ws)
	assert.Equal(t, []string{"xlmusdt@miniTicker"}, ws.Streams())
}
