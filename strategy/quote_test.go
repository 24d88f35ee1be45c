package strategy

import (
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stellar-mm/offer"
)

func newTestCalculator(t *testing.T, steps ...float64) *Calculator {
	t.Helper()
	c, err := NewCalculator(MustSpreadTable(steps, DefaultSpreadPct))
	require.NoError(t, err)
	return c
}

func TestComputePriceBuyScenario(t *testing.T) {
	c := newTestCalculator(t, DefaultSpreads...)
	p, err := c.ComputePrice(decimal.RequireFromString("1.00000"), offer.SideBuy, 0)
	require.NoError(t, err)
	assert.Equal(t, "0.995", p.String())
	assert.Equal(t, "0.99500", p.StringFixed(PricePrecision))
}

func TestComputePriceSellScenario(t *testing.T) {
	c := newTestCalculator(t, DefaultSpreads...)
	p, err := c.ComputePrice(decimal.RequireFromString("0.12345"), offer.SideSell, 1)
	require.NoError(t, err)
	// 0.12345 * 1.0075 = 0.124375875 -> 0.12438
	assert.Equal(t, "0.12438", p.StringFixed(PricePrecision))
}

func TestComputePriceFallsBackAfterTableExhausted(t *testing.T) {
	c := newTestCalculator(t, 0.5, 0.75, 1)
	ref := decimal.NewFromInt(100)
	want := []string{"99.5", "99.25", "99", "98.5"}
	for gen, w := range want {
		p, err := c.ComputePrice(ref, offer.SideBuy, gen)
		require.NoError(t, err)
		assert.Equal(t, w, p.String(), "generation %d", gen)
	}
}

func TestComputePriceSidesBracketReference(t *testing.T) {
	c := newTestCalculator(t, DefaultSpreads...)
	refs := []string{"0.5", "1", "1.23456", "31000.1", "0.01"}
	for _, raw := range refs {
		ref := decimal.RequireFromString(raw)
		for gen := 0; gen < 10; gen++ {
			buy, err := c.ComputePrice(ref, offer.SideBuy, gen)
			require.NoError(t, err)
			sell, err := c.ComputePrice(ref, offer.SideSell, gen)
			require.NoError(t, err)
			assert.True(t, buy.LessThan(ref), "buy %s !< ref %s (gen %d)", buy, ref, gen)
			assert.True(t, sell.GreaterThan(ref), "sell %s !> ref %s (gen %d)", sell, ref, gen)
		}
	}
}

func TestComputePriceRejectsNonPositive(t *testing.T) {
	c := newTestCalculator(t, DefaultSpreads...)
	for _, raw := range []string{"0", "-1.5"} {
		_, err := c.ComputePrice(decimal.RequireFromString(raw), offer.SideBuy, 0)
		assert.True(t, errors.Is(err, offer.ErrInvalidReferencePrice), raw)
	}
}

func TestSetTableIsAtomicUnderReaders(t *testing.T) {
	c := newTestCalculator(t, 0.5)
	wide := MustSpreadTable([]float64{2}, DefaultSpreadPct)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s := c.Spread(0).String()
				if s != "0.5" && s != "2" {
					t.Errorf("torn read: %s", s)
					return
				}
			}
		}()
	}
	require.NoError(t, c.SetTable(wide))
	wg.Wait()
	assert.Equal(t, "2", c.Spread(0).String())
	assert.Error(t, c.SetTable(nil))
}
