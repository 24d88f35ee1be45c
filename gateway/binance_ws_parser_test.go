package gateway

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stellar-mm/offer"
)

func TestParseCombinedMiniTicker(t *testing.T) {
	raw := []byte(`{"stream":"xlmusdt@miniTicker","data":{"e":"24hrMiniTicker","E":1700000000000,"s":"XLMUSDT","c":"0.12345","o":"0.12","h":"0.13","l":"0.11"}}`)
	u, err := ParseCombinedMiniTicker(raw)
	require.NoError(t, err)
	assert.Equal(t, "XLMUSDT", u.Symbol)
	assert.True(t, u.Price.Equal(decimal.RequireFromString("0.12345")))
	assert.Equal(t, int64(1700000000000), u.Time.UnixMilli())
}

func TestParseCombinedMiniTickerInvalidClose(t *testing.T) {
	for _, c := range []string{"x", "0", "-0.1"} {
		raw := []byte(`{"stream":"xlmusdt@miniTicker","data":{"s":"XLMUSDT","c":"` + c + `"}}`)
		_, err := ParseCombinedMiniTicker(raw)
		assert.ErrorIs(t, err, offer.ErrInvalidReferencePrice, c)
	}
}

func TestParseCombinedMiniTickerRejects(t *testing.T) {
	cases := map[string]string{
		"not json":     `nope`,
		"other stream": `{"stream":"xlmusdt@depth20","data":{}}`,
		"no symbol":    `{"stream":"xlmusdt@miniTicker","data":{"c":"1"}}`,
		"bad close":    `{"stream":"xlmusdt@miniTicker","data":{"s":"XLMUSDT","c":"x"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCombinedMiniTicker([]byte(raw))
			assert.Error(t, err)
		})
	}
}
