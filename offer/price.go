package offer

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseReferencePrice 解析行情源返回的价格字符串，非数字或非正数返回 ErrInvalidReferencePrice。
func ParseReferencePrice(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidReferencePrice, raw)
	}
	return d, nil
}
