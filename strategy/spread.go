package strategy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultSpreadPct 报价代数超出价差表长度后使用的价差（百分比）。
const DefaultSpreadPct = 1.5

// DefaultSpreads 初始价差阶梯（百分比），随重报价代数逐级放宽。
var DefaultSpreads = []float64{0.5, 0.75, 1, 1.25, 1.5}

// SpreadTable 按重报价代数索引的价差表；构造后只读。
type SpreadTable struct {
	steps    []decimal.Decimal
	fallback decimal.Decimal
}

// NewSpreadTable 校验并构造价差表；每一档必须 > 0 且 < 100。
func NewSpreadTable(steps []float64, fallback float64) (*SpreadTable, error) {
	if fallback <= 0 || fallback >= 100 {
		return nil, fmt.Errorf("default spread must be in (0,100), got %v", fallback)
	}
	t := &SpreadTable{
		steps:    make([]decimal.Decimal, 0, len(steps)),
		fallback: decimal.NewFromFloat(fallback),
	}
	for i, s := range steps {
		if s <= 0 || s >= 100 {
			return nil, fmt.Errorf("spread[%d] must be in (0,100), got %v", i, s)
		}
		t.steps = append(t.steps, decimal.NewFromFloat(s))
	}
	return t, nil
}

// MustSpreadTable 用于常量表。
func MustSpreadTable(steps []float64, fallback float64) *SpreadTable {
	t, err := NewSpreadTable(steps, fallback)
	if err != nil {
		panic(err)
	}
	return t
}

// At 返回第 generation 代的价差百分比；越界时退回默认价差。
func (t *SpreadTable) At(generation int) decimal.Decimal {
	if generation >= 0 && generation < len(t.steps) {
		return t.steps[generation]
	}
	return t.fallback
}

// Len 价差表长度
func (t *SpreadTable) Len() int {
	return len(t.steps)
}

var errEmptyTable = errors.New("spread table is nil")
