package strategy

import (
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"stellar-mm/offer"
)

// PricePrecision 报价保留的小数位，对应账本价格编码粒度。
const PricePrecision int32 = 5

var hundred = decimal.NewFromInt(100)

// Calculator 根据参考价、方向与重报价代数生成偏移后的限价。
// 价差表可在运行中整体替换，读路径无锁。
type Calculator struct {
	table atomic.Pointer[SpreadTable]
}

// NewCalculator 创建报价计算器
func NewCalculator(table *SpreadTable) (*Calculator, error) {
	if table == nil {
		return nil, errEmptyTable
	}
	c := &Calculator{}
	c.table.Store(table)
	return c, nil
}

// SetTable 原子替换价差表（配置热更新）。
func (c *Calculator) SetTable(table *SpreadTable) error {
	if table == nil {
		return errEmptyTable
	}
	c.table.Store(table)
	return nil
}

// Table 当前价差表
func (c *Calculator) Table() *SpreadTable {
	return c.table.Load()
}

// Spread 返回某一代使用的价差百分比。
func (c *Calculator) Spread(generation int) decimal.Decimal {
	return c.table.Load().At(generation)
}

// ComputePrice 买单向下偏移、卖单向上偏移，结果保留 5 位小数。
func (c *Calculator) ComputePrice(ref decimal.Decimal, side offer.Side, generation int) (decimal.Decimal, error) {
	if !ref.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", offer.ErrInvalidReferencePrice, ref.String())
	}
	ratio := c.Spread(generation).Div(hundred)
	var price decimal.Decimal
	switch side {
	case offer.SideBuy:
		price = ref.Mul(decimal.NewFromInt(1).Sub(ratio))
	case offer.SideSell:
		price = ref.Mul(decimal.NewFromInt(1).Add(ratio))
	default:
		return decimal.Zero, fmt.Errorf("%w: side %q", offer.ErrInvalidInput, side)
	}
	return price.Round(PricePrecision), nil
}
