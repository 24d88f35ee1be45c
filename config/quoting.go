package config

import (
	"fmt"

	"stellar-mm/strategy"
)

// SpreadTable 由 quoting 段构造价差表。
func (q QuotingConfig) SpreadTable() (*strategy.SpreadTable, error) {
	if err := ValidateQuoting(q); err != nil {
		return nil, err
	}
	t, err := strategy.NewSpreadTable(q.Spreads, q.DefaultSpread)
	if err != nil {
		return nil, fmt.Errorf("quoting: %w", err)
	}
	return t, nil
}
