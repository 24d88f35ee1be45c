package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stellar-mm/offer"
)

// CombinedMessage 对应 binance combined stream 包装。
type CombinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// MiniTicker <symbol>@miniTicker 推送的核心字段。
type MiniTicker struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

// TickerUpdate 解析后的最新价。
type TickerUpdate struct {
	Symbol string
	Price  decimal.Decimal
	Time   time.Time
}

// ParseCombinedMiniTicker 解析 combined stream 的 miniTicker 消息。
func ParseCombinedMiniTicker(raw []byte) (TickerUpdate, error) {
	var msg CombinedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return TickerUpdate{}, err
	}
	if !strings.HasSuffix(msg.Stream, "@miniTicker") {
		return TickerUpdate{}, fmt.Errorf("unexpected stream %q", msg.Stream)
	}
	var mt MiniTicker
	if err := json.Unmarshal(msg.Data, &mt); err != nil {
		return TickerUpdate{}, err
	}
	if mt.Symbol == "" {
		return TickerUpdate{}, fmt.Errorf("miniTicker without symbol")
	}
	price, err := offer.ParseReferencePrice(mt.Close)
	if err != nil {
		return TickerUpdate{}, fmt.Errorf("miniTicker %s: %w", mt.Symbol, err)
	}
	return TickerUpdate{
		Symbol: strings.ToUpper(mt.Symbol),
		Price:  price,
		Time:   time.UnixMilli(mt.EventTime).UTC(),
	}, nil
}
