package gateway

import (
	"go.uber.org/zap"
)

// PriceSink 接收推送的最新价。
type PriceSink interface {
	Update(u TickerUpdate)
}

// BinanceWSHandler 解析 miniTicker combined 消息并写入价格缓存。
type BinanceWSHandler struct {
	Sink   PriceSink
	Logger *zap.Logger
}

// OnRawMessage 可供外部调用，直接传入 ws 原始消息。
func (h *BinanceWSHandler) OnRawMessage(msg []byte) {
	u, err := ParseCombinedMiniTicker(msg)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Debug("parse miniTicker msg failed", zap.Error(err))
		}
		return
	}
	if h.Sink != nil {
		h.Sink.Update(u)
	}
}
