package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"stellar-mm/infrastructure/monitor"
)

// WSHandler 接收 combined stream 原始消息。
type WSHandler interface {
	OnRawMessage(msg []byte)
}

// BinanceWSReal 订阅现货 miniTicker combined stream，断线后指数退避重连。
type BinanceWSReal struct {
	BaseEndpoint string // 默认 wss://stream.binance.com:9443
	Dialer       *websocket.Dialer
	ReadTimeout  time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration

	streams []string
	logger  *zap.Logger
	monitor *monitor.Monitor
}

func NewBinanceWSReal(logger *zap.Logger, mon *monitor.Monitor) *BinanceWSReal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BinanceWSReal{
		BaseEndpoint: BinanceSpotWSEndpoint,
		Dialer:       websocket.DefaultDialer,
		ReadTimeout:  60 * time.Second,
		MinBackoff:   time.Second,
		MaxBackoff:   time.Minute,
		logger:       logger,
		monitor:      mon,
	}
}

func (b *BinanceWSReal) SubscribeMiniTicker(symbol string) error {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return fmt.Errorf("symbol required")
	}
	stream := strings.ToLower(symbol) + "@miniTicker"
	for _, s := range b.streams {
		if s == stream {
			return nil
		}
	}
	b.streams = append(b.streams, stream)
	return nil
}

// Streams 已订阅的流名。
func (b *BinanceWSReal) Streams() []string {
	return append([]string(nil), b.streams...)
}

// StreamURL 构建 combined stream 地址。
func (b *BinanceWSReal) StreamURL() (string, error) {
	if len(b.streams) == 0 {
		return "", fmt.Errorf("no streams subscribed")
	}
	u, err := url.Parse(b.BaseEndpoint)
	if err != nil {
		return "", fmt.Errorf("parse ws endpoint: %w", err)
	}
	u.Path = "/stream"
	q := u.Query()
	q.Set("streams", strings.Join(b.streams, "/"))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run 建立一条连接并读取消息，直到出错或 ctx 结束。
func (b *BinanceWSReal) Run(ctx context.Context, handler WSHandler) error {
	endpoint, err := b.StreamURL()
	if err != nil {
		return err
	}
	conn, _, err := b.Dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	b.monitor.RecordWSConnection()
	b.logger.Info("binance ws connected", zap.Strings("streams", b.streams))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		if b.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(b.ReadTimeout))
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			b.monitor.RecordWSDisconnect()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if handler != nil {
			handler.OnRawMessage(message)
		}
	}
}

// RunWithReconnect 持续运行直到 ctx 结束；每次断线后退避重连，成功连接后退避归位。
func (b *BinanceWSReal) RunWithReconnect(ctx context.Context, handler WSHandler) error {
	backoff := b.MinBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	for {
		started := time.Now()
		err := b.Run(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > b.MaxBackoff {
			backoff = b.MinBackoff
		}
		b.logger.Warn("binance ws disconnected, reconnecting",
			zap.Error(err), zap.Duration("backoff", backoff))
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if b.MaxBackoff > 0 && backoff > b.MaxBackoff {
			backoff = b.MaxBackoff
		}
	}
}
