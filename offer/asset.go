package offer

import (
	"fmt"
	"strings"
)

// NativeCode 是原生资产（lumens）的代码，发行方为空。
const NativeCode = "XLM"

// Asset 资产标识：(code, issuer)，值类型，按两个字段判等。
type Asset struct {
	Code   string `json:"code"`
	Issuer string `json:"issuer,omitempty"`
}

// Native 返回原生资产。
func Native() Asset {
	return Asset{Code: NativeCode}
}

// IsNative 判断是否为原生资产。
func (a Asset) IsNative() bool {
	return a.Code == NativeCode && a.Issuer == ""
}

func (a Asset) String() string {
	if a.IsNative() {
		return NativeCode
	}
	return a.Code + ":" + a.Issuer
}

// Validate 检查资产代码长度（1-12）及非原生资产的发行方。
func (a Asset) Validate() error {
	if a.Code == "" || len(a.Code) > 12 {
		return fmt.Errorf("%w: asset code %q", ErrInvalidInput, a.Code)
	}
	if a.IsNative() {
		return nil
	}
	if a.Issuer == "" {
		return fmt.Errorf("%w: asset %s has no issuer", ErrInvalidInput, a.Code)
	}
	return nil
}

// Pair 为一组买卖资产。
type Pair struct {
	Selling Asset
	Buying  Asset
}

// Symbol 返回参考行情的交易对符号，按 buying+selling 拼接。
func (p Pair) Symbol() string {
	return strings.ToUpper(p.Buying.Code + p.Selling.Code)
}

// Side 买卖方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide 解析方向，大小写不敏感。
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return "", fmt.Errorf("%w: side %q", ErrInvalidInput, s)
	}
}

// Label 用于日志与持久化的可读名称。
func (s Side) Label() string {
	if s == SideBuy {
		return "Buy Offer"
	}
	return "Sell Offer"
}
