package service

import (
	"fmt"
	"strings"

	"stellar-mm/offer"
)

// AssetBook 资产代码到发行方的映射，XLM 为原生资产。
type AssetBook struct {
	issuers map[string]string
}

// NewAssetBook 代码统一转大写。
func NewAssetBook(issuers map[string]string) *AssetBook {
	m := make(map[string]string, len(issuers))
	for code, issuer := range issuers {
		m[strings.ToUpper(strings.TrimSpace(code))] = strings.TrimSpace(issuer)
	}
	return &AssetBook{issuers: m}
}

// Resolve 支持 "CODE" 与 "CODE:ISSUER" 两种写法；未知代码返回 ErrInvalidInput。
func (b *AssetBook) Resolve(raw string) (offer.Asset, error) {
	raw = strings.TrimSpace(raw)
	code, issuer, explicit := strings.Cut(raw, ":")
	code = strings.ToUpper(code)
	if code == offer.NativeCode && !explicit {
		return offer.Native(), nil
	}
	if !explicit {
		var ok bool
		issuer, ok = b.issuers[code]
		if !ok {
			return offer.Asset{}, fmt.Errorf("%w: unknown asset %q", offer.ErrInvalidInput, raw)
		}
	}
	a := offer.Asset{Code: code, Issuer: issuer}
	if err := a.Validate(); err != nil {
		return offer.Asset{}, err
	}
	return a, nil
}

// Codes 已配置的资产代码。
func (b *AssetBook) Codes() []string {
	out := make([]string, 0, len(b.issuers)+1)
	out = append(out, offer.NativeCode)
	for code := range b.issuers {
		out = append(out, code)
	}
	return out
}
