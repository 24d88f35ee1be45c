package gateway

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter 控制请求速率，避免触发交易所限流。
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// NewTokenBucketLimiter 令牌桶：每秒 rps 个请求，允许 burst 突发。
func NewTokenBucketLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

type noopLimiter struct{}

func (noopLimiter) Wait(context.Context) error { return nil }
