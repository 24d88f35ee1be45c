package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"stellar-mm/offer"
)

// session 一个挂单的报价会话。cycleMu 串行化该挂单的所有账本提交（定时重报价、
// 立即重报价与撤单）；状态字段由 mu 保护，快照读取不会被进行中的提交阻塞。
type session struct {
	id      offer.ID
	side    offer.Side
	selling offer.Asset
	buying  offer.Asset
	owner   string
	amount  decimal.Decimal

	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}
	done   chan struct{}

	cycleMu sync.Mutex
	stopped atomic.Bool

	mu          sync.RWMutex
	generation  int
	price       decimal.Decimal
	status      offer.Status
	failures    int
	cycles      int64
	ended       bool
	startedAt   time.Time
	lastQuoteAt time.Time
}

func newSession(parent context.Context, o offer.Offer, now time.Time) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		id:          o.ID,
		side:        o.Side,
		selling:     o.Selling,
		buying:      o.Buying,
		owner:       o.Owner,
		amount:      o.Amount,
		ctx:         ctx,
		cancel:      cancel,
		kick:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		generation:  o.Generation,
		price:       o.Price,
		status:      o.Status,
		startedAt:   now,
		lastQuoteAt: now,
	}
}

func (s *session) pair() offer.Pair {
	return offer.Pair{Selling: s.selling, Buying: s.buying}
}

// kickNow 请求一次立即重报价；已有待处理的请求时合并。
func (s *session) kickNow() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// stop 停止调度，幂等。进行中的周期由 cycleMu 等待。
func (s *session) stop() {
	s.stopped.Store(true)
	s.cancel()
}

func (s *session) nextGeneration() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation + 1
}

func (s *session) recordQuote(gen int, price decimal.Decimal, st offer.Status, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation = gen
	s.price = price
	s.status = st
	s.failures = 0
	s.cycles++
	s.lastQuoteAt = at
}

func (s *session) setGeneration(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation = gen
}

func (s *session) fail() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	return s.failures
}

func (s *session) markEnded(st offer.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	s.status = st
}

func (s *session) isEnded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ended
}

// SessionInfo 会话快照。
type SessionInfo struct {
	OfferID     offer.ID        `json:"offerId"`
	Owner       string          `json:"owner"`
	Side        offer.Side      `json:"side"`
	Selling     offer.Asset     `json:"selling"`
	Buying      offer.Asset     `json:"buying"`
	Amount      decimal.Decimal `json:"amount"`
	Price       decimal.Decimal `json:"price"`
	Status      offer.Status    `json:"status"`
	Generation  int             `json:"generation"`
	Failures    int             `json:"failures"`
	Cycles      int64           `json:"cycles"`
	Stopped     bool            `json:"stopped"`
	StartedAt   time.Time       `json:"startedAt"`
	LastQuoteAt time.Time       `json:"lastQuoteAt"`
}

func (s *session) info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		OfferID:     s.id,
		Owner:       s.owner,
		Side:        s.side,
		Selling:     s.selling,
		Buying:      s.buying,
		Amount:      s.amount,
		Price:       s.price,
		Status:      s.status,
		Generation:  s.generation,
		Failures:    s.failures,
		Cycles:      s.cycles,
		Stopped:     s.stopped.Load(),
		StartedAt:   s.startedAt,
		LastQuoteAt: s.lastQuoteAt,
	}
}
