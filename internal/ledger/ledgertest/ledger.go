// Package ledgertest 提供可编排的内存账本，供控制器与服务层测试使用。
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"stellar-mm/internal/ledger"
	"stellar-mm/offer"
)

// ErrAccountNotFound 账户未注资。
var ErrAccountNotFound = errors.New("account not found")

type response struct {
	result ledger.Result
	err    error
}

// Ledger 内存账本。未排队响应时按默认规则处理：新建挂单分配新 ID 并挂在簿上，
// 改单原样挂回，零数量删除。
type Ledger struct {
	mu          sync.Mutex
	accounts    map[string]int64
	balances    map[string][]ledger.Balance
	queue       []response
	submissions []ledger.Transaction
	nextID      offer.ID
	loadErr     error

	// OnSubmit 在交易发出后、结果返回前调用（锁外），可用于阻塞或观察并发。
	// 此时 ctx 被取消不会撤回交易：交易照常生效，调用方收到 ctx 错误。
	OnSubmit func(ctx context.Context, tx ledger.Transaction)
}

func New() *Ledger {
	return &Ledger{
		accounts: make(map[string]int64),
		balances: make(map[string][]ledger.Balance),
		nextID:   1000,
	}
}

// Fund 创建账户并设置持仓。
func (l *Ledger) Fund(address string, balances ...ledger.Balance) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[address]; !ok {
		l.accounts[address] = 1
	}
	l.balances[address] = balances
}

// FailLoads 让后续 LoadAccount 返回 err；传 nil 恢复。
func (l *Ledger) FailLoads(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loadErr = err
}

// Enqueue 指定下一次提交的结果。
func (l *Ledger) Enqueue(res ledger.Result, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = append(l.queue, response{result: res, err: err})
}

// Submissions 已提交交易的副本。
func (l *Ledger) Submissions() []ledger.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledger.Transaction(nil), l.submissions...)
}

// SubmissionCount 已提交次数。
func (l *Ledger) SubmissionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.submissions)
}

func (l *Ledger) LoadAccount(ctx context.Context, address string) (ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Account{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loadErr != nil {
		return ledger.Account{}, l.loadErr
	}
	seq, ok := l.accounts[address]
	if !ok {
		return ledger.Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	return ledger.Account{Address: address, Sequence: seq}, nil
}

// Submit 发出前 ctx 已取消时交易不生效；发出之后的取消只影响调用方拿到的结果。
func (l *Ledger) Submit(ctx context.Context, tx ledger.Transaction, cred offer.Credential) (ledger.Result, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Result{}, err
	}
	if l.OnSubmit != nil {
		l.OnSubmit(ctx, tx)
	}
	res, err := l.apply(tx, cred)
	if cerr := ctx.Err(); cerr != nil {
		return ledger.Result{}, cerr
	}
	return res, err
}

func (l *Ledger) apply(tx ledger.Transaction, cred offer.Credential) (ledger.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cred.PublicKey != tx.Source.Address {
		return ledger.Result{}, &offer.SubmissionError{Reason: "bad signature", ResultCodes: []string{"tx_bad_auth"}}
	}
	l.submissions = append(l.submissions, tx)
	l.accounts[tx.Source.Address]++

	if len(l.queue) > 0 {
		r := l.queue[0]
		l.queue = l.queue[1:]
		return r.result, r.err
	}
	return l.defaultResult(tx), nil
}

func (l *Ledger) defaultResult(tx ledger.Transaction) ledger.Result {
	hash := fmt.Sprintf("tx-%d", len(l.submissions))
	if tx.Op.Amount.IsZero() {
		return ledger.Result{TxHash: hash, Effect: ledger.EffectDeleted}
	}
	id := tx.Op.OfferID
	effect := ledger.EffectUpdated
	if id == 0 {
		l.nextID++
		id = l.nextID
		effect = ledger.EffectCreated
	}
	return ledger.Result{
		TxHash:  hash,
		Effect:  effect,
		Current: &ledger.RestingOffer{OfferID: id, Amount: tx.Op.Amount, Price: RestingPrice(tx.Op)},
	}
}

func (l *Ledger) Balances(ctx context.Context, address string) ([]ledger.Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[address]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	return append([]ledger.Balance(nil), l.balances[address]...), nil
}

// RestingPrice 账本存储挂单价的方向：买单以卖出资产计价，需取倒数。
func RestingPrice(op ledger.OfferOp) ledger.Price {
	if op.Side == offer.SideBuy {
		return op.Price.Inverse()
	}
	return op.Price
}

// Filled 构造一次全部成交的结果。
func Filled(claimedID offer.ID) ledger.Result {
	return ledger.Result{
		TxHash:  "tx-filled",
		Effect:  ledger.EffectDeleted,
		Claimed: []ledger.ClaimedOffer{{OfferID: claimedID}},
	}
}

// Partial 构造一次部分成交、剩余挂单仍在簿上的结果。
func Partial(claimedID, restingID offer.ID, price ledger.Price) ledger.Result {
	return ledger.Result{
		TxHash:  "tx-partial",
		Effect:  ledger.EffectUpdated,
		Claimed: []ledger.ClaimedOffer{{OfferID: claimedID}},
		Current: &ledger.RestingOffer{OfferID: restingID, Price: price},
	}
}
