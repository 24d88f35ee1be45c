package ledger

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"stellar-mm/offer"
)

// AmountPrecision 账本金额的小数位（stroop 精度）。
const AmountPrecision int32 = 7

// Account 提交交易所需的账户状态。
type Account struct {
	Address  string
	Sequence int64
}

// Price 账本使用的有理数价格 N/D。
type Price struct {
	N int32
	D int32
}

// Decimal 返回 N/D 的小数值，舍入由调用方决定。
func (p Price) Decimal() decimal.Decimal {
	if p.D == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt32(p.N).DivRound(decimal.NewFromInt32(p.D), 16)
}

// Inverse 返回 D/N。
func (p Price) Inverse() Price {
	return Price{N: p.D, D: p.N}
}

func (p Price) String() string {
	return fmt.Sprintf("%d/%d", p.N, p.D)
}

// ToRational 将报价转换为账本有理数：放大到 scale 位小数后用最大公约数约分。
// 约分后分子或分母超出 int32 时取两者都不超过 MaxInt32 的最佳有理逼近；
// 只有大于 MaxInt32 的价格无法表示。
func ToRational(d decimal.Decimal, scale int32) (Price, error) {
	if !d.IsPositive() {
		return Price{}, fmt.Errorf("%w: price %s must be positive", offer.ErrInvalidInput, d)
	}
	num := d.Shift(scale).Round(0).BigInt()
	den := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale)), nil)
	if num.Sign() == 0 {
		return Price{}, fmt.Errorf("%w: price %s below precision", offer.ErrInvalidInput, d)
	}
	x := new(big.Rat).SetFrac(num, den)
	if x.Cmp(new(big.Rat).SetInt(maxRational)) > 0 {
		return Price{}, fmt.Errorf("%w: price %s overflows ledger rational", offer.ErrInvalidInput, d)
	}
	r := bestRational(x, maxRational)
	return Price{N: int32(r.Num().Int64()), D: int32(r.Denom().Int64())}, nil
}

var maxRational = big.NewInt(math.MaxInt32)

// bestRational 连分数展开 x，返回分子分母都不超过 bound 的最近分数（收敛分数或半收敛分数）。
// x 已约分且不超过 bound。
func bestRational(x *big.Rat, bound *big.Int) *big.Rat {
	if x.Num().Cmp(bound) <= 0 && x.Denom().Cmp(bound) <= 0 {
		return x
	}
	n := new(big.Int).Set(x.Num())
	d := new(big.Int).Set(x.Denom())
	h2, h1 := big.NewInt(0), big.NewInt(1)
	k2, k1 := big.NewInt(1), big.NewInt(0)
	a, rem := new(big.Int), new(big.Int)
	for {
		a.QuoRem(n, d, rem)
		h := new(big.Int).Add(new(big.Int).Mul(a, h1), h2)
		k := new(big.Int).Add(new(big.Int).Mul(a, k1), k2)
		if h.Cmp(bound) > 0 || k.Cmp(bound) > 0 {
			best := new(big.Rat).SetFrac(h1, k1)
			// 半收敛分数 (t*h1+h2)/(t*k1+k2)，t 取边界允许的最大值
			t := new(big.Int).Quo(new(big.Int).Sub(bound, h2), h1)
			if k1.Sign() > 0 {
				if tk := new(big.Int).Quo(new(big.Int).Sub(bound, k2), k1); tk.Cmp(t) < 0 {
					t = tk
				}
			}
			if t.Sign() > 0 {
				semi := new(big.Rat).SetFrac(
					new(big.Int).Add(new(big.Int).Mul(t, h1), h2),
					new(big.Int).Add(new(big.Int).Mul(t, k1), k2),
				)
				if ratDistance(semi, x).Cmp(ratDistance(best, x)) < 0 {
					best = semi
				}
			}
			return best
		}
		h2, h1 = h1, h
		k2, k1 = k1, k
		if rem.Sign() == 0 {
			return new(big.Rat).SetFrac(h1, k1)
		}
		n, d = d, new(big.Int).Set(rem)
	}
}

func ratDistance(a, b *big.Rat) *big.Rat {
	return new(big.Rat).Abs(new(big.Rat).Sub(a, b))
}

// OfferOp 单个 manage-offer 操作。Buy 映射为 manage-buy-offer（Amount 为买入量），
// Sell 映射为 manage-sell-offer（Amount 为卖出量）。Amount 为零表示删除。
type OfferOp struct {
	Side    offer.Side
	Selling offer.Asset
	Buying  offer.Asset
	Amount  decimal.Decimal
	Price   Price
	OfferID offer.ID
}

// Transaction 只含一个操作的交易。
type Transaction struct {
	Source  Account
	Op      OfferOp
	BaseFee int64
	Timeout time.Duration
}

// ClaimedOffer 提交时被吃掉的对手单。
type ClaimedOffer struct {
	OfferID      offer.ID
	Seller       string
	AmountSold   decimal.Decimal
	AmountBought decimal.Decimal
}

// Effect manage-offer 对自身挂单的影响。
type Effect int

const (
	EffectCreated Effect = iota
	EffectUpdated
	EffectDeleted
)

func (e Effect) String() string {
	switch e {
	case EffectCreated:
		return "created"
	case EffectUpdated:
		return "updated"
	case EffectDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// RestingOffer 提交后留在订单簿上的挂单。Price 按账本存储方向（卖出资产计价）。
type RestingOffer struct {
	OfferID offer.ID
	Amount  decimal.Decimal
	Price   Price
}

// Result 解码后的提交结果。
type Result struct {
	TxHash  string
	Claimed []ClaimedOffer
	Effect  Effect
	Current *RestingOffer
}

// Balance 账户持仓。
type Balance struct {
	Asset  offer.Asset
	Amount decimal.Decimal
}

// Client 账本访问接口。
type Client interface {
	LoadAccount(ctx context.Context, address string) (Account, error)
	Submit(ctx context.Context, tx Transaction, cred offer.Credential) (Result, error)
	Balances(ctx context.Context, address string) ([]Balance, error)
}
