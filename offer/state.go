package offer

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents offer lifecycle.
type Status string

const (
	StatusOpen            Status = "OPEN"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCanceled        Status = "CANCELED"
)

// ID 由账本在首次成功提交后分配；0 表示尚未分配。
type ID int64

// Offer 挂单视图。会话存续期间由控制器持有，持久化副本由 Registry 持有。
type Offer struct {
	ID         ID
	Owner      string
	Side       Side
	Selling    Asset
	Buying     Asset
	Amount     decimal.Decimal
	Price      decimal.Decimal
	Status     Status
	Generation int
	UpdatedAt  time.Time
}

// Pair 返回挂单的资产对。
func (o Offer) Pair() Pair {
	return Pair{Selling: o.Selling, Buying: o.Buying}
}

// OutcomeKind 是一次提交的分类结果。
type OutcomeKind int

const (
	OutcomeOpen OutcomeKind = iota
	OutcomePartiallyFilled
	OutcomeFilled
	OutcomeCanceled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOpen:
		return "open"
	case OutcomePartiallyFilled:
		return "partially_filled"
	case OutcomeFilled:
		return "filled"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Outcome 是账本网关对一次提交的分类。
// Price 对 Open 是挂单价，对 PartiallyFilled 是账本报告的有效价格，其余为零。
type Outcome struct {
	Kind    OutcomeKind
	OfferID ID
	Price   decimal.Decimal
	TxHash  string
}

// Status 映射到持久化状态。
func (o Outcome) Status() Status {
	switch o.Kind {
	case OutcomePartiallyFilled:
		return StatusPartiallyFilled
	case OutcomeFilled:
		return StatusFilled
	case OutcomeCanceled:
		return StatusCanceled
	default:
		return StatusOpen
	}
}

// Resting 表示挂单仍留在订单簿上，需要继续报价。
func (o Outcome) Resting() bool {
	return o.Kind == OutcomeOpen || o.Kind == OutcomePartiallyFilled
}

// Credential 签名凭证，只在签名期间以明文存在。
type Credential struct {
	PublicKey string
	Seed      string
}

// String 不输出种子。
func (c Credential) String() string {
	return "credential(" + c.PublicKey + ")"
}
