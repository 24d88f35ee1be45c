package ledger

import (
	"github.com/shopspring/decimal"

	"stellar-mm/offer"
)

// PricePrecision 有效价格保留的小数位，与报价精度一致。
const PricePrecision int32 = 5

// Classify 把一次提交结果映射为 Outcome。优先级 Filled > PartiallyFilled > Open。
// 新挂单的 ID 取剩余挂单；全部成交且无剩余时取第一笔被吃掉的对手单 ID。
func Classify(req OfferRequest, res Result) offer.Outcome {
	out := offer.Outcome{OfferID: req.ExistingID, TxHash: res.TxHash}
	resting := res.Current != nil && res.Effect != EffectDeleted

	if req.Amount.IsZero() {
		out.Kind = offer.OutcomeCanceled
		return out
	}

	if len(res.Claimed) > 0 {
		if !resting {
			out.Kind = offer.OutcomeFilled
			if out.OfferID == 0 {
				out.OfferID = res.Claimed[0].OfferID
			}
			return out
		}
		out.Kind = offer.OutcomePartiallyFilled
		if out.OfferID == 0 {
			out.OfferID = res.Current.OfferID
		}
		out.Price = EffectivePrice(req.Side, res.Current.Price)
		return out
	}

	if resting {
		out.Kind = offer.OutcomeOpen
		if out.OfferID == 0 {
			out.OfferID = res.Current.OfferID
		}
		out.Price = req.Price
		return out
	}

	out.Kind = offer.OutcomeCanceled
	return out
}

// EffectivePrice 账本挂单以卖出资产计价；买单取倒数还原为报价方向。
func EffectivePrice(side offer.Side, p Price) decimal.Decimal {
	if side == offer.SideBuy {
		p = p.Inverse()
	}
	return p.Decimal().Round(PricePrecision)
}
