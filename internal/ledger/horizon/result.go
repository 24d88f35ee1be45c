package horizon

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/stellar/go-stellar-sdk/xdr"

	"stellar-mm/internal/ledger"
	"stellar-mm/offer"
)

// DecodeResult 从 result_xdr 中取出唯一的 manage-offer 操作结果：被吃掉的对手单、
// 对自身挂单的影响以及剩余挂单。
func DecodeResult(resultXDR string) (ledger.Result, error) {
	var tr xdr.TransactionResult
	if err := xdr.SafeUnmarshalBase64(resultXDR, &tr); err != nil {
		return ledger.Result{}, fmt.Errorf("unmarshal result: %w", err)
	}
	opResults, ok := tr.OperationResults()
	if !ok || len(opResults) != 1 {
		return ledger.Result{}, fmt.Errorf("expected one operation result, got %d", len(opResults))
	}
	body := opResults[0].Tr
	if body == nil {
		return ledger.Result{}, fmt.Errorf("operation result has no body")
	}

	var success *xdr.ManageOfferSuccessResult
	switch body.Type {
	case xdr.OperationTypeManageBuyOffer:
		if body.ManageBuyOfferResult != nil {
			success = body.ManageBuyOfferResult.Success
		}
	case xdr.OperationTypeManageSellOffer:
		if body.ManageSellOfferResult != nil {
			success = body.ManageSellOfferResult.Success
		}
	default:
		return ledger.Result{}, fmt.Errorf("unexpected operation type %s", body.Type.String())
	}
	if success == nil {
		return ledger.Result{}, fmt.Errorf("manage offer result without success body")
	}
	return fromSuccess(*success), nil
}

func fromSuccess(s xdr.ManageOfferSuccessResult) ledger.Result {
	var res ledger.Result
	for _, atom := range s.OffersClaimed {
		res.Claimed = append(res.Claimed, ledger.ClaimedOffer{
			OfferID:      offer.ID(int64(atom.OfferId())),
			Seller:       atom.SellerId().Address(),
			AmountSold:   stroops(atom.AmountSold()),
			AmountBought: stroops(atom.AmountBought()),
		})
	}
	switch s.Offer.Effect {
	case xdr.ManageOfferEffectManageOfferCreated:
		res.Effect = ledger.EffectCreated
	case xdr.ManageOfferEffectManageOfferUpdated:
		res.Effect = ledger.EffectUpdated
	default:
		res.Effect = ledger.EffectDeleted
	}
	if entry := s.Offer.Offer; entry != nil && res.Effect != ledger.EffectDeleted {
		res.Current = &ledger.RestingOffer{
			OfferID: offer.ID(int64(entry.OfferId)),
			Amount:  stroops(entry.Amount),
			Price:   ledger.Price{N: int32(entry.Price.N), D: int32(entry.Price.D)},
		}
	}
	return res
}

func stroops(v xdr.Int64) decimal.Decimal {
	return decimal.New(int64(v), -ledger.AmountPrecision)
}
