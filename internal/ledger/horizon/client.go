// Package horizon 基于 Stellar Go SDK 的账本客户端实现。
package horizon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go-stellar-sdk/clients/horizonclient"
	"github.com/stellar/go-stellar-sdk/keypair"
	"github.com/stellar/go-stellar-sdk/network"
	hProtocol "github.com/stellar/go-stellar-sdk/protocols/horizon"
	"github.com/stellar/go-stellar-sdk/txnbuild"
	"github.com/stellar/go-stellar-sdk/xdr"
	"go.uber.org/zap"

	"stellar-mm/internal/ledger"
	"stellar-mm/offer"
)

const (
	PublicHorizonURL  = "https://horizon.stellar.org"
	TestnetHorizonURL = "https://horizon-testnet.stellar.org"
)

// Passphrase 把配置中的网络名映射为网络口令；未知名称按原样当作口令。
func Passphrase(name string) string {
	switch name {
	case "", "public", "pubnet", "mainnet":
		return network.PublicNetworkPassphrase
	case "testnet", "test":
		return network.TestNetworkPassphrase
	default:
		return name
	}
}

// Client 实现 ledger.Client。horizonclient 的调用不接受 context，
// 这里在独立 goroutine 中调用并在 ctx 结束时放弃等待；HTTP 层另有整体超时。
type Client struct {
	horizon    *horizonclient.Client
	passphrase string
	logger     *zap.Logger
}

func New(horizonURL, passphrase string, httpCli *http.Client, logger *zap.Logger) *Client {
	if horizonURL == "" {
		horizonURL = PublicHorizonURL
	}
	if httpCli == nil {
		httpCli = &http.Client{Timeout: 35 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		horizon:    &horizonclient.Client{HorizonURL: horizonURL, HTTP: httpCli},
		passphrase: passphrase,
		logger:     logger,
	}
}

func (c *Client) accountDetail(ctx context.Context, address string) (hProtocol.Account, error) {
	return await(ctx, func() (hProtocol.Account, error) {
		return c.horizon.AccountDetail(horizonclient.AccountRequest{AccountID: address})
	})
}

func (c *Client) LoadAccount(ctx context.Context, address string) (ledger.Account, error) {
	acc, err := c.accountDetail(ctx, address)
	if err != nil {
		return ledger.Account{}, err
	}
	seq, err := acc.GetSequenceNumber()
	if err != nil {
		return ledger.Account{}, fmt.Errorf("sequence of %s: %w", address, err)
	}
	return ledger.Account{Address: address, Sequence: seq}, nil
}

func (c *Client) Balances(ctx context.Context, address string) ([]ledger.Balance, error) {
	acc, err := c.accountDetail(ctx, address)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Balance, 0, len(acc.Balances))
	for _, b := range acc.Balances {
		amount, err := decimal.NewFromString(b.Balance)
		if err != nil {
			return nil, fmt.Errorf("balance %q: %w", b.Balance, err)
		}
		asset := offer.Native()
		if b.Type != "native" {
			asset = offer.Asset{Code: b.Code, Issuer: b.Issuer}
		}
		out = append(out, ledger.Balance{Asset: asset, Amount: amount})
	}
	return out, nil
}

func (c *Client) Submit(ctx context.Context, tx ledger.Transaction, cred offer.Credential) (ledger.Result, error) {
	kp, err := keypair.ParseFull(cred.Seed)
	if err != nil {
		return ledger.Result{}, &offer.SubmissionError{Reason: "invalid signing key", Err: err}
	}
	if kp.Address() != tx.Source.Address {
		return ledger.Result{}, &offer.SubmissionError{Reason: "signing key does not match source account"}
	}
	op, err := buildOperation(tx.Op)
	if err != nil {
		return ledger.Result{}, &offer.SubmissionError{Reason: "build operation", Err: err}
	}
	built, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &txnbuild.SimpleAccount{AccountID: tx.Source.Address, Sequence: tx.Source.Sequence},
		IncrementSequenceNum: true,
		Operations:           []txnbuild.Operation{op},
		BaseFee:              tx.BaseFee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(int64(tx.Timeout / time.Second))},
	})
	if err != nil {
		return ledger.Result{}, &offer.SubmissionError{Reason: "build transaction", Err: err}
	}
	signed, err := built.Sign(c.passphrase, kp)
	if err != nil {
		return ledger.Result{}, &offer.SubmissionError{Reason: "sign transaction", Err: err}
	}

	resp, err := await(ctx, func() (hProtocol.Transaction, error) {
		return c.horizon.SubmitTransaction(signed)
	})
	if err != nil {
		return ledger.Result{}, submissionError(err)
	}
	res, err := DecodeResult(resp.ResultXdr)
	if err != nil {
		return ledger.Result{}, &offer.SubmissionError{Reason: "decode result", Err: err}
	}
	res.TxHash = resp.Hash
	c.logger.Debug("horizon transaction applied",
		zap.String("hash", resp.Hash),
		zap.Int64("ledger", int64(resp.Ledger)),
		zap.String("effect", res.Effect.String()))
	return res, nil
}

func buildOperation(op ledger.OfferOp) (txnbuild.Operation, error) {
	selling, err := toAsset(op.Selling)
	if err != nil {
		return nil, err
	}
	buying, err := toAsset(op.Buying)
	if err != nil {
		return nil, err
	}
	price := xdr.Price{N: xdr.Int32(op.Price.N), D: xdr.Int32(op.Price.D)}
	amount := op.Amount.StringFixed(ledger.AmountPrecision)
	switch op.Side {
	case offer.SideBuy:
		return &txnbuild.ManageBuyOffer{
			Selling: selling,
			Buying:  buying,
			Amount:  amount,
			Price:   price,
			OfferID: int64(op.OfferID),
		}, nil
	case offer.SideSell:
		return &txnbuild.ManageSellOffer{
			Selling: selling,
			Buying:  buying,
			Amount:  amount,
			Price:   price,
			OfferID: int64(op.OfferID),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported side %q", op.Side)
	}
}

func toAsset(a offer.Asset) (txnbuild.Asset, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if a.IsNative() {
		return txnbuild.NativeAsset{}, nil
	}
	return txnbuild.CreditAsset{Code: a.Code, Issuer: a.Issuer}, nil
}

func submissionError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &offer.SubmissionError{Reason: "submission timed out", Err: err}
	}
	if hErr := horizonclient.GetError(err); hErr != nil {
		se := &offer.SubmissionError{Reason: hErr.Problem.Title, Err: err}
		if codes, cerr := hErr.ResultCodes(); cerr == nil && codes != nil {
			se.ResultCodes = append([]string{codes.TransactionCode}, codes.OperationCodes...)
		}
		return se
	}
	return &offer.SubmissionError{Reason: "horizon request failed", Err: err}
}

func await[T any](ctx context.Context, call func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := call()
		ch <- result{val: v, err: err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.val, r.err
	}
}
