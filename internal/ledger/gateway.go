package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stellar-mm/infrastructure/monitor"
	"stellar-mm/offer"
)

const (
	DefaultBaseFee        int64 = 100000
	DefaultAccountTimeout       = 5 * time.Second
	DefaultSubmitTimeout        = 30 * time.Second
)

// Config 网关参数。
type Config struct {
	BaseFee        int64
	AccountTimeout time.Duration
	SubmitTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseFee <= 0 {
		c.BaseFee = DefaultBaseFee
	}
	if c.AccountTimeout <= 0 {
		c.AccountTimeout = DefaultAccountTimeout
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	return c
}

// OfferRequest 一次挂单/改单请求。ExistingID 为 0 表示新建。
type OfferRequest struct {
	Side       offer.Side
	Selling    offer.Asset
	Buying     offer.Asset
	Amount     decimal.Decimal
	Price      decimal.Decimal
	ExistingID offer.ID
}

func (r OfferRequest) kind() string {
	switch {
	case r.Amount.IsZero():
		return "cancel"
	case r.ExistingID == 0:
		return "create"
	default:
		return "requote"
	}
}

// Gateway 加载账户、构建单个 manage-offer 操作、签名提交并分类结果。
// 提交失败不在网关内重试。
type Gateway struct {
	client  Client
	cfg     Config
	logger  *zap.Logger
	monitor *monitor.Monitor
}

func NewGateway(client Client, cfg Config, logger *zap.Logger, mon *monitor.Monitor) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		client:  client,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		monitor: mon,
	}
}

// SubmitOffer 提交新挂单或替换已有挂单。
func (g *Gateway) SubmitOffer(ctx context.Context, cred offer.Credential, req OfferRequest) (offer.Outcome, error) {
	if req.Amount.IsNegative() {
		return offer.Outcome{}, fmt.Errorf("%w: amount %s", offer.ErrInvalidInput, req.Amount)
	}
	if req.Side != offer.SideBuy && req.Side != offer.SideSell {
		return offer.Outcome{}, fmt.Errorf("%w: side %q", offer.ErrInvalidInput, req.Side)
	}
	price := Price{N: 1, D: 1}
	if !req.Amount.IsZero() {
		p, err := ToRational(req.Price, PricePrecision)
		if err != nil {
			return offer.Outcome{}, err
		}
		price = p
	}

	start := time.Now()
	kind := req.kind()

	accCtx, cancel := context.WithTimeout(ctx, g.cfg.AccountTimeout)
	acc, err := g.client.LoadAccount(accCtx, cred.PublicKey)
	cancel()
	if err != nil {
		g.monitor.RecordSubmission(kind, "error", time.Since(start))
		return offer.Outcome{}, &offer.AccountLoadError{Account: cred.PublicKey, Err: err}
	}

	tx := Transaction{
		Source: acc,
		Op: OfferOp{
			Side:    req.Side,
			Selling: req.Selling,
			Buying:  req.Buying,
			Amount:  req.Amount.Truncate(AmountPrecision),
			Price:   price,
			OfferID: req.ExistingID,
		},
		BaseFee: g.cfg.BaseFee,
		Timeout: g.cfg.SubmitTimeout,
	}

	subCtx, cancel := context.WithTimeout(ctx, g.cfg.SubmitTimeout)
	res, err := g.client.Submit(subCtx, tx, cred)
	cancel()
	if err != nil {
		g.monitor.RecordSubmission(kind, "error", time.Since(start))
		var subErr *offer.SubmissionError
		if errors.As(err, &subErr) {
			return offer.Outcome{}, subErr
		}
		return offer.Outcome{}, &offer.SubmissionError{Reason: kind + " offer", Err: err}
	}

	out := Classify(req, res)
	g.monitor.RecordSubmission(kind, out.Kind.String(), time.Since(start))
	g.logger.Debug("offer submitted",
		zap.String("kind", kind),
		zap.String("side", string(req.Side)),
		zap.Int64("offer_id", int64(out.OfferID)),
		zap.String("outcome", out.Kind.String()),
		zap.String("price", req.Price.String()),
		zap.Int("claimed", len(res.Claimed)),
		zap.String("tx", res.TxHash))
	return out, nil
}

// CancelOffer 以零数量替换挂单，等价于删除。
func (g *Gateway) CancelOffer(ctx context.Context, cred offer.Credential, side offer.Side, selling, buying offer.Asset, id offer.ID) (offer.Outcome, error) {
	if id == 0 {
		return offer.Outcome{}, fmt.Errorf("%w: cancel requires an offer id", offer.ErrInvalidInput)
	}
	return g.SubmitOffer(ctx, cred, OfferRequest{
		Side:       side,
		Selling:    selling,
		Buying:     buying,
		Amount:     decimal.Zero,
		ExistingID: id,
	})
}

// Balances 查询账户持仓，失败按账户加载错误处理。
func (g *Gateway) Balances(ctx context.Context, address string) ([]Balance, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.AccountTimeout)
	defer cancel()
	bals, err := g.client.Balances(ctx, address)
	if err != nil {
		return nil, &offer.AccountLoadError{Account: address, Err: err}
	}
	return bals, nil
}
