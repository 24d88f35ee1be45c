package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/stellar/go-stellar-sdk/keypair"
	"go.uber.org/zap"

	"stellar-mm/gateway"
	"stellar-mm/internal/engine"
	"stellar-mm/internal/ledger"
	"stellar-mm/internal/store"
	"stellar-mm/offer"
)

// Result 一次操作的 (状态码, 载荷)。载荷是字符串消息、对象或数组。
type Result struct {
	Code    int
	Payload interface{}
}

func message(code int, msg string) Result {
	return Result{Code: code, Payload: msg}
}

// Offers 挂单生命周期控制器
type Offers interface {
	StartOffer(ctx context.Context, req engine.StartRequest) (offer.Outcome, error)
	CancelOffer(ctx context.Context, id offer.ID) (offer.Outcome, error)
	Session(id offer.ID) (engine.SessionInfo, bool)
	Sessions() []engine.SessionInfo
}

// Users 用户注册
type Users interface {
	CreateUser(ctx context.Context, username, publicKey, secret string) (store.User, error)
}

// Balances 账户持仓查询
type Balances interface {
	Balances(ctx context.Context, address string) ([]ledger.Balance, error)
}

// Deps Trading 依赖
type Deps struct {
	Oracle   engine.PriceOracle
	Offers   Offers
	Users    Users
	Ledger   Balances
	Registry offer.Registry
	Assets   *AssetBook
	Logger   *zap.Logger
}

// Trading 对外暴露的交易服务，每个操作都返回 Result，不向调用方抛出 panic。
type Trading struct {
	oracle   engine.PriceOracle
	offers   Offers
	users    Users
	ledger   Balances
	registry offer.Registry
	assets   atomic.Pointer[AssetBook]
	logger   *zap.Logger
}

// New 创建交易服务
func New(d Deps) (*Trading, error) {
	if d.Oracle == nil || d.Offers == nil || d.Users == nil || d.Ledger == nil || d.Registry == nil {
		return nil, errors.New("service: oracle, offers, users, ledger and registry are required")
	}
	if d.Assets == nil {
		d.Assets = NewAssetBook(nil)
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	t := &Trading{
		oracle:   d.Oracle,
		offers:   d.Offers,
		users:    d.Users,
		ledger:   d.Ledger,
		registry: d.Registry,
		logger:   d.Logger.Named("service"),
	}
	t.assets.Store(d.Assets)
	return t, nil
}

// SetAssets 替换资产表（热加载）。
func (t *Trading) SetAssets(book *AssetBook) {
	if book != nil {
		t.assets.Store(book)
	}
}

// guard 把 panic 转成 500。
func (t *Trading) guard(op string, res *Result) {
	if r := recover(); r != nil {
		t.logger.Error("operation panicked", zap.String("op", op), zap.Any("panic", r), zap.Stack("stack"))
		*res = message(http.StatusInternalServerError, "internal error")
	}
}

// fail 记录错误并映射状态码。
func (t *Trading) fail(op string, err error) Result {
	code := StatusCode(err)
	if code >= http.StatusInternalServerError {
		t.logger.Error(op+" failed", zap.Error(err))
	} else {
		t.logger.Info(op+" rejected", zap.Int("code", code), zap.Error(err))
	}
	return message(code, err.Error())
}

// StatusCode 错误到状态码的映射。
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, offer.ErrInvalidInput),
		errors.Is(err, offer.ErrInvalidReferencePrice),
		errors.Is(err, gateway.ErrUnknownSymbol):
		return http.StatusBadRequest
	case errors.Is(err, offer.ErrUnauthorizedUser):
		return http.StatusUnauthorized
	case errors.Is(err, offer.ErrSessionNotFound), errors.Is(err, offer.ErrUnknownOffer):
		return http.StatusNotFound
	case errors.Is(err, offer.ErrSessionAlreadyActive), errors.Is(err, store.ErrUserExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// GetPairPrice 查询参考行情，载荷 {"pair": {"<SYMBOL>": "<price>"}}。
func (t *Trading) GetPairPrice(ctx context.Context, pair string) (res Result) {
	defer t.guard("pairprice", &res)
	symbol := strings.ToUpper(strings.TrimSpace(pair))
	if symbol == "" {
		return message(http.StatusBadRequest, "pair is required")
	}
	price, err := t.oracle.Price(ctx, symbol)
	if err != nil {
		return t.fail("pairprice", err)
	}
	return Result{Code: http.StatusOK, Payload: map[string]interface{}{
		"pair": map[string]string{symbol: price.String()},
	}}
}

// OfferRequest 挂单请求的原始字段。
type OfferRequest struct {
	PublicKey    string
	SellingAsset string
	BuyingAsset  string
	Amount       string
}

// StartOffer 下买单或卖单。挂单仍在订单簿上时返回 201。
func (t *Trading) StartOffer(ctx context.Context, side offer.Side, in OfferRequest) (res Result) {
	op := strings.ToLower(string(side))
	defer t.guard(op, &res)

	req, err := t.startRequest(side, in)
	if err != nil {
		return t.fail(op, err)
	}
	out, err := t.offers.StartOffer(ctx, req)
	if err != nil {
		return t.fail(op, err)
	}

	code := http.StatusOK
	if out.Resting() {
		code = http.StatusCreated
	}
	return Result{Code: code, Payload: map[string]interface{}{
		"message": outcomeMessage(side, out),
		"offerId": int64(out.OfferID),
		"status":  out.Status(),
		"price":   out.Price.String(),
		"txHash":  out.TxHash,
	}}
}

func (t *Trading) startRequest(side offer.Side, in OfferRequest) (engine.StartRequest, error) {
	pk := strings.TrimSpace(in.PublicKey)
	if pk == "" || in.SellingAsset == "" || in.BuyingAsset == "" || in.Amount == "" {
		return engine.StartRequest{}, fmt.Errorf("%w: publickey, sellingasset, buyingasset and amount are required", offer.ErrInvalidInput)
	}
	selling, err := t.assets.Load().Resolve(in.SellingAsset)
	if err != nil {
		return engine.StartRequest{}, err
	}
	buying, err := t.assets.Load().Resolve(in.BuyingAsset)
	if err != nil {
		return engine.StartRequest{}, err
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(in.Amount))
	if err != nil || !amount.IsPositive() {
		return engine.StartRequest{}, fmt.Errorf("%w: invalid amount %q", offer.ErrInvalidInput, in.Amount)
	}
	return engine.StartRequest{
		Side:    side,
		Selling: selling,
		Buying:  buying,
		Owner:   pk,
		Amount:  amount,
	}, nil
}

func outcomeMessage(side offer.Side, out offer.Outcome) string {
	switch out.Kind {
	case offer.OutcomeFilled:
		return "Offer was filled, new offer sent!"
	case offer.OutcomePartiallyFilled:
		return "Offer was partially filled, updated amount to full."
	case offer.OutcomeCanceled:
		return "Offer was removed by the ledger."
	default:
		return side.Label() + " successfully sent!"
	}
}

// CancelRequest 撤单请求的原始字段。
type CancelRequest struct {
	PublicKey    string
	SellingAsset string
	BuyingAsset  string
	OfferID      string
}

// CancelOffer 撤掉会话中的挂单。会话必须属于请求的公钥且方向一致。
func (t *Trading) CancelOffer(ctx context.Context, side offer.Side, in CancelRequest) (res Result) {
	op := "cancel_" + strings.ToLower(string(side))
	defer t.guard(op, &res)

	id, err := strconv.ParseInt(strings.TrimSpace(in.OfferID), 10, 64)
	if err != nil || id <= 0 {
		return t.fail(op, fmt.Errorf("%w: invalid offer id %q", offer.ErrInvalidInput, in.OfferID))
	}
	pk := strings.TrimSpace(in.PublicKey)
	if pk == "" {
		return t.fail(op, fmt.Errorf("%w: publickey is required", offer.ErrInvalidInput))
	}

	info, ok := t.offers.Session(offer.ID(id))
	if !ok || info.Side != side {
		return t.fail(op, fmt.Errorf("%w: no %s session for offer %d", offer.ErrSessionNotFound, strings.ToLower(string(side)), id))
	}
	if info.Owner != pk {
		return t.fail(op, fmt.Errorf("%w: offer %d belongs to another account", offer.ErrUnauthorizedUser, id))
	}
	if err := t.matchAssets(info, in); err != nil {
		return t.fail(op, err)
	}

	if _, err := t.offers.CancelOffer(ctx, offer.ID(id)); err != nil {
		return t.fail(op, err)
	}
	return message(http.StatusOK, "Successfully canceled "+side.Label()+"!")
}

// matchAssets 请求里带了资产时必须与会话一致。
func (t *Trading) matchAssets(info engine.SessionInfo, in CancelRequest) error {
	check := func(code string, want offer.Asset) error {
		if strings.TrimSpace(code) == "" {
			return nil
		}
		got, err := t.assets.Load().Resolve(code)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("%w: asset %s does not match offer", offer.ErrInvalidInput, got)
		}
		return nil
	}
	if err := check(in.SellingAsset, info.Selling); err != nil {
		return err
	}
	return check(in.BuyingAsset, info.Buying)
}

// CreateUser 注册用户，成功返回 201。
func (t *Trading) CreateUser(ctx context.Context, username, publicKey, secret string) (res Result) {
	defer t.guard("create", &res)
	if username == "" || publicKey == "" || secret == "" {
		return message(http.StatusBadRequest, "Please enter all fields")
	}
	if _, err := t.users.CreateUser(ctx, username, publicKey, secret); err != nil {
		return t.fail("create", err)
	}
	return message(http.StatusCreated, "User added!")
}

type balanceView struct {
	AssetType   string `json:"asset_type"`
	AssetCode   string `json:"asset_code,omitempty"`
	AssetIssuer string `json:"asset_issuer,omitempty"`
	Balance     string `json:"balance"`
}

// GetBalance 账户持仓，载荷 {"balance": [...]}。
func (t *Trading) GetBalance(ctx context.Context, publicKey string) (res Result) {
	defer t.guard("balance", &res)
	publicKey = strings.TrimSpace(publicKey)
	if _, err := keypair.ParseAddress(publicKey); err != nil {
		return t.fail("balance", fmt.Errorf("%w: invalid public key", offer.ErrInvalidInput))
	}
	balances, err := t.ledger.Balances(ctx, publicKey)
	if err != nil {
		return t.fail("balance", err)
	}
	out := make([]balanceView, 0, len(balances))
	for _, b := range balances {
		v := balanceView{AssetType: "native", Balance: b.Amount.StringFixed(ledger.AmountPrecision)}
		if !b.Asset.IsNative() {
			v.AssetType = assetType(b.Asset.Code)
			v.AssetCode = b.Asset.Code
			v.AssetIssuer = b.Asset.Issuer
		}
		out = append(out, v)
	}
	return Result{Code: http.StatusOK, Payload: map[string]interface{}{"balance": out}}
}

func assetType(code string) string {
	if len(code) <= 4 {
		return "credit_alphanum4"
	}
	return "credit_alphanum12"
}

type offerView struct {
	OfferID    int64        `json:"offerId"`
	Type       string       `json:"type"`
	Selling    string       `json:"selling"`
	Buying     string       `json:"buying"`
	Amount     string       `json:"amount"`
	Price      string       `json:"price"`
	Status     offer.Status `json:"status"`
	Generation int          `json:"generation"`
	Active     bool         `json:"active"`
}

// ListOffers 某账户的挂单记录（数组载荷）。
func (t *Trading) ListOffers(ctx context.Context, publicKey string) (res Result) {
	defer t.guard("offers", &res)
	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" {
		return message(http.StatusBadRequest, "publickey is required")
	}
	recs, err := t.registry.FindByOwner(ctx, publicKey)
	if err != nil {
		return t.fail("offers", err)
	}
	out := make([]offerView, 0, len(recs))
	for _, o := range recs {
		v := offerView{
			OfferID:    int64(o.ID),
			Type:       o.Side.Label(),
			Selling:    o.Selling.String(),
			Buying:     o.Buying.String(),
			Amount:     o.Amount.String(),
			Price:      o.Price.String(),
			Status:     o.Status,
			Generation: o.Generation,
		}
		if info, ok := t.offers.Session(o.ID); ok {
			v.Active = !info.Stopped
			v.Generation = info.Generation
			v.Price = info.Price.String()
			v.Status = info.Status
		}
		out = append(out, v)
	}
	return Result{Code: http.StatusOK, Payload: out}
}

// Sessions 当前会话快照（数组载荷）。
func (t *Trading) Sessions() (res Result) {
	defer t.guard("sessions", &res)
	return Result{Code: http.StatusOK, Payload: t.offers.Sessions()}
}
