package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stellar-mm/infrastructure/alert"
	"stellar-mm/infrastructure/monitor"
	"stellar-mm/internal/ledger"
	"stellar-mm/offer"
	"stellar-mm/strategy"
)

// ErrControllerClosed Shutdown 之后不再接受新挂单。
var ErrControllerClosed = errors.New("controller closed")

// PriceOracle 参考价来源
type PriceOracle interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// OfferGateway 账本提交
type OfferGateway interface {
	SubmitOffer(ctx context.Context, cred offer.Credential, req ledger.OfferRequest) (offer.Outcome, error)
	CancelOffer(ctx context.Context, cred offer.Credential, side offer.Side, selling, buying offer.Asset, id offer.ID) (offer.Outcome, error)
}

// CredentialResolver 按公钥取签名凭证
type CredentialResolver interface {
	ResolveCredential(ctx context.Context, publicKey string) (offer.Credential, error)
}

// Config 控制器配置
type Config struct {
	RequoteInterval       time.Duration // 定时重报价间隔
	OracleTimeout         time.Duration // 单次取参考价超时
	FailureAlertThreshold int           // 连续失败多少次后告警
	Replenish             bool          // 全部成交后是否补挂一次
	ShutdownTimeout       time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		RequoteInterval:       60 * time.Second,
		OracleTimeout:         5 * time.Second,
		FailureAlertThreshold: 3,
		Replenish:             true,
		ShutdownTimeout:       10 * time.Second,
	}
}

// Components 控制器依赖组件
type Components struct {
	Calculator *strategy.Calculator
	Oracle     PriceOracle
	Gateway    OfferGateway
	Users      CredentialResolver
	Registry   offer.Registry
	Alerts     *alert.Manager
	Monitor    *monitor.Monitor
	Logger     *zap.Logger
}

// StartRequest 新挂单请求
type StartRequest struct {
	Side    offer.Side
	Selling offer.Asset
	Buying  offer.Asset
	Owner   string
	Amount  decimal.Decimal
}

func (r StartRequest) validate() error {
	if r.Side != offer.SideBuy && r.Side != offer.SideSell {
		return fmt.Errorf("%w: side %q", offer.ErrInvalidInput, r.Side)
	}
	if r.Owner == "" {
		return fmt.Errorf("%w: owner required", offer.ErrInvalidInput)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", offer.ErrInvalidInput)
	}
	if err := r.Selling.Validate(); err != nil {
		return err
	}
	if err := r.Buying.Validate(); err != nil {
		return err
	}
	if r.Selling == r.Buying {
		return fmt.Errorf("%w: selling and buying are the same asset", offer.ErrInvalidInput)
	}
	return nil
}

func (r StartRequest) pair() offer.Pair {
	return offer.Pair{Selling: r.Selling, Buying: r.Buying}
}

// Controller 挂单生命周期控制器：每个挂单一个会话，会话按 offer ID 唯一登记，
// 各自持有定时器与提交锁，不同挂单之间没有共享锁。
type Controller struct {
	cfg      Config
	interval atomic.Int64

	calc     *strategy.Calculator
	oracle   PriceOracle
	gateway  OfferGateway
	users    CredentialResolver
	registry offer.Registry
	alerts   *alert.Manager
	monitor  *monitor.Monitor
	logger   *zap.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	sessions map[offer.ID]*session
	closed   bool
	wg       sync.WaitGroup

	now func() time.Time
}

// New 创建控制器
func New(cfg Config, c Components) (*Controller, error) {
	if c.Calculator == nil || c.Oracle == nil || c.Gateway == nil || c.Users == nil || c.Registry == nil {
		return nil, fmt.Errorf("controller: calculator, oracle, gateway, users and registry are required")
	}
	def := DefaultConfig()
	if cfg.RequoteInterval <= 0 {
		cfg.RequoteInterval = def.RequoteInterval
	}
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = def.OracleTimeout
	}
	if cfg.FailureAlertThreshold <= 0 {
		cfg.FailureAlertThreshold = def.FailureAlertThreshold
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	ctl := &Controller{
		cfg:        cfg,
		calc:       c.Calculator,
		oracle:     c.Oracle,
		gateway:    c.Gateway,
		users:      c.Users,
		registry:   c.Registry,
		alerts:     c.Alerts,
		monitor:    c.Monitor,
		logger:     c.Logger.Named("controller"),
		baseCtx:    ctx,
		cancelBase: cancel,
		sessions:   make(map[offer.ID]*session),
		now:        time.Now,
	}
	ctl.interval.Store(int64(cfg.RequoteInterval))
	return ctl, nil
}

// SetRequoteInterval 更新重报价间隔，对之后启动的会话生效。
func (c *Controller) SetRequoteInterval(d time.Duration) {
	if d > 0 {
		c.interval.Store(int64(d))
	}
}

func (c *Controller) requoteInterval() time.Duration {
	return time.Duration(c.interval.Load())
}

// StartOffer 取参考价、计算第 0 代报价并提交新挂单，按分类结果登记会话。
// 首次提交失败时不登记任何会话。
func (c *Controller) StartOffer(ctx context.Context, req StartRequest) (offer.Outcome, error) {
	if err := req.validate(); err != nil {
		return offer.Outcome{}, err
	}
	if c.isClosed() {
		return offer.Outcome{}, ErrControllerClosed
	}
	cred, err := c.users.ResolveCredential(ctx, req.Owner)
	if err != nil {
		return offer.Outcome{}, err
	}
	price, err := c.quote(ctx, req.pair(), req.Side, 0)
	if err != nil {
		return offer.Outcome{}, err
	}
	return c.place(ctx, req, cred, price, c.cfg.Replenish)
}

// place 提交新挂单并处理结果。replenish 为 true 时，全部成交后以相同价格补挂一次。
// 交易发出后即使调用方断开也可能在账本生效，提交只受网关自身的超时约束。
func (c *Controller) place(ctx context.Context, req StartRequest, cred offer.Credential, price decimal.Decimal, replenish bool) (offer.Outcome, error) {
	out, err := c.gateway.SubmitOffer(context.WithoutCancel(ctx), cred, ledger.OfferRequest{
		Side:    req.Side,
		Selling: req.Selling,
		Buying:  req.Buying,
		Amount:  req.Amount,
		Price:   price,
	})
	if err != nil {
		c.logger.Warn("offer submission failed",
			zap.String("owner", req.Owner),
			zap.String("side", string(req.Side)),
			zap.String("pair", req.pair().Symbol()),
			zap.Error(err))
		return offer.Outcome{}, err
	}
	c.monitor.RecordQuoteGeneration(0)

	rec := offer.Offer{
		ID:      out.OfferID,
		Owner:   req.Owner,
		Side:    req.Side,
		Selling: req.Selling,
		Buying:  req.Buying,
		Amount:  req.Amount,
		Price:   price,
		Status:  out.Status(),
	}
	if out.Kind == offer.OutcomePartiallyFilled || out.Kind == offer.OutcomeOpen {
		rec.Price = out.Price
	}
	if out.Kind == offer.OutcomeFilled && c.claimsManagedOffer(ctx, rec) {
		// 全部成交时的 ID 取自对手挂单，不能覆盖其他受管挂单的记录
		c.logger.Warn("filled offer id belongs to another managed offer, record skipped",
			zap.Int64("offer_id", int64(rec.ID)), zap.String("owner", req.Owner))
	} else {
		c.persist(ctx, rec)
	}

	c.logger.Info("offer placed",
		zap.Int64("offer_id", int64(out.OfferID)),
		zap.String("outcome", out.Kind.String()),
		zap.String("side", string(req.Side)),
		zap.String("price", rec.Price.String()),
		zap.String("amount", req.Amount.String()),
		zap.String("tx", out.TxHash))

	switch out.Kind {
	case offer.OutcomeFilled:
		if replenish {
			c.replenish(req, cred, price)
		}
		return out, nil
	case offer.OutcomePartiallyFilled:
		if err := c.register(rec, true); err != nil {
			return out, err
		}
		return out, nil
	case offer.OutcomeOpen:
		if err := c.register(rec, false); err != nil {
			return out, err
		}
		return out, nil
	default:
		return out, nil
	}
}

// replenish 全部成交后补挂一笔相同的挂单；补挂单即便再次全部成交也不会继续补挂。
func (c *Controller) replenish(req StartRequest, cred offer.Credential, price decimal.Decimal) {
	if c.isClosed() {
		return
	}
	out, err := c.place(c.baseCtx, req, cred, price, false)
	if err != nil {
		c.logger.Warn("replenish failed", zap.String("owner", req.Owner), zap.Error(err))
		_ = c.alerts.Warn("owner:"+req.Owner, "replenish after fill failed", map[string]interface{}{
			"side": string(req.Side), "pair": req.pair().Symbol(), "error": err.Error(),
		})
		return
	}
	c.logger.Info("offer replenished",
		zap.Int64("offer_id", int64(out.OfferID)),
		zap.String("outcome", out.Kind.String()))
}

func (c *Controller) register(rec offer.Offer, kick bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if _, exists := c.sessions[rec.ID]; exists {
		c.mu.Unlock()
		c.logger.Warn("session already active", zap.Int64("offer_id", int64(rec.ID)))
		return fmt.Errorf("%w: offer %d", offer.ErrSessionAlreadyActive, rec.ID)
	}
	s := newSession(c.baseCtx, rec, c.now())
	c.sessions[rec.ID] = s
	n := len(c.sessions)
	c.wg.Add(1)
	c.mu.Unlock()

	c.monitor.SetActiveSessions(n)
	go c.run(s, c.requoteInterval())
	if kick {
		s.kickNow()
	}
	return nil
}

func (c *Controller) unregister(s *session) {
	c.mu.Lock()
	if cur, ok := c.sessions[s.id]; ok && cur == s {
		delete(c.sessions, s.id)
	}
	n := len(c.sessions)
	c.mu.Unlock()
	c.monitor.SetActiveSessions(n)
	c.alerts.Forget(sessionSubject(s.id))
}

func (c *Controller) lookup(id offer.ID) (*session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// Session 返回单个会话快照。
func (c *Controller) Session(id offer.ID) (SessionInfo, bool) {
	s, ok := c.lookup(id)
	if !ok {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// run 会话调度循环：周期到点或收到立即请求时执行一次重报价。
func (c *Controller) run(s *session, interval time.Duration) {
	defer c.wg.Done()
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			c.scheduledCycle(s)
		case <-s.kick:
			c.scheduledCycle(s)
		}
	}
}

// scheduledCycle 上一个周期仍在进行时直接跳过，不排队。
func (c *Controller) scheduledCycle(s *session) {
	if !s.cycleMu.TryLock() {
		c.monitor.RecordRequoteCycle("skipped")
		return
	}
	defer s.cycleMu.Unlock()
	if s.stopped.Load() || s.isEnded() {
		return
	}
	_, _ = c.requoteLocked(c.baseCtx, s)
}

// Requote 立即对挂单执行一次重报价，等待进行中的周期结束后执行。
func (c *Controller) Requote(ctx context.Context, id offer.ID) (offer.Outcome, error) {
	s, ok := c.lookup(id)
	if !ok {
		return offer.Outcome{}, fmt.Errorf("%w: offer %d", offer.ErrSessionNotFound, id)
	}
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	if s.stopped.Load() || s.isEnded() {
		return offer.Outcome{}, fmt.Errorf("%w: offer %d is no longer quoting", offer.ErrSessionNotFound, id)
	}
	return c.requoteLocked(ctx, s)
}

// requoteLocked 调用方持有 s.cycleMu。取价失败时本周期跳过，代数不前进。
// 提交使用的 ctx 与会话调度分离，撤单不会打断已发出的提交。
func (c *Controller) requoteLocked(ctx context.Context, s *session) (offer.Outcome, error) {
	log := c.logger.With(zap.Int64("offer_id", int64(s.id)))

	gen := s.nextGeneration()
	price, err := c.quote(ctx, s.pair(), s.side, gen)
	if err != nil {
		if ctx.Err() != nil {
			return offer.Outcome{}, ctx.Err()
		}
		c.cycleFailed(s, "price_error", err)
		return offer.Outcome{}, err
	}
	s.setGeneration(gen)

	cred, err := c.users.ResolveCredential(ctx, s.owner)
	if err != nil {
		c.cycleFailed(s, "error", err)
		return offer.Outcome{}, err
	}
	out, err := c.gateway.SubmitOffer(context.WithoutCancel(ctx), cred, ledger.OfferRequest{
		Side:       s.side,
		Selling:    s.selling,
		Buying:     s.buying,
		Amount:     s.amount,
		Price:      price,
		ExistingID: s.id,
	})
	if err != nil {
		if ctx.Err() != nil {
			return offer.Outcome{}, ctx.Err()
		}
		c.cycleFailed(s, "error", err)
		return offer.Outcome{}, err
	}
	c.monitor.RecordRequoteCycle("ok")
	c.monitor.RecordQuoteGeneration(gen)

	recorded := price
	if out.Kind == offer.OutcomePartiallyFilled {
		recorded = out.Price
	}
	c.transition(ctx, s.id, out.Status(), &recorded)
	c.recordGeneration(ctx, s.id, gen)
	s.recordQuote(gen, recorded, out.Status(), c.now())

	log.Info("offer requoted",
		zap.Int("generation", gen),
		zap.String("spread", c.calc.Spread(gen).String()),
		zap.String("price", price.String()),
		zap.String("outcome", out.Kind.String()),
		zap.String("tx", out.TxHash))

	switch out.Kind {
	case offer.OutcomePartiallyFilled:
		s.kickNow()
	case offer.OutcomeFilled:
		c.finish(s, offer.StatusFilled)
		if c.cfg.Replenish {
			c.replenish(StartRequest{
				Side: s.side, Selling: s.selling, Buying: s.buying, Owner: s.owner, Amount: s.amount,
			}, cred, price)
		}
	case offer.OutcomeCanceled:
		c.finish(s, offer.StatusCanceled)
	}
	return out, nil
}

func (c *Controller) cycleFailed(s *session, result string, err error) {
	n := s.fail()
	c.monitor.RecordRequoteCycle(result)
	c.monitor.RecordSessionFailure()
	c.logger.Warn("requote cycle failed",
		zap.Int64("offer_id", int64(s.id)),
		zap.String("result", result),
		zap.Int("consecutive_failures", n),
		zap.Error(err))
	if n >= c.cfg.FailureAlertThreshold {
		_ = c.alerts.Warn(sessionSubject(s.id), "requote failing repeatedly", map[string]interface{}{
			"offer_id": int64(s.id),
			"failures": n,
			"error":    err.Error(),
		})
	}
}

// finish 结束会话：停止调度并注销，记录保留在 Registry 中。
func (c *Controller) finish(s *session, st offer.Status) {
	s.markEnded(st)
	s.stop()
	c.unregister(s)
	c.logger.Info("session ended", zap.Int64("offer_id", int64(s.id)), zap.String("status", string(st)))
}

// CancelOffer 停止会话调度，等待进行中的周期结束后以零数量替换挂单。
// 提交失败时会话保持登记（已停止调度），可以重试撤单。
func (c *Controller) CancelOffer(ctx context.Context, id offer.ID) (offer.Outcome, error) {
	s, ok := c.lookup(id)
	if !ok {
		return offer.Outcome{}, fmt.Errorf("%w: offer %d", offer.ErrSessionNotFound, id)
	}
	s.stop()
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	if s.isEnded() {
		return offer.Outcome{}, fmt.Errorf("%w: offer %d already %s", offer.ErrSessionNotFound, id, s.info().Status)
	}

	cred, err := c.users.ResolveCredential(ctx, s.owner)
	if err != nil {
		return offer.Outcome{}, err
	}
	out, err := c.gateway.CancelOffer(context.WithoutCancel(ctx), cred, s.side, s.selling, s.buying, id)
	if err != nil {
		n := s.fail()
		c.logger.Error("cancel failed, session kept for retry",
			zap.Int64("offer_id", int64(id)), zap.Int("failures", n), zap.Error(err))
		_ = c.alerts.Error(sessionSubject(id), "cancel offer failed", map[string]interface{}{
			"offer_id": int64(id), "error": err.Error(),
		})
		return offer.Outcome{}, err
	}
	out.OfferID = id
	c.transition(ctx, id, offer.StatusCanceled, nil)
	c.finish(s, offer.StatusCanceled)
	return out, nil
}

// Sessions 当前会话快照，按 offer ID 排序。
func (c *Controller) Sessions() []SessionInfo {
	c.mu.Lock()
	list := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		list = append(list, s)
	}
	c.mu.Unlock()

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OfferID < out[j].OfferID })
	return out
}

// Shutdown 停止所有会话调度，不触碰账本，挂单继续留在订单簿上。
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	n := len(c.sessions)
	for _, s := range c.sessions {
		s.stopped.Store(true)
	}
	c.sessions = make(map[offer.ID]*session)
	c.mu.Unlock()

	c.cancelBase()
	c.monitor.SetActiveSessions(0)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ShutdownTimeout)
		defer cancel()
	}
	select {
	case <-done:
		c.logger.Info("controller stopped", zap.Int("sessions", n))
		return nil
	case <-ctx.Done():
		c.logger.Warn("timeout waiting for sessions to stop", zap.Int("sessions", n))
		return ctx.Err()
	}
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// quote 取参考价并计算报价。
func (c *Controller) quote(ctx context.Context, pair offer.Pair, side offer.Side, gen int) (decimal.Decimal, error) {
	symbol := pair.Symbol()
	pctx, cancel := context.WithTimeout(ctx, c.cfg.OracleTimeout)
	ref, err := c.oracle.Price(pctx, symbol)
	cancel()
	if err != nil {
		return decimal.Zero, &offer.PriceError{Symbol: symbol, Err: err}
	}
	return c.calc.ComputePrice(ref, side, gen)
}

// claimsManagedOffer 判断 rec.ID 是否已属于活跃会话或其他用户的记录。
func (c *Controller) claimsManagedOffer(ctx context.Context, rec offer.Offer) bool {
	if _, ok := c.lookup(rec.ID); ok {
		return true
	}
	existing, err := c.registry.Get(context.WithoutCancel(ctx), rec.ID)
	return err == nil && existing.Owner != rec.Owner
}

// persist 写入失败不影响会话：账本状态已生效，记录问题通过日志与告警暴露。
func (c *Controller) persist(ctx context.Context, rec offer.Offer) {
	if err := c.registry.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.Error("persist offer failed", zap.Int64("offer_id", int64(rec.ID)), zap.Error(err))
		_ = c.alerts.Error(sessionSubject(rec.ID), "persist offer failed", map[string]interface{}{"error": err.Error()})
	}
}

func (c *Controller) transition(ctx context.Context, id offer.ID, st offer.Status, price *decimal.Decimal) {
	if err := c.registry.Transition(context.WithoutCancel(ctx), id, st, price); err != nil {
		c.logger.Error("offer status transition failed",
			zap.Int64("offer_id", int64(id)), zap.String("status", string(st)), zap.Error(err))
		_ = c.alerts.Error(sessionSubject(id), "offer status transition failed", map[string]interface{}{"error": err.Error()})
	}
}

func (c *Controller) recordGeneration(ctx context.Context, id offer.ID, gen int) {
	if err := c.registry.SetGeneration(context.WithoutCancel(ctx), id, gen); err != nil {
		c.logger.Error("record generation failed", zap.Int64("offer_id", int64(id)), zap.Int("generation", gen), zap.Error(err))
	}
}

func sessionSubject(id offer.ID) string {
	return "offer:" + strconv.FormatInt(int64(id), 10)
}
