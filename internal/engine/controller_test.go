package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"stellar-mm/infrastructure/alert"
	"stellar-mm/infrastructure/monitor"
	"stellar-mm/internal/ledger"
	"stellar-mm/internal/ledger/ledgertest"
	"stellar-mm/offer"
	"stellar-mm/strategy"
)

const owner = "GOWNER"

var usd = offer.Asset{Code: "USDT", Issuer: "GISSUER"}

type stubOracle struct {
	mu    sync.Mutex
	price decimal.Decimal
	err   error
	calls int
}

func (o *stubOracle) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	return o.price, o.err
}

func (o *stubOracle) set(p string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p != "" {
		o.price = decimal.RequireFromString(p)
	}
	o.err = err
}

type stubUsers map[string]offer.Credential

func (u stubUsers) ResolveCredential(_ context.Context, pk string) (offer.Credential, error) {
	c, ok := u[pk]
	if !ok {
		return offer.Credential{}, offer.ErrUnauthorizedUser
	}
	return c, nil
}

type fixture struct {
	ctl      *Controller
	ledger   *ledgertest.Ledger
	oracle   *stubOracle
	registry *offer.MemoryRegistry
	alerts   *alert.MockChannel
}

func newFixture(t *testing.T, cfg Config, steps ...float64) *fixture {
	t.Helper()
	if len(steps) == 0 {
		steps = strategy.DefaultSpreads
	}
	calc, err := strategy.NewCalculator(strategy.MustSpreadTable(steps, strategy.DefaultSpreadPct))
	require.NoError(t, err)

	l := ledgertest.New()
	l.Fund(owner)
	mon := monitor.New(monitor.DefaultConfig())
	mock := alert.NewMockChannel("mock")
	f := &fixture{
		ledger:   l,
		oracle:   &stubOracle{price: decimal.RequireFromString("1.00000")},
		registry: offer.NewMemoryRegistry(),
		alerts:   mock,
	}
	f.ctl, err = New(cfg, Components{
		Calculator: calc,
		Oracle:     f.oracle,
		Gateway:    ledger.NewGateway(l, ledger.Config{}, nil, mon),
		Users:      stubUsers{owner: {PublicKey: owner, Seed: "SSEED"}},
		Registry:   f.registry,
		Alerts:     alert.NewManager([]alert.Channel{mock}, time.Hour),
		Monitor:    mon,
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.ctl.Shutdown(context.Background()) })
	return f
}

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.RequoteInterval = time.Hour
	return cfg
}

func buyReq() StartRequest {
	return StartRequest{
		Side:    offer.SideBuy,
		Selling: usd,
		Buying:  offer.Native(),
		Owner:   owner,
		Amount:  decimal.NewFromInt(10),
	}
}

func TestStartOfferOpenRegistersSession(t *testing.T) {
	f := newFixture(t, quietConfig())

	out, err := f.ctl.StartOffer(context.Background(), buyReq())
	require.NoError(t, err)
	assert.Equal(t, offer.OutcomeOpen, out.Kind)
	assert.True(t, out.Price.Equal(decimal.RequireFromString("0.995")))

	sessions := f.ctl.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, out.OfferID, sessions[0].OfferID)
	assert.Equal(t, 0, sessions[0].Generation)

	rec, err := f.registry.Get(context.Background(), out.OfferID)
	require.NoError(t, err)
	assert.Equal(t, offer.StatusOpen, rec.Status)
	assert.True(t, rec.Price.Equal(decimal.RequireFromString("0.995")))

	tx := f.ledger.Submissions()[0]
	assert.Equal(t, ledger.Price{N: 199, D: 200}, tx.Op.Price)
	assert.Equal(t, offer.ID(0), tx.Op.OfferID)
}

func TestStartOfferOracleFailureRegistersNothing(t *testing.T) {
	f := newFixture(t, quietConfig())
	f.oracle.set("", errors.New("binance down"))

	_, err := f.ctl.StartOffer(context.Background(), buyReq())
	require.Error(t, err)
	assert.ErrorIs(t, err, offer.ErrPriceUnavailable)
	var pe *offer.PriceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "XLMUSDT", pe.Symbol)

	assert.Empty(t, f.ctl.Sessions())
	assert.Zero(t, f.registry.Len())
	assert.Zero(t, f.ledger.SubmissionCount())
}

func TestStartOfferRejects(t *testing.T) {
	f := newFixture(t, quietConfig())

	req := buyReq()
	req.Owner = "GSTRANGER"
	_, err := f.ctl.StartOffer(context.Background(), req)
	assert.ErrorIs(t, err, offer.ErrUnauthorizedUser)

	req = buyReq()
	req.Amount = decimal.Zero
	_, err = f.ctl.StartOffer(context.Background(), req)
	assert.ErrorIs(t, err, offer.ErrInvalidInput)

	req = buyReq()
	req.Buying = usd
	_, err = f.ctl.StartOffer(context.Background(), req)
	assert.ErrorIs(t, err, offer.ErrInvalidInput)

	f.oracle.set("0", nil)
	_, err = f.ctl.StartOffer(context.Background(), buyReq())
	assert.ErrorIs(t, err, offer.ErrInvalidReferencePrice)

	assert.Zero(t, f.ledger.SubmissionCount())
}

func TestStartOfferSubmissionFailure(t *testing.T) {
	f := newFixture(t, quietConfig())
	f.ledger.Enqueue(ledger.Result{}, &offer.SubmissionError{Reason: "rejected", ResultCodes: []string{"op_underfunded"}})

	_, err := f.ctl.StartOffer(context.Background(), buyReq())
	assert.ErrorIs(t, err, offer.ErrSubmission)
	assert.Empty(t, f.ctl.Sessions())
	assert.Zero(t, f.registry.Len())
}

func TestStartOfferFilledReplenishesOnce(t *testing.T) {
	f := newFixture(t, quietConfig())
	f.ledger.Enqueue(ledgertest.Filled(77), nil)

	out, err := f.ctl.StartOffer(context.Background(), buyReq())
	require.NoError(t, err)
	assert.Equal(t, offer.OutcomeFilled, out.Kind)
	assert.Equal(t, offer.ID(77), out.OfferID)

	rec, err := f.registry.Get(context.Background(), 77)
	require.NoError(t, err)
	assert.Equal(t, offer.StatusFilled, rec.Status)

	// 补挂单挂在簿上，成为独立会话
	subs := f.ledger.Submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, subs[0].Op.Price, subs[1].Op.Price)
	sessions := f.ctl.Sessions()
	require.Len(t, sessions, 1)
	assert.NotEqual(t, offer.ID(77), sessions[0].OfferID)
}

func TestReplenishedOfferDoesNotReplenishAgain(t *testing.T) {
	f := newFixture(t, quietConfig())
	f.ledger.Enqueue(ledgertest.Filled(77), nil)
	f.ledger.Enqueue(ledgertest.Filled(78), nil)

	_, err := f.ctl.StartOffer(context.Background(), buyReq())
	require.NoError(t, err)
	assert.Equal(t, 2, f.ledger.SubmissionCount())
	assert.Empty(t, f.ctl.Sessions())
	assert.Equal(t, 2, f.registry.Len())
}

func TestStartOfferPartialKicksImmediateRequote(t *testing.T) {
	f := newFixture(t, quietConfig())
	f.ledger.Enqueue(ledgertest.Partial(5, 900, ledger.Price{N: 200, D: 199}), nil)

	out, err := f.ctl.StartOffer(context.Background(), buyReq())
	require.NoError(t, err)
	assert.Equal(t, offer.OutcomePartiallyFilled, out.Kind)
	assert.Equal(t, offer.ID(900), out.OfferID)
	assert.True(t, out.Price.Equal(decimal.RequireFromString("0.995")))

	require.Eventually(t, func() bool { return f.ledger.SubmissionCount() == 2 }, time.Second, 5*time.Millisecond)
	tx := f.ledger.Submissions()[1]
	assert.Equal(t, offer.ID(900), tx.Op.OfferID)
	// 第 1 代 0.75%
	assert.Equal(t, ledger.Price{N: 397, D: 400}, tx.Op.Price)

	require.Eventually(t, func() bool {
		rec, err := f.registry.Get(context.Background(), 900)
		return err == nil && rec.Status == offer.StatusOpen
	}, time.Second, 5*time.Millisecond)
}

func TestRequoteGenerationFallsBackToDefaultSpread(t *testing.T) {
	f := newFixture(t, quietConfig(), 0.5, 0.75, 1)

	out, err := f.ctl.StartOffer(context.Background(), buyReq())
	require.NoError(t, err)

	want := []string{"0.9925", "0.99", "0.985"}
	for i, p := range want {
		res, err := f.ctl.Requote(context.Background(), out.OfferID)
		require.NoError(t, err)
		assert.Equal(t, offer.OutcomeOpen, res.Kind)
		assert.True(t, res.Price.Equal(decimal.RequireFromString(p)), "gen %d: %s", i+1, res.Price)
	}
	assert.Equal(t, 3, f.ctl.Sessions()[0].Generation)

	rec, err := f.registry.Get(context.Background(), out.OfferID)
	require.NoError(t, err)
	assert.True(t, rec.Price.Equal(decimal.RequireFromString("0.985")))
}

func TestRequoteSellSide(t *testing.T) {
	f := newFixture(t, quietConfig())
	f.oracle.set("0.12376", nil)

	req := buyReq()
	req.Side = offer.SideSell
	req.Selling, req.Buying = offer.Native(), usd
	out, err := f.ctl.StartOffer(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.Price.Equal(decimal.RequireFromString("0.12438")))
}

func TestRequotePriceFailureSkipsCycle(t *testing.T) {
	f := newFixture(t, quietConfig())
	out, err := f.ctl.StartOffer(context.Background(), buyReq())
	require.NoError(t, err)

	f.oracle.set("", errors.New("timeout"))
	for i := 0; i < 3; i++ {
		_, err := f.ctl.Requote(context.Background(), out.OfferID)
		assert.ErrorIs(t, err, offer.ErrPriceUnavailable)
	}
	info := f.ctl.Sessions()[0]
	assert.Equal(t, 0, info.Generation)
	assert.Equal(t, 3, info.Failures)
	assert.Equal(t, 1, f.ledger.SubmissionCount())
	assert.Equal(t, 1, f.alerts.Count())

	f.oracle.set("1", nil)
	_, err = f.ctl.Requote(context.Background(), out.OfferID)
	require.NoError(t, err)
	info = f.ctl.Sessions()[0]
	assert.Equal(t, 1, info.Generation)
	assert.Equal(t, 0, info.Failures)
}

func TestRequoteFilledEndsSessionAndReplenishes(t *testing.T) {
	f := newFixture(t, quietConfig())
	out, err := f.ctl.StartOffer(context.Background(), buyReq())
	require.NoError(t, err)

	f.ledger.Enqueue(ledgertest.Filled(5), nil)
	res, err := f.ctl.Requote(context.Background(), out.OfferID)
	require.NoError(t, err)
	assert.Equal(t, offer.OutcomeFilled, res.Kind)
	assert.Equal(t, out.OfferID, res.OfferID)

	rec, err := f.registry.Get(context.Background(), out.OfferID)
	require.NoError(t, err)
	assert.Equal(t, offer.StatusFilled, rec.Status)

	sessions := f.ctl.Sessions()
	require.Len(t, sessions, 1)
	assert.NotEqual(t, out.OfferID, sessions[0].OfferID)

	_, err = f.ctl.Requote(context.Background(), out.OfferID)
	assert.ErrorIs(t, err, offer.ErrSessionNotFound)
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	f := newFixture(t, quietConfig())
	const n = 8
	for i := 0; i < n; i++ {
		f.ledger.Enqueue(ledger.Result{Effect: ledger.EffectCreated, Current: &ledger.RestingOffer{OfferID: 500}}, nil)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	okCount, dupCount := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ctl.StartOffer(context.Background(), buyReq())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				okCount++
			case errors.Is(err, offer.ErrSessionAlreadyActive):
				dupCount++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, okCount)
	assert.Equal(t, n-1, dupCount)
	assert.Len(t, f.ctl.Sessions(), 1)
}

func TestCancelOffer(t *testing.T) {
	f := newFixture(t, quietConfig())
	out, err := f.ctl.StartOffer(context.Background(), buyReq())
	require.NoError(t, err)

	res, err := f.ctl.CancelOffer(context.Background(), out.OfferID)
	require.NoError(t, err)
	assert.Equal(t, offer.OutcomeCanceled, res.Kind)
	assert.Empty(t, f.ctl.Sessions())

	last := f.ledger.Submissions()[1]
	assert.True(t, last.Op.Amount.IsZero())
	assert.Equal(t, out.OfferID, last.Op.OfferID)

	rec, err := f.registry.Get(context.Background(), out.OfferID)
	require.NoError(t, err)
	assert.Equal(t, offer.StatusCanceled, rec.Status)

	_, err = f.ctl.CancelOffer(context.Background(), out.OfferID)
	assert.ErrorIs(t, err, offer.ErrSessionNotFound)
	_, err = f.ctl.CancelOffer(context.Background(), 12345)
	assert.ErrorIs(t, err, offer.ErrSessionNotFound)
}

func TestCancelFailureKeepsSessionForRetry(t *testing.T) {
	f := newFixture(t, quietConfig())
	out, err := f.ctl.StartOffer(context.Background(), buyReq())
	require.NoError(t, err)

	f.ledger.Enqueue(ledger.Result{}, &offer.SubmissionError{Reason: "tx_bad_seq"})
	_, err = f.ctl.CancelOffer(context.Background(), out.OfferID)
	assert.ErrorIs(t, err, offer.ErrSubmission)

	sessions := f.ctl.Sessions()
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Stopped)
	_, err = f.ctl.Requote(context.Background(), out.OfferID)
	assert.ErrorIs(t, err, offer.ErrSessionNotFound)

	_, err = f.ctl.CancelOffer(context.Background(), out.OfferID)
	require.NoError(t, err)
	assert.Empty(t, f.ctl.Sessions())
}

func TestCancelStopsPendingTicks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequoteInterval = 5 * time.Millisecond
	f := newFixture(t, cfg)

	out, err := f.ctl.StartOffer(context.Background(), buyReq())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.ledger.SubmissionCount() >= 3 }, time.Second, time.Millisecond)

	_, err = f.ctl.CancelOffer(context.Background(), out.OfferID)
	require.NoError(t, err)
	count := f.ledger.SubmissionCount()
	subs := f.ledger.Submissions()
	assert.True(t, subs[len(subs)-1].Op.Amount.IsZero(), "cancel is the last submission")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, count, f.ledger.SubmissionCount())
}

func TestTickSkippedWhileCycleInFlight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequoteInterval = 2 * time.Millisecond
	f := newFixture(t, cfg)

	release := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	f.ledger.OnSubmit = func(ctx context.Context, tx ledger.Transaction) {
		if tx.Op.OfferID == 0 || tx.Op.Amount.IsZero() {
			return
		}
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		once.Do(func() { <-release })
		mu.Lock()
		inFlight--
		mu.Unlock()
	}

	out, err := f.ctl.StartOffer(context.Background(), buyReq())
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, f.ledger.SubmissionCount(), "blocked requote has not reached the ledger")
	close(release)
	require.Eventually(t, func() bool { return f.ledger.SubmissionCount() >= 3 }, time.Second, time.Millisecond)
	_, err = f.ctl.CancelOffer(context.Background(), out.OfferID)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight)
}

func TestShutdownLeavesOffersResting(t *testing.T) {
	f := newFixture(t, quietConfig())
	_, err := f.ctl.StartOffer(context.Background(), buyReq())
	require.NoError(t, err)

	require.NoError(t, f.ctl.Shutdown(context.Background()))
	assert.Empty(t, f.ctl.Sessions())
	assert.Equal(t, 1, f.ledger.SubmissionCount())

	_, err = f.ctl.StartOffer(context.Background(), buyReq())
	assert.ErrorIs(t, err, ErrControllerClosed)
	assert.NoError(t, f.ctl.Shutdown(context.Background()))
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(DefaultConfig(), Components{})
	assert.Error(t, err)
}

func TestStartOfferHighPriceUsesApproximatedRational(t *testing.T) {
	f := newFixture(t, quietConfig())
	f.oracle.set("65123.456789", nil)

	out, err := f.ctl.StartOffer(context.Background(), buyReq())
	require.NoError(t, err)
	assert.Equal(t, offer.OutcomeOpen, out.Kind)
	assert.True(t, out.Price.Equal(decimal.RequireFromString("64797.83951")), out.Price.String())
	require.Len(t, f.ctl.Sessions(), 1)

	tx := f.ledger.Submissions()[0]
	assert.Equal(t, ledger.Price{N: 417881267, D: 6449}, tx.Op.Price)

	_, err = f.ctl.Requote(context.Background(), out.OfferID)
	require.NoError(t, err)
	assert.Equal(t, 0, f.ctl.Sessions()[0].Failures)
}

func TestStartOfferSurvivesCallerDisconnect(t *testing.T) {
	f := newFixture(t, quietConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once sync.Once
	f.ledger.OnSubmit = func(context.Context, ledger.Transaction) { once.Do(cancel) }

	out, err := f.ctl.StartOffer(ctx, buyReq())
	require.NoError(t, err)
	assert.Equal(t, offer.OutcomeOpen, out.Kind)
	assert.Equal(t, 1, f.ledger.SubmissionCount())

	_, ok := f.ctl.Session(out.OfferID)
	assert.True(t, ok, "offer resting on the ledger is tracked")
	rec, err := f.registry.Get(context.Background(), out.OfferID)
	require.NoError(t, err)
	assert.Equal(t, offer.StatusOpen, rec.Status)
}

func TestCancelWaitsForInFlightRequote(t *testing.T) {
	f := newFixture(t, quietConfig())
	out, err := f.ctl.StartOffer(context.Background(), buyReq())
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.ledger.OnSubmit = func(_ context.Context, tx ledger.Transaction) {
		if tx.Op.OfferID == out.OfferID && !tx.Op.Amount.IsZero() {
			close(entered)
			<-release
		}
	}

	requoted := make(chan error, 1)
	go func() {
		_, err := f.ctl.Requote(context.Background(), out.OfferID)
		requoted <- err
	}()
	<-entered

	canceled := make(chan error, 1)
	go func() {
		_, err := f.ctl.CancelOffer(context.Background(), out.OfferID)
		canceled <- err
	}()

	require.Eventually(t, func() bool {
		info, ok := f.ctl.Session(out.OfferID)
		return ok && info.Stopped
	}, time.Second, time.Millisecond)
	select {
	case <-canceled:
		t.Fatal("cancel finished while a requote was still in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-requoted)
	require.NoError(t, <-canceled)

	subs := f.ledger.Submissions()
	require.Len(t, subs, 3)
	assert.False(t, subs[1].Op.Amount.IsZero())
	assert.True(t, subs[2].Op.Amount.IsZero(), "cancel is the last submission")

	_, err = f.ctl.Requote(context.Background(), out.OfferID)
	assert.ErrorIs(t, err, offer.ErrSessionNotFound)
	assert.Equal(t, 3, f.ledger.SubmissionCount())
}

func TestRequoteRecordsGeneration(t *testing.T) {
	f := newFixture(t, quietConfig())
	out, err := f.ctl.StartOffer(context.Background(), buyReq())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := f.ctl.Requote(context.Background(), out.OfferID)
		require.NoError(t, err)
	}
	_, err = f.ctl.CancelOffer(context.Background(), out.OfferID)
	require.NoError(t, err)

	rec, err := f.registry.Get(context.Background(), out.OfferID)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Generation)
	assert.Equal(t, offer.StatusCanceled, rec.Status)
}

func TestFilledOfferDoesNotOverwriteManagedRecord(t *testing.T) {
	cfg := quietConfig()
	cfg.Replenish = false
	f := newFixture(t, cfg)
	ctx := context.Background()

	resting, err := f.ctl.StartOffer(ctx, buyReq())
	require.NoError(t, err)
	require.NoError(t, f.registry.Upsert(ctx, offer.Offer{
		ID: 77, Owner: "GOTHER", Side: offer.SideSell, Selling: offer.Native(), Buying: usd,
		Amount: decimal.NewFromInt(3), Price: decimal.RequireFromString("1.01"), Status: offer.StatusOpen,
	}))

	f.ledger.Enqueue(ledgertest.Filled(resting.OfferID), nil)
	f.ledger.Enqueue(ledgertest.Filled(77), nil)
	for _, want := range []offer.ID{resting.OfferID, 77} {
		out, err := f.ctl.StartOffer(ctx, buyReq())
		require.NoError(t, err)
		assert.Equal(t, offer.OutcomeFilled, out.Kind)
		assert.Equal(t, want, out.OfferID)
	}

	rec, err := f.registry.Get(ctx, resting.OfferID)
	require.NoError(t, err)
	assert.Equal(t, offer.StatusOpen, rec.Status)
	assert.Equal(t, owner, rec.Owner)
	_, ok := f.ctl.Session(resting.OfferID)
	assert.True(t, ok)

	rec, err = f.registry.Get(ctx, 77)
	require.NoError(t, err)
	assert.Equal(t, "GOTHER", rec.Owner)
	assert.Equal(t, offer.StatusOpen, rec.Status)

	// 未被占用的对手单 ID 照常记为已成交
	f.ledger.Enqueue(ledgertest.Filled(88), nil)
	_, err = f.ctl.StartOffer(ctx, buyReq())
	require.NoError(t, err)
	rec, err = f.registry.Get(ctx, 88)
	require.NoError(t, err)
	assert.Equal(t, offer.StatusFilled, rec.Status)
}
