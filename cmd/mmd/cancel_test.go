package main

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stellar/go-stellar-sdk/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stellar-mm/config"
	"stellar-mm/internal/ledger"
	"stellar-mm/internal/ledger/ledgertest"
	"stellar-mm/internal/store"
	"stellar-mm/offer"
)

const testIssuer = "GCQTGZQQ5G4PTM2GL7CDIFKUBIPEC52BROAQIAPW53XBRJVN6ZJVTG6V"

func useLedger(t *testing.T, l *ledgertest.Ledger) {
	t.Helper()
	prev := newLedgerClient
	newLedgerClient = func(config.AppConfig, *zap.Logger) ledger.Client { return l }
	t.Cleanup(func() { newLedgerClient = prev })
}

// seedOffers 登记用户并写入挂单记录，返回账户地址。
func seedOffers(t *testing.T, cfgPath string, statuses map[offer.ID]offer.Status) string {
	t.Helper()
	configPath = cfgPath
	cfg, err := loadConfig()
	require.NoError(t, err)
	db, users, registry, err := openStore(cfg)
	require.NoError(t, err)
	defer store.Close(db)

	kp := keypair.MustRandom()
	ctx := context.Background()
	_, err = users.CreateUser(ctx, "maker", kp.Address(), kp.Seed())
	require.NoError(t, err)
	for id, st := range statuses {
		require.NoError(t, registry.Upsert(ctx, offer.Offer{
			ID:      id,
			Owner:   kp.Address(),
			Side:    offer.SideBuy,
			Selling: offer.Asset{Code: "USDT", Issuer: testIssuer},
			Buying:  offer.Native(),
			Amount:  decimal.RequireFromString("10"),
			Price:   decimal.RequireFromString("0.995"),
			Status:  st,
		}))
	}
	return kp.Address()
}

func statusOf(t *testing.T, cfgPath string, id offer.ID) offer.Status {
	t.Helper()
	configPath = cfgPath
	cfg, err := loadConfig()
	require.NoError(t, err)
	db, _, registry, err := openStore(cfg)
	require.NoError(t, err)
	defer store.Close(db)
	o, err := registry.Get(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func TestCancelAllLiveOffers(t *testing.T) {
	t.Setenv("MM_MASTER_KEY", "master")
	cfg := writeTestConfig(t, "http://127.0.0.1:1")
	owner := seedOffers(t, cfg, map[offer.ID]offer.Status{
		11: offer.StatusOpen,
		12: offer.StatusPartiallyFilled,
		13: offer.StatusFilled,
	})

	l := ledgertest.New()
	l.Fund(owner)
	useLedger(t, l)

	out, err := execute(t, "--config", cfg, "offers", "cancel", "--all", "--owner", owner)
	require.NoError(t, err)
	assert.Contains(t, out, "offer 11 canceled")
	assert.Contains(t, out, "offer 12 canceled")
	assert.NotContains(t, out, "offer 13")

	require.Equal(t, 2, l.SubmissionCount())
	for _, tx := range l.Submissions() {
		assert.True(t, tx.Op.Amount.IsZero())
	}
	assert.Equal(t, offer.StatusCanceled, statusOf(t, cfg, 11))
	assert.Equal(t, offer.StatusCanceled, statusOf(t, cfg, 12))
	assert.Equal(t, offer.StatusFilled, statusOf(t, cfg, 13))
}

func TestCancelByIDChecksOwner(t *testing.T) {
	t.Setenv("MM_MASTER_KEY", "master")
	cfg := writeTestConfig(t, "http://127.0.0.1:1")
	owner := seedOffers(t, cfg, map[offer.ID]offer.Status{21: offer.StatusOpen})

	l := ledgertest.New()
	l.Fund(owner)
	useLedger(t, l)

	_, err := execute(t, "--config", cfg, "offers", "cancel", "21", "--owner", "GSOMEONEELSE")
	require.ErrorIs(t, err, offer.ErrUnauthorizedUser)
	assert.Zero(t, l.SubmissionCount())

	_, err = execute(t, "--config", cfg, "offers", "cancel", "21")
	require.NoError(t, err)
	assert.Equal(t, offer.StatusCanceled, statusOf(t, cfg, 21))
}

func TestCancelLedgerFailureKeepsRecord(t *testing.T) {
	t.Setenv("MM_MASTER_KEY", "master")
	cfg := writeTestConfig(t, "http://127.0.0.1:1")
	owner := seedOffers(t, cfg, map[offer.ID]offer.Status{31: offer.StatusOpen})

	l := ledgertest.New()
	l.Fund(owner)
	l.Enqueue(ledger.Result{}, &offer.SubmissionError{Reason: "offer not found", ResultCodes: []string{"op_offer_not_found"}})
	useLedger(t, l)

	_, err := execute(t, "--config", cfg, "offers", "cancel", "31")
	require.ErrorIs(t, err, offer.ErrSubmission)
	assert.Equal(t, offer.StatusOpen, statusOf(t, cfg, 31))
}

func TestCancelNeedsTarget(t *testing.T) {
	_, err := execute(t, "offers", "cancel")
	assert.Error(t, err)
	_, err = execute(t, "offers", "cancel", "--all")
	assert.Error(t, err)
}
