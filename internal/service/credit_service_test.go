package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/opencommerce/credits-service/internal/config"
	"github.com/opencommerce/credits-service/internal/logger"
	"github.com/opencommerce/credits-service/internal/model"
	"github.com/opencommerce/credits-service/internal/repo"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testHoldsConfig() config.HoldsConfig {
	return config.HoldsConfig{DefaultTTLSec: 900, MinTTLSec: 60, MaxTTLSec: 3600}
}

func newTestService(t *testing.T) (*CreditService, context.Context) {
	// SQLite in-memory DB, one per test
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(
		&model.Wallet{}, &model.LedgerEntry{}, &model.Hold{}, &model.OutboxEvent{},
	))

	// Redis mock with no expectations: every cache call fails, which the
	// service only warns about.
	rdb, _ := redismock.NewClientMock()

	writer := &kafka.Writer{} // not used here
	log, _ := logger.NewLogger()
	repository := repo.NewRepository(db, rdb, writer, log)
	svc := NewCreditService(repository, testHoldsConfig(), log)

	return svc, context.Background()
}

func seedCredit(t *testing.T, svc *CreditService, ctx context.Context, orgID, walletID uint64, amount int64, key string) {
	_, err := svc.InsertLedgerEntry(ctx, LedgerInput{
		OrganizationID: orgID,
		WalletID:       walletID,
		Direction:      model.DirectionCredit,
		AmountMinor:    amount,
		Reason:         "test_seed",
		IdempotencyKey: key,
	})
	assert.NoError(t, err)
}

func TestEnsureWallet_Idempotent(t *testing.T) {
	svc, ctx := newTestService(t)

	w1, err := svc.EnsureWallet(ctx, 1, 42)
	assert.NoError(t, err)
	w2, err := svc.EnsureWallet(ctx, 1, 42)
	assert.NoError(t, err)
	assert.Equal(t, w1.ID, w2.ID)

	// different owner gets a different wallet
	w3, err := svc.EnsureWallet(ctx, 1, 43)
	assert.NoError(t, err)
	assert.NotEqual(t, w1.ID, w3.ID)
}

func TestHoldLifecycle_FullFlow(t *testing.T) {
	svc, ctx := newTestService(t)

	w, err := svc.EnsureWallet(ctx, 1, 42)
	assert.NoError(t, err)
	seedCredit(t, svc, ctx, 1, w.ID, 1000, "seed1")

	b, err := svc.GetBalances(ctx, 1, w.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.Balances{BalanceMinor: 1000, OnHoldMinor: 0, AvailableMinor: 1000}, b)

	// hold 400
	h1, err := svc.CreateHold(ctx, HoldInput{
		OrganizationID: 1, WalletID: w.ID, Provider: "shopfront",
		ExternalOrderID: "ord-1", AmountMinor: 400, TTLSec: 900,
	})
	assert.NoError(t, err)
	b, _ = svc.GetBalances(ctx, 1, w.ID)
	assert.Equal(t, int64(600), b.AvailableMinor)
	assert.Equal(t, int64(400), b.OnHoldMinor)
	assert.Equal(t, int64(1000), b.BalanceMinor)

	// hold 700 must fail: available is only 600
	_, err = svc.CreateHold(ctx, HoldInput{
		OrganizationID: 1, WalletID: w.ID, Provider: "shopfront",
		ExternalOrderID: "ord-2", AmountMinor: 700,
	})
	var insufficient *InsufficientFundsError
	assert.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(600), insufficient.AvailableMinor)
	assert.Equal(t, int64(700), insufficient.RequestedMinor)

	// release restores available
	changed, b, err := svc.ReleaseHold(ctx, 1, h1.ID)
	assert.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.Balances{BalanceMinor: 1000, OnHoldMinor: 0, AvailableMinor: 1000}, b)

	// second release is a no-op, not an error
	changed, b, err = svc.ReleaseHold(ctx, 1, h1.ID)
	assert.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(1000), b.AvailableMinor)

	// hold again, then capture
	h2, err := svc.CreateHold(ctx, HoldInput{
		OrganizationID: 1, WalletID: w.ID, Provider: "shopfront",
		ExternalOrderID: "ord-3", AmountMinor: 400,
	})
	assert.NoError(t, err)
	entryID, b, err := svc.CaptureHold(ctx, 1, h2.ID)
	assert.NoError(t, err)
	assert.NotZero(t, entryID)
	assert.Equal(t, model.Balances{BalanceMinor: 600, OnHoldMinor: 0, AvailableMinor: 600}, b)

	// exactly one debit of 400 exists
	var debits []model.LedgerEntry
	err = svc.Repo().DB(ctx).
		Where("wallet_id = ? AND direction = ?", w.ID, model.DirectionDebit).
		Find(&debits).Error
	assert.NoError(t, err)
	assert.Len(t, debits, 1)
	assert.Equal(t, int64(400), debits[0].AmountMinor)

	// capturing again does not double-debit
	_, _, err = svc.CaptureHold(ctx, 1, h2.ID)
	assert.ErrorIs(t, err, ErrHoldTerminal)
	b, _ = svc.GetBalances(ctx, 1, w.ID)
	assert.Equal(t, int64(600), b.BalanceMinor)
}

func TestAvailableInvariant_AfterEveryOperation(t *testing.T) {
	svc, ctx := newTestService(t)
	w, _ := svc.EnsureWallet(ctx, 1, 7)
	seedCredit(t, svc, ctx, 1, w.ID, 2500, "seed")

	check := func() {
		b, err := svc.GetBalances(ctx, 1, w.ID)
		assert.NoError(t, err)
		assert.Equal(t, b.BalanceMinor-b.OnHoldMinor, b.AvailableMinor)
	}

	h1, err := svc.CreateHold(ctx, HoldInput{OrganizationID: 1, WalletID: w.ID, Provider: "p", ExternalOrderID: "a", AmountMinor: 500})
	assert.NoError(t, err)
	check()
	h2, err := svc.CreateHold(ctx, HoldInput{OrganizationID: 1, WalletID: w.ID, Provider: "p", ExternalOrderID: "b", AmountMinor: 900})
	assert.NoError(t, err)
	check()
	_, _, err = svc.ReleaseHold(ctx, 1, h1.ID)
	assert.NoError(t, err)
	check()
	_, _, err = svc.CaptureHold(ctx, 1, h2.ID)
	assert.NoError(t, err)
	check()
	seedCredit(t, svc, ctx, 1, w.ID, 300, "refund1")
	check()
}

func TestCreateHold_ReusesActiveHoldForSameOrder(t *testing.T) {
	svc, ctx := newTestService(t)
	w, _ := svc.EnsureWallet(ctx, 1, 7)
	seedCredit(t, svc, ctx, 1, w.ID, 1000, "seed")

	h1, err := svc.CreateHold(ctx, HoldInput{OrganizationID: 1, WalletID: w.ID, Provider: "p", ExternalOrderID: "same", AmountMinor: 400})
	assert.NoError(t, err)
	h2, err := svc.CreateHold(ctx, HoldInput{OrganizationID: 1, WalletID: w.ID, Provider: "p", ExternalOrderID: "same", AmountMinor: 400})
	assert.NoError(t, err)
	assert.Equal(t, h1.ID, h2.ID)

	b, _ := svc.GetBalances(ctx, 1, w.ID)
	assert.Equal(t, int64(400), b.OnHoldMinor)
}

func TestHoldExpiry_IsComputedAtReadTime(t *testing.T) {
	svc, ctx := newTestService(t)
	w, _ := svc.EnsureWallet(ctx, 1, 7)
	seedCredit(t, svc, ctx, 1, w.ID, 1000, "seed")

	base := time.Now()
	svc.now = func() time.Time { return base }

	h, err := svc.CreateHold(ctx, HoldInput{OrganizationID: 1, WalletID: w.ID, Provider: "p", ExternalOrderID: "x", AmountMinor: 600, TTLSec: 60})
	assert.NoError(t, err)

	b, _ := svc.GetBalances(ctx, 1, w.ID)
	assert.Equal(t, int64(400), b.AvailableMinor)

	// move the clock past expiry: no write happens, the hold just stops counting
	svc.now = func() time.Time { return base.Add(2 * time.Minute) }
	b, _ = svc.GetBalances(ctx, 1, w.ID)
	assert.Equal(t, int64(1000), b.AvailableMinor)
	assert.Equal(t, int64(0), b.OnHoldMinor)

	var stored model.Hold
	assert.NoError(t, svc.Repo().DB(ctx).First(&stored, h.ID).Error)
	assert.Equal(t, model.HoldStatusActive, stored.Status)

	// capturing an expired reservation is refused
	_, _, err = svc.CaptureHold(ctx, 1, h.ID)
	assert.ErrorIs(t, err, ErrHoldExpired)
}

func TestHoldTTL_Clamping(t *testing.T) {
	svc, ctx := newTestService(t)
	w, _ := svc.EnsureWallet(ctx, 1, 7)
	seedCredit(t, svc, ctx, 1, w.ID, 1000, "seed")

	base := time.Now()
	svc.now = func() time.Time { return base }

	// below the floor clamps up to 60s
	h, err := svc.CreateHold(ctx, HoldInput{OrganizationID: 1, WalletID: w.ID, Provider: "p", ExternalOrderID: "short", AmountMinor: 10, TTLSec: 5})
	assert.NoError(t, err)
	assert.Equal(t, base.Add(60*time.Second).Unix(), h.ExpiresAt.Unix())

	// omitted TTL falls back to the default
	h, err = svc.CreateHold(ctx, HoldInput{OrganizationID: 1, WalletID: w.ID, Provider: "p", ExternalOrderID: "default", AmountMinor: 10})
	assert.NoError(t, err)
	assert.Equal(t, base.Add(900*time.Second).Unix(), h.ExpiresAt.Unix())

	// above the ceiling clamps down to 3600s
	h, err = svc.CreateHold(ctx, HoldInput{OrganizationID: 1, WalletID: w.ID, Provider: "p", ExternalOrderID: "long", AmountMinor: 10, TTLSec: 86400})
	assert.NoError(t, err)
	assert.Equal(t, base.Add(3600*time.Second).Unix(), h.ExpiresAt.Unix())
}

func TestInsertLedgerEntry_IdempotencyKey(t *testing.T) {
	svc, ctx := newTestService(t)
	w, _ := svc.EnsureWallet(ctx, 1, 7)

	in := LedgerInput{
		OrganizationID: 1, WalletID: w.ID,
		Direction: model.DirectionCredit, AmountMinor: 250,
		Reason: "refund", IdempotencyKey: "refund-abc",
	}
	id1, err := svc.InsertLedgerEntry(ctx, in)
	assert.NoError(t, err)
	id2, err := svc.InsertLedgerEntry(ctx, in)
	assert.NoError(t, err)
	assert.Equal(t, id1, id2)

	var count int64
	assert.NoError(t, svc.Repo().DB(ctx).Model(&model.LedgerEntry{}).Where("wallet_id = ?", w.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	b, _ := svc.GetBalances(ctx, 1, w.ID)
	assert.Equal(t, int64(250), b.BalanceMinor)
}

func TestInsertLedgerEntry_Validation(t *testing.T) {
	svc, ctx := newTestService(t)
	w, _ := svc.EnsureWallet(ctx, 1, 7)

	_, err := svc.InsertLedgerEntry(ctx, LedgerInput{OrganizationID: 1, WalletID: w.ID, Direction: model.DirectionCredit, AmountMinor: -5})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.InsertLedgerEntry(ctx, LedgerInput{OrganizationID: 1, WalletID: w.ID, Direction: "sideways", AmountMinor: 5})
	assert.ErrorIs(t, err, ErrInvalidDirection)

	_, err = svc.CreateHold(ctx, HoldInput{OrganizationID: 1, WalletID: w.ID, Provider: "p", ExternalOrderID: "z", AmountMinor: 0})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestOrganizationScoping(t *testing.T) {
	svc, ctx := newTestService(t)
	w, _ := svc.EnsureWallet(ctx, 1, 7)
	seedCredit(t, svc, ctx, 1, w.ID, 1000, "seed")

	// a different organization cannot see or mutate the wallet
	_, err := svc.GetBalances(ctx, 2, w.ID)
	assert.ErrorIs(t, err, ErrWalletNotFound)

	_, err = svc.CreateHold(ctx, HoldInput{OrganizationID: 2, WalletID: w.ID, Provider: "p", ExternalOrderID: "o", AmountMinor: 10})
	assert.ErrorIs(t, err, ErrWalletNotFound)

	h, err := svc.CreateHold(ctx, HoldInput{OrganizationID: 1, WalletID: w.ID, Provider: "p", ExternalOrderID: "o", AmountMinor: 10})
	assert.NoError(t, err)

	_, _, err = svc.ReleaseHold(ctx, 2, h.ID)
	assert.ErrorIs(t, err, ErrHoldNotFound)
	_, _, err = svc.CaptureHold(ctx, 2, h.ID)
	assert.ErrorIs(t, err, ErrHoldNotFound)
}

func TestReleasedHoldCannotBeCaptured(t *testing.T) {
	svc, ctx := newTestService(t)
	w, _ := svc.EnsureWallet(ctx, 1, 7)
	seedCredit(t, svc, ctx, 1, w.ID, 500, "seed")

	h, err := svc.CreateHold(ctx, HoldInput{OrganizationID: 1, WalletID: w.ID, Provider: "p", ExternalOrderID: "o", AmountMinor: 200})
	assert.NoError(t, err)
	_, _, err = svc.ReleaseHold(ctx, 1, h.ID)
	assert.NoError(t, err)

	_, _, err = svc.CaptureHold(ctx, 1, h.ID)
	assert.ErrorIs(t, err, ErrHoldTerminal)

	b, _ := svc.GetBalances(ctx, 1, w.ID)
	assert.Equal(t, int64(500), b.BalanceMinor)
}

func TestOutboxEvents_WrittenWithMutations(t *testing.T) {
	svc, ctx := newTestService(t)
	w, _ := svc.EnsureWallet(ctx, 1, 7)
	seedCredit(t, svc, ctx, 1, w.ID, 1000, "seed")

	h, _ := svc.CreateHold(ctx, HoldInput{OrganizationID: 1, WalletID: w.ID, Provider: "p", ExternalOrderID: "o", AmountMinor: 100})
	_, _, err := svc.CaptureHold(ctx, 1, h.ID)
	assert.NoError(t, err)

	var types []string
	assert.NoError(t, svc.Repo().DB(ctx).
		Model(&model.OutboxEvent{}).
		Where("aggregate_id = ?", w.ID).
		Order("id").
		Pluck("event_type", &types).Error)
	assert.Equal(t, []string{"LedgerEntryInserted", "HoldCreated", "HoldCaptured"}, types)
}
