package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/opencommerce/credits-service/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RepositoryInterface restricts Repo methods (unit-test mock seam).
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	EnsureWallet(ctx context.Context, tx *gorm.DB, orgID, ownerUserID uint64) (*model.Wallet, error)
	GetWallet(ctx context.Context, tx *gorm.DB, walletID uint64) (*model.Wallet, error)
	GetWalletForUpdate(ctx context.Context, tx *gorm.DB, walletID uint64) (*model.Wallet, error)

	LedgerBalance(ctx context.Context, tx *gorm.DB, walletID uint64) (int64, error)
	ActiveHoldTotal(ctx context.Context, tx *gorm.DB, walletID uint64, now time.Time) (int64, error)
	FindLedgerByKey(ctx context.Context, tx *gorm.DB, walletID uint64, idemKey string) (*model.LedgerEntry, error)
	CreateLedgerEntry(ctx context.Context, tx *gorm.DB, e *model.LedgerEntry) error
	ListLedger(ctx context.Context, walletID uint64, limit int, since time.Time) ([]model.LedgerEntry, error)

	CreateHold(ctx context.Context, tx *gorm.DB, h *model.Hold) error
	GetHoldForUpdate(ctx context.Context, tx *gorm.DB, orgID, holdID uint64) (*model.Hold, error)
	FindActiveHold(ctx context.Context, tx *gorm.DB, walletID uint64, provider, externalOrderID string, now time.Time) (*model.Hold, error)
	TransitionHold(ctx context.Context, tx *gorm.DB, holdID uint64, from, to string) (bool, error)

	GetSyncCodeForUpdate(ctx context.Context, tx *gorm.DB, orgID uint64, code string) (*model.SyncCode, error)
	FindActiveSyncCode(ctx context.Context, tx *gorm.DB, orgID uint64, provider, providerUserID string) (*model.SyncCode, error)
	CreateSyncCode(ctx context.Context, tx *gorm.DB, sc *model.SyncCode) error
	SaveSyncCode(ctx context.Context, tx *gorm.DB, sc *model.SyncCode) error
	FindIdentity(ctx context.Context, tx *gorm.DB, orgID uint64, provider, providerUserID string) (*model.ExternalIdentity, error)
	UpsertIdentity(ctx context.Context, tx *gorm.DB, id *model.ExternalIdentity) error

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheBalances(ctx context.Context, walletID uint64, b model.Balances) error
	GetCachedBalances(ctx context.Context, walletID uint64) (model.Balances, error)
	DropCachedBalances(ctx context.Context, walletID uint64) error
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// EnsureWallet inserts the (org, owner) wallet or returns the existing one.
// The OnConflict clause makes concurrent first-access safe: the losing insert
// is a no-op and the follow-up read sees the winner's row.
func (r *Repository) EnsureWallet(ctx context.Context, tx *gorm.DB, orgID, ownerUserID uint64) (*model.Wallet, error) {
	w := model.Wallet{OrganizationID: orgID, OwnerUserID: ownerUserID}
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "organization_id"}, {Name: "owner_user_id"}},
			DoNothing: true,
		}).Create(&w).Error; err != nil {
		return nil, err
	}
	var out model.Wallet
	if err := tx.WithContext(ctx).
		Where("organization_id = ? AND owner_user_id = ?", orgID, ownerUserID).
		First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

// GetWallet reads a wallet without locking.
func (r *Repository) GetWallet(ctx context.Context, tx *gorm.DB, walletID uint64) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).Where("id = ?", walletID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWalletForUpdate locks the wallet row. Every balance-floor decision runs
// under this lock; the wallet row is the serialization point for the ledger.
func (r *Repository) GetWalletForUpdate(ctx context.Context, tx *gorm.DB, walletID uint64) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", walletID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// LedgerBalance computes the settled balance as the signed entry sum.
func (r *Repository) LedgerBalance(ctx context.Context, tx *gorm.DB, walletID uint64) (int64, error) {
	var bal int64
	err := tx.WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Select("COALESCE(SUM(CASE WHEN direction = ? THEN amount_minor ELSE -amount_minor END), 0)", model.DirectionCredit).
		Where("wallet_id = ?", walletID).
		Scan(&bal).Error
	return bal, err
}

// ActiveHoldTotal sums holds that still count: status active and not yet
// expired at the supplied instant. Expiry is computed here, never stored.
func (r *Repository) ActiveHoldTotal(ctx context.Context, tx *gorm.DB, walletID uint64, now time.Time) (int64, error) {
	var total int64
	err := tx.WithContext(ctx).
		Model(&model.Hold{}).
		Select("COALESCE(SUM(amount_minor), 0)").
		Where("wallet_id = ? AND status = ? AND expires_at > ?", walletID, model.HoldStatusActive, now).
		Scan(&total).Error
	return total, err
}

// FindLedgerByKey checks duplicate by idem key; nil when absent.
func (r *Repository) FindLedgerByKey(ctx context.Context, tx *gorm.DB, walletID uint64, idemKey string) (*model.LedgerEntry, error) {
	if idemKey == "" {
		return nil, nil
	}
	var e model.LedgerEntry
	err := tx.WithContext(ctx).
		Where("wallet_id = ? AND idempotency_key = ?", walletID, idemKey).
		First(&e).Error
	if err == nil {
		return &e, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

// CreateLedgerEntry inserts record.
func (r *Repository) CreateLedgerEntry(ctx context.Context, tx *gorm.DB, e *model.LedgerEntry) error {
	return tx.WithContext(ctx).Create(e).Error
}

// ListLedger fetches recent entries.
func (r *Repository) ListLedger(ctx context.Context, walletID uint64, limit int, since time.Time) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("wallet_id = ? AND created_at >= ?", walletID, since).
		Order("created_at asc").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// CreateHold inserts a reservation row.
func (r *Repository) CreateHold(ctx context.Context, tx *gorm.DB, h *model.Hold) error {
	return tx.WithContext(ctx).Create(h).Error
}

// GetHoldForUpdate locks a hold row scoped to its organization.
func (r *Repository) GetHoldForUpdate(ctx context.Context, tx *gorm.DB, orgID, holdID uint64) (*model.Hold, error) {
	var h model.Hold
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND organization_id = ?", holdID, orgID).
		First(&h).Error; err != nil {
		return nil, err
	}
	return &h, nil
}

// FindActiveHold returns the live reservation for an external order, if any.
// Holds are keyed by external order identity so retried authorizations reuse
// the reservation instead of stacking a second one.
func (r *Repository) FindActiveHold(ctx context.Context, tx *gorm.DB, walletID uint64, provider, externalOrderID string, now time.Time) (*model.Hold, error) {
	var h model.Hold
	err := tx.WithContext(ctx).
		Where("wallet_id = ? AND provider = ? AND external_order_id = ? AND status = ? AND expires_at > ?",
			walletID, provider, externalOrderID, model.HoldStatusActive, now).
		First(&h).Error
	if err == nil {
		return &h, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

// TransitionHold flips status with a compare-and-set; false means the row was
// no longer in the expected state.
func (r *Repository) TransitionHold(ctx context.Context, tx *gorm.DB, holdID uint64, from, to string) (bool, error) {
	res := tx.WithContext(ctx).
		Model(&model.Hold{}).
		Where("id = ? AND status = ?", holdID, from).
		Update("status", to)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetSyncCodeForUpdate locks a code row for one-shot redemption.
func (r *Repository) GetSyncCodeForUpdate(ctx context.Context, tx *gorm.DB, orgID uint64, code string) (*model.SyncCode, error) {
	var sc model.SyncCode
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("organization_id = ? AND code = ?", orgID, code).
		First(&sc).Error; err != nil {
		return nil, err
	}
	return &sc, nil
}

// FindActiveSyncCode returns the reusable code for a provider identity, if any.
func (r *Repository) FindActiveSyncCode(ctx context.Context, tx *gorm.DB, orgID uint64, provider, providerUserID string) (*model.SyncCode, error) {
	var sc model.SyncCode
	err := tx.WithContext(ctx).
		Where("organization_id = ? AND provider = ? AND provider_user_id = ? AND status = ?",
			orgID, provider, providerUserID, model.SyncCodeStatusActive).
		First(&sc).Error
	if err == nil {
		return &sc, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

// CreateSyncCode inserts a freshly minted code; a unique violation on the code
// column is the caller's signal to regenerate.
func (r *Repository) CreateSyncCode(ctx context.Context, tx *gorm.DB, sc *model.SyncCode) error {
	return tx.WithContext(ctx).Create(sc).Error
}

// SaveSyncCode persists status/expiry changes.
func (r *Repository) SaveSyncCode(ctx context.Context, tx *gorm.DB, sc *model.SyncCode) error {
	return tx.WithContext(ctx).Save(sc).Error
}

// FindIdentity looks up an existing provider link; nil when absent.
func (r *Repository) FindIdentity(ctx context.Context, tx *gorm.DB, orgID uint64, provider, providerUserID string) (*model.ExternalIdentity, error) {
	var id model.ExternalIdentity
	err := tx.WithContext(ctx).
		Where("organization_id = ? AND provider = ? AND provider_user_id = ?", orgID, provider, providerUserID).
		First(&id).Error
	if err == nil {
		return &id, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

// UpsertIdentity inserts the link or backfills email on the existing row.
// user_id is deliberately not in the update set: the link is immutable.
func (r *Repository) UpsertIdentity(ctx context.Context, tx *gorm.DB, id *model.ExternalIdentity) error {
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "organization_id"}, {Name: "provider"}, {Name: "provider_user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"email"}),
		}).Create(id).Error
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", evt.AggregateID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheBalances writes the display copy to Redis. Best effort only.
func (r *Repository) CacheBalances(ctx context.Context, walletID uint64, b model.Balances) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, balancesKey(walletID), raw, time.Minute).Err()
}

// GetCachedBalances reads the display copy from Redis.
func (r *Repository) GetCachedBalances(ctx context.Context, walletID uint64) (model.Balances, error) {
	raw, err := r.rdb.Get(ctx, balancesKey(walletID)).Result()
	if err != nil {
		return model.Balances{}, err
	}
	var b model.Balances
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return model.Balances{}, err
	}
	return b, nil
}

// DropCachedBalances invalidates after a mutation.
func (r *Repository) DropCachedBalances(ctx context.Context, walletID uint64) error {
	return r.rdb.Del(ctx, balancesKey(walletID)).Err()
}

func balancesKey(walletID uint64) string { return fmt.Sprintf("balances:%d", walletID) }
