package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/opencommerce/credits-service/internal/config"
	"github.com/opencommerce/credits-service/internal/model"
	"github.com/opencommerce/credits-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CreditService glues the hold/ledger business logic and the repository.
// Every mutation runs as one database transaction that takes the wallet row
// lock and recomputes balances under it, so a balance check and the write it
// gates can never be split by a concurrent writer.
type CreditService struct {
	repo  repo.RepositoryInterface
	holds config.HoldsConfig
	log   *zap.SugaredLogger
	now   func() time.Time
}

// NewCreditService returns CreditService.
func NewCreditService(r repo.RepositoryInterface, holds config.HoldsConfig, logger *zap.SugaredLogger) *CreditService {
	return &CreditService{repo: r, holds: holds, log: logger, now: time.Now}
}

// LedgerInput describes one entry to append.
type LedgerInput struct {
	OrganizationID uint64
	WalletID       uint64
	Direction      string
	AmountMinor    int64
	Reason         string
	Reference      map[string]interface{}
	IdempotencyKey string
}

// HoldInput describes one reservation to place.
type HoldInput struct {
	OrganizationID  uint64
	WalletID        uint64
	Provider        string
	ExternalOrderID string
	AmountMinor     int64
	TTLSec          int
}

// EnsureWallet returns the wallet for the (organization, owner) pair,
// creating it on first access.
func (s *CreditService) EnsureWallet(ctx context.Context, orgID, ownerUserID uint64) (*model.Wallet, error) {
	return s.repo.EnsureWallet(ctx, s.repo.DB(ctx), orgID, ownerUserID)
}

// GetBalances serves the display read: cache first, then an unlocked compute.
// Decision-gating reads never come through here; they run inside the mutation
// transactions below, under the wallet lock.
func (s *CreditService) GetBalances(ctx context.Context, orgID, walletID uint64) (model.Balances, error) {
	db := s.repo.DB(ctx)
	w, err := s.repo.GetWallet(ctx, db, walletID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Balances{}, ErrWalletNotFound
		}
		return model.Balances{}, err
	}
	if w.OrganizationID != orgID {
		return model.Balances{}, ErrWalletNotFound
	}
	if b, err := s.repo.GetCachedBalances(ctx, walletID); err == nil {
		return b, nil
	}
	b, err := s.computeBalances(ctx, db, walletID)
	if err != nil {
		return model.Balances{}, err
	}
	if err := s.repo.CacheBalances(ctx, walletID, b); err != nil {
		s.log.Warnf("cache balances wallet=%d: %v", walletID, err)
	}
	return b, nil
}

// GetLedger fetches recent entries for a wallet.
func (s *CreditService) GetLedger(ctx context.Context, orgID, walletID uint64, limit int, since time.Time) ([]model.LedgerEntry, error) {
	w, err := s.repo.GetWallet(ctx, s.repo.DB(ctx), walletID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	if w.OrganizationID != orgID {
		return nil, ErrWalletNotFound
	}
	return s.repo.ListLedger(ctx, walletID, limit, since)
}

// InsertLedgerEntry appends one signed entry. With an idempotency key, a
// retried insert returns the stored entry's id instead of writing a second
// row; the lookup runs under the wallet lock so two retries cannot both miss.
func (s *CreditService) InsertLedgerEntry(ctx context.Context, in LedgerInput) (uint64, error) {
	if in.AmountMinor < 0 {
		return 0, ErrInvalidAmount
	}
	if in.Direction != model.DirectionCredit && in.Direction != model.DirectionDebit {
		return 0, ErrInvalidDirection
	}
	var entryID uint64
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.lockWallet(ctx, tx, in.OrganizationID, in.WalletID)
		if err != nil {
			return err
		}
		if existing, err := s.repo.FindLedgerByKey(ctx, tx, w.ID, in.IdempotencyKey); err != nil {
			return err
		} else if existing != nil {
			entryID = existing.ID
			return nil
		}
		e := &model.LedgerEntry{
			WalletID:       w.ID,
			OrganizationID: in.OrganizationID,
			Direction:      in.Direction,
			AmountMinor:    in.AmountMinor,
			Reason:         in.Reason,
			Reference:      marshalReference(in.Reference),
		}
		if in.IdempotencyKey != "" {
			e.IdempotencyKey = &in.IdempotencyKey
		}
		if err := s.repo.CreateLedgerEntry(ctx, tx, e); err != nil {
			return err
		}
		if err := s.emitEvent(ctx, tx, w.ID, "LedgerEntryInserted", map[string]interface{}{
			"entry_id": e.ID, "direction": e.Direction, "amount_minor": e.AmountMinor, "reason": e.Reason,
		}); err != nil {
			return err
		}
		entryID = e.ID
		s.refreshCache(ctx, tx, w.ID)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return entryID, nil
}

// CreateHold reserves available balance for an external order. The available
// check and the insert share the transaction and the wallet row lock, so
// concurrent holds cannot jointly overdraw. An unexpired active hold for the
// same (provider, external order) is returned as-is rather than stacked.
func (s *CreditService) CreateHold(ctx context.Context, in HoldInput) (*model.Hold, error) {
	if in.AmountMinor <= 0 {
		return nil, ErrInvalidAmount
	}
	ttl := s.holds.HoldTTL(in.TTLSec)
	var hold *model.Hold
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.lockWallet(ctx, tx, in.OrganizationID, in.WalletID)
		if err != nil {
			return err
		}
		now := s.now()
		if existing, err := s.repo.FindActiveHold(ctx, tx, w.ID, in.Provider, in.ExternalOrderID, now); err != nil {
			return err
		} else if existing != nil {
			hold = existing
			return nil
		}
		b, err := s.balancesAt(ctx, tx, w.ID, now)
		if err != nil {
			return err
		}
		if b.AvailableMinor < in.AmountMinor {
			return &InsufficientFundsError{AvailableMinor: b.AvailableMinor, RequestedMinor: in.AmountMinor}
		}
		h := &model.Hold{
			WalletID:        w.ID,
			OrganizationID:  in.OrganizationID,
			Provider:        in.Provider,
			ExternalOrderID: in.ExternalOrderID,
			AmountMinor:     in.AmountMinor,
			Status:          model.HoldStatusActive,
			ExpiresAt:       now.Add(ttl),
		}
		if err := s.repo.CreateHold(ctx, tx, h); err != nil {
			return err
		}
		if err := s.emitEvent(ctx, tx, w.ID, "HoldCreated", map[string]interface{}{
			"hold_id": h.ID, "amount_minor": h.AmountMinor, "provider": h.Provider,
			"external_order_id": h.ExternalOrderID, "expires_at": h.ExpiresAt.Format(time.RFC3339),
		}); err != nil {
			return err
		}
		hold = h
		s.refreshCache(ctx, tx, w.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hold, nil
}

// ReleaseHold moves an active hold to released. Idempotent: a hold already in
// a terminal state reports changed=false with current balances instead of
// failing.
func (s *CreditService) ReleaseHold(ctx context.Context, orgID, holdID uint64) (bool, model.Balances, error) {
	var (
		changed  bool
		balances model.Balances
	)
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		h, err := s.repo.GetHoldForUpdate(ctx, tx, orgID, holdID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrHoldNotFound
			}
			return err
		}
		if _, err := s.repo.GetWalletForUpdate(ctx, tx, h.WalletID); err != nil {
			return err
		}
		if !h.Terminal() {
			changed, err = s.repo.TransitionHold(ctx, tx, h.ID, model.HoldStatusActive, model.HoldStatusReleased)
			if err != nil {
				return err
			}
		}
		if changed {
			if err := s.emitEvent(ctx, tx, h.WalletID, "HoldReleased", map[string]interface{}{
				"hold_id": h.ID, "amount_minor": h.AmountMinor,
			}); err != nil {
				return err
			}
		}
		balances, err = s.computeBalances(ctx, tx, h.WalletID)
		if err != nil {
			return err
		}
		s.refreshCacheValue(ctx, h.WalletID, balances)
		return nil
	})
	if err != nil {
		return false, model.Balances{}, err
	}
	return changed, balances, nil
}

// CaptureHold settles an active hold: the status flips to captured and a debit
// entry of the held amount lands in the ledger inside the same transaction.
// The entry's idempotency key is derived from the hold, so a replay after a
// crash between commit and response cannot double-debit.
func (s *CreditService) CaptureHold(ctx context.Context, orgID, holdID uint64) (uint64, model.Balances, error) {
	var (
		entryID  uint64
		balances model.Balances
	)
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		h, err := s.repo.GetHoldForUpdate(ctx, tx, orgID, holdID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrHoldNotFound
			}
			return err
		}
		if _, err := s.repo.GetWalletForUpdate(ctx, tx, h.WalletID); err != nil {
			return err
		}
		if h.Terminal() {
			return ErrHoldTerminal
		}
		if !h.ExpiresAt.After(s.now()) {
			// The reservation no longer backs the funds; settling it could
			// overdraw the wallet.
			return ErrHoldExpired
		}
		ok, err := s.repo.TransitionHold(ctx, tx, h.ID, model.HoldStatusActive, model.HoldStatusCaptured)
		if err != nil {
			return err
		}
		if !ok {
			return ErrHoldTerminal
		}
		captureKey := captureLedgerKey(h.ID)
		if existing, err := s.repo.FindLedgerByKey(ctx, tx, h.WalletID, captureKey); err != nil {
			return err
		} else if existing != nil {
			entryID = existing.ID
		} else {
			e := &model.LedgerEntry{
				WalletID:       h.WalletID,
				OrganizationID: orgID,
				Direction:      model.DirectionDebit,
				AmountMinor:    h.AmountMinor,
				Reason:         "hold_capture",
				Reference: marshalReference(map[string]interface{}{
					"hold_id": h.ID, "provider": h.Provider, "external_order_id": h.ExternalOrderID,
				}),
				IdempotencyKey: &captureKey,
			}
			if err := s.repo.CreateLedgerEntry(ctx, tx, e); err != nil {
				return err
			}
			entryID = e.ID
		}
		if err := s.emitEvent(ctx, tx, h.WalletID, "HoldCaptured", map[string]interface{}{
			"hold_id": h.ID, "entry_id": entryID, "amount_minor": h.AmountMinor,
		}); err != nil {
			return err
		}
		balances, err = s.computeBalances(ctx, tx, h.WalletID)
		if err != nil {
			return err
		}
		s.refreshCacheValue(ctx, h.WalletID, balances)
		return nil
	})
	if err != nil {
		return 0, model.Balances{}, err
	}
	return entryID, balances, nil
}

// lockWallet takes the wallet row lock and verifies organization ownership.
func (s *CreditService) lockWallet(ctx context.Context, tx *gorm.DB, orgID, walletID uint64) (*model.Wallet, error) {
	w, err := s.repo.GetWalletForUpdate(ctx, tx, walletID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	if w.OrganizationID != orgID {
		return nil, ErrWalletNotFound
	}
	return w, nil
}

func (s *CreditService) computeBalances(ctx context.Context, tx *gorm.DB, walletID uint64) (model.Balances, error) {
	return s.balancesAt(ctx, tx, walletID, s.now())
}

func (s *CreditService) balancesAt(ctx context.Context, tx *gorm.DB, walletID uint64, now time.Time) (model.Balances, error) {
	bal, err := s.repo.LedgerBalance(ctx, tx, walletID)
	if err != nil {
		return model.Balances{}, err
	}
	onHold, err := s.repo.ActiveHoldTotal(ctx, tx, walletID, now)
	if err != nil {
		return model.Balances{}, err
	}
	return model.Balances{
		BalanceMinor:   bal,
		OnHoldMinor:    onHold,
		AvailableMinor: bal - onHold,
	}, nil
}

func (s *CreditService) emitEvent(ctx context.Context, tx *gorm.DB, walletID uint64, eventType string, payload map[string]interface{}) error {
	payload["wallet_id"] = walletID
	raw, _ := json.Marshal(payload)
	evt := &model.OutboxEvent{
		Aggregate: "Wallet", AggregateID: walletID, EventType: eventType, Payload: string(raw),
	}
	return s.repo.CreateOutboxEvent(ctx, tx, evt)
}

// refreshCache recomputes inside the transaction and pushes the result to the
// display cache. Cache failures only warn.
func (s *CreditService) refreshCache(ctx context.Context, tx *gorm.DB, walletID uint64) {
	b, err := s.computeBalances(ctx, tx, walletID)
	if err != nil {
		s.log.Warnf("recompute balances wallet=%d: %v", walletID, err)
		return
	}
	s.refreshCacheValue(ctx, walletID, b)
}

func (s *CreditService) refreshCacheValue(ctx context.Context, walletID uint64, b model.Balances) {
	if err := s.repo.CacheBalances(ctx, walletID, b); err != nil {
		s.log.Warnf("cache balances wallet=%d: %v", walletID, err)
	}
}

func marshalReference(ref map[string]interface{}) string {
	if len(ref) == 0 {
		return "{}"
	}
	raw, _ := json.Marshal(ref)
	return string(raw)
}

func captureLedgerKey(holdID uint64) string {
	return "hold-capture-" + strconv.FormatUint(holdID, 10)
}

// Repo exposes underlying repository (unit tests helper).
func (s *CreditService) Repo() repo.RepositoryInterface {
	return s.repo
}
