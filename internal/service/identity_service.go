package service

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"time"

	"github.com/opencommerce/credits-service/internal/config"
	"github.com/opencommerce/credits-service/internal/model"
	"github.com/opencommerce/credits-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// IdentityService links external storefront users to internal wallet owners
// through one-time sync codes.
type IdentityService struct {
	repo repo.RepositoryInterface
	cfg  config.IdentityConfig
	log  *zap.SugaredLogger
	now  func() time.Time
}

// NewIdentityService returns IdentityService.
func NewIdentityService(r repo.RepositoryInterface, cfg config.IdentityConfig, logger *zap.SugaredLogger) *IdentityService {
	return &IdentityService{repo: r, cfg: cfg, log: logger, now: time.Now}
}

// SyncCodeInput identifies the provider-side user asking to link.
type SyncCodeInput struct {
	OrganizationID uint64
	Provider       string
	ProviderUserID string
	Email          string
}

// SyncCodeResult is either an already-linked signal or a code to hand to the
// user.
type SyncCodeResult struct {
	Linked    bool
	Code      string
	ExpiresAt *time.Time
}

// Codes avoid 0/O and 1/I so they survive being read aloud or typed.
const codeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const codeLength = 8

const mintAttempts = 5

// CreateSyncCode issues (or re-issues) a linking code for a provider identity.
// An already-linked identity short-circuits; an existing active code is reused
// after renormalizing its expiry to the current policy; otherwise a fresh code
// is minted with collision retry on the unique code column. Each mint attempt
// is its own insert so a unique violation does not poison a surrounding
// transaction.
func (s *IdentityService) CreateSyncCode(ctx context.Context, in SyncCodeInput) (*SyncCodeResult, error) {
	db := s.repo.DB(ctx)
	if id, err := s.repo.FindIdentity(ctx, db, in.OrganizationID, in.Provider, in.ProviderUserID); err != nil {
		return nil, err
	} else if id != nil {
		return &SyncCodeResult{Linked: true}, nil
	}
	existing, err := s.repo.FindActiveSyncCode(ctx, db, in.OrganizationID, in.Provider, in.ProviderUserID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.ExpiresAt = s.expiryHorizon()
		if in.Email != "" {
			existing.Email = in.Email
		}
		if err := s.repo.SaveSyncCode(ctx, db, existing); err != nil {
			return nil, err
		}
		return &SyncCodeResult{Code: existing.Code, ExpiresAt: existing.ExpiresAt}, nil
	}
	sc := &model.SyncCode{
		OrganizationID: in.OrganizationID,
		Provider:       in.Provider,
		ProviderUserID: in.ProviderUserID,
		Email:          in.Email,
		Status:         model.SyncCodeStatusActive,
		ExpiresAt:      s.expiryHorizon(),
	}
	for attempt := 0; ; attempt++ {
		code, err := generateCode()
		if err != nil {
			return nil, err
		}
		sc.Code = code
		if err := s.repo.CreateSyncCode(ctx, db, sc); err != nil {
			if attempt+1 < mintAttempts {
				s.log.Warnf("sync code collision, retrying: %v", err)
				continue
			}
			return nil, err
		}
		break
	}
	return &SyncCodeResult{Code: sc.Code, ExpiresAt: sc.ExpiresAt}, nil
}

// RedeemSyncCode consumes a code on behalf of an internal user: the status
// flip and the identity upsert commit together, so a code can never read as
// used while the link is missing. Re-redeeming with the same resulting user
// converges; a code spent by someone else is a conflict.
func (s *IdentityService) RedeemSyncCode(ctx context.Context, orgID uint64, code string, userID uint64) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return ErrCodeNotFound
	}
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		sc, err := s.repo.GetSyncCodeForUpdate(ctx, tx, orgID, code)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCodeNotFound
			}
			return err
		}
		if sc.Status == model.SyncCodeStatusUsed {
			if sc.UserID != nil && *sc.UserID == userID {
				return nil
			}
			return ErrCodeUsed
		}
		if sc.ExpiresAt != nil && !sc.ExpiresAt.After(s.now()) {
			return ErrCodeExpired
		}
		sc.Status = model.SyncCodeStatusUsed
		sc.UserID = &userID
		if err := s.repo.SaveSyncCode(ctx, tx, sc); err != nil {
			return err
		}
		return s.repo.UpsertIdentity(ctx, tx, &model.ExternalIdentity{
			OrganizationID: orgID,
			Provider:       sc.Provider,
			ProviderUserID: sc.ProviderUserID,
			UserID:         userID,
			Email:          sc.Email,
		})
	})
}

// ResolveIdentity maps a provider user to the linked internal user, for the
// storefront flow that needs a wallet owner before touching the ledger.
func (s *IdentityService) ResolveIdentity(ctx context.Context, orgID uint64, provider, providerUserID string) (*model.ExternalIdentity, error) {
	id, err := s.repo.FindIdentity(ctx, s.repo.DB(ctx), orgID, provider, providerUserID)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, ErrIdentityNotFound
	}
	return id, nil
}

func (s *IdentityService) expiryHorizon() *time.Time {
	ttl, ok := s.cfg.CodeTTL()
	if !ok {
		return nil
	}
	t := s.now().Add(ttl)
	return &t
}

func generateCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeCharset[int(b)%len(codeCharset)]
	}
	return string(buf), nil
}
