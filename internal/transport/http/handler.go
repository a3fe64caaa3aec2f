package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opencommerce/credits-service/internal/fx"
	"github.com/opencommerce/credits-service/internal/model"
	"github.com/opencommerce/credits-service/internal/service"
	"github.com/shopspring/decimal"
)

func RegisterHandlers(r *gin.Engine, credits *service.CreditService, identity *service.IdentityService, converter *fx.Converter, guard gin.HandlerFunc) {
	v1 := r.Group("/v1")
	{
		v1.POST("/wallets", ensureWalletHandler(credits))
		v1.GET("/wallets/:id/balances", balancesHandler(credits))
		v1.GET("/wallets/:id/ledger", ledgerHandler(credits))
		v1.POST("/wallets/:id/entries", guard, insertEntryHandler(credits))
		v1.POST("/wallets/:id/holds", guard, createHoldHandler(credits))
		v1.POST("/holds/:id/release", guard, releaseHoldHandler(credits))
		v1.POST("/holds/:id/capture", guard, captureHoldHandler(credits))
		v1.POST("/sync-codes", createSyncCodeHandler(identity))
		v1.POST("/sync-codes/redeem", redeemSyncCodeHandler(identity))
		v1.GET("/identities/:provider/:providerUserId", resolveIdentityHandler(identity))
		v1.GET("/convert", convertHandler(converter))
	}
}

// orgID reads the organization resolved by the platform's routing/auth layer.
// That layer has already authenticated the caller; the header is trusted.
func orgID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.GetHeader("X-Organization-ID"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid organization"})
		return 0, false
	}
	return id, true
}

// writeError maps the service taxonomy onto status codes.
func writeError(c *gin.Context, err error) {
	var insufficient *service.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusConflict, gin.H{
			"error":           "insufficient funds",
			"available_minor": insufficient.AvailableMinor,
			"requested_minor": insufficient.RequestedMinor,
		})
	case errors.Is(err, service.ErrWalletNotFound),
		errors.Is(err, service.ErrHoldNotFound),
		errors.Is(err, service.ErrCodeNotFound),
		errors.Is(err, service.ErrIdentityNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrHoldTerminal),
		errors.Is(err, service.ErrHoldExpired),
		errors.Is(err, service.ErrCodeUsed),
		errors.Is(err, service.ErrCodeExpired):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidDirection),
		errors.Is(err, fx.ErrUnsupportedCurrency):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, fx.ErrQuoteUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// minorString renders integer minor units as a two-place decimal string; pure
// presentation, the core only ever stores integers.
func minorString(minor int64) string {
	return decimal.NewFromInt(minor).Div(decimal.NewFromInt(100)).StringFixed(2)
}

func balancesBody(b model.Balances) gin.H {
	return gin.H{
		"balance_minor":   b.BalanceMinor,
		"on_hold_minor":   b.OnHoldMinor,
		"available_minor": b.AvailableMinor,
		"balance":         minorString(b.BalanceMinor),
		"available":       minorString(b.AvailableMinor),
	}
}

type ensureWalletReq struct {
	UserID uint64 `json:"user_id" binding:"required"`
}

func ensureWalletHandler(svc *service.CreditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := orgID(c)
		if !ok {
			return
		}
		var req ensureWalletReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		w, err := svc.EnsureWallet(c, org, req.UserID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"wallet_id": w.ID, "organization_id": w.OrganizationID, "owner_user_id": w.OwnerUserID})
	}
}

func balancesHandler(svc *service.CreditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := orgID(c)
		if !ok {
			return
		}
		id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
		b, err := svc.GetBalances(c, org, id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, balancesBody(b))
	}
}

func ledgerHandler(svc *service.CreditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := orgID(c)
		if !ok {
			return
		}
		id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		sinceStr := c.DefaultQuery("since", time.Now().Add(-24*time.Hour).Format(time.RFC3339))
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		entries, err := svc.GetLedger(c, org, id, limit, since)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

type insertEntryReq struct {
	Direction      string                 `json:"direction" binding:"required"`
	AmountMinor    int64                  `json:"amount_minor" binding:"required"`
	Reason         string                 `json:"reason"`
	Reference      map[string]interface{} `json:"reference"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

func insertEntryHandler(svc *service.CreditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := orgID(c)
		if !ok {
			return
		}
		var req insertEntryReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
		entryID, err := svc.InsertLedgerEntry(c, service.LedgerInput{
			OrganizationID: org,
			WalletID:       id,
			Direction:      req.Direction,
			AmountMinor:    req.AmountMinor,
			Reason:         req.Reason,
			Reference:      req.Reference,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entry_id": entryID})
	}
}

type createHoldReq struct {
	Provider        string `json:"provider" binding:"required"`
	ExternalOrderID string `json:"external_order_id" binding:"required"`
	AmountMinor     int64  `json:"amount_minor" binding:"required"`
	TTLSec          int    `json:"ttl_sec"`
}

func createHoldHandler(svc *service.CreditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := orgID(c)
		if !ok {
			return
		}
		var req createHoldReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
		h, err := svc.CreateHold(c, service.HoldInput{
			OrganizationID:  org,
			WalletID:        id,
			Provider:        req.Provider,
			ExternalOrderID: req.ExternalOrderID,
			AmountMinor:     req.AmountMinor,
			TTLSec:          req.TTLSec,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"hold_id": h.ID, "expires_at": h.ExpiresAt.Format(time.RFC3339)})
	}
}

func releaseHoldHandler(svc *service.CreditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := orgID(c)
		if !ok {
			return
		}
		id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
		changed, balances, err := svc.ReleaseHold(c, org, id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"changed": changed, "balances": balancesBody(balances)})
	}
}

func captureHoldHandler(svc *service.CreditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := orgID(c)
		if !ok {
			return
		}
		id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
		entryID, balances, err := svc.CaptureHold(c, org, id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entry_id": entryID, "balances": balancesBody(balances)})
	}
}

type createSyncCodeReq struct {
	Provider       string `json:"provider" binding:"required"`
	ProviderUserID string `json:"provider_user_id" binding:"required"`
	Email          string `json:"email"`
}

func createSyncCodeHandler(svc *service.IdentityService) gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := orgID(c)
		if !ok {
			return
		}
		var req createSyncCodeReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := svc.CreateSyncCode(c, service.SyncCodeInput{
			OrganizationID: org,
			Provider:       req.Provider,
			ProviderUserID: req.ProviderUserID,
			Email:          req.Email,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		if res.Linked {
			c.JSON(http.StatusOK, gin.H{"linked": true})
			return
		}
		body := gin.H{"code": res.Code}
		if res.ExpiresAt != nil {
			body["expires_at"] = res.ExpiresAt.Format(time.RFC3339)
		}
		c.JSON(http.StatusOK, body)
	}
}

type redeemSyncCodeReq struct {
	Code   string `json:"code" binding:"required"`
	UserID uint64 `json:"user_id" binding:"required"`
}

func redeemSyncCodeHandler(svc *service.IdentityService) gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := orgID(c)
		if !ok {
			return
		}
		var req redeemSyncCodeReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := svc.RedeemSyncCode(c, org, req.Code, req.UserID); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func resolveIdentityHandler(svc *service.IdentityService) gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := orgID(c)
		if !ok {
			return
		}
		id, err := svc.ResolveIdentity(c, org, c.Param("provider"), c.Param("providerUserId"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": id.UserID, "email": id.Email})
	}
}

func convertHandler(converter *fx.Converter) gin.HandlerFunc {
	return func(c *gin.Context) {
		amt, err := decimal.NewFromString(c.Query("amount"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		minor, err := converter.ToLedgerMinor(c, amt, c.Query("currency"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"amount_minor": minor})
	}
}
