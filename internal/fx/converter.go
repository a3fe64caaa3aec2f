package fx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/opencommerce/credits-service/internal/config"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrUnsupportedCurrency rejects codes outside the configured set; amounts are
// never silently treated as native.
var ErrUnsupportedCurrency = errors.New("unsupported currency")

// ErrQuoteUnavailable means no fresh quote could be fetched and the cached one
// (if any) aged past its TTL. Retryable.
var ErrQuoteUnavailable = errors.New("fx quote unavailable")

// Converter turns decimal amounts in supported currencies into the ledger's
// native integer minor units. Cross-rates come from a single external quote
// source through a short-TTL cache owned by the converter; there is no global
// state.
type Converter struct {
	cfg    config.FXConfig
	client *http.Client
	log    *zap.SugaredLogger

	mu        sync.Mutex
	rates     map[string]decimal.Decimal
	fetchedAt time.Time

	// now is injectable for deterministic tests.
	now func() time.Time
}

// NewConverter returns a Converter with an empty cache.
func NewConverter(cfg config.FXConfig, logger *zap.SugaredLogger) *Converter {
	return &Converter{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
		log:    logger,
		now:    time.Now,
	}
}

// ToLedgerMinor converts an amount in the given currency to native minor
// units, rounding to the nearest unit. Native amounts never touch the quote
// source.
func (c *Converter) ToLedgerMinor(ctx context.Context, amount decimal.Decimal, currency string) (int64, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return 0, ErrUnsupportedCurrency
	}
	if currency == c.cfg.NativeCurrency {
		return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart(), nil
	}
	if !c.supported(currency) {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	rate, err := c.rate(ctx, currency)
	if err != nil {
		return 0, err
	}
	// The quote source reports units of foreign currency per one native unit,
	// so native = amount / rate.
	native := amount.Div(rate)
	return native.Mul(decimal.NewFromInt(100)).Round(0).IntPart(), nil
}

func (c *Converter) supported(currency string) bool {
	for _, s := range c.cfg.Supported {
		if strings.EqualFold(s, currency) {
			return true
		}
	}
	return false
}

// rate serves from cache while fresh and refreshes lazily on expiry. A fetch
// failure with no fresh cache surfaces ErrQuoteUnavailable; a stale quote is
// never substituted past its TTL.
func (c *Converter) rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ttl := time.Duration(c.cfg.CacheTTLSec) * time.Second
	if c.rates == nil || c.now().Sub(c.fetchedAt) >= ttl {
		rates, err := c.fetch(ctx)
		if err != nil {
			c.log.Warnf("fx quote fetch: %v", err)
			return decimal.Zero, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
		}
		c.rates = rates
		c.fetchedAt = c.now()
	}
	rate, ok := c.rates[currency]
	if !ok || rate.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: no %s rate in quote", ErrQuoteUnavailable, currency)
	}
	return rate, nil
}

type quoteResponse struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

func (c *Converter) fetch(ctx context.Context) (map[string]decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.QuoteURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote source returned %d", resp.StatusCode)
	}
	var q quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return nil, err
	}
	if q.Base != "" && q.Base != c.cfg.NativeCurrency {
		return nil, fmt.Errorf("quote base %s does not match native %s", q.Base, c.cfg.NativeCurrency)
	}
	if len(q.Rates) == 0 {
		return nil, errors.New("quote carried no rates")
	}
	return q.Rates, nil
}
