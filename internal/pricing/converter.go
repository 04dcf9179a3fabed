package pricing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrUnsupportedCurrency = errors.New("unsupported currency")

// RateCache holds "one unit of currency X in the target currency" rates.
type RateCache interface {
	Get(ctx context.Context) (map[string]decimal.Decimal, bool, error)
	Set(ctx context.Context, rates map[string]decimal.Decimal, ttl time.Duration) error
}

// ExchangeRateConverter converts through an exchangerate-api style endpoint:
// GET {base}/{key}/latest/{target} returning rates relative to target.
type ExchangeRateConverter struct {
	baseURL string
	apiKey  string
	target  string
	ttl     time.Duration
	cache   RateCache
	client  *http.Client
	log     *zap.Logger
}

type ConverterOptions struct {
	BaseURL    string
	APIKey     string
	Target     string
	TTL        time.Duration
	Cache      RateCache
	HTTPClient *http.Client
}

func NewExchangeRateConverter(opts ConverterOptions, log *zap.Logger) *ExchangeRateConverter {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryRateCache()
	}
	return &ExchangeRateConverter{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		target:  strings.ToUpper(opts.Target),
		ttl:     opts.TTL,
		cache:   opts.Cache,
		client:  opts.HTTPClient,
		log:     log,
	}
}

func (c *ExchangeRateConverter) Target() string { return c.target }

func (c *ExchangeRateConverter) Convert(ctx context.Context, amount decimal.Decimal, from string) (decimal.Decimal, error) {
	from = strings.ToUpper(from)
	if from == c.target {
		return amount.Round(2), nil
	}

	rates, err := c.rates(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	rate, ok := rates[from]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, from)
	}
	return amount.Mul(rate).Round(2), nil
}

// Warm loads rates into the cache unless it already holds them, so the
// first quote after startup does not wait on the provider.
func (c *ExchangeRateConverter) Warm(ctx context.Context) error {
	_, err := c.rates(ctx)
	return err
}

func (c *ExchangeRateConverter) rates(ctx context.Context) (map[string]decimal.Decimal, error) {
	cached, ok, err := c.cache.Get(ctx)
	if err != nil {
		c.log.Warn("rate cache read failed, fetching fresh rates", zap.Error(err))
	}
	if ok {
		return cached, nil
	}

	c.log.Info("fetching fresh currency rates", zap.String("target", c.target))
	fresh, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.cache.Set(ctx, fresh, c.ttl); err != nil {
		c.log.Warn("rate cache write failed", zap.Error(err))
	}
	return fresh, nil
}

type latestRatesResponse struct {
	Result          string                     `json:"result"`
	ErrorType       string                     `json:"error-type"`
	ConversionRates map[string]decimal.Decimal `json:"conversion_rates"`
}

// fetch returns inverted rates: the provider quotes how much of X one unit
// of target buys, we need how much target one unit of X is worth.
func (c *ExchangeRateConverter) fetch(ctx context.Context) (map[string]decimal.Decimal, error) {
	url := fmt.Sprintf("%s/%s/latest/%s", c.baseURL, c.apiKey, c.target)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build rates request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch rates: unexpected status %d", resp.StatusCode)
	}

	var body latestRatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode rates: %w", err)
	}
	if body.Result != "success" {
		return nil, fmt.Errorf("fetch rates: provider result %q %s", body.Result, body.ErrorType)
	}

	out := make(map[string]decimal.Decimal, len(body.ConversionRates))
	for cur, r := range body.ConversionRates {
		if r.IsZero() {
			continue
		}
		out[strings.ToUpper(cur)] = decimal.NewFromInt(1).Div(r)
	}
	return out, nil
}

// MemoryRateCache is a process-local RateCache.
type MemoryRateCache struct {
	mu        sync.Mutex
	rates     map[string]decimal.Decimal
	expiresAt time.Time
	now       func() time.Time
}

func NewMemoryRateCache() *MemoryRateCache {
	return &MemoryRateCache{now: time.Now}
}

func (m *MemoryRateCache) Get(_ context.Context) (map[string]decimal.Decimal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rates == nil || !m.now().Before(m.expiresAt) {
		return nil, false, nil
	}
	return m.rates, true, nil
}

func (m *MemoryRateCache) Set(_ context.Context, rates map[string]decimal.Decimal, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates = rates
	m.expiresAt = m.now().Add(ttl)
	return nil
}
