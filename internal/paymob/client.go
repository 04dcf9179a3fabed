package paymob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// APIError is returned for any non-2xx gateway response.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("paymob %s: status %d: %s", e.Op, e.Status, e.Body)
}

type Options struct {
	BaseURL       string
	APIKey        string
	IntegrationID int64
	IframeURL     string
	RPS           int
	HTTPClient    *http.Client
	// KeyExpiration caps how long an issued payment key stays usable.
	KeyExpiration time.Duration
}

const defaultKeyExpiration = 15 * time.Minute

// Client talks to the Accept API: auth token, order registration, payment
// key issuance and refunds. Outbound calls share one token bucket.
type Client struct {
	baseURL       string
	apiKey        string
	integrationID int64
	iframeURL     string
	keyExpiration time.Duration
	http          *http.Client
	limiter       *rate.Limiter
	log           *zap.Logger
}

func NewClient(opts Options, log *zap.Logger) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.RPS <= 0 {
		opts.RPS = 5
	}
	if opts.KeyExpiration <= 0 {
		opts.KeyExpiration = defaultKeyExpiration
	}
	return &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		apiKey:        opts.APIKey,
		integrationID: opts.IntegrationID,
		iframeURL:     opts.IframeURL,
		keyExpiration: opts.KeyExpiration,
		http:          opts.HTTPClient,
		limiter:       rate.NewLimiter(rate.Limit(opts.RPS), opts.RPS),
		log:           log,
	}
}

// BillingData is required by the payment key endpoint; blank fields are sent as "NA".
type BillingData struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number"`
	Apartment   string `json:"apartment"`
	Floor       string `json:"floor"`
	Street      string `json:"street"`
	Building    string `json:"building"`
	City        string `json:"city"`
	Country     string `json:"country"`
	State       string `json:"state"`
	PostalCode  string `json:"postal_code"`
}

func (b BillingData) withDefaults() BillingData {
	for _, f := range []*string{
		&b.FirstName, &b.LastName, &b.Email, &b.PhoneNumber, &b.Apartment, &b.Floor,
		&b.Street, &b.Building, &b.City, &b.Country, &b.State, &b.PostalCode,
	} {
		if strings.TrimSpace(*f) == "" {
			*f = "NA"
		}
	}
	return b
}

// ToCents converts a major-unit amount to the integer cents the API expects.
func ToCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func (c *Client) GetAuthToken(ctx context.Context) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.post(ctx, "auth token", "/api/auth/tokens", "", map[string]any{"api_key": c.apiKey}, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("paymob auth token: empty token")
	}
	return out.Token, nil
}

func (c *Client) CreateOrder(ctx context.Context, authToken string, amountCents int64, currency, merchantOrderID string) (int64, error) {
	body := map[string]any{
		"auth_token":        authToken,
		"delivery_needed":   false,
		"merchant_order_id": merchantOrderID,
		"amount_cents":      amountCents,
		"currency":          currency,
		"items":             []any{},
	}
	var out struct {
		ID int64 `json:"id"`
	}
	if err := c.post(ctx, "create order", "/api/ecommerce/orders", authToken, body, &out); err != nil {
		return 0, err
	}
	if out.ID == 0 {
		return 0, fmt.Errorf("paymob create order: missing order id")
	}
	return out.ID, nil
}

// GetPaymentKey issues the key the hosted checkout is opened with. The key
// expires after expiry, or after the client's KeyExpiration when expiry is
// zero or longer.
func (c *Client) GetPaymentKey(ctx context.Context, authToken string, orderID, amountCents int64, currency string, billing BillingData, expiry time.Duration) (string, error) {
	body := map[string]any{
		"auth_token":     authToken,
		"amount_cents":   amountCents,
		"expiration":     c.expirationSeconds(expiry),
		"order_id":       orderID,
		"currency":       currency,
		"integration_id": c.integrationID,
		"billing_data":   billing.withDefaults(),
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := c.post(ctx, "payment key", "/api/acceptance/payment_keys", authToken, body, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("paymob payment key: empty token")
	}
	return out.Token, nil
}

func (c *Client) expirationSeconds(expiry time.Duration) int64 {
	if expiry <= 0 || expiry > c.keyExpiration {
		expiry = c.keyExpiration
	}
	secs := int64(expiry / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Refund refunds amountCents of a captured transaction.
func (c *Client) Refund(ctx context.Context, transactionID string, amountCents int64) error {
	authToken, err := c.GetAuthToken(ctx)
	if err != nil {
		return err
	}

	body := map[string]any{
		"auth_token":     authToken,
		"transaction_id": transactionID,
		"amount_cents":   amountCents,
	}
	var out struct {
		Success bool `json:"success"`
	}
	if err := c.post(ctx, "refund", "/api/acceptance/void_refund/refund", authToken, body, &out); err != nil {
		return err
	}
	if !out.Success {
		return &APIError{Op: "refund", Status: http.StatusOK, Body: "refund not successful"}
	}
	c.log.Info("paymob refund accepted",
		zap.String("transaction_id", transactionID),
		zap.Int64("amount_cents", amountCents),
	)
	return nil
}

// CheckoutURL builds the hosted iframe URL for a payment key.
func (c *Client) CheckoutURL(paymentToken string) string {
	return c.iframeURL + "?payment_token=" + url.QueryEscape(paymentToken)
}

func (c *Client) post(ctx context.Context, op, path, bearer string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("paymob %s: rate limiter: %w", op, err)
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("paymob %s: marshal: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("paymob %s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("paymob %s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("paymob %s: read body: %w", op, err)
	}

	c.log.Debug("paymob call",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Op: op, Status: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("paymob %s: decode: %w", op, err)
	}
	return nil
}
