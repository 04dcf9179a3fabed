package appointment

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/config"
	"github.com/hackgods/telemed-booking/internal/notify"
	"github.com/hackgods/telemed-booking/internal/paymob"
	"github.com/hackgods/telemed-booking/internal/pricing"
	redisclient "github.com/hackgods/telemed-booking/internal/redis"
)

const testHMACSecret = "test-hmac-secret"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memLocker mimics the Redis locker: a held key makes other callers fail
// fast with ErrLockNotAcquired.
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker {
	return &memLocker{held: map[string]bool{}}
}

func (l *memLocker) with(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.held[key] {
		l.mu.Unlock()
		return redisclient.ErrLockNotAcquired
	}
	l.held[key] = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return fn(ctx)
}

func (l *memLocker) WithSlotLock(ctx context.Context, slotID int64, fn func(ctx context.Context) error) error {
	return l.with(ctx, "slot:"+strconv.FormatInt(slotID, 10), fn)
}

func (l *memLocker) WithLeaderLock(ctx context.Context, name string, _ time.Duration, fn func(ctx context.Context) error) error {
	return l.with(ctx, "leader:"+name, fn)
}

// openLocker never refuses, leaving all mutual exclusion to the store.
type openLocker struct{}

func (openLocker) WithSlotLock(ctx context.Context, _ int64, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (openLocker) WithLeaderLock(ctx context.Context, _ string, _ time.Duration, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) GetAuthToken(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) CreateOrder(ctx context.Context, authToken string, amountCents int64, currency, merchantOrderID string) (int64, error) {
	args := m.Called(ctx, authToken, amountCents, currency, merchantOrderID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockGateway) GetPaymentKey(ctx context.Context, authToken string, orderID, amountCents int64, currency string, billing paymob.BillingData, expiry time.Duration) (string, error) {
	args := m.Called(ctx, authToken, orderID, amountCents, currency, billing, expiry)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) Refund(ctx context.Context, transactionID string, amountCents int64) error {
	args := m.Called(ctx, transactionID, amountCents)
	return args.Error(0)
}

func (m *mockGateway) CheckoutURL(paymentToken string) string {
	return "https://pay.test/iframes/1?payment_token=" + paymentToken
}

func (m *mockGateway) expectCheckout() {
	m.On("GetAuthToken", mock.Anything).Return("auth-tok", nil)
	m.On("CreateOrder", mock.Anything, "auth-tok", int64(62500), "EGP", mock.AnythingOfType("string")).Return(int64(991), nil)
	m.On("GetPaymentKey", mock.Anything, "auth-tok", int64(991), int64(62500), "EGP", mock.Anything, mock.Anything).Return("pay-key", nil)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) all() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.sent...)
}

type fixedPrices struct {
	amount decimal.Decimal
	err    error
}

func (f fixedPrices) Resolve(_ context.Context, doctorID int64, service, _ string) (pricing.Quote, error) {
	if f.err != nil {
		return pricing.Quote{}, f.err
	}
	return pricing.Quote{
		DoctorID:           doctorID,
		Service:            service,
		Price:              f.amount,
		Currency:           "EGP",
		Amount:             f.amount,
		SettlementCurrency: "EGP",
	}, nil
}

type fixture struct {
	store    *memStore
	svc      *Service
	slots    *SlotService
	gw       *mockGateway
	notifier *recordingNotifier
	clock    *fakeClock
	patient  Patient
	doctor   Doctor
	slot     Slot
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &fakeClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	store := newMemStore()
	store.now = clock.now

	f := &fixture{
		store:    store,
		gw:       &mockGateway{},
		notifier: &recordingNotifier{},
		clock:    clock,
	}

	f.patient = store.addPatient(Patient{FullName: "Mona Adel", Email: "mona@example.com", Country: "Egypt"})
	f.doctor = store.addDoctor(Doctor{FullName: "Karim Nabil", Email: "karim@example.com", RefundEnabled: true, RefundThresholdHours: 24})
	start := clock.now().Add(48 * time.Hour)
	f.slot = store.addSlot(Slot{
		DoctorID:  f.doctor.ID,
		Date:      start.Truncate(24 * time.Hour),
		StartTime: start,
		EndTime:   start.Add(30 * time.Minute),
		Chat:      true,
		Voice:     true,
	})

	cfg := config.Config{
		ReservationGrace: 15 * time.Minute,
		Paymob:           config.PaymobConfig{HMACSecret: testHMACSecret},
	}
	f.svc = NewService(store, newMemLocker(), fixedPrices{amount: decimal.NewFromInt(625)}, f.gw, f.notifier, cfg, zap.NewNop())
	f.svc.now = clock.now
	f.slots = NewSlotService(store, zap.NewNop())
	f.slots.now = clock.now
	return f
}

// reserve books the fixture slot and returns the reservation.
func (f *fixture) reserve(t *testing.T) *Reservation {
	t.Helper()
	res, err := f.svc.ReserveSlot(context.Background(), f.patient.ID, f.slot.ID, ServiceChat)
	require.NoError(t, err)
	return res
}

type callbackOpts struct {
	txnID      int64
	success    bool
	refunded   bool
	amount     int64
	merchantID string
}

func callbackBody(t *testing.T, o callbackOpts) []byte {
	t.Helper()
	if o.amount == 0 {
		o.amount = 62500
	}
	body, err := json.Marshal(map[string]any{
		"type": "TRANSACTION",
		"obj": map[string]any{
			"id":                     o.txnID,
			"pending":                false,
			"amount_cents":           o.amount,
			"success":                o.success,
			"is_auth":                false,
			"is_capture":             false,
			"is_standalone_payment":  true,
			"is_voided":              false,
			"is_refunded":            o.refunded,
			"is_3d_secure":           true,
			"integration_id":         4097558,
			"has_parent_transaction": o.refunded,
			"order":                  map[string]any{"id": 991, "merchant_order_id": o.merchantID},
			"created_at":             "2025-03-10T09:05:00.000000",
			"currency":               "EGP",
			"source_data":            map[string]any{"pan": "2346", "type": "card", "sub_type": "MasterCard"},
			"error_occured":          false,
			"owner":                  302852,
		},
	})
	require.NoError(t, err)
	return body
}

// deliver signs body with the test secret and hands it to HandleCallback.
func (f *fixture) deliver(t *testing.T, body []byte) error {
	t.Helper()
	return f.svc.HandleCallback(context.Background(), body, paymob.Sign(body, testHMACSecret))
}
