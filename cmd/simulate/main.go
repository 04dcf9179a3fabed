package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/api"
	"github.com/hackgods/telemed-booking/internal/appointment"
	"github.com/hackgods/telemed-booking/internal/config"
	"github.com/hackgods/telemed-booking/internal/db"
	"github.com/hackgods/telemed-booking/internal/logger"
	"github.com/hackgods/telemed-booking/internal/paymob"
)

// SimConfig drives a load run against a live api-server. Bookings target a
// small slot pool on purpose so patients collide on the same slots.
type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	PayRatio     float64
	CancelRatio  float64
	FailureRatio float64 // share of simulated payments that fail
	PatientLimit int
	SlotLimit    int
	PostgresDSN  string
	Pool         db.PoolOptions
	JWTSecret    string
	HMACSecret   string
}

type booking struct {
	AppointmentID int64
	PatientID     int64
}

type DataPool struct {
	Patients []int64
	Slots    []int64

	mu       sync.Mutex
	bookings []booking
}

func (dp *DataPool) addBooking(b booking) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.bookings = append(dp.bookings, b)
}

// takeBooking removes and returns a random booking so two workers never pay
// or cancel the same one concurrently.
func (dp *DataPool) takeBooking(rng *rand.Rand) (booking, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.bookings) == 0 {
		return booking{}, false
	}
	i := rng.Intn(len(dp.bookings))
	b := dp.bookings[i]
	dp.bookings[i] = dp.bookings[len(dp.bookings)-1]
	dp.bookings = dp.bookings[:len(dp.bookings)-1]
	return b, true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	mu        sync.Mutex
	latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err == nil && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case err == nil && status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) percentile(p int) time.Duration {
	om.mu.Lock()
	defer om.mu.Unlock()
	if len(om.latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), om.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	pg      *pgxpool.Pool
	client  *http.Client
	log     *zap.Logger
	tokens  sync.Map // patient id -> bearer token
	metrics map[string]*OperationMetrics
}

func main() {
	log, err := logger.New("dev", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	if err := run(log); err != nil {
		logger.Exit(log, "simulation failed", err)
	}
	_ = log.Sync()
}

func run(log *zap.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	log.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Int("slots", cfg.SlotLimit),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, cfg.Pool)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		return fmt.Errorf("load data pool: %w", err)
	}
	log.Info("data loaded", zap.Int("patients", len(dataPool.Patients)), zap.Int("slots", len(dataPool.Slots)))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		pg:     pgPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
		metrics: map[string]*OperationMetrics{
			"book":   {},
			"pay":    {},
			"cancel": {},
			"read":   {},
		},
	}

	sim.Run()
	sim.PrintReport()

	if err := sim.checkNoDoubleBooking(context.Background()); err != nil {
		return fmt.Errorf("consistency check failed: %w", err)
	}
	log.Info("consistency check passed: no slot holds more than one active appointment")
	return nil
}

func loadConfig() (SimConfig, error) {
	base, err := config.Load()
	if err != nil {
		return SimConfig{}, fmt.Errorf("load base config: %w", err)
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:"+base.HTTPPort),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 20),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.5),
		PayRatio:     getFloat("SIM_PAY_RATIO", 0.25),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.05),
		FailureRatio: getFloat("SIM_FAILURE_RATIO", 0.2),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 2000),
		SlotLimit:    getInt("SIM_SLOT_LIMIT", 200),
		PostgresDSN:  base.PostgresDSN,
		Pool:         db.PoolOptions{MaxConns: base.PostgresMaxConn, MinConns: base.PostgresMinConn},
		JWTSecret:    base.JWTSecret,
		HMACSecret:   base.Paymob.HMACSecret,
	}
	if cfg.Workers <= 0 {
		return cfg, fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return cfg, fmt.Errorf("SIM_DURATION must be > 0")
	}
	return cfg, nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dp := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id FROM patients ORDER BY id LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dp.Patients = append(dp.Patients, id)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `
		SELECT id FROM slots
		WHERE status = 'AVAILABLE' AND chat AND start_time > now()
		ORDER BY start_time
		LIMIT $1
	`, cfg.SlotLimit)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dp.Slots = append(dp.Slots, id)
	}
	rows.Close()

	if len(dp.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded, run cmd/seed first")
	}
	if len(dp.Slots) == 0 {
		return nil, fmt.Errorf("no chat slots available, run cmd/seed first")
	}
	return dp, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng)
		case r < s.config.BookingRatio+s.config.PayRatio:
			s.doPay(ctx, rng)
		case r < s.config.BookingRatio+s.config.PayRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		default:
			s.doRead(ctx, rng)
		}
	}
}

func (s *Simulator) token(patientID int64) (string, error) {
	if tok, ok := s.tokens.Load(patientID); ok {
		return tok.(string), nil
	}
	caller := appointment.Caller{ID: patientID, Role: appointment.RolePatient}
	tok, err := api.IssueToken(s.config.JWTSecret, caller, 2*s.config.Duration+time.Hour, time.Now())
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	s.tokens.Store(patientID, tok)
	return tok, nil
}

func (s *Simulator) call(ctx context.Context, method, path string, patientID int64, body []byte) (int, []byte, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if patientID > 0 {
		tok, err := s.token(patientID)
		if err != nil {
			return 0, nil, 0, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, nil, latency, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, data, latency, err
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	slotID := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	body, _ := json.Marshal(api.CreateAppointmentRequest{SlotID: slotID, ServiceType: string(appointment.ServiceChat)})
	status, data, latency, err := s.call(ctx, http.MethodPost, "/appointments", patientID, body)

	// A gateway outage still leaves a held reservation to pay for.
	switch {
	case err == nil && status == http.StatusCreated:
		var resp api.ReservationResponse
		if json.Unmarshal(data, &resp) == nil {
			s.pool.addBooking(booking{AppointmentID: resp.Appointment.ID, PatientID: patientID})
		}
	case err == nil && status == http.StatusBadGateway:
		var resp api.ErrorResponse
		if json.Unmarshal(data, &resp) == nil && resp.AppointmentID > 0 {
			s.pool.addBooking(booking{AppointmentID: resp.AppointmentID, PatientID: patientID})
			status = http.StatusCreated
		}
	}
	s.metrics["book"].Record(latency, status, err)
}

// doPay plays the gateway: it signs a transaction callback for a booking's
// payment and posts it to the webhook.
func (s *Simulator) doPay(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.takeBooking(rng)
	if !ok {
		return
	}

	var (
		paymentID int64
		amount    string
		currency  string
	)
	err := s.pg.QueryRow(ctx, `
		SELECT id, amount::text, currency FROM payments WHERE appointment_id = $1
	`, b.AppointmentID).Scan(&paymentID, &amount, &currency)
	if err != nil {
		return
	}
	cents := paymob.ToCents(decimal.RequireFromString(amount))

	success := rng.Float64() >= s.config.FailureRatio
	payload, _ := json.Marshal(map[string]any{
		"type": "TRANSACTION",
		"obj": map[string]any{
			"id":                     rng.Int63n(1 << 40),
			"pending":                false,
			"amount_cents":           cents,
			"success":                success,
			"is_auth":                false,
			"is_capture":             false,
			"is_standalone_payment":  true,
			"is_voided":              false,
			"is_refunded":            false,
			"is_3d_secure":           true,
			"integration_id":         1,
			"has_parent_transaction": false,
			"order":                  map[string]any{"id": paymentID, "merchant_order_id": paymob.MerchantOrderID(paymentID, time.Now())},
			"created_at":             time.Now().UTC().Format("2006-01-02T15:04:05.000000"),
			"currency":               strings.TrimSpace(currency),
			"source_data":            map[string]any{"pan": "2346", "type": "card", "sub_type": "MasterCard"},
			"error_occured":          !success,
			"owner":                  1,
		},
	})

	path := "/payment/callback?hmac=" + paymob.Sign(payload, s.config.HMACSecret)
	status, _, latency, err := s.call(ctx, http.MethodPost, path, 0, payload)
	s.metrics["pay"].Record(latency, status, err)

	if success && err == nil && status == http.StatusOK {
		s.pool.addBooking(b)
	}
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.takeBooking(rng)
	if !ok {
		return
	}
	status, _, latency, err := s.call(ctx, http.MethodPost, "/appointments/"+strconv.FormatInt(b.AppointmentID, 10)+"/cancel", b.PatientID, nil)
	s.metrics["cancel"].Record(latency, status, err)
}

func (s *Simulator) doRead(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	status, _, latency, err := s.call(ctx, http.MethodGet, "/appointments?limit=10", patientID, nil)
	s.metrics["read"].Record(latency, status, err)
}

func (s *Simulator) checkNoDoubleBooking(ctx context.Context) error {
	var doubled int
	err := s.pg.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT slot_id FROM appointments
			WHERE slot_id IS NOT NULL AND status IN ('PENDING_PAYMENT', 'CONFIRMED')
			GROUP BY slot_id HAVING count(*) > 1
		) d
	`).Scan(&doubled)
	if err != nil {
		return fmt.Errorf("query double bookings: %w", err)
	}
	if doubled > 0 {
		return fmt.Errorf("%d slots hold more than one active appointment", doubled)
	}
	return nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 72))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 72))
	fmt.Printf("Duration: %s  Workers: %d  Slots: %d\n\n", s.config.Duration, s.config.Workers, len(s.pool.Slots))

	for _, name := range []string{"book", "pay", "cancel", "read"} {
		om := s.metrics[name]
		total := atomic.LoadInt64(&om.Total)
		if total == 0 {
			continue
		}
		fmt.Printf("%s: total=%d ok=%d conflict=%d error=%d p50=%s p95=%s\n",
			name, total,
			atomic.LoadInt64(&om.Success),
			atomic.LoadInt64(&om.Conflict),
			atomic.LoadInt64(&om.Error),
			om.percentile(50), om.percentile(95),
		)
	}
	fmt.Println(strings.Repeat("=", 72))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return def
}

func getInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return def
}
