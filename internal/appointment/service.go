package appointment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/config"
	"github.com/hackgods/telemed-booking/internal/notify"
	"github.com/hackgods/telemed-booking/internal/paymob"
	"github.com/hackgods/telemed-booking/internal/pricing"
	redisclient "github.com/hackgods/telemed-booking/internal/redis"
)

const (
	EventTypeReserved   = "APPOINTMENT_RESERVED"
	EventTypeConfirmed  = "APPOINTMENT_CONFIRMED"
	EventTypeFailed     = "PAYMENT_FAILED"
	EventTypeExpired    = "RESERVATION_EXPIRED"
	EventTypeCancelled  = "APPOINTMENT_CANCELLED"
	EventTypeRefunded   = "PAYMENT_REFUNDED"
	EventTypeRefundFail = "REFUND_FAILED"
	EventTypeCompleted  = "APPOINTMENT_COMPLETED"
	EventTypeNoShow     = "APPOINTMENT_NO_SHOW"

	EventTypeUnmatchedCharge = "UNMATCHED_CHARGE"
)

const (
	defaultNotifyTimeout = 5 * time.Second

	// minCheckoutWindow is the least reservation time left for which a
	// payment key is still issued.
	minCheckoutWindow = time.Minute
)

// PriceResolver quotes a service for a patient's country in the settlement
// currency.
type PriceResolver interface {
	Resolve(ctx context.Context, doctorID int64, service, country string) (pricing.Quote, error)
}

// Gateway is the hosted checkout the patient pays through.
type Gateway interface {
	GetAuthToken(ctx context.Context) (string, error)
	CreateOrder(ctx context.Context, authToken string, amountCents int64, currency, merchantOrderID string) (int64, error)
	GetPaymentKey(ctx context.Context, authToken string, orderID, amountCents int64, currency string, billing paymob.BillingData, expiry time.Duration) (string, error)
	Refund(ctx context.Context, transactionID string, amountCents int64) error
	CheckoutURL(paymentToken string) string
}

type Service struct {
	repo     Repository
	locker   redisclient.Locker
	prices   PriceResolver
	gateway  Gateway
	notifier notify.Notifier
	cfg      config.Config
	log      *zap.Logger
	now      func() time.Time

	notifyTimeout time.Duration
}

func NewService(
	repo Repository,
	locker redisclient.Locker,
	prices PriceResolver,
	gateway Gateway,
	notifier notify.Notifier,
	cfg config.Config,
	log *zap.Logger,
) *Service {
	return &Service{
		repo:     repo,
		locker:   locker,
		prices:   prices,
		gateway:  gateway,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		now:      time.Now,

		notifyTimeout: defaultNotifyTimeout,
	}
}

// ReserveSlot holds slotID for a patient and starts a checkout for it.
//
// The slot flip and the PENDING_PAYMENT appointment commit together. The
// payment row and gateway checkout come after that commit; if they fail the
// caller gets ErrGateway along with the partial reservation, which the
// reclaim sweep releases once the grace period is over.
func (s *Service) ReserveSlot(ctx context.Context, patientID, slotID int64, service ServiceType) (*Reservation, error) {
	service, err := ParseServiceType(string(service))
	if err != nil {
		return nil, err
	}

	patient, quote, err := s.quote(ctx, patientID, slotID, service)
	if err != nil {
		return nil, err
	}

	var appt *Appointment
	err = s.locker.WithSlotLock(ctx, slotID, func(lockCtx context.Context) error {
		return s.repo.InTx(lockCtx, func(tx Repository) error {
			slot, err := tx.GetSlot(lockCtx, slotID)
			if err != nil {
				return fmt.Errorf("load slot: %w", err)
			}
			if slot.Status != SlotAvailable {
				return ErrSlotUnavailable
			}
			if slot.DoctorID != quote.DoctorID {
				return fmt.Errorf("%w: slot %d changed doctor", ErrSlotUnavailable, slot.ID)
			}

			if err := tx.ReserveSlot(lockCtx, slot.ID); err != nil {
				return err
			}

			appt = &Appointment{
				DoctorID:  slot.DoctorID,
				PatientID: patientID,
				SlotID:    &slot.ID,
				Type:      service,
				Date:      slot.Date,
				StartTime: slot.StartTime,
				EndTime:   slot.EndTime,
				Status:    StatusPendingPayment,
			}
			if err := tx.InsertAppointment(lockCtx, appt); err != nil {
				return err
			}

			return s.recordEvent(lockCtx, tx, appt.ID, EventTypeReserved, map[string]any{
				"slot_id":    slot.ID,
				"patient_id": patientID,
				"service":    service,
				"amount":     quote.Amount.StringFixed(2),
				"currency":   quote.SettlementCurrency,
			})
		})
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotUnavailable
		}
		return nil, err
	}

	res := &Reservation{Appointment: appt}

	payment := &Payment{
		AppointmentID: &appt.ID,
		DoctorID:      appt.DoctorID,
		PatientID:     patientID,
		Amount:        quote.Amount,
		Currency:      quote.SettlementCurrency,
		Status:        PaymentUnpaid,
	}
	if err := s.repo.InsertPayment(ctx, payment); err != nil {
		s.log.Error("create payment after reservation",
			zap.Int64("appointment_id", appt.ID),
			zap.Error(err),
		)
		return res, fmt.Errorf("%w: create payment: %v", ErrGateway, err)
	}
	res.Payment = payment

	url, err := s.startCheckout(ctx, payment, patient)
	if err != nil {
		s.log.Error("checkout initiation failed",
			zap.Int64("appointment_id", appt.ID),
			zap.Int64("payment_id", payment.ID),
			zap.Error(err),
		)
		return res, err
	}
	res.CheckoutURL = url

	s.log.Info("slot reserved",
		zap.Int64("appointment_id", appt.ID),
		zap.Int64("slot_id", slotID),
		zap.Int64("patient_id", patientID),
		zap.Int64("payment_id", payment.ID),
	)
	return res, nil
}

// checkoutWindow is how long p's reservation has left before the reclaim
// sweep may release it.
func (s *Service) checkoutWindow(p *Payment) time.Duration {
	if p.CreatedAt.IsZero() {
		return s.cfg.ReservationGrace
	}
	return p.CreatedAt.Add(s.cfg.ReservationGrace).Sub(s.now())
}

// quote prices service on slotID for the patient before any lock is taken, so
// a slow rate provider never holds the slot lock or a transaction open.
func (s *Service) quote(ctx context.Context, patientID, slotID int64, service ServiceType) (*Patient, pricing.Quote, error) {
	patient, err := s.repo.GetPatientByID(ctx, patientID)
	if err != nil {
		return nil, pricing.Quote{}, fmt.Errorf("load patient: %w", err)
	}

	slot, err := s.repo.GetSlot(ctx, slotID)
	if err != nil {
		return nil, pricing.Quote{}, fmt.Errorf("load slot: %w", err)
	}
	if slot.Status != SlotAvailable {
		return nil, pricing.Quote{}, ErrSlotUnavailable
	}
	if !slot.Offers(service) {
		return nil, pricing.Quote{}, ErrServiceNotOffered
	}

	q, err := s.prices.Resolve(ctx, slot.DoctorID, string(service), patient.Country)
	if err != nil {
		return nil, pricing.Quote{}, err
	}
	return patient, q, nil
}

// startCheckout registers an order for p with the gateway and stores the
// resulting checkout URL on the payment. The payment key expires with the
// reservation. Gateway failures are wrapped in ErrGateway.
func (s *Service) startCheckout(ctx context.Context, p *Payment, patient *Patient) (string, error) {
	window := s.checkoutWindow(p)
	if window < minCheckoutWindow {
		return "", ErrReservationExpired
	}
	cents := paymob.ToCents(p.Amount)

	token, err := s.gateway.GetAuthToken(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: auth: %v", ErrGateway, err)
	}

	merchantOrderID := paymob.MerchantOrderID(p.ID, s.now())
	orderID, err := s.gateway.CreateOrder(ctx, token, cents, p.Currency, merchantOrderID)
	if err != nil {
		return "", fmt.Errorf("%w: create order: %v", ErrGateway, err)
	}

	key, err := s.gateway.GetPaymentKey(ctx, token, orderID, cents, p.Currency, billingFor(patient), window)
	if err != nil {
		return "", fmt.Errorf("%w: payment key: %v", ErrGateway, err)
	}

	url := s.gateway.CheckoutURL(key)
	gatewayOrderID := strconv.FormatInt(orderID, 10)
	if err := s.repo.SetPaymentCheckout(ctx, p.ID, gatewayOrderID, merchantOrderID, url); err != nil {
		return "", fmt.Errorf("%w: persist checkout: %v", ErrGateway, err)
	}

	p.GatewayOrderID = gatewayOrderID
	p.MerchantOrderID = merchantOrderID
	p.CheckoutURL = url
	return url, nil
}

func billingFor(p *Patient) paymob.BillingData {
	if p == nil {
		return paymob.BillingData{}
	}
	first, last, _ := strings.Cut(strings.TrimSpace(p.FullName), " ")
	return paymob.BillingData{
		FirstName: first,
		LastName:  last,
		Email:     p.Email,
		Country:   p.Country,
	}
}

// GetCheckout returns the checkout URL of a patient's unpaid reservation. A
// reservation whose checkout never completed gets a fresh one. Reservations
// with less than minCheckoutWindow left are refused with
// ErrReservationExpired.
func (s *Service) GetCheckout(ctx context.Context, patientID, appointmentID int64) (string, error) {
	appt, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return "", err
	}
	if appt.PatientID != patientID {
		return "", ErrForbidden
	}
	if appt.Status != StatusPendingPayment {
		return "", fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, appt.Status)
	}

	payment, err := s.repo.GetPaymentByAppointment(ctx, appointmentID)
	if err != nil {
		return "", err
	}
	if payment.Status != PaymentUnpaid {
		return "", fmt.Errorf("%w: payment is %s", ErrInvalidTransition, payment.Status)
	}
	if s.checkoutWindow(payment) < minCheckoutWindow {
		return "", ErrReservationExpired
	}
	if payment.CheckoutURL != "" {
		return payment.CheckoutURL, nil
	}

	patient, err := s.repo.GetPatientByID(ctx, patientID)
	if err != nil {
		return "", err
	}
	return s.startCheckout(ctx, payment, patient)
}

// GetAppointment loads an appointment visible to caller.
func (s *Service) GetAppointment(ctx context.Context, caller Caller, id int64) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canSee(caller, appt) {
		return nil, ErrForbidden
	}
	return appt, nil
}

func canSee(c Caller, a *Appointment) bool {
	switch c.Role {
	case RolePatient:
		return a.PatientID == c.ID
	case RoleDoctor:
		return a.DoctorID == c.ID
	}
	return false
}

// ListAppointmentsByPatient pages through a patient's appointments, newest first.
func (s *Service) ListAppointmentsByPatient(ctx context.Context, patientID int64, limit, offset int) ([]Appointment, error) {
	limit, offset = clampPage(limit, offset)
	appointments, err := s.repo.ListAppointmentsByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appointments, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Service) recordEvent(ctx context.Context, repo Repository, appointmentID int64, eventType string, payload map[string]any) error {
	id := appointmentID
	return s.insertEvent(ctx, repo, &id, eventType, payload)
}

func (s *Service) insertEvent(ctx context.Context, repo Repository, appointmentID *int64, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("marshal event payload", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     s.now(),
	}
	if err := repo.InsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("record %s: %w", eventType, err)
	}
	return nil
}

// notify delivers n and only logs failures; a notification never undoes a
// committed booking change. Delivery is bounded by notifyTimeout so a stalled
// broker cannot hold the request.
func (s *Service) notify(ctx context.Context, n notify.Notification) {
	if s.notifier == nil || n.UserID == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
	defer cancel()
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Warn("notification failed",
			zap.Int64("user_id", n.UserID),
			zap.String("type", string(n.Type)),
			zap.Error(err),
		)
	}
}
