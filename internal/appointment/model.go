package appointment

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AppointmentStatus string

const (
	// StatusAbsent stands for an appointment row that does not exist (never
	// created or already deleted by compensation or reclaim).
	StatusAbsent         AppointmentStatus = ""
	StatusPendingPayment AppointmentStatus = "PENDING_PAYMENT"
	StatusConfirmed      AppointmentStatus = "CONFIRMED"
	StatusCancelled      AppointmentStatus = "CANCELLED"
	StatusCompleted      AppointmentStatus = "COMPLETED"
	StatusNoShow         AppointmentStatus = "NO_SHOW"
)

type SlotStatus string

const (
	SlotAvailable SlotStatus = "AVAILABLE"
	SlotReserved  SlotStatus = "RESERVED"
)

type PaymentStatus string

const (
	PaymentAbsent   PaymentStatus = ""
	PaymentUnpaid   PaymentStatus = "UNPAID"
	PaymentPaid     PaymentStatus = "PAID"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

type ServiceType string

const (
	ServiceChat  ServiceType = "CHAT"
	ServiceVoice ServiceType = "VOICE"
	ServiceVideo ServiceType = "VIDEO"
)

// ParseServiceType accepts the service name in any case.
func ParseServiceType(s string) (ServiceType, error) {
	switch t := ServiceType(strings.ToUpper(strings.TrimSpace(s))); t {
	case ServiceChat, ServiceVoice, ServiceVideo:
		return t, nil
	default:
		return "", ErrInvalidServiceType
	}
}

type RefundStatus string

const (
	RefundPending   RefundStatus = "PENDING"
	RefundSucceeded RefundStatus = "SUCCEEDED"
	RefundFailed    RefundStatus = "FAILED"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// Caller is the authenticated user on whose behalf an operation runs.
type Caller struct {
	ID   int64
	Role Role
}

type Patient struct {
	ID        int64
	FullName  string
	Email     string
	Country   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Doctor struct {
	ID                   int64
	FullName             string
	Email                string
	RefundEnabled        bool
	RefundThresholdHours int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type Slot struct {
	ID        int64
	DoctorID  int64
	Date      time.Time
	StartTime time.Time
	EndTime   time.Time
	Chat      bool
	Voice     bool
	Video     bool
	Notes     string
	Status    SlotStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Offers reports whether the slot accepts bookings of type t.
func (s *Slot) Offers(t ServiceType) bool {
	switch t {
	case ServiceChat:
		return s.Chat
	case ServiceVoice:
		return s.Voice
	case ServiceVideo:
		return s.Video
	}
	return false
}

type Appointment struct {
	ID        int64
	DoctorID  int64
	PatientID int64
	SlotID    *int64
	Type      ServiceType
	Date      time.Time
	StartTime time.Time
	EndTime   time.Time
	Status    AppointmentStatus
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SlotRef identifies the slot an appointment holds. SlotID wins when set;
// otherwise the doctor and window are matched.
type SlotRef struct {
	SlotID    *int64
	DoctorID  int64
	StartTime time.Time
	EndTime   time.Time
}

func (a *Appointment) SlotRef() SlotRef {
	return SlotRef{SlotID: a.SlotID, DoctorID: a.DoctorID, StartTime: a.StartTime, EndTime: a.EndTime}
}

type Payment struct {
	ID              int64
	AppointmentID   *int64
	DoctorID        int64
	PatientID       int64
	Amount          decimal.Decimal
	Currency        string
	Status          PaymentStatus
	TransactionID   string
	GatewayOrderID  string
	MerchantOrderID string
	CheckoutURL     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type RefundAttempt struct {
	ID             int64
	PaymentID      int64
	IdempotencyKey uuid.UUID
	Status         RefundStatus
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *int64
	Payload       []byte
	CreatedAt     time.Time
}

// Reservation is what a patient gets back from ReserveSlot.
type Reservation struct {
	Appointment *Appointment
	Payment     *Payment
	CheckoutURL string
}

// SweepReport summarizes one sweep run.
type SweepReport struct {
	Scanned   int
	Processed int
	Skipped   int
	Failed    int
}
