package appointment

import (
	"context"
	"time"
)

// Repository contains all DB interactions needed by the services. Lookups
// return ErrNotFound when the row does not exist.
type Repository interface {
	// InTx runs fn inside one transaction. Calls on the Repository passed to
	// fn join that transaction; a nested InTx reuses it.
	InTx(ctx context.Context, fn func(tx Repository) error) error

	GetPatientByID(ctx context.Context, id int64) (*Patient, error)
	GetDoctorByID(ctx context.Context, id int64) (*Doctor, error)

	// Slots
	GetSlot(ctx context.Context, id int64) (*Slot, error)
	ListAvailableSlots(ctx context.Context, doctorID int64, from, to time.Time) ([]Slot, error)
	HasOverlappingSlot(ctx context.Context, doctorID int64, start, end time.Time) (bool, error)
	InsertSlot(ctx context.Context, s *Slot) error
	// ReserveSlot flips an AVAILABLE slot to RESERVED. It returns
	// ErrSlotUnavailable when the slot is not AVAILABLE anymore.
	ReserveSlot(ctx context.Context, id int64) error
	// ReleaseSlot makes the referenced slot AVAILABLE again. A slot that no
	// longer exists is not an error.
	ReleaseSlot(ctx context.Context, ref SlotRef) error
	DeleteSlot(ctx context.Context, doctorID, id int64) error
	DeleteExpiredSlots(ctx context.Context, now time.Time) (int64, error)

	// Appointments
	InsertAppointment(ctx context.Context, a *Appointment) error
	GetAppointment(ctx context.Context, id int64) (*Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID int64, limit, offset int) ([]Appointment, error)
	ListAppointmentsByDoctor(ctx context.Context, doctorID int64, limit, offset int) ([]Appointment, error)
	// UpdateAppointmentStatus only applies when the current status is from;
	// otherwise it returns ErrInvalidTransition.
	UpdateAppointmentStatus(ctx context.Context, id int64, from, to AppointmentStatus) error
	DeleteAppointment(ctx context.Context, id int64) error
	FindOrphanPending(ctx context.Context, before time.Time) ([]Appointment, error)

	// Payments
	InsertPayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id int64) (*Payment, error)
	GetPaymentForUpdate(ctx context.Context, id int64) (*Payment, error)
	GetPaymentByAppointment(ctx context.Context, appointmentID int64) (*Payment, error)
	UpdatePaymentStatus(ctx context.Context, id int64, from, to PaymentStatus, transactionID string) error
	SetPaymentCheckout(ctx context.Context, id int64, gatewayOrderID, merchantOrderID, checkoutURL string) error
	DeletePayment(ctx context.Context, id int64) error
	FindStaleUnpaid(ctx context.Context, before time.Time) ([]Payment, error)

	// RecordCallback stores the idempotency key of a gateway callback. It
	// reports false when the key was already recorded.
	RecordCallback(ctx context.Context, transactionID, kind string, paymentID int64) (bool, error)

	// Refunds
	InsertRefundAttempt(ctx context.Context, a *RefundAttempt) error
	UpdateRefundAttempt(ctx context.Context, a *RefundAttempt) error
	// ListOpenRefundAttempts returns PENDING attempts with fewer than
	// maxAttempts tries that were last touched before the given time.
	ListOpenRefundAttempts(ctx context.Context, maxAttempts int, before time.Time) ([]RefundAttempt, error)
	CloseRefundAttempts(ctx context.Context, paymentID int64) error

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
