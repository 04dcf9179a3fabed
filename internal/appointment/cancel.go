package appointment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/notify"
	"github.com/hackgods/telemed-booking/internal/paymob"
)

const (
	maxRefundAttempts = 5
	// Attempts touched more recently than this are left alone by the
	// reconcile sweep so it does not race an in-flight refund.
	refundRetryDelay = time.Minute
)

// Cancellation reports what CancelAppointment did.
type Cancellation struct {
	Appointment     *Appointment
	RefundRequested bool
	Refunded        bool
}

// refundEligible applies the doctor's refund policy: refunds must be
// enabled and the appointment must start at least the threshold away.
func refundEligible(d *Doctor, a *Appointment, now time.Time) bool {
	if d == nil || !d.RefundEnabled {
		return false
	}
	threshold := time.Duration(d.RefundThresholdHours) * time.Hour
	return a.StartTime.Sub(now) >= threshold
}

// CancelAppointment cancels a pending or confirmed appointment and frees its
// slot. An unpaid payment is marked FAILED. A paid one is refunded when the
// doctor's policy allows it; a refund the gateway rejects is logged and left
// to the reconcile sweep, and the cancellation still stands.
func (s *Service) CancelAppointment(ctx context.Context, caller Caller, id int64) (*Cancellation, error) {
	var (
		c       = &Cancellation{}
		payment *Payment
		attempt *RefundAttempt
		changed bool
	)

	err := s.repo.InTx(ctx, func(tx Repository) error {
		appt, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if !canSee(caller, appt) {
			return ErrForbidden
		}
		c.Appointment = appt

		state := BookingState{Appointment: appt.Status}
		if p, err := tx.GetPaymentByAppointment(ctx, appt.ID); err == nil {
			if payment, err = tx.GetPaymentForUpdate(ctx, p.ID); err != nil {
				return err
			}
			state.Payment = payment.Status
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		out, err := Transition(state, EventCancelled)
		if err != nil {
			return err
		}
		if out.Action == ActionNone {
			return nil
		}

		if err := tx.UpdateAppointmentStatus(ctx, appt.ID, appt.Status, StatusCancelled); err != nil {
			return err
		}
		if err := tx.ReleaseSlot(ctx, appt.SlotRef()); err != nil {
			return err
		}

		if payment != nil && payment.Status == PaymentUnpaid {
			if err := tx.UpdatePaymentStatus(ctx, payment.ID, PaymentUnpaid, PaymentFailed, ""); err != nil {
				return err
			}
			payment.Status = PaymentFailed
		}

		if payment != nil && payment.Status == PaymentPaid {
			doctor, err := tx.GetDoctorByID(ctx, appt.DoctorID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if refundEligible(doctor, appt, s.now()) {
				attempt = &RefundAttempt{
					PaymentID:      payment.ID,
					IdempotencyKey: uuid.New(),
					Status:         RefundPending,
				}
				if err := tx.InsertRefundAttempt(ctx, attempt); err != nil {
					return err
				}
			}
		}

		appt.Status = StatusCancelled
		changed = true
		return s.recordEvent(ctx, tx, appt.ID, EventTypeCancelled, map[string]any{
			"by":            caller.Role,
			"by_id":         caller.ID,
			"refund_queued": attempt != nil,
		})
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return c, nil
	}

	s.log.Info("appointment cancelled",
		zap.Int64("appointment_id", c.Appointment.ID),
		zap.String("by", string(caller.Role)),
		zap.Bool("refund", attempt != nil),
	)

	if attempt != nil {
		c.RefundRequested = true
		if err := s.attemptRefund(ctx, attempt, payment); err != nil {
			s.log.Error("refund failed, queued for retry",
				zap.Int64("payment_id", payment.ID),
				zap.String("idempotency_key", attempt.IdempotencyKey.String()),
				zap.Error(err),
			)
		} else {
			c.Refunded = true
		}
	}

	s.notifyCancelled(ctx, caller, c.Appointment)
	return c, nil
}

// attemptRefund asks the gateway to refund p and records the outcome on a.
func (s *Service) attemptRefund(ctx context.Context, a *RefundAttempt, p *Payment) error {
	gwErr := s.gateway.Refund(ctx, p.TransactionID, paymob.ToCents(p.Amount))
	a.Attempts++

	if gwErr != nil {
		a.LastError = gwErr.Error()
		if a.Attempts >= maxRefundAttempts {
			a.Status = RefundFailed
		}
		if err := s.repo.UpdateRefundAttempt(ctx, a); err != nil {
			s.log.Error("record refund attempt", zap.Int64("refund_attempt_id", a.ID), zap.Error(err))
		}
		if p.AppointmentID != nil {
			_ = s.recordEvent(ctx, s.repo, *p.AppointmentID, EventTypeRefundFail, map[string]any{
				"payment_id": p.ID,
				"attempt":    a.Attempts,
				"error":      a.LastError,
			})
		}
		return fmt.Errorf("%w: %v", ErrRefundFailed, gwErr)
	}

	var refunded bool
	err := s.repo.InTx(ctx, func(tx Repository) error {
		cur, err := tx.GetPaymentForUpdate(ctx, p.ID)
		if err != nil {
			return err
		}
		if cur.Status == PaymentPaid {
			if err := tx.UpdatePaymentStatus(ctx, cur.ID, PaymentPaid, PaymentRefunded, ""); err != nil {
				return err
			}
			refunded = true
		}
		a.Status = RefundSucceeded
		a.LastError = ""
		if err := tx.UpdateRefundAttempt(ctx, a); err != nil {
			return err
		}
		if refunded && cur.AppointmentID != nil {
			return s.recordEvent(ctx, tx, *cur.AppointmentID, EventTypeRefunded, map[string]any{
				"payment_id":      cur.ID,
				"idempotency_key": a.IdempotencyKey.String(),
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record refund: %w", err)
	}

	p.Status = PaymentRefunded
	if refunded {
		s.notify(ctx, notify.Notification{
			UserID:   p.PatientID,
			Type:     notify.TypePaymentRefunded,
			Title:    "Payment refunded",
			Message:  fmt.Sprintf("%s %s has been refunded.", p.Amount.StringFixed(2), p.Currency),
			Metadata: map[string]string{"payment_id": strconv.FormatInt(p.ID, 10)},
			Email:    s.patientEmail(ctx, p.PatientID),
		})
	}
	return nil
}

func (s *Service) notifyCancelled(ctx context.Context, caller Caller, a *Appointment) {
	meta := map[string]string{"appointment_id": strconv.FormatInt(a.ID, 10)}
	when := a.StartTime.UTC().Format("2006-01-02 15:04 MST")

	// Tell the other party.
	n := notify.Notification{
		Type:     notify.TypeAppointmentCancelled,
		Title:    "Appointment cancelled",
		Message:  fmt.Sprintf("The %s appointment on %s was cancelled.", a.Type, when),
		Metadata: meta,
	}
	if caller.Role == RoleDoctor {
		n.UserID = a.PatientID
		n.Email = s.patientEmail(ctx, a.PatientID)
	} else {
		n.UserID = a.DoctorID
		n.Email = s.doctorEmail(ctx, a.DoctorID)
	}
	s.notify(ctx, n)
}

// ReconcileRefunds retries refunds that have not gone through yet. Attempts
// whose payment is already REFUNDED are closed; attempts whose payment can no
// longer be refunded are failed.
func (s *Service) ReconcileRefunds(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	open, err := s.repo.ListOpenRefundAttempts(ctx, maxRefundAttempts, s.now().Add(-refundRetryDelay))
	if err != nil {
		return report, fmt.Errorf("list refund attempts: %w", err)
	}
	report.Scanned = len(open)

	for i := range open {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		a := &open[i]
		done, err := s.reconcileRefund(ctx, a)
		s.tally(&report, done, err, zap.Int64("refund_attempt_id", a.ID))
	}

	s.log.Info("refund reconcile finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("refunded", report.Processed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (s *Service) reconcileRefund(ctx context.Context, a *RefundAttempt) (bool, error) {
	p, err := s.repo.GetPayment(ctx, a.PaymentID)
	if err != nil {
		return false, err
	}

	switch p.Status {
	case PaymentRefunded:
		a.Status = RefundSucceeded
		return true, s.repo.UpdateRefundAttempt(ctx, a)
	case PaymentPaid:
		if err := s.attemptRefund(ctx, a, p); err != nil {
			return false, err
		}
		return true, nil
	default:
		a.Status = RefundFailed
		a.LastError = "payment is " + string(p.Status)
		return false, s.repo.UpdateRefundAttempt(ctx, a)
	}
}
