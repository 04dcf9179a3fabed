package appointment

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/notify"
	"github.com/hackgods/telemed-booking/internal/paymob"
)

// callbackResult carries what a committed callback changed so notifications
// can go out after the transaction.
type callbackResult struct {
	action      Action
	payment     *Payment
	appointment *Appointment
}

func callbackEvent(cb *paymob.Callback) Event {
	switch {
	case cb.IsRefunded:
		return EventPaymentRefunded
	case cb.Success:
		return EventPaymentSucceeded
	default:
		return EventPaymentFailed
	}
}

// HandleCallback applies a transaction callback from the gateway.
//
// The signature is checked before anything else and a mismatch is the only
// rejection callers see. Authenticated payloads that are malformed, refer to
// an unknown payment, repeat an earlier delivery or arrive after the booking
// settled are logged and accepted without changes. An error other than
// ErrSignatureInvalid means the change could not be stored and the gateway
// should retry.
func (s *Service) HandleCallback(ctx context.Context, body []byte, signature string) error {
	if !paymob.VerifySignature(body, s.cfg.Paymob.HMACSecret, signature) {
		s.log.Warn("callback signature mismatch")
		return ErrSignatureInvalid
	}

	cb, err := paymob.ParseCallback(body)
	if err != nil {
		s.log.Warn("ignoring malformed callback", zap.Error(err))
		return nil
	}

	log := s.log.With(
		zap.String("transaction_id", cb.TransactionID),
		zap.String("merchant_order_id", cb.MerchantOrderID),
	)

	if cb.Pending && !cb.IsRefunded {
		log.Info("ignoring pending transaction")
		return nil
	}

	paymentID, err := paymob.ParseMerchantOrderID(cb.MerchantOrderID)
	if err != nil {
		log.Warn("ignoring callback with foreign merchant order id", zap.Error(err))
		return nil
	}

	event := callbackEvent(cb)
	var res callbackResult

	err = s.repo.InTx(ctx, func(tx Repository) error {
		payment, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			if event != EventPaymentSucceeded {
				log.Warn("callback for unknown payment", zap.Int64("payment_id", paymentID))
				return nil
			}
			fresh, err := tx.RecordCallback(ctx, cb.TransactionID, string(event), paymentID)
			if err != nil || !fresh {
				return err
			}
			return s.recordUnmatchedCharge(ctx, tx, cb, paymentID, "payment no longer exists")
		}

		fresh, err := tx.RecordCallback(ctx, cb.TransactionID, string(event), payment.ID)
		if err != nil {
			return err
		}
		if !fresh {
			log.Info("duplicate callback", zap.String("event", string(event)))
			return nil
		}

		if event == EventPaymentSucceeded && cb.AmountCents != paymob.ToCents(payment.Amount) {
			log.Warn("callback amount differs from payment",
				zap.Int64("amount_cents", cb.AmountCents),
				zap.String("payment_amount", payment.Amount.StringFixed(2)),
			)
		}

		appt, err := s.appointmentOf(ctx, tx, payment)
		if err != nil {
			return err
		}
		state := BookingState{Payment: payment.Status}
		if appt != nil {
			state.Appointment = appt.Status
		}

		out, err := Transition(state, event)
		if err != nil {
			log.Warn("callback does not apply", zap.Stringer("state", state), zap.Error(err))
			return nil
		}
		if out.Action == ActionNone {
			if payment.Status == PaymentFailed && event == EventPaymentSucceeded {
				return s.recordUnmatchedCharge(ctx, tx, cb, payment.ID, "payment already failed")
			}
			log.Info("callback already applied", zap.Stringer("state", state))
			return nil
		}

		if err := s.applyCallback(ctx, tx, out.Action, payment, appt, cb.TransactionID); err != nil {
			return err
		}
		res = callbackResult{action: out.Action, payment: payment, appointment: appt}
		return nil
	})
	if err != nil {
		log.Error("apply callback", zap.Error(err))
		return fmt.Errorf("apply callback: %w", err)
	}

	if res.action != ActionNone {
		log.Info("callback applied",
			zap.Int64("payment_id", res.payment.ID),
			zap.String("action", res.action.String()),
		)
		s.notifyCallback(ctx, res)
	}
	return nil
}

// recordUnmatchedCharge logs a captured charge that no booking will claim so
// an operator can refund it.
func (s *Service) recordUnmatchedCharge(ctx context.Context, tx Repository, cb *paymob.Callback, paymentID int64, reason string) error {
	s.log.Error("captured charge has no booking, refund required",
		zap.Int64("payment_id", paymentID),
		zap.String("transaction_id", cb.TransactionID),
		zap.Int64("amount_cents", cb.AmountCents),
		zap.String("currency", cb.Currency),
		zap.String("reason", reason),
	)
	return s.insertEvent(ctx, tx, nil, EventTypeUnmatchedCharge, map[string]any{
		"payment_id":        paymentID,
		"transaction_id":    cb.TransactionID,
		"merchant_order_id": cb.MerchantOrderID,
		"amount_cents":      cb.AmountCents,
		"currency":          cb.Currency,
		"reason":            reason,
	})
}

// appointmentOf returns the appointment behind a payment, or nil once it
// was deleted.
func (s *Service) appointmentOf(ctx context.Context, repo Repository, p *Payment) (*Appointment, error) {
	if p.AppointmentID == nil {
		return nil, nil
	}
	appt, err := repo.GetAppointment(ctx, *p.AppointmentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return appt, nil
}

func (s *Service) applyCallback(ctx context.Context, tx Repository, action Action, p *Payment, appt *Appointment, transactionID string) error {
	switch action {
	case ActionConfirm:
		if err := tx.UpdatePaymentStatus(ctx, p.ID, PaymentUnpaid, PaymentPaid, transactionID); err != nil {
			return err
		}
		if err := tx.UpdateAppointmentStatus(ctx, appt.ID, StatusPendingPayment, StatusConfirmed); err != nil {
			return err
		}
		p.Status, p.TransactionID = PaymentPaid, transactionID
		appt.Status = StatusConfirmed
		return s.recordEvent(ctx, tx, appt.ID, EventTypeConfirmed, map[string]any{
			"payment_id":     p.ID,
			"transaction_id": transactionID,
		})

	case ActionCompensate:
		if err := tx.UpdatePaymentStatus(ctx, p.ID, PaymentUnpaid, PaymentFailed, transactionID); err != nil {
			return err
		}
		if err := tx.ReleaseSlot(ctx, appt.SlotRef()); err != nil {
			return err
		}
		if err := tx.DeleteAppointment(ctx, appt.ID); err != nil {
			return err
		}
		p.Status, p.TransactionID = PaymentFailed, transactionID
		return s.recordEvent(ctx, tx, appt.ID, EventTypeFailed, map[string]any{
			"payment_id":     p.ID,
			"transaction_id": transactionID,
		})

	case ActionMarkRefunded:
		if err := tx.UpdatePaymentStatus(ctx, p.ID, PaymentPaid, PaymentRefunded, ""); err != nil {
			return err
		}
		if err := tx.CloseRefundAttempts(ctx, p.ID); err != nil {
			return err
		}
		p.Status = PaymentRefunded
		if appt == nil {
			return nil
		}
		return s.recordEvent(ctx, tx, appt.ID, EventTypeRefunded, map[string]any{
			"payment_id":     p.ID,
			"transaction_id": transactionID,
		})
	}
	return fmt.Errorf("%w: action %s from callback", ErrInvalidTransition, action)
}

func (s *Service) notifyCallback(ctx context.Context, res callbackResult) {
	p := res.payment
	meta := map[string]string{"payment_id": strconv.FormatInt(p.ID, 10)}
	if res.appointment != nil {
		meta["appointment_id"] = strconv.FormatInt(res.appointment.ID, 10)
	}

	switch res.action {
	case ActionConfirm:
		a := res.appointment
		when := a.StartTime.UTC().Format("2006-01-02 15:04 MST")
		s.notify(ctx, notify.Notification{
			UserID:      p.PatientID,
			Type:        notify.TypeAppointmentConfirmed,
			Title:       "Appointment confirmed",
			Message:     fmt.Sprintf("Your %s appointment on %s is confirmed.", a.Type, when),
			RedirectURL: fmt.Sprintf("/appointments/%d", a.ID),
			Metadata:    meta,
			Email:       s.patientEmail(ctx, p.PatientID),
		})
		s.notify(ctx, notify.Notification{
			UserID:      p.DoctorID,
			Type:        notify.TypeAppointmentConfirmed,
			Title:       "New appointment",
			Message:     fmt.Sprintf("A %s appointment on %s has been booked.", a.Type, when),
			RedirectURL: fmt.Sprintf("/appointments/%d", a.ID),
			Metadata:    meta,
			Email:       s.doctorEmail(ctx, p.DoctorID),
		})

	case ActionCompensate:
		s.notify(ctx, notify.Notification{
			UserID:   p.PatientID,
			Type:     notify.TypePaymentFailed,
			Title:    "Payment failed",
			Message:  "Your payment did not go through and the slot was released. Please book again.",
			Metadata: meta,
			Email:    s.patientEmail(ctx, p.PatientID),
		})

	case ActionMarkRefunded:
		s.notify(ctx, notify.Notification{
			UserID:   p.PatientID,
			Type:     notify.TypePaymentRefunded,
			Title:    "Payment refunded",
			Message:  fmt.Sprintf("%s %s has been refunded.", p.Amount.StringFixed(2), p.Currency),
			Metadata: meta,
			Email:    s.patientEmail(ctx, p.PatientID),
		})
	}
}

func (s *Service) patientEmail(ctx context.Context, id int64) string {
	p, err := s.repo.GetPatientByID(ctx, id)
	if err != nil {
		return ""
	}
	return p.Email
}

func (s *Service) doctorEmail(ctx context.Context, id int64) string {
	d, err := s.repo.GetDoctorByID(ctx, id)
	if err != nil {
		return ""
	}
	return d.Email
}
