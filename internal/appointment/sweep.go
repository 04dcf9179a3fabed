package appointment

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ReclaimStaleReservations releases reservations whose payment stayed UNPAID
// past the grace period, along with reservations that never got a payment
// row. Each booking is handled in its own transaction; a failure is logged
// and counted and the sweep moves on.
func (s *Service) ReclaimStaleReservations(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	cutoff := s.now().Add(-s.cfg.ReservationGrace)

	stale, err := s.repo.FindStaleUnpaid(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("find stale reservations: %w", err)
	}
	orphans, err := s.repo.FindOrphanPending(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("find orphan reservations: %w", err)
	}
	report.Scanned = len(stale) + len(orphans)

	for _, p := range stale {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		reclaimed, err := s.reclaimPayment(ctx, p.ID)
		s.tally(&report, reclaimed, err, zap.Int64("payment_id", p.ID))
	}
	for _, a := range orphans {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		reclaimed, err := s.reclaimOrphan(ctx, a.ID)
		s.tally(&report, reclaimed, err, zap.Int64("appointment_id", a.ID))
	}

	s.log.Info("reclaim sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("reclaimed", report.Processed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (s *Service) tally(r *SweepReport, done bool, err error, field zap.Field) {
	switch {
	case err != nil:
		r.Failed++
		s.log.Error("sweep item failed", field, zap.Error(err))
	case done:
		r.Processed++
	default:
		r.Skipped++
	}
}

func (s *Service) reclaimPayment(ctx context.Context, paymentID int64) (bool, error) {
	var reclaimed bool
	err := s.repo.InTx(ctx, func(tx Repository) error {
		p, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}

		appt, err := s.appointmentOf(ctx, tx, p)
		if err != nil {
			return err
		}
		state := BookingState{Payment: p.Status}
		if appt != nil {
			state.Appointment = appt.Status
		}

		out, err := Transition(state, EventReservationExpired)
		if err != nil {
			return err
		}
		if out.Action != ActionReclaim {
			return nil
		}

		if appt != nil {
			if err := s.releaseAndDelete(ctx, tx, appt); err != nil {
				return err
			}
		}
		if err := tx.DeletePayment(ctx, p.ID); err != nil {
			return err
		}
		reclaimed = true
		return nil
	})
	return reclaimed, err
}

func (s *Service) reclaimOrphan(ctx context.Context, appointmentID int64) (bool, error) {
	var reclaimed bool
	err := s.repo.InTx(ctx, func(tx Repository) error {
		appt, err := tx.GetAppointment(ctx, appointmentID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}

		state := BookingState{Appointment: appt.Status}
		if p, err := tx.GetPaymentByAppointment(ctx, appt.ID); err == nil {
			state.Payment = p.Status
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if state.Payment != PaymentAbsent {
			// The payment showed up after all; the payment sweep owns it now.
			return nil
		}

		out, err := Transition(state, EventReservationExpired)
		if err != nil {
			return err
		}
		if out.Action != ActionReclaim {
			return nil
		}
		if err := s.releaseAndDelete(ctx, tx, appt); err != nil {
			return err
		}
		reclaimed = true
		return nil
	})
	return reclaimed, err
}

func (s *Service) releaseAndDelete(ctx context.Context, tx Repository, appt *Appointment) error {
	if err := tx.ReleaseSlot(ctx, appt.SlotRef()); err != nil {
		return err
	}
	if err := s.recordEvent(ctx, tx, appt.ID, EventTypeExpired, map[string]any{
		"patient_id": appt.PatientID,
		"slot_id":    appt.SlotID,
	}); err != nil {
		return err
	}
	return tx.DeleteAppointment(ctx, appt.ID)
}

// PurgeExpiredSlots deletes slots that already ended and are not reserved.
func (s *Service) PurgeExpiredSlots(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpiredSlots(ctx, s.now())
	if err != nil {
		return 0, err
	}
	s.log.Info("expired slots purged", zap.Int64("deleted", n))
	return n, nil
}
