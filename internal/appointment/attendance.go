package appointment

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/notify"
)

// CompleteAppointment records that a confirmed session took place. Only the
// appointment's doctor may do so, and not before the session starts.
func (s *Service) CompleteAppointment(ctx context.Context, caller Caller, id int64) (*Appointment, error) {
	return s.settleAttendance(ctx, caller, id, EventCompleted)
}

// MarkNoShow records that the patient missed a confirmed session. The
// payment is kept. Same rules as CompleteAppointment.
func (s *Service) MarkNoShow(ctx context.Context, caller Caller, id int64) (*Appointment, error) {
	return s.settleAttendance(ctx, caller, id, EventNoShow)
}

func (s *Service) settleAttendance(ctx context.Context, caller Caller, id int64, event Event) (*Appointment, error) {
	var (
		appt    *Appointment
		changed bool
	)

	err := s.repo.InTx(ctx, func(tx Repository) error {
		var err error
		appt, err = tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if caller.Role != RoleDoctor || appt.DoctorID != caller.ID {
			return ErrForbidden
		}

		state := BookingState{Appointment: appt.Status}
		p, err := tx.GetPaymentByAppointment(ctx, appt.ID)
		switch {
		case err == nil:
			state.Payment = p.Status
		case !errors.Is(err, ErrNotFound):
			return err
		}

		out, err := Transition(state, event)
		if err != nil {
			return err
		}
		if out.Action == ActionNone {
			return nil
		}
		if now := s.now(); now.Before(appt.StartTime) {
			return fmt.Errorf("%w: session starts at %s", ErrInvalidTransition, appt.StartTime.UTC().Format("2006-01-02 15:04 MST"))
		}

		if err := tx.UpdateAppointmentStatus(ctx, appt.ID, appt.Status, out.Next.Appointment); err != nil {
			return err
		}
		appt.Status = out.Next.Appointment
		changed = true

		eventType := EventTypeCompleted
		if event == EventNoShow {
			eventType = EventTypeNoShow
		}
		return s.recordEvent(ctx, tx, appt.ID, eventType, map[string]any{
			"doctor_id": caller.ID,
		})
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return appt, nil
	}

	s.log.Info("attendance recorded",
		zap.Int64("appointment_id", appt.ID),
		zap.String("status", string(appt.Status)),
	)
	s.notifyAttendance(ctx, appt)
	return appt, nil
}

func (s *Service) notifyAttendance(ctx context.Context, a *Appointment) {
	n := notify.Notification{
		UserID:      a.PatientID,
		RedirectURL: fmt.Sprintf("/appointments/%d", a.ID),
		Metadata:    map[string]string{"appointment_id": strconv.FormatInt(a.ID, 10)},
		Email:       s.patientEmail(ctx, a.PatientID),
	}
	when := a.StartTime.UTC().Format("2006-01-02 15:04 MST")
	if a.Status == StatusNoShow {
		n.Type = notify.TypeAppointmentNoShow
		n.Title = "Appointment missed"
		n.Message = fmt.Sprintf("You were marked absent from the %s appointment on %s.", a.Type, when)
	} else {
		n.Type = notify.TypeAppointmentCompleted
		n.Title = "Appointment completed"
		n.Message = fmt.Sprintf("Your %s appointment on %s is complete.", a.Type, when)
	}
	s.notify(ctx, n)
}

// ListAppointmentsByDoctor pages through a doctor's appointments by start
// time, soonest first.
func (s *Service) ListAppointmentsByDoctor(ctx context.Context, doctorID int64, limit, offset int) ([]Appointment, error) {
	limit, offset = clampPage(limit, offset)
	appointments, err := s.repo.ListAppointmentsByDoctor(ctx, doctorID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by doctor: %w", err)
	}
	return appointments, nil
}
