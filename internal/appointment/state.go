package appointment

import "fmt"

// BookingState is the joint status of one booking's appointment and payment.
// Either side may be absent.
type BookingState struct {
	Appointment AppointmentStatus
	Payment     PaymentStatus
}

func (s BookingState) String() string {
	a, p := string(s.Appointment), string(s.Payment)
	if a == "" {
		a = "ABSENT"
	}
	if p == "" {
		p = "ABSENT"
	}
	return a + "/" + p
}

type Event string

const (
	EventPaymentSucceeded   Event = "PAYMENT_SUCCEEDED"
	EventPaymentFailed      Event = "PAYMENT_FAILED"
	EventPaymentRefunded    Event = "PAYMENT_REFUNDED"
	EventReservationExpired Event = "RESERVATION_EXPIRED"
	EventCancelled          Event = "CANCELLED"
	EventCompleted          Event = "COMPLETED"
	EventNoShow             Event = "NO_SHOW"
)

// Action is the side effect a caller must carry out to reach Outcome.Next.
type Action int

const (
	ActionNone Action = iota
	// ActionConfirm marks the payment PAID and the appointment CONFIRMED.
	ActionConfirm
	// ActionCompensate marks the payment FAILED, releases the slot and
	// deletes the appointment.
	ActionCompensate
	// ActionMarkRefunded moves the payment PAID to REFUNDED.
	ActionMarkRefunded
	// ActionReclaim releases the slot and deletes the appointment and the
	// unpaid payment.
	ActionReclaim
	// ActionCancel cancels the appointment and releases the slot. An unpaid
	// payment becomes FAILED.
	ActionCancel
	// ActionComplete moves a CONFIRMED appointment to COMPLETED.
	ActionComplete
	// ActionMarkNoShow moves a CONFIRMED appointment to NO_SHOW.
	ActionMarkNoShow
)

func (a Action) String() string {
	switch a {
	case ActionConfirm:
		return "confirm"
	case ActionCompensate:
		return "compensate"
	case ActionMarkRefunded:
		return "mark_refunded"
	case ActionReclaim:
		return "reclaim"
	case ActionCancel:
		return "cancel"
	case ActionComplete:
		return "complete"
	case ActionMarkNoShow:
		return "mark_no_show"
	default:
		return "none"
	}
}

type Outcome struct {
	Next   BookingState
	Action Action
}

func noop(s BookingState) (Outcome, error) {
	return Outcome{Next: s, Action: ActionNone}, nil
}

func invalid(s BookingState, e Event) (Outcome, error) {
	return Outcome{Next: s}, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, e, s)
}

// Transition is the only place booking status changes are decided. Events
// that were already applied, or that arrive after the booking settled
// elsewhere, yield ActionNone.
func Transition(s BookingState, e Event) (Outcome, error) {
	switch e {
	case EventPaymentSucceeded:
		switch {
		case s.Payment == PaymentUnpaid && s.Appointment == StatusPendingPayment:
			return Outcome{Next: BookingState{Appointment: StatusConfirmed, Payment: PaymentPaid}, Action: ActionConfirm}, nil
		case s.Payment == PaymentPaid, s.Payment == PaymentRefunded, s.Payment == PaymentFailed:
			return noop(s)
		}

	case EventPaymentFailed:
		switch {
		case s.Payment == PaymentUnpaid && s.Appointment == StatusPendingPayment:
			return Outcome{Next: BookingState{Appointment: StatusAbsent, Payment: PaymentFailed}, Action: ActionCompensate}, nil
		case s.Payment == PaymentFailed, s.Payment == PaymentPaid, s.Payment == PaymentRefunded:
			return noop(s)
		}

	case EventPaymentRefunded:
		switch s.Payment {
		case PaymentPaid:
			return Outcome{Next: BookingState{Appointment: s.Appointment, Payment: PaymentRefunded}, Action: ActionMarkRefunded}, nil
		case PaymentRefunded:
			return noop(s)
		}

	case EventReservationExpired:
		switch {
		case s.Payment == PaymentUnpaid && (s.Appointment == StatusPendingPayment || s.Appointment == StatusAbsent):
			return Outcome{Next: BookingState{}, Action: ActionReclaim}, nil
		case s.Payment == PaymentAbsent && s.Appointment == StatusPendingPayment:
			return Outcome{Next: BookingState{}, Action: ActionReclaim}, nil
		case s.Payment == PaymentAbsent && s.Appointment == StatusAbsent:
			return noop(s)
		case s.Payment != PaymentUnpaid && s.Payment != PaymentAbsent:
			return noop(s)
		}

	case EventCancelled:
		switch s.Appointment {
		case StatusCancelled:
			return noop(s)
		case StatusPendingPayment:
			next := BookingState{Appointment: StatusCancelled, Payment: s.Payment}
			if s.Payment == PaymentUnpaid {
				next.Payment = PaymentFailed
			}
			if s.Payment == PaymentUnpaid || s.Payment == PaymentAbsent {
				return Outcome{Next: next, Action: ActionCancel}, nil
			}
		case StatusConfirmed:
			if s.Payment == PaymentPaid || s.Payment == PaymentRefunded {
				return Outcome{Next: BookingState{Appointment: StatusCancelled, Payment: s.Payment}, Action: ActionCancel}, nil
			}
		}

	case EventCompleted:
		return attended(s, e, StatusCompleted, ActionComplete)

	case EventNoShow:
		return attended(s, e, StatusNoShow, ActionMarkNoShow)
	}

	return invalid(s, e)
}

// attended settles a confirmed session as to. Whether the session has
// started is the caller's check; the state machine only sees statuses.
func attended(s BookingState, e Event, to AppointmentStatus, action Action) (Outcome, error) {
	switch {
	case s.Appointment == to:
		return noop(s)
	case s.Appointment == StatusConfirmed && (s.Payment == PaymentPaid || s.Payment == PaymentRefunded):
		return Outcome{Next: BookingState{Appointment: to, Payment: s.Payment}, Action: action}, nil
	}
	return invalid(s, e)
}
