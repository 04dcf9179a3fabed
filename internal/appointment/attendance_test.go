package appointment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telemed-booking/internal/notify"
)

func (f *fixture) confirmedForAttendance(t *testing.T) *Reservation {
	t.Helper()
	f.gw.expectCheckout()
	res := f.reserve(t)
	require.NoError(t, f.deliver(t, callbackBody(t, callbackOpts{txnID: 8100, success: true, merchantID: res.Payment.MerchantOrderID})))
	return res
}

func TestCompleteAppointment(t *testing.T) {
	f := newFixture(t)
	res := f.confirmedForAttendance(t)
	ctx := context.Background()
	doctor := Caller{ID: f.doctor.ID, Role: RoleDoctor}

	_, err := f.svc.CompleteAppointment(ctx, doctor, res.Appointment.ID)
	require.ErrorIs(t, err, ErrInvalidTransition, "session has not started")

	f.clock.advance(48*time.Hour + 10*time.Minute)
	appt, err := f.svc.CompleteAppointment(ctx, doctor, res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, appt.Status)

	stored, _ := f.store.appointment(res.Appointment.ID)
	assert.Equal(t, StatusCompleted, stored.Status)
	payment, _ := f.store.payment(res.Payment.ID)
	assert.Equal(t, PaymentPaid, payment.Status)
	slot, _ := f.store.slot(f.slot.ID)
	assert.Equal(t, SlotReserved, slot.Status, "a held session keeps its slot")

	sent := f.notifier.all()
	require.Len(t, sent, 3)
	assert.Equal(t, notify.TypeAppointmentCompleted, sent[2].Type)
	assert.Equal(t, f.patient.ID, sent[2].UserID)

	// Repeating is harmless; switching to no-show is not.
	again, err := f.svc.CompleteAppointment(ctx, doctor, res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Len(t, f.notifier.all(), 3)

	_, err = f.svc.MarkNoShow(ctx, doctor, res.Appointment.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, []string{EventTypeReserved, EventTypeConfirmed, EventTypeCompleted}, f.store.eventTypes())
}

func TestMarkNoShow(t *testing.T) {
	f := newFixture(t)
	res := f.confirmedForAttendance(t)
	f.clock.advance(49 * time.Hour)

	appt, err := f.svc.MarkNoShow(context.Background(), Caller{ID: f.doctor.ID, Role: RoleDoctor}, res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNoShow, appt.Status)

	payment, _ := f.store.payment(res.Payment.ID)
	assert.Equal(t, PaymentPaid, payment.Status)
	sent := f.notifier.all()
	assert.Equal(t, notify.TypeAppointmentNoShow, sent[len(sent)-1].Type)

	// A no-show can no longer be cancelled for a refund.
	_, err = f.svc.CancelAppointment(context.Background(), Caller{ID: f.patient.ID, Role: RolePatient}, res.Appointment.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAttendanceRules(t *testing.T) {
	f := newFixture(t)
	f.gw.expectCheckout()
	ctx := context.Background()
	pending := f.reserve(t)
	f.clock.advance(49 * time.Hour)

	_, err := f.svc.CompleteAppointment(ctx, Caller{ID: f.doctor.ID, Role: RoleDoctor}, pending.Appointment.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "unpaid sessions cannot complete")

	_, err = f.svc.CompleteAppointment(ctx, Caller{ID: f.patient.ID, Role: RolePatient}, pending.Appointment.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.MarkNoShow(ctx, Caller{ID: f.doctor.ID + 100, Role: RoleDoctor}, pending.Appointment.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.MarkNoShow(ctx, Caller{ID: f.doctor.ID, Role: RoleDoctor}, 999999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAppointmentsByDoctor(t *testing.T) {
	f := newFixture(t)
	f.gw.expectCheckout()
	ctx := context.Background()

	later := f.addSlotAt(t, 96*time.Hour)
	_, err := f.svc.ReserveSlot(ctx, f.patient.ID, later.ID, ServiceChat)
	require.NoError(t, err)
	first := f.reserve(t)

	got, err := f.svc.ListAppointmentsByDoctor(ctx, f.doctor.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.Appointment.ID, got[0].ID, "soonest first")

	got, err = f.svc.ListAppointmentsByDoctor(ctx, f.doctor.ID, 1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, later.ID, *got[0].SlotID)

	got, err = f.svc.ListAppointmentsByDoctor(ctx, f.doctor.ID+100, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
