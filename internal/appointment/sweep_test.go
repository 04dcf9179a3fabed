package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) addSlotAt(t *testing.T, offset time.Duration) Slot {
	t.Helper()
	start := f.clock.now().Add(offset)
	return f.store.addSlot(Slot{
		DoctorID:  f.doctor.ID,
		StartTime: start,
		EndTime:   start.Add(30 * time.Minute),
		Chat:      true,
	})
}

func TestReclaimStaleReservations(t *testing.T) {
	f := newFixture(t)
	f.gw.expectCheckout()
	ctx := context.Background()

	stale := f.reserve(t)

	paidSlot := f.addSlotAt(t, 72*time.Hour)
	paid, err := f.svc.ReserveSlot(ctx, f.patient.ID, paidSlot.ID, ServiceChat)
	require.NoError(t, err)
	require.NoError(t, f.deliver(t, callbackBody(t, callbackOpts{txnID: 900, success: true, merchantID: paid.Payment.MerchantOrderID})))

	f.clock.advance(20 * time.Minute)

	freshSlot := f.addSlotAt(t, 96*time.Hour)
	fresh, err := f.svc.ReserveSlot(ctx, f.patient.ID, freshSlot.ID, ServiceChat)
	require.NoError(t, err)

	report, err := f.svc.ReclaimStaleReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Processed)
	assert.Zero(t, report.Failed)

	_, exists := f.store.appointment(stale.Appointment.ID)
	assert.False(t, exists)
	_, exists = f.store.payment(stale.Payment.ID)
	assert.False(t, exists)
	slot, _ := f.store.slot(f.slot.ID)
	assert.Equal(t, SlotAvailable, slot.Status)

	appt, _ := f.store.appointment(paid.Appointment.ID)
	assert.Equal(t, StatusConfirmed, appt.Status)
	slot, _ = f.store.slot(paidSlot.ID)
	assert.Equal(t, SlotReserved, slot.Status)

	appt, _ = f.store.appointment(fresh.Appointment.ID)
	assert.Equal(t, StatusPendingPayment, appt.Status)

	// A success callback that loses the race against the sweep changes nothing.
	require.NoError(t, f.deliver(t, callbackBody(t, callbackOpts{txnID: 901, success: true, merchantID: stale.Payment.MerchantOrderID})))
	slot, _ = f.store.slot(f.slot.ID)
	assert.Equal(t, SlotAvailable, slot.Status)
	assert.Len(t, f.store.eventsOf(EventTypeUnmatchedCharge), 1, "captured charge recorded for refund")
}

func TestReclaimSkipsPaymentPaidMeanwhile(t *testing.T) {
	f := newFixture(t)
	f.gw.expectCheckout()
	res := f.reserve(t)
	f.clock.advance(time.Hour)

	// The webhook wins the race: payment is PAID by the time the sweep locks it.
	require.NoError(t, f.deliver(t, callbackBody(t, callbackOpts{txnID: 77, success: true, merchantID: res.Payment.MerchantOrderID})))

	reclaimed, err := f.svc.reclaimPayment(context.Background(), res.Payment.ID)
	require.NoError(t, err)
	assert.False(t, reclaimed)

	appt, _ := f.store.appointment(res.Appointment.ID)
	assert.Equal(t, StatusConfirmed, appt.Status)
}

func TestReclaimOrphanReservation(t *testing.T) {
	f := newFixture(t)
	f.store.failOn(func(op string) error {
		if op == "InsertPayment" {
			return errors.New("pool exhausted")
		}
		return nil
	})

	res, err := f.svc.ReserveSlot(context.Background(), f.patient.ID, f.slot.ID, ServiceChat)
	require.ErrorIs(t, err, ErrGateway)
	require.Nil(t, res.Payment)
	f.store.failOn(nil)

	report, err := f.svc.ReclaimStaleReservations(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Processed, "still inside the grace period")

	f.clock.advance(16 * time.Minute)
	report, err = f.svc.ReclaimStaleReservations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)

	_, exists := f.store.appointment(res.Appointment.ID)
	assert.False(t, exists)
	slot, _ := f.store.slot(f.slot.ID)
	assert.Equal(t, SlotAvailable, slot.Status)
}

func TestReclaimContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	f.gw.expectCheckout()
	ctx := context.Background()

	first := f.reserve(t)
	otherSlot := f.addSlotAt(t, 72*time.Hour)
	second, err := f.svc.ReserveSlot(ctx, f.patient.ID, otherSlot.ID, ServiceChat)
	require.NoError(t, err)
	f.clock.advance(time.Hour)

	calls := 0
	f.store.failOn(func(op string) error {
		if op == "DeletePayment" {
			calls++
			if calls == 1 {
				return errors.New("deadlock detected")
			}
		}
		return nil
	})

	report, err := f.svc.ReclaimStaleReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Processed)

	// The failed item rolled back intact and goes on the next run.
	f.store.failOn(nil)
	report, err = f.svc.ReclaimStaleReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)

	for _, res := range []*Reservation{first, second} {
		_, exists := f.store.appointment(res.Appointment.ID)
		assert.False(t, exists)
	}
	_, _, reserved := f.store.counts()
	assert.Zero(t, reserved)
}

func TestPurgeExpiredSlotsKeepsReserved(t *testing.T) {
	f := newFixture(t)
	past := f.addSlotAt(t, -2*time.Hour)
	pastReserved := f.store.addSlot(Slot{
		DoctorID:  f.doctor.ID,
		StartTime: f.clock.now().Add(-4 * time.Hour),
		EndTime:   f.clock.now().Add(-3 * time.Hour),
		Status:    SlotReserved,
	})
	running := f.addSlotAt(t, -10*time.Minute)

	n, err := f.svc.PurgeExpiredSlots(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok := f.store.slot(past.ID)
	assert.False(t, ok)
	_, ok = f.store.slot(pastReserved.ID)
	assert.True(t, ok)
	_, ok = f.store.slot(running.ID)
	assert.True(t, ok, "slot still in progress")
	_, ok = f.store.slot(f.slot.ID)
	assert.True(t, ok)
}
