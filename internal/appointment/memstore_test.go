package appointment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memData struct {
	seq       int64
	patients  map[int64]Patient
	doctors   map[int64]Doctor
	slots     map[int64]Slot
	appts     map[int64]Appointment
	payments  map[int64]Payment
	callbacks map[string]int64
	refunds   map[int64]RefundAttempt
	events    []EventLog
}

func newMemData() *memData {
	return &memData{
		patients:  map[int64]Patient{},
		doctors:   map[int64]Doctor{},
		slots:     map[int64]Slot{},
		appts:     map[int64]Appointment{},
		payments:  map[int64]Payment{},
		callbacks: map[string]int64{},
		refunds:   map[int64]RefundAttempt{},
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (d *memData) clone() *memData {
	return &memData{
		seq:       d.seq,
		patients:  cloneMap(d.patients),
		doctors:   cloneMap(d.doctors),
		slots:     cloneMap(d.slots),
		appts:     cloneMap(d.appts),
		payments:  cloneMap(d.payments),
		callbacks: cloneMap(d.callbacks),
		refunds:   cloneMap(d.refunds),
		events:    append([]EventLog(nil), d.events...),
	}
}

// memStore is an in-memory Repository. Transactions are serialized and roll
// back by restoring a snapshot. Calls outside a transaction take the same
// lock, one call at a time.
type memStore struct {
	mu   *sync.Mutex
	data **memData
	inTx bool
	now  func() time.Time

	// fail, when set, is consulted at the start of every call and can
	// inject an error for the named operation.
	fail *func(op string) error
}

func newMemStore() *memStore {
	d := newMemData()
	var fail func(string) error
	return &memStore{mu: &sync.Mutex{}, data: &d, now: time.Now, fail: &fail}
}

func (m *memStore) failOn(fn func(op string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.fail = fn
}

func (m *memStore) enter(op string) (*memData, func(), error) {
	unlock := func() {}
	if !m.inTx {
		m.mu.Lock()
		unlock = m.mu.Unlock
	}
	if f := *m.fail; f != nil {
		if err := f(op); err != nil {
			unlock()
			return nil, nil, err
		}
	}
	return *m.data, unlock, nil
}

func (m *memStore) nextID(d *memData) int64 {
	d.seq++
	return d.seq
}

func (m *memStore) InTx(ctx context.Context, fn func(tx Repository) error) error {
	if m.inTx {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := (*m.data).clone()
	tx := &memStore{mu: m.mu, data: m.data, inTx: true, now: m.now, fail: m.fail}
	if err := fn(tx); err != nil {
		*m.data = snapshot
		return err
	}
	return nil
}

// seeding helpers, used directly by tests

func (m *memStore) addPatient(p Patient) Patient {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := *m.data
	if p.ID == 0 {
		p.ID = m.nextID(d)
	}
	d.patients[p.ID] = p
	return p
}

func (m *memStore) addDoctor(doc Doctor) Doctor {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := *m.data
	if doc.ID == 0 {
		doc.ID = m.nextID(d)
	}
	d.doctors[doc.ID] = doc
	return doc
}

func (m *memStore) addSlot(s Slot) Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := *m.data
	if s.ID == 0 {
		s.ID = m.nextID(d)
	}
	if s.Status == "" {
		s.Status = SlotAvailable
	}
	d.slots[s.ID] = s
	return s
}

func (m *memStore) slot(id int64) (Slot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := (*m.data).slots[id]
	return s, ok
}

func (m *memStore) appointment(id int64) (Appointment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := (*m.data).appts[id]
	return a, ok
}

func (m *memStore) payment(id int64) (Payment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := (*m.data).payments[id]
	return p, ok
}

func (m *memStore) setPaymentCreatedAt(id int64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := *m.data
	p := d.payments[id]
	p.CreatedAt = at
	d.payments[id] = p
}

func (m *memStore) setAppointmentCreatedAt(id int64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := *m.data
	a := d.appts[id]
	a.CreatedAt = at
	d.appts[id] = a
}

func (m *memStore) counts() (appts, payments, reserved int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := *m.data
	for _, s := range d.slots {
		if s.Status == SlotReserved {
			reserved++
		}
	}
	return len(d.appts), len(d.payments), reserved
}

func (m *memStore) refundAttempts() []RefundAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RefundAttempt
	for _, r := range (*m.data).refunds {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ev := range (*m.data).events {
		out = append(out, ev.EventType)
	}
	return out
}

func (m *memStore) eventsOf(eventType string) []EventLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EventLog
	for _, ev := range (*m.data).events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Repository

func (m *memStore) GetPatientByID(_ context.Context, id int64) (*Patient, error) {
	d, done, err := m.enter("GetPatientByID")
	if err != nil {
		return nil, err
	}
	defer done()
	p, ok := d.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *memStore) GetDoctorByID(_ context.Context, id int64) (*Doctor, error) {
	d, done, err := m.enter("GetDoctorByID")
	if err != nil {
		return nil, err
	}
	defer done()
	doc, ok := d.doctors[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &doc, nil
}

func (m *memStore) GetSlot(_ context.Context, id int64) (*Slot, error) {
	d, done, err := m.enter("GetSlot")
	if err != nil {
		return nil, err
	}
	defer done()
	s, ok := d.slots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *memStore) ListAvailableSlots(_ context.Context, doctorID int64, from, to time.Time) ([]Slot, error) {
	d, done, err := m.enter("ListAvailableSlots")
	if err != nil {
		return nil, err
	}
	defer done()
	var out []Slot
	for _, s := range d.slots {
		if s.DoctorID == doctorID && s.Status == SlotAvailable && s.StartTime.Before(to) && s.EndTime.After(from) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *memStore) HasOverlappingSlot(_ context.Context, doctorID int64, start, end time.Time) (bool, error) {
	d, done, err := m.enter("HasOverlappingSlot")
	if err != nil {
		return false, err
	}
	defer done()
	for _, s := range d.slots {
		if s.DoctorID == doctorID && s.StartTime.Before(end) && s.EndTime.After(start) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) InsertSlot(_ context.Context, s *Slot) error {
	d, done, err := m.enter("InsertSlot")
	if err != nil {
		return err
	}
	defer done()
	for _, o := range d.slots {
		if o.DoctorID == s.DoctorID && o.StartTime.Before(s.EndTime) && o.EndTime.After(s.StartTime) {
			return ErrSlotOverlap
		}
	}
	s.ID = m.nextID(d)
	s.Status = SlotAvailable
	s.CreatedAt, s.UpdatedAt = m.now(), m.now()
	d.slots[s.ID] = *s
	return nil
}

func (m *memStore) ReserveSlot(_ context.Context, id int64) error {
	d, done, err := m.enter("ReserveSlot")
	if err != nil {
		return err
	}
	defer done()
	s, ok := d.slots[id]
	if !ok || s.Status != SlotAvailable {
		return ErrSlotUnavailable
	}
	s.Status = SlotReserved
	d.slots[id] = s
	return nil
}

func (m *memStore) ReleaseSlot(_ context.Context, ref SlotRef) error {
	d, done, err := m.enter("ReleaseSlot")
	if err != nil {
		return err
	}
	defer done()
	for id, s := range d.slots {
		match := false
		if ref.SlotID != nil {
			match = id == *ref.SlotID
		} else {
			match = s.DoctorID == ref.DoctorID && s.StartTime.Equal(ref.StartTime) && s.EndTime.Equal(ref.EndTime)
		}
		if match && s.Status == SlotReserved {
			s.Status = SlotAvailable
			d.slots[id] = s
		}
	}
	return nil
}

func (m *memStore) deleteSlotLocked(d *memData, id int64) {
	delete(d.slots, id)
	for aid, a := range d.appts {
		if a.SlotID != nil && *a.SlotID == id {
			a.SlotID = nil
			d.appts[aid] = a
		}
	}
}

func (m *memStore) DeleteSlot(_ context.Context, doctorID, id int64) error {
	d, done, err := m.enter("DeleteSlot")
	if err != nil {
		return err
	}
	defer done()
	s, ok := d.slots[id]
	if !ok || s.DoctorID != doctorID {
		return ErrNotFound
	}
	if s.Status == SlotReserved {
		return ErrSlotReserved
	}
	m.deleteSlotLocked(d, id)
	return nil
}

func (m *memStore) DeleteExpiredSlots(_ context.Context, now time.Time) (int64, error) {
	d, done, err := m.enter("DeleteExpiredSlots")
	if err != nil {
		return 0, err
	}
	defer done()
	var n int64
	for id, s := range d.slots {
		if s.EndTime.Before(now) && s.Status != SlotReserved {
			m.deleteSlotLocked(d, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) InsertAppointment(_ context.Context, a *Appointment) error {
	d, done, err := m.enter("InsertAppointment")
	if err != nil {
		return err
	}
	defer done()
	if a.SlotID != nil {
		for _, o := range d.appts {
			if o.SlotID != nil && *o.SlotID == *a.SlotID && o.Status != StatusCancelled {
				return ErrSlotUnavailable
			}
		}
	}
	a.ID = m.nextID(d)
	a.CreatedAt, a.UpdatedAt = m.now(), m.now()
	d.appts[a.ID] = *a
	return nil
}

func (m *memStore) GetAppointment(_ context.Context, id int64) (*Appointment, error) {
	d, done, err := m.enter("GetAppointment")
	if err != nil {
		return nil, err
	}
	defer done()
	a, ok := d.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *memStore) ListAppointmentsByPatient(_ context.Context, patientID int64, limit, offset int) ([]Appointment, error) {
	d, done, err := m.enter("ListAppointmentsByPatient")
	if err != nil {
		return nil, err
	}
	defer done()
	var out []Appointment
	for _, a := range d.appts {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListAppointmentsByDoctor(_ context.Context, doctorID int64, limit, offset int) ([]Appointment, error) {
	d, done, err := m.enter("ListAppointmentsByDoctor")
	if err != nil {
		return nil, err
	}
	defer done()
	var out []Appointment
	for _, a := range d.appts {
		if a.DoctorID == doctorID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) UpdateAppointmentStatus(_ context.Context, id int64, from, to AppointmentStatus) error {
	d, done, err := m.enter("UpdateAppointmentStatus")
	if err != nil {
		return err
	}
	defer done()
	a, ok := d.appts[id]
	if !ok || a.Status != from {
		return fmt.Errorf("%w: appointment %d is not %s", ErrInvalidTransition, id, from)
	}
	a.Status = to
	d.appts[id] = a
	return nil
}

func (m *memStore) DeleteAppointment(_ context.Context, id int64) error {
	d, done, err := m.enter("DeleteAppointment")
	if err != nil {
		return err
	}
	defer done()
	delete(d.appts, id)
	for pid, p := range d.payments {
		if p.AppointmentID != nil && *p.AppointmentID == id {
			p.AppointmentID = nil
			d.payments[pid] = p
		}
	}
	return nil
}

func (m *memStore) FindOrphanPending(_ context.Context, before time.Time) ([]Appointment, error) {
	d, done, err := m.enter("FindOrphanPending")
	if err != nil {
		return nil, err
	}
	defer done()
	var out []Appointment
	for _, a := range d.appts {
		if a.Status != StatusPendingPayment || !a.CreatedAt.Before(before) {
			continue
		}
		hasPayment := false
		for _, p := range d.payments {
			if p.AppointmentID != nil && *p.AppointmentID == a.ID {
				hasPayment = true
				break
			}
		}
		if !hasPayment {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) InsertPayment(_ context.Context, p *Payment) error {
	d, done, err := m.enter("InsertPayment")
	if err != nil {
		return err
	}
	defer done()
	p.ID = m.nextID(d)
	p.CreatedAt, p.UpdatedAt = m.now(), m.now()
	d.payments[p.ID] = *p
	return nil
}

func (m *memStore) GetPayment(_ context.Context, id int64) (*Payment, error) {
	d, done, err := m.enter("GetPayment")
	if err != nil {
		return nil, err
	}
	defer done()
	p, ok := d.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *memStore) GetPaymentForUpdate(ctx context.Context, id int64) (*Payment, error) {
	return m.GetPayment(ctx, id)
}

func (m *memStore) GetPaymentByAppointment(_ context.Context, appointmentID int64) (*Payment, error) {
	d, done, err := m.enter("GetPaymentByAppointment")
	if err != nil {
		return nil, err
	}
	defer done()
	for _, p := range d.payments {
		if p.AppointmentID != nil && *p.AppointmentID == appointmentID {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) UpdatePaymentStatus(_ context.Context, id int64, from, to PaymentStatus, transactionID string) error {
	d, done, err := m.enter("UpdatePaymentStatus")
	if err != nil {
		return err
	}
	defer done()
	p, ok := d.payments[id]
	if !ok || p.Status != from {
		return fmt.Errorf("%w: payment %d is not %s", ErrInvalidTransition, id, from)
	}
	p.Status = to
	if transactionID != "" {
		p.TransactionID = transactionID
	}
	d.payments[id] = p
	return nil
}

func (m *memStore) SetPaymentCheckout(_ context.Context, id int64, gatewayOrderID, merchantOrderID, checkoutURL string) error {
	d, done, err := m.enter("SetPaymentCheckout")
	if err != nil {
		return err
	}
	defer done()
	p, ok := d.payments[id]
	if !ok {
		return ErrNotFound
	}
	p.GatewayOrderID, p.MerchantOrderID, p.CheckoutURL = gatewayOrderID, merchantOrderID, checkoutURL
	d.payments[id] = p
	return nil
}

func (m *memStore) DeletePayment(_ context.Context, id int64) error {
	d, done, err := m.enter("DeletePayment")
	if err != nil {
		return err
	}
	defer done()
	if p, ok := d.payments[id]; ok && p.Status == PaymentUnpaid {
		delete(d.payments, id)
	}
	return nil
}

func (m *memStore) FindStaleUnpaid(_ context.Context, before time.Time) ([]Payment, error) {
	d, done, err := m.enter("FindStaleUnpaid")
	if err != nil {
		return nil, err
	}
	defer done()
	var out []Payment
	for _, p := range d.payments {
		if p.Status == PaymentUnpaid && p.CreatedAt.Before(before) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) RecordCallback(_ context.Context, transactionID, kind string, paymentID int64) (bool, error) {
	d, done, err := m.enter("RecordCallback")
	if err != nil {
		return false, err
	}
	defer done()
	key := transactionID + "/" + kind
	if _, ok := d.callbacks[key]; ok {
		return false, nil
	}
	d.callbacks[key] = paymentID
	return true, nil
}

func (m *memStore) InsertRefundAttempt(_ context.Context, a *RefundAttempt) error {
	d, done, err := m.enter("InsertRefundAttempt")
	if err != nil {
		return err
	}
	defer done()
	a.ID = m.nextID(d)
	a.CreatedAt, a.UpdatedAt = m.now(), m.now()
	d.refunds[a.ID] = *a
	return nil
}

func (m *memStore) UpdateRefundAttempt(_ context.Context, a *RefundAttempt) error {
	d, done, err := m.enter("UpdateRefundAttempt")
	if err != nil {
		return err
	}
	defer done()
	if _, ok := d.refunds[a.ID]; !ok {
		return ErrNotFound
	}
	a.UpdatedAt = m.now()
	d.refunds[a.ID] = *a
	return nil
}

func (m *memStore) ListOpenRefundAttempts(_ context.Context, maxAttempts int, before time.Time) ([]RefundAttempt, error) {
	d, done, err := m.enter("ListOpenRefundAttempts")
	if err != nil {
		return nil, err
	}
	defer done()
	var out []RefundAttempt
	for _, a := range d.refunds {
		if a.Status == RefundPending && a.Attempts < maxAttempts && a.UpdatedAt.Before(before) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CloseRefundAttempts(_ context.Context, paymentID int64) error {
	d, done, err := m.enter("CloseRefundAttempts")
	if err != nil {
		return err
	}
	defer done()
	for id, a := range d.refunds {
		if a.PaymentID == paymentID && a.Status == RefundPending {
			a.Status = RefundSucceeded
			d.refunds[id] = a
		}
	}
	return nil
}

func (m *memStore) InsertEvent(_ context.Context, ev EventLog) error {
	d, done, err := m.enter("InsertEvent")
	if err != nil {
		return err
	}
	defer done()
	ev.ID = m.nextID(d)
	d.events = append(d.events, ev)
	return nil
}
