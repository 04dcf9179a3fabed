package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	pgExclusionViolation = "23P01"
	pgUniqueViolation    = "23505"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool, q: pool}
}

func (r *PgRepository) InTx(ctx context.Context, fn func(tx Repository) error) error {
	if r.inTx {
		return fn(r)
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&PgRepository{pool: r.pool, q: tx, inTx: true})
	})
}

// Helpers

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d, nil
}

const slotColumns = `id, doctor_id, date, start_time, end_time, chat, voice, video, notes, status, created_at, updated_at`

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.Date,
		&s.StartTime,
		&s.EndTime,
		&s.Chat,
		&s.Voice,
		&s.Video,
		&s.Notes,
		&s.Status,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

const appointmentColumns = `id, doctor_id, patient_id, slot_id, appointment_type, date, start_time, end_time, status, notes, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.PatientID,
		&a.SlotID,
		&a.Type,
		&a.Date,
		&a.StartTime,
		&a.EndTime,
		&a.Status,
		&a.Notes,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

const paymentColumns = `id, appointment_id, doctor_id, patient_id, amount::text, currency, status,
	transaction_id, gateway_order_id, merchant_order_id, checkout_url, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var amount string
	err := row.Scan(
		&p.ID,
		&p.AppointmentID,
		&p.DoctorID,
		&p.PatientID,
		&amount,
		&p.Currency,
		&p.Status,
		&p.TransactionID,
		&p.GatewayOrderID,
		&p.MerchantOrderID,
		&p.CheckoutURL,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if p.Amount, err = parseAmount(amount); err != nil {
		return nil, err
	}
	return &p, nil
}

const refundColumns = `id, payment_id, idempotency_key, status, attempts, last_error, created_at, updated_at`

func scanRefundAttempt(row pgx.Row) (*RefundAttempt, error) {
	var a RefundAttempt
	err := row.Scan(
		&a.ID,
		&a.PaymentID,
		&a.IdempotencyKey,
		&a.Status,
		&a.Attempts,
		&a.LastError,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	var result []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// People

func (r *PgRepository) GetPatientByID(ctx context.Context, id int64) (*Patient, error) {
	var p Patient
	err := r.q.QueryRow(ctx, `
		SELECT id, full_name, COALESCE(email, ''), country, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id).Scan(&p.ID, &p.FullName, &p.Email, &p.Country, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *PgRepository) GetDoctorByID(ctx context.Context, id int64) (*Doctor, error) {
	var d Doctor
	err := r.q.QueryRow(ctx, `
		SELECT id, full_name, COALESCE(email, ''), refund_enabled, refund_threshold_hours, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id).Scan(&d.ID, &d.FullName, &d.Email, &d.RefundEnabled, &d.RefundThresholdHours, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// Slots

func (r *PgRepository) GetSlot(ctx context.Context, id int64) (*Slot, error) {
	row := r.q.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1`, id)
	return scanSlot(row)
}

func (r *PgRepository) ListAvailableSlots(ctx context.Context, doctorID int64, from, to time.Time) ([]Slot, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE doctor_id = $1
		  AND status = 'AVAILABLE'
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time
	`, doctorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list available slots: %w", err)
	}
	return collect(rows, scanSlot)
}

func (r *PgRepository) HasOverlappingSlot(ctx context.Context, doctorID int64, start, end time.Time) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM slots
			WHERE doctor_id = $1 AND start_time < $3 AND end_time > $2
		)
	`, doctorID, start, end).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check slot overlap: %w", err)
	}
	return exists, nil
}

func (r *PgRepository) InsertSlot(ctx context.Context, s *Slot) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO slots (doctor_id, date, start_time, end_time, chat, voice, video, notes, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'AVAILABLE')
		RETURNING id, status, created_at, updated_at
	`, s.DoctorID, s.Date, s.StartTime, s.EndTime, s.Chat, s.Voice, s.Video, s.Notes).
		Scan(&s.ID, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if pgCode(err) == pgExclusionViolation {
			return ErrSlotOverlap
		}
		return fmt.Errorf("insert slot: %w", err)
	}
	return nil
}

func (r *PgRepository) ReserveSlot(ctx context.Context, id int64) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE slots
		SET status = 'RESERVED',
		    updated_at = now()
		WHERE id = $1
		  AND status = 'AVAILABLE'
	`, id)
	if err != nil {
		return fmt.Errorf("reserve slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotUnavailable
	}
	return nil
}

func (r *PgRepository) ReleaseSlot(ctx context.Context, ref SlotRef) error {
	var err error
	if ref.SlotID != nil {
		_, err = r.q.Exec(ctx, `
			UPDATE slots SET status = 'AVAILABLE', updated_at = now()
			WHERE id = $1 AND status = 'RESERVED'
		`, *ref.SlotID)
	} else {
		_, err = r.q.Exec(ctx, `
			UPDATE slots SET status = 'AVAILABLE', updated_at = now()
			WHERE doctor_id = $1 AND start_time = $2 AND end_time = $3 AND status = 'RESERVED'
		`, ref.DoctorID, ref.StartTime, ref.EndTime)
	}
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

func (r *PgRepository) DeleteSlot(ctx context.Context, doctorID, id int64) error {
	var status SlotStatus
	err := r.q.QueryRow(ctx, `
		SELECT status FROM slots WHERE id = $1 AND doctor_id = $2 FOR UPDATE
	`, id, doctorID).Scan(&status)
	if err != nil {
		return notFound(err)
	}
	if status == SlotReserved {
		return ErrSlotReserved
	}
	if _, err := r.q.Exec(ctx, `DELETE FROM slots WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	return nil
}

func (r *PgRepository) DeleteExpiredSlots(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.q.Exec(ctx, `
		DELETE FROM slots
		WHERE end_time < $1
		  AND status <> 'RESERVED'
	`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired slots: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Appointments

func (r *PgRepository) InsertAppointment(ctx context.Context, a *Appointment) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO appointments (doctor_id, patient_id, slot_id, appointment_type, date, start_time, end_time, status, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`, a.DoctorID, a.PatientID, a.SlotID, a.Type, a.Date, a.StartTime, a.EndTime, a.Status, a.Notes).
		Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return ErrSlotUnavailable
		}
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *PgRepository) GetAppointment(ctx context.Context, id int64) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID int64, limit, offset int) ([]Appointment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY start_time DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return collect(rows, scanAppointment)
}

func (r *PgRepository) ListAppointmentsByDoctor(ctx context.Context, doctorID int64, limit, offset int) ([]Appointment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
		ORDER BY start_time, id
		LIMIT $2 OFFSET $3
	`, doctorID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list doctor appointments: %w", err)
	}
	return collect(rows, scanAppointment)
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id int64, from, to AppointmentStatus) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
	`, id, to, from)
	if err != nil {
		return fmt.Errorf("update appointment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: appointment %d is not %s", ErrInvalidTransition, id, from)
	}
	return nil
}

func (r *PgRepository) DeleteAppointment(ctx context.Context, id int64) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	return nil
}

func (r *PgRepository) FindOrphanPending(ctx context.Context, before time.Time) ([]Appointment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		WHERE a.status = 'PENDING_PAYMENT'
		  AND a.created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.appointment_id = a.id)
	`, before)
	if err != nil {
		return nil, fmt.Errorf("find orphan appointments: %w", err)
	}
	return collect(rows, scanAppointment)
}

// Payments

func (r *PgRepository) InsertPayment(ctx context.Context, p *Payment) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO payments (appointment_id, doctor_id, patient_id, amount, currency, status)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
		RETURNING id, created_at, updated_at
	`, p.AppointmentID, p.DoctorID, p.PatientID, p.Amount.String(), p.Currency, p.Status).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *PgRepository) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	row := r.q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (r *PgRepository) GetPaymentForUpdate(ctx context.Context, id int64) (*Payment, error) {
	row := r.q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
	return scanPayment(row)
}

func (r *PgRepository) GetPaymentByAppointment(ctx context.Context, appointmentID int64) (*Payment, error) {
	row := r.q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE appointment_id = $1`, appointmentID)
	return scanPayment(row)
}

func (r *PgRepository) UpdatePaymentStatus(ctx context.Context, id int64, from, to PaymentStatus, transactionID string) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE payments
		SET status = $2,
		    transaction_id = CASE WHEN $4 = '' THEN transaction_id ELSE $4 END,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
	`, id, to, from, transactionID)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: payment %d is not %s", ErrInvalidTransition, id, from)
	}
	return nil
}

func (r *PgRepository) SetPaymentCheckout(ctx context.Context, id int64, gatewayOrderID, merchantOrderID, checkoutURL string) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE payments
		SET gateway_order_id = $2,
		    merchant_order_id = $3,
		    checkout_url = $4,
		    updated_at = now()
		WHERE id = $1
	`, id, gatewayOrderID, merchantOrderID, checkoutURL)
	if err != nil {
		return fmt.Errorf("set payment checkout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgRepository) DeletePayment(ctx context.Context, id int64) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM payments WHERE id = $1 AND status = 'UNPAID'`, id); err != nil {
		return fmt.Errorf("delete payment: %w", err)
	}
	return nil
}

func (r *PgRepository) FindStaleUnpaid(ctx context.Context, before time.Time) ([]Payment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status = 'UNPAID'
		  AND created_at < $1
		ORDER BY created_at
	`, before)
	if err != nil {
		return nil, fmt.Errorf("find stale payments: %w", err)
	}
	return collect(rows, scanPayment)
}

func (r *PgRepository) RecordCallback(ctx context.Context, transactionID, kind string, paymentID int64) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		INSERT INTO payment_callbacks (transaction_id, kind, payment_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (transaction_id, kind) DO NOTHING
	`, transactionID, kind, paymentID)
	if err != nil {
		return false, fmt.Errorf("record callback: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Refunds

func (r *PgRepository) InsertRefundAttempt(ctx context.Context, a *RefundAttempt) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO refund_attempts (payment_id, idempotency_key, status, attempts, last_error)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`, a.PaymentID, a.IdempotencyKey, a.Status, a.Attempts, a.LastError).
		Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert refund attempt: %w", err)
	}
	return nil
}

func (r *PgRepository) UpdateRefundAttempt(ctx context.Context, a *RefundAttempt) error {
	err := r.q.QueryRow(ctx, `
		UPDATE refund_attempts
		SET status = $2, attempts = $3, last_error = $4, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, a.ID, a.Status, a.Attempts, a.LastError).Scan(&a.UpdatedAt)
	if err != nil {
		return notFound(err)
	}
	return nil
}

func (r *PgRepository) ListOpenRefundAttempts(ctx context.Context, maxAttempts int, before time.Time) ([]RefundAttempt, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+refundColumns+`
		FROM refund_attempts
		WHERE status = 'PENDING'
		  AND attempts < $1
		  AND updated_at < $2
		ORDER BY id
	`, maxAttempts, before)
	if err != nil {
		return nil, fmt.Errorf("list refund attempts: %w", err)
	}
	return collect(rows, scanRefundAttempt)
}

func (r *PgRepository) CloseRefundAttempts(ctx context.Context, paymentID int64) error {
	_, err := r.q.Exec(ctx, `
		UPDATE refund_attempts
		SET status = 'SUCCEEDED', updated_at = now()
		WHERE payment_id = $1 AND status = 'PENDING'
	`, paymentID)
	if err != nil {
		return fmt.Errorf("close refund attempts: %w", err)
	}
	return nil
}

// Event logging

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
