package api

import (
	"time"

	"github.com/hackgods/telemed-booking/internal/appointment"
)

type CreateAppointmentRequest struct {
	SlotID      int64  `json:"slot_id" validate:"required,gt=0"`
	ServiceType string `json:"service_type" validate:"required"`
}

type CreateSlotRequest struct {
	StartTime time.Time `json:"start_time" validate:"required"`
	EndTime   time.Time `json:"end_time" validate:"required"`
	Chat      bool      `json:"chat"`
	Voice     bool      `json:"voice"`
	Video     bool      `json:"video"`
	Notes     string    `json:"notes" validate:"max=500"`
}

type AppointmentResponse struct {
	ID        int64     `json:"id"`
	DoctorID  int64     `json:"doctor_id"`
	PatientID int64     `json:"patient_id"`
	SlotID    *int64    `json:"slot_id,omitempty"`
	Type      string    `json:"type"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type ReservationResponse struct {
	Appointment AppointmentResponse `json:"appointment"`
	PaymentID   int64               `json:"payment_id,omitempty"`
	Amount      string              `json:"amount,omitempty"`
	Currency    string              `json:"currency,omitempty"`
	CheckoutURL string              `json:"checkout_url,omitempty"`
}

type CheckoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
}

type CancelResponse struct {
	Appointment     AppointmentResponse `json:"appointment"`
	RefundRequested bool                `json:"refund_requested"`
	Refunded        bool                `json:"refunded"`
}

type SlotResponse struct {
	ID        int64     `json:"id"`
	DoctorID  int64     `json:"doctor_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Chat      bool      `json:"chat"`
	Voice     bool      `json:"voice"`
	Video     bool      `json:"video"`
	Notes     string    `json:"notes,omitempty"`
	Status    string    `json:"status"`
}

type ErrorResponse struct {
	Error         string `json:"error"`
	Details       string `json:"details,omitempty"`
	AppointmentID int64  `json:"appointment_id,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:        a.ID,
		DoctorID:  a.DoctorID,
		PatientID: a.PatientID,
		SlotID:    a.SlotID,
		Type:      string(a.Type),
		StartTime: a.StartTime,
		EndTime:   a.EndTime,
		Status:    string(a.Status),
		CreatedAt: a.CreatedAt,
	}
}

func toSlotResponse(s *appointment.Slot) SlotResponse {
	return SlotResponse{
		ID:        s.ID,
		DoctorID:  s.DoctorID,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		Chat:      s.Chat,
		Voice:     s.Voice,
		Video:     s.Video,
		Notes:     s.Notes,
		Status:    string(s.Status),
	}
}
