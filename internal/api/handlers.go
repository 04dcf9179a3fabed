package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/appointment"
)

const defaultSlotWindow = 14 * 24 * time.Hour

// BookingService is the part of appointment.Service the API drives.
type BookingService interface {
	ReserveSlot(ctx context.Context, patientID, slotID int64, service appointment.ServiceType) (*appointment.Reservation, error)
	GetCheckout(ctx context.Context, patientID, appointmentID int64) (string, error)
	GetAppointment(ctx context.Context, caller appointment.Caller, id int64) (*appointment.Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID int64, limit, offset int) ([]appointment.Appointment, error)
	ListAppointmentsByDoctor(ctx context.Context, doctorID int64, limit, offset int) ([]appointment.Appointment, error)
	CancelAppointment(ctx context.Context, caller appointment.Caller, id int64) (*appointment.Cancellation, error)
	CompleteAppointment(ctx context.Context, caller appointment.Caller, id int64) (*appointment.Appointment, error)
	MarkNoShow(ctx context.Context, caller appointment.Caller, id int64) (*appointment.Appointment, error)
	HandleCallback(ctx context.Context, body []byte, signature string) error
}

// SlotManager is the part of appointment.SlotService the API drives.
type SlotManager interface {
	CreateSlot(ctx context.Context, doctorID int64, in appointment.SlotInput) (*appointment.Slot, error)
	DeleteSlot(ctx context.Context, doctorID, slotID int64) error
	FindAvailable(ctx context.Context, doctorID int64, from, to time.Time) ([]appointment.Slot, error)
}

type handlers struct {
	bookings BookingService
	slots    SlotManager
	log      *zap.Logger
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

func queryTime(r *http.Request, name string, def time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func (h *handlers) listSlots(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := pathID(r, "doctorID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctorID must be a positive integer")
		return
	}

	from, err := queryTime(r, "from", time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_from", "from must be RFC 3339")
		return
	}
	to, err := queryTime(r, "to", from.Add(defaultSlotWindow))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_to", "to must be RFC 3339")
		return
	}

	slots, err := h.slots.FindAvailable(r.Context(), doctorID, from, to)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := make([]SlotResponse, 0, len(slots))
	for i := range slots {
		resp = append(resp, toSlotResponse(&slots[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) createSlot(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	var req CreateSlotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
		return
	}

	slot, err := h.slots.CreateSlot(r.Context(), caller.ID, appointment.SlotInput{
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Chat:      req.Chat,
		Voice:     req.Voice,
		Video:     req.Video,
		Notes:     req.Notes,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSlotResponse(slot))
}

func (h *handlers) deleteSlot(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	slotID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_slot_id", "id must be a positive integer")
		return
	}

	if err := h.slots.DeleteSlot(r.Context(), caller.ID, slotID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	var req CreateAppointmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
		return
	}

	service, err := appointment.ParseServiceType(req.ServiceType)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	res, err := h.bookings.ReserveSlot(r.Context(), caller.ID, req.SlotID, service)
	if err != nil {
		// The slot stays held; the patient retries via the checkout endpoint.
		if errors.Is(err, appointment.ErrGateway) && res != nil && res.Appointment != nil {
			writeJSON(w, http.StatusBadGateway, ErrorResponse{
				Error:         "payment_gateway_unavailable",
				Details:       "reservation held, retry checkout",
				AppointmentID: res.Appointment.ID,
			})
			return
		}
		writeServiceError(w, err)
		return
	}

	resp := ReservationResponse{
		Appointment: toAppointmentResponse(res.Appointment),
		CheckoutURL: res.CheckoutURL,
	}
	if res.Payment != nil {
		resp.PaymentID = res.Payment.ID
		resp.Amount = res.Payment.Amount.StringFixed(2)
		resp.Currency = res.Payment.Currency
	}
	writeJSON(w, http.StatusCreated, resp)
}

type listFunc func(ctx context.Context, ownerID int64, limit, offset int) ([]appointment.Appointment, error)

// listAppointments serves the caller's own appointments, paged by limit and
// offset.
func (h *handlers) listAppointments(list listFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := CallerFrom(r.Context())

		limit, err := queryInt(r, "limit", 20)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer")
			return
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "invalid_offset", "offset must be a non-negative integer")
			return
		}

		appts, err := list(r.Context(), caller.ID, limit, offset)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(appts))
		for i := range appts {
			resp = append(resp, toAppointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a positive integer")
		return
	}

	appt, err := h.bookings.GetAppointment(r.Context(), caller, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) getCheckout(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a positive integer")
		return
	}

	url, err := h.bookings.GetCheckout(r.Context(), caller.ID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CheckoutResponse{CheckoutURL: url})
}

func (h *handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a positive integer")
		return
	}

	c, err := h.bookings.CancelAppointment(r.Context(), caller, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{
		Appointment:     toAppointmentResponse(c.Appointment),
		RefundRequested: c.RefundRequested,
		Refunded:        c.Refunded,
	})
}

type settleFunc func(ctx context.Context, caller appointment.Caller, id int64) (*appointment.Appointment, error)

// settleAppointment records how a confirmed session went.
func (h *handlers) settleAppointment(settle settleFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := CallerFrom(r.Context())
		id, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a positive integer")
			return
		}

		appt, err := settle(r.Context(), caller, id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

// paymentCallback receives the gateway's transaction webhook. Anything but a
// bad signature or a storage failure is acknowledged with 200 so the gateway
// stops retrying.
func (h *handlers) paymentCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not read body")
		return
	}

	signature := r.URL.Query().Get("hmac")
	if err := h.bookings.HandleCallback(r.Context(), body, signature); err != nil {
		if !errors.Is(err, appointment.ErrSignatureInvalid) {
			h.log.Error("payment callback failed",
				zap.String("request_id", GetRequestID(r.Context())),
				zap.Error(err),
			)
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}
