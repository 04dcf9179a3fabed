package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/hackgods/telemed-booking/internal/appointment"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// decodeJSON reads a bounded JSON body into dst and runs its validate tags.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("could not parse JSON: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		return err
	}
	return nil
}

// errorStatus maps a service error onto an HTTP status and a stable code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, appointment.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, appointment.ErrSlotUnavailable):
		return http.StatusConflict, "slot_unavailable"
	case errors.Is(err, appointment.ErrSlotReserved):
		return http.StatusConflict, "slot_reserved"
	case errors.Is(err, appointment.ErrReservationExpired):
		return http.StatusConflict, "reservation_expired"
	case errors.Is(err, appointment.ErrInvalidTransition):
		return http.StatusConflict, "invalid_status_transition"
	case errors.Is(err, appointment.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, appointment.ErrSignatureInvalid):
		return http.StatusBadRequest, "signature_invalid"
	case errors.Is(err, appointment.ErrPricingUnavailable):
		return http.StatusBadRequest, "pricing_unavailable"
	case errors.Is(err, appointment.ErrInvalidSlotWindow),
		errors.Is(err, appointment.ErrSlotInPast),
		errors.Is(err, appointment.ErrSlotOverlap),
		errors.Is(err, appointment.ErrServiceNotOffered),
		errors.Is(err, appointment.ErrInvalidServiceType):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, appointment.ErrGateway):
		return http.StatusBadGateway, "payment_gateway_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	details := err.Error()
	if status == http.StatusInternalServerError {
		details = "unexpected server error"
	}
	writeError(w, status, code, details)
}
