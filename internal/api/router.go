package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/appointment"
)

type RouterConfig struct {
	Bookings     BookingService
	Slots        SlotManager
	Health       *HealthHandler
	JWTSecret    string
	RateLimitRPS int // per client IP; zero disables limiting
	Log          *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	h := &handlers{bookings: cfg.Bookings, slots: cfg.Slots, log: cfg.Log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health/live", cfg.Health.Liveness)
	r.Get("/health/ready", cfg.Health.Readiness)

	// Called by the gateway, authenticated by the HMAC on the payload.
	r.Post("/payment/callback", h.paymentCallback)

	r.Group(func(r chi.Router) {
		if cfg.RateLimitRPS > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimitRPS, time.Second))
		}
		r.Use(Authenticator(cfg.JWTSecret))

		r.Get("/doctors/{doctorID}/slots", h.listSlots)

		r.Route("/doctor", func(r chi.Router) {
			r.Use(RequireRole(appointment.RoleDoctor))
			r.Post("/slots", h.createSlot)
			r.Delete("/slots/{id}", h.deleteSlot)
			r.Get("/appointments", h.listAppointments(cfg.Bookings.ListAppointmentsByDoctor))
		})

		r.Route("/appointments", func(r chi.Router) {
			r.With(RequireRole(appointment.RolePatient)).Post("/", h.createAppointment)
			r.With(RequireRole(appointment.RolePatient)).Get("/", h.listAppointments(cfg.Bookings.ListAppointmentsByPatient))
			r.Get("/{id}", h.getAppointment)
			r.With(RequireRole(appointment.RolePatient)).Get("/{id}/checkout", h.getCheckout)
			r.Post("/{id}/cancel", h.cancelAppointment)
			r.With(RequireRole(appointment.RoleDoctor)).Post("/{id}/complete", h.settleAppointment(cfg.Bookings.CompleteAppointment))
			r.With(RequireRole(appointment.RoleDoctor)).Post("/{id}/no-show", h.settleAppointment(cfg.Bookings.MarkNoShow))
		})
	})

	return r
}
