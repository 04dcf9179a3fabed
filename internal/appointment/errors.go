package appointment

import (
	"errors"

	"github.com/hackgods/telemed-booking/internal/pricing"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrSlotUnavailable    = errors.New("slot is no longer available")
	ErrPricingUnavailable = pricing.ErrPricingUnavailable
	ErrSignatureInvalid   = errors.New("callback signature invalid")
	ErrGateway            = errors.New("payment gateway failure")
	ErrRefundFailed       = errors.New("refund failed")
	ErrReservationExpired = errors.New("reservation is about to expire")

	ErrInvalidSlotWindow  = errors.New("slot start must be before its end")
	ErrSlotInPast         = errors.New("slot starts in the past")
	ErrSlotOverlap        = errors.New("slot overlaps an existing slot")
	ErrServiceNotOffered  = errors.New("service not offered for this slot")
	ErrInvalidServiceType = errors.New("invalid service type")
	ErrSlotReserved       = errors.New("slot is reserved")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrForbidden          = errors.New("forbidden")
)
