package notify

import (
	"context"

	"go.uber.org/zap"
)

type Type string

const (
	TypeAppointmentConfirmed Type = "APPOINTMENT_CONFIRMED"
	TypePaymentFailed        Type = "PAYMENT_FAILED"
	TypePaymentRefunded      Type = "PAYMENT_REFUNDED"
	TypeAppointmentCancelled Type = "APPOINTMENT_CANCELLED"
	TypeAppointmentCompleted Type = "APPOINTMENT_COMPLETED"
	TypeAppointmentNoShow    Type = "APPOINTMENT_NO_SHOW"
)

// Notification is addressed to one user. Email is optional and lets
// downstream consumers fan out to mail without a user lookup.
type Notification struct {
	UserID      int64             `json:"user_id"`
	Type        Type              `json:"type"`
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	RedirectURL string            `json:"redirect_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Email       string            `json:"email,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log. Used when no broker is configured.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.log.Info("notification",
		zap.Int64("user_id", n.UserID),
		zap.String("type", string(n.Type)),
		zap.String("title", n.Title),
		zap.String("message", n.Message),
		zap.String("redirect_url", n.RedirectURL),
	)
	return nil
}
