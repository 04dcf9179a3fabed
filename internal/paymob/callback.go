package paymob

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var (
	ErrMalformedCallback        = errors.New("malformed callback payload")
	ErrMalformedMerchantOrderID = errors.New("malformed merchant order id")
)

const merchantOrderPrefix = "PAY-"

// Callback is the subset of a transaction callback the booking flow acts on.
type Callback struct {
	TransactionID   string
	Success         bool
	IsRefunded      bool
	Pending         bool
	AmountCents     int64
	Currency        string
	OrderID         string
	MerchantOrderID string
}

// ParseCallback extracts the transaction from a {"obj": {...}} body.
// Booleans may arrive as JSON booleans or as "true"/"false" strings.
func ParseCallback(body []byte) (*Callback, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedCallback)
	}
	obj := gjson.GetBytes(body, "obj")
	if !obj.IsObject() {
		return nil, fmt.Errorf("%w: missing obj", ErrMalformedCallback)
	}

	cb := &Callback{
		TransactionID:   obj.Get("id").String(),
		Success:         obj.Get("success").Bool(),
		IsRefunded:      obj.Get("is_refunded").Bool(),
		Pending:         obj.Get("pending").Bool(),
		AmountCents:     obj.Get("amount_cents").Int(),
		Currency:        obj.Get("currency").String(),
		OrderID:         obj.Get("order.id").String(),
		MerchantOrderID: obj.Get("order.merchant_order_id").String(),
	}
	if cb.TransactionID == "" {
		return nil, fmt.Errorf("%w: missing transaction id", ErrMalformedCallback)
	}
	if cb.MerchantOrderID == "" {
		return nil, fmt.Errorf("%w: missing merchant_order_id", ErrMalformedCallback)
	}
	return cb, nil
}

// MerchantOrderID encodes a payment id as PAY-<paymentID>-<unix millis>. The
// suffix keeps retried checkouts from colliding with an earlier order.
func MerchantOrderID(paymentID int64, at time.Time) string {
	return fmt.Sprintf("%s%d-%d", merchantOrderPrefix, paymentID, at.UnixMilli())
}

// ParseMerchantOrderID recovers the payment id from a merchant order id.
func ParseMerchantOrderID(s string) (int64, error) {
	rest, ok := strings.CutPrefix(s, merchantOrderPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrMalformedMerchantOrderID, s)
	}
	idPart, _, _ := strings.Cut(rest, "-")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedMerchantOrderID, s)
	}
	return id, nil
}
