package paymob

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strings"

	"github.com/tidwall/gjson"
)

// hmacFields is the order in which transaction callback fields are
// concatenated before signing.
var hmacFields = []string{
	"amount_cents",
	"created_at",
	"currency",
	"error_occured",
	"has_parent_transaction",
	"id",
	"integration_id",
	"is_3d_secure",
	"is_auth",
	"is_capture",
	"is_refunded",
	"is_standalone_payment",
	"is_voided",
	"order.id",
	"owner",
	"pending",
	"source_data.pan",
	"source_data.sub_type",
	"source_data.type",
	"success",
}

func signingString(body []byte) string {
	obj := gjson.GetBytes(body, "obj")
	var b strings.Builder
	for _, f := range hmacFields {
		b.WriteString(obj.Get(f).String())
	}
	return b.String()
}

// Sign computes the hex HMAC-SHA512 of a transaction callback body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(signingString(body)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether provided matches the body's signature.
func VerifySignature(body []byte, secret, provided string) bool {
	if secret == "" || provided == "" {
		return false
	}
	expected := Sign(body, secret)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(provided)))
}
