package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	SignatureHeader  = "X-Webhook-Signature"
	DeliveryIDHeader = "X-Webhook-Delivery-Id"
	EventTypeHeader  = "X-Webhook-Event-Type"

	signaturePrefix = "sha256="
)

// Sign returns the X-Webhook-Signature value for body: "sha256=" followed by the
// hex HMAC-SHA256 of the exact bytes sent.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received X-Webhook-Signature header against body in constant time.
func Verify(secret string, body []byte, header string) bool {
	received, ok := strings.CutPrefix(strings.TrimSpace(header), signaturePrefix)
	if !ok {
		return false
	}

	decoded, err := hex.DecodeString(received)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return hmac.Equal(decoded, mac.Sum(nil))
}
