package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignPayment computes the checkout confirmation signature over
// "<orderID>|<transactionID>" with the API key secret, per the gateway's
// published scheme.
func SignPayment(gatewayOrderID, gatewayTransactionID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(gatewayOrderID + "|" + gatewayTransactionID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPaymentSig checks a checkout confirmation signature in constant time.
func VerifyPaymentSig(gatewayOrderID, gatewayTransactionID, signature, secret string) bool {
	expected := SignPayment(gatewayOrderID, gatewayTransactionID, secret)
	return hmacEqualHex(expected, signature)
}

// SignWebhook computes the webhook signature over the raw request body
// with the webhook shared secret. This is a distinct secret and scheme
// from the checkout confirmation path.
func SignWebhook(rawBody []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSig checks a webhook signature against the raw body.
func VerifyWebhookSig(rawBody []byte, signature, secret string) bool {
	return hmacEqualHex(SignWebhook(rawBody, secret), signature)
}

func hmacEqualHex(expected, provided string) bool {
	want, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}
