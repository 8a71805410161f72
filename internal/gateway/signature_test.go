package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyPaymentSig(t *testing.T) {
	const secret = "key_secret_test"
	sig := SignPayment("order_abc", "pay_xyz", secret)

	assert.True(t, VerifyPaymentSig("order_abc", "pay_xyz", sig, secret))

	t.Run("tampered transaction id", func(t *testing.T) {
		assert.False(t, VerifyPaymentSig("order_abc", "pay_other", sig, secret))
	})

	t.Run("tampered order id", func(t *testing.T) {
		assert.False(t, VerifyPaymentSig("order_def", "pay_xyz", sig, secret))
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.False(t, VerifyPaymentSig("order_abc", "pay_xyz", sig, "other_secret"))
	})

	t.Run("not hex", func(t *testing.T) {
		assert.False(t, VerifyPaymentSig("order_abc", "pay_xyz", "zzzz", secret))
	})

	t.Run("empty signature", func(t *testing.T) {
		assert.False(t, VerifyPaymentSig("order_abc", "pay_xyz", "", secret))
	})
}

func TestVerifyWebhookSig(t *testing.T) {
	const secret = "webhook_secret_test"
	body := []byte(`{"event":"payment.captured","payload":{}}`)
	sig := SignWebhook(body, secret)

	assert.True(t, VerifyWebhookSig(body, sig, secret))

	t.Run("tampered body", func(t *testing.T) {
		tampered := []byte(`{"event":"payment.captured","payload":{"x":1}}`)
		assert.False(t, VerifyWebhookSig(tampered, sig, secret))
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.False(t, VerifyWebhookSig(body, sig, "key_secret_test"))
	})
}

func TestWebhookAndPaymentSecretsAreDistinct(t *testing.T) {
	// The same material signed with the two schemes must not cross-verify.
	body := []byte("order_abc|pay_xyz")
	webhookSig := SignWebhook(body, "secret_a")
	paymentSig := SignPayment("order_abc", "pay_xyz", "secret_b")

	assert.False(t, VerifyPaymentSig("order_abc", "pay_xyz", webhookSig, "secret_b"))
	assert.False(t, VerifyWebhookSig(body, paymentSig, "secret_a"))
}
