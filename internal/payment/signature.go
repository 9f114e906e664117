package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Secrets holds the per-provider shared secrets used to verify
// callback signatures.
type Secrets struct {
	Momo    string `envconfig:"PAYMENT_MOMO_SECRET" required:"true"`
	Zalopay string `envconfig:"PAYMENT_ZALOPAY_SECRET" required:"true"`
}

// For returns the shared secret for a provider
func (s Secrets) For(provider Provider) (string, error) {
	switch provider {
	case ProviderMomo:
		return s.Momo, nil
	case ProviderZalopay:
		return s.Zalopay, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
}

// Sign computes the hex-encoded HMAC-SHA256 of a payload
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a callback signature in constant time
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
