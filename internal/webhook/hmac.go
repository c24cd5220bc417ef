package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrVerification is returned for every signature mismatch. It carries no
// detail about which part failed.
var ErrVerification = errors.New("webhook verification failed")

// Verify checks an HMAC-SHA256 signature against body. Both "sha256=<hex>"
// and plain hex are accepted. Comparison is constant-time.
func Verify(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return ErrVerification
	}

	actual, err := parseSignature(signature)
	if err != nil {
		return ErrVerification
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), actual) != 1 {
		return ErrVerification
	}
	return nil
}

// Sign returns the header value for body: "sha256=<hex>".
func Sign(body []byte, secret string) string {
	return formatSignature(computeSignature(body, secret))
}

func parseSignature(signature string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func formatSignature(hexSig string) string {
	return "sha256=" + hexSig
}
