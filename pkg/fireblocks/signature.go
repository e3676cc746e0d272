package fireblocks

import (
	"crypto/rsa"
	"encoding/base64"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// SignatureHeader carries the base64 RSA-SHA512 signature of the raw webhook body.
const SignatureHeader = "fireblocks-signature"

// Verify checks a detached webhook signature against the provider public key.
// It has no side effects.
func Verify(body []byte, signature string, publicKey *rsa.PublicKey) bool {
	if publicKey == nil {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(raw) == 0 {
		return false
	}
	return jwt.SigningMethodRS512.Verify(string(body), raw, publicKey) == nil
}

// ParsePublicKey decodes the PEM encoded webhook verification key.
func ParsePublicKey(pem string) (*rsa.PublicKey, error) {
	return jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
}
