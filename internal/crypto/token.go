package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// NewEnrollmentSecret generates a one-time enrollment secret in the
// readable XXXX-XXXX-XXXX-XXXX form.
func NewEnrollmentSecret() string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	raw := strings.ToUpper(hex.EncodeToString(buf[:]))
	return raw[0:4] + "-" + raw[4:8] + "-" + raw[8:12] + "-" + raw[12:16]
}

// NewDeviceToken generates an opaque bearer token for an enrolled agent.
func NewDeviceToken() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// HashSecret returns the hex sha256 digest stored in place of a secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// SecretMatches compares a candidate secret against a stored digest in
// constant time.
func SecretMatches(secret, storedHash string) bool {
	sum := sha256.Sum256([]byte(secret))
	return hmac.Equal([]byte(hex.EncodeToString(sum[:])), []byte(storedHash))
}
