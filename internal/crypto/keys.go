package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
)

// GenerateKeypair creates an ed25519 keypair encoded as base64.
func GenerateKeypair() (publicKey string, privateKey string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(pub), base64.StdEncoding.EncodeToString(priv), nil
}

// Sign signs payload with a base64 ed25519 private key and returns a base64 signature.
func Sign(privateKey string, payload []byte) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil {
		return "", errors.New("crypto: malformed private key")
	}
	if len(raw) != ed25519.PrivateKeySize {
		return "", errors.New("crypto: invalid private key size")
	}
	sig := ed25519.Sign(ed25519.PrivateKey(raw), payload)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// ValidPublicKey reports whether the string decodes to an ed25519 public key.
func ValidPublicKey(publicKey string) bool {
	raw, err := base64.StdEncoding.DecodeString(publicKey)
	return err == nil && len(raw) == ed25519.PublicKeySize
}

// Verify checks a base64 ed25519 signature over payload.
// Any decoding or size problem counts as an invalid signature.
func Verify(publicKey string, payload []byte, signature string) bool {
	rawKey, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil || len(rawKey) != ed25519.PublicKeySize {
		return false
	}
	rawSig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(rawSig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(rawKey), payload, rawSig)
}
