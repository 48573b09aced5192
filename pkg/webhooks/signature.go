package webhooks

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
)

// SignatureAlgorithm is the digest family used for HMAC signatures
type SignatureAlgorithm string

const (
	AlgorithmSHA1   SignatureAlgorithm = "sha1"
	AlgorithmSHA256 SignatureAlgorithm = "sha256"
	AlgorithmSHA512 SignatureAlgorithm = "sha512"

	DefaultAlgorithm = AlgorithmSHA256
)

// Valid reports whether the algorithm is supported
func (a SignatureAlgorithm) Valid() bool {
	_, ok := hashFor(a)
	return ok
}

func hashFor(alg SignatureAlgorithm) (func() hash.Hash, bool) {
	switch alg {
	case AlgorithmSHA1:
		return sha1.New, true
	case AlgorithmSHA256:
		return sha256.New, true
	case AlgorithmSHA512:
		return sha512.New, true
	default:
		return nil, false
	}
}

// Sign computes "<alg>=<lowercase hex HMAC>" over the exact payload bytes
func Sign(payload []byte, secret string, alg SignatureAlgorithm) (string, error) {
	newHash, ok := hashFor(alg)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(payload)
	return string(alg) + "=" + hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a received signature in constant time. The signature must
// match the "<alg>=<lowercase hex>" form exactly; anything else, including
// uppercase hex, a truncated digest or an unsupported algorithm, is false.
func Verify(payload []byte, signature, secret string, alg SignatureAlgorithm) bool {
	expected, err := Sign(payload, secret, alg)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
