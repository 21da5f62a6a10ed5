package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// PKCECodes is a verifier/challenge pair for the S256 flow.
type PKCECodes struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE creates a PKCE pair per RFC 7636: a 32-byte URL-safe random
// verifier and its base64url SHA-256 challenge, both unpadded.
func GeneratePKCE() (*PKCECodes, error) {
	verifier, err := randomURLSafe(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}
	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])
	return &PKCECodes{Verifier: verifier, Challenge: challenge}, nil
}

// randomURLSafe returns n random bytes as unpadded base64url text.
func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
