package shell

import (
	"crypto/sha256"
	"crypto/subtle"
)

// Authenticator decides whether a secret grants admin capability.
type Authenticator interface {
	Authenticate(secret string) bool
}

// SharedSecret compares against a single configured password. It is only
// as strong as the secret and offers no per-user identity or rate limiting.
type SharedSecret struct {
	digest [sha256.Size]byte
	set    bool
}

// NewSharedSecret creates an authenticator for secret. An empty secret
// rejects every attempt.
func NewSharedSecret(secret string) SharedSecret {
	if secret == "" {
		return SharedSecret{}
	}
	return SharedSecret{digest: sha256.Sum256([]byte(secret)), set: true}
}

// Authenticate implements Authenticator.
func (s SharedSecret) Authenticate(secret string) bool {
	if !s.set {
		return false
	}
	got := sha256.Sum256([]byte(secret))
	return subtle.ConstantTimeCompare(got[:], s.digest[:]) == 1
}
