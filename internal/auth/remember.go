package auth

import (
	"crypto/rand"
	"encoding/hex"
)

// NewRememberToken returns the plaintext token for the remember-me cookie
// and the hash to persist. Only the hash ever touches storage, so a leaked
// database dump cannot be replayed as a cookie.
func NewRememberToken() (token string, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	token = hex.EncodeToString(buf)
	return token, HashString(token), nil
}
