package auth

import "golang.org/x/crypto/bcrypt"

// PasswordHasher abstracts the password KDF so handlers and tests can pick
// the cost independently.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) bool
}

type BcryptHasher struct {
	Cost int
}

func NewBcryptHasher() *BcryptHasher {
	return &BcryptHasher{Cost: bcrypt.DefaultCost}
}

func (b *BcryptHasher) Hash(password string) (string, error) {
	out, err := bcrypt.GenerateFromPassword([]byte(password), b.Cost)
	return string(out), err
}

// Compare reports whether password matches hash. An empty hash never
// matches; accounts provisioned without a password cannot sign in with one.
func (b *BcryptHasher) Compare(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
