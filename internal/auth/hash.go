package auth

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashString digests a secret to the hex form the stores persist. Remember
// tokens and verification codes are only ever saved as this digest, so a
// leaked row never contains a usable credential.
func HashString(secret string) string {
	digest := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(digest[:])
}
