package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	BackupCodeCount = 10
	backupCodeBytes = 8
)

// GenerateBackupCodes returns a fresh set of plaintext codes and the salted
// hashes to persist. The plaintext is shown to the user exactly once.
func GenerateBackupCodes(userID string) (codes []string, hashes []string, err error) {
	codes = make([]string, 0, BackupCodeCount)
	hashes = make([]string, 0, BackupCodeCount)
	for i := 0; i < BackupCodeCount; i++ {
		buf := make([]byte, backupCodeBytes)
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, err
		}
		code := hex.EncodeToString(buf)
		codes = append(codes, code)
		hashes = append(hashes, BackupCodeHash(userID, code))
	}
	return codes, hashes, nil
}

// BackupCodeHash salts the code with the owning user ID so identical codes
// issued to different users never share a stored hash.
func BackupCodeHash(userID, code string) string {
	sum := sha256.Sum256([]byte(userID + ":" + CanonicalBackupCode(code)))
	return hex.EncodeToString(sum[:])
}

// CanonicalBackupCode strips the formatting users tend to type along with a
// code: surrounding whitespace, dashes, uppercase hex.
func CanonicalBackupCode(code string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
}

// LooksLikeBackupCode distinguishes a backup code from a six-digit TOTP
// code on the shared two-factor input field.
func LooksLikeBackupCode(code string) bool {
	return len(CanonicalBackupCode(code)) == backupCodeBytes*2
}
