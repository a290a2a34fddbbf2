package server

import (
	"context"
	"time"

	"github.com/sin-ning/gitlabhq/internal/auth"
)

// UserStore is the persistence surface the handlers need. It is satisfied
// by *auth.UserRepository and by the in-memory store the handler tests use.
type UserStore interface {
	Create(ctx context.Context, username string, name *string, email string, passwordHash *string, verified *time.Time) (*auth.User, error)
	FindByID(ctx context.Context, id string) (*auth.User, error)
	FindByEmail(ctx context.Context, email string) (*auth.User, error)
	FindByLogin(ctx context.Context, login string) (*auth.User, error)

	SetEmailVerified(ctx context.Context, userID string) error
	CreateVerificationToken(ctx context.Context, userID, token string, expires time.Time) (*auth.VerificationToken, error)
	GetVerificationToken(ctx context.Context, email, token string) (*auth.VerificationToken, *auth.User, error)
	DeleteVerificationTokens(ctx context.Context, userID string) error

	UpdatePassword(ctx context.Context, userID, hashed string) error
	SetPasswordReset(ctx context.Context, userID, hashedToken string, expires time.Time) error
	ClearPasswordReset(ctx context.Context, userID string) error
	FindUserWithResetToken(ctx context.Context, token string) (*auth.User, error)

	SetOTPSecret(ctx context.Context, userID string, secret *string) error
	EnableTwoFactor(ctx context.Context, userID string) error
	DisableTwoFactor(ctx context.Context, userID string) error
	ConsumeTimestep(ctx context.Context, userID string, timestep int64) (bool, error)
	StartOTPGracePeriod(ctx context.Context, userID string, at time.Time) error

	ReplaceBackupCodes(ctx context.Context, userID string, hashes []string) error
	ConsumeBackupCode(ctx context.Context, userID, codeHash string) (bool, error)
	UnusedBackupCodeCount(ctx context.Context, userID string) (int, error)

	CreateRememberToken(ctx context.Context, userID, tokenHash string, expires time.Time) error
	FindUserByRememberToken(ctx context.Context, tokenHash string) (*auth.User, error)
	DeleteRememberToken(ctx context.Context, tokenHash string) error
	DeleteRememberTokensForUser(ctx context.Context, userID string) error

	TwoFactorRequirement(ctx context.Context, userID string) (auth.TwoFactorRequirement, error)
	CurrentTerm(ctx context.Context) (*auth.Term, error)
	AcceptTerm(ctx context.Context, userID, termID string) error
	DeclineTerm(ctx context.Context, userID, termID string) error

	CreateWebAuthnDevice(ctx context.Context, dev auth.WebAuthnDevice) (*auth.WebAuthnDevice, error)
	ListWebAuthnDevices(ctx context.Context, userID string) ([]auth.WebAuthnDevice, error)
	DeleteWebAuthnDevice(ctx context.Context, userID, deviceID string) error
	UpdateWebAuthnDeviceSignCount(ctx context.Context, deviceID string, signCount uint32) error
}
