package auth

import "time"

const (
	StateActive  = "active"
	StateBlocked = "blocked"
)

type User struct {
	ID                      string
	Username                string
	Name                    *string
	Email                   string
	EmailVerified           *time.Time
	PasswordHash            *string
	PasswordChangedAt       time.Time
	State                   string
	BlockedAt               *time.Time
	BlockedReason           *string
	OTPSecret               *string
	OTPRequiredForLogin     bool
	OTPGracePeriodStartedAt *time.Time
	ConsumedTimestep        *int64
	PasswordResetToken      *string
	PasswordResetExpires    *time.Time
	AcceptedTermID          *string
	Role                    string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

func (u *User) Blocked() bool {
	return u.State == StateBlocked
}

func (u *User) TwoFactorEnabled() bool {
	return u.OTPRequiredForLogin
}

// PasswordExpired reports whether the password is older than maxAge.
// A zero maxAge disables expiry entirely.
func (u *User) PasswordExpired(maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 {
		return false
	}
	return now.After(u.PasswordChangedAt.Add(maxAge))
}

type VerificationToken struct {
	ID      string
	Token   string
	Expires time.Time
	UserID  string
}

type Group struct {
	ID                             string
	Name                           string
	RequireTwoFactorAuthentication bool
	TwoFactorGracePeriod           int // hours
	CreatedAt                      time.Time
}

// TwoFactorRequirement is the aggregated two-factor policy across all groups
// a user belongs to. When several groups require two-factor, the shortest
// grace period wins.
type TwoFactorRequirement struct {
	Required         bool
	GracePeriodHours int
	GroupName        string
}

type Term struct {
	ID        string
	Content   string
	CreatedAt time.Time
}

type BackupCode struct {
	ID        string
	UserID    string
	CodeHash  string
	UsedAt    *time.Time
	CreatedAt time.Time
}

type RememberToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}
