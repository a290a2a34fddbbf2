package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/google/uuid"
	"github.com/sin-ning/gitlabhq/internal/auth"
)

// memStore is an in-memory UserStore for handler tests. It mirrors the SQL
// repository's semantics closely enough that the handlers cannot tell the
// difference.
type memStore struct {
	mu sync.Mutex

	users          map[string]*auth.User
	verifications  map[string][]auth.VerificationToken
	backupCodes    map[string][]auth.BackupCode
	rememberTokens map[string]auth.RememberToken
	requirements   map[string]auth.TwoFactorRequirement
	term           *auth.Term
	devices        map[string][]auth.WebAuthnDevice
}

func newMemStore() *memStore {
	return &memStore{
		users:          map[string]*auth.User{},
		verifications:  map[string][]auth.VerificationToken{},
		backupCodes:    map[string][]auth.BackupCode{},
		rememberTokens: map[string]auth.RememberToken{},
		requirements:   map[string]auth.TwoFactorRequirement{},
		devices:        map[string][]auth.WebAuthnDevice{},
	}
}

func (m *memStore) addUser(u *auth.User) *auth.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.State == "" {
		u.State = auth.StateActive
	}
	if u.Role == "" {
		u.Role = "USER"
	}
	if u.PasswordChangedAt.IsZero() {
		u.PasswordChangedAt = time.Now()
	}
	m.users[u.ID] = u
	return u
}

func (m *memStore) requireTwoFactor(userID string, req auth.TwoFactorRequirement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requirements[userID] = req
}

func (m *memStore) publishTerm(content string) *auth.Term {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.term = &auth.Term{ID: uuid.NewString(), Content: content, CreatedAt: time.Now()}
	return m.term
}

func copyUser(u *auth.User) *auth.User {
	if u == nil {
		return nil
	}
	cp := *u
	return &cp
}

func (m *memStore) Create(_ context.Context, username string, name *string, email string, passwordHash *string, verified *time.Time) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &auth.User{
		ID:                uuid.NewString(),
		Username:          username,
		Name:              name,
		Email:             email,
		EmailVerified:     verified,
		PasswordHash:      passwordHash,
		PasswordChangedAt: time.Now(),
		State:             auth.StateActive,
		Role:              "USER",
		CreatedAt:         time.Now(),
	}
	m.users[u.ID] = u
	return copyUser(u), nil
}

func (m *memStore) FindByID(_ context.Context, id string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyUser(m.users[id]), nil
}

func (m *memStore) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if equalFold(u.Email, email) {
			return copyUser(u), nil
		}
	}
	return nil, nil
}

func (m *memStore) FindByLogin(_ context.Context, login string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == login || equalFold(u.Email, login) {
			return copyUser(u), nil
		}
	}
	return nil, nil
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func (m *memStore) SetEmailVerified(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		now := time.Now()
		u.EmailVerified = &now
	}
	return nil
}

func (m *memStore) CreateVerificationToken(_ context.Context, userID, token string, expires time.Time) (*auth.VerificationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vt := auth.VerificationToken{ID: uuid.NewString(), Token: auth.HashString(token), Expires: expires, UserID: userID}
	m.verifications[userID] = append(m.verifications[userID], vt)
	return &auth.VerificationToken{ID: vt.ID, Token: token, Expires: expires, UserID: userID}, nil
}

func (m *memStore) GetVerificationToken(ctx context.Context, email, token string) (*auth.VerificationToken, *auth.User, error) {
	user, err := m.FindByEmail(ctx, email)
	if err != nil || user == nil {
		return nil, user, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	hashed := auth.HashString(token)
	for _, vt := range m.verifications[user.ID] {
		if vt.Token == hashed && vt.Expires.After(time.Now()) {
			found := vt
			return &found, user, nil
		}
	}
	return nil, user, nil
}

func (m *memStore) DeleteVerificationTokens(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.verifications, userID)
	return nil
}

func (m *memStore) UpdatePassword(_ context.Context, userID, hashed string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("no such user")
	}
	u.PasswordHash = &hashed
	u.PasswordChangedAt = time.Now()
	u.PasswordResetToken = nil
	u.PasswordResetExpires = nil
	return nil
}

func (m *memStore) SetPasswordReset(_ context.Context, userID, hashedToken string, expires time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.PasswordResetToken = &hashedToken
		u.PasswordResetExpires = &expires
	}
	return nil
}

func (m *memStore) ClearPasswordReset(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.PasswordResetToken = nil
		u.PasswordResetExpires = nil
	}
	return nil
}

func (m *memStore) FindUserWithResetToken(_ context.Context, token string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.PasswordResetToken == nil || u.PasswordResetExpires == nil || u.PasswordResetExpires.Before(time.Now()) {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(*u.PasswordResetToken), []byte(token)) == nil {
			return copyUser(u), nil
		}
	}
	return nil, nil
}

func (m *memStore) SetOTPSecret(_ context.Context, userID string, secret *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.OTPSecret = secret
		u.ConsumedTimestep = nil
	}
	return nil
}

func (m *memStore) EnableTwoFactor(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.OTPRequiredForLogin = true
	}
	return nil
}

func (m *memStore) DisableTwoFactor(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.OTPRequiredForLogin = false
		u.OTPSecret = nil
		u.ConsumedTimestep = nil
		u.OTPGracePeriodStartedAt = nil
	}
	delete(m.backupCodes, userID)
	delete(m.devices, userID)
	return nil
}

func (m *memStore) ConsumeTimestep(_ context.Context, userID string, timestep int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return false, nil
	}
	if u.ConsumedTimestep != nil && *u.ConsumedTimestep >= timestep {
		return false, nil
	}
	u.ConsumedTimestep = &timestep
	return true, nil
}

func (m *memStore) StartOTPGracePeriod(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok && u.OTPGracePeriodStartedAt == nil {
		u.OTPGracePeriodStartedAt = &at
	}
	return nil
}

func (m *memStore) ReplaceBackupCodes(_ context.Context, userID string, hashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	codes := make([]auth.BackupCode, 0, len(hashes))
	for _, h := range hashes {
		codes = append(codes, auth.BackupCode{ID: uuid.NewString(), UserID: userID, CodeHash: h, CreatedAt: time.Now()})
	}
	m.backupCodes[userID] = codes
	return nil
}

func (m *memStore) ConsumeBackupCode(_ context.Context, userID, codeHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.backupCodes[userID] {
		bc := &m.backupCodes[userID][i]
		if bc.CodeHash == codeHash && bc.UsedAt == nil {
			now := time.Now()
			bc.UsedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) UnusedBackupCodeCount(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, bc := range m.backupCodes[userID] {
		if bc.UsedAt == nil {
			count++
		}
	}
	return count, nil
}

func (m *memStore) CreateRememberToken(_ context.Context, userID, tokenHash string, expires time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rememberTokens[tokenHash] = auth.RememberToken{
		ID: uuid.NewString(), UserID: userID, TokenHash: tokenHash, ExpiresAt: expires, CreatedAt: time.Now(),
	}
	return nil
}

func (m *memStore) FindUserByRememberToken(_ context.Context, tokenHash string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.rememberTokens[tokenHash]
	if !ok || rt.ExpiresAt.Before(time.Now()) {
		return nil, nil
	}
	return copyUser(m.users[rt.UserID]), nil
}

func (m *memStore) DeleteRememberToken(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rememberTokens, tokenHash)
	return nil
}

func (m *memStore) DeleteRememberTokensForUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, rt := range m.rememberTokens {
		if rt.UserID == userID {
			delete(m.rememberTokens, hash)
		}
	}
	return nil
}

func (m *memStore) TwoFactorRequirement(_ context.Context, userID string) (auth.TwoFactorRequirement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requirements[userID], nil
}

func (m *memStore) CurrentTerm(_ context.Context) (*auth.Term, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.term == nil {
		return nil, nil
	}
	cp := *m.term
	return &cp, nil
}

func (m *memStore) AcceptTerm(_ context.Context, userID, termID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		id := termID
		u.AcceptedTermID = &id
	}
	return nil
}

func (m *memStore) DeclineTerm(_ context.Context, userID, termID string) error {
	return nil
}

func (m *memStore) CreateWebAuthnDevice(_ context.Context, dev auth.WebAuthnDevice) (*auth.WebAuthnDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev.ID = uuid.NewString()
	dev.CreatedAt = time.Now()
	dev.UpdatedAt = dev.CreatedAt
	m.devices[dev.UserID] = append(m.devices[dev.UserID], dev)
	return &dev, nil
}

func (m *memStore) ListWebAuthnDevices(_ context.Context, userID string) ([]auth.WebAuthnDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]auth.WebAuthnDevice(nil), m.devices[userID]...), nil
}

func (m *memStore) DeleteWebAuthnDevice(_ context.Context, userID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	devices := m.devices[userID]
	for i, dev := range devices {
		if dev.ID == deviceID {
			m.devices[userID] = append(devices[:i], devices[i+1:]...)
			break
		}
	}
	return nil
}

func (m *memStore) UpdateWebAuthnDeviceSignCount(_ context.Context, deviceID string, signCount uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID := range m.devices {
		for i := range m.devices[userID] {
			if m.devices[userID][i].ID == deviceID {
				m.devices[userID][i].SignCount = signCount
				m.devices[userID][i].UpdatedAt = time.Now()
			}
		}
	}
	return nil
}

// fakeTOTP accepts exactly one code and exposes the timestep as a plain
// counter, so tests control verification and replay outcomes without real
// clocks or secrets. Bump step to simulate the next 30 second window.
type fakeTOTP struct {
	code string
	step int64
}

func (f *fakeTOTP) Verify(_, code string, _ time.Time) bool {
	return code == f.code
}

func (f *fakeTOTP) Timestep(_ time.Time) int64 {
	return f.step
}

func (f *fakeTOTP) Generate(_ string) (string, string, string, error) {
	return "FAKESECRET", "otpauth://totp/test", "data:image/png;base64,aaaa", nil
}
