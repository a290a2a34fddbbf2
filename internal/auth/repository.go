package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

type UserRepository struct {
	DB *pgxpool.Pool
}

func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{DB: db}
}

const userColumns = `"id","username","name","email","emailVerified","password","passwordChangedAt","state","blockedAt","blockedReason","otpSecret","otpRequiredForLogin","otpGracePeriodStartedAt","consumedTimestep","passwordResetToken","passwordResetExpires","acceptedTermId","role","createdAt","updatedAt"`

func (r *UserRepository) Create(ctx context.Context, username string, name *string, email string, passwordHash *string, verified *time.Time) (*User, error) {
	id := uuid.NewString()
	row := r.DB.QueryRow(ctx, `
		INSERT INTO "User"
		("id","username","name","email","password","emailVerified","state","role")
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING `+userColumns,
		id, username, name, strings.ToLower(email), passwordHash, verified, StateActive, "USER")
	return scanUser(row)
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (*User, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+userColumns+` FROM "User" WHERE "id"=$1`, id)
	return noRowsAsNil(scanUser(row))
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+userColumns+` FROM "User" WHERE "email"=LOWER($1)`, email)
	return noRowsAsNil(scanUser(row))
}

// FindByLogin resolves the sign-in form's login field, which accepts either
// a username or an email address.
func (r *UserRepository) FindByLogin(ctx context.Context, login string) (*User, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM "User"
		WHERE "username"=$1 OR "email"=LOWER($1)
	`, login)
	return noRowsAsNil(scanUser(row))
}

func (r *UserRepository) SetEmailVerified(ctx context.Context, userID string) error {
	_, err := r.DB.Exec(ctx, `UPDATE "User" SET "emailVerified"=NOW() WHERE "id"=$1`, userID)
	return err
}

func (r *UserRepository) CreateVerificationToken(ctx context.Context, userID, token string, expires time.Time) (*VerificationToken, error) {
	id := uuid.NewString()
	_, err := r.DB.Exec(ctx, `
		INSERT INTO "VerificationToken" ("id","token","expires","userId")
		VALUES ($1,$2,$3,$4)
	`, id, HashString(token), expires, userID)
	if err != nil {
		return nil, err
	}
	return &VerificationToken{ID: id, Token: token, Expires: expires, UserID: userID}, nil
}

func (r *UserRepository) GetVerificationToken(ctx context.Context, email, token string) (*VerificationToken, *User, error) {
	user, err := r.FindByEmail(ctx, email)
	if err != nil || user == nil {
		return nil, user, err
	}

	row := r.DB.QueryRow(ctx, `
		SELECT "id","token","expires"
		FROM "VerificationToken"
		WHERE "userId"=$1 AND "token"=$2 AND "expires" > NOW()
	`, user.ID, HashString(token))

	var vt VerificationToken
	vt.UserID = user.ID
	if err := row.Scan(&vt.ID, &vt.Token, &vt.Expires); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, user, nil
		}
		return nil, nil, err
	}
	return &vt, user, nil
}

func (r *UserRepository) DeleteVerificationTokens(ctx context.Context, userID string) error {
	_, err := r.DB.Exec(ctx, `DELETE FROM "VerificationToken" WHERE "userId"=$1`, userID)
	return err
}

func (r *UserRepository) Block(ctx context.Context, userID, reason string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE "User"
		SET "state"=$1, "blockedAt"=NOW(), "blockedReason"=$2
		WHERE "id"=$3
	`, StateBlocked, reason, userID)
	return err
}

func (r *UserRepository) Unblock(ctx context.Context, userID string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE "User"
		SET "state"=$1, "blockedAt"=NULL, "blockedReason"=NULL
		WHERE "id"=$2
	`, StateActive, userID)
	return err
}

// UpdatePassword stamps passwordChangedAt so the expiry policy restarts, and
// clears any outstanding reset token.
func (r *UserRepository) UpdatePassword(ctx context.Context, userID, hashed string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE "User"
		SET "password"=$1,
		    "passwordChangedAt"=NOW(),
		    "passwordResetToken"=NULL,
		    "passwordResetExpires"=NULL
		WHERE "id"=$2
	`, hashed, userID)
	return err
}

func (r *UserRepository) SetPasswordReset(ctx context.Context, userID, hashedToken string, expires time.Time) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE "User"
		SET "passwordResetToken"=$1, "passwordResetExpires"=$2
		WHERE "id"=$3
	`, hashedToken, expires, userID)
	return err
}

func (r *UserRepository) ClearPasswordReset(ctx context.Context, userID string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE "User"
		SET "passwordResetToken"=NULL, "passwordResetExpires"=NULL
		WHERE "id"=$1
	`, userID)
	return err
}

// FindUserWithResetToken compares the presented token against every live
// bcrypt-hashed reset token. The candidate set is tiny (unexpired resets
// only) so the scan stays cheap.
func (r *UserRepository) FindUserWithResetToken(ctx context.Context, token string) (*User, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+userColumns+`
		FROM "User"
		WHERE "passwordResetToken" IS NOT NULL AND "passwordResetExpires" > NOW()
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		if user.PasswordResetToken != nil && bcrypt.CompareHashAndPassword([]byte(*user.PasswordResetToken), []byte(token)) == nil {
			return user, nil
		}
	}
	return nil, rows.Err()
}

func (r *UserRepository) SetOTPSecret(ctx context.Context, userID string, secret *string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE "User"
		SET "otpSecret"=$1, "consumedTimestep"=NULL
		WHERE "id"=$2
	`, secret, userID)
	return err
}

func (r *UserRepository) EnableTwoFactor(ctx context.Context, userID string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE "User"
		SET "otpRequiredForLogin"=TRUE
		WHERE "id"=$1
	`, userID)
	return err
}

// DisableTwoFactor removes the secret, all backup codes and all WebAuthn
// devices in one transaction so a half-disabled account cannot exist.
func (r *UserRepository) DisableTwoFactor(ctx context.Context, userID string) error {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE "User"
		SET "otpRequiredForLogin"=FALSE,
		    "otpSecret"=NULL,
		    "consumedTimestep"=NULL,
		    "otpGracePeriodStartedAt"=NULL
		WHERE "id"=$1
	`, userID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM "BackupCode" WHERE "userId"=$1`, userID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM "WebAuthnDevice" WHERE "userId"=$1`, userID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ConsumeTimestep records the TOTP step at which a code was accepted. It
// fails unless the step is strictly newer than the last accepted one, so at
// most one code is accepted per 30 second window. Verification allows one
// step of clock skew, which means a captured code can still be presented in
// the adjacent window; that matches the upstream one-window guarantee.
func (r *UserRepository) ConsumeTimestep(ctx context.Context, userID string, timestep int64) (bool, error) {
	tag, err := r.DB.Exec(ctx, `
		UPDATE "User"
		SET "consumedTimestep"=$1
		WHERE "id"=$2 AND ("consumedTimestep" IS NULL OR "consumedTimestep" < $1)
	`, timestep, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// StartOTPGracePeriod sets the grace clock once; later logins see the
// original start time.
func (r *UserRepository) StartOTPGracePeriod(ctx context.Context, userID string, at time.Time) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE "User"
		SET "otpGracePeriodStartedAt"=$1
		WHERE "id"=$2 AND "otpGracePeriodStartedAt" IS NULL
	`, at, userID)
	return err
}

func (r *UserRepository) ReplaceBackupCodes(ctx context.Context, userID string, hashes []string) error {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM "BackupCode" WHERE "userId"=$1`, userID); err != nil {
		return err
	}
	for _, hash := range hashes {
		if _, err := tx.Exec(ctx, `
			INSERT INTO "BackupCode" ("id","userId","codeHash")
			VALUES ($1,$2,$3)
		`, uuid.NewString(), userID, hash); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ConsumeBackupCode marks the matching unused code as used. The usedAt guard
// makes the consume atomic: two concurrent attempts with the same code see
// exactly one success.
func (r *UserRepository) ConsumeBackupCode(ctx context.Context, userID, codeHash string) (bool, error) {
	tag, err := r.DB.Exec(ctx, `
		UPDATE "BackupCode"
		SET "usedAt"=NOW()
		WHERE "userId"=$1 AND "codeHash"=$2 AND "usedAt" IS NULL
	`, userID, codeHash)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *UserRepository) UnusedBackupCodeCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM "BackupCode"
		WHERE "userId"=$1 AND "usedAt" IS NULL
	`, userID).Scan(&count)
	return count, err
}

func (r *UserRepository) CreateRememberToken(ctx context.Context, userID, tokenHash string, expires time.Time) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO "RememberToken" ("id","userId","tokenHash","expiresAt")
		VALUES ($1,$2,$3,$4)
	`, uuid.NewString(), userID, tokenHash, expires)
	return err
}

func (r *UserRepository) FindUserByRememberToken(ctx context.Context, tokenHash string) (*User, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT `+userColumnsPrefixed("u")+`
		FROM "User" u
		INNER JOIN "RememberToken" rt ON rt."userId" = u."id"
		WHERE rt."tokenHash"=$1 AND rt."expiresAt" > NOW()
	`, tokenHash)
	return noRowsAsNil(scanUser(row))
}

func (r *UserRepository) DeleteRememberToken(ctx context.Context, tokenHash string) error {
	_, err := r.DB.Exec(ctx, `DELETE FROM "RememberToken" WHERE "tokenHash"=$1`, tokenHash)
	return err
}

func (r *UserRepository) DeleteRememberTokensForUser(ctx context.Context, userID string) error {
	_, err := r.DB.Exec(ctx, `DELETE FROM "RememberToken" WHERE "userId"=$1`, userID)
	return err
}

func (r *UserRepository) CreateGroup(ctx context.Context, name string, requireTwoFactor bool, gracePeriodHours int) (*Group, error) {
	g := &Group{
		ID:                             uuid.NewString(),
		Name:                           name,
		RequireTwoFactorAuthentication: requireTwoFactor,
		TwoFactorGracePeriod:           gracePeriodHours,
	}
	err := r.DB.QueryRow(ctx, `
		INSERT INTO "Group" ("id","name","requireTwoFactorAuthentication","twoFactorGracePeriod")
		VALUES ($1,$2,$3,$4)
		RETURNING "createdAt"
	`, g.ID, g.Name, g.RequireTwoFactorAuthentication, g.TwoFactorGracePeriod).Scan(&g.CreatedAt)
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (r *UserRepository) AddGroupMember(ctx context.Context, groupID, userID string) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO "GroupMembership" ("id","groupId","userId")
		VALUES ($1,$2,$3)
		ON CONFLICT ("groupId","userId") DO NOTHING
	`, uuid.NewString(), groupID, userID)
	return err
}

// TwoFactorRequirement aggregates the two-factor policy over the user's
// groups. When several groups require two-factor the one with the shortest
// grace period decides.
func (r *UserRepository) TwoFactorRequirement(ctx context.Context, userID string) (TwoFactorRequirement, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT g."name", g."twoFactorGracePeriod"
		FROM "Group" g
		INNER JOIN "GroupMembership" m ON m."groupId" = g."id"
		WHERE m."userId"=$1 AND g."requireTwoFactorAuthentication"
		ORDER BY g."twoFactorGracePeriod" ASC
		LIMIT 1
	`, userID)

	var req TwoFactorRequirement
	if err := row.Scan(&req.GroupName, &req.GracePeriodHours); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TwoFactorRequirement{}, nil
		}
		return TwoFactorRequirement{}, err
	}
	req.Required = true
	return req, nil
}

func (r *UserRepository) CreateTerm(ctx context.Context, content string) (*Term, error) {
	t := &Term{ID: uuid.NewString(), Content: content}
	err := r.DB.QueryRow(ctx, `
		INSERT INTO "Term" ("id","content")
		VALUES ($1,$2)
		RETURNING "createdAt"
	`, t.ID, t.Content).Scan(&t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CurrentTerm returns the newest published terms document, or nil when none
// exists yet.
func (r *UserRepository) CurrentTerm(ctx context.Context) (*Term, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT "id","content","createdAt"
		FROM "Term"
		ORDER BY "createdAt" DESC
		LIMIT 1
	`)
	var t Term
	if err := row.Scan(&t.ID, &t.Content, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (r *UserRepository) AcceptTerm(ctx context.Context, userID, termID string) error {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO "TermAgreement" ("id","userId","termId","accepted")
		VALUES ($1,$2,$3,TRUE)
		ON CONFLICT ("userId","termId") DO UPDATE SET "accepted"=TRUE, "updatedAt"=NOW()
	`, uuid.NewString(), userID, termID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE "User" SET "acceptedTermId"=$1 WHERE "id"=$2
	`, termID, userID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *UserRepository) DeclineTerm(ctx context.Context, userID, termID string) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO "TermAgreement" ("id","userId","termId","accepted")
		VALUES ($1,$2,$3,FALSE)
		ON CONFLICT ("userId","termId") DO UPDATE SET "accepted"=FALSE, "updatedAt"=NOW()
	`, uuid.NewString(), userID, termID)
	return err
}

func (r *UserRepository) CreateWebAuthnDevice(ctx context.Context, dev WebAuthnDevice) (*WebAuthnDevice, error) {
	id := uuid.NewString()
	transports := strings.Join(dev.Transports, ",")
	row := r.DB.QueryRow(ctx, `
		INSERT INTO "WebAuthnDevice"
		("id","userId","credentialId","publicKey","attestationType","aaguid","transports","signCount","name")
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING "id","userId","credentialId","publicKey","attestationType","aaguid","transports","signCount","name","createdAt","updatedAt"
	`, id, dev.UserID, dev.CredentialID, dev.PublicKey, dev.AttestationType, dev.AAGUID, transports, dev.SignCount, dev.Name)
	return scanWebAuthnDevice(row)
}

func (r *UserRepository) ListWebAuthnDevices(ctx context.Context, userID string) ([]WebAuthnDevice, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT "id","userId","credentialId","publicKey","attestationType","aaguid","transports","signCount","name","createdAt","updatedAt"
		FROM "WebAuthnDevice"
		WHERE "userId"=$1
		ORDER BY "createdAt" DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []WebAuthnDevice
	for rows.Next() {
		dev, err := scanWebAuthnDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *dev)
	}
	return devices, rows.Err()
}

func (r *UserRepository) DeleteWebAuthnDevice(ctx context.Context, userID, deviceID string) error {
	_, err := r.DB.Exec(ctx, `DELETE FROM "WebAuthnDevice" WHERE "id"=$1 AND "userId"=$2`, deviceID, userID)
	return err
}

func (r *UserRepository) UpdateWebAuthnDeviceSignCount(ctx context.Context, deviceID string, signCount uint32) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE "WebAuthnDevice"
		SET "signCount"=$1, "updatedAt"=NOW()
		WHERE "id"=$2
	`, signCount, deviceID)
	return err
}

func noRowsAsNil(user *User, err error) (*User, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return user, err
}

func userColumnsPrefixed(alias string) string {
	cols := strings.Split(userColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ",")
}

func scanUser(row pgx.Row) (*User, error) {
	var (
		id                      string
		username                string
		name                    sql.NullString
		email                   string
		emailVerified           sql.NullTime
		password                sql.NullString
		passwordChangedAt       time.Time
		state                   string
		blockedAt               sql.NullTime
		blockedReason           sql.NullString
		otpSecret               sql.NullString
		otpRequiredForLogin     bool
		otpGracePeriodStartedAt sql.NullTime
		consumedTimestep        sql.NullInt64
		passwordResetToken      sql.NullString
		passwordResetExpires    sql.NullTime
		acceptedTermID          sql.NullString
		role                    string
		createdAt               time.Time
		updatedAt               time.Time
	)

	if err := row.Scan(
		&id,
		&username,
		&name,
		&email,
		&emailVerified,
		&password,
		&passwordChangedAt,
		&state,
		&blockedAt,
		&blockedReason,
		&otpSecret,
		&otpRequiredForLogin,
		&otpGracePeriodStartedAt,
		&consumedTimestep,
		&passwordResetToken,
		&passwordResetExpires,
		&acceptedTermID,
		&role,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	return &User{
		ID:                      id,
		Username:                username,
		Name:                    nullStringPtr(name),
		Email:                   email,
		EmailVerified:           nullTimePtr(emailVerified),
		PasswordHash:            nullStringPtr(password),
		PasswordChangedAt:       passwordChangedAt,
		State:                   state,
		BlockedAt:               nullTimePtr(blockedAt),
		BlockedReason:           nullStringPtr(blockedReason),
		OTPSecret:               nullStringPtr(otpSecret),
		OTPRequiredForLogin:     otpRequiredForLogin,
		OTPGracePeriodStartedAt: nullTimePtr(otpGracePeriodStartedAt),
		ConsumedTimestep:        nullInt64Ptr(consumedTimestep),
		PasswordResetToken:      nullStringPtr(passwordResetToken),
		PasswordResetExpires:    nullTimePtr(passwordResetExpires),
		AcceptedTermID:          nullStringPtr(acceptedTermID),
		Role:                    role,
		CreatedAt:               createdAt,
		UpdatedAt:               updatedAt,
	}, nil
}

func scanWebAuthnDevice(row pgx.Row) (*WebAuthnDevice, error) {
	var (
		id              string
		userID          string
		credentialID    []byte
		publicKey       []byte
		attestationType string
		aaguid          []byte
		transports      sql.NullString
		signCount       uint32
		name            string
		createdAt       time.Time
		updatedAt       time.Time
	)

	if err := row.Scan(&id, &userID, &credentialID, &publicKey, &attestationType, &aaguid, &transports, &signCount, &name, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	return &WebAuthnDevice{
		ID:              id,
		UserID:          userID,
		CredentialID:    credentialID,
		PublicKey:       publicKey,
		AttestationType: attestationType,
		AAGUID:          aaguid,
		Transports:      splitTransports(transports.String),
		SignCount:       signCount,
		Name:            name,
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}, nil
}

func splitTransports(val string) []string {
	if val == "" {
		return nil
	}
	var res []string
	for _, p := range strings.Split(val, ",") {
		if t := strings.TrimSpace(p); t != "" {
			res = append(res, t)
		}
	}
	return res
}

func nullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		return &ns.String
	}
	return nil
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		return &nt.Time
	}
	return nil
}

func nullInt64Ptr(ni sql.NullInt64) *int64 {
	if ni.Valid {
		return &ni.Int64
	}
	return nil
}
