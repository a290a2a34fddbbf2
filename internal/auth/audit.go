package auth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	EventLoginSuccess     = "login_success"
	EventLoginFailure     = "login_failure"
	EventAccountBlocked   = "account_blocked_login"
	EventTwoFactorSuccess = "two_factor_success"
	EventTwoFactorFailure = "two_factor_failure"
	EventBackupCodeUsed   = "backup_code_used"
	EventTermsAccepted    = "terms_accepted"
	EventTermsDeclined    = "terms_declined"
	EventPasswordChanged  = "password_changed"
	EventPasswordReset    = "password_reset"
	EventSessionRevoked   = "session_revoked"
)

type AuditEvent struct {
	EventType string                 `json:"eventType"`
	UserID    string                 `json:"userId,omitempty"`
	IP        string                 `json:"ip"`
	UserAgent string                 `json:"userAgent"`
	Timestamp time.Time              `json:"timestamp"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// AuditLogger appends events to a capped Redis list, one list per user plus
// a shared list for anonymous events.
type AuditLogger struct {
	Redis  *redis.Client
	MaxLen int64
}

func (a *AuditLogger) Log(ctx context.Context, e AuditEvent) error {
	if a == nil || a.Redis == nil {
		return nil
	}
	e.Timestamp = time.Now().UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	key := "audit"
	if e.UserID != "" {
		key = "audit:" + e.UserID
	}

	pipe := a.Redis.Pipeline()
	pipe.RPush(ctx, key, data)
	if a.MaxLen > 0 {
		pipe.LTrim(ctx, key, -a.MaxLen, -1)
	}
	_, err = pipe.Exec(ctx)
	return err
}
