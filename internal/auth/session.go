package auth

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Session struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"userId"`
	Role                string     `json:"role"`
	IP                  string     `json:"ip"`
	UserAgent           string     `json:"userAgent"`
	Location            string     `json:"location,omitempty"`
	ExpiresAt           time.Time  `json:"expiresAt"`
	LoginTime           time.Time  `json:"loginTime"`
	TwoFactorVerified   bool       `json:"twoFactorVerified"`
	TwoFactorVerifiedAt *time.Time `json:"twoFactorVerifiedAt,omitempty"`
	Remembered          bool       `json:"remembered"`
	TTLSeconds          int64      `json:"ttlSeconds"`
}

// SessionStore keeps one Redis hash per session, expiring with the session
// itself so nothing needs a reaper.
type SessionStore struct {
	Redis *redis.Client
}

func sessionKey(id string) string {
	return "session:" + id
}

func (s *SessionStore) Create(ctx context.Context, sess Session) error {
	data := map[string]interface{}{
		"userId":            sess.UserID,
		"role":              sess.Role,
		"ipAddress":         sess.IP,
		"userAgent":         sess.UserAgent,
		"location":          sess.Location,
		"expires":           sess.ExpiresAt.Unix(),
		"loginTime":         sess.LoginTime.Unix(),
		"twoFactorVerified": sess.TwoFactorVerified,
		"remembered":        sess.Remembered,
	}
	if sess.TwoFactorVerifiedAt != nil {
		data["twoFactorVerifiedAt"] = sess.TwoFactorVerifiedAt.Unix()
	}

	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}

	pipe := s.Redis.TxPipeline()
	pipe.HSet(ctx, sessionKey(sess.ID), data)
	pipe.Expire(ctx, sessionKey(sess.ID), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	vals, err := s.Redis.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}

	expUnix, _ := strconv.ParseInt(vals["expires"], 10, 64)
	loginUnix, _ := strconv.ParseInt(vals["loginTime"], 10, 64)
	verifiedAtUnix, _ := strconv.ParseInt(vals["twoFactorVerifiedAt"], 10, 64)
	ttl, _ := s.Redis.TTL(ctx, sessionKey(id)).Result()

	sess := &Session{
		ID:                id,
		UserID:            vals["userId"],
		Role:              vals["role"],
		IP:                vals["ipAddress"],
		UserAgent:         vals["userAgent"],
		Location:          vals["location"],
		ExpiresAt:         time.Unix(expUnix, 0),
		LoginTime:         time.Unix(loginUnix, 0),
		TwoFactorVerified: parseRedisBool(vals["twoFactorVerified"]),
		Remembered:        parseRedisBool(vals["remembered"]),
		TTLSeconds:        int64(ttl.Seconds()),
	}
	if verifiedAtUnix > 0 {
		t := time.Unix(verifiedAtUnix, 0)
		sess.TwoFactorVerifiedAt = &t
	}

	if sess.ExpiresAt.Before(time.Now()) {
		_ = s.Delete(ctx, id)
		return nil, nil
	}
	return sess, nil
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	return s.Redis.Del(ctx, sessionKey(id)).Err()
}

// DeleteByUser revokes every session belonging to the user. Used after
// password resets and when terms are declined.
func (s *SessionStore) DeleteByUser(ctx context.Context, userID string) error {
	sessions, err := s.ListForUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return nil
	}
	pipe := s.Redis.TxPipeline()
	for _, sess := range sessions {
		pipe.Del(ctx, sessionKey(sess.ID))
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *SessionStore) ListForUser(ctx context.Context, userID string) ([]Session, error) {
	var sessions []Session
	iter := s.Redis.Scan(ctx, 0, "session:*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), "session:")
		sess, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess != nil && sess.UserID == userID {
			sessions = append(sessions, *sess)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func parseRedisBool(val string) bool {
	return val == "1" || strings.EqualFold(val, "true")
}

func NewSessionID() string {
	return uuid.NewString()
}
