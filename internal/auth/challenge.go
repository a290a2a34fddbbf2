package auth

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	loginChallengeTTL = 5 * time.Minute

	// LoginChallengeMaxAttempts caps code guesses per pending sign-in.
	LoginChallengeMaxAttempts = 5
)

// LoginChallenge is the server-side state between a successful password
// check and two-factor verification. It lives in Redis under a short TTL so
// an unfinished sign-in never turns into a session.
type LoginChallenge struct {
	ID         string
	UserID     string
	IP         string
	RememberMe bool
	Attempts   int64
	ExpiresAt  time.Time
}

type LoginChallengeStore struct {
	Redis *redis.Client
}

func challengeKey(id string) string {
	return "login_challenge:" + id
}

func (s *LoginChallengeStore) Create(ctx context.Context, userID, ip string, rememberMe bool) (*LoginChallenge, error) {
	ch := &LoginChallenge{
		ID:         uuid.NewString(),
		UserID:     userID,
		IP:         ip,
		RememberMe: rememberMe,
		ExpiresAt:  time.Now().Add(loginChallengeTTL),
	}

	data := map[string]interface{}{
		"userId":     ch.UserID,
		"ip":         ch.IP,
		"rememberMe": ch.RememberMe,
		"expires":    ch.ExpiresAt.Unix(),
	}

	pipe := s.Redis.TxPipeline()
	pipe.HSet(ctx, challengeKey(ch.ID), data)
	pipe.Expire(ctx, challengeKey(ch.ID), loginChallengeTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *LoginChallengeStore) Get(ctx context.Context, id string) (*LoginChallenge, error) {
	vals, err := s.Redis.HGetAll(ctx, challengeKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}

	expUnix, _ := strconv.ParseInt(vals["expires"], 10, 64)
	attempts, _ := strconv.ParseInt(vals["attempts"], 10, 64)

	ch := &LoginChallenge{
		ID:         id,
		UserID:     vals["userId"],
		IP:         vals["ip"],
		RememberMe: vals["rememberMe"] == "1" || vals["rememberMe"] == "true",
		Attempts:   attempts,
		ExpiresAt:  time.Unix(expUnix, 0),
	}

	if ch.ExpiresAt.Before(time.Now()) {
		_ = s.Delete(ctx, id)
		return nil, nil
	}
	return ch, nil
}

// RegisterFailure bumps the guess counter and reports whether the challenge
// is now exhausted. An exhausted challenge is deleted so the sign-in has to
// restart from the password step.
func (s *LoginChallengeStore) RegisterFailure(ctx context.Context, id string) (exhausted bool, err error) {
	attempts, err := s.Redis.HIncrBy(ctx, challengeKey(id), "attempts", 1).Result()
	if err != nil {
		return false, err
	}
	if attempts >= LoginChallengeMaxAttempts {
		_ = s.Delete(ctx, id)
		return true, nil
	}
	return false, nil
}

func (s *LoginChallengeStore) Delete(ctx context.Context, id string) error {
	return s.Redis.Del(ctx, challengeKey(id)).Err()
}
