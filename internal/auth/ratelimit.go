package auth

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter throttles credential and code guessing with plain Redis
// INCR/EXPIRE counters. Limits are deliberately coarse; the login challenge
// store enforces its own per-challenge attempt cap.
type RateLimiter struct {
	Redis *redis.Client
}

const (
	loginMaxAttempts  = 5
	loginAttemptTTL   = 10 * time.Minute
	loginBanTTL       = 1 * time.Hour
	twoFAMaxAttempts  = 5
	twoFAAttemptTTL   = 10 * time.Minute
	verifyMaxAttempts = 5
	verifyAttemptTTL  = 10 * time.Minute
	resetMaxAttempts  = 5
	resetAttemptTTL   = 15 * time.Minute

	emailCooldown = 60 * time.Second
	EmailCooldown = emailCooldown
)

func (r *RateLimiter) IsIPBanned(ctx context.Context, ip string) bool {
	exists, _ := r.Redis.Exists(ctx, "login_ban:"+ip).Result()
	return exists == 1
}

// RegisterLoginFailure counts a failed password attempt per IP and bans the
// IP for loginBanTTL once the threshold is crossed.
func (r *RateLimiter) RegisterLoginFailure(ctx context.Context, ip string) error {
	key := "login_attempts:" + ip
	attempts, err := r.bump(ctx, key, loginAttemptTTL)
	if err != nil {
		return err
	}
	if attempts >= loginMaxAttempts {
		r.Redis.Set(ctx, "login_ban:"+ip, "1", loginBanTTL)
		r.Redis.Expire(ctx, key, loginBanTTL)
	}
	return nil
}

func (r *RateLimiter) ResetLogin(ctx context.Context, ip string) {
	r.Redis.Del(ctx, "login_attempts:"+ip)
}

// RegisterTwoFactorFailure counts a failed OTP/backup-code attempt per user
// and reports whether the user is now locked out of two-factor retries.
func (r *RateLimiter) RegisterTwoFactorFailure(ctx context.Context, userID string) (bool, error) {
	attempts, err := r.bump(ctx, "2fa_attempts:"+userID, twoFAAttemptTTL)
	if err != nil {
		return false, err
	}
	return attempts >= twoFAMaxAttempts, nil
}

func (r *RateLimiter) ResetTwoFactor(ctx context.Context, userID string) {
	r.Redis.Del(ctx, "2fa_attempts:"+userID)
}

func (r *RateLimiter) RegisterVerifyAttempt(ctx context.Context, email string) (bool, time.Duration, error) {
	key := "verify_attempts:" + strings.ToLower(email)
	attempts, err := r.bump(ctx, key, verifyAttemptTTL)
	if err != nil {
		return false, 0, err
	}
	ttl, _ := r.Redis.TTL(ctx, key).Result()
	return attempts >= verifyMaxAttempts, ttl, nil
}

func (r *RateLimiter) ResetVerify(ctx context.Context, email string) {
	r.Redis.Del(ctx, "verify_attempts:"+strings.ToLower(email))
}

// RegisterSignupAttempt throttles registrations and verification resends per
// email and per IP.
func (r *RateLimiter) RegisterSignupAttempt(ctx context.Context, email, ip string) (bool, time.Duration, error) {
	locked := false
	var ttlMax time.Duration
	for _, key := range []string{"signup_attempts:" + strings.ToLower(email), "signup_attempts_ip:" + ip} {
		attempts, err := r.bump(ctx, key, resetAttemptTTL)
		if err != nil {
			return false, 0, err
		}
		if attempts >= resetMaxAttempts {
			locked = true
		}
		if ttl, _ := r.Redis.TTL(ctx, key).Result(); ttl > ttlMax {
			ttlMax = ttl
		}
	}
	return locked, ttlMax, nil
}

// RegisterResetAttempt throttles password-reset requests per email and per
// IP; whichever counter trips first locks the request out.
func (r *RateLimiter) RegisterResetAttempt(ctx context.Context, email, ip string) (bool, time.Duration, error) {
	keys := []string{}
	if email != "" {
		keys = append(keys, "reset_attempts:"+strings.ToLower(email))
	}
	if ip != "" {
		keys = append(keys, "reset_attempts_ip:"+ip)
	}

	locked := false
	var ttlMax time.Duration
	for _, key := range keys {
		attempts, err := r.bump(ctx, key, resetAttemptTTL)
		if err != nil {
			return false, 0, err
		}
		if attempts >= resetMaxAttempts {
			locked = true
		}
		if ttl, _ := r.Redis.TTL(ctx, key).Result(); ttl > ttlMax {
			ttlMax = ttl
		}
	}
	return locked, ttlMax, nil
}

func (r *RateLimiter) CooldownTTL(ctx context.Context, key string) time.Duration {
	ttl, err := r.Redis.TTL(ctx, key).Result()
	if err != nil {
		return 0
	}
	return ttl
}

func (r *RateLimiter) SetCooldown(ctx context.Context, key string, ttl time.Duration) {
	r.Redis.Set(ctx, key, "1", ttl)
}

func (r *RateLimiter) bump(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	attempts, err := r.Redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if attempts == 1 {
		r.Redis.Expire(ctx, key, ttl)
	}
	return attempts, nil
}
