package auth

import (
	"context"
	"testing"
	"time"
)

func TestLoginFailureBansIP(t *testing.T) {
	rl := &RateLimiter{Redis: testRedis(t)}
	ctx := context.Background()
	ip := "203.0.113.7"

	if rl.IsIPBanned(ctx, ip) {
		t.Fatal("fresh IP reported banned")
	}

	for i := 0; i < loginMaxAttempts; i++ {
		if err := rl.RegisterLoginFailure(ctx, ip); err != nil {
			t.Fatalf("RegisterLoginFailure: %v", err)
		}
	}

	if !rl.IsIPBanned(ctx, ip) {
		t.Fatalf("IP not banned after %d failures", loginMaxAttempts)
	}
	if rl.IsIPBanned(ctx, "198.51.100.1") {
		t.Fatal("unrelated IP banned")
	}
}

func TestResetLoginClearsCounter(t *testing.T) {
	rl := &RateLimiter{Redis: testRedis(t)}
	ctx := context.Background()
	ip := "203.0.113.7"

	for i := 0; i < loginMaxAttempts-1; i++ {
		if err := rl.RegisterLoginFailure(ctx, ip); err != nil {
			t.Fatalf("RegisterLoginFailure: %v", err)
		}
	}
	rl.ResetLogin(ctx, ip)

	// Counter restarted, so one more failure must not trip the ban.
	if err := rl.RegisterLoginFailure(ctx, ip); err != nil {
		t.Fatalf("RegisterLoginFailure: %v", err)
	}
	if rl.IsIPBanned(ctx, ip) {
		t.Fatal("ban tripped after reset")
	}
}

func TestTwoFactorFailureLocksUser(t *testing.T) {
	rl := &RateLimiter{Redis: testRedis(t)}
	ctx := context.Background()

	var locked bool
	for i := 0; i < twoFAMaxAttempts; i++ {
		var err error
		locked, err = rl.RegisterTwoFactorFailure(ctx, "u1")
		if err != nil {
			t.Fatalf("RegisterTwoFactorFailure: %v", err)
		}
	}
	if !locked {
		t.Fatalf("user not locked after %d failures", twoFAMaxAttempts)
	}

	rl.ResetTwoFactor(ctx, "u1")
	locked, err := rl.RegisterTwoFactorFailure(ctx, "u1")
	if err != nil {
		t.Fatalf("RegisterTwoFactorFailure: %v", err)
	}
	if locked {
		t.Fatal("locked immediately after reset")
	}
}

func TestSignupAttemptLocksPerEmailAndIP(t *testing.T) {
	rl := &RateLimiter{Redis: testRedis(t)}
	ctx := context.Background()

	var locked bool
	for i := 0; i < resetMaxAttempts; i++ {
		var err error
		locked, _, err = rl.RegisterSignupAttempt(ctx, "Alice@Example.com", "203.0.113.7")
		if err != nil {
			t.Fatalf("RegisterSignupAttempt: %v", err)
		}
	}
	if !locked {
		t.Fatal("signup not locked after repeated attempts")
	}

	// The email counter is case-insensitive and trips alone, even from a new IP.
	locked, _, err := rl.RegisterSignupAttempt(ctx, "alice@example.com", "198.51.100.1")
	if err != nil {
		t.Fatalf("RegisterSignupAttempt: %v", err)
	}
	if !locked {
		t.Fatal("email counter did not carry across IPs")
	}
}

func TestResetAttemptThrottle(t *testing.T) {
	rl := &RateLimiter{Redis: testRedis(t)}
	ctx := context.Background()

	locked, ttl, err := rl.RegisterResetAttempt(ctx, "alice@example.com", "203.0.113.7")
	if err != nil {
		t.Fatalf("RegisterResetAttempt: %v", err)
	}
	if locked {
		t.Fatal("locked on first attempt")
	}
	if ttl <= 0 {
		t.Fatal("expected a running TTL")
	}

	for i := 1; i < resetMaxAttempts; i++ {
		locked, _, err = rl.RegisterResetAttempt(ctx, "alice@example.com", "203.0.113.7")
		if err != nil {
			t.Fatalf("RegisterResetAttempt: %v", err)
		}
	}
	if !locked {
		t.Fatalf("not locked after %d attempts", resetMaxAttempts)
	}
}

func TestCooldown(t *testing.T) {
	rl := &RateLimiter{Redis: testRedis(t)}
	ctx := context.Background()

	if ttl := rl.CooldownTTL(ctx, "cooldown:x"); ttl > 0 {
		t.Fatal("cooldown set before SetCooldown")
	}
	rl.SetCooldown(ctx, "cooldown:x", time.Minute)
	if ttl := rl.CooldownTTL(ctx, "cooldown:x"); ttl <= 0 {
		t.Fatal("cooldown TTL missing after SetCooldown")
	}
}
