package config

import (
	"testing"
	"time"
)

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("Load succeeded without DATABASE_URL")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/auth")
	t.Setenv("PORT", "")
	t.Setenv("APP_BASE_URL", "")
	t.Setenv("SESSION_TTL_HOURS", "")
	t.Setenv("REMEMBER_ME_TTL_DAYS", "")
	t.Setenv("PASSWORD_MAX_AGE_DAYS", "")
	t.Setenv("TWO_FACTOR_GRACE_HOURS", "")
	t.Setenv("ENFORCE_TERMS", "")
	t.Setenv("WEB_AUTHN_RP_ID", "")
	t.Setenv("WEB_AUTHN_ORIGIN", "")
	t.Setenv("WEB_AUTHN_ORIGINS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.SessionTTL != 168*time.Hour {
		t.Errorf("SessionTTL = %v", cfg.SessionTTL)
	}
	if cfg.RememberMeTTL != 14*24*time.Hour {
		t.Errorf("RememberMeTTL = %v", cfg.RememberMeTTL)
	}
	if cfg.PasswordMaxAge != 0 {
		t.Errorf("PasswordMaxAge = %v, expiry should default off", cfg.PasswordMaxAge)
	}
	if cfg.DefaultTwoFactorGraceHours != 48 {
		t.Errorf("DefaultTwoFactorGraceHours = %d", cfg.DefaultTwoFactorGraceHours)
	}
	if cfg.EnforceTerms {
		t.Error("EnforceTerms should default off")
	}
	// The RP ID falls back to the base URL's host.
	if cfg.WebAuthn.RPID != "localhost" {
		t.Errorf("WebAuthn.RPID = %q", cfg.WebAuthn.RPID)
	}
	if len(cfg.WebAuthn.Origins) != 1 || cfg.WebAuthn.Origins[0] != "http://localhost:3000" {
		t.Errorf("WebAuthn.Origins = %v", cfg.WebAuthn.Origins)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/auth")
	t.Setenv("PASSWORD_MAX_AGE_DAYS", "90")
	t.Setenv("ENFORCE_TERMS", "true")
	t.Setenv("EMAIL_SERVER_HOST", "\"smtp.example.com\"")
	t.Setenv("EMAIL_SERVER_PORT", "465")
	t.Setenv("EMAIL_FROM", "noreply@example.com")
	t.Setenv("EMAIL_SERVER_SECURE", "yes")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.168.0.0/16")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.PasswordMaxAge != 90*24*time.Hour {
		t.Errorf("PasswordMaxAge = %v", cfg.PasswordMaxAge)
	}
	if !cfg.EnforceTerms {
		t.Error("EnforceTerms not picked up")
	}
	// Quotes around values are stripped, the way .env files often write them.
	if cfg.Email.Host != "smtp.example.com" {
		t.Errorf("Email.Host = %q", cfg.Email.Host)
	}
	if cfg.Email.Port != 465 || !cfg.Email.Secure {
		t.Errorf("Email = %+v", cfg.Email)
	}
	if !cfg.Email.Enabled() {
		t.Error("mailer should be enabled with host, port and from set")
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[1] != "192.168.0.0/16" {
		t.Errorf("TrustedProxies = %v", cfg.TrustedProxies)
	}
}

func TestEmailConfigEnabled(t *testing.T) {
	if (EmailConfig{}).Enabled() {
		t.Error("empty config reported enabled")
	}
	if (EmailConfig{Host: "smtp.example.com", Port: 587}).Enabled() {
		t.Error("config without From reported enabled")
	}
	if !(EmailConfig{Host: "smtp.example.com", Port: 587, From: "x@example.com"}).Enabled() {
		t.Error("complete config reported disabled")
	}
}

func TestParseHelpers(t *testing.T) {
	for val, want := range map[string]bool{
		"":      false,
		"0":     false,
		"no":    false,
		"1":     true,
		"true":  true,
		"TRUE":  true,
		"yes":   true,
		"\"1\"": true,
	} {
		if got := parseBool(val); got != want {
			t.Errorf("parseBool(%q) = %v, want %v", val, got, want)
		}
	}

	if got := parseInt("12", 5); got != 12 {
		t.Errorf("parseInt(12) = %d", got)
	}
	if got := parseInt("garbage", 5); got != 5 {
		t.Errorf("parseInt fallback = %d", got)
	}

	if got := parseList(" a ,, b "); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("parseList = %v", got)
	}
	if got := parseList(""); got != nil {
		t.Errorf("parseList(\"\") = %v", got)
	}

	if got := hostFromURL("https://auth.example.com:8443/login"); got != "auth.example.com" {
		t.Errorf("hostFromURL = %q", got)
	}
}
