package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                       string
	BaseURL                    string
	DatabaseURL                string
	RedisURL                   string
	LogFile                    string
	NoEmailVerify              bool
	SessionTTL                 time.Duration
	RememberMeTTL              time.Duration
	PasswordMaxAge             time.Duration // 0 disables password expiry
	EnforceTerms               bool
	DefaultTwoFactorGraceHours int
	TOTPIssuer                 string
	Email                      EmailConfig
	TrustedProxies             []string
	WebAuthn                   WebAuthnConfig
}

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Secure   bool
}

func (e EmailConfig) Enabled() bool {
	return e.Host != "" && e.Port != 0 && e.From != ""
}

type WebAuthnConfig struct {
	RPName  string
	RPID    string
	Origins []string
}

func Load() (Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	clean := func(val string) string {
		return strings.Trim(val, "\"' \t\r\n")
	}

	emailPort, err := strconv.Atoi(strings.Trim(getenvDefault("EMAIL_SERVER_PORT", "587"), "\"' "))
	if err != nil {
		emailPort = 587
	}

	cfg := Config{
		Port:                       getenvDefault("PORT", "8080"),
		BaseURL:                    getenvDefault("APP_BASE_URL", "http://localhost:3000"),
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		RedisURL:                   getenvDefault("REDIS_URL", "redis://localhost:6379"),
		LogFile:                    getenvDefault("LOG_FILE", "logs/server.log"),
		NoEmailVerify:              parseBool(os.Getenv("NO_EMAIL_VERIFY")),
		SessionTTL:                 time.Duration(parseInt(getenvDefault("SESSION_TTL_HOURS", "168"), 168)) * time.Hour,
		RememberMeTTL:              time.Duration(parseInt(getenvDefault("REMEMBER_ME_TTL_DAYS", "14"), 14)) * 24 * time.Hour,
		PasswordMaxAge:             time.Duration(parseInt(getenvDefault("PASSWORD_MAX_AGE_DAYS", "0"), 0)) * 24 * time.Hour,
		EnforceTerms:               parseBool(os.Getenv("ENFORCE_TERMS")),
		DefaultTwoFactorGraceHours: parseInt(getenvDefault("TWO_FACTOR_GRACE_HOURS", "48"), 48),
		TOTPIssuer:                 getenvDefault("TOTP_ISSUER", "SignInService"),
		TrustedProxies:             parseList(os.Getenv("TRUSTED_PROXIES")),
	}

	cfg.Email = EmailConfig{
		Host:     clean(os.Getenv("EMAIL_SERVER_HOST")),
		Port:     emailPort,
		Username: clean(os.Getenv("EMAIL_SERVER_USER")),
		Password: clean(os.Getenv("EMAIL_SERVER_PASSWORD")),
		From:     clean(os.Getenv("EMAIL_FROM")),
		Secure:   parseBool(os.Getenv("EMAIL_SERVER_SECURE")),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	rpOrigin := getenvDefault("WEB_AUTHN_ORIGIN", cfg.BaseURL)
	cfg.WebAuthn = WebAuthnConfig{
		RPName:  getenvDefault("WEB_AUTHN_RP_NAME", "Sign-in Service"),
		RPID:    getenvDefault("WEB_AUTHN_RP_ID", hostFromURL(rpOrigin)),
		Origins: parseList(getenvDefault("WEB_AUTHN_ORIGINS", rpOrigin)),
	}
	if len(cfg.WebAuthn.Origins) == 0 {
		cfg.WebAuthn.Origins = []string{rpOrigin}
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func parseBool(val string) bool {
	if val == "" {
		return false
	}
	val = strings.ToLower(strings.Trim(val, "\"' "))
	return val == "1" || val == "true" || val == "yes"
}

func parseInt(val string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return def
	}
	return n
}

func parseList(val string) []string {
	parts := strings.Split(val, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func hostFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Hostname()
}
