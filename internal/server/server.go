package server

import (
	"log"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/sin-ning/gitlabhq/internal/auth"
	"github.com/sin-ning/gitlabhq/internal/config"
	"github.com/sin-ning/gitlabhq/internal/email"
)

type Server struct {
	Users          UserStore
	Sessions       *auth.SessionStore
	Challenges     *auth.LoginChallengeStore
	RateLimiter    *auth.RateLimiter
	Mailer         *email.Sender
	TOTP           auth.TOTPVerifier
	Redis          *redis.Client
	Config         config.Config
	Hasher         auth.PasswordHasher
	Audit          *auth.AuditLogger
	Policy         auth.Policy
	WebAuthn       *webauthn.WebAuthn
	WebAuthnStore  *auth.WebAuthnSessionStore
	trustedProxies []net.IPNet
}

func NewServer(cfg config.Config, users UserStore, sessions *auth.SessionStore, rl *auth.RateLimiter, redisClient *redis.Client, mailer *email.Sender, totp auth.TOTPVerifier, hasher auth.PasswordHasher) (*Server, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.WebAuthn.RPName,
		RPID:          cfg.WebAuthn.RPID,
		RPOrigins:     cfg.WebAuthn.Origins,
	})
	if err != nil {
		return nil, err
	}

	return &Server{
		Users:       users,
		Sessions:    sessions,
		Challenges:  &auth.LoginChallengeStore{Redis: redisClient},
		RateLimiter: rl,
		Redis:       redisClient,
		Mailer:      mailer,
		TOTP:        totp,
		Config:      cfg,
		Hasher:      hasher,
		Audit:       &auth.AuditLogger{Redis: redisClient, MaxLen: 1000},
		Policy: auth.Policy{
			PasswordMaxAge:    cfg.PasswordMaxAge,
			EnforceTerms:      cfg.EnforceTerms,
			DefaultGraceHours: cfg.DefaultTwoFactorGraceHours,
		},
		WebAuthn:       wa,
		WebAuthnStore:  &auth.WebAuthnSessionStore{Redis: redisClient},
		trustedProxies: parseProxyCIDRs(cfg.TrustedProxies),
	}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	formatter := &middleware.DefaultLogFormatter{
		Logger:  log.New(log.Writer(), "", log.Flags()),
		NoColor: true,
	}
	r.Use(middleware.RequestLogger(formatter))
	r.Use(middleware.Recoverer)
	r.Use(secureHeaders)

	r.Handle("/metrics", promhttp.Handler())

	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/register"))).Post("/api/register", s.handleRegister)
	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/verify-email"))).Post("/api/verify-email", s.handleVerifyEmail)
	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/resend-verification"))).Post("/api/resend-verification", s.handleResendVerification)
	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/forgot-password"))).Post("/api/forgot-password", s.handleForgotPassword)
	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/reset-password"))).Post("/api/reset-password", s.handleResetPassword)

	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/auth/login"))).Post("/api/auth/login", s.handleLogin)
	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/auth/login/two-factor"))).Post("/api/auth/login/two-factor", s.handleLoginTwoFactor)
	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/auth/login/webauthn/start"))).Post("/api/auth/login/webauthn/start", s.handleLoginWebAuthnStart)
	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/auth/login/webauthn/finish"))).Post("/api/auth/login/webauthn/finish", s.handleLoginWebAuthnFinish)
	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/auth/logout"))).Post("/api/auth/logout", s.handleLogout)

	// Reachable while a policy gate is open; these endpoints are how the
	// gates get cleared.
	r.Group(func(pr chi.Router) {
		pr.Use(s.requireSession(false))

		pr.With(s.requireRoles(accessRoles(http.MethodGet, "/api/auth/me"))).Get("/api/auth/me", s.handleMe)
		pr.With(s.requireRoles(accessRoles(http.MethodPost, "/api/profile/change-password"))).Post("/api/profile/change-password", s.handleChangePassword)
		pr.With(s.requireRoles(accessRoles(http.MethodGet, "/api/terms"))).Get("/api/terms", s.handleCurrentTerm)
		pr.With(s.requireRoles(accessRoles(http.MethodPost, "/api/terms/accept"))).Post("/api/terms/accept", s.handleAcceptTerm)
		pr.With(s.requireRoles(accessRoles(http.MethodPost, "/api/terms/decline"))).Post("/api/terms/decline", s.handleDeclineTerm)
		pr.With(s.requireRoles(accessRoles(http.MethodPost, "/api/two-factor/setup-start"))).Post("/api/two-factor/setup-start", s.handleTwoFactorSetupStart)
		pr.With(s.requireRoles(accessRoles(http.MethodPost, "/api/two-factor/setup-finalize"))).Post("/api/two-factor/setup-finalize", s.handleTwoFactorSetupFinalize)
	})

	r.Group(func(pr chi.Router) {
		pr.Use(s.requireSession(true))

		pr.With(s.requireRoles(accessRoles(http.MethodGet, "/api/sessions"))).Get("/api/sessions", s.handleListSessions)
		pr.With(s.requireRoles(accessRoles(http.MethodDelete, "/api/sessions"))).Delete("/api/sessions", s.handleDeleteSession)
		pr.With(s.requireRoles(accessRoles(http.MethodGet, "/api/sessions/current"))).Get("/api/sessions/current", s.handleCurrentSession)

		pr.With(s.requireRoles(accessRoles(http.MethodPost, "/api/two-factor/disable"))).Post("/api/two-factor/disable", s.handleTwoFactorDisable)
		pr.With(s.requireRoles(accessRoles(http.MethodPost, "/api/two-factor/backup-codes"))).Post("/api/two-factor/backup-codes", s.handleRegenerateBackupCodes)

		pr.With(s.requireRoles(accessRoles(http.MethodPost, "/api/webauthn/register/start"))).Post("/api/webauthn/register/start", s.handleWebAuthnRegisterStart)
		pr.With(s.requireRoles(accessRoles(http.MethodPost, "/api/webauthn/register/finish"))).Post("/api/webauthn/register/finish", s.handleWebAuthnRegisterFinish)
		pr.With(s.requireRoles(accessRoles(http.MethodGet, "/api/webauthn/devices"))).Get("/api/webauthn/devices", s.handleListWebAuthnDevices)
		pr.With(s.requireRoles(accessRoles(http.MethodDelete, "/api/webauthn/devices/{id}"))).Delete("/api/webauthn/devices/{id}", s.handleDeleteWebAuthnDevice)
	})

	return r
}
