package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/sin-ning/gitlabhq/internal/auth"
	"github.com/sin-ning/gitlabhq/internal/i18n"
	"github.com/sin-ning/gitlabhq/internal/metrics"
)

type registerRequest struct {
	Username string  `json:"username"`
	Name     *string `json:"name"`
	Email    string  `json:"email"`
	Password string  `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := validateUsername(req.Username); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !validateEmail(req.Email) {
		writeError(w, http.StatusBadRequest, "Invalid email format")
		return
	}
	if err := validatePassword(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	locale := i18n.LocaleFromRequest(r)
	ip := clientIP(r, s.trustedProxies)
	if locked, ttl, err := s.RateLimiter.RegisterSignupAttempt(ctx, req.Email, ip); err != nil {
		log.Printf("register: rate limit check failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Registration throttled")
		return
	} else if locked {
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"message":  "Too many signup attempts. Try again later.",
			"cooldown": int64(ttl.Seconds()),
		})
		return
	}

	if existing, err := s.Users.FindByEmail(ctx, req.Email); err != nil {
		log.Printf("register: lookup by email failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to check user")
		return
	} else if existing != nil {
		if existing.EmailVerified == nil {
			writeError(w, http.StatusConflict, "User already exists. Please verify your email or sign in to resend the code.")
			return
		}
		writeError(w, http.StatusConflict, "A user with this email already exists.")
		return
	}

	if existing, err := s.Users.FindByLogin(ctx, req.Username); err != nil {
		log.Printf("register: lookup by username failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to check user")
		return
	} else if existing != nil {
		writeError(w, http.StatusConflict, "Username is already taken.")
		return
	}

	hashed, err := s.Hasher.Hash(req.Password)
	if err != nil {
		log.Printf("register: hash failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}

	var verifiedAt *time.Time
	if s.Config.NoEmailVerify {
		now := time.Now()
		verifiedAt = &now
	}

	user, err := s.Users.Create(ctx, req.Username, req.Name, req.Email, &hashed, verifiedAt)
	if err != nil {
		log.Printf("register: create user failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	if !s.Config.NoEmailVerify {
		if err := s.issueVerification(ctx, user, locale); err != nil {
			log.Printf("register: issue verification failed: %v", err)
			writeError(w, http.StatusInternalServerError, "Registration failed: could not send verification code")
			return
		}
	}

	emailVerificationRequired := !s.Config.NoEmailVerify
	message := "Registration successful! Please check your email to verify your account."
	if !emailVerificationRequired {
		message = "Registration successful! You can now sign in."
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message":                   message,
		"emailVerificationRequired": emailVerificationRequired,
		"user": map[string]string{
			"id":       user.ID,
			"username": user.Username,
			"email":    user.Email,
		},
	})
}

type verifyEmailRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !validateEmail(req.Email) || len(req.Code) != 6 {
		writeError(w, http.StatusBadRequest, "Invalid request data")
		return
	}

	ctx := r.Context()
	locked, ttl, err := s.RateLimiter.RegisterVerifyAttempt(ctx, req.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to verify email")
		return
	}
	if locked {
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"message":  "Too many verification attempts. Try again later.",
			"cooldown": int64(ttl.Seconds()),
		})
		return
	}
	vt, user, err := s.Users.GetVerificationToken(ctx, req.Email, req.Code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to verify email")
		return
	}
	if vt == nil || user == nil {
		writeError(w, http.StatusBadRequest, "Invalid or expired code.")
		return
	}

	if err := s.Users.SetEmailVerified(ctx, vt.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to mark email verified")
		return
	}
	_ = s.Users.DeleteVerificationTokens(ctx, vt.UserID)
	s.RateLimiter.ResetVerify(ctx, req.Email)

	writeJSON(w, http.StatusOK, map[string]string{"message": "Email successfully verified."})
}

type resendVerificationRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req resendVerificationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !validateEmail(req.Email) {
		writeError(w, http.StatusBadRequest, "Invalid email format")
		return
	}

	ctx := r.Context()
	locale := i18n.LocaleFromRequest(r)
	emailKey := strings.ToLower(req.Email)
	cooldownKey := fmt.Sprintf("resend_cooldown:%s", emailKey)
	if ttl := s.RateLimiter.CooldownTTL(ctx, cooldownKey); ttl > 0 {
		writeJSON(w, http.StatusTooManyRequests, map[string]int64{"cooldown": int64(ttl.Seconds())})
		return
	}
	if locked, ttl, err := s.RateLimiter.RegisterSignupAttempt(ctx, req.Email, clientIP(r, s.trustedProxies)); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to process request")
		return
	} else if locked {
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"cooldown": int64(ttl.Seconds()),
			"message":  "Too many attempts. Try again later.",
		})
		return
	}

	user, err := s.Users.FindByEmail(ctx, req.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load user")
		return
	}

	if user != nil && user.EmailVerified == nil {
		if err := s.issueVerification(ctx, user, locale); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to send verification code")
			return
		}
	}
	s.RateLimiter.SetCooldown(ctx, cooldownKey, auth.EmailCooldown)

	writeJSON(w, http.StatusOK, map[string]string{"message": "If the account exists, a verification code has been sent."})
}

type loginRequest struct {
	Login      string `json:"login"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Login) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Invalid request data")
		return
	}

	ctx := r.Context()
	ip := clientIP(r, s.trustedProxies)

	if s.RateLimiter.IsIPBanned(ctx, ip) {
		writeError(w, http.StatusTooManyRequests, "Too many sign-in attempts. Try again later.")
		return
	}

	user, err := s.Users.FindByLogin(ctx, req.Login)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Login failed")
		return
	}
	if user == nil || user.PasswordHash == nil || !s.Hasher.Compare(*user.PasswordHash, req.Password) {
		_ = s.RateLimiter.RegisterLoginFailure(ctx, ip)
		metrics.SignInAttempts.WithLabelValues(metrics.ResultInvalidCredentials).Inc()
		_ = s.Audit.Log(ctx, auth.AuditEvent{
			EventType: auth.EventLoginFailure,
			IP:        ip,
			UserAgent: r.UserAgent(),
			Meta:      map[string]interface{}{"login": req.Login},
		})
		writeError(w, http.StatusUnauthorized, "Invalid Login or password.")
		return
	}

	if user.Blocked() {
		metrics.SignInAttempts.WithLabelValues(metrics.ResultBlocked).Inc()
		_ = s.Audit.Log(ctx, auth.AuditEvent{
			EventType: auth.EventAccountBlocked,
			UserID:    user.ID,
			IP:        ip,
			UserAgent: r.UserAgent(),
		})
		writeError(w, http.StatusUnauthorized, "Your account has been blocked.")
		return
	}

	if user.EmailVerified == nil {
		metrics.SignInAttempts.WithLabelValues(metrics.ResultUnconfirmed).Inc()
		writeError(w, http.StatusForbidden, "You have to confirm your email address before continuing.")
		return
	}

	if user.TwoFactorEnabled() {
		ch, err := s.Challenges.Create(ctx, user.ID, ip, req.RememberMe)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Login failed")
			return
		}
		metrics.SignInAttempts.WithLabelValues(metrics.ResultTwoFactorPending).Inc()

		methods := []string{"totp", "backup_code"}
		if devices, err := s.Users.ListWebAuthnDevices(ctx, user.ID); err == nil && len(devices) > 0 {
			methods = append(methods, "webauthn")
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"nextStep":    "two_factor",
			"challengeId": ch.ID,
			"methods":     methods,
		})
		return
	}

	s.finalizeLogin(w, r, user, req.RememberMe, false)
}

type loginTwoFactorRequest struct {
	ChallengeID string `json:"challengeId"`
	Code        string `json:"code"`
}

func (s *Server) handleLoginTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req loginTwoFactorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ChallengeID == "" || strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "Invalid request data")
		return
	}

	ctx := r.Context()
	ch, err := s.Challenges.Get(ctx, req.ChallengeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Verification failed")
		return
	}
	if ch == nil {
		writeError(w, http.StatusUnauthorized, "Your sign-in session expired. Please sign in again.")
		return
	}

	user, err := s.Users.FindByID(ctx, ch.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Verification failed")
		return
	}
	if user == nil || user.Blocked() {
		_ = s.Challenges.Delete(ctx, ch.ID)
		writeError(w, http.StatusUnauthorized, "Your account has been blocked.")
		return
	}

	method, ok := s.verifySecondFactor(ctx, user, req.Code)
	if !ok {
		metrics.TwoFactorVerifications.WithLabelValues(method, metrics.ResultFailure).Inc()
		_ = s.Audit.Log(ctx, auth.AuditEvent{
			EventType: auth.EventTwoFactorFailure,
			UserID:    user.ID,
			IP:        clientIP(r, s.trustedProxies),
			UserAgent: r.UserAgent(),
			Meta:      map[string]interface{}{"method": method},
		})
		if locked, _ := s.RateLimiter.RegisterTwoFactorFailure(ctx, user.ID); locked {
			_ = s.Challenges.Delete(ctx, ch.ID)
			writeError(w, http.StatusTooManyRequests, "Too many failed attempts. Please sign in again.")
			return
		}
		if exhausted, _ := s.Challenges.RegisterFailure(ctx, ch.ID); exhausted {
			writeError(w, http.StatusUnauthorized, "Too many failed attempts. Please sign in again.")
			return
		}
		writeError(w, http.StatusUnauthorized, "Invalid two-factor code.")
		return
	}

	metrics.TwoFactorVerifications.WithLabelValues(method, metrics.ResultSuccess).Inc()
	_ = s.Audit.Log(ctx, auth.AuditEvent{
		EventType: auth.EventTwoFactorSuccess,
		UserID:    user.ID,
		IP:        clientIP(r, s.trustedProxies),
		UserAgent: r.UserAgent(),
		Meta:      map[string]interface{}{"method": method},
	})
	if method == "backup_code" {
		metrics.BackupCodesConsumed.Inc()
		_ = s.Audit.Log(ctx, auth.AuditEvent{
			EventType: auth.EventBackupCodeUsed,
			UserID:    user.ID,
			IP:        clientIP(r, s.trustedProxies),
			UserAgent: r.UserAgent(),
		})
	}
	_ = s.Challenges.Delete(ctx, ch.ID)
	s.RateLimiter.ResetTwoFactor(ctx, user.ID)

	s.finalizeLogin(w, r, user, ch.RememberMe, true)
}

// verifySecondFactor checks a code from the shared two-factor input. Backup
// codes and TOTP codes are distinguished by length. Backup codes are single
// use; TOTP codes are accepted at most once per timestep (see
// UserRepository.ConsumeTimestep for the exact replay window).
func (s *Server) verifySecondFactor(ctx context.Context, user *auth.User, code string) (method string, ok bool) {
	if auth.LooksLikeBackupCode(code) {
		consumed, err := s.Users.ConsumeBackupCode(ctx, user.ID, auth.BackupCodeHash(user.ID, code))
		return "backup_code", err == nil && consumed
	}

	if user.OTPSecret == nil {
		return "totp", false
	}
	now := time.Now()
	if !s.TOTP.Verify(*user.OTPSecret, code, now) {
		return "totp", false
	}
	consumed, err := s.Users.ConsumeTimestep(ctx, user.ID, s.TOTP.Timestep(now))
	return "totp", err == nil && consumed
}

// finalizeLogin runs everything that happens once the user is fully
// authenticated: grace clock bookkeeping, session and cookie issuance,
// remember-me tokens, the policy gate for the response, and the alert email.
func (s *Server) finalizeLogin(w http.ResponseWriter, r *http.Request, user *auth.User, rememberMe, twoFactorVerified bool) {
	ctx := r.Context()
	locale := i18n.LocaleFromRequest(r)
	ip := clientIP(r, s.trustedProxies)
	now := time.Now()

	twoFactorReq, err := s.Users.TwoFactorRequirement(ctx, user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Login failed")
		return
	}
	if auth.GraceStartsNow(user, twoFactorReq) {
		if err := s.Users.StartOTPGracePeriod(ctx, user.ID, now); err != nil {
			writeError(w, http.StatusInternalServerError, "Login failed")
			return
		}
		user.OTPGracePeriodStartedAt = &now
	}

	sess := auth.Session{
		ID:                auth.NewSessionID(),
		UserID:            user.ID,
		Role:              user.Role,
		IP:                ip,
		UserAgent:         r.UserAgent(),
		Location:          deriveLocation(r),
		LoginTime:         now,
		ExpiresAt:         now.Add(s.Config.SessionTTL),
		TwoFactorVerified: twoFactorVerified,
	}
	if twoFactorVerified {
		sess.TwoFactorVerifiedAt = &now
	}

	if err := s.Sessions.Create(ctx, sess); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}
	auth.SetSessionCookie(w, sess.ID, sess.ExpiresAt)

	if rememberMe {
		token, hash, err := auth.NewRememberToken()
		if err == nil {
			expires := now.Add(s.Config.RememberMeTTL)
			if err := s.Users.CreateRememberToken(ctx, user.ID, hash, expires); err == nil {
				auth.SetRememberCookie(w, token, expires)
			}
		}
	}

	s.RateLimiter.ResetLogin(ctx, ip)
	metrics.SignInAttempts.WithLabelValues(metrics.ResultSuccess).Inc()
	_ = s.Audit.Log(ctx, auth.AuditEvent{
		EventType: auth.EventLoginSuccess,
		UserID:    user.ID,
		IP:        ip,
		UserAgent: sess.UserAgent,
	})
	if err := s.sendSignInAlert(ctx, user, sess, locale); err != nil {
		log.Printf("login: sign-in alert for %s failed: %v", user.Email, err)
	}

	var currentTermID *string
	if s.Policy.EnforceTerms {
		if term, err := s.Users.CurrentTerm(ctx); err == nil && term != nil {
			currentTermID = &term.ID
		}
	}
	gate := s.Policy.Evaluate(user, twoFactorReq, currentTermID, now)
	if gate.Step != auth.StepNone {
		metrics.PolicyGates.WithLabelValues(gate.Step).Inc()
	}
	if gate.Step == auth.StepTwoFactorSetupRecommended && user.OTPGracePeriodStartedAt != nil && user.OTPGracePeriodStartedAt.Equal(now) {
		s.sendEnrollmentNotice(ctx, user, gate, locale)
	}
	if gate.Step == auth.StepPasswordExpired {
		s.sendPasswordExpiredNotice(ctx, user, locale)
	}

	resp := map[string]interface{}{
		"user": map[string]interface{}{
			"id":               user.ID,
			"username":         user.Username,
			"email":            user.Email,
			"name":             user.Name,
			"role":             user.Role,
			"twoFactorEnabled": user.TwoFactorEnabled(),
		},
		"sessionId": sess.ID,
	}
	if gate.Step != auth.StepNone {
		resp["nextStep"] = gate.Step
		resp["message"] = gateMessage(gate.Step)
		if gate.Deadline != nil {
			resp["twoFactorDeadline"] = gate.Deadline.UTC().Format(time.RFC3339)
		}
		if gate.Group != "" {
			resp["requiredByGroup"] = gate.Group
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sendEnrollmentNotice(ctx context.Context, user *auth.User, gate auth.Gate, locale string) {
	if s.Mailer == nil || gate.Deadline == nil {
		return
	}
	content := i18n.TwoFactorEnrollmentEmail(locale, gate.Group, gate.Deadline.UTC().Format(time.RFC1123))
	if err := s.Mailer.Send(ctx, user.Email, content.Subject, content.Text, content.HTML); err != nil {
		log.Printf("login: enrollment notice for %s failed: %v", user.Email, err)
	}
}

func (s *Server) sendPasswordExpiredNotice(ctx context.Context, user *auth.User, locale string) {
	if s.Mailer == nil {
		return
	}
	content := i18n.PasswordExpiredEmail(locale)
	if err := s.Mailer.Send(ctx, user.Email, content.Subject, content.Text, content.HTML); err != nil {
		log.Printf("login: password expiry notice for %s failed: %v", user.Email, err)
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if id := auth.SessionIDFromRequest(r); id != "" {
		_ = s.Sessions.Delete(ctx, id)
	}
	if token := auth.RememberTokenFromRequest(r); token != "" {
		_ = s.Users.DeleteRememberToken(ctx, auth.HashString(token))
	}
	auth.ClearSessionCookie(w)
	auth.ClearRememberCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	user := userFromContext(r.Context())
	if sess == nil || user == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	gate, err := s.evaluateGate(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to evaluate account policy")
		return
	}

	resp := map[string]interface{}{
		"id":                  user.ID,
		"username":            user.Username,
		"email":               user.Email,
		"name":                user.Name,
		"role":                sess.Role,
		"sessionId":           sess.ID,
		"remembered":          sess.Remembered,
		"twoFactorEnabled":    user.TwoFactorEnabled(),
		"twoFactorVerified":   sess.TwoFactorVerified,
		"twoFactorVerifiedAt": sess.TwoFactorVerifiedAt,
	}
	if user.TwoFactorEnabled() {
		if remaining, err := s.Users.UnusedBackupCodeCount(r.Context(), user.ID); err == nil {
			resp["backupCodesRemaining"] = remaining
		}
	}
	if gate.Step != auth.StepNone {
		resp["nextStep"] = gate.Step
		if gate.Deadline != nil {
			resp["twoFactorDeadline"] = gate.Deadline.UTC().Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) issueVerification(ctx context.Context, user *auth.User, locale string) error {
	code := randomSixDigitCode()
	expires := time.Now().Add(10 * time.Minute)

	if err := s.Users.DeleteVerificationTokens(ctx, user.ID); err != nil {
		return err
	}
	if _, err := s.Users.CreateVerificationToken(ctx, user.ID, code, expires); err != nil {
		return err
	}

	content := i18n.VerificationEmail(locale, code, 10)
	return s.Mailer.Send(ctx, user.Email, content.Subject, content.Text, content.HTML)
}

func randomSixDigitCode() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "000000"
	}
	n := int(b[0])<<16 | int(b[1])<<8 | int(b[2])
	code := n % 1000000
	return fmt.Sprintf("%06d", code)
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
