package server

import (
	"context"
	"net/http"
	"time"

	"github.com/sin-ning/gitlabhq/internal/auth"
	"github.com/sin-ning/gitlabhq/internal/metrics"
)

type ctxKey string

const (
	sessionContextKey ctxKey = "session"
	userContextKey    ctxKey = "user"
)

// requireSession authenticates the request from the session cookie, falling
// back to the remember-me token when no live session exists. With
// enforceGates set, requests are rejected while a blocking policy gate is
// open; the endpoints that clear gates run with enforceGates off.
func (s *Server) requireSession(enforceGates bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := s.currentSession(w, r)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "Failed to read session")
				return
			}
			if sess == nil {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			user, err := s.Users.FindByID(r.Context(), sess.UserID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "Failed to load account")
				return
			}
			if user == nil || user.Blocked() {
				// A block takes effect immediately, not at next sign-in.
				_ = s.Sessions.Delete(r.Context(), sess.ID)
				auth.ClearSessionCookie(w)
				auth.ClearRememberCookie(w)
				writeError(w, http.StatusUnauthorized, "Your account has been blocked.")
				return
			}

			if enforceGates {
				gate, err := s.evaluateGate(r.Context(), user)
				if err != nil {
					writeError(w, http.StatusInternalServerError, "Failed to evaluate account policy")
					return
				}
				if gate.Blocking() {
					writeJSON(w, http.StatusForbidden, map[string]interface{}{
						"message":  gateMessage(gate.Step),
						"nextStep": gate.Step,
					})
					return
				}
			}

			ctx := context.WithValue(r.Context(), sessionContextKey, sess)
			ctx = context.WithValue(ctx, userContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// currentSession resolves the live session for the request. When the session
// cookie is absent or stale but a valid remember-me token is presented, a
// fresh session is minted on the spot.
func (s *Server) currentSession(w http.ResponseWriter, r *http.Request) (*auth.Session, error) {
	if id := auth.SessionIDFromRequest(r); id != "" {
		sess, err := s.Sessions.Get(r.Context(), id)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			return sess, nil
		}
	}
	return s.resurrectSession(w, r)
}

func (s *Server) resurrectSession(w http.ResponseWriter, r *http.Request) (*auth.Session, error) {
	token := auth.RememberTokenFromRequest(r)
	if token == "" {
		return nil, nil
	}

	user, err := s.Users.FindUserByRememberToken(r.Context(), auth.HashString(token))
	if err != nil {
		return nil, err
	}
	if user == nil || user.Blocked() {
		auth.ClearRememberCookie(w)
		return nil, nil
	}

	now := time.Now()
	sess := auth.Session{
		ID:         auth.NewSessionID(),
		UserID:     user.ID,
		Role:       user.Role,
		IP:         clientIP(r, s.trustedProxies),
		UserAgent:  r.UserAgent(),
		Location:   deriveLocation(r),
		ExpiresAt:  now.Add(s.Config.SessionTTL),
		LoginTime:  now,
		Remembered: true,
	}
	// Remember tokens are only ever issued after the full sign-in, so the
	// resurrected session keeps the verified flag.
	if user.TwoFactorEnabled() {
		sess.TwoFactorVerified = true
		sess.TwoFactorVerifiedAt = &now
	}

	if err := s.Sessions.Create(r.Context(), sess); err != nil {
		return nil, err
	}
	auth.SetSessionCookie(w, sess.ID, sess.ExpiresAt)
	metrics.SessionsResurrected.Inc()
	_ = s.Audit.Log(r.Context(), auth.AuditEvent{
		EventType: auth.EventLoginSuccess,
		UserID:    user.ID,
		IP:        sess.IP,
		UserAgent: sess.UserAgent,
		Meta:      map[string]interface{}{"remembered": true},
	})
	return &sess, nil
}

func (s *Server) evaluateGate(ctx context.Context, user *auth.User) (auth.Gate, error) {
	req, err := s.Users.TwoFactorRequirement(ctx, user.ID)
	if err != nil {
		return auth.Gate{}, err
	}
	var currentTermID *string
	if s.Policy.EnforceTerms {
		term, err := s.Users.CurrentTerm(ctx)
		if err != nil {
			return auth.Gate{}, err
		}
		if term != nil {
			currentTermID = &term.ID
		}
	}
	return s.Policy.Evaluate(user, req, currentTermID, time.Now()), nil
}

func gateMessage(step string) string {
	switch step {
	case auth.StepPasswordExpired:
		return "Your password expired. Please choose a new password to continue."
	case auth.StepTermsRequired:
		return "Please accept the Terms of Service before continuing."
	case auth.StepTwoFactorSetupRequired:
		return "You must enable Two-Factor Authentication for your account."
	}
	return ""
}

func (s *Server) requireRoles(roles []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicAccess(roles) {
				next.ServeHTTP(w, r)
				return
			}

			sess := sessionFromContext(r.Context())
			if sess == nil {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			if !roleAllowed(roles, sess.Role) {
				writeError(w, http.StatusForbidden, "Forbidden")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func sessionFromContext(ctx context.Context) *auth.Session {
	if val, ok := ctx.Value(sessionContextKey).(*auth.Session); ok {
		return val
	}
	return nil
}

func userFromContext(ctx context.Context) *auth.User {
	if val, ok := ctx.Value(userContextKey).(*auth.User); ok {
		return val
	}
	return nil
}
