package server

import (
	"net/http"
	"time"

	"github.com/sin-ning/gitlabhq/internal/auth"
	"github.com/sin-ning/gitlabhq/internal/metrics"
)

func (s *Server) handleTwoFactorSetupStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFromContext(ctx)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if user.TwoFactorEnabled() {
		writeError(w, http.StatusBadRequest, "Two-factor authentication is already enabled.")
		return
	}

	secret, otpauth, qr, err := s.TOTP.Generate(user.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate secret")
		return
	}

	if err := s.Users.SetOTPSecret(ctx, user.ID, &secret); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store secret")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"qrCodeUrl":  qr,
		"secret":     secret,
		"otpauthUrl": otpauth,
		"message":    "Register the secret with your authenticator app, then confirm with a code.",
	})
}

type twoFactorFinalizeRequest struct {
	Code string `json:"code"`
}

// handleTwoFactorSetupFinalize turns the pending secret into an enforced
// second factor and hands out the one-time batch of backup codes.
func (s *Server) handleTwoFactorSetupFinalize(w http.ResponseWriter, r *http.Request) {
	var req twoFactorFinalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Code) != 6 {
		writeError(w, http.StatusBadRequest, "Invalid code")
		return
	}

	ctx := r.Context()
	user := userFromContext(ctx)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if user.TwoFactorEnabled() {
		writeError(w, http.StatusBadRequest, "Two-factor authentication is already enabled.")
		return
	}
	if user.OTPSecret == nil {
		writeError(w, http.StatusBadRequest, "Two-factor setup has not been started.")
		return
	}

	now := time.Now()
	if !s.TOTP.Verify(*user.OTPSecret, req.Code, now) {
		writeError(w, http.StatusForbidden, "Invalid two-factor code.")
		return
	}
	if consumed, err := s.Users.ConsumeTimestep(ctx, user.ID, s.TOTP.Timestep(now)); err != nil || !consumed {
		writeError(w, http.StatusForbidden, "Invalid two-factor code.")
		return
	}

	codes, hashes, err := auth.GenerateBackupCodes(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate backup codes")
		return
	}

	if err := s.Users.EnableTwoFactor(ctx, user.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to enable two-factor authentication")
		return
	}
	if err := s.Users.ReplaceBackupCodes(ctx, user.ID, hashes); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store backup codes")
		return
	}

	metrics.TwoFactorVerifications.WithLabelValues("totp", metrics.ResultSuccess).Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":     "Two-factor authentication enabled.",
		"backupCodes": codes,
	})
}

type twoFactorDisableRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleTwoFactorDisable(w http.ResponseWriter, r *http.Request) {
	var req twoFactorDisableRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx := r.Context()
	user := userFromContext(ctx)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if !user.TwoFactorEnabled() {
		writeError(w, http.StatusBadRequest, "Two-factor authentication is not enabled.")
		return
	}

	if _, ok := s.verifySecondFactor(ctx, user, req.Code); !ok {
		writeError(w, http.StatusForbidden, "Invalid two-factor code.")
		return
	}

	// Group policy can forbid switching two-factor back off.
	twoFactorReq, err := s.Users.TwoFactorRequirement(ctx, user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to disable two-factor authentication")
		return
	}
	if twoFactorReq.Required {
		writeError(w, http.StatusForbidden, "You must enable Two-Factor Authentication for your account.")
		return
	}

	if err := s.Users.DisableTwoFactor(ctx, user.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to disable two-factor authentication")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Two-factor authentication disabled.",
	})
}

type regenerateBackupCodesRequest struct {
	Code string `json:"code"`
}

// handleRegenerateBackupCodes replaces the whole batch; codes already shown
// to the user stop working, used or not.
func (s *Server) handleRegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	var req regenerateBackupCodesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx := r.Context()
	user := userFromContext(ctx)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if !user.TwoFactorEnabled() || user.OTPSecret == nil {
		writeError(w, http.StatusBadRequest, "Two-factor authentication is not enabled.")
		return
	}

	now := time.Now()
	if !s.TOTP.Verify(*user.OTPSecret, req.Code, now) {
		writeError(w, http.StatusForbidden, "Invalid two-factor code.")
		return
	}
	if consumed, err := s.Users.ConsumeTimestep(ctx, user.ID, s.TOTP.Timestep(now)); err != nil || !consumed {
		writeError(w, http.StatusForbidden, "Invalid two-factor code.")
		return
	}

	codes, hashes, err := auth.GenerateBackupCodes(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate backup codes")
		return
	}
	if err := s.Users.ReplaceBackupCodes(ctx, user.ID, hashes); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store backup codes")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":     "New backup codes generated. Previous codes no longer work.",
		"backupCodes": codes,
	})
}
