package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/sin-ning/gitlabhq/internal/auth"
	"github.com/sin-ning/gitlabhq/internal/metrics"
)

const webauthnCeremonyTTL = 5 * time.Minute

func registrationSessionKey(userID string) string {
	return "webauthn_reg:" + userID
}

func assertionSessionKey(challengeID string) string {
	return "webauthn_login:" + challengeID
}

func (s *Server) webAuthnUser(ctx context.Context, user *auth.User) (*auth.WebAuthnUser, []auth.WebAuthnDevice, error) {
	devices, err := s.Users.ListWebAuthnDevices(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}
	creds := make([]webauthn.Credential, 0, len(devices))
	for _, dev := range devices {
		creds = append(creds, dev.ToWebAuthnCredential())
	}
	return auth.NewWebAuthnUser(user, creds), devices, nil
}

func (s *Server) handleWebAuthnRegisterStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFromContext(ctx)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	waUser, devices, err := s.webAuthnUser(ctx, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load devices")
		return
	}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(devices))
	for _, dev := range devices {
		exclusions = append(exclusions, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: dev.CredentialID,
		})
	}

	options, sessionData, err := s.WebAuthn.BeginRegistration(waUser, webauthn.WithExclusions(exclusions))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to begin registration")
		return
	}
	if err := s.WebAuthnStore.Save(ctx, registrationSessionKey(user.ID), sessionData, webauthnCeremonyTTL); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to begin registration")
		return
	}

	writeJSON(w, http.StatusOK, options)
}

func (s *Server) handleWebAuthnRegisterFinish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFromContext(ctx)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	sessionData, err := s.WebAuthnStore.Get(ctx, registrationSessionKey(user.ID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to finish registration")
		return
	}
	if sessionData == nil {
		writeError(w, http.StatusBadRequest, "Registration ceremony expired. Start again.")
		return
	}

	waUser, _, err := s.webAuthnUser(ctx, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load devices")
		return
	}

	credential, err := s.WebAuthn.FinishRegistration(waUser, *sessionData, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Device registration could not be verified.")
		return
	}
	s.WebAuthnStore.Delete(ctx, registrationSessionKey(user.ID))

	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		name = "Security key"
	}

	device, err := s.Users.CreateWebAuthnDevice(ctx, auth.WebAuthnDevice{
		UserID:          user.ID,
		CredentialID:    credential.ID,
		PublicKey:       credential.PublicKey,
		AttestationType: credential.AttestationType,
		Transports:      auth.ProtocolTransportsToStrings(credential.Transport),
		AAGUID:          credential.Authenticator.AAGUID,
		SignCount:       credential.Authenticator.SignCount,
		Name:            name,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store device")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Security device registered.",
		"device": map[string]interface{}{
			"id":        device.ID,
			"name":      device.Name,
			"createdAt": device.CreatedAt,
		},
	})
}

func (s *Server) handleListWebAuthnDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFromContext(ctx)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	devices, err := s.Users.ListWebAuthnDevices(ctx, user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list devices")
		return
	}

	out := make([]map[string]interface{}, 0, len(devices))
	for _, dev := range devices {
		out = append(out, map[string]interface{}{
			"id":        dev.ID,
			"name":      dev.Name,
			"createdAt": dev.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": out})
}

func (s *Server) handleDeleteWebAuthnDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFromContext(ctx)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	deviceID := chi.URLParam(r, "id")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "Device id is required")
		return
	}

	if err := s.Users.DeleteWebAuthnDevice(ctx, user.ID, deviceID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete device")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type webAuthnLoginStartRequest struct {
	ChallengeID string `json:"challengeId"`
}

// handleLoginWebAuthnStart begins the assertion ceremony for a pending
// sign-in that chose a security device as its second factor.
func (s *Server) handleLoginWebAuthnStart(w http.ResponseWriter, r *http.Request) {
	var req webAuthnLoginStartRequest
	if err := decodeJSON(r, &req); err != nil || req.ChallengeID == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
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
	if err != nil || user == nil {
		writeError(w, http.StatusInternalServerError, "Verification failed")
		return
	}

	waUser, devices, err := s.webAuthnUser(ctx, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load devices")
		return
	}
	if len(devices) == 0 {
		writeError(w, http.StatusBadRequest, "No security devices registered.")
		return
	}

	options, sessionData, err := s.WebAuthn.BeginLogin(waUser)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to begin verification")
		return
	}
	if err := s.WebAuthnStore.Save(ctx, assertionSessionKey(ch.ID), sessionData, webauthnCeremonyTTL); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to begin verification")
		return
	}

	writeJSON(w, http.StatusOK, options)
}

func (s *Server) handleLoginWebAuthnFinish(w http.ResponseWriter, r *http.Request) {
	challengeID := r.URL.Query().Get("challengeId")
	if challengeID == "" {
		writeError(w, http.StatusBadRequest, "challengeId is required")
		return
	}

	ctx := r.Context()
	ch, err := s.Challenges.Get(ctx, challengeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Verification failed")
		return
	}
	if ch == nil {
		writeError(w, http.StatusUnauthorized, "Your sign-in session expired. Please sign in again.")
		return
	}

	user, err := s.Users.FindByID(ctx, ch.UserID)
	if err != nil || user == nil || user.Blocked() {
		_ = s.Challenges.Delete(ctx, ch.ID)
		writeError(w, http.StatusUnauthorized, "Your account has been blocked.")
		return
	}

	sessionData, err := s.WebAuthnStore.Get(ctx, assertionSessionKey(ch.ID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Verification failed")
		return
	}
	if sessionData == nil {
		writeError(w, http.StatusBadRequest, "Verification ceremony expired. Start again.")
		return
	}

	waUser, devices, err := s.webAuthnUser(ctx, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load devices")
		return
	}

	credential, err := s.WebAuthn.FinishLogin(waUser, *sessionData, r)
	if err != nil {
		metrics.TwoFactorVerifications.WithLabelValues("webauthn", metrics.ResultFailure).Inc()
		if exhausted, _ := s.Challenges.RegisterFailure(ctx, ch.ID); exhausted {
			writeError(w, http.StatusUnauthorized, "Too many failed attempts. Please sign in again.")
			return
		}
		writeError(w, http.StatusUnauthorized, "Device verification failed.")
		return
	}
	s.WebAuthnStore.Delete(ctx, assertionSessionKey(ch.ID))

	for _, dev := range devices {
		if auth.IsCredentialIDMatch(dev.CredentialID, credential.ID) {
			_ = s.Users.UpdateWebAuthnDeviceSignCount(ctx, dev.ID, credential.Authenticator.SignCount)
			break
		}
	}

	metrics.TwoFactorVerifications.WithLabelValues("webauthn", metrics.ResultSuccess).Inc()
	_ = s.Challenges.Delete(ctx, ch.ID)
	s.RateLimiter.ResetTwoFactor(ctx, user.ID)

	s.finalizeLogin(w, r, user, ch.RememberMe, true)
}
