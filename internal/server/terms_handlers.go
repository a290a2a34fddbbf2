package server

import (
	"net/http"

	"github.com/sin-ning/gitlabhq/internal/auth"
)

func (s *Server) handleCurrentTerm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFromContext(ctx)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	term, err := s.Users.CurrentTerm(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load terms")
		return
	}
	if term == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"term": nil, "accepted": true})
		return
	}

	accepted := user.AcceptedTermID != nil && *user.AcceptedTermID == term.ID
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"term": map[string]interface{}{
			"id":        term.ID,
			"content":   term.Content,
			"createdAt": term.CreatedAt,
		},
		"accepted": accepted,
	})
}

type termDecisionRequest struct {
	TermID string `json:"termId"`
}

func (s *Server) handleAcceptTerm(w http.ResponseWriter, r *http.Request) {
	var req termDecisionRequest
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

	term, err := s.Users.CurrentTerm(ctx)
	if err != nil || term == nil {
		writeError(w, http.StatusBadRequest, "No terms to accept.")
		return
	}
	// Only the newest terms can be accepted; a stale ID means the document
	// changed while the user was reading it.
	if req.TermID != "" && req.TermID != term.ID {
		writeError(w, http.StatusConflict, "The Terms of Service have been updated. Please review the current version.")
		return
	}

	if err := s.Users.AcceptTerm(ctx, user.ID, term.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to accept terms")
		return
	}
	_ = s.Audit.Log(ctx, auth.AuditEvent{
		EventType: auth.EventTermsAccepted,
		UserID:    user.ID,
		IP:        clientIP(r, s.trustedProxies),
		UserAgent: r.UserAgent(),
		Meta:      map[string]interface{}{"termId": term.ID},
	})

	writeJSON(w, http.StatusOK, map[string]string{"message": "Terms of Service accepted."})
}

// handleDeclineTerm records the refusal and signs the user out everywhere.
// The account itself stays intact; accepting at a later sign-in lifts the
// gate again.
func (s *Server) handleDeclineTerm(w http.ResponseWriter, r *http.Request) {
	var req termDecisionRequest
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

	term, err := s.Users.CurrentTerm(ctx)
	if err != nil || term == nil {
		writeError(w, http.StatusBadRequest, "No terms to decline.")
		return
	}

	if err := s.Users.DeclineTerm(ctx, user.ID, term.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to decline terms")
		return
	}

	_ = s.Sessions.DeleteByUser(ctx, user.ID)
	_ = s.Users.DeleteRememberTokensForUser(ctx, user.ID)
	auth.ClearSessionCookie(w)
	auth.ClearRememberCookie(w)
	_ = s.Audit.Log(ctx, auth.AuditEvent{
		EventType: auth.EventTermsDeclined,
		UserID:    user.ID,
		IP:        clientIP(r, s.trustedProxies),
		UserAgent: r.UserAgent(),
		Meta:      map[string]interface{}{"termId": term.ID},
	})

	writeJSON(w, http.StatusOK, map[string]string{"message": "You have been signed out."})
}
