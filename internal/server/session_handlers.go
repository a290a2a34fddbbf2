package server

import (
	"net/http"

	"github.com/sin-ning/gitlabhq/internal/auth"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	if sess == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	sessions, err := s.Sessions.ListForUser(r.Context(), sess.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}

	out := make([]map[string]interface{}, 0, len(sessions))
	for _, item := range sessions {
		out = append(out, map[string]interface{}{
			"id":         item.ID,
			"ip":         item.IP,
			"userAgent":  item.UserAgent,
			"location":   item.Location,
			"loginTime":  item.LoginTime,
			"expiresAt":  item.ExpiresAt,
			"remembered": item.Remembered,
			"current":    item.ID == sess.ID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	if sess == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type deleteSessionRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	if sess == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req deleteSessionRequest
	if err := decodeJSON(r, &req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	target, err := s.Sessions.Get(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to revoke session")
		return
	}
	if target == nil || target.UserID != sess.UserID {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	if err := s.Sessions.Delete(r.Context(), target.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to revoke session")
		return
	}
	_ = s.Audit.Log(r.Context(), auth.AuditEvent{
		EventType: auth.EventSessionRevoked,
		UserID:    sess.UserID,
		IP:        clientIP(r, s.trustedProxies),
		UserAgent: r.UserAgent(),
		Meta:      map[string]interface{}{"sessionId": target.ID},
	})

	if target.ID == sess.ID {
		auth.ClearSessionCookie(w)
	}
	w.WriteHeader(http.StatusNoContent)
}
