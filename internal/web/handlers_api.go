package web

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/jpalka/notimirror/internal/notify"
	"github.com/jpalka/notimirror/internal/store"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}

func (s *Server) rejectMutation(w http.ResponseWriter) bool {
	if s.cfg.ReadOnly {
		writeAPIError(w, http.StatusForbidden, "READ_ONLY", "mutations are disabled in read-only mode")
		return true
	}
	return false
}

func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if s.tokens == nil {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "token auth is not configured")
		return
	}
	// Issuing a client token always requires the static API token.
	if s.cfg.Token == "" || !s.authorizeStaticToken(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	token, clientID, expiresAt, err := s.tokens.Issue()
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"clientId":  clientID,
		"tokenType": "Bearer",
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) authorizeStaticToken(r *http.Request) bool {
	queryToken := strings.TrimSpace(r.URL.Query().Get("token"))
	if queryToken != "" && secureEqual(queryToken, s.cfg.Token) {
		return true
	}
	headerToken := bearerToken(r.Header.Get("Authorization"))
	return headerToken != "" && secureEqual(headerToken, s.cfg.Token)
}

func (s *Server) handleApps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	includeDisabled := r.URL.Query().Get("all") == "1"
	writeJSON(w, http.StatusOK, map[string]any{
		"apps":      s.store.ListApps(includeDisabled),
		"connected": s.dispatcherConnected(),
	})
}

// handleAppByID serves /api/apps/{app}/{profile}[/records[/{key}]|/config|/mirror].
func (s *Server) handleAppByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	const prefix = "/api/apps/"
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "app and profile are required")
		return
	}
	app := parts[0]
	profile := notify.ParseProfile(parts[1])
	rest := parts[2:]

	switch {
	case len(rest) == 0:
		s.handleAppRoot(w, r, app, profile)
	case rest[0] == "records" && len(rest) == 1:
		s.handleAppRecords(w, r, app, profile)
	case rest[0] == "records" && len(rest) == 2:
		s.handleAppRecord(w, r, app, profile, rest[1])
	case rest[0] == "config" && len(rest) == 1:
		s.handleAppConfig(w, r, app, profile)
	case rest[0] == "mirror" && len(rest) == 1:
		s.handleAppMirror(w, r, app, profile)
	default:
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	}
}

func (s *Server) handleAppRoot(w http.ResponseWriter, r *http.Request, app string, profile notify.Profile) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"app":     app,
			"profile": profile,
			"config":  s.store.Config(app, profile),
			"records": s.store.Records(app, profile),
		})
	case http.MethodDelete:
		if s.rejectMutation(w) {
			return
		}
		s.store.RemoveApp(app, profile)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func (s *Server) handleAppRecords(w http.ResponseWriter, r *http.Request, app string, profile notify.Profile) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": s.store.Records(app, profile)})
}

func (s *Server) handleAppRecord(w http.ResponseWriter, r *http.Request, app string, profile notify.Profile, key string) {
	if r.Method != http.MethodDelete {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if s.rejectMutation(w) {
		return
	}
	s.store.Remove(app, profile, key)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAppConfig(w http.ResponseWriter, r *http.Request, app string, profile notify.Profile) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.store.Config(app, profile))
	case http.MethodPut:
		if s.rejectMutation(w) {
			return
		}
		var cfg store.AppConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
			return
		}
		s.store.SetFilters(app, profile, cfg.Include, cfg.Exclude)
		s.store.SetMirrorEnabled(app, profile, cfg.MirrorEnabled)
		s.store.SetDisabled(app, profile, cfg.Disabled)
		writeJSON(w, http.StatusOK, s.store.Config(app, profile))
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func (s *Server) handleAppMirror(w http.ResponseWriter, r *http.Request, app string, profile notify.Profile) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if s.rejectMutation(w) {
		return
	}
	d := s.getDispatcher()
	if d == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "dispatcher is not attached")
		return
	}
	if err := d.MirrorNow(r.Context(), app, profile); err != nil {
		writeAPIError(w, http.StatusConflict, "MIRROR_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMirrorDismiss(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	var req struct {
		MirrorID int64 `json:"mirrorId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MirrorID <= 0 {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "mirrorId is required")
		return
	}
	d := s.getDispatcher()
	if d == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "dispatcher is not attached")
		return
	}
	d.MirrorDismissed(r.Context(), req.MirrorID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMirrorAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if s.rejectMutation(w) {
		return
	}
	var req struct {
		MirrorID int64  `json:"mirrorId"`
		Index    int    `json:"index"`
		Reply    string `json:"reply,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MirrorID <= 0 {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "mirrorId is required")
		return
	}
	d := s.getDispatcher()
	if d == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "dispatcher is not attached")
		return
	}
	if err := d.InvokeAction(r.Context(), req.MirrorID, req.Index, req.Reply); err != nil {
		writeAPIError(w, http.StatusBadGateway, "ACTION_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
