package web

import (
	"encoding/json"
	"net/http"

	"github.com/jpalka/notimirror/internal/config"
)

type gateStatus struct {
	CarOnly   bool   `json:"carOnly"`
	Connected bool   `json:"connected"`
	State     string `json:"state"`
	Allowed   bool   `json:"allowed"`
}

func (s *Server) handleGate(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if s.gate == nil || s.signal == nil {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "gate is not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.gateStatus())
	case http.MethodPut:
		if s.rejectMutation(w) {
			return
		}
		var req struct {
			CarOnly bool `json:"carOnly"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
			return
		}
		s.gate.SetCarOnly(req.CarOnly)
		if err := s.persistCarOnly(req.CarOnly); err != nil {
			writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to save gate setting")
			return
		}
		writeJSON(w, http.StatusOK, s.gateStatus())
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func (s *Server) gateStatus() gateStatus {
	return gateStatus{
		CarOnly:   s.gate.CarOnly(),
		Connected: s.signal.Connected(),
		State:     string(s.signal.State()),
		Allowed:   s.gate.Allowed(),
	}
}

func (s *Server) persistCarOnly(carOnly bool) error {
	cfg, err := config.LoadUserConfig()
	if err != nil {
		return err
	}
	// LoadUserConfig hands out the shared cached value, never mutate it.
	updated := *cfg
	updated.Gate.CarOnly = carOnly
	return config.SaveUserConfig(&updated)
}
