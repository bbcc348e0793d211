package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/synqra/inference-router/internal/metrics"
	"github.com/synqra/inference-router/internal/router"
)

// handleInfer validates the request envelope and runs the routing core
// under the global deadline. Validation happens outside that deadline.
func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	requestID := RequestIDFrom(r.Context())

	var req router.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.record(req, http.StatusUnprocessableEntity, "", "", started)
		writeError(w, http.StatusUnprocessableEntity, "Invalid request body", 0)
		return
	}
	if req.Prompt == "" && req.MediaURL == "" {
		s.record(req, http.StatusUnprocessableEntity, "", "", started)
		writeError(w, http.StatusUnprocessableEntity, "Either prompt or media_url must be provided", 0)
		return
	}
	if utf8.RuneCountInString(req.Prompt) > s.cfg.MaxPromptChars {
		s.metrics.RecordAdmissionReject(metrics.RejectPromptLength)
		s.record(req, http.StatusRequestEntityTooLarge, "", "", started)
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("Prompt exceeds %d characters", s.cfg.MaxPromptChars), 0)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.GlobalTimeout)
	defer cancel()

	resp, err := s.core.RouteRequest(ctx, req, requestID)
	if err != nil {
		var serr *router.StatusError
		if !errors.As(err, &serr) {
			log.Error().Str("request_id", requestID).Err(err).Msg("routing failed")
			serr = &router.StatusError{Code: http.StatusInternalServerError, Detail: "Internal Server Error"}
		}
		s.record(req, serr.Code, "", "", started)
		writeError(w, serr.Code, serr.Detail, serr.RetryAfter)
		return
	}

	s.record(req, http.StatusOK, resp.Route, resp.Provider, started)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Health(r.Context()))
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "Not Found", 0)
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed", 0)
}

func (s *Server) record(req router.Request, status int, route, provider string, started time.Time) {
	s.metrics.RecordRequest(req.Product, route, provider, status, time.Since(started).Seconds())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

// writeError renders the error body shape every status route shares. A
// positive retryAfter becomes a Retry-After header.
func writeError(w http.ResponseWriter, status int, detail string, retryAfter int) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	writeJSON(w, status, map[string]string{"detail": detail})
}
