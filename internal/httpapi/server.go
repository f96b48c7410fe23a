// Package httpapi exposes the thin HTTP surface of the bridge: the
// inbound webhook and a small rules API for editing and dry runs.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/bakeable/ha-add-on-whatsapp-api/internal/rules"
	"github.com/bakeable/ha-add-on-whatsapp-api/internal/whatsapp"
)

// Server routes webhook deliveries into the rule engine and serves the
// rules API.
type Server struct {
	engine *rules.Engine
	log    *slog.Logger
}

// New creates the HTTP server around an initialized engine.
func New(engine *rules.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{engine: engine, log: log}
}

// Routes returns the handler with all endpoints registered.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /api/rules", s.handleGetRules)
	mux.HandleFunc("PUT /api/rules", s.handlePutRules)
	mux.HandleFunc("POST /api/rules/test", s.handleTestRules)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// handleWebhook decodes an inbound event and runs it through the
// engine. Rule failures surface in the audit trail, never as a handler
// crash; only a broken store turns into a 500.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var ev whatsapp.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid webhook payload")
		return
	}

	msg, ok, err := whatsapp.DecodeMessage(&ev)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !ok {
		s.writeJSON(w, http.StatusOK, map[string]any{"processed": false})
		return
	}

	result, err := s.engine.ProcessMessage(r.Context(), msg)
	if err != nil {
		s.log.Error("message processing failed",
			"chat_id", msg.ChatID,
			"error", err,
		)
		s.writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"processed": true,
		"result":    result,
	})
}

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	set, revision := s.engine.ActiveRuleSet()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"revision": revision,
		"ruleSet":  set,
	})
}

// handlePutRules validates the submitted rule-set source and saves it
// when valid. Validation failures come back as 422 with the structured
// error list an editor can point at.
func (s *Server) handlePutRules(w http.ResponseWriter, r *http.Request) {
	source, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read rule set")
		return
	}

	result, err := s.engine.SaveRules(r.Context(), string(source))
	if err != nil {
		s.log.Error("rule set save failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "save failed")
		return
	}
	if !result.Valid {
		s.writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}

	_, revision := s.engine.ActiveRuleSet()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"validation": result,
		"revision":   revision,
	})
}

// handleTestRules runs a dry-run simulation of a message: no
// cooldowns, no actions, no fire records.
func (s *Server) handleTestRules(w http.ResponseWriter, r *http.Request) {
	var msg rules.IncomingMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid test message")
		return
	}
	if msg.ChatType == "" {
		msg.ChatType = rules.ChatTypeDirect
	}
	s.writeJSON(w, http.StatusOK, s.engine.TestMessage(&msg))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		s.log.Debug("write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
