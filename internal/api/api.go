// ABOUTME: HTTP API handlers for submitting turns and reading sessions, invocations and tools.
// ABOUTME: Provides POST /api/sessions/{id}/turns with idempotency keys and HTML rendering.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-supervisor/internal/dedupe"
	"github.com/2389/coven-supervisor/internal/memory"
	"github.com/2389/coven-supervisor/internal/toolgw"
	"github.com/2389/coven-supervisor/internal/turn"
)

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// HeaderIdempotencyKey lets clients retry a turn submission without running it twice.
const HeaderIdempotencyKey = "Idempotency-Key"

// TurnHandler runs one user turn.
type TurnHandler interface {
	HandleTurn(ctx context.Context, sessionID, text string) (*turn.Turn, error)
}

// History reads persisted sessions and turns and binds actors to sessions.
type History interface {
	Session(ctx context.Context, sessionID string) (*turn.Session, error)
	Sessions(ctx context.Context, limit int) ([]memory.SessionSummary, error)
	Turn(ctx context.Context, turnID string) (*turn.Turn, error)
	BindActor(ctx context.Context, sessionID, actorID string) error
}

// ToolLister lists the registered tools.
type ToolLister interface {
	Tools() []toolgw.Tool
}

// SubmitTurnRequest is the JSON request body for POST /api/sessions/{id}/turns.
type SubmitTurnRequest struct {
	Text    string `json:"text"`
	ActorID string `json:"actor_id,omitempty"`
}

// TurnResponse is the JSON response for a submitted turn.
type TurnResponse struct {
	TurnID    string         `json:"turn_id"`
	SessionID string         `json:"session_id"`
	Status    turn.Status    `json:"status"`
	Response  string         `json:"response"`
	Failures  []turn.Failure `json:"failures"`
}

// InvocationsResponse is the JSON response for GET /api/turns/{id}/invocations.
type InvocationsResponse struct {
	TurnID      string                `json:"turn_id"`
	Invocations []turn.ToolInvocation `json:"invocations"`
}

// ToolsResponse is the JSON response for GET /api/tools.
type ToolsResponse struct {
	Tools []toolgw.Tool `json:"tools"`
}

// Config wires the API to the supervisor and its stores.
type Config struct {
	Turns   TurnHandler
	History History
	Tools   ToolLister
	// Idempotency records which turn each Idempotency-Key produced. Optional.
	Idempotency *dedupe.Cache
	Logger      *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	turns       TurnHandler
	history     History
	tools       ToolLister
	idempotency *dedupe.Cache
	logger      *slog.Logger
}

// New creates an API server.
func New(cfg Config) (*Server, error) {
	if cfg.Turns == nil {
		return nil, errors.New("turn handler is required")
	}
	if cfg.History == nil {
		return nil, errors.New("history is required")
	}
	if cfg.Tools == nil {
		return nil, errors.New("tool lister is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		turns:       cfg.Turns,
		history:     cfg.History,
		tools:       cfg.Tools,
		idempotency: cfg.Idempotency,
		logger:      logger.With("component", "api"),
	}, nil
}

// RegisterRoutes registers the API endpoints on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions/{id}/turns", s.handleSubmitTurn)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /api/turns/{id}", s.handleGetTurn)
	mux.HandleFunc("GET /api/turns/{id}/invocations", s.handleInvocations)
	mux.HandleFunc("GET /api/tools", s.handleListTools)
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	req, err := parseSubmitRequest(http.MaxBytesReader(w, r.Body, MaxRequestBodySize))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	logger := s.logger.With("session_id", sessionID)

	var idemKey string
	if key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)); key != "" && s.idempotency != nil {
		idemKey = sessionID + "\x00" + key
		turnID, claimed := s.idempotency.Claim(idemKey)
		if !claimed {
			if turnID == "" {
				s.sendJSONError(w, http.StatusConflict, "a request with this idempotency key is in progress")
				return
			}
			s.replayTurn(w, r, turnID, logger)
			return
		}
	}

	if req.ActorID != "" {
		if err := s.history.BindActor(r.Context(), sessionID, req.ActorID); err != nil {
			logger.Warn("failed to bind actor", "actor_id", req.ActorID, "error", err)
		}
	}

	t, err := s.turns.HandleTurn(r.Context(), sessionID, req.Text)
	if t == nil {
		if idemKey != "" {
			s.idempotency.Release(idemKey)
		}
		logger.Error("turn could not be started", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if idemKey != "" {
		s.idempotency.Complete(idemKey, t.ID)
	}
	if err != nil {
		logger.Info("turn failed", "turn_id", t.ID, "failures", len(t.Failures))
	}

	s.writeTurn(w, r, t)
}

// replayTurn answers a retried submission with the turn the key already produced.
func (s *Server) replayTurn(w http.ResponseWriter, r *http.Request, turnID string, logger *slog.Logger) {
	t, err := s.history.Turn(r.Context(), turnID)
	if err != nil {
		logger.Error("failed to load turn for idempotent replay", "turn_id", turnID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	logger.Debug("replaying turn for idempotency key", "turn_id", turnID)
	w.Header().Set("Idempotent-Replayed", "true")
	s.writeTurn(w, r, t)
}

func (s *Server) writeTurn(w http.ResponseWriter, r *http.Request, t *turn.Turn) {
	if wantsHTML(r) {
		s.writeTurnHTML(w, t)
		return
	}
	failures := t.Failures
	if failures == nil {
		failures = []turn.Failure{}
	}
	s.sendJSON(w, http.StatusOK, TurnResponse{
		TurnID:    t.ID,
		SessionID: t.SessionID,
		Status:    t.Status,
		Response:  t.Response,
		Failures:  failures,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	sessions, err := s.history.Sessions(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if sessions == nil {
		sessions = []memory.SessionSummary{}
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.history.Session(r.Context(), r.PathValue("id"))
	if errors.Is(err, memory.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load session", "session_id", r.PathValue("id"), "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.sendJSON(w, http.StatusOK, sess)
}

func (s *Server) loadTurn(w http.ResponseWriter, r *http.Request) (*turn.Turn, bool) {
	t, err := s.history.Turn(r.Context(), r.PathValue("id"))
	if errors.Is(err, memory.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "turn not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("failed to load turn", "turn_id", r.PathValue("id"), "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	return t, true
}

func (s *Server) handleGetTurn(w http.ResponseWriter, r *http.Request) {
	if t, ok := s.loadTurn(w, r); ok {
		s.sendJSON(w, http.StatusOK, t)
	}
}

func (s *Server) handleInvocations(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadTurn(w, r)
	if !ok {
		return
	}
	invocations := t.Invocations
	if invocations == nil {
		invocations = []turn.ToolInvocation{}
	}
	s.sendJSON(w, http.StatusOK, InvocationsResponse{TurnID: t.ID, Invocations: invocations})
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	tools := s.tools.Tools()
	if tools == nil {
		tools = []toolgw.Tool{}
	}
	s.sendJSON(w, http.StatusOK, ToolsResponse{Tools: tools})
}

// parseSubmitRequest parses and validates a SubmitTurnRequest from the given reader.
func parseSubmitRequest(r io.Reader) (*SubmitTurnRequest, error) {
	var req SubmitTurnRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return nil, errors.New("text is required")
	}
	return &req, nil
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// WriteTimeout is the HTTP write timeout needed to answer a turn that runs
// for the full supervisor deadline.
func WriteTimeout(turnDeadline time.Duration) time.Duration {
	return turnDeadline + 15*time.Second
}
