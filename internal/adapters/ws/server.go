// Package ws is the network face of the server: a small REST surface
// for session management and the per-session websocket endpoint that
// bridges sockets to mailboxes.
package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PabloGalante/parley/internal/app/session"
	"github.com/PabloGalante/parley/internal/app/transcript"
	"github.com/PabloGalante/parley/internal/domain"
	"github.com/PabloGalante/parley/internal/observability"
)

// Options tunes the transport edges; zero values get sensible defaults.
type Options struct {
	// ReadWait closes a socket with no inbound traffic for this long.
	// Client heartbeats arrive well inside it on a healthy link.
	ReadWait time.Duration

	// HistoryLimit caps the messages returned by the REST timeline and
	// by a single sync replay.
	HistoryLimit int
}

type Server struct {
	manager     *session.Manager
	transcripts *transcript.Service
	auth        domain.Authorizer
	upgrader    websocket.Upgrader
	opts        Options
}

func NewServer(manager *session.Manager, transcripts *transcript.Service, auth domain.Authorizer, opts Options) http.Handler {
	if opts.ReadWait <= 0 {
		opts.ReadWait = 90 * time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	s := &Server{
		manager:     manager,
		transcripts: transcripts,
		auth:        auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// browser clients connect from any origin in local mode
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		opts: opts,
	}

	mux := http.NewServeMux()

	// /healthz → liveness probe
	mux.HandleFunc("/healthz", s.handleHealth)

	// /sessions → create session (POST)
	mux.HandleFunc("/sessions", s.handleSessions)

	// /sessions/{id}    →  GET: session + messages, DELETE: end session
	// /sessions/{id}/ws →  GET: upgrade to the session socket
	mux.HandleFunc("/sessions/", s.handleSessionWithID)

	return chainMiddlewares(mux, withCORS, withLogging)
}

// ─────────────────────────────────────────────
// DTOs (request/response)
// ─────────────────────────────────────────────

type createSessionRequest struct {
	UserID        string `json:"user_id"`
	Title         string `json:"title,omitempty"`
	ContextBudget int    `json:"context_budget,omitempty"`
}

type createSessionResponse struct {
	Session       sessionResponse `json:"session"`
	WebsocketPath string          `json:"websocket_path"`
}

type sessionResponse struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Title          string    `json:"title,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	MessageCount   int       `json:"message_count"`
	PromptTokens   int       `json:"prompt_tokens"`
	ReplyTokens    int       `json:"reply_tokens"`
}

type messageResponse struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

type getSessionResponse struct {
	Session  sessionResponse   `json:"session"`
	Messages []messageResponse `json:"messages"`
}

// ─────────────────────────────────────────────
// Basic routing
// ─────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// /sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateSession(w, r)
	default:
		methodNotAllowed(w)
	}
}

// /sessions/{id} or /sessions/{id}/ws
func (s *Server) handleSessionWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if path == "" {
		http.NotFound(w, r)
		return
	}

	parts := strings.Split(path, "/")
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}

	if len(parts) == 1 {
		// /sessions/{id}
		switch r.Method {
		case http.MethodGet:
			s.handleGetSession(w, r, domain.SessionID(id))
		case http.MethodDelete:
			s.handleEndSession(w, r, domain.SessionID(id))
		default:
			methodNotAllowed(w)
		}
		return
	}

	if len(parts) == 2 && parts[1] == "ws" {
		// /sessions/{id}/ws
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleSocket(w, r, domain.SessionID(id))
		return
	}

	http.NotFound(w, r)
}

// ─────────────────────────────────────────────
// Concrete handlers
// ─────────────────────────────────────────────

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		badRequest(w, "user_id is required")
		return
	}

	out, err := s.manager.StartSession(r.Context(), session.StartSessionInput{
		UserID:        domain.UserID(req.UserID),
		Title:         req.Title,
		ContextBudget: req.ContextBudget,
	})
	if err != nil {
		internalError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{
		Session:       toSessionResponse(out.Session),
		WebsocketPath: "/sessions/" + string(out.Session.ID) + "/ws",
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, id domain.SessionID) {
	sess, err := s.transcripts.Session(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			http.NotFound(w, r)
			return
		}
		internalError(w, err)
		return
	}

	limit := s.opts.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := s.transcripts.History(r.Context(), id, limit)
	if err != nil {
		internalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, getSessionResponse{
		Session:  toSessionResponse(sess),
		Messages: toMessagesResponse(msgs),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request, id domain.SessionID) {
	if err := s.manager.EndSession(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			http.NotFound(w, r)
			return
		}
		internalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request, id domain.SessionID) {
	token := r.URL.Query().Get("token")
	if err := s.auth.Authorize(r.Context(), id, token); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}

	mb, err := s.manager.Get(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrSessionNotFound):
			http.NotFound(w, r)
		case errors.Is(err, domain.ErrSessionEnded):
			writeJSON(w, http.StatusGone, map[string]string{"error": "session is no longer active"})
		default:
			internalError(w, err)
		}
		return
	}

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written its own response
		return
	}

	log := observability.WithSession(string(id))
	c := newConn(sock, mb, s.transcripts, log, s.opts.ReadWait, s.opts.HistoryLimit)
	snap := mb.Attach(c)
	log.Info("client attached", "status", snap.Status, "last_seq", snap.LastSeq)

	go c.writePump(helloEnvelope(string(id), snap, time.Now()))
	c.readPump()
	log.Info("client detached")
}

// ─────────────────────────────────────────────
// Response helpers
// ─────────────────────────────────────────────

func toSessionResponse(s *domain.Session) sessionResponse {
	return sessionResponse{
		ID:             string(s.ID),
		UserID:         string(s.UserID),
		Title:          s.Title,
		Status:         string(s.Status),
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		MessageCount:   s.MessageCount,
		PromptTokens:   s.Usage.Prompt,
		ReplyTokens:    s.Usage.Reply,
	}
}

func toMessageResponse(m *domain.Message) messageResponse {
	return messageResponse{
		ID:        string(m.ID),
		SessionID: string(m.SessionID),
		Author:    string(m.Author),
		Text:      m.Text,
		Seq:       m.Seq,
		CreatedAt: m.CreatedAt,
	}
}

func toMessagesResponse(msgs []*domain.Message) []messageResponse {
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageResponse(m))
	}
	return out
}

// ─────────────────────────────────────────────
// HTTP Helpers
// ─────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error": msg,
	})
}

func internalError(w http.ResponseWriter, err error) {
	observability.Logger().Error("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error": "internal server error",
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
		"error": "method not allowed",
	})
}
