package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"campusai/internal/ratelimit"
	"campusai/internal/usertoken"
	"campusai/internal/util"
	"campusai/pkg/ai"
	"campusai/pkg/domain"
	"campusai/services/assistant/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier *usertoken.Verifier
	ChatLimiter   *ratelimit.FixedWindowLimiter
	MaxBodyBytes  int64
}

// Server exposes HTTP endpoints for the assistant service.
type Server struct {
	app           *app.App
	tokenVerifier *usertoken.Verifier
	chatLimiter   *ratelimit.FixedWindowLimiter
	maxBodyBytes  int64
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	maxBodyBytes := cfg.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	s := &Server{
		app:           cfg.App,
		tokenVerifier: cfg.TokenVerifier,
		chatLimiter:   cfg.ChatLimiter,
		maxBodyBytes:  maxBodyBytes,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("assistant", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/assistant/chats", s.withUser(s.handleChats))
	s.mux.Handle("/assistant/attachments", s.withUser(s.handleAttachments))
	s.mux.Handle("/assistant/conversations", s.withUser(s.handleConversations))
	s.mux.Handle("/assistant/conversations/", s.withUser(s.handleConversationByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenVerifier == nil {
			writeError(w, http.StatusInternalServerError, "token verifier not configured")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		userID, err := s.tokenVerifier.VerifySubject(token)
		if err != nil || userID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, userID)
	})
}

type incomingMessage struct {
	Text        string              `json:"text"`
	Sender      string              `json:"sender"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
}

type chatRequest struct {
	ConversationID string                 `json:"conversationId"`
	Messages       []incomingMessage      `json:"messages"`
	UserContext    *domain.UserProfile    `json:"userContext,omitempty"`
	SubjectContext *domain.SubjectContext `json:"subjectContext,omitempty"`
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.chatLimiter != nil && !s.chatLimiter.Allow(userID) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, s.maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages required")
		return
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Sender != "user" {
		writeError(w, http.StatusBadRequest, "last message must come from the user")
		return
	}
	var history []domain.Turn
	for _, m := range req.Messages[:len(req.Messages)-1] {
		role := domain.RoleUser
		if m.Sender == "assistant" {
			role = domain.RoleAssistant
		}
		history = append(history, domain.Turn{Role: role, Content: m.Text})
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// SSE headers go out with the first delta, so validation and
	// pre-first-byte upstream failures can still answer in JSON
	started := false
	emit := func(text string) error {
		if !started {
			startEventStream(w)
			started = true
		}
		return writeStreamFrame(w, flusher, map[string]string{"text": text})
	}

	res, err := s.app.StreamTurn(r.Context(), app.TurnInput{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Text:           last.Text,
		Attachments:    last.Attachments,
		Profile:        req.UserContext,
		Subject:        req.SubjectContext,
		History:        history,
	}, emit)
	if err != nil {
		if started {
			// the stream already carried bytes; ending it without a
			// terminal sentinel tells the client it was cut short
			return
		}
		switch {
		case errors.Is(err, app.ErrEmptyTurn):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrConversationNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, app.ErrConversationForbidden):
			writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, ai.ErrModelUnavailable):
			writeError(w, http.StatusBadGateway, "model provider unavailable")
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	if !started {
		startEventStream(w)
	}
	if res.Truncated {
		// no sentinel: the client keeps the received text as truncated
		return
	}
	_ = writeStreamFrame(w, flusher, map[string]any{
		"done":               true,
		"conversationId":     res.ConversationID,
		"userMessageId":      res.UserMessageID,
		"assistantMessageId": res.AssistantMessageID,
	})
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleAttachments(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 12<<20)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	att, err := s.app.UploadAttachment(r.Context(), userID, header.Filename, contentType, header.Size, file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	items, err := s.app.ListConversations(r.Context(), userID, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": items})
}

// /assistant/conversations/{id} or /assistant/conversations/{id}/messages
func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request, userID string) {
	rest := strings.TrimPrefix(r.URL.Path, "/assistant/conversations/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if len(parts) == 2 {
		if parts[1] != "messages" || r.Method != http.MethodGet {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		items, err := s.app.ListConversationMessages(r.Context(), userID, id, 0)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": items})
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var req struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, s.maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.app.RenameConversation(r.Context(), userID, id, req.Title); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
	case http.MethodDelete:
		if err := s.app.DeleteConversation(r.Context(), userID, id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func startEventStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeStreamFrame(w http.ResponseWriter, flusher http.Flusher, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, "data: "+string(data)+"\n\n"); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrConversationForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
