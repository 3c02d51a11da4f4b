package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"usecasehub/internal/backend"
	"usecasehub/internal/conversation"
	"usecasehub/internal/hierarchy"
	"usecasehub/internal/identity"
	"usecasehub/internal/ratelimit"
	"usecasehub/internal/settings"
	"usecasehub/internal/util"
	"usecasehub/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	Verifier                 *identity.Verifier
	Tokens                   *identity.TokenSource
	Settings                 *settings.Store
	Conversations            *conversation.Manager
	Hierarchy                *hierarchy.Controller
	RedisAddr                string
	RedisPassword            string
	AskRateLimitPerMinute    int
	UploadRateLimitPerMinute int
	MaxUploadBytes           int64
	TrustedProxies           *util.TrustedProxies
}

// Server exposes the browser-facing HTTP endpoints.
type Server struct {
	verifier       *identity.Verifier
	tokens         *identity.TokenSource
	settings       *settings.Store
	conversations  *conversation.Manager
	hierarchy      *hierarchy.Controller
	mux            *http.ServeMux
	maxUploadBytes int64
	trustedProxies *util.TrustedProxies
	askLimiter     *ratelimit.FixedWindowLimiter
	uploadLimiter  *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("server requires a token verifier")
	}
	askLimit := cfg.AskRateLimitPerMinute
	if askLimit <= 0 {
		askLimit = 30
	}
	uploadLimit := cfg.UploadRateLimitPerMinute
	if uploadLimit <= 0 {
		uploadLimit = 20
	}
	var askLimiter, uploadLimiter *ratelimit.FixedWindowLimiter
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		var err error
		askLimiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "usecasehub:ratelimit:ask", askLimit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init ask limiter: %w", err)
		}
		uploadLimiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "usecasehub:ratelimit:upload", uploadLimit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init upload limiter: %w", err)
		}
	}
	s := &Server{
		verifier:       cfg.Verifier,
		tokens:         cfg.Tokens,
		settings:       cfg.Settings,
		conversations:  cfg.Conversations,
		hierarchy:      cfg.Hierarchy,
		mux:            http.NewServeMux(),
		maxUploadBytes: normalizeMaxBytes(cfg.MaxUploadBytes),
		trustedProxies: cfg.TrustedProxies,
		askLimiter:     askLimiter,
		uploadLimiter:  uploadLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// session
	s.mux.Handle("/api/auth/session", s.authenticated(s.handleSession))
	s.mux.Handle("/api/auth/signout", s.authenticated(s.handleSignOut))

	// usecase types and everything below them
	s.mux.Handle("/api/usecasetypes", s.authenticated(s.handleUsecaseTypes))
	s.mux.Handle("/api/usecasetypes/", s.authenticated(s.handleUsecaseTree))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrapper
type authHandler func(http.ResponseWriter, *http.Request, domain.Principal)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "frontend.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		principal, err := s.verifier.Verify(token)
		if err != nil {
			s.audit(r, "frontend.authorize", "fail", "reason", "invalid_signature_or_claims")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, principal)
	})
}

// session handlers

type sessionRequest struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	ExpiresInSeconds int    `json:"expiresIn"`
}

// handleSession stores the tokens of a freshly authenticated browser session
// so later backend calls can mint access tokens silently.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.tokens == nil {
		writeError(w, http.StatusNotImplemented, "silent token acquisition is not configured")
		return
	}
	var req sessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refreshToken is required")
		return
	}
	expires := time.Now().Add(time.Duration(req.ExpiresInSeconds) * time.Second)
	s.tokens.Store(p.Subject, req.AccessToken, req.RefreshToken, expires)
	s.audit(r, "frontend.session.store", "success", "user_id", p.Subject)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.tokens != nil {
		s.tokens.SignOut(p.Subject)
	}
	s.conversations.DropUser(p.Subject)
	s.audit(r, "frontend.signout", "success", "user_id", p.Subject)
	w.WriteHeader(http.StatusNoContent)
}

// handleUsecaseTypes serves the landing payload: all usecase types with their
// settings plus the metadata options. The settings store loads it on first
// use and serves from memory afterwards.
func (s *Server) handleUsecaseTypes(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if err := s.settings.Load(r.Context(), p); err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"usecasetypes": s.settings.Tenants(),
		"metadata":     s.settings.Metadata(),
	})
}

// handleUsecaseTree dispatches everything below /api/usecasetypes/. Editor
// views live one segment below the entity they edit, so a trailing /create or
// /edit is stripped before routing.
func (s *Server) handleUsecaseTree(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	path := hierarchy.TrimEditorSuffix(strings.TrimPrefix(r.URL.Path, "/api/usecasetypes/"))
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] != "indices" {
		http.NotFound(w, r)
		return
	}
	tenantID := parts[0]
	rest := parts[2:]

	switch {
	case len(rest) == 0:
		s.handleIndices(w, r, p, tenantID)
	case len(rest) == 1:
		s.handleIndexByID(w, r, p, tenantID, rest[0])
	case rest[1] != "categories":
		http.NotFound(w, r)
	case len(rest) == 2:
		s.handleCategories(w, r, p, tenantID, rest[0])
	case len(rest) == 3:
		s.handleCategoryByID(w, r, p, tenantID, rest[0], rest[2])
	case rest[3] == "draft":
		s.handleDraft(w, r, p, tenantID, rest[2], rest[4:])
	case rest[3] == "chat":
		scope := conversation.Scope{TenantID: tenantID, IndexID: rest[0], CategoryID: rest[2]}
		s.handleChat(w, r, p, scope, rest[4:])
	default:
		http.NotFound(w, r)
	}
}

// hierarchy handlers

func (s *Server) handleIndices(w http.ResponseWriter, r *http.Request, p domain.Principal, tenantID string) {
	switch r.Method {
	case http.MethodGet:
		indices, err := s.hierarchy.ListIndices(r.Context(), p, tenantID)
		if err != nil {
			writeBackendError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": indices, "count": len(indices)})
	case http.MethodPost:
		var draft hierarchy.IndexDraft
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&draft); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		id, err := s.hierarchy.CreateIndex(r.Context(), p, tenantID, draft)
		if err != nil {
			writeBackendError(w, err)
			return
		}
		s.audit(r, "frontend.index.create", "success", "user_id", p.Subject, "index_id", id)
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleIndexByID(w http.ResponseWriter, r *http.Request, p domain.Principal, tenantID, indexID string) {
	switch r.Method {
	case http.MethodPut:
		var draft hierarchy.IndexDraft
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&draft); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		draft.ID = indexID
		if err := s.hierarchy.UpdateIndex(r.Context(), p, tenantID, draft); err != nil {
			writeBackendError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	case http.MethodDelete:
		if err := s.hierarchy.DeleteIndex(r.Context(), p, tenantID, indexID); err != nil {
			writeBackendError(w, err)
			return
		}
		s.audit(r, "frontend.index.delete", "success", "user_id", p.Subject, "index_id", indexID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request, p domain.Principal, tenantID, indexID string) {
	switch r.Method {
	case http.MethodGet:
		categories, err := s.hierarchy.ListCategories(r.Context(), p, tenantID, indexID)
		if err != nil {
			writeBackendError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": categories, "count": len(categories)})
	case http.MethodPost:
		var draft hierarchy.CategoryDraft
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&draft); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		id, err := s.hierarchy.CreateCategory(r.Context(), p, tenantID, indexID, draft)
		if err != nil {
			writeBackendError(w, err)
			return
		}
		s.audit(r, "frontend.category.create", "success", "user_id", p.Subject, "category_id", id)
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCategoryByID(w http.ResponseWriter, r *http.Request, p domain.Principal, tenantID, indexID, categoryID string) {
	switch r.Method {
	case http.MethodPut:
		var draft hierarchy.CategoryDraft
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&draft); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		draft.ID = categoryID
		if err := s.hierarchy.UpdateCategory(r.Context(), p, tenantID, indexID, draft); err != nil {
			writeBackendError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	case http.MethodDelete:
		if err := s.hierarchy.DeleteCategory(r.Context(), p, tenantID, indexID, categoryID); err != nil {
			writeBackendError(w, err)
			return
		}
		s.audit(r, "frontend.category.delete", "success", "user_id", p.Subject, "category_id", categoryID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

// draft handlers: .../categories/{id}/draft[/files[/{fileID}]]

func (s *Server) handleDraft(w http.ResponseWriter, r *http.Request, p domain.Principal, tenantID, categoryID string, rest []string) {
	_ = tenantID
	switch {
	case len(rest) == 0:
		s.handleDraftDocument(w, r, p, categoryID)
	case rest[0] != "files":
		http.NotFound(w, r)
	case len(rest) == 1:
		s.handleDraftUpload(w, r, p, categoryID)
	case len(rest) == 2:
		s.handleDraftFileByID(w, r, p, categoryID, rest[1])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleDraftDocument(w http.ResponseWriter, r *http.Request, p domain.Principal, categoryID string) {
	switch r.Method {
	case http.MethodGet:
		draft, ok, err := s.hierarchy.LoadCategoryDraft(p.Subject, categoryID)
		if err != nil {
			writeBackendError(w, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "draft not found")
			return
		}
		writeJSON(w, http.StatusOK, draft)
	case http.MethodPut:
		var draft hierarchy.CategoryDraft
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&draft); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		draft.ID = categoryID
		if err := s.hierarchy.SaveCategoryDraft(p.Subject, draft); err != nil {
			writeBackendError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	case http.MethodDelete:
		if err := s.hierarchy.DiscardCategoryDraft(r.Context(), p.Subject, categoryID); err != nil {
			writeBackendError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleDraftUpload(w http.ResponseWriter, r *http.Request, p domain.Principal, categoryID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.uploadLimiter, "too many uploads") {
		s.audit(r, "frontend.draft.upload", "rate_limited", "user_id", p.Subject)
		return
	}
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload failed")
		return
	}
	ref, err := s.hierarchy.StageAttachment(r.Context(), p.Subject, categoryID, header.Filename, content)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	s.audit(r, "frontend.draft.upload", "success", "user_id", p.Subject, "file_id", ref.ID)
	writeJSON(w, http.StatusCreated, ref)
}

func (s *Server) handleDraftFileByID(w http.ResponseWriter, r *http.Request, p domain.Principal, categoryID, fileID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	draft, err := s.hierarchy.RemoveAttachment(r.Context(), p.Subject, categoryID, fileID)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

// chat handlers: .../categories/{id}/chat[/...]

type askRequest struct {
	Question  string         `json:"question"`
	Overrides map[string]any `json:"overrides,omitempty"`
}

type panelRequest struct {
	Citation    string `json:"citation,omitempty"`
	Tab         string `json:"tab,omitempty"`
	AnswerIndex int    `json:"answerIndex"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, p domain.Principal, scope conversation.Scope, rest []string) {
	view := s.conversations.View(p, scope)
	switch {
	case len(rest) == 0:
		s.handleChatHistory(w, r, p, view)
	case len(rest) > 1:
		http.NotFound(w, r)
	case rest[0] == "view":
		s.handleChatView(w, r, p, view)
	case rest[0] == "example_questions":
		s.handleChatExampleQuestions(w, r, view)
	case rest[0] == "ask":
		s.handleChatAsk(w, r, p, view)
	case rest[0] == "refresh":
		s.handleChatRefresh(w, r, p, view)
	case rest[0] == "clear":
		s.handleChatClear(w, r, view)
	case rest[0] == "panel":
		s.handleChatPanel(w, r, view)
	default:
		s.handleChatConversation(w, r, p, view, rest[0])
	}
}

// handleChatHistory lists the stored conversations grouped by calendar day.
// An optional tz query parameter selects the grouping timezone.
func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request, p domain.Principal, view *conversation.View) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	loc := time.Local
	if tz := r.URL.Query().Get("tz"); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid tz parameter")
			return
		}
		loc = parsed
	}
	groups, err := view.GroupedHistory(r.Context(), p, loc)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *Server) handleChatView(w http.ResponseWriter, r *http.Request, p domain.Principal, view *conversation.View) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, view.Snapshot())
	case http.MethodPost:
		if err := view.Initialize(r.Context(), p); err != nil {
			writeBackendError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view.Snapshot())
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleChatExampleQuestions(w http.ResponseWriter, r *http.Request, view *conversation.View) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": view.Snapshot().ExampleQuestions})
}

func (s *Server) handleChatAsk(w http.ResponseWriter, r *http.Request, p domain.Principal, view *conversation.View) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.askLimiter, "too many questions") {
		s.audit(r, "frontend.chat.ask", "rate_limited", "user_id", p.Subject)
		return
	}
	var req askRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	resp, err := view.Ask(r.Context(), p, req.Question, req.Overrides)
	if err != nil {
		s.audit(r, "frontend.chat.ask", "fail", "user_id", p.Subject, "reason", err.Error())
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"response": resp,
		"state":    view.Snapshot(),
	})
}

func (s *Server) handleChatRefresh(w http.ResponseWriter, r *http.Request, p domain.Principal, view *conversation.View) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	id, err := view.Refresh(r.Context(), p)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversationId": id,
		"state":          view.Snapshot(),
	})
}

func (s *Server) handleChatClear(w http.ResponseWriter, r *http.Request, view *conversation.View) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	view.Clear()
	writeJSON(w, http.StatusOK, view.Snapshot())
}

func (s *Server) handleChatPanel(w http.ResponseWriter, r *http.Request, view *conversation.View) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req panelRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if (req.Citation == "") == (req.Tab == "") {
		writeError(w, http.StatusBadRequest, "exactly one of citation or tab is required")
		return
	}
	var open bool
	if req.Citation != "" {
		open = view.ShowCitation(req.Citation, req.AnswerIndex)
	} else {
		open = view.ToggleTab(req.Tab, req.AnswerIndex)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"open":  open,
		"panel": view.Snapshot().Panel,
	})
}

// handleChatConversation resumes or deletes one stored conversation.
func (s *Server) handleChatConversation(w http.ResponseWriter, r *http.Request, p domain.Principal, view *conversation.View, conversationID string) {
	switch r.Method {
	case http.MethodGet:
		if err := view.Resume(r.Context(), p, conversationID); err != nil {
			writeBackendError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view.Snapshot())
	case http.MethodDelete:
		if err := view.DeleteConversation(r.Context(), p, conversationID); err != nil {
			writeBackendError(w, err)
			return
		}
		s.audit(r, "frontend.chat.delete", "success", "user_id", p.Subject, "conversation_id", conversationID)
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "deleted",
			"state":  view.Snapshot(),
		})
	default:
		methodNotAllowed(w)
	}
}

// helpers

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeBackendError maps the typed backend errors onto HTTP statuses. A
// server-side backend failure keeps its trace id in the message; any other
// upstream rejection passes its status and body through.
func writeBackendError(w http.ResponseWriter, err error) {
	var authErr *backend.AuthenticationError
	if errors.As(err, &authErr) {
		writeError(w, http.StatusUnauthorized, authErr.Error())
		return
	}
	var srvErr *backend.ServerError
	if errors.As(err, &srvErr) {
		writeError(w, http.StatusBadGateway, srvErr.Error())
		return
	}
	var reqErr *backend.RequestError
	if errors.As(err, &reqErr) {
		writeError(w, reqErr.Status, reqErr.Error())
		return
	}
	if errors.Is(err, identity.ErrNotAuthenticated) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if errors.Is(err, conversation.ErrSuperseded) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 20 * 1024 * 1024
	}
	return value
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int(limiter.RetryAfter().Seconds())))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}
