// Package httpapi exposes accounts, backends, conversations and chat over
// JSON HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"raftchat/internal/auth"
	"raftchat/internal/backend"
	"raftchat/internal/conversation"
)

const (
	SessionCookie = "session_token"

	DefaultRequestTimeout = 120 * time.Second

	// maxBody bounds every JSON request body.
	maxBody = 1 << 20
)

// Chatter produces an assistant reply for a history.
type Chatter interface {
	Chat(ctx context.Context, b backend.Backend, msgs []conversation.Message) (string, error)
}

// Pinger reports whether the KV cluster answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Services struct {
	Auth          *auth.Service
	Backends      *backend.Manager
	Conversations *conversation.Manager
	LLM           Chatter
	Cluster       Pinger
}

type Config struct {
	// RequestTimeout bounds one model call.
	RequestTimeout time.Duration
	SessionTTL     time.Duration
	SecureCookie   bool
}

type Server struct {
	cfg Config
	svc Services
	log *zap.Logger
	mux *http.ServeMux
}

func New(cfg Config, svc Services, log *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = auth.DefaultSessionTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{cfg: cfg, svc: svc, log: log, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /register", s.handleRegister)
	s.mux.HandleFunc("POST /login", s.handleLogin)
	s.mux.HandleFunc("POST /logout", s.handleLogout)
	s.mux.HandleFunc("GET /profile", s.requireAuth(s.handleProfile))
	s.mux.HandleFunc("GET /check-auth", s.handleCheckAuth)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /client_id", s.handleClientID)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("GET /api/backends", s.requireAuth(s.handleListBackends))
	s.mux.HandleFunc("POST /api/backends", s.requireAuth(s.handleAddBackend))
	s.mux.HandleFunc("PUT /api/backends/{id}", s.requireAuth(s.handleUpdateBackend))
	s.mux.HandleFunc("DELETE /api/backends/{id}", s.requireAuth(s.handleDeleteBackend))

	s.mux.HandleFunc("GET /api/conversations", s.requireAuth(s.handleListConversations))
	s.mux.HandleFunc("POST /api/conversations", s.requireAuth(s.handleCreateConversation))
	s.mux.HandleFunc("GET /api/conversations/{id}", s.requireAuth(s.handleGetConversation))
	s.mux.HandleFunc("PUT /api/conversations/{id}", s.requireAuth(s.handleUpdateConversation))
	s.mux.HandleFunc("DELETE /api/conversations/{id}", s.requireAuth(s.handleDeleteConversation))
	s.mux.HandleFunc("GET /api/conversations/{id}/history", s.requireAuth(s.handleHistory))
	s.mux.HandleFunc("POST /api/conversations/{id}/clear", s.requireAuth(s.handleClearHistory))

	s.mux.HandleFunc("POST /api/chat", s.requireAuth(s.handleChat))
}

// Handler returns the routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

type userKey struct{}

func currentUser(r *http.Request) auth.User {
	u, _ := r.Context().Value(userKey{}).(auth.User)
	return u
}

// sessionToken reads the cookie first, then a bearer header.
func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return ""
}

func (s *Server) lookupSession(r *http.Request) (auth.User, bool) {
	token := sessionToken(r)
	if token == "" {
		return auth.User{}, false
	}
	u, err := s.svc.Auth.ValidateSession(token)
	if err != nil {
		if !errors.Is(err, auth.ErrSessionInvalid) {
			s.log.Warn("validate session", zap.Error(err))
		}
		return auth.User{}, false
	}
	return u, true
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := s.lookupSession(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "login required")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, u)))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return false
	}
	return true
}
