package httpapi

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"raftchat/internal/auth"
)

func authStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUserExists), errors.Is(err, auth.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, auth.ErrUserNotFound), errors.Is(err, auth.ErrBadPassword):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrUserDisabled):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := s.svc.Auth.Register(req)
	if err != nil {
		writeError(w, authStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"user_id": u.UserID})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := s.svc.Auth.Authenticate(strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		// one message for unknown user and wrong password
		msg := err.Error()
		if errors.Is(err, auth.ErrUserNotFound) || errors.Is(err, auth.ErrBadPassword) {
			msg = "invalid username or password"
		}
		writeError(w, authStatus(err), msg)
		return
	}
	token, err := s.svc.Auth.CreateSession(u)
	if err != nil {
		s.log.Error("create session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": u.Profile()})
}

func (s *Server) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.Auth.Logout(sessionToken(r)); err != nil {
		s.log.Error("logout", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	s.clearCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r).Profile())
}

func (s *Server) handleCheckAuth(w http.ResponseWriter, r *http.Request) {
	u, ok := s.lookupSession(r)
	if !ok {
		if sessionToken(r) != "" {
			s.clearCookie(w)
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "user": u.Profile()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Auth.Stats()
	if err != nil {
		s.log.Error("user stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleClientID names the caller: the user id when logged in, otherwise a
// stable guest id derived from the client address.
func (s *Server) handleClientID(w http.ResponseWriter, r *http.Request) {
	if u, ok := s.lookupSession(r); ok {
		writeJSON(w, http.StatusOK, map[string]string{"client_id": "user_" + u.UserID})
		return
	}
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(ip))
	writeJSON(w, http.StatusOK, map[string]string{"client_id": fmt.Sprintf("guest_%04d", h.Sum32()%10000)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.svc.Cluster == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if err := s.svc.Cluster.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "cluster": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "cluster": "up"})
}
