package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"raftchat/internal/backend"
)

type backendView struct {
	ID        int            `json:"id"`
	BaseURL   string         `json:"base_url"`
	Model     string         `json:"model"`
	APIKey    string         `json:"api_key"`
	Weight    int            `json:"weight"`
	Status    backend.Status `json:"status"`
	Failures  int            `json:"failures"`
	LastCheck time.Time      `json:"last_check"`
}

// maskKey keeps only the last four characters of a key.
func maskKey(k string) string {
	if len(k) <= 4 {
		return k
	}
	return "****" + k[len(k)-4:]
}

func viewOf(id int, b backend.Backend) backendView {
	return backendView{
		ID:        id,
		BaseURL:   b.BaseURL,
		Model:     b.Model,
		APIKey:    maskKey(b.APIKey),
		Weight:    b.Weight,
		Status:    b.Status,
		Failures:  b.Failures,
		LastCheck: b.LastCheck,
	}
}

func backendStatus(err error) int {
	switch {
	case errors.Is(err, backend.ErrInvalid), errors.Is(err, backend.ErrLastBackend):
		return http.StatusBadRequest
	case errors.Is(err, backend.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func backendID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "backend id must be an integer")
		return 0, false
	}
	return id, true
}

func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Backends.List(currentUser(r).UserID)
	if err != nil {
		s.log.Error("list backends", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]backendView, 0, len(list))
	for i, b := range list {
		out = append(out, viewOf(i, b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"backends": out})
}

func (s *Server) handleAddBackend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BaseURL string `json:"base_url"`
		Model   string `json:"model"`
		APIKey  string `json:"api_key"`
		Weight  int    `json:"weight"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	idx, err := s.svc.Backends.Add(currentUser(r).UserID, backend.Backend{
		BaseURL: req.BaseURL,
		Model:   req.Model,
		APIKey:  req.APIKey,
		Weight:  req.Weight,
	})
	if err != nil {
		writeError(w, backendStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"id": idx})
}

func (s *Server) handleUpdateBackend(w http.ResponseWriter, r *http.Request) {
	id, ok := backendID(w, r)
	if !ok {
		return
	}
	var p backend.Patch
	if !decodeJSON(w, r, &p) {
		return
	}
	b, err := s.svc.Backends.Update(currentUser(r).UserID, id, p)
	if err != nil {
		writeError(w, backendStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewOf(id, b))
}

func (s *Server) handleDeleteBackend(w http.ResponseWriter, r *http.Request) {
	id, ok := backendID(w, r)
	if !ok {
		return
	}
	if err := s.svc.Backends.Delete(currentUser(r).UserID, id); err != nil {
		writeError(w, backendStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
