package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"raftchat/internal/conversation"
)

// ownedConversation writes 404 unless the caller owns the path's id.
func (s *Server) ownedConversation(w http.ResponseWriter, r *http.Request) (conversation.Conversation, bool) {
	c, err := s.svc.Conversations.Get(currentUser(r).UserID, r.PathValue("id"))
	if err != nil {
		s.conversationError(w, err)
		return conversation.Conversation{}, false
	}
	return c, true
}

func (s *Server) conversationError(w http.ResponseWriter, err error) {
	if errors.Is(err, conversation.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	s.log.Error("conversation", zap.Error(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Conversations.List(currentUser(r).UserID)
	if err != nil {
		s.conversationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	c, err := s.svc.Conversations.Create(currentUser(r).UserID, req.Title)
	if err != nil {
		s.conversationError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	if c, ok := s.ownedConversation(w, r); ok {
		writeJSON(w, http.StatusOK, c)
	}
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title *string `json:"title"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Title == nil || *req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	c, err := s.svc.Conversations.Update(currentUser(r).UserID, r.PathValue("id"), req.Title, nil)
	if err != nil {
		s.conversationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Conversations.Delete(r.Context(), currentUser(r).UserID, r.PathValue("id")); err != nil {
		s.conversationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	c, ok := s.ownedConversation(w, r)
	if !ok {
		return
	}
	msgs, err := s.svc.Conversations.History(r.Context(), c.ID)
	if err != nil {
		s.conversationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": c.ID,
		"history":         msgs,
		"message_count":   len(msgs),
	})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	c, ok := s.ownedConversation(w, r)
	if !ok {
		return
	}
	if err := s.svc.Conversations.ClearHistory(r.Context(), c.ID); err != nil {
		s.conversationError(w, err)
		return
	}
	zero := 0
	if _, err := s.svc.Conversations.Update(currentUser(r).UserID, c.ID, nil, &zero); err != nil {
		s.conversationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
