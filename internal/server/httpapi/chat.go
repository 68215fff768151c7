package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"raftchat/internal/backend"
	"raftchat/internal/conversation"
)

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

type chatResponse struct {
	Message        conversation.Message `json:"message"`
	Model          string               `json:"model"`
	BackendID      int                  `json:"backend_id"`
	ConversationID string               `json:"conversation_id"`
	Saved          bool                 `json:"save_success"`
}

// handleChat appends the user message, asks one of the user's backends
// for a reply and stores both. The user message is saved before the model
// is called so it survives a failed or slow backend.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch {
	case strings.TrimSpace(req.Message) == "":
		writeError(w, http.StatusBadRequest, "message is empty")
		return
	case req.ConversationID == "":
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	user := currentUser(r)
	log := s.log.With(zap.String("user", user.UserID), zap.String("conversation", req.ConversationID))
	if _, err := s.svc.Conversations.Get(user.UserID, req.ConversationID); err != nil {
		s.conversationError(w, err)
		return
	}

	ctx := r.Context()
	msgs, err := s.svc.Conversations.History(ctx, req.ConversationID)
	if err != nil {
		s.conversationError(w, err)
		return
	}
	msgs = append(msgs, conversation.Message{Role: conversation.RoleUser, Content: req.Message})
	if kept, err := s.svc.Conversations.SaveHistory(ctx, req.ConversationID, msgs); err != nil {
		log.Warn("save user message", zap.Error(err))
	} else {
		msgs = kept
	}

	idx, b, err := s.svc.Backends.Pick(user.UserID)
	if err != nil {
		if errors.Is(err, backend.ErrNoBackend) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":      "no active language model backend configured",
				"no_backend": true,
			})
			return
		}
		log.Error("pick backend", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	start := time.Now()
	reply, err := s.svc.LLM.Chat(callCtx, b, msgs)
	if err != nil {
		if _, merr := s.svc.Backends.MarkFailure(user.UserID, idx); merr != nil {
			log.Warn("mark backend failure", zap.Error(merr))
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			note := fmt.Sprintf("request timed out after %s, try a shorter question or retry later", s.cfg.RequestTimeout)
			msgs = append(msgs, conversation.Message{Role: conversation.RoleSystem, Content: note})
			if _, serr := s.svc.Conversations.SaveHistory(ctx, req.ConversationID, msgs); serr != nil {
				log.Warn("save timeout note", zap.Error(serr))
			}
			log.Warn("model call timed out", zap.Int("backend", idx), zap.String("model", b.Model))
			writeJSON(w, http.StatusGatewayTimeout, map[string]any{
				"error":           note,
				"timeout":         true,
				"backend_id":      idx,
				"conversation_id": req.ConversationID,
			})
			return
		}
		log.Error("model call failed", zap.Int("backend", idx), zap.String("model", b.Model), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	log.Info("model replied", zap.Int("backend", idx), zap.Duration("took", time.Since(start)))

	answer := conversation.Message{Role: conversation.RoleAssistant, Content: reply}
	msgs = append(msgs, answer)
	saved := true
	if kept, err := s.svc.Conversations.SaveHistory(ctx, req.ConversationID, msgs); err != nil {
		log.Warn("save reply", zap.Error(err))
		saved = false
	} else {
		msgs = kept
	}
	count := len(msgs)
	if _, err := s.svc.Conversations.Update(user.UserID, req.ConversationID, nil, &count); err != nil {
		log.Warn("update message count", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Message:        answer,
		Model:          b.Model,
		BackendID:      idx,
		ConversationID: req.ConversationID,
		Saved:          saved,
	})
}
