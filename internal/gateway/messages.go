package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/pkg/models"
)

type sendMessageRequest struct {
	Platform    string              `json:"platform"`
	Channel     string              `json:"channel"`
	Thread      string              `json:"thread"`
	Content     string              `json:"content"`
	Attachments []models.Attachment `json:"attachments"`
}

// handleSendMessage feeds one user message into the agent loop and
// returns the settled response.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		s.respondError(w, http.StatusServiceUnavailable, "agent is not configured")
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user := s.requestUser(r)
	ref := models.ConversationRef{
		Platform: req.Platform,
		Channel:  req.Channel,
		Thread:   req.Thread,
	}
	if ref.Platform == "" {
		ref.Platform = "api"
	}
	if ref.Channel == "" {
		// API callers without a channel get a private conversation.
		ref.Channel = user.ID
	}

	resp, err := s.agent.HandleMessage(r.Context(), user.ID, ref, req.Content, req.Attachments, agent.WithDisplayName(user.DisplayName))
	if err != nil {
		if errors.Is(err, agent.ErrEmptyMessage) {
			s.respondError(w, http.StatusBadRequest, "message content is required")
			return
		}
		s.logger.Error("message handling failed", "user_id", user.ID, "conversation", ref.Key(), "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to handle message")
		return
	}
	s.respond(w, http.StatusOK, resp)
}
