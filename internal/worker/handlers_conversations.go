package worker

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/gamegen/internal/auth"
	"github.com/thebtf/gamegen/internal/prompt"
	"github.com/thebtf/gamegen/internal/worker/stream"
	"github.com/thebtf/gamegen/pkg/models"
)

// DefaultConversationLimit caps conversation listings without a limit parameter.
const DefaultConversationLimit = 50

func streamPath(conversationID, messageID string) string {
	return "/api/conversations/" + conversationID + "/messages/" + messageID + "/stream"
}

func previewPath(conversationID, messageID string) string {
	return "/api/conversations/" + conversationID + "/messages/" + messageID + "/preview/"
}

// requireConversationOwner answers 404 for unknown conversations and 403 for
// conversations of another user.
func (s *Service) requireConversationOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := auth.UserID(r.Context())
		owner, err := s.conversations.ConversationOwner(r.Context(), chi.URLParam(r, "conversationID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if owner != userID {
			writeError(w, r, errForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	limit := DefaultConversationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, fmt.Errorf("%w: invalid limit", errBadRequest))
			return
		}
		limit = n
	}

	conversations, err := s.conversations.ListConversations(r.Context(), userID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": conversations})
}

func (s *Service) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	var req struct {
		Title string `json:"title"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}

	conv, err := s.conversations.CreateConversation(r.Context(), userID, prompt.Clean(req.Title))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Service) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	conv, err := s.conversations.GetConversation(r.Context(), conversationID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	messages, err := s.messagesWithGenerations(r, conversationID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation": conv,
		"messages":     messages,
	})
}

func (s *Service) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	// Stop generations first so none of them writes after the rows are gone.
	if err := s.coordinator.DiscardConversation(r.Context(), conversationID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.conversations.DeleteConversation(r.Context(), conversationID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.messagesWithGenerations(r, chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

// messagesWithGenerations lists a conversation's messages with their latest snapshot.
func (s *Service) messagesWithGenerations(r *http.Request, conversationID string) ([]*models.Message, error) {
	messages, err := s.conversations.ListMessages(r.Context(), conversationID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	latest, err := s.generations.LatestVersions(r.Context(), ids)
	if err != nil {
		return nil, err
	}
	for _, m := range messages {
		m.Generation = latest[m.ID]
	}
	return messages, nil
}

type createMessageRequest struct {
	Content string            `json:"content"`
	Variant models.APIVariant `json:"variant"`
}

type createMessageResponse struct {
	MessageID string          `json:"messageId"`
	StreamURL string          `json:"streamUrl"`
	Message   *models.Message `json:"message"`
}

// handleCreateMessage stores the prompt and registers its generation. Nothing
// is generated until a stream connects to the returned URL.
func (s *Service) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	conversationID := chi.URLParam(r, "conversationID")

	var req createMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	content, err := prompt.Validate(req.Content, s.config.MaxPromptChars)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.Variant == "" {
		req.Variant = models.APIVariantStandard
	}
	if !req.Variant.Valid() {
		writeError(w, r, fmt.Errorf("%w: unknown variant %q", errBadRequest, req.Variant))
		return
	}

	msg, err := s.conversations.AppendMessage(r.Context(), conversationID, models.MessageRoleUser, content)
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.coordinator.Submit(stream.Pending{
		Key:     stream.Key{ConversationID: conversationID, MessageID: msg.ID},
		UserID:  userID,
		Prompt:  content,
		Variant: req.Variant,
	})

	log.Info().
		Str("conversationId", conversationID).
		Str("messageId", msg.ID).
		Int("promptChars", len(content)).
		Msg("Message accepted")

	writeJSON(w, http.StatusCreated, createMessageResponse{
		MessageID: msg.ID,
		StreamURL: streamPath(conversationID, msg.ID),
		Message:   msg,
	})
}

func (s *Service) handleListVersions(w http.ResponseWriter, r *http.Request) {
	msg, err := s.conversations.FindMessageByID(r.Context(), chi.URLParam(r, "conversationID"), chi.URLParam(r, "messageID"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	versions, err := s.generations.ListVersions(r.Context(), msg.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"versions": versions})
}
