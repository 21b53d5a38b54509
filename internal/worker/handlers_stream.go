package worker

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/gamegen/internal/auth"
	"github.com/thebtf/gamegen/internal/db/gorm"
	"github.com/thebtf/gamegen/internal/worker/stream"
	"github.com/thebtf/gamegen/pkg/models"
)

// handleStream opens the SSE stream for one message. Ownership and the
// message itself are checked before any registry is touched.
func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	conversationID := chi.URLParam(r, "conversationID")

	msg, err := s.conversations.FindMessageByID(r.Context(), conversationID, chi.URLParam(r, "messageID"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	sessions := s.coordinator.Sessions()
	session, err := sessions.Open(w, stream.Key{ConversationID: conversationID, MessageID: msg.ID}, userID)
	if err != nil {
		if errors.Is(err, stream.ErrStreamingUnsupported) {
			writeError(w, r, err)
			return
		}
		log.Debug().Err(err).Str("messageId", msg.ID).Msg("Failed to open stream")
		return
	}

	if s.coordinator.Connect(session) == stream.StateWaiting {
		s.replayFinished(r.Context(), session)
	}

	if sessions.Hold(r.Context(), session) {
		log.Debug().Str("messageId", msg.ID).Msg("Stream client went away")
	}
	s.coordinator.Disconnect(session)
}

// replayFinished answers a stream that connected after its generation was
// over: the stored terminal result is sent and the stream ends. Without a
// stored result, or while a run for the key is live, the stream keeps waiting.
func (s *Service) replayFinished(ctx context.Context, session *stream.Session) {
	if s.coordinator.Running(session.Key) {
		return
	}
	snap, err := s.generations.GetVersion(ctx, session.Key.MessageID, 0)
	if errors.Is(err, gorm.ErrNotFound) {
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("messageId", session.Key.MessageID).Msg("Failed to load stored generation")
		return
	}

	var ev models.Event
	switch snap.Status {
	case models.GenerationStatusCompleted:
		ev = models.CompleteEvent{
			Progress:   100,
			FilesCount: len(snap.Files),
			PreviewURL: previewPath(session.Key.ConversationID, session.Key.MessageID),
			LiveURL:    snap.Metadata.LiveURL,
		}
	case models.GenerationStatusError:
		ev = models.ErrorEvent{Error: snap.Error}
	default:
		// Stored as generating but nothing runs: the process stopped mid-generation.
		ev = models.ErrorEvent{Error: "Generation was interrupted", Details: "the server stopped before the generation finished"}
	}

	sessions := s.coordinator.Sessions()
	if sessions.SendTo(session, ev) {
		sessions.SendTo(session, models.EndEvent{})
	}
	sessions.CloseSession(session)
}
