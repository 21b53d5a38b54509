// Package relay persists generation events as versioned snapshots.
package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/gamegen/internal/worker/stream"
	"github.com/thebtf/gamegen/pkg/models"
)

// DefaultWriteTimeout bounds each snapshot write.
const DefaultWriteTimeout = 10 * time.Second

// VersionStore appends generation snapshots.
type VersionStore interface {
	AppendVersion(ctx context.Context, messageID string, snap *models.GenerationSnapshot) (int, error)
}

// Recorder builds one run recorder per generation.
type Recorder struct {
	ctx     context.Context
	store   VersionStore
	timeout time.Duration
}

// NewRecorder creates a recorder. Writes are detached from ctx cancellation so
// the final snapshot is stored even while the server shuts down.
func NewRecorder(ctx context.Context, store VersionStore, timeout time.Duration) *Recorder {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &Recorder{
		ctx:     context.WithoutCancel(ctx),
		store:   store,
		timeout: timeout,
	}
}

// Factory returns r as a coordinator consumer factory.
func (r *Recorder) Factory() stream.ConsumerFactory {
	return func(run stream.Run) stream.Consumer {
		return &runRecorder{
			parent: r,
			run:    run,
			logger: log.With().
				Str("conversationId", run.Key.ConversationID).
				Str("messageId", run.Key.MessageID).
				Logger(),
		}
	}
}

// runRecorder accumulates the files of one run. It is used from the run's
// goroutine only.
type runRecorder struct {
	parent *Recorder
	run    stream.Run
	logger zerolog.Logger

	files    []models.GeneratedFile
	finished bool
	versions []int
}

// Consume persists file and terminal events. Other events carry nothing to store.
func (r *runRecorder) Consume(ev models.Event) {
	if r.finished {
		return
	}

	switch e := ev.(type) {
	case models.FileGeneratedEvent:
		r.files = models.MergeFiles(r.files, e.File)
		r.append(&models.GenerationSnapshot{
			Files:  r.files,
			Status: models.GenerationStatusGenerating,
		})

	case models.CompleteEvent:
		r.files = models.MergeFiles(r.files, e.Files...)
		r.finished = true
		r.append(&models.GenerationSnapshot{
			Files:  r.files,
			Status: models.GenerationStatusCompleted,
			Metadata: models.GenerationMetadata{
				GameType:  e.GameType,
				Framework: e.Framework,
				Features:  e.Features,
				LiveURL:   e.LiveURL,
				ProjectID: e.ProjectID,
			},
		})

	case models.ErrorEvent:
		r.finished = true
		msg := e.Error
		if e.Details != "" {
			msg += ": " + e.Details
		}
		r.append(&models.GenerationSnapshot{
			Files:  r.files,
			Status: models.GenerationStatusError,
			Error:  msg,
		})
	}
}

func (r *runRecorder) append(snap *models.GenerationSnapshot) {
	snap.MessageID = r.run.Key.MessageID
	snap.Prompt = r.run.Prompt

	ctx, cancel := context.WithTimeout(r.parent.ctx, r.parent.timeout)
	defer cancel()

	version, err := r.parent.store.AppendVersion(ctx, r.run.Key.MessageID, snap)
	if err != nil {
		// The stream keeps going; only the stored history has a hole.
		r.logger.Error().Err(err).Str("status", string(snap.Status)).Msg("Failed to persist generation snapshot")
		return
	}
	r.versions = append(r.versions, version)
	r.logger.Debug().
		Int("version", version).
		Str("status", string(snap.Status)).
		Int("files", len(snap.Files)).
		Msg("Generation snapshot stored")
}
