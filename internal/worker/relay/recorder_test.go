package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/gamegen/internal/worker/stream"
	"github.com/thebtf/gamegen/pkg/models"
)

type memoryStore struct {
	mu       sync.Mutex
	versions map[string][]*models.GenerationSnapshot
	failNext bool
	ctxErrs  []error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{versions: make(map[string][]*models.GenerationSnapshot)}
}

func (m *memoryStore) AppendVersion(ctx context.Context, messageID string, snap *models.GenerationSnapshot) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	if m.failNext {
		m.failNext = false
		return 0, errors.New("disk full")
	}
	m.versions[messageID] = append(m.versions[messageID], snap)
	snap.Metadata.Version = len(m.versions[messageID])
	return snap.Metadata.Version, nil
}

func newRun() stream.Run {
	return stream.Run{
		Key:       stream.Key{ConversationID: "C1", MessageID: "M1"},
		Prompt:    "Build a platformer",
		StartedAt: time.Now(),
	}
}

func TestRecorder_SnapshotPerFileThenFinal(t *testing.T) {
	store := newMemoryStore()
	consumer := NewRecorder(context.Background(), store, time.Second).Factory()(newRun())

	consumer.Consume(models.GenerationStartedEvent{})
	consumer.Consume(models.ProgressEvent{Step: 1})
	consumer.Consume(models.FileGeneratedEvent{File: models.GeneratedFile{Filename: "index.html", Content: "v1"}})
	consumer.Consume(models.FileGeneratedEvent{File: models.GeneratedFile{Filename: "game.js", Content: "js"}})
	consumer.Consume(models.CompleteEvent{
		Files: []models.GeneratedFile{
			{Filename: "index.html", Content: "v2"},
			{Filename: "style.css", Content: "css"},
		},
		GameType:  "platformer",
		Framework: "phaser",
		LiveURL:   "https://live.example/p1",
		ProjectID: "p1",
	})

	snaps := store.versions["M1"]
	require.Len(t, snaps, 3)

	assert.Equal(t, models.GenerationStatusGenerating, snaps[0].Status)
	assert.Len(t, snaps[0].Files, 1)
	assert.Equal(t, models.GenerationStatusGenerating, snaps[1].Status)
	assert.Len(t, snaps[1].Files, 2)

	final := snaps[2]
	assert.Equal(t, models.GenerationStatusCompleted, final.Status)
	assert.Equal(t, "Build a platformer", final.Prompt)
	assert.Equal(t, "M1", final.MessageID)
	assert.Equal(t, "platformer", final.Metadata.GameType)
	assert.Equal(t, "https://live.example/p1", final.Metadata.LiveURL)
	require.Len(t, final.Files, 3, "final snapshot holds the union of every file seen")
	assert.Equal(t, "v2", final.Files[0].Content)

	// Earlier snapshots are never mutated.
	assert.Equal(t, "v1", snaps[0].Files[0].Content)
	for i, snap := range snaps {
		assert.Equal(t, i+1, snap.Metadata.Version)
	}
}

func TestRecorder_ErrorKeepsPartialFiles(t *testing.T) {
	store := newMemoryStore()
	consumer := NewRecorder(context.Background(), store, time.Second).Factory()(newRun())

	consumer.Consume(models.FileGeneratedEvent{File: models.GeneratedFile{Filename: "index.html"}})
	consumer.Consume(models.ErrorEvent{Error: "provider exploded", Details: "500"})
	consumer.Consume(models.FileGeneratedEvent{File: models.GeneratedFile{Filename: "late.js"}})

	snaps := store.versions["M1"]
	require.Len(t, snaps, 2, "nothing is stored after the terminal event")
	assert.Equal(t, models.GenerationStatusError, snaps[1].Status)
	assert.Equal(t, "provider exploded: 500", snaps[1].Error)
	assert.Len(t, snaps[1].Files, 1)
}

func TestRecorder_WritesSurviveCancellation(t *testing.T) {
	store := newMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	recorder := NewRecorder(ctx, store, time.Second)
	consumer := recorder.Factory()(newRun())
	cancel()

	consumer.Consume(models.CompleteEvent{})

	require.Len(t, store.versions["M1"], 1)
	assert.NoError(t, store.ctxErrs[0], "final write must not see the cancelled context")
}

func TestRecorder_StoreFailureIsNotFatal(t *testing.T) {
	store := newMemoryStore()
	store.failNext = true
	consumer := NewRecorder(context.Background(), store, 0).Factory()(newRun())

	consumer.Consume(models.FileGeneratedEvent{File: models.GeneratedFile{Filename: "a.js"}})
	consumer.Consume(models.CompleteEvent{})

	snaps := store.versions["M1"]
	require.Len(t, snaps, 1)
	assert.Equal(t, models.GenerationStatusCompleted, snaps[0].Status)
	assert.Len(t, snaps[0].Files, 1)
}
