package generator

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/gamegen/pkg/models"
)

const (
	initialLineBuffer = 64 * 1024
	// Completion payloads carry every generated file on one line.
	maxLineBuffer = 32 * 1024 * 1024
)

// wireEvent is the union of every payload shape the provider emits.
// Which shape a line carries is decided by field presence, not by a tag.
type wireEvent struct {
	Error   json.RawMessage `json:"error"`
	Details string          `json:"details"`

	Files      []models.GeneratedFile `json:"files"`
	PreviewURL string                 `json:"previewUrl"`
	LiveURL    string                 `json:"liveUrl"`
	GameType   string                 `json:"gameType"`
	Framework  string                 `json:"framework"`
	Features   []string               `json:"features"`
	ProjectID  string                 `json:"projectId"`

	Filename string `json:"filename"`
	Content  string `json:"content"`
	Language string `json:"language"`
	Path     string `json:"path"`

	Step       int      `json:"step"`
	TotalSteps int      `json:"totalSteps"`
	StepName   string   `json:"stepName"`
	Progress   *float64 `json:"progress"`
	Message    string   `json:"message"`
}

// Stream is a finite, non-restartable sequence of normalized events read from
// a provider response. It ends after exactly one terminal event.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc

	done      bool
	closeOnce sync.Once
}

// NewStream wraps a provider event-stream body.
func NewStream(body io.ReadCloser) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, initialLineBuffer), maxLineBuffer)
	return &Stream{body: body, scanner: scanner}
}

// Next returns the next event. It returns false once the terminal event has
// been returned. A body that ends early or fails to read yields a synthesized
// error event first.
//
// Every data line is decoded on its own; blank separators are optional.
func (s *Stream) Next() (models.Event, bool) {
	if s.done {
		return nil, false
	}

	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")

		// Comments, event names, ids and retry hints carry nothing we use.
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		if ev, ok := s.dispatch(payload); ok {
			return ev, true
		}
	}

	s.finish()
	if err := s.scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("Generation stream read failed")
		return models.ErrorEvent{Error: "generation stream interrupted", Details: err.Error()}, true
	}
	log.Warn().Msg("Generation stream ended without a terminal event")
	return models.ErrorEvent{Error: "generation ended unexpectedly"}, true
}

// Close releases the response body. Safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.done = true
		err = s.body.Close()
		if s.cancel != nil {
			s.cancel()
		}
	})
	return err
}

func (s *Stream) finish() {
	_ = s.Close()
}

// dispatch decodes one data line. Terminal events close the stream.
func (s *Stream) dispatch(payload string) (models.Event, bool) {
	ev, ok := decodeEvent([]byte(payload))
	if !ok {
		return nil, false
	}
	if models.IsTerminal(ev) {
		s.finish()
	}
	return ev, true
}

// decodeEvent classifies a data payload. Precedence: error, files, filename, step.
func decodeEvent(payload []byte) (models.Event, bool) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		log.Warn().Err(err).Int("bytes", len(payload)).Msg("Skipping malformed generation event")
		return nil, false
	}
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		log.Warn().Err(err).Int("bytes", len(payload)).Msg("Skipping malformed generation event")
		return nil, false
	}

	has := func(key string) bool {
		raw, ok := fields[key]
		return ok && !bytes.Equal(raw, []byte("null"))
	}

	switch {
	case has("error"):
		return models.ErrorEvent{Error: errorText(w.Error), Details: w.Details}, true

	case has("files"):
		progress := 100.0
		if w.Progress != nil {
			progress = *w.Progress
		}
		return models.CompleteEvent{
			Progress:   progress,
			FilesCount: len(w.Files),
			PreviewURL: w.PreviewURL,
			LiveURL:    w.LiveURL,
			Files:      w.Files,
			GameType:   w.GameType,
			Framework:  w.Framework,
			Features:   w.Features,
			ProjectID:  w.ProjectID,
		}, true

	case has("filename"):
		return models.FileGeneratedEvent{File: models.GeneratedFile{
			Filename: w.Filename,
			Content:  w.Content,
			Language: w.Language,
			Path:     w.Path,
		}}, true

	case has("step"):
		var progress float64
		if w.Progress != nil {
			progress = *w.Progress
		} else if w.TotalSteps > 0 {
			progress = float64(w.Step) / float64(w.TotalSteps) * 100
		}
		return models.ProgressEvent{
			Step:       w.Step,
			TotalSteps: w.TotalSteps,
			StepName:   w.StepName,
			Progress:   progress,
			Message:    w.Message,
		}, true
	}

	log.Debug().Str("payload", truncate(string(payload), 200)).Msg("Skipping unrecognized generation event")
	return nil, false
}

// errorText accepts both "error":"text" and "error":{"message":"text"}.
func errorText(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
