// Package models contains domain models for gamegen.
package models

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// EventKind is the discriminator written as the "type" field of every stream event.
type EventKind string

const (
	EventConnected         EventKind = "connected"
	EventWaiting           EventKind = "waiting"
	EventGenerationStarted EventKind = "generation_started"
	EventProgress          EventKind = "progress"
	EventFileGenerated     EventKind = "file_generated"
	EventComplete          EventKind = "generation_complete"
	EventError             EventKind = "error"
	EventPing              EventKind = "ping"
	EventEnd               EventKind = "end"
)

// Event is a normalized generation event. The set of implementations is closed:
// only the types declared in this file satisfy it.
type Event interface {
	Kind() EventKind
	event()
}

// ConnectedEvent is the first event on every stream.
type ConnectedEvent struct {
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
}

// WaitingEvent tells the client no generation has been queued for its key yet.
type WaitingEvent struct {
	Message string `json:"message,omitempty"`
}

// GenerationStartedEvent marks the transition into generating.
type GenerationStartedEvent struct {
	Message string `json:"message,omitempty"`
}

// ProgressEvent reports a provider step.
type ProgressEvent struct {
	Step       int     `json:"step"`
	TotalSteps int     `json:"totalSteps"`
	StepName   string  `json:"stepName"`
	Progress   float64 `json:"progress"`
	Message    string  `json:"message"`
}

// FileGeneratedEvent carries one file produced by the provider.
type FileGeneratedEvent struct {
	File GeneratedFile `json:"file"`
}

// CompleteEvent is the successful terminal event.
type CompleteEvent struct {
	Progress   float64 `json:"progress"`
	FilesCount int     `json:"filesCount"`
	PreviewURL string  `json:"previewUrl,omitempty"`
	LiveURL    string  `json:"liveUrl,omitempty"`

	// Provider payload, persisted but not relayed.
	Files     []GeneratedFile `json:"-"`
	GameType  string          `json:"-"`
	Framework string          `json:"-"`
	Features  []string        `json:"-"`
	ProjectID string          `json:"-"`
}

// ErrorEvent is the failed terminal event.
type ErrorEvent struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// PingEvent is the heartbeat.
type PingEvent struct {
	Timestamp int64 `json:"timestamp"`
}

// EndEvent is always the last event written before a stream is closed.
type EndEvent struct{}

func (ConnectedEvent) Kind() EventKind         { return EventConnected }
func (WaitingEvent) Kind() EventKind           { return EventWaiting }
func (GenerationStartedEvent) Kind() EventKind { return EventGenerationStarted }
func (ProgressEvent) Kind() EventKind          { return EventProgress }
func (FileGeneratedEvent) Kind() EventKind     { return EventFileGenerated }
func (CompleteEvent) Kind() EventKind          { return EventComplete }
func (ErrorEvent) Kind() EventKind             { return EventError }
func (PingEvent) Kind() EventKind              { return EventPing }
func (EndEvent) Kind() EventKind               { return EventEnd }

func (ConnectedEvent) event()         {}
func (WaitingEvent) event()           {}
func (GenerationStartedEvent) event() {}
func (ProgressEvent) event()          {}
func (FileGeneratedEvent) event()     {}
func (CompleteEvent) event()          {}
func (ErrorEvent) event()             {}
func (PingEvent) event()              {}
func (EndEvent) event()               {}

// IsTerminal reports whether e ends a generation.
func IsTerminal(e Event) bool {
	switch e.(type) {
	case CompleteEvent, *CompleteEvent, ErrorEvent, *ErrorEvent:
		return true
	}
	return false
}

// EncodeEvent renders e as a JSON object whose first field is "type".
func EncodeEvent(e Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("encode event: nil event")
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Kind(), err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 24)
	buf.WriteString(`{"type":"`)
	buf.WriteString(string(e.Kind()))
	buf.WriteByte('"')
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
