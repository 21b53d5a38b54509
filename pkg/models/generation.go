// Package models contains domain models for gamegen.
package models

import "time"

// GenerationStatus is the status of a persisted generation snapshot.
type GenerationStatus string

const (
	GenerationStatusGenerating GenerationStatus = "generating"
	GenerationStatusCompleted  GenerationStatus = "completed"
	GenerationStatusError      GenerationStatus = "error"
)

// APIVariant selects which provider endpoint a generation is sent to.
type APIVariant string

const (
	APIVariantStandard APIVariant = "standard"
)

// Valid reports whether v is a known variant.
func (v APIVariant) Valid() bool {
	switch v {
	case APIVariantStandard:
		return true
	}
	return false
}

// GeneratedFile is one file of generated game code.
type GeneratedFile struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
	Path     string `json:"path,omitempty"`
}

// Name returns the path inside the project, falling back to the filename.
func (f GeneratedFile) Name() string {
	if f.Path != "" {
		return f.Path
	}
	return f.Filename
}

// GenerationMetadata describes the generated game.
type GenerationMetadata struct {
	GameType  string   `json:"gameType,omitempty"`
	Framework string   `json:"framework,omitempty"`
	Features  []string `json:"features,omitempty"`
	LiveURL   string   `json:"liveUrl,omitempty"`
	ProjectID string   `json:"projectId,omitempty"`
	Version   int      `json:"version"`
}

// GenerationSnapshot is one immutable version of a message's generation result.
type GenerationSnapshot struct {
	MessageID string             `json:"messageId"`
	Prompt    string             `json:"prompt"`
	Files     []GeneratedFile    `json:"files"`
	Status    GenerationStatus   `json:"status"`
	Metadata  GenerationMetadata `json:"metadata"`
	Error     string             `json:"error,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
}

// MergeFiles returns base with every file of add applied in order. A file whose
// name already exists replaces the earlier content in place.
func MergeFiles(base []GeneratedFile, add ...GeneratedFile) []GeneratedFile {
	out := make([]GeneratedFile, 0, len(base)+len(add))
	index := make(map[string]int, len(base)+len(add))
	for _, f := range append(append([]GeneratedFile{}, base...), add...) {
		if i, ok := index[f.Name()]; ok {
			out[i] = f
			continue
		}
		index[f.Name()] = len(out)
		out = append(out, f)
	}
	return out
}
