package worker

import (
	"archive/zip"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/gamegen/pkg/models"
)

// snapshotFor loads the requested version (?version=N, latest by default) of a
// message that belongs to the conversation in the URL.
func (s *Service) snapshotFor(r *http.Request) (*models.GenerationSnapshot, error) {
	msg, err := s.conversations.FindMessageByID(r.Context(), chi.URLParam(r, "conversationID"), chi.URLParam(r, "messageID"))
	if err != nil {
		return nil, err
	}

	version := 0
	if raw := r.URL.Query().Get("version"); raw != "" {
		version, err = strconv.Atoi(raw)
		if err != nil || version < 0 {
			return nil, fmt.Errorf("%w: invalid version", errBadRequest)
		}
	}
	return s.generations.GetVersion(r.Context(), msg.ID, version)
}

// cleanFilePath normalizes a generated file name into a relative path that
// cannot leave the archive root. It returns "" for unusable names.
func cleanFilePath(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimLeft(path.Clean("/"+name), "/")
	if name == "" || name == "." {
		return ""
	}
	return name
}

// handleDownload streams the snapshot's files as a zip archive.
func (s *Service) handleDownload(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshotFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	shortID := snap.MessageID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	filename := fmt.Sprintf("game-%s-v%d.zip", shortID, snap.Metadata.Version)

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.WriteHeader(http.StatusOK)

	zw := zip.NewWriter(w)
	for _, f := range snap.Files {
		name := cleanFilePath(f.Name())
		if name == "" {
			continue
		}
		entry, err := zw.Create(name)
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("Failed to add file to archive")
			return
		}
		if _, err := entry.Write([]byte(f.Content)); err != nil {
			log.Debug().Err(err).Msg("Archive download interrupted")
			return
		}
	}
	if err := zw.Close(); err != nil {
		log.Debug().Err(err).Msg("Failed to finish archive")
	}
}

// entryFile picks the page a preview opens with: index.html, else the first HTML file.
func entryFile(files []models.GeneratedFile) (models.GeneratedFile, bool) {
	var first *models.GeneratedFile
	for i := range files {
		name := cleanFilePath(files[i].Name())
		if name == "index.html" {
			return files[i], true
		}
		if first == nil && (strings.HasSuffix(name, ".html") || strings.HasSuffix(name, ".htm")) {
			first = &files[i]
		}
	}
	if first == nil {
		return models.GeneratedFile{}, false
	}
	return *first, true
}

// handlePreview serves a snapshot's files so the game can run in an iframe.
func (s *Service) handlePreview(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshotFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var (
		file  models.GeneratedFile
		found bool
	)
	requested := cleanFilePath(chi.URLParam(r, "*"))
	if requested == "" {
		file, found = entryFile(snap.Files)
	} else {
		for _, f := range snap.Files {
			if cleanFilePath(f.Name()) == requested {
				file, found = f, true
				break
			}
		}
	}
	if !found {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	contentType := mime.TypeByExtension(path.Ext(file.Name()))
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Security-Policy", "sandbox allow-scripts allow-pointer-lock")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	// Versions are immutable but "latest" is not.
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	_, _ = w.Write([]byte(file.Content))
}
