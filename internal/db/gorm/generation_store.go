// Package gorm provides GORM-based persistence for gamegen.
package gorm

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/thebtf/gamegen/pkg/models"
)

// GenerationStore persists versioned generation snapshots.
type GenerationStore struct {
	db *gorm.DB
}

// NewGenerationStore creates a new generation store.
func NewGenerationStore(store *Store) *GenerationStore {
	return &GenerationStore{db: store.DB}
}

// AppendVersion stores snap as the next version for messageID and returns the
// version number. The number is derived from the count of stored versions; only
// one generation ever writes a given message at a time.
func (s *GenerationStore) AppendVersion(ctx context.Context, messageID string, snap *models.GenerationSnapshot) (int, error) {
	if snap == nil {
		return 0, errors.New("append version: nil snapshot")
	}

	row := &GenerationVersion{
		MessageID: messageID,
		Prompt:    snap.Prompt,
		Status:    snap.Status,
		Files:     JSONFiles(snap.Files),
		GameType:  nullString(snap.Metadata.GameType),
		Framework: nullString(snap.Metadata.Framework),
		Features:  JSONStringArray(snap.Metadata.Features),
		LiveURL:   nullString(snap.Metadata.LiveURL),
		ProjectID: nullString(snap.Metadata.ProjectID),
		Error:     nullString(snap.Error),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&GenerationVersion{}).Where("message_id = ?", messageID).Count(&count).Error; err != nil {
			return err
		}
		row.Version = int(count) + 1
		return tx.Create(row).Error
	})
	if err != nil {
		return 0, fmt.Errorf("append version for message %s: %w", messageID, err)
	}
	return row.Version, nil
}

// ListVersions returns every snapshot of the message, oldest first.
func (s *GenerationStore) ListVersions(ctx context.Context, messageID string) ([]*models.GenerationSnapshot, error) {
	var rows []GenerationVersion
	err := s.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("version ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]*models.GenerationSnapshot, 0, len(rows))
	for i := range rows {
		out = append(out, toModelSnapshot(&rows[i]))
	}
	return out, nil
}

// GetVersion returns a specific snapshot. Version 0 selects the latest.
func (s *GenerationStore) GetVersion(ctx context.Context, messageID string, version int) (*models.GenerationSnapshot, error) {
	var row GenerationVersion
	query := s.db.WithContext(ctx).Where("message_id = ?", messageID)
	if version > 0 {
		query = query.Where("version = ?", version)
	} else {
		query = query.Order("version DESC")
	}

	err := query.First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toModelSnapshot(&row), nil
}

// LatestVersions returns the newest snapshot for each of messageIDs that has one.
func (s *GenerationStore) LatestVersions(ctx context.Context, messageIDs []string) (map[string]*models.GenerationSnapshot, error) {
	out := make(map[string]*models.GenerationSnapshot, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}

	latest := s.db.Model(&GenerationVersion{}).
		Select("message_id, MAX(version) AS version").
		Where("message_id IN ?", messageIDs).
		Group("message_id")

	var rows []GenerationVersion
	err := s.db.WithContext(ctx).
		Select("generation_versions.*").
		Joins("JOIN (?) AS latest ON latest.message_id = generation_versions.message_id AND latest.version = generation_versions.version", latest).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	for i := range rows {
		out[rows[i].MessageID] = toModelSnapshot(&rows[i])
	}
	return out, nil
}
