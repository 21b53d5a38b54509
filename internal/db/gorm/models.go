// Package gorm provides GORM-based persistence for gamegen.
package gorm

import (
	"database/sql"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/gamegen/pkg/models"
)

// GORM Models

// User is an account.
type User struct {
	ID             string `gorm:"primaryKey;type:varchar(36)"`
	Email          string `gorm:"type:varchar(320);uniqueIndex;not null"`
	Name           string `gorm:"type:text"`
	PasswordHash   string `gorm:"type:text;not null"`
	CreatedAt      string `gorm:"not null"`
	CreatedAtEpoch int64  `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// BeforeCreate hook to ensure timestamps are set.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	setTimestamps(&u.CreatedAt, &u.CreatedAtEpoch)
	return nil
}

// Conversation groups messages for one user.
type Conversation struct {
	ID             string `gorm:"primaryKey;type:varchar(36)"`
	UserID         string `gorm:"type:varchar(36);index:idx_conversations_user_updated,priority:1;not null"`
	Title          string `gorm:"type:text"`
	CreatedAt      string `gorm:"not null"`
	CreatedAtEpoch int64  `gorm:"not null"`
	UpdatedAtEpoch int64  `gorm:"index:idx_conversations_user_updated,priority:2,sort:desc;not null"`
}

func (Conversation) TableName() string { return "conversations" }

// BeforeCreate hook to ensure timestamps are set.
func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	setTimestamps(&c.CreatedAt, &c.CreatedAtEpoch)
	if c.UpdatedAtEpoch == 0 {
		c.UpdatedAtEpoch = c.CreatedAtEpoch
	}
	return nil
}

// Message is one prompt in a conversation.
type Message struct {
	ID             string             `gorm:"primaryKey;type:varchar(36)"`
	ConversationID string             `gorm:"type:varchar(36);index:idx_messages_conversation_created,priority:1;not null"`
	Role           models.MessageRole `gorm:"type:varchar(16);check:role IN ('user', 'assistant');not null"`
	Content        string             `gorm:"type:text;not null"`
	CreatedAt      string             `gorm:"not null"`
	CreatedAtEpoch int64              `gorm:"index:idx_messages_conversation_created,priority:2;not null"`
}

func (Message) TableName() string { return "messages" }

// BeforeCreate hook to ensure timestamps are set.
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	setTimestamps(&m.CreatedAt, &m.CreatedAtEpoch)
	return nil
}

// GenerationVersion is one immutable snapshot of a message's generation result.
type GenerationVersion struct {
	ID             int64                   `gorm:"primaryKey;autoIncrement"`
	MessageID      string                  `gorm:"type:varchar(36);uniqueIndex:idx_generation_message_version,priority:1;not null"`
	Version        int                     `gorm:"uniqueIndex:idx_generation_message_version,priority:2;not null"`
	Prompt         string                  `gorm:"type:text"`
	Status         models.GenerationStatus `gorm:"type:varchar(16);check:status IN ('generating', 'completed', 'error');not null"`
	Files          JSONFiles               `gorm:"type:text"` // JSON array
	GameType       sql.NullString          `gorm:"type:text"`
	Framework      sql.NullString          `gorm:"type:text"`
	Features       JSONStringArray         `gorm:"type:text"` // JSON array
	LiveURL        sql.NullString          `gorm:"type:text"`
	ProjectID      sql.NullString          `gorm:"type:text"`
	Error          sql.NullString          `gorm:"type:text"`
	CreatedAt      string                  `gorm:"not null"`
	CreatedAtEpoch int64                   `gorm:"not null"`
}

func (GenerationVersion) TableName() string { return "generation_versions" }

// BeforeCreate hook to ensure timestamps are set.
func (g *GenerationVersion) BeforeCreate(tx *gorm.DB) error {
	setTimestamps(&g.CreatedAt, &g.CreatedAtEpoch)
	return nil
}

func setTimestamps(at *string, epoch *int64) {
	now := time.Now()
	if *epoch == 0 {
		*epoch = now.UnixMilli()
	}
	if *at == "" {
		*at = time.UnixMilli(*epoch).UTC().Format(time.RFC3339)
	}
}

// Conversions to domain models

func toModelUser(u *User) *models.User {
	return &models.User{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		CreatedAt: time.UnixMilli(u.CreatedAtEpoch).UTC(),
	}
}

func toModelConversation(c *Conversation) *models.Conversation {
	return &models.Conversation{
		ID:        c.ID,
		UserID:    c.UserID,
		Title:     c.Title,
		CreatedAt: time.UnixMilli(c.CreatedAtEpoch).UTC(),
		UpdatedAt: time.UnixMilli(c.UpdatedAtEpoch).UTC(),
	}
}

func toModelMessage(m *Message) *models.Message {
	return &models.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           m.Role,
		Content:        m.Content,
		CreatedAt:      time.UnixMilli(m.CreatedAtEpoch).UTC(),
	}
}

func toModelSnapshot(g *GenerationVersion) *models.GenerationSnapshot {
	files := []models.GeneratedFile(g.Files)
	if files == nil {
		files = []models.GeneratedFile{}
	}
	return &models.GenerationSnapshot{
		MessageID: g.MessageID,
		Prompt:    g.Prompt,
		Files:     files,
		Status:    g.Status,
		Metadata: models.GenerationMetadata{
			GameType:  g.GameType.String,
			Framework: g.Framework.String,
			Features:  []string(g.Features),
			LiveURL:   g.LiveURL.String,
			ProjectID: g.ProjectID.String,
			Version:   g.Version,
		},
		Error:     g.Error.String,
		CreatedAt: time.UnixMilli(g.CreatedAtEpoch).UTC(),
	}
}
