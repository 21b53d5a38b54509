// Package gorm provides GORM-based persistence for gamegen.
package gorm

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/thebtf/gamegen/pkg/models"
)

// MaxTitleRunes bounds titles derived from the first message.
const MaxTitleRunes = 60

// ConversationStore provides conversation and message operations using GORM.
type ConversationStore struct {
	db *gorm.DB
}

// NewConversationStore creates a new conversation store.
func NewConversationStore(store *Store) *ConversationStore {
	return &ConversationStore{db: store.DB}
}

// CreateConversation stores a new conversation for userID.
func (s *ConversationStore) CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error) {
	dbConv := &Conversation{
		ID:     uuid.NewString(),
		UserID: userID,
		Title:  strings.TrimSpace(title),
	}
	if err := s.db.WithContext(ctx).Create(dbConv).Error; err != nil {
		return nil, err
	}
	return toModelConversation(dbConv), nil
}

// GetConversation returns the conversation or ErrNotFound.
func (s *ConversationStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var dbConv Conversation
	err := s.db.WithContext(ctx).First(&dbConv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toModelConversation(&dbConv), nil
}

// ConversationOwner returns the id of the user owning the conversation.
func (s *ConversationStore) ConversationOwner(ctx context.Context, id string) (string, error) {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return "", err
	}
	return conv.UserID, nil
}

// ListConversations returns the user's conversations, most recently active first.
func (s *ConversationStore) ListConversations(ctx context.Context, userID string, limit int) ([]*models.Conversation, error) {
	var rows []Conversation
	query := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at_epoch DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]*models.Conversation, 0, len(rows))
	for i := range rows {
		out = append(out, toModelConversation(&rows[i]))
	}
	return out, nil
}

// DeleteConversation removes the conversation with its messages and snapshots.
func (s *ConversationStore) DeleteConversation(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&Conversation{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}

		messageIDs := tx.Model(&Message{}).Select("id").Where("conversation_id = ?", id)
		if err := tx.Where("message_id IN (?)", messageIDs).Delete(&GenerationVersion{}).Error; err != nil {
			return err
		}
		return tx.Where("conversation_id = ?", id).Delete(&Message{}).Error
	})
}

// AppendMessage stores a message and bumps the conversation's activity time.
// An untitled conversation takes its title from the first message.
func (s *ConversationStore) AppendMessage(ctx context.Context, conversationID string, role models.MessageRole, content string) (*models.Message, error) {
	dbMsg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAtEpoch: time.Now().UnixMilli(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv Conversation
		if err := tx.First(&conv, "id = ?", conversationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		// Keep message order stable within a conversation.
		if dbMsg.CreatedAtEpoch <= conv.UpdatedAtEpoch {
			dbMsg.CreatedAtEpoch = conv.UpdatedAtEpoch + 1
		}
		if err := tx.Create(dbMsg).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{"updated_at_epoch": dbMsg.CreatedAtEpoch}
		if conv.Title == "" && role == models.MessageRoleUser {
			updates["title"] = titleFrom(content)
		}
		return tx.Model(&conv).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return toModelMessage(dbMsg), nil
}

// FindMessageByID returns a message of the given conversation or ErrNotFound.
func (s *ConversationStore) FindMessageByID(ctx context.Context, conversationID, messageID string) (*models.Message, error) {
	var dbMsg Message
	err := s.db.WithContext(ctx).
		Where("id = ? AND conversation_id = ?", messageID, conversationID).
		First(&dbMsg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toModelMessage(&dbMsg), nil
}

// ListMessages returns the conversation's messages in creation order.
func (s *ConversationStore) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	var rows []Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at_epoch ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]*models.Message, 0, len(rows))
	for i := range rows {
		out = append(out, toModelMessage(&rows[i]))
	}
	return out, nil
}

func titleFrom(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(title) <= MaxTitleRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:MaxTitleRunes])) + "…"
}
