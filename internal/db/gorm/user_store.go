// Package gorm provides GORM-based persistence for gamegen.
package gorm

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/thebtf/gamegen/pkg/models"
)

// UserStore provides account operations using GORM.
type UserStore struct {
	db *gorm.DB
}

// NewUserStore creates a new user store.
func NewUserStore(store *Store) *UserStore {
	return &UserStore{db: store.DB}
}

// CreateUser stores a new account. Emails are compared case-insensitively.
func (s *UserStore) CreateUser(ctx context.Context, email, name, passwordHash string) (*models.User, error) {
	email = normalizeEmail(email)

	dbUser := &User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: passwordHash,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&User{}).Where("email = ?", email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrEmailTaken
		}
		return tx.Create(dbUser).Error
	})
	if err != nil {
		return nil, err
	}
	return toModelUser(dbUser), nil
}

// GetUserByEmail returns the account and its password hash.
func (s *UserStore) GetUserByEmail(ctx context.Context, email string) (*models.User, string, error) {
	var dbUser User
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&dbUser).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	return toModelUser(&dbUser), dbUser.PasswordHash, nil
}

// GetUserByID returns the account with the given id.
func (s *UserStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var dbUser User
	err := s.db.WithContext(ctx).First(&dbUser, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toModelUser(&dbUser), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
