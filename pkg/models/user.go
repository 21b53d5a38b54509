// Package models contains domain models for gamegen.
package models

import "time"

// User is an account that owns conversations.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}
