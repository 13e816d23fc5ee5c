// Package domain contains core domain types for the support chat service.
package domain

import (
	"time"
)

// User is the authenticated caller of the chat API.
type User struct {
	UserID  string `json:"user_id"`
	Email   string `json:"email,omitempty"`
	IsAdmin bool   `json:"is_admin"`
}

// Chat event roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatEvent is one persisted transcript line of a conversation.
type ChatEvent struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
