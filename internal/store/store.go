// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/rag-support/internal/domain"
)

// Repository persists chat transcripts.
type Repository interface {
	// AppendChatEvent stores one transcript line. Empty ID and zero CreatedAt
	// are filled in.
	AppendChatEvent(ctx context.Context, event *domain.ChatEvent) error

	// ListChatEvents returns the events of a session oldest first, at most
	// limit (all when limit <= 0).
	ListChatEvents(ctx context.Context, sessionID string, limit int) ([]*domain.ChatEvent, error)

	// DeleteChatEventsBefore removes events created before t.
	DeleteChatEventsBefore(ctx context.Context, t time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
