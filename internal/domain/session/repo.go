package session

import (
	"context"

	"github.com/google/uuid"
)

// SessionRepository is the only writer of persisted session state.
//
// Every read returns a private snapshot. CompareAndSet replaces the stored
// record only if its version still equals expectedVersion, and bumps the
// version on success; otherwise it returns ErrVersionConflict (or
// ErrNotFound) and stores nothing. That is the per-session serialization
// primitive all transitions go through.
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	CompareAndSet(ctx context.Context, expectedVersion int, s *Session) error
	// ListPending returns up to limit PENDING_REVIEW sessions strictly after
	// the cursor, oldest first by PendingSince then ID.
	ListPending(ctx context.Context, after PendingCursor, limit int) ([]*Session, error)
	CountByState(ctx context.Context) (Stats, error)
}
