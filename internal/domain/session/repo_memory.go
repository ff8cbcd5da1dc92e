package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type sessionRepoMemory struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewSessionRepoMemory returns a process-local store. Suitable for
// development and tests; records are lost on restart.
func NewSessionRepoMemory() SessionRepository {
	return &sessionRepoMemory{sessions: make(map[uuid.UUID]*Session)}
}

func (r *sessionRepoMemory) Create(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if _, ok := r.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	s.VersionID = 1
	r.sessions[s.ID] = s.Clone()
	return nil
}

func (r *sessionRepoMemory) GetByID(_ context.Context, id uuid.UUID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (r *sessionRepoMemory) CompareAndSet(_ context.Context, expectedVersion int, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[s.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.VersionID != expectedVersion {
		return ErrVersionConflict
	}
	s.VersionID = expectedVersion + 1
	r.sessions[s.ID] = s.Clone()
	return nil
}

func (r *sessionRepoMemory) ListPending(_ context.Context, after PendingCursor, limit int) ([]*Session, error) {
	r.mu.RLock()
	var pending []*Session
	for _, s := range r.sessions {
		if s.State == StatePendingReview && after.Before(s) {
			pending = append(pending, s.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if !a.PendingSince.Equal(*b.PendingSince) {
			return a.PendingSince.Before(*b.PendingSince)
		}
		return a.ID.String() < b.ID.String()
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (r *sessionRepoMemory) CountByState(_ context.Context) (Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := Stats{}
	for _, st := range AllStates {
		stats[st] = 0
	}
	for _, s := range r.sessions {
		stats[s.State]++
	}
	return stats, nil
}
