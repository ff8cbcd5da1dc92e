package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultPageSize is how many pending sessions the queue iterator fetches per
// store round trip.
const DefaultPageSize = 20

// ReviewGate is the clinician side. Accept and Reject are the only ways a
// session leaves PENDING_REVIEW. There is no skip or defer.
type ReviewGate struct {
	sessions SessionRepository
	clock    Clock
	pageSize int
	logger   zerolog.Logger
}

func NewReviewGate(sessions SessionRepository, logger zerolog.Logger) *ReviewGate {
	return &ReviewGate{
		sessions: sessions,
		clock:    SystemClock{},
		pageSize: DefaultPageSize,
		logger:   logger.With().Str("component", "review").Logger(),
	}
}

// SetClock replaces the clock used for decision timestamps.
func (g *ReviewGate) SetClock(c Clock) {
	g.clock = c
}

// SetPageSize changes the iterator batch size; non-positive values are ignored.
func (g *ReviewGate) SetPageSize(n int) {
	if n > 0 {
		g.pageSize = n
	}
}

// ListPending returns a lazy iterator over PENDING_REVIEW sessions, oldest
// first. Pass the zero cursor to start at the head of the queue, or a cursor
// saved from a previous iterator to resume after it.
func (g *ReviewGate) ListPending(after PendingCursor) *PendingIterator {
	return &PendingIterator{sessions: g.sessions, cursor: after, pageSize: g.pageSize}
}

// GetForReview returns the clinician projection of a session that has reached
// review. Sessions still with the patient are reported as not found.
func (g *ReviewGate) GetForReview(ctx context.Context, id uuid.UUID) (ClinicianView, error) {
	s, err := g.reviewable(ctx, id)
	if err != nil {
		return ClinicianView{}, err
	}
	return ProjectClinician(s), nil
}

// Accept resolves a pending session with its candidate code as the final
// code. A second resolving call fails with ErrInvalidState.
func (g *ReviewGate) Accept(ctx context.Context, id uuid.UUID, clinicianID, notes string) (ClinicianView, error) {
	clinicianID = strings.TrimSpace(clinicianID)
	if clinicianID == "" {
		return ClinicianView{}, ErrMissingClinician
	}
	return g.resolve(ctx, id, canResolve, func(cur *Session) *Decision {
		return &Decision{
			Outcome:     OutcomeAccepted,
			FinalCode:   cur.CandidateCode,
			ClinicianID: clinicianID,
			Notes:       strings.TrimSpace(notes),
		}
	})
}

// Reject resolves a pending session with a replacement code that must be a
// valid ICD-10 code distinct from the candidate.
func (g *ReviewGate) Reject(ctx context.Context, id uuid.UUID, clinicianID, replacementCode, reason string) (ClinicianView, error) {
	clinicianID = strings.TrimSpace(clinicianID)
	if clinicianID == "" {
		return ClinicianView{}, ErrMissingClinician
	}
	if strings.TrimSpace(replacementCode) == "" {
		return ClinicianView{}, ErrMissingReplacement
	}
	if !ValidCode(replacementCode) {
		return ClinicianView{}, fmt.Errorf("replacement %q: %w", replacementCode, ErrInvalidCode)
	}
	code := NormalizeCode(replacementCode)

	check := func(s *Session) error {
		if err := canResolve(s); err != nil {
			return err
		}
		if code == s.CandidateCode {
			return fmt.Errorf("replacement %s: %w", code, ErrSameCodeRejected)
		}
		return nil
	}
	return g.resolve(ctx, id, check, func(*Session) *Decision {
		return &Decision{
			Outcome:     OutcomeRejected,
			FinalCode:   code,
			ClinicianID: clinicianID,
			Notes:       strings.TrimSpace(reason),
		}
	})
}

// Stats counts sessions per state.
func (g *ReviewGate) Stats(ctx context.Context) (Stats, error) {
	return g.sessions.CountByState(ctx)
}

// resolve sets the decision and RESOLVED in one store write.
func (g *ReviewGate) resolve(ctx context.Context, id uuid.UUID, check func(*Session) error, decide func(*Session) *Decision) (ClinicianView, error) {
	cur, err := g.reviewable(ctx, id)
	if err != nil {
		return ClinicianView{}, err
	}
	if err := check(cur); err != nil {
		return ClinicianView{}, err
	}

	ts := now(g.clock)
	d := decide(cur)
	d.Timestamp = ts

	next := cur.Clone()
	next.State = StateResolved
	next.Decision = d
	next.UpdatedAt = ts
	if err := compareAndSet(ctx, g.sessions, cur, next, check); err != nil {
		return ClinicianView{}, err
	}

	g.logger.Info().
		Str("session_id", id.String()).
		Str("clinician_id", d.ClinicianID).
		Str("outcome", string(d.Outcome)).
		Str("candidate_code", next.CandidateCode).
		Str("final_code", d.FinalCode).
		Msg("review decision recorded")
	return ProjectClinician(next), nil
}

func (g *ReviewGate) reviewable(ctx context.Context, id uuid.UUID) (*Session, error) {
	s, err := g.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.State.HasCandidate() {
		return nil, ErrNotFound
	}
	return s, nil
}

func canResolve(s *Session) error {
	if s.State != StatePendingReview {
		return fmt.Errorf("resolve session in state %s: %w", s.State, ErrInvalidState)
	}
	return nil
}

// PendingIterator walks the review queue one page at a time. Each page is a
// fresh store read, so sessions resolved meanwhile are not returned and
// sessions that became pending later are picked up at the tail.
type PendingIterator struct {
	sessions SessionRepository
	cursor   PendingCursor
	pageSize int
	buf      []*Session
	cur      *Session
	done     bool
	err      error
}

// Next advances to the next pending session. It returns false at the end of
// the queue or on error; check Err afterwards.
func (it *PendingIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if len(it.buf) == 0 {
		if it.done {
			return false
		}
		page, err := it.sessions.ListPending(ctx, it.cursor, it.pageSize)
		if err != nil {
			it.err = fmt.Errorf("list pending sessions: %w", err)
			return false
		}
		if len(page) == 0 {
			it.done = true
			return false
		}
		it.buf = page
	}
	it.cur, it.buf = it.buf[0], it.buf[1:]
	it.cursor = CursorFor(it.cur)
	return true
}

// Session returns the clinician projection of the current element.
func (it *PendingIterator) Session() ClinicianView {
	return ProjectClinician(it.cur)
}

// Cursor returns the position after the current element; a new iterator
// started from it resumes where this one stopped.
func (it *PendingIterator) Cursor() PendingCursor {
	return it.cursor
}

func (it *PendingIterator) Err() error {
	return it.err
}

// Collect drains up to limit sessions (all when limit <= 0).
func (it *PendingIterator) Collect(ctx context.Context, limit int) ([]ClinicianView, error) {
	var out []ClinicianView
	for (limit <= 0 || len(out) < limit) && it.Next(ctx) {
		out = append(out, it.Session())
	}
	return out, it.Err()
}
