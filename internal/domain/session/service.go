package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service is the patient-side state machine. It drives a session from
// CREATED through IN_PROGRESS to PENDING_REVIEW; it has no way to resolve one.
type Service struct {
	sessions      SessionRepository
	engine        Engine
	clock         Clock
	engineTimeout time.Duration
	logger        zerolog.Logger
}

func NewService(sessions SessionRepository, engine Engine, logger zerolog.Logger) *Service {
	return &Service{
		sessions:      sessions,
		engine:        engine,
		clock:         SystemClock{},
		engineTimeout: DefaultEngineTimeout,
		logger:        logger.With().Str("component", "session").Logger(),
	}
}

// SetClock replaces the clock used for transition timestamps.
func (s *Service) SetClock(c Clock) {
	s.clock = c
}

// SetEngineTimeout bounds every engine call; non-positive values are ignored.
func (s *Service) SetEngineTimeout(d time.Duration) {
	if d > 0 {
		s.engineTimeout = d
	}
}

func (s *Service) CreateSession(ctx context.Context, chiefComplaint string) (*Session, error) {
	complaint := strings.TrimSpace(chiefComplaint)
	if complaint == "" {
		return nil, ErrMissingComplaint
	}
	ts := now(s.clock)
	sess := &Session{
		ID:             uuid.New(),
		State:          StateCreated,
		ChiefComplaint: complaint,
		Answers:        []Answer{},
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.logger.Info().Str("session_id", sess.ID.String()).Msg("session created")
	return sess, nil
}

// GetSession returns the full record. Callers outside the core must project it.
func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	return s.sessions.GetByID(ctx, id)
}

// StartSession requests the first question. On engine failure the session
// stays CREATED and the call may be repeated.
func (s *Service) StartSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	cur, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canStart(cur); err != nil {
		return nil, err
	}

	step, err := nextStep(ctx, s.engine, s.engineTimeout, cur.Answers)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", id.String()).Msg("engine failed on start")
		return nil, err
	}

	next := cur.Clone()
	s.applyStep(next, step)
	if err := s.commit(ctx, cur, next, canStart); err != nil {
		return nil, err
	}
	return next, nil
}

// SubmitAnswer records the answer to the outstanding question and advances
// the session. The answer is appended only if the engine call and the store
// write both succeed.
func (s *Service) SubmitAnswer(ctx context.Context, id uuid.UUID, questionID, value string) (*Session, error) {
	cur, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	check := func(sess *Session) error { return canAnswer(sess, questionID) }
	if err := check(cur); err != nil {
		return nil, err
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrInvalidAnswer
	}

	history := append(append([]Answer(nil), cur.Answers...), Answer{
		QuestionID: questionID,
		Prompt:     cur.OutstandingQuestion.Prompt,
		Value:      value,
		AnsweredAt: now(s.clock),
	})
	step, err := nextStep(ctx, s.engine, s.engineTimeout, history)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", id.String()).Str("question_id", questionID).Msg("engine failed on answer")
		return nil, err
	}

	next := cur.Clone()
	next.Answers = history
	s.applyStep(next, step)
	if err := s.commit(ctx, cur, next, check); err != nil {
		return nil, err
	}
	return next, nil
}

// CompleteAssessment moves an IN_PROGRESS session to review only when the
// engine, asked with the recorded history, reports completion. Otherwise it
// fails with ErrAssessmentIncomplete; a session cannot be forced into review.
func (s *Service) CompleteAssessment(ctx context.Context, id uuid.UUID) (*Session, error) {
	cur, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canComplete(cur); err != nil {
		return nil, err
	}

	step, err := nextStep(ctx, s.engine, s.engineTimeout, cur.Answers)
	if err != nil {
		return nil, err
	}
	if _, done := step.(Completed); !done {
		return nil, ErrAssessmentIncomplete
	}

	next := cur.Clone()
	s.applyStep(next, step)
	if err := s.commit(ctx, cur, next, canComplete); err != nil {
		return nil, err
	}
	return next, nil
}

// PatientView reads the patient-safe projection of a session.
func (s *Service) PatientView(ctx context.Context, id uuid.UUID) (PatientView, error) {
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return PatientView{}, err
	}
	return ProjectPatient(sess), nil
}

// applyStep sets the outstanding question, or the candidate code together
// with the PENDING_REVIEW state, on a copy that has not been stored yet.
func (s *Service) applyStep(next *Session, step Step) {
	switch st := step.(type) {
	case NextQuestion:
		q := st.Question
		next.State = StateInProgress
		next.OutstandingQuestion = &q
	case Completed:
		at := now(s.clock)
		next.State = StatePendingReview
		next.OutstandingQuestion = nil
		next.CandidateCode = st.CandidateCode
		next.ConditionName = st.ConditionName
		next.EngineAuditHash = st.AuditHash
		next.PendingSince = &at
	}
	next.UpdatedAt = now(s.clock)
}

func (s *Service) commit(ctx context.Context, cur, next *Session, check func(*Session) error) error {
	if err := compareAndSet(ctx, s.sessions, cur, next, check); err != nil {
		return err
	}
	s.logger.Info().
		Str("session_id", next.ID.String()).
		Str("from", string(cur.State)).
		Str("to", string(next.State)).
		Int("answers", len(next.Answers)).
		Msg("session transition")
	return nil
}

func canStart(s *Session) error {
	if s.State != StateCreated {
		return fmt.Errorf("start session in state %s: %w", s.State, ErrInvalidState)
	}
	return nil
}

func canAnswer(s *Session, questionID string) error {
	if s.State != StateInProgress || s.OutstandingQuestion == nil {
		return fmt.Errorf("answer session in state %s: %w", s.State, ErrInvalidState)
	}
	if s.OutstandingQuestion.ID != questionID {
		return fmt.Errorf("question %q is not outstanding: %w", questionID, ErrStaleAnswer)
	}
	return nil
}

func canComplete(s *Session) error {
	if s.State != StateInProgress {
		return fmt.Errorf("complete session in state %s: %w", s.State, ErrInvalidState)
	}
	return nil
}

// compareAndSet writes next over cur if nobody else has written in between.
// When the write loses, the precondition is re-run against the winner so the
// caller sees the error the winning transition implies.
func compareAndSet(ctx context.Context, repo SessionRepository, cur, next *Session, check func(*Session) error) error {
	if err := next.CheckInvariants(); err != nil {
		return fmt.Errorf("refusing to store inconsistent session: %w", err)
	}
	err := repo.CompareAndSet(ctx, cur.VersionID, next)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrVersionConflict) {
		fresh, gerr := repo.GetByID(ctx, cur.ID)
		if gerr == nil {
			if cerr := check(fresh); cerr != nil {
				return cerr
			}
		}
	}
	return err
}

// now truncates to microseconds so that queue order survives a round trip
// through stores with microsecond timestamps.
func now(c Clock) time.Time {
	return c.Now().UTC().Truncate(time.Microsecond)
}
