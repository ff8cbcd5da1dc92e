package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type sessionRepoPG struct{ pool *pgxpool.Pool }

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepoPG{pool: pool}
}

func (r *sessionRepoPG) conn(context.Context) queryable {
	return r.pool
}

const sessionCols = `id, state, chief_complaint, answers, outstanding_question,
	candidate_code, condition_name, engine_audit_hash,
	decision_outcome, final_code, clinician_id, decision_notes, decided_at,
	pending_since, version_id, created_at, updated_at`

func (r *sessionRepoPG) scanSession(row pgx.Row) (*Session, error) {
	var (
		s                                      Session
		state                                  string
		answers, question                      []byte
		candidate, condition, auditHash        *string
		outcome, finalCode, clinicianID, notes *string
		decidedAt                              *time.Time
	)
	err := row.Scan(&s.ID, &state, &s.ChiefComplaint, &answers, &question,
		&candidate, &condition, &auditHash,
		&outcome, &finalCode, &clinicianID, &notes, &decidedAt,
		&s.PendingSince, &s.VersionID, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.State = State(state)
	if err := json.Unmarshal(answers, &s.Answers); err != nil {
		return nil, fmt.Errorf("decode answers of %s: %w", s.ID, err)
	}
	if len(question) > 0 && string(question) != "null" {
		var q Question
		if err := json.Unmarshal(question, &q); err != nil {
			return nil, fmt.Errorf("decode outstanding question of %s: %w", s.ID, err)
		}
		s.OutstandingQuestion = &q
	}
	s.CandidateCode = strVal(candidate)
	s.ConditionName = strVal(condition)
	s.EngineAuditHash = strVal(auditHash)
	if outcome != nil {
		s.Decision = &Decision{
			Outcome:     Outcome(*outcome),
			FinalCode:   strVal(finalCode),
			ClinicianID: strVal(clinicianID),
			Notes:       strVal(notes),
		}
		if decidedAt != nil {
			s.Decision.Timestamp = decidedAt.UTC()
		}
	}
	if s.PendingSince != nil {
		t := s.PendingSince.UTC()
		s.PendingSince = &t
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

// sessionArgs flattens the mutable columns in the order used by Create and
// CompareAndSet ($2..$15).
func sessionArgs(s *Session) ([]interface{}, error) {
	answers := s.Answers
	if answers == nil {
		answers = []Answer{}
	}
	answersJSON, err := json.Marshal(answers)
	if err != nil {
		return nil, fmt.Errorf("encode answers: %w", err)
	}
	var questionJSON []byte
	if s.OutstandingQuestion != nil {
		if questionJSON, err = json.Marshal(s.OutstandingQuestion); err != nil {
			return nil, fmt.Errorf("encode outstanding question: %w", err)
		}
	}
	var outcome, finalCode, clinicianID, notes *string
	var decidedAt *time.Time
	if d := s.Decision; d != nil {
		o := string(d.Outcome)
		outcome, finalCode, clinicianID, notes = &o, &d.FinalCode, &d.ClinicianID, strPtr(d.Notes)
		decidedAt = &d.Timestamp
	}
	return []interface{}{
		string(s.State), s.ChiefComplaint, answersJSON, questionJSON,
		strPtr(s.CandidateCode), strPtr(s.ConditionName), strPtr(s.EngineAuditHash),
		outcome, finalCode, clinicianID, notes, decidedAt,
		s.PendingSince, s.UpdatedAt,
	}, nil
}

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	args, err := sessionArgs(s)
	if err != nil {
		return err
	}
	s.VersionID = 1
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO assessment_session (id, state, chief_complaint, answers, outstanding_question,
			candidate_code, condition_name, engine_audit_hash,
			decision_outcome, final_code, clinician_id, decision_notes, decided_at,
			pending_since, updated_at, version_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,1,$16)`,
		append(append([]interface{}{s.ID}, args...), s.CreatedAt)...)
	return err
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	return r.scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+` FROM assessment_session WHERE id = $1`, id))
}

// CompareAndSet relies on the version predicate for mutual exclusion; the
// table's CHECK constraints reject any row that breaks the state invariants.
func (r *sessionRepoPG) CompareAndSet(ctx context.Context, expectedVersion int, s *Session) error {
	args, err := sessionArgs(s)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE assessment_session SET state=$2, chief_complaint=$3, answers=$4, outstanding_question=$5,
			candidate_code=$6, condition_name=$7, engine_audit_hash=$8,
			decision_outcome=$9, final_code=$10, clinician_id=$11, decision_notes=$12, decided_at=$13,
			pending_since=$14, updated_at=$15, version_id = version_id + 1
		WHERE id = $1 AND version_id = $16 AND state <> 'RESOLVED'`,
		append(append([]interface{}{s.ID}, args...), expectedVersion)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM assessment_session WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	s.VersionID = expectedVersion + 1
	return nil
}

func (r *sessionRepoPG) ListPending(ctx context.Context, after PendingCursor, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	var (
		rows pgx.Rows
		err  error
	)
	if after.IsZero() {
		rows, err = r.conn(ctx).Query(ctx, `SELECT `+sessionCols+` FROM assessment_session
			WHERE state = 'PENDING_REVIEW'
			ORDER BY pending_since, id LIMIT $1`, limit)
	} else {
		rows, err = r.conn(ctx).Query(ctx, `SELECT `+sessionCols+` FROM assessment_session
			WHERE state = 'PENDING_REVIEW' AND (pending_since, id) > ($1, $2)
			ORDER BY pending_since, id LIMIT $3`, after.Since, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Session
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *sessionRepoPG) CountByState(ctx context.Context) (Stats, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT state, COUNT(*) FROM assessment_session GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stats := Stats{}
	for _, st := range AllStates {
		stats[st] = 0
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		stats[State(st)] = n
	}
	return stats, rows.Err()
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
