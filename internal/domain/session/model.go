package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of an assessment session.
type State string

const (
	StateCreated       State = "CREATED"
	StateInProgress    State = "IN_PROGRESS"
	StatePendingReview State = "PENDING_REVIEW"
	StateResolved      State = "RESOLVED"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{StateCreated, StateInProgress, StatePendingReview, StateResolved}

func (s State) Valid() bool {
	switch s {
	case StateCreated, StateInProgress, StatePendingReview, StateResolved:
		return true
	}
	return false
}

// HasCandidate reports whether a session in this state must carry a candidate code.
func (s State) HasCandidate() bool {
	return s == StatePendingReview || s == StateResolved
}

// Outcome is the clinician's adjudication of a candidate code.
type Outcome string

const (
	OutcomeAccepted Outcome = "ACCEPTED"
	OutcomeRejected Outcome = "REJECTED"
)

// Question is a single deterministic question issued by the engine.
type Question struct {
	ID      string   `json:"question_id"`
	Prompt  string   `json:"prompt"`
	Kind    string   `json:"kind,omitempty"`
	Options []string `json:"options,omitempty"`
}

// Answer is one entry of a session's append-only answer history.
type Answer struct {
	QuestionID string    `json:"question_id"`
	Prompt     string    `json:"prompt,omitempty"`
	Value      string    `json:"answer"`
	AnsweredAt time.Time `json:"answered_at"`
}

// Decision is the clinician's attributed verdict. Present iff the session is RESOLVED.
type Decision struct {
	Outcome     Outcome   `json:"outcome"`
	FinalCode   string    `json:"final_code"`
	ClinicianID string    `json:"clinician_id"`
	Notes       string    `json:"notes,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Session is the full record held by the store. External callers only ever
// see it through PatientView or ClinicianView.
type Session struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	State               State      `db:"state" json:"state"`
	ChiefComplaint      string     `db:"chief_complaint" json:"chief_complaint"`
	Answers             []Answer   `db:"answers" json:"answers"`
	OutstandingQuestion *Question  `db:"outstanding_question" json:"outstanding_question,omitempty"`
	CandidateCode       string     `db:"candidate_code" json:"candidate_code,omitempty"`
	ConditionName       string     `db:"condition_name" json:"condition_name,omitempty"`
	EngineAuditHash     string     `db:"engine_audit_hash" json:"engine_audit_hash,omitempty"`
	Decision            *Decision  `db:"decision" json:"decision,omitempty"`
	PendingSince        *time.Time `db:"pending_since" json:"pending_since,omitempty"`
	VersionID           int        `db:"version_id" json:"version_id"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy so that store snapshots never alias caller memory.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Answers != nil {
		c.Answers = make([]Answer, len(s.Answers))
		copy(c.Answers, s.Answers)
	}
	if s.OutstandingQuestion != nil {
		q := *s.OutstandingQuestion
		if q.Options != nil {
			q.Options = append([]string(nil), q.Options...)
		}
		c.OutstandingQuestion = &q
	}
	if s.Decision != nil {
		d := *s.Decision
		c.Decision = &d
	}
	if s.PendingSince != nil {
		t := *s.PendingSince
		c.PendingSince = &t
	}
	return &c
}

// CheckInvariants verifies the record-level rules every persisted session obeys.
func (s *Session) CheckInvariants() error {
	if !s.State.Valid() {
		return fmt.Errorf("session %s: unknown state %q", s.ID, s.State)
	}
	if s.State.HasCandidate() != (s.CandidateCode != "") {
		return fmt.Errorf("session %s: candidate code presence does not match state %s", s.ID, s.State)
	}
	if (s.State == StateResolved) != (s.Decision != nil) {
		return fmt.Errorf("session %s: decision presence does not match state %s", s.ID, s.State)
	}
	if s.State.HasCandidate() && s.PendingSince == nil {
		return fmt.Errorf("session %s: pending_since missing in state %s", s.ID, s.State)
	}
	if (s.State == StateInProgress) != (s.OutstandingQuestion != nil) {
		return fmt.Errorf("session %s: outstanding question presence does not match state %s", s.ID, s.State)
	}
	if d := s.Decision; d != nil {
		if d.ClinicianID == "" {
			return fmt.Errorf("session %s: decision without clinician", s.ID)
		}
		switch d.Outcome {
		case OutcomeAccepted:
			if d.FinalCode != s.CandidateCode {
				return fmt.Errorf("session %s: accepted final code differs from candidate", s.ID)
			}
		case OutcomeRejected:
			if d.FinalCode == "" || d.FinalCode == s.CandidateCode {
				return fmt.Errorf("session %s: rejected final code must replace the candidate", s.ID)
			}
		default:
			return fmt.Errorf("session %s: unknown outcome %q", s.ID, d.Outcome)
		}
	}
	return nil
}

// PendingCursor marks a position in the review queue. The zero value starts
// at the oldest pending session.
type PendingCursor struct {
	Since time.Time
	ID    uuid.UUID
}

// IsZero reports whether the cursor points at the start of the queue.
func (c PendingCursor) IsZero() bool {
	return c.Since.IsZero() && c.ID == uuid.Nil
}

// Before reports whether a pending session sorts strictly after the cursor,
// i.e. whether it has not been delivered yet.
func (c PendingCursor) Before(s *Session) bool {
	if c.IsZero() {
		return true
	}
	if s.PendingSince == nil {
		return false
	}
	if !s.PendingSince.Equal(c.Since) {
		return s.PendingSince.After(c.Since)
	}
	return s.ID.String() > c.ID.String()
}

// CursorFor returns the cursor positioned just after s.
func CursorFor(s *Session) PendingCursor {
	if s == nil || s.PendingSince == nil {
		return PendingCursor{}
	}
	return PendingCursor{Since: *s.PendingSince, ID: s.ID}
}

// String encodes the cursor for transport as "<unix nanos>.<session id>".
func (c PendingCursor) String() string {
	if c.IsZero() {
		return ""
	}
	return strconv.FormatInt(c.Since.UnixNano(), 10) + "." + c.ID.String()
}

// ParseCursor decodes a cursor produced by PendingCursor.String. An empty
// string yields the zero cursor.
func ParseCursor(s string) (PendingCursor, error) {
	if s == "" {
		return PendingCursor{}, nil
	}
	nanos, id, ok := strings.Cut(s, ".")
	if !ok {
		return PendingCursor{}, fmt.Errorf("malformed cursor %q", s)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return PendingCursor{}, fmt.Errorf("malformed cursor %q: %w", s, err)
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return PendingCursor{}, fmt.Errorf("malformed cursor %q: %w", s, err)
	}
	return PendingCursor{Since: time.Unix(0, n).UTC(), ID: uid}, nil
}

// Stats counts sessions per state.
type Stats map[State]int
