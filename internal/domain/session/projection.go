package session

import (
	"time"

	"github.com/google/uuid"
)

// PatientState is the collapsed state shown to patients.
type PatientState string

const (
	PatientInProgress PatientState = "IN_PROGRESS"
	PatientCompleted  PatientState = "COMPLETED"
)

const (
	messageNotStarted = "Start the assessment to receive your first question."
	messageAnswer     = "Please answer the following question."
	messageCompleted  = "Thank you. Your responses will be reviewed by a licensed clinician."
)

// PatientQuestion is the patient-facing shape of the outstanding question.
type PatientQuestion struct {
	ID      string   `json:"question_id"`
	Prompt  string   `json:"prompt"`
	Kind    string   `json:"kind,omitempty"`
	Options []string `json:"options,omitempty"`
}

// PatientView is the only projection patients ever receive. It has no field
// that can carry a candidate code, a decision or any clinician data.
type PatientView struct {
	SessionID         uuid.UUID        `json:"session_id"`
	State             PatientState     `json:"state"`
	Question          *PatientQuestion `json:"question,omitempty"`
	QuestionsAnswered int              `json:"questions_answered"`
	Message           string           `json:"message"`
}

// ClinicianView exposes the full record, unmodified.
type ClinicianView struct {
	SessionID           uuid.UUID  `json:"session_id"`
	State               State      `json:"state"`
	ChiefComplaint      string     `json:"chief_complaint"`
	Answers             []Answer   `json:"answers"`
	OutstandingQuestion *Question  `json:"outstanding_question,omitempty"`
	CandidateCode       string     `json:"candidate_code,omitempty"`
	ConditionName       string     `json:"condition_name,omitempty"`
	EngineAuditHash     string     `json:"engine_audit_hash,omitempty"`
	Decision            *Decision  `json:"decision,omitempty"`
	PendingSince        *time.Time `json:"pending_since,omitempty"`
	VersionID           int        `json:"version_id"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// ProjectPatient builds the patient projection. PENDING_REVIEW and RESOLVED
// both collapse to COMPLETED; CREATED renders as IN_PROGRESS with no question.
func ProjectPatient(s *Session) PatientView {
	v := PatientView{
		SessionID:         s.ID,
		QuestionsAnswered: len(s.Answers),
	}
	switch s.State {
	case StatePendingReview, StateResolved:
		v.State = PatientCompleted
		v.Message = messageCompleted
	case StateInProgress:
		v.State = PatientInProgress
		v.Message = messageAnswer
		if q := s.OutstandingQuestion; q != nil {
			v.Question = &PatientQuestion{
				ID:      q.ID,
				Prompt:  q.Prompt,
				Kind:    q.Kind,
				Options: append([]string(nil), q.Options...),
			}
		}
	default:
		v.State = PatientInProgress
		v.Message = messageNotStarted
	}
	return v
}

// ProjectClinician builds the clinician projection from a snapshot.
func ProjectClinician(s *Session) ClinicianView {
	c := s.Clone()
	return ClinicianView{
		SessionID:           c.ID,
		State:               c.State,
		ChiefComplaint:      c.ChiefComplaint,
		Answers:             c.Answers,
		OutstandingQuestion: c.OutstandingQuestion,
		CandidateCode:       c.CandidateCode,
		ConditionName:       c.ConditionName,
		EngineAuditHash:     c.EngineAuditHash,
		Decision:            c.Decision,
		PendingSince:        c.PendingSince,
		VersionID:           c.VersionID,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

// Cursor returns the queue position just after this session.
func (v ClinicianView) Cursor() PendingCursor {
	if v.PendingSince == nil {
		return PendingCursor{}
	}
	return PendingCursor{Since: *v.PendingSince, ID: v.SessionID}
}
