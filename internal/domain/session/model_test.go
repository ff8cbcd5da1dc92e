package session

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func validResolved() *Session {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return &Session{
		ID:            uuid.New(),
		State:         StateResolved,
		CandidateCode: "M17.11",
		PendingSince:  &at,
		Decision: &Decision{
			Outcome:     OutcomeAccepted,
			FinalCode:   "M17.11",
			ClinicianID: "dr-grey",
			Timestamp:   at,
		},
	}
}

func TestCheckInvariants(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Session)
		wantErr string
	}{
		{"valid resolved", func(*Session) {}, ""},
		{"valid created", func(s *Session) {
			s.State, s.CandidateCode, s.PendingSince, s.Decision = StateCreated, "", nil, nil
		}, ""},
		{"unknown state", func(s *Session) { s.State = "ARCHIVED" }, "unknown state"},
		{"pending without candidate", func(s *Session) {
			s.State, s.CandidateCode, s.Decision = StatePendingReview, "", nil
		}, "candidate code"},
		{"in progress with candidate", func(s *Session) {
			s.State, s.Decision = StateInProgress, nil
			s.OutstandingQuestion = &Question{ID: "q1", Prompt: "?"}
		}, "candidate code"},
		{"in progress without question", func(s *Session) {
			s.State, s.CandidateCode, s.PendingSince, s.Decision = StateInProgress, "", nil, nil
		}, "outstanding question"},
		{"pending with question", func(s *Session) {
			s.State, s.Decision = StatePendingReview, nil
			s.OutstandingQuestion = &Question{ID: "q1", Prompt: "?"}
		}, "outstanding question"},
		{"resolved without decision", func(s *Session) { s.Decision = nil }, "decision presence"},
		{"pending with decision", func(s *Session) { s.State = StatePendingReview }, "decision presence"},
		{"candidate without pending time", func(s *Session) { s.PendingSince = nil }, "pending_since"},
		{"decision without clinician", func(s *Session) { s.Decision.ClinicianID = "" }, "clinician"},
		{"accepted with other code", func(s *Session) { s.Decision.FinalCode = "M25.561" }, "accepted"},
		{"rejected with same code", func(s *Session) { s.Decision.Outcome = OutcomeRejected }, "rejected"},
		{"rejected without code", func(s *Session) {
			s.Decision.Outcome, s.Decision.FinalCode = OutcomeRejected, ""
		}, "rejected"},
		{"unknown outcome", func(s *Session) { s.Decision.Outcome = "DEFERRED" }, "unknown outcome"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validResolved()
			tt.mutate(s)
			err := s.CheckInvariants()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestClone_Deep(t *testing.T) {
	s := validResolved()
	s.Answers = []Answer{{QuestionID: "q1", Value: "Knee"}}
	s.OutstandingQuestion = &Question{ID: "q2", Options: []string{"Yes", "No"}}

	c := s.Clone()
	c.Answers[0].Value = "Hip"
	c.OutstandingQuestion.Options[0] = "Maybe"
	c.Decision.FinalCode = "X00.0"
	*c.PendingSince = c.PendingSince.Add(time.Hour)

	if s.Answers[0].Value != "Knee" {
		t.Error("answers aliased")
	}
	if s.OutstandingQuestion.Options[0] != "Yes" {
		t.Error("question options aliased")
	}
	if s.Decision.FinalCode != "M17.11" {
		t.Error("decision aliased")
	}
	if !s.PendingSince.Equal(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Error("pending time aliased")
	}
	if (*Session)(nil).Clone() != nil {
		t.Error("expected nil clone of nil")
	}
}

func TestPendingCursor_RoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 123456000, time.UTC)
	c := PendingCursor{Since: at, ID: uuid.New()}

	parsed, err := ParseCursor(c.String())
	if err != nil {
		t.Fatalf("ParseCursor: %v", err)
	}
	if !parsed.Since.Equal(at) || parsed.ID != c.ID {
		t.Errorf("round trip changed the cursor: %+v -> %+v", c, parsed)
	}

	zero, err := ParseCursor("")
	if err != nil || !zero.IsZero() {
		t.Errorf("expected zero cursor for empty string, got %+v %v", zero, err)
	}
	if (PendingCursor{}).String() != "" {
		t.Error("expected empty string for zero cursor")
	}
}

func TestParseCursor_Malformed(t *testing.T) {
	for _, in := range []string{
		"abc",
		"123",
		"notanumber." + uuid.NewString(),
		"123.not-a-uuid",
	} {
		if _, err := ParseCursor(in); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestPendingCursor_Before(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	later := at.Add(time.Second)
	low := uuid.MustParse("00000000-0000-4000-8000-000000000001")
	high := uuid.MustParse("ffffffff-0000-4000-8000-000000000001")

	c := PendingCursor{Since: at, ID: low}
	tests := []struct {
		name string
		s    *Session
		want bool
	}{
		{"later time", &Session{ID: low, PendingSince: &later}, true},
		{"same time higher id", &Session{ID: high, PendingSince: &at}, true},
		{"same session", &Session{ID: low, PendingSince: &at}, false},
		{"no pending time", &Session{ID: high}, false},
	}
	for _, tt := range tests {
		if got := c.Before(tt.s); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
	if !(PendingCursor{}).Before(&Session{ID: low, PendingSince: &at}) {
		t.Error("zero cursor must precede every session")
	}
}

func TestState_Valid(t *testing.T) {
	for _, s := range AllStates {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if State("SKIPPED").Valid() {
		t.Error("unknown state reported valid")
	}
	if StateInProgress.HasCandidate() || !StateResolved.HasCandidate() {
		t.Error("HasCandidate disagrees with lifecycle")
	}
}
