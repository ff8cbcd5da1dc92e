// Package intelligence provides session.Engine implementations: a built-in
// scripted orthopaedic question flow and a client for a remote engine.
package intelligence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ortho/clinical/internal/domain/session"
)

// Question IDs of the scripted flow, in the order they are asked.
const (
	QuestionLocation  = "q1_location"
	QuestionDuration  = "q2_duration"
	QuestionStairs    = "q3_stairs"
	QuestionSwelling  = "q4_swelling"
	QuestionStiffness = "q5_stiffness"
)

var scriptedQuestions = []session.Question{
	{
		ID:      QuestionLocation,
		Prompt:  "Where is your pain located?",
		Kind:    "categorical",
		Options: []string{"Knee", "Hip", "Shoulder", "Ankle", "Other"},
	},
	{
		ID:      QuestionDuration,
		Prompt:  "How long have you had this pain?",
		Kind:    "categorical",
		Options: []string{"Less than 1 week", "1-4 weeks", "1-3 months", "More than 3 months"},
	},
	{
		ID:      QuestionStairs,
		Prompt:  "Does the pain worsen when climbing stairs?",
		Kind:    "boolean",
		Options: []string{"Yes", "No"},
	},
	{
		ID:      QuestionSwelling,
		Prompt:  "Have you noticed any swelling?",
		Kind:    "categorical",
		Options: []string{"None", "Occasional", "Frequent", "Constant"},
	},
	{
		ID:      QuestionStiffness,
		Prompt:  "How long does morning stiffness last?",
		Kind:    "categorical",
		Options: []string{"Less than 30 minutes", "30-60 minutes", "More than 60 minutes"},
	},
}

type outcome struct {
	code      string
	condition string
}

// chronic maps the joint to the candidate for long-standing mechanical pain.
var chronic = map[string]outcome{
	"knee":     {"M17.11", "Unilateral primary osteoarthritis, right knee"},
	"hip":      {"M16.11", "Unilateral primary osteoarthritis, right hip"},
	"shoulder": {"M19.011", "Primary osteoarthritis, right shoulder"},
	"ankle":    {"M19.071", "Primary osteoarthritis, right ankle and foot"},
}

// acute maps the joint to the candidate for recent-onset pain.
var acute = map[string]outcome{
	"knee":     {"M25.561", "Pain in right knee"},
	"hip":      {"M25.551", "Pain in right hip"},
	"shoulder": {"M25.511", "Pain in right shoulder"},
	"ankle":    {"M25.571", "Pain in right ankle and joints of right foot"},
}

var unspecified = outcome{"M25.50", "Pain in unspecified joint"}

// Scripted is a fixed five-question flow. The result depends only on the
// answer history, so it satisfies the engine determinism contract.
type Scripted struct {
	version string
}

func NewScripted(version string) *Scripted {
	return &Scripted{version: version}
}

// NextStep returns the first unanswered question, or the candidate code once
// every question has an answer.
func (e *Scripted) NextStep(ctx context.Context, history []session.Answer) (session.Step, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(history) > len(scriptedQuestions) {
		return nil, fmt.Errorf("history has %d answers, flow has %d questions", len(history), len(scriptedQuestions))
	}
	for i, a := range history {
		if a.QuestionID != scriptedQuestions[i].ID {
			return nil, fmt.Errorf("answer %d is for %q, expected %q", i, a.QuestionID, scriptedQuestions[i].ID)
		}
	}
	if len(history) < len(scriptedQuestions) {
		return session.NextQuestion{Question: scriptedQuestions[len(history)]}, nil
	}

	o := classify(history)
	return session.Completed{
		CandidateCode: o.code,
		ConditionName: o.condition,
		AuditHash:     AuditHash(e.version, history),
	}, nil
}

func classify(history []session.Answer) outcome {
	joint := strings.ToLower(strings.TrimSpace(history[0].Value))
	duration := strings.ToLower(strings.TrimSpace(history[1].Value))

	table := chronic
	if duration == "less than 1 week" || duration == "1-4 weeks" {
		table = acute
	}
	if o, ok := table[joint]; ok {
		return o
	}
	return unspecified
}

// AuditHash fingerprints the engine version and the exact answer history so a
// reviewer can show which inputs produced a candidate code.
func AuditHash(version string, history []session.Answer) string {
	h := sha256.New()
	h.Write([]byte(version))
	for _, a := range history {
		h.Write([]byte{0})
		h.Write([]byte(a.QuestionID))
		h.Write([]byte{0})
		h.Write([]byte(a.Value))
	}
	return hex.EncodeToString(h.Sum(nil))
}
