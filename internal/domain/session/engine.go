package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Engine is the deterministic question/answer collaborator. Given the same
// answer history it must always return the same Step, and it never returns
// probabilities, rankings or free-text diagnoses.
type Engine interface {
	NextStep(ctx context.Context, history []Answer) (Step, error)
}

// Step is either NextQuestion or Completed.
type Step interface {
	isStep()
}

// NextQuestion asks the patient another question.
type NextQuestion struct {
	Question Question
}

// Completed ends the Q&A with a single candidate code for clinician review.
type Completed struct {
	CandidateCode string
	ConditionName string
	AuditHash     string
}

func (NextQuestion) isStep() {}
func (Completed) isStep()    {}

// Clock supplies decision and transition timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// DefaultEngineTimeout bounds a single NextStep call.
const DefaultEngineTimeout = 5 * time.Second

// nextStep calls the engine under a deadline and checks the result before it
// can reach a session. Every failure, including a malformed reply, is
// reported as ErrEngineUnavailable with a fixed reason: the engine's own text
// may carry a code and these errors reach patients and patient-path logs.
func nextStep(ctx context.Context, engine Engine, timeout time.Duration, history []Answer) (Step, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		step Step
		err  error
	}
	// Engines that ignore ctx still cannot hold the caller past the deadline.
	done := make(chan result, 1)
	go func() {
		step, err := engine.NextStep(ctx, append([]Answer(nil), history...))
		done <- result{step, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: timed out", ErrEngineUnavailable)
		}
		return nil, fmt.Errorf("%w: cancelled", ErrEngineUnavailable)
	}
	if res.err != nil {
		return nil, fmt.Errorf("%w: call failed", ErrEngineUnavailable)
	}

	switch st := res.step.(type) {
	case NextQuestion:
		if st.Question.ID == "" || st.Question.Prompt == "" {
			return nil, fmt.Errorf("%w: question without id or prompt", ErrEngineUnavailable)
		}
		if looksLikeCode(st.Question.Prompt) {
			return nil, fmt.Errorf("%w: question carries a diagnostic code", ErrEngineUnavailable)
		}
		for _, opt := range st.Question.Options {
			if looksLikeCode(opt) {
				return nil, fmt.Errorf("%w: question carries a diagnostic code", ErrEngineUnavailable)
			}
		}
		return st, nil
	case Completed:
		if !ValidCode(st.CandidateCode) {
			return nil, fmt.Errorf("%w: malformed candidate code", ErrEngineUnavailable)
		}
		st.CandidateCode = NormalizeCode(st.CandidateCode)
		return st, nil
	default:
		return nil, fmt.Errorf("%w: unexpected step", ErrEngineUnavailable)
	}
}
