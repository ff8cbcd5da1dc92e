package intelligence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ortho/clinical/internal/domain/session"
)

const (
	stepQuestion  = "question"
	stepCompleted = "completed"

	maxResponseBytes = 64 << 10
)

type stepRequest struct {
	EngineVersion string          `json:"engine_version"`
	History       []historyAnswer `json:"history"`
}

type historyAnswer struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// stepResponse is the wire form of the tagged variant. Unknown fields are
// refused so that a reply carrying scores or free text is an error.
type stepResponse struct {
	Type          string            `json:"type"`
	Question      *session.Question `json:"question,omitempty"`
	CandidateCode string            `json:"candidate_code,omitempty"`
	ConditionName string            `json:"condition_name,omitempty"`
	AuditHash     string            `json:"audit_hash,omitempty"`
}

// HTTPEngine calls a remote engine at POST {baseURL}/v1/next-step.
type HTTPEngine struct {
	baseURL string
	version string
	client  *http.Client
}

func NewHTTPEngine(baseURL, version string, client *http.Client) *HTTPEngine {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		version: version,
		client:  client,
	}
}

func (e *HTTPEngine) NextStep(ctx context.Context, history []session.Answer) (session.Step, error) {
	req := stepRequest{EngineVersion: e.version, History: make([]historyAnswer, 0, len(history))}
	for _, a := range history {
		req.History = append(req.History, historyAnswer{QuestionID: a.QuestionID, Answer: a.Value})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode engine request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/next-step", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build engine request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine returned status %d", resp.StatusCode)
	}
	return decodeStep(io.LimitReader(resp.Body, maxResponseBytes))
}

func decodeStep(r io.Reader) (session.Step, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var sr stepResponse
	if err := dec.Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode engine response: %w", err)
	}

	switch sr.Type {
	case stepQuestion:
		if sr.Question == nil || sr.CandidateCode != "" {
			return nil, fmt.Errorf("engine question step is malformed")
		}
		return session.NextQuestion{Question: *sr.Question}, nil
	case stepCompleted:
		if sr.Question != nil || sr.CandidateCode == "" {
			return nil, fmt.Errorf("engine completed step is malformed")
		}
		return session.Completed{
			CandidateCode: sr.CandidateCode,
			ConditionName: sr.ConditionName,
			AuditHash:     sr.AuditHash,
		}, nil
	default:
		return nil, fmt.Errorf("unknown engine step type %q", sr.Type)
	}
}
