package intelligence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ortho/clinical/internal/domain/session"
)

func engineServer(t *testing.T, status int, body string, seen *stepRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/next-step" {
			http.NotFound(w, r)
			return
		}
		if seen != nil {
			if err := json.NewDecoder(r.Body).Decode(seen); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPEngine_Question(t *testing.T) {
	var seen stepRequest
	srv := engineServer(t, http.StatusOK,
		`{"type":"question","question":{"question_id":"q2","prompt":"How long?","options":["1-4 weeks"]}}`, &seen)

	e := NewHTTPEngine(srv.URL+"/", "remote-3", nil)
	step, err := e.NextStep(context.Background(), []session.Answer{{QuestionID: "q1", Value: "Knee"}})
	if err != nil {
		t.Fatalf("NextStep: %v", err)
	}
	q, ok := step.(session.NextQuestion)
	if !ok || q.Question.ID != "q2" || q.Question.Prompt != "How long?" {
		t.Errorf("unexpected step %+v", step)
	}

	if seen.EngineVersion != "remote-3" {
		t.Errorf("expected engine version in request, got %q", seen.EngineVersion)
	}
	if len(seen.History) != 1 || seen.History[0].QuestionID != "q1" || seen.History[0].Answer != "Knee" {
		t.Errorf("unexpected history %+v", seen.History)
	}
}

func TestHTTPEngine_Completed(t *testing.T) {
	srv := engineServer(t, http.StatusOK,
		`{"type":"completed","candidate_code":"M17.11","condition_name":"OA","audit_hash":"abc"}`, nil)

	step, err := NewHTTPEngine(srv.URL, "v", nil).NextStep(context.Background(), nil)
	if err != nil {
		t.Fatalf("NextStep: %v", err)
	}
	c, ok := step.(session.Completed)
	if !ok || c.CandidateCode != "M17.11" || c.AuditHash != "abc" {
		t.Errorf("unexpected step %+v", step)
	}
}

func TestHTTPEngine_MalformedReplies(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{}`},
		{"not json", http.StatusOK, `<html>`},
		{"unknown type", http.StatusOK, `{"type":"maybe"}`},
		{"unknown field", http.StatusOK, `{"type":"completed","candidate_code":"M17.11","confidence":0.93}`},
		{"question without question", http.StatusOK, `{"type":"question"}`},
		{"question with code", http.StatusOK, `{"type":"question","question":{"question_id":"q1","prompt":"?"},"candidate_code":"M17.11"}`},
		{"completed without code", http.StatusOK, `{"type":"completed"}`},
		{"completed with question", http.StatusOK, `{"type":"completed","candidate_code":"M17.11","question":{"question_id":"q1","prompt":"?"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := engineServer(t, tt.status, tt.body, nil)
			if step, err := NewHTTPEngine(srv.URL, "v", nil).NextStep(context.Background(), nil); err == nil {
				t.Errorf("expected error, got %+v", step)
			}
		})
	}
}

func TestHTTPEngine_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := NewHTTPEngine(srv.URL, "v", nil).NextStep(ctx, nil); err == nil {
		t.Error("expected error when the deadline passes")
	}
}
