package ingest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/anchorpipe/anchorpipe-sub000/internal/schema"
)

// Request is an ingestion request as received by the transport.
type Request struct {
	Headers  http.Header
	Body     []byte
	ClientIP string
}

// Summary counts reported back to the caller.
type Summary struct {
	TestsParsed     int `json:"tests_parsed"`
	FlakyCandidates int `json:"flaky_candidates"`
}

// Response is the body returned for an accepted ingestion.
type Response struct {
	Success bool    `json:"success"`
	RunID   string  `json:"runId"`
	Message string  `json:"message"`
	Summary Summary `json:"summary"`
}

// Result is an accepted ingestion. Raw is the exact response body recorded
// for the first submission and replayed for duplicates.
type Result struct {
	Response    Response
	Raw         json.RawMessage
	IsDuplicate bool
}

// Body returns the bytes to send to the caller. Duplicates carry an extra
// "isDuplicate":true member appended to the recorded object.
func (r *Result) Body() []byte {
	if !r.IsDuplicate {
		return r.Raw
	}
	raw := bytes.TrimSpace(r.Raw)
	if len(raw) < 2 || raw[0] != '{' || raw[len(raw)-1] != '}' {
		return r.Raw
	}
	inner := bytes.TrimSpace(raw[1 : len(raw)-1])
	out := make([]byte, 0, len(raw)+20)
	out = append(out, '{')
	if len(inner) > 0 {
		out = append(out, inner...)
		out = append(out, ',')
	}
	out = append(out, `"isDuplicate":true}`...)
	return out
}

// Event is published downstream for every newly accepted ingestion.
type Event struct {
	IngestionID string            `json:"ingestion_id"`
	RepoID      string            `json:"repo_id"`
	CommitSHA   string            `json:"commit_sha"`
	RunID       string            `json:"run_id"`
	Framework   string            `json:"framework"`
	Branch      *string           `json:"branch,omitempty"`
	PullRequest *string           `json:"pull_request,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	TestCases   []schema.TestCase `json:"test_cases"`
	ReceivedAt  time.Time         `json:"received_at"`
}
