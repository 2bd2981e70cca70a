package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/anchorpipe/anchorpipe-sub000/internal/hmacauth"
)

// APIClient handles HTTP communication with the Anchorpipe server.
type APIClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (%d)", e.StatusCode)
}

// NewClient creates an APIClient from stored credentials.
func NewClient() (*APIClient, error) {
	tokenData, err := LoadToken()
	if err != nil {
		return nil, err
	}
	c := NewClientWithURL(tokenData.Server)
	c.Token = tokenData.Token
	return c, nil
}

// NewClientWithURL creates an APIClient without credentials.
func NewClientWithURL(serverURL string) *APIClient {
	return &APIClient{
		BaseURL:    strings.TrimRight(serverURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *APIClient) do(method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	respBody, _, err := c.send(req)
	if err != nil {
		return err
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func (c *APIClient) send(req *http.Request) ([]byte, http.Header, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request to %s failed: %w", req.URL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(respBody, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, nil, apiErr
	}
	return respBody, resp.Header, nil
}

// Health checks that the server is reachable.
func (c *APIClient) Health() error {
	return c.do(http.MethodGet, "/health", nil, nil)
}

// Secret is a secret as listed by the API. Values are never returned.
type Secret struct {
	ID          string     `json:"id"`
	RepoID      string     `json:"repo_id"`
	Name        string     `json:"name"`
	Active      bool       `json:"active"`
	Revoked     bool       `json:"revoked"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	RotatedFrom *string    `json:"rotated_from,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CreatedSecret carries a plaintext secret shown exactly once.
type CreatedSecret struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Secret      string    `json:"secret"`
	RotatedFrom *string   `json:"rotated_from,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateSecret provisions a secret for repo.
func (c *APIClient) CreateSecret(repo, name string, expiresAt *time.Time) (*CreatedSecret, error) {
	var resp CreatedSecret
	body := map[string]any{"name": name}
	if expiresAt != nil {
		body["expires_at"] = expiresAt
	}
	if err := c.do(http.MethodPost, "/api/v1/repos/"+url.PathEscape(repo)+"/secrets", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListSecrets lists the secrets of repo.
func (c *APIClient) ListSecrets(repo string) ([]Secret, error) {
	var resp struct {
		Secrets []Secret `json:"secrets"`
	}
	if err := c.do(http.MethodGet, "/api/v1/repos/"+url.PathEscape(repo)+"/secrets", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Secrets, nil
}

// RotateSecret replaces id with a fresh secret.
func (c *APIClient) RotateSecret(repo, id, name string) (*CreatedSecret, error) {
	var resp CreatedSecret
	body := map[string]any{}
	if name != "" {
		body["name"] = name
	}
	path := "/api/v1/repos/" + url.PathEscape(repo) + "/secrets/" + url.PathEscape(id) + "/rotate"
	if err := c.do(http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RevokeSecret disables id.
func (c *APIClient) RevokeSecret(id string) error {
	return c.do(http.MethodDelete, "/api/v1/secrets/"+url.PathEscape(id), nil, nil)
}

// PurgeLedger removes expired idempotency entries.
func (c *APIClient) PurgeLedger() (int64, error) {
	var resp struct {
		Purged int64 `json:"purged"`
	}
	if err := c.do(http.MethodPost, "/api/v1/admin/idempotency/purge", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Purged, nil
}

// RemoveLedgerEntry forgets one submission so it can be ingested again.
func (c *APIClient) RemoveLedgerEntry(repo, commit, run, framework string) error {
	q := url.Values{}
	q.Set("repo_id", repo)
	q.Set("commit_sha", commit)
	q.Set("run_id", run)
	q.Set("framework", framework)
	return c.do(http.MethodDelete, "/api/v1/admin/idempotency?"+q.Encode(), nil, nil)
}

// Ingestion is a recorded ingestion.
type Ingestion struct {
	ID         string    `json:"id"`
	CommitSHA  string    `json:"commit_sha"`
	RunID      string    `json:"run_id"`
	Framework  string    `json:"framework"`
	TestCount  int       `json:"test_count"`
	ReceivedAt time.Time `json:"received_at"`
}

// ListIngestions returns the latest ingestions of repo.
func (c *APIClient) ListIngestions(repo string, limit int) ([]Ingestion, error) {
	var resp struct {
		Ingestions []Ingestion `json:"ingestions"`
	}
	path := fmt.Sprintf("/api/v1/repos/%s/ingestions?limit=%d", url.PathEscape(repo), limit)
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Ingestions, nil
}

// AuditEvent is one entry of the audit trail.
type AuditEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	ActorType string    `json:"actor_type"`
	ActorID   string    `json:"actor_id"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Outcome   string    `json:"outcome"`
	IP        string    `json:"ip,omitempty"`
}

// ListAuditEvents returns audit events matching filter, newest first.
// Recognized keys are actor_type, actor_id, action, resource, outcome,
// since, limit and offset.
func (c *APIClient) ListAuditEvents(filter url.Values) ([]AuditEvent, error) {
	var resp struct {
		Events []AuditEvent `json:"events"`
	}
	path := "/api/v1/audit"
	if len(filter) > 0 {
		path += "?" + filter.Encode()
	}
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Ingest posts body signed with secret. The repository id is the bearer token.
func (c *APIClient) Ingest(repo string, secret, body []byte) (raw []byte, replayed bool, err error) {
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+"/api/v1/ingest", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+repo)
	req.Header.Set(hmacauth.SignatureHeader, hmacauth.ComputeSignature(secret, body))

	raw, header, err := c.send(req)
	if err != nil {
		return nil, false, err
	}
	return raw, header.Get("Idempotent-Replayed") == "true", nil
}
