package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/anchorpipe/anchorpipe-sub000/internal/hmacauth"
	"github.com/anchorpipe/anchorpipe-sub000/internal/schema"
)

const (
	testRepo   = "0f8fad5b-d9cb-469f-a165-70867728950e"
	testCommit = "a94a8fe5ccb19ba61c4c0873d391e987982fbbd3"
	testSecret = "0123456789abcdef0123456789abcdef"
)

const junitReport = `<?xml version="1.0"?>
<testsuites>
  <testsuite name="S">
    <testcase classname="com.example.A" name="t1" time="1.0"/>
    <testcase classname="com.example.A" name="t2" time="0.5"><failure message="X"/></testcase>
  </testsuite>
</testsuites>`

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestSignCommand(t *testing.T) {
	t.Setenv("ANCHORPIPE_SECRET", testSecret)
	body := `{"repo_id":"x"}`
	out, _, err := execute(t, "sign", "--file", writeFile(t, "p.json", body))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	want := hmacauth.ComputeSignature([]byte(testSecret), []byte(body))
	if strings.TrimSpace(out) != want {
		t.Fatalf("signature = %q, want %q", out, want)
	}
}

func TestSignRequiresSecret(t *testing.T) {
	t.Setenv("ANCHORPIPE_UNSET_SECRET", "")
	_, _, err := execute(t, "sign", "--secret-env", "ANCHORPIPE_UNSET_SECRET", "--file", writeFile(t, "p.json", "{}"))
	if err == nil || !strings.Contains(err.Error(), "ANCHORPIPE_UNSET_SECRET") {
		t.Fatalf("expected missing secret error, got %v", err)
	}
	signSecretEnv = "ANCHORPIPE_SECRET"
}

func TestParseCommand(t *testing.T) {
	path := writeFile(t, "report.xml", junitReport)

	out, _, err := execute(t, "parse", "--framework", "junit", "--file", path, "--summary")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var summary struct {
		Total  int `json:"total"`
		Failed int `json:"failed"`
	}
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if summary.Total != 2 || summary.Failed != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	parseSummary = false
	if _, _, err := execute(t, "parse", "--framework", "junit", "--file", writeFile(t, "bad.xml", "<testsuite")); err == nil {
		t.Fatal("expected parse failure")
	}
}

func TestSubmitDryRun(t *testing.T) {
	path := writeFile(t, "report.xml", junitReport)
	out, stderr, err := execute(t, "submit", "--dry-run",
		"--repo", testRepo, "--commit", testCommit, "--run", "42",
		"--framework", "junit", "--artifact", path, "--branch", "main")
	submitDryRun = false
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(stderr, "Parsed 2 test cases (1 passed, 1 failed, 0 skipped)") {
		t.Fatalf("stderr = %q", stderr)
	}
	var payload schema.Payload
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if err := schema.Validate(&payload); err != nil {
		t.Fatalf("dry-run payload invalid: %v", err)
	}
	if payload.Branch == nil || *payload.Branch != "main" {
		t.Fatalf("branch = %v", payload.Branch)
	}
}

func TestSubmitSignsRequest(t *testing.T) {
	t.Setenv("ANCHORPIPE_SECRET", testSecret)
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		body, _ := io.ReadAll(r.Body)
		if r.URL.Path != "/api/v1/ingest" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer "+testRepo {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if !hmacauth.VerifySignature([]byte(testSecret), body, r.Header.Get(hmacauth.SignatureHeader)) {
			t.Error("signature did not verify")
		}
		if calls > 1 {
			w.Header().Set("Idempotent-Replayed", "true")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"runId":"r-1","message":"Ingested 2 test cases","summary":{"tests_parsed":2,"flaky_candidates":0}}`))
	}))
	defer srv.Close()

	path := writeFile(t, "report.xml", junitReport)
	args := []string{"submit", "--server", srv.URL,
		"--repo", testRepo, "--commit", testCommit, "--run", "42",
		"--framework", "junit", "--artifact", path}

	out, stderr, err := execute(t, args...)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(out, `"runId":"r-1"`) || !strings.Contains(stderr, "✓ Ingested") {
		t.Fatalf("out=%q stderr=%q", out, stderr)
	}

	_, stderr, err = execute(t, args...)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !strings.Contains(stderr, "Already ingested") {
		t.Fatalf("replay not reported: %q", stderr)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"success":false,"error":"repository mismatch"}`))
	}))
	defer srv.Close()

	_, _, err := NewClientWithURL(srv.URL).Ingest(testRepo, []byte(testSecret), []byte(`{}`))
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T %v", err, err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Message != "repository mismatch" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestAdminClientRequests(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer admin-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		got = append(got, r.Method+" "+r.URL.RequestURI())
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/purge"):
			_, _ = w.Write([]byte(`{"purged":3}`))
		case strings.HasSuffix(r.URL.Path, "/secrets") && r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`{"secrets":[{"id":"s1","name":"ci","active":true}]}`))
		default:
			_, _ = w.Write([]byte(`{"id":"s2","name":"ci","secret":"plain"}`))
		}
	}))
	defer srv.Close()

	c := NewClientWithURL(srv.URL + "/")
	c.Token = "admin-token"

	if n, err := c.PurgeLedger(); err != nil || n != 3 {
		t.Fatalf("PurgeLedger = %d, %v", n, err)
	}
	list, err := c.ListSecrets(testRepo)
	if err != nil || len(list) != 1 || secretState(list[0]) != "active" {
		t.Fatalf("ListSecrets = %+v, %v", list, err)
	}
	created, err := c.RotateSecret(testRepo, "s1", "")
	if err != nil || created.Secret != "plain" {
		t.Fatalf("RotateSecret = %+v, %v", created, err)
	}
	if err := c.RemoveLedgerEntry(testRepo, testCommit, "", "junit"); err != nil {
		t.Fatalf("RemoveLedgerEntry: %v", err)
	}

	want := []string{
		"POST /api/v1/admin/idempotency/purge",
		"GET /api/v1/repos/" + testRepo + "/secrets",
		"POST /api/v1/repos/" + testRepo + "/secrets/s1/rotate",
		"DELETE /api/v1/admin/idempotency?commit_sha=" + testCommit + "&framework=junit&repo_id=" + testRepo + "&run_id=",
	}
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("requests:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
}

func TestAuditRequest(t *testing.T) {
	var query url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/audit" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		query = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"events":[{"id":"1","actor_type":"admin","actor_id":"ops","action":"secret.create","outcome":"success"}]}`))
	}))
	defer srv.Close()

	auditActor, auditAction, auditOutcome, auditSince, auditLimit = "ops", "secret.", "success", time.Hour, 10
	t.Cleanup(func() {
		auditActor, auditAction, auditOutcome, auditSince, auditLimit = "", "", "", 0, 50
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := NewClientWithURL(srv.URL)
	events, err := c.ListAuditEvents(auditFilter(now))
	if err != nil || len(events) != 1 || events[0].Action != "secret.create" {
		t.Fatalf("ListAuditEvents = %+v, %v", events, err)
	}
	want := map[string]string{
		"actor_id": "ops", "action": "secret.", "outcome": "success",
		"since": "2026-03-01T11:00:00Z", "limit": "10",
	}
	for k, v := range want {
		if got := query.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestTokenStorage(t *testing.T) {
	t.Setenv("ANCHORPIPE_HOME", filepath.Join(t.TempDir(), "home"))

	if _, err := LoadToken(); err == nil || !strings.Contains(err.Error(), "not logged in") {
		t.Fatalf("expected not logged in, got %v", err)
	}
	if err := SaveToken(TokenData{Token: "tok", Server: "https://a.example"}); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	data, err := LoadToken()
	if err != nil || data.Token != "tok" || data.Server != "https://a.example" {
		t.Fatalf("LoadToken = %+v, %v", data, err)
	}

	info, err := os.Stat(filepath.Join(os.Getenv("ANCHORPIPE_HOME"), tokenFile))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("token file mode = %v", info.Mode().Perm())
	}
}

func TestVersionCommand(t *testing.T) {
	out, _, err := execute(t, "version")
	if err != nil || !strings.Contains(out, "anchorpipe version") {
		t.Fatalf("version = %q, %v", out, err)
	}
}
