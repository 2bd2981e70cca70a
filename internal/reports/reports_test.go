package reports

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/anchorpipe/anchorpipe-sub000/internal/schema"
)

var fixedNow = time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func testRegistry() *Registry { return NewRegistry(clock) }

func mustParse(t *testing.T, framework, content string) ParsedReport {
	t.Helper()
	report := testRegistry().Parse(framework, []byte(content))
	if !report.Success {
		t.Fatalf("parse %s failed: %s", framework, report.Error)
	}
	return report
}

func durationOf(tc schema.TestCase) int64 {
	if tc.DurationMS == nil {
		return -1
	}
	return *tc.DurationMS
}

func TestJUnitPassAndFailure(t *testing.T) {
	report := mustParse(t, "junit", `<?xml version="1.0" encoding="UTF-8"?>
<testsuites>
  <testsuite name="math" timestamp="2026-03-30T10:00:00">
    <testcase classname="com.example.MathTest" name="adds" time="1.0"/>
    <testcase classname="com.example.MathTest" name="divides" time="0.5">
      <failure message="X" type="AssertionError">expected 2 but was 3</failure>
    </testcase>
  </testsuite>
</testsuites>`)

	if len(report.TestCases) != 2 {
		t.Fatalf("expected 2 cases, got %d", len(report.TestCases))
	}
	first, second := report.TestCases[0], report.TestCases[1]
	if first.Status != schema.StatusPass || durationOf(first) != 1000 {
		t.Fatalf("first case = %+v", first)
	}
	if second.Status != schema.StatusFail || durationOf(second) != 500 {
		t.Fatalf("second case = %+v", second)
	}
	if second.FailureDetails == nil || !strings.Contains(*second.FailureDetails, "X") {
		t.Fatalf("failure details missing message: %v", second.FailureDetails)
	}
	if first.Path != "com/example/MathTest" {
		t.Fatalf("path = %q", first.Path)
	}
	if first.StartTS != "2026-03-30T10:00:00.000Z" {
		t.Fatalf("start_ts = %q, want suite timestamp", first.StartTS)
	}
	if report.Summary.Total != 2 || report.Summary.Passed != 1 || report.Summary.Failed != 1 {
		t.Fatalf("summary = %+v", report.Summary)
	}
	if report.Summary.DurationMS == nil || *report.Summary.DurationMS != 1500 {
		t.Fatalf("summary duration = %v", report.Summary.DurationMS)
	}
}

func TestJUnitStatusPrecedence(t *testing.T) {
	report := mustParse(t, "JUnit", `<testsuite name="s">
  <testcase name="failure beats skipped status" classname="a" status="skipped"><failure/></testcase>
  <testcase name="error element" classname="a"><error message="boom"/></testcase>
  <testcase name="skipped element" classname="a" status="failed"><skipped/></testcase>
  <testcase name="disabled" classname="a" status="disabled"/>
  <testcase name="failed status" classname="a" status="failed"/>
  <testcase name="plain" classname="a"/>
</testsuite>`)

	want := []string{schema.StatusFail, schema.StatusFail, schema.StatusSkip, schema.StatusSkip, schema.StatusFail, schema.StatusPass}
	if len(report.TestCases) != len(want) {
		t.Fatalf("got %d cases", len(report.TestCases))
	}
	for i, tc := range report.TestCases {
		if tc.Status != want[i] {
			t.Errorf("%s: status = %s, want %s", tc.Name, tc.Status, want[i])
		}
		if tc.StartTS != schema.FormatTimestamp(fixedNow) {
			t.Errorf("%s: start_ts = %s, want clock fallback", tc.Name, tc.StartTS)
		}
	}
	if report.Summary.Skipped != 2 {
		t.Fatalf("summary = %+v", report.Summary)
	}
}

func TestJUnitPathLikeClassnameIsKept(t *testing.T) {
	report := mustParse(t, "junit", `<testsuite><testcase classname="../../etc/passwd" name="x" time="0"/></testsuite>`)
	tc := report.TestCases[0]
	if tc.Path != "etc/passwd" {
		t.Fatalf("path = %q", tc.Path)
	}
	if tc.DurationMS != nil {
		t.Fatalf("zero duration should be omitted, got %d", *tc.DurationMS)
	}
}

func TestJestAggregatedOutput(t *testing.T) {
	report := mustParse(t, "jest", `{
  "numTotalTests": 99,
  "testResults": [{
    "name": "/repo/src/sum.test.ts",
    "startTime": 1774946400000,
    "status": "failed",
    "assertionResults": [
      {"ancestorTitles": ["sum"], "title": "adds", "fullName": "sum adds", "status": "passed", "duration": 4},
      {"ancestorTitles": ["sum"], "title": "subtracts", "status": "failed", "duration": 7, "failureMessages": ["Expected 1", "Received 2"]},
      {"title": "later", "fullName": "later", "status": "todo"}
    ]
  }]
}`)

	if report.Summary.Total != 3 {
		t.Fatalf("summary must be folded over cases, got %+v", report.Summary)
	}
	adds, subtracts, later := report.TestCases[0], report.TestCases[1], report.TestCases[2]
	if adds.Path != "repo/src/sum.test.ts" || adds.Name != "sum adds" || durationOf(adds) != 4 {
		t.Fatalf("adds = %+v", adds)
	}
	if subtracts.Name != "sum subtracts" || subtracts.Status != schema.StatusFail {
		t.Fatalf("subtracts = %+v", subtracts)
	}
	if subtracts.FailureDetails == nil || *subtracts.FailureDetails != "Expected 1\nReceived 2" {
		t.Fatalf("failure = %v", subtracts.FailureDetails)
	}
	if later.Status != schema.StatusSkip || later.DurationMS != nil {
		t.Fatalf("later = %+v", later)
	}
	if adds.StartTS != "2026-03-31T08:40:00.000Z" {
		t.Fatalf("start_ts = %s", adds.StartTS)
	}
}

func TestJestSuiteWithoutAssertionsBecomesOneCase(t *testing.T) {
	report := mustParse(t, "jest", `[{"name": "src/broken.test.js", "status": "failed", "message": "SyntaxError", "startTime": 1000, "endTime": 1250}]`)
	if len(report.TestCases) != 1 {
		t.Fatalf("got %d cases", len(report.TestCases))
	}
	tc := report.TestCases[0]
	if tc.Path != "src/broken.test.js" || tc.Status != schema.StatusFail || durationOf(tc) != 250 {
		t.Fatalf("case = %+v", tc)
	}
}

func TestJestPathFromQualifiedName(t *testing.T) {
	report := mustParse(t, "jest", `{"name": "suite", "assertionResults": [{"fullName": "e2e/login.spec.ts", "status": "passed"}]}`)
	if got := report.TestCases[0].Path; got != "e2e/login.spec.ts" {
		t.Fatalf("path = %q", got)
	}
}

func TestPytestReport(t *testing.T) {
	report := mustParse(t, "pytest", `{
  "created": 1774946400.5,
  "tests": [
    {"nodeid": "tests/test_api.py::TestUsers::test_create", "outcome": "passed",
     "setup": {"duration": 0.002}, "call": {"duration": 0.25}, "teardown": {"duration": 0.001}},
    {"nodeid": "tests/test_api.py::test_delete", "outcome": "failed",
     "setup": {"duration": 0.01}, "call": {"duration": 0.02, "outcome": "failed", "longrepr": "assert 1 == 2"}},
    {"nodeid": "tests/test_api.py::test_slow", "outcome": "skipped"},
    {"nodeid": "tests/test_api.py::test_known", "outcome": "xfailed"}
  ]
}`)

	create, del, slow, known := report.TestCases[0], report.TestCases[1], report.TestCases[2], report.TestCases[3]
	if create.Path != "tests/test_api.py" || create.Name != "TestUsers::test_create" {
		t.Fatalf("create = %+v", create)
	}
	if durationOf(create) != 253 {
		t.Fatalf("create duration = %d", durationOf(create))
	}
	if del.Status != schema.StatusFail || del.FailureDetails == nil || *del.FailureDetails != "assert 1 == 2" {
		t.Fatalf("delete = %+v", del)
	}
	if slow.Status != schema.StatusSkip || slow.DurationMS != nil {
		t.Fatalf("slow = %+v", slow)
	}
	if known.Status != schema.StatusSkip {
		t.Fatalf("xfailed should map to skip, got %s", known.Status)
	}
	if create.StartTS != "2026-03-31T08:40:00.500Z" {
		t.Fatalf("start_ts = %s", create.StartTS)
	}
}

func TestPytestSetupErrorDetails(t *testing.T) {
	report := mustParse(t, "pytest", `[{"nodeid": "t.py::test_db", "outcome": "error",
  "setup": {"duration": 0.1, "outcome": "failed", "longrepr": "fixture 'db' not found"}}]`)
	tc := report.TestCases[0]
	if tc.Status != schema.StatusFail || tc.FailureDetails == nil || *tc.FailureDetails != "fixture 'db' not found" {
		t.Fatalf("case = %+v", tc)
	}
}

func TestPlaywrightReport(t *testing.T) {
	report := mustParse(t, "playwright", `{
  "suites": [{
    "title": "login.spec.ts", "file": "login.spec.ts",
    "suites": [{
      "title": "login", "file": "login.spec.ts",
      "specs": [{
        "title": "rejects bad password", "file": "login.spec.ts", "tags": ["@auth"],
        "tests": [{"projectName": "chromium", "results": [
          {"status": "failed", "duration": 812, "retry": 0, "startTime": "2026-03-31T08:00:00.000Z",
           "error": {"message": "Timeout 5000ms exceeded", "stack": "at login.spec.ts:12"}},
          {"status": "passed", "duration": 640, "retry": 1, "startTime": "2026-03-31T08:00:02.000Z"}
        ]}]
      }]
    }]
  }]
}`)

	if len(report.TestCases) != 2 {
		t.Fatalf("expected one case per result, got %d", len(report.TestCases))
	}
	first, retry := report.TestCases[0], report.TestCases[1]
	if first.Name != "login > rejects bad password" || first.Path != "login.spec.ts" {
		t.Fatalf("first = %+v", first)
	}
	if first.FailureDetails == nil || *first.FailureDetails != "Timeout 5000ms exceeded\nat login.spec.ts:12" {
		t.Fatalf("failure = %v", first.FailureDetails)
	}
	if retry.Status != schema.StatusPass || durationOf(retry) != 640 || retry.Metadata["retry"] != 1 {
		t.Fatalf("retry = %+v", retry)
	}
	if first.Metadata["project"] != "chromium" || len(first.Tags) != 1 {
		t.Fatalf("metadata = %v tags = %v", first.Metadata, first.Tags)
	}
	if retry.StartTS != "2026-03-31T08:00:02.000Z" {
		t.Fatalf("start_ts = %s", retry.StartTS)
	}
}

func TestMalformedInputFails(t *testing.T) {
	inputs := map[string]string{
		"junit":      `<testsuite><testcase name="x">`,
		"jest":       `{"testResults": [`,
		"pytest":     `{"summary": {}}`,
		"playwright": `not json`,
	}
	for framework, content := range inputs {
		report := testRegistry().Parse(framework, []byte(content))
		if report.Success || len(report.TestCases) != 0 || report.Error == "" {
			t.Errorf("%s: expected failure, got %+v", framework, report)
		}
		if report.TestCases == nil {
			t.Errorf("%s: test cases must be an empty list, not nil", framework)
		}
	}
}

func TestJUnitRejectsOtherRoot(t *testing.T) {
	report := testRegistry().Parse("junit", []byte(`<html><body/></html>`))
	if report.Success {
		t.Fatal("expected failure for non-junit XML")
	}
}

func TestOversizedReportRejectedBeforeParsing(t *testing.T) {
	content := bytes.Repeat([]byte(" "), MaxReportBytes+1)
	for _, framework := range testRegistry().Frameworks() {
		report := testRegistry().Parse(framework, content)
		if report.Success || !strings.Contains(report.Error, "limit") {
			t.Errorf("%s: %+v", framework, report.Error)
		}
	}
}

func TestRegistryLookup(t *testing.T) {
	r := testRegistry()
	if got := r.Frameworks(); strings.Join(got, ",") != "jest,junit,playwright,pytest" {
		t.Fatalf("Frameworks = %v", got)
	}
	if _, ok := r.Get("PyTest"); !ok {
		t.Fatal("lookup must ignore case")
	}
	report := r.Parse("mocha", []byte(`{}`))
	if report.Success || report.Error != `no parser available for framework "mocha"` {
		t.Fatalf("report = %+v", report)
	}
}

type panicky struct{}

func (panicky) Framework() string { return "panicky" }
func (panicky) Parse(content []byte) ParsedReport { panic("boom") }

func TestRegistryContainsPanics(t *testing.T) {
	r := testRegistry()
	r.Register(panicky{})
	report := r.Parse("panicky", []byte("x"))
	if report.Success || report.Error == "" || len(report.TestCases) != 0 {
		t.Fatalf("report = %+v", report)
	}
}

func TestSanitizePath(t *testing.T) {
	tests := map[string]string{
		"../../etc/passwd":         "etc/passwd",
		`C:\work\tests\a_test.go`:  "C/work/tests/a_test.go",
		"./src//app/../x.ts":       "src/app/x.ts",
		"/abs/path":                "abs/path",
		"a<b>c|d?e*f\"g":           "abcdefg",
		"tab\there":                "tabhere",
		"../..":                    UnknownPath,
		"":                         UnknownPath,
		"???":                      UnknownPath,
		strings.Repeat("a", 600):   strings.Repeat("a", schema.MaxPathLength),
	}
	for in, want := range tests {
		if got := SanitizePath(in); got != want {
			t.Errorf("SanitizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeTruncatesWithoutRejecting(t *testing.T) {
	name := SanitizeName(strings.Repeat("é", 700))
	if got := len([]rune(name)); got != schema.MaxNameLength {
		t.Fatalf("name length = %d", got)
	}
	failure := SanitizeFailure(strings.Repeat("x", 20000))
	if len(failure) != schema.MaxFailureLength {
		t.Fatalf("failure length = %d", len(failure))
	}
	if SanitizeName("   ") != UnknownPath {
		t.Fatal("blank names fall back to unknown")
	}
}

func TestMapStatus(t *testing.T) {
	tests := map[string]string{
		"passed": schema.StatusPass, "PASSED": schema.StatusPass, "expected": schema.StatusPass,
		"failed": schema.StatusFail, "timedOut": schema.StatusFail, "error": schema.StatusFail,
		"pending": schema.StatusSkip, "todo": schema.StatusSkip, "skipped": schema.StatusSkip,
		"mystery": schema.StatusSkip,
	}
	for in, want := range tests {
		if got := MapStatus(in); got != want {
			t.Errorf("MapStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNormalizedCasesPassSchema(t *testing.T) {
	report := mustParse(t, "junit", `<testsuite><testcase classname="a.b" name="x" time="0.2"><failure message="m"/></testcase></testsuite>`)
	for i := range report.TestCases {
		if err := schema.ValidateTestCase(&report.TestCases[i]); err != nil {
			t.Fatalf("case %d invalid: %v", i, err)
		}
	}
}
