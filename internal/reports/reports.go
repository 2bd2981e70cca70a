// Package reports normalizes framework-native test reports (JUnit XML, Jest,
// pytest and Playwright JSON) into canonical test cases.
package reports

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anchorpipe/anchorpipe-sub000/internal/schema"
)

// MaxReportBytes is the largest report any normalizer accepts.
const MaxReportBytes = 50 << 20

var (
	errTooLarge = fmt.Errorf("report exceeds %d MB limit", MaxReportBytes>>20)
	errEmpty    = errors.New("report is empty")
)

// Summary is folded over the produced cases, never read from the report.
type Summary struct {
	Total      int    `json:"total"`
	Passed     int    `json:"passed"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	DurationMS *int64 `json:"duration_ms,omitempty"`
}

// ParsedReport is the result of normalizing one report. When Success is
// false TestCases is empty and Error is set.
type ParsedReport struct {
	Success   bool              `json:"success"`
	Framework string            `json:"framework"`
	TestCases []schema.TestCase `json:"test_cases"`
	Summary   Summary           `json:"summary"`
	Error     string            `json:"error,omitempty"`
}

// Normalizer converts raw report bytes of one framework.
type Normalizer interface {
	Framework() string
	Parse(content []byte) ParsedReport
}

// parseFunc extracts cases from content. now is the fallback start time.
type parseFunc func(content []byte, now time.Time) ([]schema.TestCase, error)

// run applies the checks every format shares around parse.
func run(framework string, content []byte, now func() time.Time, parse parseFunc) (report ParsedReport) {
	defer func() {
		if r := recover(); r != nil {
			report = failed(framework, fmt.Errorf("parser panic: %v", r))
		}
	}()

	if len(content) > MaxReportBytes {
		return failed(framework, errTooLarge)
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return failed(framework, errEmpty)
	}

	cases, err := parse(content, now().UTC())
	if err != nil {
		return failed(framework, err)
	}
	if cases == nil {
		cases = []schema.TestCase{}
	}
	return ParsedReport{
		Success:   true,
		Framework: framework,
		TestCases: cases,
		Summary:   summarize(cases),
	}
}

func failed(framework string, err error) ParsedReport {
	return ParsedReport{
		Success:   false,
		Framework: framework,
		TestCases: []schema.TestCase{},
		Error:     fmt.Sprintf("failed to parse %s report: %v", framework, err),
	}
}

func summarize(cases []schema.TestCase) Summary {
	s := Summary{Total: len(cases)}
	var total int64
	var timed bool
	for _, tc := range cases {
		switch tc.Status {
		case schema.StatusPass:
			s.Passed++
		case schema.StatusFail:
			s.Failed++
		default:
			s.Skipped++
		}
		if tc.DurationMS != nil {
			total += *tc.DurationMS
			timed = true
		}
	}
	if timed {
		s.DurationMS = &total
	}
	return s
}

// caseInput is an unsanitized test case as read from a report.
type caseInput struct {
	path     string
	name     string
	status   string
	duration *int64
	start    time.Time
	failure  string
	tags     []string
	metadata map[string]any
}

func (in caseInput) build() schema.TestCase {
	tc := schema.TestCase{
		Path:       SanitizePath(in.path),
		Name:       SanitizeName(in.name),
		Status:     in.status,
		DurationMS: in.duration,
		StartTS:    schema.FormatTimestamp(in.start),
		Tags:       in.tags,
		Metadata:   in.metadata,
	}
	if failure := SanitizeFailure(in.failure); failure != "" {
		tc.FailureDetails = &failure
	}
	return tc
}

// millis converts a non-positive or non-finite value to nil.
func millis(ms float64) *int64 {
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return nil
	}
	v := int64(math.Round(ms))
	if v <= 0 {
		return nil
	}
	return &v
}

func secondsToMillis(sec float64) *int64 {
	return millis(sec * 1000)
}

// firstTime returns the first non-zero time.
func firstTime(ts ...time.Time) time.Time {
	for _, t := range ts {
		if !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

// parseTime returns the zero time when s is not a usable timestamp.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := schema.ParseTimestamp(s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// epochMillis converts a Unix millisecond value.
func epochMillis(ms float64) time.Time {
	if ms <= 0 || math.IsNaN(ms) || math.IsInf(ms, 0) {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms)).UTC()
}

var sourceExtensions = []string{
	".js", ".jsx", ".mjs", ".cjs", ".ts", ".tsx", ".mts", ".cts",
	".vue", ".svelte", ".py", ".java", ".kt", ".go", ".rb", ".cs",
}

// looksLikePath reports whether s contains a path separator or ends with a
// source file extension.
func looksLikePath(s string) bool {
	if strings.ContainsAny(s, `/\`) {
		return true
	}
	lower := strings.ToLower(s)
	for _, ext := range sourceExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
