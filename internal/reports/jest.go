package reports

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anchorpipe/anchorpipe-sub000/internal/schema"
)

type jestSuite struct {
	Name             string          `json:"name"`
	TestFilePath     string          `json:"testFilePath"`
	Status           string          `json:"status"`
	Message          string          `json:"message"`
	StartTime        float64         `json:"startTime"`
	EndTime          float64         `json:"endTime"`
	PerfStats        *jestPerfStats  `json:"perfStats"`
	AssertionResults []jestAssertion `json:"assertionResults"`
	TestResults      []jestAssertion `json:"testResults"`
}

type jestPerfStats struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type jestAssertion struct {
	AncestorTitles  []string `json:"ancestorTitles"`
	Title           string   `json:"title"`
	FullName        string   `json:"fullName"`
	Status          string   `json:"status"`
	Duration        *float64 `json:"duration"`
	FailureMessages []string `json:"failureMessages"`
}

// Jest normalizes `jest --json` output, a single suite result or an array of
// suite results.
type Jest struct {
	now func() time.Time
}

// NewJest returns a Jest normalizer using now as the fallback start time.
func NewJest(now func() time.Time) *Jest {
	return &Jest{now: now}
}

func (j *Jest) Framework() string { return schema.FrameworkJest }

func (j *Jest) Parse(content []byte) ParsedReport {
	return run(schema.FrameworkJest, content, j.now, parseJest)
}

func parseJest(content []byte, now time.Time) ([]schema.TestCase, error) {
	suites, err := decodeJestSuites(content)
	if err != nil {
		return nil, err
	}

	var cases []schema.TestCase
	for i := range suites {
		cases = append(cases, jestSuiteCases(&suites[i], now)...)
	}
	return cases, nil
}

func decodeJestSuites(content []byte) ([]jestSuite, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var suites []jestSuite
		if err := json.Unmarshal(trimmed, &suites); err != nil {
			return nil, fmt.Errorf("decoding suite array: %w", err)
		}
		return suites, nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}
	// Aggregated output wraps suites in testResults; a single suite result
	// carries its assertions under assertionResults instead.
	if raw, ok := probe["testResults"]; ok && probe["assertionResults"] == nil && isSuiteList(raw) {
		var agg struct {
			TestResults []jestSuite `json:"testResults"`
		}
		if err := json.Unmarshal(trimmed, &agg); err != nil {
			return nil, fmt.Errorf("decoding aggregated results: %w", err)
		}
		return agg.TestResults, nil
	}

	var suite jestSuite
	if err := json.Unmarshal(trimmed, &suite); err != nil {
		return nil, fmt.Errorf("decoding suite: %w", err)
	}
	if suite.Name == "" && suite.TestFilePath == "" && len(suite.AssertionResults) == 0 {
		return nil, errors.New("no jest suite results found")
	}
	return []jestSuite{suite}, nil
}

// isSuiteList reports whether raw is an array whose elements look like suites.
func isSuiteList(raw json.RawMessage) bool {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return false
	}
	for _, item := range items {
		if _, ok := item["assertionResults"]; ok {
			return true
		}
		if _, ok := item["ancestorTitles"]; ok {
			return false
		}
	}
	return true
}

func jestSuiteCases(s *jestSuite, now time.Time) []schema.TestCase {
	suitePath := firstNonEmpty(s.Name, s.TestFilePath)
	start := firstTime(epochMillis(s.StartTime), perfStart(s.PerfStats), now)

	assertions := s.AssertionResults
	if len(assertions) == 0 {
		assertions = s.TestResults
	}

	if len(assertions) == 0 {
		return []schema.TestCase{caseInput{
			path:     suitePath,
			name:     suitePath,
			status:   MapStatus(s.Status),
			duration: jestSuiteDuration(s),
			start:    start,
			failure:  s.Message,
		}.build()}
	}

	cases := make([]schema.TestCase, 0, len(assertions))
	for _, a := range assertions {
		name := strings.TrimSpace(a.FullName)
		if name == "" {
			name = strings.Join(append(append([]string(nil), a.AncestorTitles...), a.Title), " ")
		}
		path := suitePath
		if looksLikePath(name) {
			path = name
		}
		var duration *int64
		if a.Duration != nil {
			duration = millis(*a.Duration)
		}
		cases = append(cases, caseInput{
			path:     path,
			name:     name,
			status:   MapStatus(a.Status),
			duration: duration,
			start:    start,
			failure:  strings.Join(a.FailureMessages, "\n"),
		}.build())
	}
	return cases
}

func jestSuiteDuration(s *jestSuite) *int64 {
	if s.EndTime > 0 && s.StartTime > 0 {
		return millis(s.EndTime - s.StartTime)
	}
	if s.PerfStats != nil {
		return millis(s.PerfStats.End - s.PerfStats.Start)
	}
	return nil
}

func perfStart(p *jestPerfStats) time.Time {
	if p == nil {
		return time.Time{}
	}
	return epochMillis(p.Start)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
