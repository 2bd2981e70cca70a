package reports

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anchorpipe/anchorpipe-sub000/internal/schema"
)

type playwrightReport struct {
	Suites []playwrightSuite `json:"suites"`
}

type playwrightSuite struct {
	Title  string            `json:"title"`
	File   string            `json:"file"`
	Specs  []playwrightSpec  `json:"specs"`
	Suites []playwrightSuite `json:"suites"`
}

type playwrightSpec struct {
	Title string           `json:"title"`
	File  string           `json:"file"`
	Tags  []string         `json:"tags"`
	Tests []playwrightTest `json:"tests"`
}

type playwrightTest struct {
	Title       string             `json:"title"`
	ProjectName string             `json:"projectName"`
	Results     []playwrightResult `json:"results"`
}

type playwrightResult struct {
	Status    string            `json:"status"`
	Duration  float64           `json:"duration"`
	StartTime string            `json:"startTime"`
	Retry     int               `json:"retry"`
	Error     *playwrightError  `json:"error"`
	Errors    []playwrightError `json:"errors"`
}

type playwrightError struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

func (e *playwrightError) details() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, 2)
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Stack != "" {
		parts = append(parts, e.Stack)
	}
	return strings.Join(parts, "\n")
}

// Playwright normalizes the Playwright JSON reporter output. Every result,
// including retries, becomes one case.
type Playwright struct {
	now func() time.Time
}

// NewPlaywright returns a Playwright normalizer using now as the fallback start time.
func NewPlaywright(now func() time.Time) *Playwright {
	return &Playwright{now: now}
}

func (p *Playwright) Framework() string { return schema.FrameworkPlaywright }

func (p *Playwright) Parse(content []byte) ParsedReport {
	return run(schema.FrameworkPlaywright, content, p.now, parsePlaywright)
}

func parsePlaywright(content []byte, now time.Time) ([]schema.TestCase, error) {
	var report playwrightReport
	if err := json.Unmarshal(content, &report); err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}
	if report.Suites == nil {
		return nil, errors.New(`report has no "suites" list`)
	}

	var cases []schema.TestCase
	var walk func(s *playwrightSuite, titles []string, file string)
	walk = func(s *playwrightSuite, titles []string, file string) {
		file = firstNonEmpty(s.File, file)
		if s.Title != "" && s.Title != s.File {
			titles = append(titles[:len(titles):len(titles)], s.Title)
		}
		for i := range s.Specs {
			cases = append(cases, playwrightSpecCases(&s.Specs[i], titles, file, now)...)
		}
		for i := range s.Suites {
			walk(&s.Suites[i], titles, file)
		}
	}
	for i := range report.Suites {
		walk(&report.Suites[i], nil, "")
	}
	return cases, nil
}

func playwrightSpecCases(spec *playwrightSpec, titles []string, suiteFile string, now time.Time) []schema.TestCase {
	path := firstNonEmpty(spec.File, suiteFile)
	var cases []schema.TestCase
	for _, test := range spec.Tests {
		parts := append(append([]string(nil), titles...), spec.Title)
		if test.Title != "" && test.Title != spec.Title {
			parts = append(parts, test.Title)
		}
		name := strings.Join(parts, " > ")

		for _, result := range test.Results {
			failure := result.Error.details()
			if failure == "" && len(result.Errors) > 0 {
				failure = result.Errors[0].details()
			}
			metadata := map[string]any{"retry": result.Retry}
			if test.ProjectName != "" {
				metadata["project"] = test.ProjectName
			}
			cases = append(cases, caseInput{
				path:     path,
				name:     name,
				status:   MapStatus(result.Status),
				duration: millis(result.Duration),
				start:    firstTime(parseTime(result.StartTime), now),
				failure:  failure,
				tags:     spec.Tags,
				metadata: metadata,
			}.build())
		}
	}
	return cases
}
