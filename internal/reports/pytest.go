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

type pytestReport struct {
	Created float64      `json:"created"`
	Tests   []pytestTest `json:"tests"`
}

type pytestTest struct {
	NodeID   string       `json:"nodeid"`
	Outcome  string       `json:"outcome"`
	Keywords []string     `json:"keywords"`
	Setup    *pytestPhase `json:"setup"`
	Call     *pytestPhase `json:"call"`
	Teardown *pytestPhase `json:"teardown"`
}

type pytestPhase struct {
	Duration float64         `json:"duration"`
	Outcome  string          `json:"outcome"`
	Longrepr json.RawMessage `json:"longrepr"`
	Crash    *struct {
		Message string `json:"message"`
	} `json:"crash"`
}

// text returns the long representation, which some plugins emit as a string
// and others as a nested object.
func (p *pytestPhase) text() string {
	if p == nil {
		return ""
	}
	if len(p.Longrepr) > 0 && !bytes.Equal(p.Longrepr, []byte("null")) {
		var s string
		if err := json.Unmarshal(p.Longrepr, &s); err == nil {
			return s
		}
		return string(p.Longrepr)
	}
	if p.Crash != nil {
		return p.Crash.Message
	}
	return ""
}

// Pytest normalizes pytest-json-report output or a bare list of tests.
type Pytest struct {
	now func() time.Time
}

// NewPytest returns a pytest normalizer using now as the fallback start time.
func NewPytest(now func() time.Time) *Pytest {
	return &Pytest{now: now}
}

func (p *Pytest) Framework() string { return schema.FrameworkPytest }

func (p *Pytest) Parse(content []byte) ParsedReport {
	return run(schema.FrameworkPytest, content, p.now, parsePytest)
}

func parsePytest(content []byte, now time.Time) ([]schema.TestCase, error) {
	var report pytestReport
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &report.Tests); err != nil {
			return nil, fmt.Errorf("decoding test list: %w", err)
		}
	} else {
		if err := json.Unmarshal(trimmed, &report); err != nil {
			return nil, fmt.Errorf("decoding report: %w", err)
		}
		if report.Tests == nil {
			return nil, errors.New(`report has no "tests" list`)
		}
	}

	start := firstTime(epochSeconds(report.Created), now)
	cases := make([]schema.TestCase, 0, len(report.Tests))
	for _, t := range report.Tests {
		path, name := splitNodeID(t.NodeID)
		cases = append(cases, caseInput{
			path:     path,
			name:     name,
			status:   MapStatus(t.Outcome),
			duration: pytestDuration(t),
			start:    start,
			failure:  pytestFailure(t),
		}.build())
	}
	return cases, nil
}

// splitNodeID splits "tests/test_x.py::TestY::test_z" into the file path and
// the remaining name. Dotted ids keep their last segment as the name.
func splitNodeID(nodeID string) (path, name string) {
	nodeID = strings.TrimSpace(nodeID)
	if before, after, ok := strings.Cut(nodeID, "::"); ok {
		return before, after
	}
	if i := strings.LastIndex(nodeID, "."); i > 0 && !looksLikePath(nodeID) {
		return strings.ReplaceAll(nodeID[:i], ".", "/"), nodeID[i+1:]
	}
	return nodeID, nodeID
}

func pytestDuration(t pytestTest) *int64 {
	var sec float64
	for _, phase := range []*pytestPhase{t.Setup, t.Call, t.Teardown} {
		if phase != nil {
			sec += phase.Duration
		}
	}
	return secondsToMillis(sec)
}

// pytestFailure prefers the call phase; setup and teardown errors are used
// when the call never ran or passed.
func pytestFailure(t pytestTest) string {
	if MapStatus(t.Outcome) != schema.StatusFail {
		return ""
	}
	if text := t.Call.text(); text != "" {
		return text
	}
	for _, phase := range []*pytestPhase{t.Setup, t.Teardown} {
		if phase != nil && MapStatus(phase.Outcome) == schema.StatusFail {
			if text := phase.text(); text != "" {
				return text
			}
		}
	}
	return ""
}

func epochSeconds(sec float64) time.Time {
	return epochMillis(sec * 1000)
}
