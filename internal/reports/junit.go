package reports

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/anchorpipe/anchorpipe-sub000/internal/schema"
)

type junitSuite struct {
	Name      string       `xml:"name,attr"`
	Timestamp string       `xml:"timestamp,attr"`
	File      string       `xml:"file,attr"`
	Suites    []junitSuite `xml:"testsuite"`
	Cases     []junitCase  `xml:"testcase"`
}

type junitCase struct {
	Name      string        `xml:"name,attr"`
	Classname string        `xml:"classname,attr"`
	File      string        `xml:"file,attr"`
	Time      string        `xml:"time,attr"`
	Status    string        `xml:"status,attr"`
	Timestamp string        `xml:"timestamp,attr"`
	Failure   *junitProblem `xml:"failure"`
	Error     *junitProblem `xml:"error"`
	Skipped   *junitProblem `xml:"skipped"`
}

type junitProblem struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Text    string `xml:",chardata"`
}

func (p *junitProblem) details() string {
	if p == nil {
		return ""
	}
	parts := make([]string, 0, 2)
	if m := strings.TrimSpace(p.Message); m != "" {
		parts = append(parts, m)
	}
	if t := strings.TrimSpace(p.Text); t != "" && t != strings.TrimSpace(p.Message) {
		parts = append(parts, t)
	}
	if len(parts) == 0 && p.Type != "" {
		parts = append(parts, p.Type)
	}
	return strings.Join(parts, "\n")
}

// JUnit normalizes JUnit-style XML from any tool that emits testsuite trees.
type JUnit struct {
	now func() time.Time
}

// NewJUnit returns a JUnit normalizer using now as the fallback start time.
func NewJUnit(now func() time.Time) *JUnit {
	return &JUnit{now: now}
}

func (j *JUnit) Framework() string { return schema.FrameworkJUnit }

func (j *JUnit) Parse(content []byte) ParsedReport {
	return run(schema.FrameworkJUnit, content, j.now, parseJUnit)
}

func parseJUnit(content []byte, now time.Time) ([]schema.TestCase, error) {
	root, err := decodeJUnitRoot(content)
	if err != nil {
		return nil, err
	}

	var cases []schema.TestCase
	var walk func(s *junitSuite, start time.Time)
	walk = func(s *junitSuite, start time.Time) {
		start = firstTime(parseTime(s.Timestamp), start)
		for i := range s.Cases {
			cases = append(cases, junitTestCase(&s.Cases[i], s, firstTime(start, now)))
		}
		for i := range s.Suites {
			walk(&s.Suites[i], start)
		}
	}
	walk(root, time.Time{})
	return cases, nil
}

// decodeJUnitRoot accepts a <testsuites> wrapper or a bare <testsuite>.
func decodeJUnitRoot(content []byte) (*junitSuite, error) {
	dec := xml.NewDecoder(bytes.NewReader(content))
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("no testsuite element found")
			}
			return nil, fmt.Errorf("reading XML: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		var suite junitSuite
		if err := dec.DecodeElement(&suite, &start); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", start.Name.Local, err)
		}
		switch start.Name.Local {
		case "testsuites":
			return &suite, nil
		case "testsuite":
			return &junitSuite{Suites: []junitSuite{suite}}, nil
		default:
			return nil, fmt.Errorf("unexpected root element <%s>", start.Name.Local)
		}
	}
}

func junitTestCase(c *junitCase, suite *junitSuite, start time.Time) schema.TestCase {
	status, failure := junitStatus(c)
	return caseInput{
		path:     junitPath(c, suite),
		name:     c.Name,
		status:   status,
		duration: junitDuration(c.Time),
		start:    firstTime(parseTime(c.Timestamp), start),
		failure:  failure,
	}.build()
}

// junitStatus resolves conflicting markers: a failure or error element wins,
// then skip markers, then a failing status attribute.
func junitStatus(c *junitCase) (status, failure string) {
	attr := strings.ToLower(strings.TrimSpace(c.Status))
	switch {
	case c.Failure != nil:
		return schema.StatusFail, c.Failure.details()
	case c.Error != nil:
		return schema.StatusFail, c.Error.details()
	case c.Skipped != nil, attr == "skipped", attr == "disabled", attr == "skip":
		return schema.StatusSkip, ""
	case attr == "failed", attr == "failure", attr == "error", attr == "fail":
		return schema.StatusFail, ""
	}
	return schema.StatusPass, ""
}

func junitPath(c *junitCase, suite *junitSuite) string {
	for _, candidate := range []string{c.Classname, c.File, suite.File, suite.Name} {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if looksLikePath(candidate) {
			return candidate
		}
		return strings.ReplaceAll(candidate, ".", "/")
	}
	return ""
}

func junitDuration(raw string) *int64 {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if raw == "" {
		return nil
	}
	sec, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return secondsToMillis(sec)
}
