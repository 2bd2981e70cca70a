// Package schema defines the canonical ingestion payload every producer and
// report normalizer must emit, and the rules it is validated against.
package schema

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Test statuses.
const (
	StatusPass = "pass"
	StatusFail = "fail"
	StatusSkip = "skip"
)

// Framework tags accepted on the wire.
const (
	FrameworkJUnit      = "junit"
	FrameworkJest       = "jest"
	FrameworkPytest     = "pytest"
	FrameworkPlaywright = "playwright"
	FrameworkMocha      = "mocha"
	FrameworkOther      = "other"
)

// Limits shared with the normalizers.
const (
	MaxTestCases     = 10000
	MaxPathLength    = 500
	MaxNameLength    = 500
	MaxFailureLength = 10000
)

// Payload is an ingestion request body.
type Payload struct {
	RepoID      string            `json:"repo_id" validate:"required,uuid"`
	CommitSHA   string            `json:"commit_sha" validate:"required,commitsha"`
	RunID       string            `json:"run_id" validate:"required,max=255"`
	Framework   string            `json:"framework" validate:"required,oneof=junit jest pytest playwright mocha other"`
	TestCases   []TestCase        `json:"test_cases" validate:"required,min=1,max=10000,dive"`
	Branch      *string           `json:"branch,omitempty" validate:"omitnil,max=255"`
	PullRequest *string           `json:"pull_request,omitempty" validate:"omitnil,max=64"`
	Environment map[string]string `json:"environment,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// TestCase is one canonical test result.
type TestCase struct {
	Path           string         `json:"path" validate:"required,max=500"`
	Name           string         `json:"name" validate:"required,max=500"`
	Status         string         `json:"status" validate:"required,oneof=pass fail skip"`
	DurationMS     *int64         `json:"duration_ms,omitempty" validate:"omitnil,gt=0"`
	StartTS        string         `json:"start_ts" validate:"required,iso8601time"`
	FailureDetails *string        `json:"failure_details,omitempty" validate:"omitnil,max=10000"`
	Tags           []string       `json:"tags,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

var (
	validate     = newValidator()
	commitSHARe  = regexp.MustCompile(`^[0-9a-f]{40}$`)
	timeLayouts  = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04Z07:00", "2006-01-02T15:04"}
	errNoPayload = errors.New("payload is nil")
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("commitsha", func(fl validator.FieldLevel) bool {
		return commitSHARe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("iso8601time", func(fl validator.FieldLevel) bool {
		_, err := ParseTimestamp(fl.Field().String())
		return err == nil
	})
	return v
}

// ParseTimestamp parses an ISO-8601 timestamp that includes a time of day.
// Date-only values are rejected.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not an ISO-8601 timestamp with a time component", s)
}

// FormatTimestamp renders t the way producers emit start_ts.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// FieldError describes one violated rule.
type FieldError struct {
	Field string // dotted json path, e.g. test_cases[3].start_ts
	Rule  string
	Param string
}

func (e FieldError) String() string {
	if e.Param != "" {
		return fmt.Sprintf("field %s failed rule %s=%s", e.Field, e.Rule, e.Param)
	}
	return fmt.Sprintf("field %s failed rule %s", e.Field, e.Rule)
}

// ValidationError lists every violated rule of a payload.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return strings.Join(parts, "; ")
}

// Validate checks p against the wire rules. It returns a *ValidationError
// when p decodes but violates the schema.
func Validate(p *Payload) error {
	if p == nil {
		return errNoPayload
	}
	return structErrors(validate.Struct(p))
}

// ValidateTestCase checks a single case.
func ValidateTestCase(tc *TestCase) error {
	return structErrors(validate.Struct(tc))
}

func structErrors(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating: %w", err)
	}
	out := &ValidationError{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		// Namespace is prefixed with the struct type name.
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		out.Fields = append(out.Fields, FieldError{Field: field, Rule: fe.Tag(), Param: fe.Param()})
	}
	return out
}
