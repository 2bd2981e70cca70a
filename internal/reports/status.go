package reports

import (
	"strings"

	"github.com/anchorpipe/anchorpipe-sub000/internal/schema"
)

var statusAliases = map[string]string{
	"pass":     schema.StatusPass,
	"passed":   schema.StatusPass,
	"success":  schema.StatusPass,
	"ok":       schema.StatusPass,
	"expected": schema.StatusPass,
	"xpassed":  schema.StatusPass,

	"fail":        schema.StatusFail,
	"failed":      schema.StatusFail,
	"failure":     schema.StatusFail,
	"error":       schema.StatusFail,
	"errored":     schema.StatusFail,
	"broken":      schema.StatusFail,
	"timedout":    schema.StatusFail,
	"interrupted": schema.StatusFail,
	"unexpected":  schema.StatusFail,

	"skip":     schema.StatusSkip,
	"skipped":  schema.StatusSkip,
	"pending":  schema.StatusSkip,
	"todo":     schema.StatusSkip,
	"disabled": schema.StatusSkip,
	"ignored":  schema.StatusSkip,
	"xfailed":  schema.StatusSkip,
	"focused":  schema.StatusSkip,
}

// MapStatus maps a framework status onto pass, fail or skip. Anything
// without clear pass or fail semantics is a skip.
func MapStatus(native string) string {
	if s, ok := statusAliases[strings.ToLower(strings.TrimSpace(native))]; ok {
		return s
	}
	return schema.StatusSkip
}
