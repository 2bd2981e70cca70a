package reports

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/anchorpipe/anchorpipe-sub000/internal/schema"
)

// Registry resolves framework tags to normalizers.
type Registry struct {
	normalizers map[string]Normalizer
}

// NewRegistry returns a registry with the built-in normalizers. A nil clock
// means time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	r := &Registry{normalizers: make(map[string]Normalizer)}
	r.Register(NewJUnit(now))
	r.Register(NewJest(now))
	r.Register(NewPytest(now))
	r.Register(NewPlaywright(now))
	return r
}

// Register adds or replaces the normalizer for its framework.
func (r *Registry) Register(n Normalizer) {
	r.normalizers[strings.ToLower(n.Framework())] = n
}

// Get looks up a normalizer by framework tag, ignoring case.
func (r *Registry) Get(framework string) (Normalizer, bool) {
	n, ok := r.normalizers[strings.ToLower(strings.TrimSpace(framework))]
	return n, ok
}

// Frameworks lists the registered tags in sorted order.
func (r *Registry) Frameworks() []string {
	out := make([]string, 0, len(r.normalizers))
	for tag := range r.normalizers {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Parse normalizes content with the framework's normalizer. It never panics.
func (r *Registry) Parse(framework string, content []byte) (report ParsedReport) {
	n, ok := r.Get(framework)
	if !ok {
		return ParsedReport{
			Framework: framework,
			TestCases: []schema.TestCase{},
			Error:     fmt.Sprintf("no parser available for framework %q", framework),
		}
	}
	defer func() {
		if rec := recover(); rec != nil {
			report = failed(n.Framework(), fmt.Errorf("parser panic: %v", rec))
		}
	}()
	return n.Parse(content)
}
