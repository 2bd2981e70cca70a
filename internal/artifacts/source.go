// Package artifacts is the producer path: it fetches framework-native report
// files from where CI left them and turns them into ingestion payloads.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/anchorpipe/anchorpipe-sub000/internal/reports"
)

// ErrTooLarge is returned when an artifact exceeds reports.MaxReportBytes.
var ErrTooLarge = fmt.Errorf("artifact exceeds %d MB limit", reports.MaxReportBytes>>20)

// Source produces the bytes of one artifact. location is source specific.
type Source interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// Router dispatches "scheme://location" references to a Source. References
// without a scheme use the "file" source.
type Router struct {
	sources map[string]Source
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{sources: make(map[string]Source)}
}

// Handle registers src for scheme.
func (r *Router) Handle(scheme string, src Source) *Router {
	r.sources[strings.ToLower(scheme)] = src
	return r
}

// Fetch resolves ref and fetches it.
func (r *Router) Fetch(ctx context.Context, ref string) ([]byte, error) {
	scheme, location, ok := strings.Cut(ref, "://")
	if !ok {
		scheme, location = "file", ref
	}
	src, found := r.sources[strings.ToLower(scheme)]
	if !found {
		return nil, fmt.Errorf("no artifact source for scheme %q", scheme)
	}
	return src.Fetch(ctx, location)
}

// FileSource reads artifacts from the local filesystem.
type FileSource struct{}

func (FileSource) Fetch(_ context.Context, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()
	return readLimited(f)
}

// readLimited reads r fully, failing once more than MaxReportBytes arrive.
func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, reports.MaxReportBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	if len(data) > reports.MaxReportBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}

func splitBucketKey(location string) (bucket, key string, err error) {
	bucket, key, ok := strings.Cut(strings.TrimPrefix(location, "/"), "/")
	if !ok || bucket == "" || key == "" {
		return "", "", errors.New("object location must be bucket/key")
	}
	return bucket, key, nil
}
