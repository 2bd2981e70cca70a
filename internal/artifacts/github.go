package artifacts

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/anchorpipe/anchorpipe-sub000/internal/reports"
)

// ArtifactDownloader downloads a workflow artifact archive.
type ArtifactDownloader interface {
	DownloadArtifact(ctx context.Context, token, owner, repo string, artifactID int64) ([]byte, error)
}

// GitHubSource fetches workflow artifacts as "owner/repo/artifact-id[/entry]".
// Artifacts arrive as zip archives; entry selects a file inside, otherwise
// the first regular file is used.
type GitHubSource struct {
	installationID int64
	issuer         TokenIssuer
	downloader     ArtifactDownloader
	cache          TokenCache
	log            *zap.Logger
}

// NewGitHubSource creates a source. cache may be nil.
func NewGitHubSource(installationID int64, issuer TokenIssuer, downloader ArtifactDownloader, cache TokenCache) *GitHubSource {
	return &GitHubSource{installationID: installationID, issuer: issuer, downloader: downloader, cache: cache, log: zap.NewNop()}
}

// WithLogger sets the logger for cache failures.
func (s *GitHubSource) WithLogger(log *zap.Logger) *GitHubSource {
	if log != nil {
		s.log = log
	}
	return s
}

func (s *GitHubSource) Fetch(ctx context.Context, location string) ([]byte, error) {
	parts := strings.SplitN(strings.Trim(location, "/"), "/", 4)
	if len(parts) < 3 {
		return nil, errors.New("artifact location must be owner/repo/artifact-id[/entry]")
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("invalid artifact id %q", parts[2])
	}
	entry := ""
	if len(parts) == 4 {
		entry = parts[3]
	}

	token, err := resolveToken(ctx, s.cache, s.issuer, s.installationID, s.log)
	if err != nil {
		return nil, err
	}
	archive, err := s.downloader.DownloadArtifact(ctx, token, parts[0], parts[1], id)
	if err != nil {
		return nil, fmt.Errorf("downloading artifact %d: %w", id, err)
	}
	return extractEntry(archive, entry)
}

func extractEntry(archive []byte, entry string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("opening artifact archive: %w", err)
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if entry != "" && path.Clean(f.Name) != path.Clean(entry) {
			continue
		}
		if f.UncompressedSize64 > uint64(reports.MaxReportBytes) {
			return nil, ErrTooLarge
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}
		data, err := readLimited(rc)
		rc.Close()
		return data, err
	}
	if entry != "" {
		return nil, fmt.Errorf("artifact has no entry %q", entry)
	}
	return nil, errors.New("artifact archive is empty")
}
