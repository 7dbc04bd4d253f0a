package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/docmatch/internal/ignore"
	"github.com/fyrsmithlabs/docmatch/internal/secrets"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MaxFileSize is the largest file a directory ingest reads.
const MaxFileSize = 10 * 1024 * 1024

// DirOptions configures IngestDir.
type DirOptions struct {
	// Force re-ingests files whose checksum is unchanged.
	Force bool

	// Prune removes stored files of the project that no longer exist
	// under the root.
	Prune bool
}

// DirResult summarizes a directory ingest.
type DirResult struct {
	Root     string        `json:"root"`
	Ingested int           `json:"ingested"`
	Skipped  int           `json:"skipped"`
	Removed  int           `json:"removed"`
	Sections int           `json:"sections"`
	Redacted int           `json:"redacted"`
	Failed   []string      `json:"failed,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// dirScope is what one root contributes: ignore rules and, when scrubbing
// is on, a scrubber that honours the root's allowlist.
type dirScope struct {
	root     string
	ignore   *ignore.Matcher
	scrubber *secrets.Scrubber
}

func (s *Service) openDir(root string) (*dirScope, error) {
	clean, err := validateRoot(root)
	if err != nil {
		return nil, err
	}
	m, err := ignore.Load(clean)
	if err != nil {
		return nil, fmt.Errorf("reading ignore files: %w", err)
	}
	scope := &dirScope{root: clean, ignore: m, scrubber: s.scrubber}
	if s.scrubber != nil {
		allow, err := secrets.LoadAllowlist(clean)
		if err != nil {
			return nil, err
		}
		if !allow.Empty() {
			if scope.scrubber, err = secrets.New(allow); err != nil {
				return nil, err
			}
		}
	}
	return scope, nil
}

// IngestDir ingests every supported file under root into projectID. Files
// that fail are recorded in the result and do not stop the walk.
func (s *Service) IngestDir(ctx context.Context, projectID uuid.UUID, root string, opts DirOptions) (*DirResult, error) {
	start := time.Now()
	scope, err := s.openDir(root)
	if err != nil {
		return nil, err
	}
	res := &DirResult{Root: scope.root}
	seen := make(map[string]bool)

	err = filepath.WalkDir(scope.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(scope.root, p)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && scope.ignore.Match(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !s.Supported(rel) || scope.ignore.Match(rel, false) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > MaxFileSize {
			s.logger.Warn(ctx, "skipping oversized file", zap.String("path", rel), zap.Int64("size", info.Size()))
			return nil
		}

		seen[rel] = true
		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading %s: %w", rel, err)
		}
		fr, err := s.ingest(ctx, scope.scrubber, projectID, rel, content, opts.Force)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			s.logger.Error(ctx, "ingest failed", zap.String("path", rel), zap.Error(err))
			res.Failed = append(res.Failed, rel)
			return nil
		}
		res.add(fr)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", scope.root, err)
	}

	if opts.Prune {
		if err := s.prune(ctx, projectID, seen, res); err != nil {
			return nil, err
		}
	}

	res.Elapsed = time.Since(start)
	s.logger.Info(ctx, "directory ingested",
		zap.String("root", res.Root),
		zap.Int("ingested", res.Ingested),
		zap.Int("skipped", res.Skipped),
		zap.Int("removed", res.Removed),
		zap.Int("failed", len(res.Failed)),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

func (r *DirResult) add(fr *FileResult) {
	if fr.Skipped {
		r.Skipped++
		return
	}
	r.Ingested++
	r.Sections += fr.Sections
	r.Redacted += fr.Redacted
}

// prune removes stored files that were not seen in the walk.
func (s *Service) prune(ctx context.Context, projectID uuid.UUID, seen map[string]bool, res *DirResult) error {
	files, err := s.store.ListFiles(ctx, projectID)
	if err != nil {
		return fmt.Errorf("listing files: %w", err)
	}
	for _, f := range files {
		if seen[f.Path] {
			continue
		}
		if err := s.RemoveFile(ctx, projectID, f.Path); err != nil {
			s.logger.Error(ctx, "prune failed", zap.String("path", f.Path), zap.Error(err))
			res.Failed = append(res.Failed, f.Path)
			continue
		}
		res.Removed++
	}
	return nil
}

func validateRoot(root string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	clean, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return "", err
	}
	info, err := os.Stat(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("path does not exist: %s", clean)
		}
		return "", fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("path must be a directory: %s", clean)
	}
	return clean, nil
}
