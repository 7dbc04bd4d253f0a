// Package ingest turns documentation files into embedded sections: it
// splits markdown at headings, redacts credentials, embeds the sections
// in batches and stores them, mirroring them into the section index when
// one is configured.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fyrsmithlabs/docmatch/internal/config"
	"github.com/fyrsmithlabs/docmatch/internal/embeddings"
	"github.com/fyrsmithlabs/docmatch/internal/logging"
	"github.com/fyrsmithlabs/docmatch/internal/model"
	"github.com/fyrsmithlabs/docmatch/internal/secrets"
	"github.com/fyrsmithlabs/docmatch/internal/sectionindex"
	"github.com/fyrsmithlabs/docmatch/internal/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const tracerName = "github.com/fyrsmithlabs/docmatch/internal/ingest"

const defaultBatchSize = 64

var (
	// ErrInvalidPath is returned for paths that are absolute, escape the
	// root or are empty.
	ErrInvalidPath = errors.New("invalid file path")

	// ErrNotText is returned for content that is not valid UTF-8.
	ErrNotText = errors.New("file is not valid UTF-8 text")
)

// FileResult describes what happened to one file.
type FileResult struct {
	Path     string `json:"path"`
	Sections int    `json:"sections"`
	Skipped  bool   `json:"skipped,omitempty"`
	Redacted int    `json:"redacted,omitempty"`
	Replaced int    `json:"replaced,omitempty"`
}

// Service ingests files into a project.
type Service struct {
	store     store.Store
	index     sectionindex.Index
	embedder  embeddings.Embedder
	scrubber  *secrets.Scrubber
	splitter  Splitter
	batchSize int
	cfg       config.IngestConfig
	logger    *logging.Logger
}

// NewService creates an ingest service. index may be nil. A nil scrubber
// disables redaction.
func NewService(st store.Store, index sectionindex.Index, embedder embeddings.Embedder, scrubber *secrets.Scrubber, cfg config.IngestConfig, logger *logging.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder cannot be nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		store:     st,
		index:     index,
		embedder:  embedder,
		scrubber:  scrubber,
		splitter:  Splitter{MinChars: cfg.MinSectionChars, MaxTokens: cfg.MaxSectionTokens},
		batchSize: defaultBatchSize,
		cfg:       cfg,
		logger:    logger.Named("ingest"),
	}, nil
}

// CleanPath normalizes a file path to the slash-separated, root-relative
// form stored in files.path.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return clean, nil
}

// Supported reports whether p has one of the configured extensions.
func (s *Service) Supported(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	for _, e := range s.cfg.Extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return len(s.cfg.Extensions) == 0
}

// IngestFile stores content as the file at p in project projectID. An
// unchanged checksum skips the file unless force is set.
func (s *Service) IngestFile(ctx context.Context, projectID uuid.UUID, p string, content []byte, force bool) (*FileResult, error) {
	return s.ingest(ctx, s.scrubber, projectID, p, content, force)
}

func (s *Service) ingest(ctx context.Context, scrubber *secrets.Scrubber, projectID uuid.UUID, p string, content []byte, force bool) (res *FileResult, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ingest.File")
	defer span.End()
	start := time.Now()
	defer func() {
		observeFile(res, err, start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	p, err = CleanPath(p)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("file.path", p))
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: %s", ErrNotText, p)
	}

	checksum := model.Checksum(content)
	if !force {
		existing, err := s.store.GetFile(ctx, projectID, p)
		switch {
		case err == nil && existing.Checksum == checksum:
			s.logger.Debug(ctx, "file unchanged", zap.String("path", p))
			return &FileResult{Path: p, Skipped: true}, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("looking up %s: %w", p, err)
		}
	}

	meta, body, err := ParseFrontMatter(string(content))
	if err != nil {
		// bad front matter does not make the body unusable
		s.logger.Warn(ctx, "ignoring front matter", zap.String("path", p), zap.Error(err))
	}

	res = &FileResult{Path: p}
	if scrubber != nil {
		scrubbed := scrubber.Scrub(p, body)
		if scrubbed.Redacted() {
			res.Redacted = len(scrubbed.Findings)
			rules := make([]string, len(scrubbed.Findings))
			for i, f := range scrubbed.Findings {
				rules[i] = f.RuleID
			}
			s.logger.Warn(ctx, "redacted secrets before embedding",
				zap.String("path", p),
				zap.Strings("rules", rules),
			)
		}
		body = scrubbed.Content
	}

	texts := s.splitter.Split(body)
	vectors, err := s.embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding %s: %w", p, err)
	}

	sections := make([]model.Section, len(texts))
	for i, text := range texts {
		sections[i] = model.Section{
			Content:    text,
			TokenCount: model.CountTokens(text),
			Embedding:  vectors[i],
		}
	}

	file := &model.File{Path: p, Meta: meta, Checksum: checksum, ProjectID: projectID}
	removed, err := s.store.UpsertFile(ctx, file, sections)
	if err != nil {
		return nil, fmt.Errorf("storing %s: %w", p, err)
	}
	res.Sections = len(sections)
	res.Replaced = len(removed)
	span.SetAttributes(attribute.Int("file.sections", len(sections)))

	if err := s.mirror(ctx, file, sections, removed); err != nil {
		return res, err
	}

	s.logger.Info(ctx, "file ingested",
		zap.String("path", p),
		zap.Int("sections", res.Sections),
		zap.Int("replaced", res.Replaced),
	)
	return res, nil
}

// embed embeds texts in batches of s.batchSize.
func (s *Service) embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += s.batchSize {
		end := min(start+s.batchSize, len(texts))
		vecs, err := s.embedder.EmbedDocuments(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), end-start)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// mirror brings the section index in line with a stored file.
func (s *Service) mirror(ctx context.Context, file *model.File, sections []model.Section, removed []int64) error {
	if s.index == nil {
		return nil
	}
	if err := s.index.Delete(ctx, removed); err != nil {
		return fmt.Errorf("removing replaced sections of %s from index: %w", file.Path, err)
	}
	indexed := make([]model.IndexedSection, len(sections))
	for i, sec := range sections {
		indexed[i] = model.IndexedSection{Section: sec, Path: file.Path, ProjectID: file.ProjectID}
	}
	if err := s.index.Upsert(ctx, indexed); err != nil {
		return fmt.Errorf("indexing sections of %s: %w", file.Path, err)
	}
	return nil
}

// RemoveFile deletes the file at p and its sections.
func (s *Service) RemoveFile(ctx context.Context, projectID uuid.UUID, p string) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	removed, err := s.store.DeleteFile(ctx, projectID, p)
	if err != nil {
		return fmt.Errorf("removing %s: %w", p, err)
	}
	FilesTotal.WithLabelValues("removed").Inc()
	if s.index != nil {
		if err := s.index.Delete(ctx, removed); err != nil {
			return fmt.Errorf("removing sections of %s from index: %w", p, err)
		}
	}
	s.logger.Info(ctx, "file removed", zap.String("path", p), zap.Int("sections", len(removed)))
	return nil
}
