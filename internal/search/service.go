// Package search answers Semantic Section Search requests. It validates
// and defaults the parameters, embeds text queries, and runs the match
// either in the store or through the approximate section index.
package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/docmatch/internal/config"
	"github.com/fyrsmithlabs/docmatch/internal/embeddings"
	"github.com/fyrsmithlabs/docmatch/internal/logging"
	"github.com/fyrsmithlabs/docmatch/internal/model"
	"github.com/fyrsmithlabs/docmatch/internal/policy"
	"github.com/fyrsmithlabs/docmatch/internal/sectionindex"
	"github.com/fyrsmithlabs/docmatch/internal/store"
	"github.com/fyrsmithlabs/docmatch/internal/vecmath"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const tracerName = "github.com/fyrsmithlabs/docmatch/internal/search"

// maxIndexLimit bounds a single widened index query.
const maxIndexLimit = 1 << 16

var (
	// ErrInvalidArgument is returned for out-of-range match parameters.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDimensionMismatch is returned when a caller-supplied embedding
	// does not have the store's dimension. An embedding provider that
	// disagrees with the store is a configuration fault and surfaces as
	// vecmath.ErrDimensionMismatch instead.
	ErrDimensionMismatch = errors.New("query embedding dimension mismatch")
)

// Backend selects where matching runs.
type Backend string

const (
	BackendSQL   Backend = "sql"
	BackendIndex Backend = "index"
)

// Request is a match request. Exactly one of Embedding and Query is set.
// Nil parameters take the configured defaults.
type Request struct {
	Embedding        []float32
	Query            string
	Threshold        *float64
	Count            *int
	MinContentLength *int

	// ProjectID narrows the search to one project when set.
	ProjectID uuid.UUID
}

// Service runs section searches.
type Service struct {
	store    store.Store
	index    sectionindex.Index
	embedder embeddings.Embedder
	cfg      config.SearchConfig
	logger   *logging.Logger
}

// NewService creates a search service. index may be nil when cfg.Backend
// is "sql"; embedder may be nil, in which case text queries are rejected.
func NewService(st store.Store, index sectionindex.Index, embedder embeddings.Embedder, cfg config.SearchConfig, logger *logging.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if Backend(cfg.Backend) == BackendIndex && index == nil {
		return nil, fmt.Errorf("backend %q requires a section index", cfg.Backend)
	}
	if cfg.Backend == "" {
		cfg.Backend = string(BackendSQL)
	}
	if cfg.Overfetch < 1 {
		cfg.Overfetch = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		store:    st,
		index:    index,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.Named("search"),
	}, nil
}

// Params resolves req against the configured defaults and validates it,
// embedding req.Query when no embedding is given.
func (s *Service) Params(ctx context.Context, req Request) (model.MatchParams, error) {
	p := model.MatchParams{
		Embedding:        req.Embedding,
		Threshold:        s.cfg.MatchThreshold,
		Count:            s.cfg.MatchCount,
		MinContentLength: s.cfg.MinContentLength,
		ProjectID:        req.ProjectID,
	}
	if req.Threshold != nil {
		p.Threshold = *req.Threshold
	}
	if req.Count != nil {
		p.Count = *req.Count
	}
	if req.MinContentLength != nil {
		p.MinContentLength = *req.MinContentLength
	}

	if math.IsNaN(p.Threshold) || p.Threshold < -1 || p.Threshold > 1 {
		return p, fmt.Errorf("%w: match_threshold must be within [-1, 1], got %v", ErrInvalidArgument, p.Threshold)
	}
	if p.Count <= 0 {
		return p, fmt.Errorf("%w: match_count must be positive, got %d", ErrInvalidArgument, p.Count)
	}
	if s.cfg.MaxMatchCount > 0 && p.Count > s.cfg.MaxMatchCount {
		p.Count = s.cfg.MaxMatchCount
	}
	if p.MinContentLength < 0 {
		return p, fmt.Errorf("%w: min_content_length cannot be negative, got %d", ErrInvalidArgument, p.MinContentLength)
	}

	switch {
	case len(req.Embedding) > 0 && req.Query != "":
		return p, fmt.Errorf("%w: set either an embedding or a query, not both", ErrInvalidArgument)
	case len(req.Embedding) > 0:
	case req.Query != "":
		if s.embedder == nil {
			return p, fmt.Errorf("%w: text queries need an embedding provider", ErrInvalidArgument)
		}
		emb, err := s.embedder.EmbedQuery(ctx, req.Query)
		if err != nil {
			return p, fmt.Errorf("embedding query: %w", err)
		}
		p.Embedding = emb
	default:
		return p, fmt.Errorf("%w: query embedding is required", ErrInvalidArgument)
	}

	if want := s.store.Dimensions(); len(p.Embedding) != want {
		if len(req.Embedding) == 0 {
			return p, fmt.Errorf("%w: embedding provider returned %d dimensions, store holds %d",
				vecmath.ErrDimensionMismatch, len(p.Embedding), want)
		}
		return p, fmt.Errorf("%w: query has %d dimensions, store holds %d", ErrDimensionMismatch, len(p.Embedding), want)
	}
	for _, v := range p.Embedding {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return p, fmt.Errorf("%w: query embedding is not finite", ErrInvalidArgument)
		}
	}
	return p, nil
}

// Match returns the sections visible to the principal in ctx that best
// match req.
func (s *Service) Match(ctx context.Context, req Request) (matches []model.Match, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "search.Match")
	defer span.End()

	start := time.Now()
	backend := s.cfg.Backend
	defer func() {
		observe(backend, start, len(matches), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if _, err = policy.FromContext(ctx); err != nil {
		return nil, err
	}
	p, err := s.Params(ctx, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("search.backend", backend),
		attribute.Float64("search.threshold", p.Threshold),
		attribute.Int("search.count", p.Count),
		attribute.Int("search.min_content_length", p.MinContentLength),
	)

	if Backend(backend) == BackendIndex {
		matches, err = s.matchIndex(ctx, p)
	} else {
		matches, err = s.store.MatchFileSections(ctx, p)
	}
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("search.results", len(matches)))
	s.logger.Debug(ctx, "sections matched",
		zap.String("backend", backend),
		zap.Int("count", p.Count),
		zap.Int("results", len(matches)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return matches, nil
}

// scope lists the projects an index query may touch. RLS still decides
// what is returned; this only keeps the candidate set relevant.
func (s *Service) scope(ctx context.Context, p model.MatchParams) ([]uuid.UUID, error) {
	principal, err := policy.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case principal.Scoped():
		if p.ProjectID != uuid.Nil && p.ProjectID != principal.ProjectID {
			return nil, nil
		}
		return []uuid.UUID{principal.ProjectID}, nil
	case p.ProjectID != uuid.Nil:
		return []uuid.UUID{p.ProjectID}, nil
	}

	projects, err := s.store.AccessibleProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing accessible projects: %w", err)
	}
	ids := make([]uuid.UUID, len(projects))
	for i, pr := range projects {
		ids[i] = pr.ID
	}
	return ids, nil
}

// matchIndex queries the index for Count*Overfetch candidates, hydrates
// them under the principal's policies and ranks them with the same rules
// as the store. When policy, length or threshold filters leave fewer than
// Count rows, the query is widened until Count rows survive or the index
// has no more candidates, so both backends return the same top-K.
func (s *Service) matchIndex(ctx context.Context, p model.MatchParams) ([]model.Match, error) {
	projects, err := s.scope(ctx, p)
	if err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		return []model.Match{}, nil
	}

	var (
		limit      = p.Count * s.cfg.Overfetch
		candidates []vecmath.Candidate
		seen       = make(map[int64]bool)
	)
	for {
		hits, err := s.index.Query(ctx, sectionindex.Query{
			Embedding:        p.Embedding,
			Limit:            limit,
			ProjectIDs:       projects,
			MinScore:         p.Threshold,
			MinContentLength: p.MinContentLength,
		})
		if err != nil {
			return nil, fmt.Errorf("querying section index: %w", err)
		}

		ids := make([]int64, 0, len(hits))
		for _, h := range hits {
			if !seen[h.SectionID] {
				seen[h.SectionID] = true
				ids = append(ids, h.SectionID)
			}
		}
		if len(ids) > 0 {
			sections, err := s.store.SectionsByIDs(ctx, ids)
			if err != nil {
				return nil, fmt.Errorf("hydrating index hits: %w", err)
			}
			if len(sections) < len(ids) {
				s.logger.Trace(ctx, "index hits dropped during hydration",
					zap.Int("hits", len(ids)),
					zap.Int("visible", len(sections)),
				)
			}
			for _, sec := range sections {
				candidates = append(candidates, vecmath.Candidate{
					ID:         sec.ID,
					ProjectID:  sec.ProjectID,
					Path:       sec.Path,
					Content:    sec.Content,
					TokenCount: sec.TokenCount,
					Embedding:  sec.Embedding,
				})
			}
		}

		matches, err := vecmath.Rank(candidates, p)
		if err != nil {
			return nil, err
		}
		if len(matches) >= p.Count || len(hits) < limit || limit >= maxIndexLimit {
			return matches, nil
		}
		s.logger.Trace(ctx, "widening index query",
			zap.Int("limit", limit),
			zap.Int("results", len(matches)),
		)
		limit = min(limit*2, maxIndexLimit)
	}
}
