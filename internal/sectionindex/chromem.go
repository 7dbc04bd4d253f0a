package sectionindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/docmatch/internal/model"
	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("github.com/fyrsmithlabs/docmatch/internal/sectionindex/chromem")

const projectKey = "project_id"

// ChromemConfig configures the embedded index.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps the index in memory.
	Path       string
	Compress   bool
	Collection string
	VectorSize int
}

// Validate validates the configuration.
func (c ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return ValidateCollectionName(c.Collection)
}

// Chromem is an Index on chromem-go.
type Chromem struct {
	db         *chromem.DB
	collection *chromem.Collection
	config     ChromemConfig
	logger     *zap.Logger
}

var _ Index = (*Chromem)(nil)

// errNoEmbeddingFunc is returned if chromem is ever asked to embed text
// itself; sections always arrive with their vectors.
var errNoEmbeddingFunc = errors.New("chromem index only accepts precomputed embeddings")

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbeddingFunc
}

// NewChromem opens (or creates) the index.
func NewChromem(cfg ChromemConfig, logger *zap.Logger) (*Chromem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		if db, err = chromem.NewPersistentDB(path, cfg.Compress); err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
		cfg.Path = path
	}

	col, err := db.GetOrCreateCollection(cfg.Collection, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}

	logger.Info("chromem section index initialized",
		zap.String("path", cfg.Path),
		zap.Bool("compress", cfg.Compress),
		zap.String("collection", cfg.Collection),
		zap.Int("documents", col.Count()),
	)
	return &Chromem{db: db, collection: col, config: cfg, logger: logger}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func docID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (c *Chromem) Upsert(ctx context.Context, sections []model.IndexedSection) (err error) {
	ctx, span := chromemTracer.Start(ctx, "Chromem.Upsert")
	defer span.End()
	defer func(start time.Time) { observe("chromem", "upsert", start, err) }(time.Now())

	docs := make([]chromem.Document, 0, len(sections))
	for _, s := range sections {
		if s.Embedding == nil {
			continue
		}
		if len(s.Embedding) != c.config.VectorSize {
			return fmt.Errorf("section %d: %d dimensions, index holds %d", s.ID, len(s.Embedding), c.config.VectorSize)
		}
		emb := make([]float32, len(s.Embedding))
		copy(emb, s.Embedding)
		docs = append(docs, chromem.Document{
			ID:        docID(s.ID),
			Metadata:  map[string]string{projectKey: s.ProjectID.String()},
			Embedding: emb,
		})
	}
	span.SetAttributes(attribute.Int("documents", len(docs)))
	if len(docs) == 0 {
		return nil
	}

	// Re-adding an id overwrites the stored document.
	if err = c.collection.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents: %w", err)
	}
	return nil
}

func (c *Chromem) Delete(ctx context.Context, ids []int64) (err error) {
	defer func(start time.Time) { observe("chromem", "delete", start, err) }(time.Now())
	if len(ids) == 0 {
		return nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = docID(id)
	}
	if err = c.collection.Delete(ctx, nil, nil, strs...); err != nil {
		return fmt.Errorf("deleting documents: %w", err)
	}
	return nil
}

// Query runs one filtered query per project and merges the hits. chromem
// normalizes stored vectors, so scores are cosine similarities and
// q.MinScore is not applied here.
func (c *Chromem) Query(ctx context.Context, q Query) (hits []Hit, err error) {
	ctx, span := chromemTracer.Start(ctx, "Chromem.Query")
	defer span.End()
	defer func(start time.Time) { observe("chromem", "query", start, err) }(time.Now())

	if err = validateQuery(q); err != nil {
		return nil, err
	}

	// chromem requires nResults <= document count
	k := min(q.Limit, c.collection.Count())
	span.SetAttributes(attribute.Int("k", k), attribute.Int("projects", len(q.ProjectIDs)))
	if k == 0 {
		return nil, nil
	}

	for _, pid := range q.ProjectIDs {
		results, err := c.collection.QueryEmbedding(ctx, q.Embedding, k, map[string]string{projectKey: pid.String()}, nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("querying collection %s: %w", c.config.Collection, err)
		}
		for _, r := range results {
			id, err := strconv.ParseInt(r.ID, 10, 64)
			if err != nil {
				c.logger.Warn("skipping foreign document in section index", zap.String("id", r.ID))
				continue
			}
			hits = append(hits, Hit{SectionID: id, Score: float64(r.Similarity)})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].SectionID < hits[j].SectionID
	})
	if len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// Count returns the number of indexed sections.
func (c *Chromem) Count() int {
	return c.collection.Count()
}

// Close is a no-op: persistent chromem writes through on every change.
func (c *Chromem) Close() error {
	return nil
}
