// Package sectionindex mirrors embedded sections into an approximate
// nearest-neighbour index. The index is a candidate generator only: it
// knows nothing about access policies, so every hit is hydrated from the
// store under the caller's principal before it is returned to anyone.
package sectionindex

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/fyrsmithlabs/docmatch/internal/config"
	"github.com/fyrsmithlabs/docmatch/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid index configuration")

	// ErrInvalidCollectionName indicates a collection name outside ^[a-z0-9_]{1,64}$.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrNoProjects is returned for a query without project scope.
	ErrNoProjects = errors.New("index query needs at least one project")
)

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName validates a collection name.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// Query asks for the nearest sections to Embedding within ProjectIDs.
type Query struct {
	Embedding  []float32
	Limit      int
	ProjectIDs []uuid.UUID

	// MinScore drops hits at or below it on backends that score with the
	// raw dot product.
	MinScore float64

	// MinContentLength drops sections with fewer characters on backends
	// that can filter on a numeric payload. Others return them and leave
	// the filtering to the caller.
	MinContentLength int
}

// Hit is a candidate section and its backend score.
type Hit struct {
	SectionID int64
	Score     float64
}

// Index is an approximate nearest-neighbour index over sections.
type Index interface {
	// Upsert stores sections that have an embedding; others are skipped.
	Upsert(ctx context.Context, sections []model.IndexedSection) error
	Delete(ctx context.Context, ids []int64) error
	Query(ctx context.Context, q Query) ([]Hit, error)
	Close() error
}

// New builds the index named by cfg.Provider. It returns a nil Index and
// no error when no provider is configured.
func New(ctx context.Context, cfg config.IndexConfig, dims int, logger *zap.Logger) (Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Provider {
	case "":
		return nil, nil
	case "chromem":
		idx, err := NewChromem(ChromemConfig{
			Path:       cfg.ChromemPath,
			Compress:   cfg.Compress,
			Collection: cfg.Collection,
			VectorSize: dims,
		}, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "qdrant":
		idx, err := NewQdrant(ctx, QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			APIKey:     cfg.QdrantKey.Value(),
			UseTLS:     cfg.QdrantTLS,
			Collection: cfg.Collection,
			VectorSize: uint64(dims),
		}, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

func validateQuery(q Query) error {
	if len(q.Embedding) == 0 {
		return fmt.Errorf("%w: empty query embedding", ErrInvalidConfig)
	}
	if q.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", q.Limit)
	}
	if len(q.ProjectIDs) == 0 {
		return ErrNoProjects
	}
	return nil
}
