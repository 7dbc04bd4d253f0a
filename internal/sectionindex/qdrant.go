package sectionindex

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fyrsmithlabs/docmatch/internal/model"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("github.com/fyrsmithlabs/docmatch/internal/sectionindex/qdrant")

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	Host string

	// Port is the gRPC port (6334), not the HTTP REST port.
	Port int

	APIKey string
	UseTLS bool

	Collection string

	// VectorSize must match the store's embedding dimension.
	VectorSize uint64

	// MaxRetries is the maximum number of retry attempts for transient failures.
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled on each retry.
	RetryBackoff time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int

	// CircuitBreakerThreshold is the number of failures before the circuit opens.
	CircuitBreakerThreshold int

	// CircuitBreakerCooldown is how long an open circuit rejects calls.
	CircuitBreakerCooldown time.Duration
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return ValidateCollectionName(c.Collection)
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.CircuitBreakerCooldown == 0 {
		c.CircuitBreakerCooldown = 30 * time.Second
	}
}

// IsTransientError reports whether err is worth retrying: unavailability,
// timeouts and exhausted resources. Invalid arguments and permission
// errors are permanent.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// Qdrant is an Index on Qdrant's native gRPC client. Points are keyed by
// section id and carry the owning project in a keyword payload field.
type Qdrant struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	breaker struct {
		mu       sync.Mutex
		failures int
		lastFail time.Time
	}
}

var _ Index = (*Qdrant)(nil)

// NewQdrant connects, health-checks and ensures the collection and its
// project_id payload index exist.
func NewQdrant(ctx context.Context, cfg QdrantConfig, logger *zap.Logger) (*Qdrant, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}

	q := &Qdrant{client: client, config: cfg, logger: logger}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	if err := q.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant section index initialized",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", cfg.Collection),
	)
	return q, nil
}

func (q *Qdrant) ensureCollection(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.EnsureCollection")
	defer span.End()

	var exists bool
	err := q.retryOperation(ctx, "collection_exists", func() error {
		var err error
		exists, err = q.client.CollectionExists(ctx, q.config.Collection)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("checking collection %s: %w", q.config.Collection, err)
	}
	if exists {
		return nil
	}

	err = q.retryOperation(ctx, "create_collection", func() error {
		return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.config.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.config.VectorSize,
				Distance: qdrant.Distance_Dot,
			}),
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("creating collection %s: %w", q.config.Collection, err)
	}

	payloadIndexes := map[string]qdrant.FieldType{
		projectKey:       qdrant.FieldType_FieldTypeKeyword,
		contentLengthKey: qdrant.FieldType_FieldTypeInteger,
	}
	for field, typ := range payloadIndexes {
		err = q.retryOperation(ctx, "create_field_index", func() error {
			_, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: q.config.Collection,
				FieldName:      field,
				FieldType:      typ.Enum(),
				Wait:           qdrant.PtrOf(true),
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("indexing %s payload: %w", field, err)
		}
	}
	return nil
}

func (q *Qdrant) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := q.config.RetryBackoff

	for attempt := 0; attempt <= q.config.MaxRetries; attempt++ {
		if q.isCircuitOpen() {
			return fmt.Errorf("%s: circuit breaker open", operationName)
		}

		err := operation()
		if err == nil {
			q.resetCircuitBreaker()
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", operationName, err)
		}
		q.recordFailure()

		if attempt == q.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", operationName, q.config.MaxRetries, err)
		}
		q.logger.Debug("retrying qdrant operation",
			zap.String("operation", operationName),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func (q *Qdrant) recordFailure() {
	q.breaker.mu.Lock()
	defer q.breaker.mu.Unlock()
	q.breaker.failures++
	q.breaker.lastFail = time.Now()
}

func (q *Qdrant) resetCircuitBreaker() {
	q.breaker.mu.Lock()
	defer q.breaker.mu.Unlock()
	q.breaker.failures = 0
}

func (q *Qdrant) isCircuitOpen() bool {
	q.breaker.mu.Lock()
	defer q.breaker.mu.Unlock()
	if q.breaker.failures < q.config.CircuitBreakerThreshold {
		return false
	}
	if time.Since(q.breaker.lastFail) > q.config.CircuitBreakerCooldown {
		q.breaker.failures = 0
		return false
	}
	return true
}

func pointID(id int64) *qdrant.PointId {
	return qdrant.NewIDNum(uint64(id))
}

func (q *Qdrant) Upsert(ctx context.Context, sections []model.IndexedSection) (err error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.Upsert")
	defer span.End()
	defer func(start time.Time) { observe("qdrant", "upsert", start, err) }(time.Now())

	points := make([]*qdrant.PointStruct, 0, len(sections))
	for _, s := range sections {
		if s.Embedding == nil {
			continue
		}
		if uint64(len(s.Embedding)) != q.config.VectorSize {
			return fmt.Errorf("section %d: %d dimensions, index holds %d", s.ID, len(s.Embedding), q.config.VectorSize)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      pointID(s.ID),
			Vectors: qdrant.NewVectors(s.Embedding...),
			Payload: qdrant.NewValueMap(map[string]any{
				projectKey:       s.ProjectID.String(),
				"file_id":        s.FileID,
				contentLengthKey: utf8.RuneCountInString(s.Content),
			}),
		})
	}
	span.SetAttributes(
		attribute.Int("points", len(points)),
		attribute.String("collection", q.config.Collection),
	)
	if len(points) == 0 {
		return nil
	}

	err = q.retryOperation(ctx, "upsert", func() error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.config.Collection,
			Points:         points,
			Wait:           qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting points to collection %s: %w", q.config.Collection, err)
	}
	return nil
}

func (q *Qdrant) Delete(ctx context.Context, ids []int64) (err error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.Delete")
	defer span.End()
	defer func(start time.Time) { observe("qdrant", "delete", start, err) }(time.Now())

	span.SetAttributes(attribute.Int("id_count", len(ids)))
	if len(ids) == 0 {
		return nil
	}
	pids := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pids[i] = pointID(id)
	}

	err = q.retryOperation(ctx, "delete", func() error {
		_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: q.config.Collection,
			Points:         qdrant.NewPointsSelector(pids...),
			Wait:           qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting points from collection %s: %w", q.config.Collection, err)
	}
	return nil
}

// contentLengthKey holds a section's length in characters. Points written
// before it existed never pass a length filter; re-ingest with --force.
const contentLengthKey = "content_length"

// queryFilter restricts a query to points whose project_id is one of
// q.ProjectIDs and, when q.MinContentLength is set, whose content is at
// least that long.
func queryFilter(q Query) *qdrant.Filter {
	keys := make([]string, len(q.ProjectIDs))
	for i, id := range q.ProjectIDs {
		keys[i] = id.String()
	}
	must := []*qdrant.Condition{qdrant.NewMatchKeywords(projectKey, keys...)}
	if q.MinContentLength > 0 {
		must = append(must, qdrant.NewRange(contentLengthKey, &qdrant.Range{
			Gte: qdrant.PtrOf(float64(q.MinContentLength)),
		}))
	}
	return &qdrant.Filter{Must: must}
}

func (q *Qdrant) Query(ctx context.Context, query Query) (hits []Hit, err error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.Query")
	defer span.End()
	defer func(start time.Time) { observe("qdrant", "query", start, err) }(time.Now())

	if err = validateQuery(query); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("limit", query.Limit),
		attribute.Int("projects", len(query.ProjectIDs)),
	)

	var results []*qdrant.ScoredPoint
	err = q.retryOperation(ctx, "query", func() error {
		res, err := q.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: q.config.Collection,
			Query:          qdrant.NewQuery(query.Embedding...),
			Limit:          qdrant.PtrOf(uint64(query.Limit)),
			Filter:         queryFilter(query),
			ScoreThreshold: qdrant.PtrOf(float32(query.MinScore)),
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", q.config.Collection, err)
	}

	hits = make([]Hit, 0, len(results))
	for _, p := range results {
		hits = append(hits, Hit{SectionID: int64(p.GetId().GetNum()), Score: float64(p.GetScore())})
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

func (q *Qdrant) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}
