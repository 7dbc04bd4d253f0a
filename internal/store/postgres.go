package store

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/fyrsmithlabs/docmatch/internal/logging"
	"github.com/fyrsmithlabs/docmatch/internal/model"
	"github.com/fyrsmithlabs/docmatch/internal/policy"
	"github.com/fyrsmithlabs/docmatch/internal/schema"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PostgresOptions configures OpenPostgres.
type PostgresOptions struct {
	DSN        string
	AppRole    string
	MaxConns   int32
	Dimensions int
	Lists      int
}

// Postgres is the Store backed by postgres with pgvector. Access control
// is enforced by row-level security policies installed by Migrate.
type Postgres struct {
	pool   *pgxpool.Pool
	opts   PostgresOptions
	logger *logging.Logger
}

var _ Store = (*Postgres)(nil)

// migrationLockKey serializes concurrent Migrate calls across processes.
const migrationLockKey = 7_246_003_117

// OpenPostgres connects a pool and pings the server.
func OpenPostgres(ctx context.Context, opts PostgresOptions, logger *logging.Logger) (*Postgres, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := (schema.Params{Dimensions: opts.Dimensions, AppRole: opts.AppRole, Lists: opts.Lists}).Validate(schema.Postgres); err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		// ParseConfig errors can echo the DSN, password included.
		return nil, errors.New("parsing postgres dsn: invalid connection string")
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &Postgres{pool: pool, opts: opts, logger: logger.Named("store.postgres")}, nil
}

func (s *Postgres) Dimensions() int { return s.opts.Dimensions }

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies pending migrations under an advisory lock. It must run
// as a role that owns the tables, not as the application role.
func (s *Postgres) Migrate(ctx context.Context) error {
	migs, err := schema.Migrations(schema.Postgres, schema.Params{
		Dimensions: s.opts.Dimensions,
		AppRole:    s.opts.AppRole,
		Lists:      s.opts.Lists,
	})
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", int64(migrationLockKey)); err != nil {
			return fmt.Errorf("acquiring migration lock: %w", err)
		}
		if _, err := tx.Exec(ctx, schema.TrackingTable); err != nil {
			return fmt.Errorf("creating schema_migrations: %w", err)
		}

		for _, m := range migs {
			var recorded string
			err := tx.QueryRow(ctx,
				"SELECT name FROM schema_migrations WHERE version = $1", m.Version).Scan(&recorded)
			switch {
			case err == nil:
				if err := m.CheckRecorded(recorded); err != nil {
					return err
				}
				continue
			case !errors.Is(err, pgx.ErrNoRows):
				return err
			}
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return fmt.Errorf("migration %d_%s: %w", m.Version, m.Name, err)
			}
			if _, err := tx.Exec(ctx,
				"INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", m.Version, m.Name); err != nil {
				return err
			}
			s.logger.Info(ctx, "migration applied", zap.Int("version", m.Version), zap.String("name", m.Name))
		}
		return nil
	})
}

// as runs fn in a transaction under row-level security for p.
func (s *Postgres) as(ctx context.Context, p policy.Principal, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			"SELECT set_config('app.user_id', $1, true), set_config('app.project_id', $2, true)",
			p.UserParam(), p.ProjectParam()); err != nil {
			return fmt.Errorf("setting principal: %w", err)
		}
		if _, err := tx.Exec(ctx, "SET LOCAL ROLE "+pgx.Identifier{s.opts.AppRole}.Sanitize()); err != nil {
			return fmt.Errorf("switching to %s: %w", s.opts.AppRole, err)
		}
		return fn(tx)
	})
}

func (s *Postgres) withTx(ctx context.Context, fn func(tx pgx.Tx, p policy.Principal) error) error {
	p, err := policy.FromContext(ctx)
	if err != nil {
		return err
	}
	return s.as(ctx, p, func(tx pgx.Tx) error { return fn(tx, p) })
}

func mapPgErr(err error) error {
	var pe *pgconn.PgError
	if !errors.As(err, &pe) {
		return err
	}
	switch pe.Code {
	case "23505":
		return fmt.Errorf("%w: %s", ErrConflict, pe.ConstraintName)
	case "23503":
		return fmt.Errorf("%w: referenced row (%s)", ErrNotFound, pe.ConstraintName)
	case "42501":
		return fmt.Errorf("%w: %s", policy.ErrForbidden, pe.Message)
	}
	return err
}

func isPgUnique(err error, constraint string) bool {
	var pe *pgconn.PgError
	return errors.As(err, &pe) && pe.Code == "23505" && pe.ConstraintName == constraint
}

// insertWithSlugRetry runs exec in a savepoint, calling reslug and retrying
// while the named slug constraint is violated.
func insertWithSlugRetry(ctx context.Context, tx pgx.Tx, constraint string, exec func(pgx.Tx) error, reslug func()) error {
	var err error
	for i := 0; i < slugAttempts; i++ {
		err = pgx.BeginFunc(ctx, tx, exec)
		if !isPgUnique(err, constraint) {
			break
		}
		reslug()
	}
	return mapPgErr(err)
}

func (s *Postgres) CreateUser(ctx context.Context, u *model.User) error {
	if err := prepareUser(u); err != nil {
		return err
	}
	return s.as(ctx, policy.Principal{UserID: u.ID}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO users
			(id, email, full_name, avatar_url, has_completed_onboarding, subscribe_to_product_updates, inserted_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			u.ID, u.Email, u.FullName, u.AvatarURL, u.HasCompletedOnboarding, u.SubscribeToProductUpdates,
			u.InsertedAt, u.UpdatedAt)
		return mapPgErr(err)
	})
}

func (s *Postgres) CreateTeam(ctx context.Context, t *model.Team) error {
	return s.withTx(ctx, func(tx pgx.Tx, p policy.Principal) error {
		if err := prepareTeam(t, p); err != nil {
			return err
		}
		err := insertWithSlugRetry(ctx, tx, "teams_slug_key", func(sp pgx.Tx) error {
			_, err := sp.Exec(ctx,
				"INSERT INTO teams (id, slug, name, is_personal, created_by, inserted_at) VALUES ($1, $2, $3, $4, $5, $6)",
				t.ID, t.Slug, t.Name, t.IsPersonal, t.CreatedBy, t.InsertedAt)
			return err
		}, func() { t.Slug = model.SlugWithSuffix(model.Slugify(t.Name)) })
		if err != nil {
			return err
		}
		return addMembershipPg(ctx, tx, &model.Membership{UserID: p.UserID, TeamID: t.ID, Type: model.Admin})
	})
}

func (s *Postgres) AddMembership(ctx context.Context, m *model.Membership) error {
	return s.withTx(ctx, func(tx pgx.Tx, _ policy.Principal) error {
		return addMembershipPg(ctx, tx, m)
	})
}

func addMembershipPg(ctx context.Context, tx pgx.Tx, m *model.Membership) error {
	if err := prepareMembership(m); err != nil {
		return err
	}
	_, err := tx.Exec(ctx,
		"INSERT INTO memberships (id, user_id, team_id, type, inserted_at) VALUES ($1, $2, $3, $4::membership_type, $5)",
		m.ID, m.UserID, m.TeamID, string(m.Type), m.InsertedAt)
	return mapPgErr(err)
}

func (s *Postgres) CreateProject(ctx context.Context, pr *model.Project) error {
	return s.withTx(ctx, func(tx pgx.Tx, p policy.Principal) error {
		if err := prepareProject(pr, p); err != nil {
			return err
		}
		return insertWithSlugRetry(ctx, tx, "projects_team_id_slug_key", func(sp pgx.Tx) error {
			_, err := sp.Exec(ctx, `INSERT INTO projects
				(id, slug, name, public_api_key, private_dev_api_key, team_id, created_by, is_starter, github_repo, inserted_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10)`,
				pr.ID, pr.Slug, pr.Name, pr.PublicAPIKey, pr.PrivateDevAPIKey, pr.TeamID, pr.CreatedBy,
				pr.IsStarter, pr.GithubRepo, pr.InsertedAt)
			return err
		}, func() { pr.Slug = model.SlugWithSuffix(model.Slugify(pr.Name)) })
	})
}

func (s *Postgres) AddDomain(ctx context.Context, d *model.Domain) error {
	if err := prepareDomain(d); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx pgx.Tx, _ policy.Principal) error {
		err := tx.QueryRow(ctx,
			"INSERT INTO domains (name, project_id, inserted_at) VALUES ($1, $2, $3) RETURNING id",
			d.Name, d.ProjectID, d.InsertedAt).Scan(&d.ID)
		return mapPgErr(err)
	})
}

func (s *Postgres) CreateToken(ctx context.Context, t *model.Token) error {
	return s.withTx(ctx, func(tx pgx.Tx, p policy.Principal) error {
		if err := prepareToken(t, p); err != nil {
			return err
		}
		err := tx.QueryRow(ctx,
			"INSERT INTO tokens (value, project_id, created_by, inserted_at) VALUES ($1, $2, $3, $4) RETURNING id",
			t.Value, t.ProjectID, t.CreatedBy, t.InsertedAt).Scan(&t.ID)
		return mapPgErr(err)
	})
}

func (s *Postgres) resolve(ctx context.Context, query string, args ...any) (policy.Principal, error) {
	var p policy.Principal
	err := s.pool.QueryRow(ctx, query, args...).Scan(&p.ProjectID, &p.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return policy.Principal{}, ErrNotFound
	}
	return p, err
}

func (s *Postgres) ResolveToken(ctx context.Context, value string) (policy.Principal, error) {
	return s.resolve(ctx, "SELECT project_id, user_id FROM resolve_token($1)", value)
}

func (s *Postgres) ResolvePublicKey(ctx context.Context, key, host string) (policy.Principal, error) {
	return s.resolve(ctx, "SELECT project_id, user_id FROM resolve_public_key($1, $2)", key, NormalizeHost(host))
}

func (s *Postgres) AccessibleProjects(ctx context.Context) ([]model.Project, error) {
	var out []model.Project
	err := s.withTx(ctx, func(tx pgx.Tx, _ policy.Principal) error {
		rows, err := tx.Query(ctx, `SELECT id, slug, name, public_api_key, coalesce(private_dev_api_key, ''),
			team_id, coalesce(created_by, '00000000-0000-0000-0000-000000000000'::uuid), is_starter,
			coalesce(github_repo, ''), inserted_at
			FROM projects ORDER BY inserted_at, id`)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Project, error) {
			var pr model.Project
			err := row.Scan(&pr.ID, &pr.Slug, &pr.Name, &pr.PublicAPIKey, &pr.PrivateDevAPIKey,
				&pr.TeamID, &pr.CreatedBy, &pr.IsStarter, &pr.GithubRepo, &pr.InsertedAt)
			return pr, err
		})
		return err
	})
	return out, err
}

func scanPgFile(row pgx.Row) (model.File, error) {
	var f model.File
	var meta []byte
	var checksum *string
	if err := row.Scan(&f.ID, &f.Path, &meta, &checksum, &f.ProjectID, &f.UpdatedAt); err != nil {
		return f, err
	}
	f.Meta = meta
	if checksum != nil {
		f.Checksum = *checksum
	}
	return f, nil
}

func (s *Postgres) GetFile(ctx context.Context, projectID uuid.UUID, path string) (*model.File, error) {
	var f model.File
	err := s.withTx(ctx, func(tx pgx.Tx, _ policy.Principal) error {
		var err error
		f, err = scanPgFile(tx.QueryRow(ctx,
			"SELECT "+fileColumns+" FROM files WHERE project_id = $1 AND path = $2", projectID, path))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Postgres) ListFiles(ctx context.Context, projectID uuid.UUID) ([]model.File, error) {
	var out []model.File
	err := s.withTx(ctx, func(tx pgx.Tx, _ policy.Principal) error {
		rows, err := tx.Query(ctx,
			"SELECT "+fileColumns+" FROM files WHERE project_id = $1 ORDER BY path", projectID)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.File, error) {
			return scanPgFile(row)
		})
		return err
	})
	return out, err
}

func embeddingArg(v []float32) any {
	if v == nil {
		return nil
	}
	return pgvector.NewVector(v)
}

func metaArg(meta []byte) any {
	if len(meta) == 0 {
		return nil
	}
	return string(meta)
}

func (s *Postgres) UpsertFile(ctx context.Context, f *model.File, sections []model.Section) ([]int64, error) {
	if err := prepareFile(f, sections, s.opts.Dimensions); err != nil {
		return nil, err
	}

	var removed []int64
	err := s.withTx(ctx, func(tx pgx.Tx, _ policy.Principal) error {
		err := tx.QueryRow(ctx, `INSERT INTO files (path, meta, checksum, project_id, updated_at)
			VALUES ($1, $2::jsonb, NULLIF($3, ''), $4, $5)
			ON CONFLICT (project_id, path) DO UPDATE
			SET meta = excluded.meta, checksum = excluded.checksum, updated_at = excluded.updated_at
			RETURNING id`,
			f.Path, metaArg(f.Meta), f.Checksum, f.ProjectID, f.UpdatedAt).Scan(&f.ID)
		if err != nil {
			return mapPgErr(err)
		}

		rows, err := tx.Query(ctx, "DELETE FROM file_sections WHERE file_id = $1 RETURNING id", f.ID)
		if err != nil {
			return err
		}
		if removed, err = pgx.CollectRows(rows, pgx.RowTo[int64]); err != nil {
			return err
		}

		if len(sections) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for i := range sections {
			sections[i].FileID = f.ID
			sec := &sections[i]
			batch.Queue(
				"INSERT INTO file_sections (file_id, content, token_count, embedding) VALUES ($1, $2, $3, $4) RETURNING id",
				f.ID, sec.Content, sec.TokenCount, embeddingArg(sec.Embedding),
			).QueryRow(func(row pgx.Row) error {
				return row.Scan(&sec.ID)
			})
		}
		return mapPgErr(tx.SendBatch(ctx, batch).Close())
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *Postgres) DeleteFile(ctx context.Context, projectID uuid.UUID, path string) ([]int64, error) {
	var removed []int64
	err := s.withTx(ctx, func(tx pgx.Tx, _ policy.Principal) error {
		rows, err := tx.Query(ctx, `SELECT fs.id FROM file_sections fs JOIN files f ON f.id = fs.file_id
			WHERE f.project_id = $1 AND f.path = $2 ORDER BY fs.id`, projectID, path)
		if err != nil {
			return err
		}
		if removed, err = pgx.CollectRows(rows, pgx.RowTo[int64]); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, "DELETE FROM files WHERE project_id = $1 AND path = $2", projectID, path)
		if err != nil {
			return mapPgErr(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// scannedLists returns how many ivfflat lists a query scans, sqrt(lists)
// as pgvector recommends.
func (s *Postgres) scannedLists() int {
	return max(1, int(math.Sqrt(float64(s.opts.Lists))))
}

// MatchFileSections calls match_file_sections under the principal's
// policies.
func (s *Postgres) MatchFileSections(ctx context.Context, mp model.MatchParams) ([]model.Match, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "store.postgres.match_file_sections")
	defer span.End()

	var filter any
	if mp.ProjectID != uuid.Nil {
		filter = mp.ProjectID
	}

	var out []model.Match
	err := s.withTx(ctx, func(tx pgx.Tx, _ policy.Principal) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL ivfflat.probes = %d", s.scannedLists())); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id, path, content, coalesce(token_count, 0), similarity
			FROM match_file_sections($1, $2, $3, $4, $5)`,
			pgvector.NewVector(mp.Embedding), mp.Threshold, mp.Count, mp.MinContentLength, filter)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Match, error) {
			var m model.Match
			err := row.Scan(&m.SectionID, &m.Path, &m.Content, &m.TokenCount, &m.Similarity)
			return m, err
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("match.results", len(out)))
	return out, nil
}

func (s *Postgres) SectionsByIDs(ctx context.Context, ids []int64) ([]model.IndexedSection, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []model.IndexedSection
	err := s.withTx(ctx, func(tx pgx.Tx, _ policy.Principal) error {
		rows, err := tx.Query(ctx, `SELECT fs.id, fs.file_id, fs.content, coalesce(fs.token_count, 0), fs.embedding, f.path, f.project_id
			FROM file_sections fs JOIN files f ON f.id = fs.file_id
			WHERE fs.id = ANY($1)`, ids)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.IndexedSection, error) {
			var sec model.IndexedSection
			var emb *pgvector.Vector
			err := row.Scan(&sec.ID, &sec.FileID, &sec.Content, &sec.TokenCount, &emb, &sec.Path, &sec.ProjectID)
			if emb != nil {
				sec.Embedding = emb.Slice()
			}
			return sec, err
		})
		return err
	})
	return out, err
}
