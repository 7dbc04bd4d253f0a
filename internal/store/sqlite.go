package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/docmatch/internal/logging"
	"github.com/fyrsmithlabs/docmatch/internal/model"
	"github.com/fyrsmithlabs/docmatch/internal/policy"
	"github.com/fyrsmithlabs/docmatch/internal/schema"
	"github.com/fyrsmithlabs/docmatch/internal/vecmath"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const tracerName = "github.com/fyrsmithlabs/docmatch/internal/store"

// SQLite is the embedded Store.
type SQLite struct {
	db     *sql.DB
	dims   int
	logger *logging.Logger
}

var _ Store = (*SQLite)(nil)

func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// OpenSQLite opens the database at dsn (a path or ":memory:"). Writes are
// serialized through a single connection.
func OpenSQLite(ctx context.Context, dsn string, dims int, logger *logging.Logger) (*SQLite, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	return &SQLite{db: db, dims: dims, logger: logger.Named("store.sqlite")}, nil
}

func (s *SQLite) Dimensions() int { return s.dims }

func (s *SQLite) Close() error { return s.db.Close() }

// Migrate applies pending migrations, each in its own transaction.
func (s *SQLite) Migrate(ctx context.Context) error {
	migs, err := schema.Migrations(schema.SQLite, schema.Params{Dimensions: s.dims})
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, schema.TrackingTable); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	for _, m := range migs {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		var recorded string
		err = tx.QueryRowContext(ctx,
			"SELECT name FROM schema_migrations WHERE version = ?", m.Version).Scan(&recorded)
		applied := err == nil
		switch {
		case applied:
			err = m.CheckRecorded(recorded)
		case errors.Is(err, sql.ErrNoRows):
			err = nil
		}
		if err == nil && !applied {
			if _, err = tx.ExecContext(ctx, m.SQL); err == nil {
				_, err = tx.ExecContext(ctx,
					"INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.Version, m.Name)
			}
		}
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d_%s: %w", m.Version, m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		if !applied {
			s.logger.Info(ctx, "migration applied", zap.Int("version", m.Version), zap.String("name", m.Name))
		}
	}
	return nil
}

// withTx runs fn in a transaction as the principal in ctx.
func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx, p policy.Principal) error) error {
	p, err := policy.FromContext(ctx)
	if err != nil {
		return err
	}
	return s.tx(ctx, p, fn)
}

func (s *SQLite) tx(ctx context.Context, p policy.Principal, fn func(tx *sql.Tx, p policy.Principal) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx, p); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func principalArgs(p policy.Principal, args ...any) []any {
	return append(args, sql.Named("uid", p.UserParam()), sql.Named("pid", p.ProjectParam()))
}

// visible returns the rendered read predicate for table, or a predicate
// that denies everything.
func visible(table string, cmd policy.Command, alias string) string {
	pred, ok := policy.Using(table, cmd, policy.SQLite, alias)
	if !ok {
		return "0"
	}
	return pred
}

// allow evaluates the write check of table for a candidate row, the way
// postgres evaluates WITH CHECK against the new row.
func allow(ctx context.Context, tx *sql.Tx, p policy.Principal, table string, cmd policy.Command, row map[string]any) error {
	pred, ok := policy.Check(table, cmd, policy.SQLite, "candidate")
	if !ok {
		return policy.ErrForbidden
	}

	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	sel := make([]string, len(cols))
	args := make([]any, 0, len(cols)+2)
	for i, c := range cols {
		sel[i] = fmt.Sprintf("@new_%s AS %s", c, c)
		args = append(args, sql.Named("new_"+c, row[c]))
	}
	q := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM (SELECT %s) AS candidate WHERE %s)", strings.Join(sel, ", "), pred)

	var permitted bool
	if err := tx.QueryRowContext(ctx, q, principalArgs(p, args...)...).Scan(&permitted); err != nil {
		return fmt.Errorf("evaluating %s policy on %s: %w", cmd, table, err)
	}
	if !permitted {
		return fmt.Errorf("%w: %s on %s", policy.ErrForbidden, strings.ToLower(string(cmd)), table)
	}
	return nil
}

func sqliteCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()
	}
	return 0
}

func mapSQLiteErr(err error) error {
	switch sqliteCode(err) {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return fmt.Errorf("%w: referenced row: %v", ErrNotFound, err)
	}
	return err
}

func isUniqueOn(err error, column string) bool {
	return sqliteCode(err) == sqlite3.SQLITE_CONSTRAINT_UNIQUE && strings.Contains(err.Error(), column)
}

func (s *SQLite) CreateUser(ctx context.Context, u *model.User) error {
	if err := prepareUser(u); err != nil {
		return err
	}
	p := policy.Principal{UserID: u.ID}
	return s.tx(ctx, p, func(tx *sql.Tx, p policy.Principal) error {
		if err := allow(ctx, tx, p, "users", policy.Insert, map[string]any{"id": u.ID}); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO users
			(id, email, full_name, avatar_url, has_completed_onboarding, subscribe_to_product_updates, inserted_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			u.ID, u.Email, u.FullName, u.AvatarURL, u.HasCompletedOnboarding, u.SubscribeToProductUpdates,
			u.InsertedAt, u.UpdatedAt)
		return mapSQLiteErr(err)
	})
}

const slugAttempts = 4

func (s *SQLite) CreateTeam(ctx context.Context, t *model.Team) error {
	return s.withTx(ctx, func(tx *sql.Tx, p policy.Principal) error {
		if err := prepareTeam(t, p); err != nil {
			return err
		}
		if err := allow(ctx, tx, p, "teams", policy.Insert, map[string]any{"id": t.ID, "created_by": t.CreatedBy}); err != nil {
			return err
		}

		var err error
		for i := 0; i < slugAttempts; i++ {
			_, err = tx.ExecContext(ctx,
				"INSERT INTO teams (id, slug, name, is_personal, created_by, inserted_at) VALUES (?, ?, ?, ?, ?, ?)",
				t.ID, t.Slug, t.Name, t.IsPersonal, t.CreatedBy, t.InsertedAt)
			if !isUniqueOn(err, "teams.slug") {
				break
			}
			t.Slug = model.SlugWithSuffix(model.Slugify(t.Name))
		}
		if err != nil {
			return mapSQLiteErr(err)
		}

		m := &model.Membership{UserID: p.UserID, TeamID: t.ID, Type: model.Admin}
		return s.addMembership(ctx, tx, p, m)
	})
}

func (s *SQLite) AddMembership(ctx context.Context, m *model.Membership) error {
	return s.withTx(ctx, func(tx *sql.Tx, p policy.Principal) error {
		return s.addMembership(ctx, tx, p, m)
	})
}

func (s *SQLite) addMembership(ctx context.Context, tx *sql.Tx, p policy.Principal, m *model.Membership) error {
	if err := prepareMembership(m); err != nil {
		return err
	}
	if err := allow(ctx, tx, p, "memberships", policy.Insert, map[string]any{"user_id": m.UserID, "team_id": m.TeamID}); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		"INSERT INTO memberships (id, user_id, team_id, type, inserted_at) VALUES (?, ?, ?, ?, ?)",
		m.ID, m.UserID, m.TeamID, string(m.Type), m.InsertedAt)
	return mapSQLiteErr(err)
}

func (s *SQLite) CreateProject(ctx context.Context, pr *model.Project) error {
	return s.withTx(ctx, func(tx *sql.Tx, p policy.Principal) error {
		if err := prepareProject(pr, p); err != nil {
			return err
		}
		if err := allow(ctx, tx, p, "projects", policy.Insert, map[string]any{"id": pr.ID, "team_id": pr.TeamID}); err != nil {
			return err
		}

		var err error
		for i := 0; i < slugAttempts; i++ {
			_, err = tx.ExecContext(ctx, `INSERT INTO projects
				(id, slug, name, public_api_key, private_dev_api_key, team_id, created_by, is_starter, github_repo, inserted_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				pr.ID, pr.Slug, pr.Name, pr.PublicAPIKey, pr.PrivateDevAPIKey, pr.TeamID, pr.CreatedBy,
				pr.IsStarter, nullString(pr.GithubRepo), pr.InsertedAt)
			if !isUniqueOn(err, "projects.team_id, projects.slug") {
				break
			}
			pr.Slug = model.SlugWithSuffix(model.Slugify(pr.Name))
		}
		return mapSQLiteErr(err)
	})
}

func (s *SQLite) AddDomain(ctx context.Context, d *model.Domain) error {
	if err := prepareDomain(d); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx, p policy.Principal) error {
		if err := allow(ctx, tx, p, "domains", policy.Insert, map[string]any{"project_id": d.ProjectID}); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			"INSERT INTO domains (name, project_id, inserted_at) VALUES (?, ?, ?)", d.Name, d.ProjectID, d.InsertedAt)
		if err != nil {
			return mapSQLiteErr(err)
		}
		d.ID, err = res.LastInsertId()
		return err
	})
}

func (s *SQLite) CreateToken(ctx context.Context, t *model.Token) error {
	return s.withTx(ctx, func(tx *sql.Tx, p policy.Principal) error {
		if err := prepareToken(t, p); err != nil {
			return err
		}
		if err := allow(ctx, tx, p, "tokens", policy.Insert, map[string]any{"project_id": t.ProjectID}); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			"INSERT INTO tokens (value, project_id, created_by, inserted_at) VALUES (?, ?, ?, ?)",
			t.Value, t.ProjectID, t.CreatedBy, t.InsertedAt)
		if err != nil {
			return mapSQLiteErr(err)
		}
		t.ID, err = res.LastInsertId()
		return err
	})
}

// ResolveToken reads tokens without a principal; it is the step that
// establishes one.
func (s *SQLite) ResolveToken(ctx context.Context, value string) (policy.Principal, error) {
	var p policy.Principal
	err := s.db.QueryRowContext(ctx,
		"SELECT created_by, project_id FROM tokens WHERE value = ?", value).Scan(&p.UserID, &p.ProjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Principal{}, ErrNotFound
	}
	return p, err
}

func (s *SQLite) ResolvePublicKey(ctx context.Context, key, host string) (policy.Principal, error) {
	var p policy.Principal
	err := s.db.QueryRowContext(ctx, `SELECT p.created_by, p.id FROM projects p
		WHERE p.public_api_key = ? AND p.created_by IS NOT NULL
		  AND EXISTS (SELECT 1 FROM domains d WHERE d.project_id = p.id AND d.name = ?)`,
		key, NormalizeHost(host)).Scan(&p.UserID, &p.ProjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Principal{}, ErrNotFound
	}
	return p, err
}

func (s *SQLite) AccessibleProjects(ctx context.Context) ([]model.Project, error) {
	var out []model.Project
	err := s.withTx(ctx, func(tx *sql.Tx, p policy.Principal) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, slug, name, public_api_key, coalesce(private_dev_api_key, ''),
			team_id, created_by, is_starter, coalesce(github_repo, ''), inserted_at
			FROM projects WHERE `+visible("projects", policy.Select, "projects")+` ORDER BY inserted_at, id`,
			principalArgs(p)...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var pr model.Project
			var createdBy sql.Null[uuid.UUID]
			if err := rows.Scan(&pr.ID, &pr.Slug, &pr.Name, &pr.PublicAPIKey, &pr.PrivateDevAPIKey,
				&pr.TeamID, &createdBy, &pr.IsStarter, &pr.GithubRepo, &pr.InsertedAt); err != nil {
				return err
			}
			pr.CreatedBy = createdBy.V
			out = append(out, pr)
		}
		return rows.Err()
	})
	return out, err
}

func scanFile(row interface{ Scan(...any) error }) (model.File, error) {
	var f model.File
	var meta, checksum sql.NullString
	if err := row.Scan(&f.ID, &f.Path, &meta, &checksum, &f.ProjectID, &f.UpdatedAt); err != nil {
		return f, err
	}
	if meta.Valid {
		f.Meta = []byte(meta.String)
	}
	f.Checksum = checksum.String
	return f, nil
}

const fileColumns = "id, path, meta, checksum, project_id, updated_at"

func (s *SQLite) GetFile(ctx context.Context, projectID uuid.UUID, path string) (*model.File, error) {
	var f model.File
	err := s.withTx(ctx, func(tx *sql.Tx, p policy.Principal) error {
		var err error
		f, err = scanFile(tx.QueryRowContext(ctx, "SELECT "+fileColumns+
			" FROM files WHERE project_id = @project AND path = @path AND "+visible("files", policy.Select, "files"),
			principalArgs(p, sql.Named("project", projectID), sql.Named("path", path))...))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *SQLite) ListFiles(ctx context.Context, projectID uuid.UUID) ([]model.File, error) {
	var out []model.File
	err := s.withTx(ctx, func(tx *sql.Tx, p policy.Principal) error {
		rows, err := tx.QueryContext(ctx, "SELECT "+fileColumns+
			" FROM files WHERE project_id = @project AND "+visible("files", policy.Select, "files")+" ORDER BY path",
			principalArgs(p, sql.Named("project", projectID))...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			f, err := scanFile(rows)
			if err != nil {
				return err
			}
			out = append(out, f)
		}
		return rows.Err()
	})
	return out, err
}

func sectionIDs(ctx context.Context, tx *sql.Tx, fileID int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, "SELECT id FROM file_sections WHERE file_id = ? ORDER BY id", fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) UpsertFile(ctx context.Context, f *model.File, sections []model.Section) ([]int64, error) {
	if err := prepareFile(f, sections, s.dims); err != nil {
		return nil, err
	}

	var removed []int64
	err := s.withTx(ctx, func(tx *sql.Tx, p policy.Principal) error {
		err := tx.QueryRowContext(ctx, "SELECT id FROM files WHERE project_id = @project AND path = @path AND "+
			visible("files", policy.Select, "files"),
			principalArgs(p, sql.Named("project", f.ProjectID), sql.Named("path", f.Path))...).Scan(&f.ID)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			if err := allow(ctx, tx, p, "files", policy.Insert, map[string]any{"project_id": f.ProjectID}); err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx,
				"INSERT INTO files (path, meta, checksum, project_id, updated_at) VALUES (?, ?, ?, ?, ?)",
				f.Path, nullString(string(f.Meta)), nullString(f.Checksum), f.ProjectID, f.UpdatedAt)
			if err != nil {
				return mapSQLiteErr(err)
			}
			if f.ID, err = res.LastInsertId(); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if removed, err = sectionIDs(ctx, tx, f.ID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM file_sections WHERE file_id = ?", f.ID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "UPDATE files SET meta = ?, checksum = ?, updated_at = ? WHERE id = ?",
				nullString(string(f.Meta)), nullString(f.Checksum), f.UpdatedAt, f.ID); err != nil {
				return err
			}
		}

		if len(sections) == 0 {
			return nil
		}
		if err := allow(ctx, tx, p, "file_sections", policy.Insert, map[string]any{"file_id": f.ID}); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO file_sections (file_id, content, token_count, embedding) VALUES (?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i := range sections {
			sections[i].FileID = f.ID
			res, err := stmt.ExecContext(ctx, f.ID, sections[i].Content, sections[i].TokenCount, vecmath.Encode(sections[i].Embedding))
			if err != nil {
				return mapSQLiteErr(err)
			}
			if sections[i].ID, err = res.LastInsertId(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *SQLite) DeleteFile(ctx context.Context, projectID uuid.UUID, path string) ([]int64, error) {
	var removed []int64
	err := s.withTx(ctx, func(tx *sql.Tx, p policy.Principal) error {
		var id int64
		err := tx.QueryRowContext(ctx, "SELECT id FROM files WHERE project_id = @project AND path = @path AND "+
			visible("files", policy.Delete, "files"),
			principalArgs(p, sql.Named("project", projectID), sql.Named("path", path))...).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if removed, err = sectionIDs(ctx, tx, id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM files WHERE id = ?", id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// MatchFileSections scans the visible embedded sections and ranks them in
// Go with the same rules as the postgres function.
func (s *SQLite) MatchFileSections(ctx context.Context, mp model.MatchParams) ([]model.Match, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "store.sqlite.match_file_sections")
	defer span.End()

	var candidates []vecmath.Candidate
	err := s.withTx(ctx, func(tx *sql.Tx, p policy.Principal) error {
		project := ""
		if mp.ProjectID != uuid.Nil {
			project = mp.ProjectID.String()
		}
		rows, err := tx.QueryContext(ctx, `SELECT fs.id, f.project_id, f.path, fs.content, coalesce(fs.token_count, 0), fs.embedding
			FROM file_sections fs JOIN files f ON f.id = fs.file_id
			WHERE fs.embedding IS NOT NULL
			  AND length(fs.content) >= @min_len
			  AND (@project = '' OR f.project_id = @project)
			  AND `+visible("file_sections", policy.Select, "fs"),
			principalArgs(p, sql.Named("min_len", mp.MinContentLength), sql.Named("project", project))...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c vecmath.Candidate
			var blob []byte
			if err := rows.Scan(&c.ID, &c.ProjectID, &c.Path, &c.Content, &c.TokenCount, &blob); err != nil {
				return err
			}
			if c.Embedding, err = vecmath.Decode(blob); err != nil {
				return fmt.Errorf("section %d: %w", c.ID, err)
			}
			candidates = append(candidates, c)
		}
		return rows.Err()
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("match.candidates", len(candidates)))
	s.logger.Trace(ctx, "ranking sections", zap.Int("candidates", len(candidates)))
	return vecmath.Rank(candidates, mp)
}

func (s *SQLite) SectionsByIDs(ctx context.Context, ids []int64) ([]model.IndexedSection, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []model.IndexedSection
	err := s.withTx(ctx, func(tx *sql.Tx, p policy.Principal) error {
		marks := make([]string, len(ids))
		args := make([]any, len(ids))
		for i, id := range ids {
			marks[i] = fmt.Sprintf("@id%d", i)
			args[i] = sql.Named(fmt.Sprintf("id%d", i), id)
		}
		rows, err := tx.QueryContext(ctx, `SELECT fs.id, fs.file_id, fs.content, coalesce(fs.token_count, 0), fs.embedding, f.path, f.project_id
			FROM file_sections fs JOIN files f ON f.id = fs.file_id
			WHERE fs.id IN (`+strings.Join(marks, ", ")+`) AND `+visible("file_sections", policy.Select, "fs"),
			principalArgs(p, args...)...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var sec model.IndexedSection
			var blob []byte
			if err := rows.Scan(&sec.ID, &sec.FileID, &sec.Content, &sec.TokenCount, &blob, &sec.Path, &sec.ProjectID); err != nil {
				return err
			}
			if sec.Embedding, err = vecmath.Decode(blob); err != nil {
				return fmt.Errorf("section %d: %w", sec.ID, err)
			}
			out = append(out, sec)
		}
		return rows.Err()
	})
	return out, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
