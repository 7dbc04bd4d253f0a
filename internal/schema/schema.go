// Package schema renders the versioned docmatch migrations for each
// supported database.
package schema

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/fyrsmithlabs/docmatch/internal/policy"
)

//go:embed migrations
var migrationsFS embed.FS

var (
	// ErrInvalidParams is returned when migration parameters are unusable.
	ErrInvalidParams = errors.New("invalid schema parameters")

	// ErrVersionConflict is returned when two migration files share a
	// version, or a database recorded a version under another name.
	ErrVersionConflict = errors.New("migration version conflict")
)

// Dialect names a supported database.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// MaxDimensions is the largest vector pgvector can index.
const MaxDimensions = 2000

// Params are substituted into the migration templates.
type Params struct {
	// Dimensions is the embedding size D, fixed per database.
	Dimensions int

	// AppRole is the postgres role queries run as under row-level security.
	AppRole string

	// Lists is the ivfflat list count.
	Lists int
}

var identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Validate checks p. AppRole and Lists are ignored for sqlite.
func (p Params) Validate(d Dialect) error {
	if p.Dimensions <= 0 || p.Dimensions > MaxDimensions {
		return fmt.Errorf("%w: dimensions must be in [1, %d], got %d", ErrInvalidParams, MaxDimensions, p.Dimensions)
	}
	if d == Postgres {
		if !identifier.MatchString(p.AppRole) {
			return fmt.Errorf("%w: app role %q is not a plain identifier", ErrInvalidParams, p.AppRole)
		}
		if p.Lists <= 0 {
			return fmt.Errorf("%w: ivfflat lists must be positive, got %d", ErrInvalidParams, p.Lists)
		}
	}
	return nil
}

// Migration is one versioned schema change.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrations returns the rendered migrations for d in version order.
func Migrations(d Dialect, p Params) ([]Migration, error) {
	if d != Postgres && d != SQLite {
		return nil, fmt.Errorf("%w: unknown dialect %q", ErrInvalidParams, d)
	}
	if err := p.Validate(d); err != nil {
		return nil, err
	}
	return migrations(migrationsFS, path.Join("migrations", string(d)), p)
}

func migrations(fsys fs.FS, dir string, p Params) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations in %s: %w", dir, err)
	}

	var out []Migration
	seen := make(map[int]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql.tmpl") {
			continue
		}
		m, err := render(fsys, dir, e.Name(), p)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[m.Version]; ok {
			return nil, fmt.Errorf("%w: %s and %s share version %d", ErrVersionConflict, prev, e.Name(), m.Version)
		}
		seen[m.Version] = e.Name()
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// CheckRecorded compares m with the name a database recorded for its
// version.
func (m Migration) CheckRecorded(name string) error {
	if name != m.Name {
		return fmt.Errorf("%w: version %d was applied as %q, now named %q", ErrVersionConflict, m.Version, name, m.Name)
	}
	return nil
}

// funcs are available to every template. policies renders the row-level
// security policies for a role; a migration that changes policy.Rules
// re-applies them.
var funcs = template.FuncMap{
	"policies": func(role string) string {
		return strings.Join(policy.PostgresStatements(role), ";\n") + ";\n"
	},
}

func render(fsys fs.FS, dir, name string, p Params) (Migration, error) {
	base := strings.TrimSuffix(name, ".sql.tmpl")
	num, label, ok := strings.Cut(base, "_")
	if !ok {
		return Migration{}, fmt.Errorf("migration %s: name must be <version>_<label>.sql.tmpl", name)
	}
	version, err := strconv.Atoi(num)
	if err != nil {
		return Migration{}, fmt.Errorf("migration %s: bad version: %w", name, err)
	}

	raw, err := fs.ReadFile(fsys, path.Join(dir, name))
	if err != nil {
		return Migration{}, err
	}
	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return Migration{}, fmt.Errorf("migration %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, p); err != nil {
		return Migration{}, fmt.Errorf("migration %s: %w", name, err)
	}
	return Migration{Version: version, Name: label, SQL: buf.String()}, nil
}

// TrackingTable creates the table that records applied versions. It is
// valid in both dialects.
const TrackingTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`
