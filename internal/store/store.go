// Package store persists the docmatch relational model and answers
// Semantic Section Search.
//
// Two backends implement Store:
//
//   - Postgres uses pgx with pgvector. Access control is enforced by the
//     database through row-level security: every call runs in a
//     transaction that sets app.user_id and app.project_id and switches to
//     the application role.
//   - SQLite uses modernc.org/sqlite. The same access rules from package
//     policy are rendered into each statement, and vectors are ranked in Go.
//
// Every method except Migrate, CreateUser, ResolveToken and
// ResolvePublicKey requires a policy.Principal in the context and fails
// with policy.ErrMissingPrincipal without one.
package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/docmatch/internal/config"
	"github.com/fyrsmithlabs/docmatch/internal/logging"
	"github.com/fyrsmithlabs/docmatch/internal/model"
	"github.com/fyrsmithlabs/docmatch/internal/policy"
	"github.com/fyrsmithlabs/docmatch/internal/vecmath"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a row does not exist or is not visible
	// to the principal.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a unique constraint is violated.
	ErrConflict = errors.New("already exists")

	// ErrInvalid is returned for rows that fail validation before storage.
	ErrInvalid = errors.New("invalid row")

	// ErrDimensionMismatch is returned when an embedding does not have the
	// dimension the database was migrated with.
	ErrDimensionMismatch = vecmath.ErrDimensionMismatch
)

// Store is the persistence layer.
type Store interface {
	// Migrate applies pending schema migrations.
	Migrate(ctx context.Context) error

	// CreateUser inserts u, filling ID and timestamps when unset. It runs
	// as the new user.
	CreateUser(ctx context.Context, u *model.User) error

	// CreateTeam inserts t and makes the principal its admin. A taken
	// slug is de-duplicated with a random suffix.
	CreateTeam(ctx context.Context, t *model.Team) error

	// CreateProject inserts p, generating its keys and slug when unset.
	CreateProject(ctx context.Context, p *model.Project) error

	AddMembership(ctx context.Context, m *model.Membership) error
	AddDomain(ctx context.Context, d *model.Domain) error

	// CreateToken inserts t, generating its value when unset.
	CreateToken(ctx context.Context, t *model.Token) error

	// ResolveToken maps a bearer token to the principal it acts as.
	ResolveToken(ctx context.Context, value string) (policy.Principal, error)

	// ResolvePublicKey maps a project public key used from host to the
	// principal it acts as. host must be one of the project's domains.
	ResolvePublicKey(ctx context.Context, key, host string) (policy.Principal, error)

	AccessibleProjects(ctx context.Context) ([]model.Project, error)

	GetFile(ctx context.Context, projectID uuid.UUID, path string) (*model.File, error)
	ListFiles(ctx context.Context, projectID uuid.UUID) ([]model.File, error)

	// UpsertFile stores f and replaces its sections. It fills in the ids
	// of f and sections and returns the ids of the sections it replaced.
	UpsertFile(ctx context.Context, f *model.File, sections []model.Section) (removed []int64, err error)

	// DeleteFile removes a file and returns the ids of its sections.
	DeleteFile(ctx context.Context, projectID uuid.UUID, path string) (removed []int64, err error)

	// MatchFileSections runs Semantic Section Search. Parameters are
	// assumed validated by the caller.
	MatchFileSections(ctx context.Context, p model.MatchParams) ([]model.Match, error)

	// SectionsByIDs loads the visible sections among ids, in no order.
	SectionsByIDs(ctx context.Context, ids []int64) ([]model.IndexedSection, error)

	Dimensions() int
	Close() error
}

// Open connects to the backend named by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *logging.Logger) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return OpenPostgres(ctx, PostgresOptions{
			DSN:        cfg.DSN.Value(),
			AppRole:    cfg.AppRole,
			MaxConns:   int32(cfg.MaxConns),
			Dimensions: cfg.Dimensions,
			Lists:      cfg.IVFFlatLists,
		}, logger)
	case "sqlite":
		return OpenSQLite(ctx, cfg.DSN.Value(), cfg.Dimensions, logger)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func now() time.Time {
	return time.Now().UTC()
}

func prepareUser(u *model.User) error {
	u.Email = strings.TrimSpace(strings.ToLower(u.Email))
	if u.Email == "" || !strings.Contains(u.Email, "@") {
		return fmt.Errorf("%w: email %q", ErrInvalid, u.Email)
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.InsertedAt.IsZero() {
		u.InsertedAt = now()
	}
	u.UpdatedAt = u.InsertedAt
	return nil
}

func prepareTeam(t *model.Team, p policy.Principal) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: team name is required", ErrInvalid)
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Slug == "" {
		t.Slug = model.Slugify(t.Name)
	}
	if t.CreatedBy == uuid.Nil {
		t.CreatedBy = p.UserID
	}
	if t.InsertedAt.IsZero() {
		t.InsertedAt = now()
	}
	return nil
}

func prepareProject(pr *model.Project, p policy.Principal) error {
	if strings.TrimSpace(pr.Name) == "" {
		return fmt.Errorf("%w: project name is required", ErrInvalid)
	}
	if pr.TeamID == uuid.Nil {
		return fmt.Errorf("%w: project team is required", ErrInvalid)
	}
	if pr.ID == uuid.Nil {
		pr.ID = uuid.New()
	}
	if pr.Slug == "" {
		pr.Slug = model.Slugify(pr.Name)
	}
	if pr.PublicAPIKey == "" {
		pr.PublicAPIKey = model.NewPublicAPIKey()
	}
	if pr.PrivateDevAPIKey == "" {
		pr.PrivateDevAPIKey = model.NewPrivateDevAPIKey()
	}
	if pr.CreatedBy == uuid.Nil {
		pr.CreatedBy = p.UserID
	}
	if pr.InsertedAt.IsZero() {
		pr.InsertedAt = now()
	}
	return nil
}

func prepareMembership(m *model.Membership) error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: membership type %q", ErrInvalid, m.Type)
	}
	if m.UserID == uuid.Nil || m.TeamID == uuid.Nil {
		return fmt.Errorf("%w: membership needs a user and a team", ErrInvalid)
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.InsertedAt.IsZero() {
		m.InsertedAt = now()
	}
	return nil
}

func prepareDomain(d *model.Domain) error {
	host := NormalizeHost(d.Name)
	if host == "" {
		return fmt.Errorf("%w: domain %q", ErrInvalid, d.Name)
	}
	d.Name = host
	if d.ProjectID == uuid.Nil {
		return fmt.Errorf("%w: domain project is required", ErrInvalid)
	}
	if d.InsertedAt.IsZero() {
		d.InsertedAt = now()
	}
	return nil
}

func prepareToken(t *model.Token, p policy.Principal) error {
	if t.ProjectID == uuid.Nil {
		return fmt.Errorf("%w: token project is required", ErrInvalid)
	}
	if t.Value == "" {
		t.Value = model.NewTokenValue()
	}
	if t.CreatedBy == uuid.Nil {
		t.CreatedBy = p.UserID
	}
	if t.InsertedAt.IsZero() {
		t.InsertedAt = now()
	}
	return nil
}

func prepareFile(f *model.File, sections []model.Section, dims int) error {
	if f.ProjectID == uuid.Nil || strings.TrimSpace(f.Path) == "" {
		return fmt.Errorf("%w: file needs a project and a path", ErrInvalid)
	}
	f.UpdatedAt = now()
	for i := range sections {
		if sections[i].Embedding != nil && len(sections[i].Embedding) != dims {
			return fmt.Errorf("%w: section %d has %d dimensions, want %d",
				ErrDimensionMismatch, i, len(sections[i].Embedding), dims)
		}
	}
	return nil
}

// NormalizeHost lowercases a domain and strips any scheme, port and path,
// so "https://Docs.Acme.com:443/x" and "docs.acme.com" compare equal.
func NormalizeHost(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	return strings.Trim(s, "[]")
}
