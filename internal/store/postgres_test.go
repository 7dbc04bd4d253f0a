package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/docmatch/internal/model"
	"github.com/fyrsmithlabs/docmatch/internal/policy"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPostgresStore connects to the database named by
// DOCMATCH_TEST_POSTGRES_DSN. The database must be disposable: Migrate
// fixes the embedding column at testDims.
func newPostgresStore(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("DOCMATCH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DOCMATCH_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := OpenPostgres(ctx, PostgresOptions{
		DSN:        dsn,
		AppRole:    "docmatch_app",
		MaxConns:   4,
		Dimensions: testDims,
		Lists:      1,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func pgUser(t *testing.T, s *Postgres, name string) model.User {
	t.Helper()
	u := model.User{Email: fmt.Sprintf("%s+%s@example.com", name, uuid.NewString()[:8])}
	require.NoError(t, s.CreateUser(context.Background(), &u))
	return u
}

func TestPostgres_MigrateIdempotent(t *testing.T) {
	s := newPostgresStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestPostgres_PoliciesAndMatch(t *testing.T) {
	s := newPostgresStore(t)
	alice := pgUser(t, s, "alice")
	bob := pgUser(t, s, "bob")

	team := model.Team{Name: "Acme Docs"}
	require.NoError(t, s.CreateTeam(as(alice), &team))
	project := model.Project{Name: "Handbook", TeamID: team.ID}
	require.NoError(t, s.CreateProject(as(alice), &project))

	long := strings.Repeat("word ", 20)
	file := &model.File{Path: "guide/intro.md", ProjectID: project.ID, Checksum: model.Checksum([]byte("intro"))}
	_, err := s.UpsertFile(as(alice), file, []model.Section{
		section(long+"exact", 1, 0, 0),
		section(long+"close", 0.8, 0.6, 0),
		section(long+"orthogonal", 0, 1, 0),
	})
	require.NoError(t, err)

	params := model.MatchParams{Embedding: []float32{1, 0, 0}, Threshold: 0.5, Count: 10, ProjectID: project.ID}

	t.Run("member sees sections above threshold", func(t *testing.T) {
		got, err := s.MatchFileSections(as(alice), params)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.InDelta(t, 1.0, got[0].Similarity, 1e-6)
		assert.InDelta(t, 0.8, got[1].Similarity, 1e-6)
	})

	t.Run("non member sees nothing", func(t *testing.T) {
		got, err := s.MatchFileSections(as(bob), params)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("non member cannot write", func(t *testing.T) {
		_, err := s.UpsertFile(as(bob), &model.File{Path: "x.md", ProjectID: project.ID}, nil)
		assert.ErrorIs(t, err, policy.ErrForbidden)
	})

	t.Run("missing principal fails closed", func(t *testing.T) {
		_, err := s.MatchFileSections(context.Background(), params)
		assert.ErrorIs(t, err, policy.ErrMissingPrincipal)
	})
}

func TestPostgres_DeleteTeamCascades(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	alice := pgUser(t, s, "alice")
	bob := pgUser(t, s, "bob")

	team := model.Team{Name: "Cascade"}
	require.NoError(t, s.CreateTeam(as(alice), &team))
	project := model.Project{Name: "Handbook", TeamID: team.ID}
	require.NoError(t, s.CreateProject(as(alice), &project))
	require.NoError(t, s.AddMembership(as(alice), &model.Membership{UserID: bob.ID, TeamID: team.ID, Type: model.Viewer}))
	require.NoError(t, s.AddDomain(as(alice), &model.Domain{Name: "docs.example.com", ProjectID: project.ID}))
	require.NoError(t, s.CreateToken(as(alice), &model.Token{ProjectID: project.ID}))
	file := &model.File{Path: "a.md", ProjectID: project.ID}
	_, err := s.UpsertFile(as(alice), file, []model.Section{section("one", 1, 0, 0)})
	require.NoError(t, err)

	counts := []struct {
		table string
		query string
		arg   any
	}{
		{"projects", "SELECT count(*) FROM projects WHERE team_id = $1", team.ID},
		{"memberships", "SELECT count(*) FROM memberships WHERE team_id = $1", team.ID},
		{"domains", "SELECT count(*) FROM domains WHERE project_id = $1", project.ID},
		{"tokens", "SELECT count(*) FROM tokens WHERE project_id = $1", project.ID},
		{"files", "SELECT count(*) FROM files WHERE project_id = $1", project.ID},
		{"file_sections", "SELECT count(*) FROM file_sections WHERE file_id = $1", file.ID},
	}
	rows := func() map[string]int {
		out := make(map[string]int, len(counts))
		for _, c := range counts {
			var n int
			require.NoError(t, s.pool.QueryRow(ctx, c.query, c.arg).Scan(&n), c.table)
			out[c.table] = n
		}
		return out
	}

	for table, n := range rows() {
		require.Positive(t, n, table)
	}

	// the test connection owns the tables, so policies do not apply here
	_, err = s.pool.Exec(ctx, "DELETE FROM teams WHERE id = $1", team.ID)
	require.NoError(t, err)

	for table, n := range rows() {
		assert.Zero(t, n, "%s cascade with their team", table)
	}
}

func TestMapPgErr(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"23505", ErrConflict},
		{"23503", ErrNotFound},
		{"42501", policy.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := mapPgErr(fmt.Errorf("exec: %w", &pgconn.PgError{Code: tt.code, ConstraintName: "c"}))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	other := errors.New("boom")
	assert.Same(t, other, mapPgErr(other))
	assert.True(t, isPgUnique(&pgconn.PgError{Code: "23505", ConstraintName: "teams_slug_key"}, "teams_slug_key"))
	assert.False(t, isPgUnique(&pgconn.PgError{Code: "23505", ConstraintName: "other"}, "teams_slug_key"))
}
