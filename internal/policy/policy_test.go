package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContext(t *testing.T) {
	t.Run("missing principal fails closed", func(t *testing.T) {
		_, err := FromContext(context.Background())
		assert.ErrorIs(t, err, ErrMissingPrincipal)
	})

	t.Run("principal without user is invalid", func(t *testing.T) {
		ctx := WithPrincipal(context.Background(), Principal{ProjectID: uuid.New()})
		_, err := FromContext(ctx)
		assert.ErrorIs(t, err, ErrInvalidPrincipal)
	})

	t.Run("round trip", func(t *testing.T) {
		want := Principal{UserID: uuid.New(), ProjectID: uuid.New()}
		got, err := FromContext(WithPrincipal(context.Background(), want))
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.True(t, got.Scoped())
		assert.Equal(t, want.ProjectID.String(), got.ProjectParam())
	})

	t.Run("unscoped principal binds empty project", func(t *testing.T) {
		p := Principal{UserID: uuid.New()}
		assert.False(t, p.Scoped())
		assert.Equal(t, "", p.ProjectParam())
	})
}

func TestRender(t *testing.T) {
	expr := "{{t}}.project_id IN ({{projects}}) AND {{t}}.created_by = {{uid}}"

	pg := Render(expr, Postgres, "files")
	assert.Equal(t, "files.project_id IN (SELECT app_project_ids()) AND files.created_by = app_uid()", pg)

	lite := Render(expr, SQLite, "f")
	assert.True(t, strings.HasPrefix(lite, "f.project_id IN (SELECT id FROM projects"))
	assert.Contains(t, lite, "@uid")
	assert.Contains(t, lite, "@pid")
	assert.NotContains(t, lite, "{{")
}

func TestUsing(t *testing.T) {
	t.Run("teams are read through membership only", func(t *testing.T) {
		pred, ok := Using("teams", Select, SQLite, "t")
		require.True(t, ok)
		assert.Equal(t, "(t.id IN (SELECT team_id FROM memberships WHERE user_id = @uid))", pred)
		assert.NotContains(t, pred, "created_by")
	})

	t.Run("ALL rules cover every command", func(t *testing.T) {
		for _, cmd := range []Command{Select, Update, Delete} {
			_, ok := Using("file_sections", cmd, SQLite, "s")
			assert.True(t, ok, cmd)
		}
	})

	t.Run("unknown table denies", func(t *testing.T) {
		_, ok := Using("invoices", Select, SQLite, "i")
		assert.False(t, ok)
	})

	t.Run("memberships cannot be updated", func(t *testing.T) {
		_, ok := Using("memberships", Update, SQLite, "m")
		assert.False(t, ok)
	})
}

func TestCheck_MembershipGrant(t *testing.T) {
	pred, ok := Check("memberships", Insert, Postgres, "memberships")
	require.True(t, ok)
	assert.Equal(t, "(memberships.team_id IN (SELECT app_admin_team_ids()) OR memberships.team_id IN (SELECT app_created_team_ids()))", pred)

	pred, ok = Check("memberships", Insert, SQLite, "m")
	require.True(t, ok)
	assert.Contains(t, pred, "m.team_id IN (SELECT id FROM teams WHERE created_by = @uid)")
}

func TestCheck_FallsBackToUsing(t *testing.T) {
	pred, ok := Check("files", Insert, SQLite, "new")
	require.True(t, ok)
	assert.Contains(t, pred, "new.project_id IN")

	pred, ok = Check("projects", Insert, SQLite, "new")
	require.True(t, ok)
	assert.Contains(t, pred, "new.team_id IN")
}

func TestPostgresStatements(t *testing.T) {
	stmts := PostgresStatements("docmatch_app")

	for _, table := range []string{"users", "teams", "projects", "memberships", "domains", "tokens", "files", "file_sections"} {
		assert.Contains(t, stmts, "ALTER TABLE "+table+" ENABLE ROW LEVEL SECURITY")
	}

	var insertPolicy string
	for _, s := range stmts {
		if strings.HasPrefix(s, "CREATE POLICY teams_create") {
			insertPolicy = s
		}
		assert.NotContains(t, s, "{{")
	}
	require.NotEmpty(t, insertPolicy)
	assert.Contains(t, insertPolicy, "FOR INSERT TO docmatch_app WITH CHECK (teams.created_by = app_uid())")
	assert.NotContains(t, insertPolicy, "USING")
}
