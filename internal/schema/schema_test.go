package schema

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations_Postgres(t *testing.T) {
	migs, err := Migrations(Postgres, Params{Dimensions: 384, AppRole: "docmatch_app", Lists: 50})
	require.NoError(t, err)
	require.Len(t, migs, 4)

	for i, m := range migs {
		assert.Equal(t, i+1, m.Version)
	}
	assert.Equal(t, "init", migs[0].Name)
	assert.Equal(t, "policies", migs[2].Name)
	assert.Equal(t, "team_read_by_membership", migs[3].Name)

	assert.Contains(t, migs[0].SQL, "embedding vector(384)")
	assert.Contains(t, migs[0].SQL, "WITH (lists = 50)")
	assert.Contains(t, migs[0].SQL, "CREATE ROLE docmatch_app")
	assert.Contains(t, migs[1].SQL, "query_embedding vector(384)")
	assert.Contains(t, migs[1].SQL, "(fs.embedding <#> query_embedding) * -1 > match_threshold")
	assert.Contains(t, migs[1].SQL, "FUNCTION app_created_team_ids()")
	assert.Contains(t, migs[2].SQL, "CREATE POLICY files_project_access ON files")
	assert.Contains(t, migs[3].SQL, "FUNCTION app_created_team_ids()")
	assert.Contains(t, migs[3].SQL, "CREATE POLICY teams_member_read ON teams")
	for _, m := range migs {
		assert.NotContains(t, m.SQL, "<no value>", m.Name)
	}
}

func TestMigrations_VersionsComeFromFileNames(t *testing.T) {
	fsys := fstest.MapFS{
		"m/0001_init.sql.tmpl":     {Data: []byte("CREATE TABLE a (id int);")},
		"m/0002_policies.sql.tmpl": {Data: []byte("{{policies .AppRole}}")},
		"m/0003_extra.sql.tmpl":    {Data: []byte("CREATE TABLE b (id int);")},
		"m/README":                 {Data: []byte("ignored")},
	}
	migs, err := migrations(fsys, "m", Params{AppRole: "app"})
	require.NoError(t, err)
	require.Len(t, migs, 3)
	assert.Equal(t, 2, migs[1].Version, "a file added later does not renumber the policies")
	assert.Equal(t, "policies", migs[1].Name)
	assert.Contains(t, migs[1].SQL, "CREATE POLICY teams_member_read ON teams AS PERMISSIVE FOR SELECT TO app")
	assert.Equal(t, "extra", migs[2].Name)

	fsys["m/0003_other.sql.tmpl"] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	_, err = migrations(fsys, "m", Params{AppRole: "app"})
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestMigration_CheckRecorded(t *testing.T) {
	m := Migration{Version: 3, Name: "policies"}
	assert.NoError(t, m.CheckRecorded("policies"))
	assert.ErrorIs(t, m.CheckRecorded("extra"), ErrVersionConflict)
}

func TestMigrations_SQLite(t *testing.T) {
	migs, err := Migrations(SQLite, Params{Dimensions: 8})
	require.NoError(t, err)
	require.Len(t, migs, 1)
	assert.Contains(t, migs[0].SQL, "length(embedding) = 8 * 4")
	assert.NotContains(t, migs[0].SQL, "POLICY")
}

func TestParams_Validate(t *testing.T) {
	tests := []struct {
		name string
		d    Dialect
		p    Params
	}{
		{"zero dimensions", SQLite, Params{}},
		{"too many dimensions", SQLite, Params{Dimensions: MaxDimensions + 1}},
		{"role injection", Postgres, Params{Dimensions: 8, AppRole: "app; DROP TABLE users", Lists: 1}},
		{"no lists", Postgres, Params{Dimensions: 8, AppRole: "app"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Migrations(tt.d, tt.p)
			assert.ErrorIs(t, err, ErrInvalidParams)
		})
	}
}

func TestMigrations_UnknownDialect(t *testing.T) {
	_, err := Migrations("mysql", Params{Dimensions: 8})
	assert.ErrorIs(t, err, ErrInvalidParams)
}
