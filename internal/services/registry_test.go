package services

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fyrsmithlabs/docmatch/internal/config"
	"github.com/fyrsmithlabs/docmatch/internal/embeddings"
	"github.com/fyrsmithlabs/docmatch/internal/model"
	"github.com/fyrsmithlabs/docmatch/internal/policy"
	"github.com/fyrsmithlabs/docmatch/internal/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.DSN = config.Secret(filepath.Join(t.TempDir(), "docmatch.db"))
	cfg.Database.Dimensions = 64
	cfg.Embeddings.Provider = "hash"
	cfg.Index.Provider = "chromem"
	cfg.Index.ChromemPath = ""
	cfg.Search.Backend = "index"
	cfg.Search.MatchThreshold = 0.5
	cfg.Search.MinContentLength = 0
	cfg.Ingest.MinSectionChars = 0
	cfg.Logging.Level = "error"
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry(Options{})

	assert.NotNil(t, reg.Logger())
	assert.Nil(t, reg.Store())
	assert.Nil(t, reg.Index())
	assert.Nil(t, reg.Scrubber())
	assert.Nil(t, reg.Search())
	assert.NoError(t, reg.Close(context.Background()))
}

func TestRegistryWithServices(t *testing.T) {
	embedder := embeddings.Instrument(embeddings.NewHash(8), "hash", 8, nil)
	reg := NewRegistry(Options{Embedder: embedder})
	assert.Same(t, embedder, reg.Embedder())
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	reg, err := Open(ctx, testConfig(t), "test")
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, reg.Close(context.Background())) })

	assert.NotNil(t, reg.Config())
	assert.NotNil(t, reg.Telemetry())
	assert.NotNil(t, reg.Index())
	assert.NotNil(t, reg.Scrubber())
	assert.Equal(t, 64, reg.Embedder().Dimension())

	st := reg.Store()
	require.NoError(t, st.Migrate(ctx))
	user := model.User{Email: "owner@example.com"}
	require.NoError(t, st.CreateUser(ctx, &user))
	ctx = policy.WithPrincipal(ctx, policy.Principal{UserID: user.ID})
	team := model.Team{Name: "Docs"}
	require.NoError(t, st.CreateTeam(ctx, &team))
	project := model.Project{Name: "Handbook", TeamID: team.ID}
	require.NoError(t, st.CreateProject(ctx, &project))

	content := "# Deploy\n\nRun the deploy script from the repository root.\n"
	_, err = reg.Ingest().IngestFile(ctx, project.ID, "deploy.md", []byte(content), false)
	require.NoError(t, err)

	matches, err := reg.Search().Match(ctx, search.Request{Query: "Run the deploy script from the repository root."})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "deploy.md", matches[0].Path)
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(context.Background(), nil, "")
	assert.Error(t, err)

	cfg := testConfig(t)
	cfg.Logging.Format = "xml"
	_, err = Open(context.Background(), cfg, "")
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Embeddings.Provider = "unknown"
	_, err = Open(context.Background(), cfg, "")
	assert.Error(t, err)
}
