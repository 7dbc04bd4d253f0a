package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/fyrsmithlabs/docmatch/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`database:
  driver: sqlite
  dsn: %s
  dimensions: 64
embeddings:
  provider: hash
search:
  match_threshold: 0.5
  min_content_length: 0
ingest:
  min_section_chars: 0
logging:
  level: error
`, filepath.Join(dir, "docmatch.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

var tokenLine = regexp.MustCompile(`(?m)^token:\s+(tk_\w+)$`)

func TestCLI_BootstrapIngestMatch(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "migrate", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "migrations applied")

	out, err = execute(t, "bootstrap", "--config", cfg, "--email", "ada@example.com",
		"--team", "Docs", "--project", "Handbook", "--domain", "docs.example.com")
	require.NoError(t, err, out)
	m := tokenLine.FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	token := m[1]
	assert.Contains(t, out, "public key:  pk_")

	docs := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docs, "deploy.md"),
		[]byte("# Deploy\n\nRun the deploy script from the repository root.\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "notes.txt"), []byte("not markdown"), 0644))

	out, err = execute(t, "ingest", docs, "--config", cfg, "--token", token)
	require.NoError(t, err, out)
	assert.Contains(t, out, "ingested 1 files")

	out, err = execute(t, "match", "Run the deploy script from the repository root.",
		"--config", cfg, "--token", token, "--json")
	require.NoError(t, err, out)
	var matches []model.Match
	require.NoError(t, json.Unmarshal([]byte(out), &matches), out)
	require.Len(t, matches, 1)
	assert.Equal(t, "deploy.md", matches[0].Path)
}

func TestCLI_RequiresToken(t *testing.T) {
	cfg := writeConfig(t)
	_, err := execute(t, "match", "anything", "--config", cfg, "--token", "")
	assert.ErrorContains(t, err, "token is required")

	_, err = execute(t, "match", "anything", "--config", cfg, "--token", "tk_unknown")
	assert.ErrorContains(t, err, "resolving token")
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "# Title", preview("# Title\n\nbody", 60))
	assert.Equal(t, "abcd…", preview("abcdefgh", 5))
}
