package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want rule
		ok   bool
	}{
		{"empty line", "", rule{}, false},
		{"whitespace only", "   ", rule{}, false},
		{"comment", "# this is a comment", rule{}, false},
		{"negation skipped", "!important.md", rule{}, false},
		{"simple glob", "*.log", rule{pattern: "*.log"}, true},
		{"directory", "drafts/", rule{pattern: "drafts", dirOnly: true}, true},
		{"nested path", "docs/internal", rule{pattern: "docs/internal", anchored: true}, true},
		{"rooted", "/CHANGELOG.md", rule{pattern: "CHANGELOG.md", anchored: true}, true},
		{"double star prefix", "**/build", rule{pattern: "build"}, true},
		{"bad glob", "[", rule{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestMatcher_Match(t *testing.T) {
	m := New("drafts/", "*.tmp.md", "/CHANGELOG.md", "docs/internal", "node_modules/")

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{"drafts", true, true},
		{"drafts/a.md", false, true},
		{"guides/drafts/b.md", false, true},
		{"drafts", false, false},
		{"notes.tmp.md", false, true},
		{"guides/notes.tmp.md", false, true},
		{"CHANGELOG.md", false, true},
		{"pkg/CHANGELOG.md", false, false},
		{"docs/internal/x.md", false, true},
		{"other/docs/internal/x.md", false, false},
		{"web/node_modules/pkg/readme.md", false, true},
		{"guides/intro.md", false, false},
		{"", true, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.Match(tt.path, tt.isDir), tt.path)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("# build\nout/\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".docmatchignore"), []byte("private/\nout/\n"), 0o644))

	m, err := Load(dir)
	require.NoError(t, err)
	assert.True(t, m.Match("out/index.md", false))
	assert.True(t, m.Match("private/keys.md", false))
	assert.True(t, m.Match(".git/HEAD", false), "defaults always apply")
	assert.False(t, m.Match("guide.md", false))
}

func TestLoad_NoFiles(t *testing.T) {
	m, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.True(t, m.Match("node_modules/x/README.md", false))
	assert.False(t, m.Match("README.md", false))
}
