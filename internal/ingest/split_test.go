package ingest

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrontMatter(t *testing.T) {
	src := "---\ntitle: Getting started\ntags: [intro, setup]\n---\n# Hello\n"
	meta, body, err := ParseFrontMatter(src)
	require.NoError(t, err)
	assert.Equal(t, "# Hello\n", body)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(meta, &fields))
	assert.Equal(t, "Getting started", fields["title"])
	assert.Equal(t, []any{"intro", "setup"}, fields["tags"])
}

func TestParseFrontMatter_Absent(t *testing.T) {
	for _, src := range []string{"# Title\n", "---", "---\ntitle: never closed\n", ""} {
		meta, body, err := ParseFrontMatter(src)
		require.NoError(t, err)
		assert.Nil(t, meta)
		assert.Equal(t, src, body)
	}
}

func TestParseFrontMatter_Invalid(t *testing.T) {
	_, body, err := ParseFrontMatter("---\ntitle: [unclosed\n---\nbody\n")
	assert.ErrorIs(t, err, ErrFrontMatter)
	assert.Equal(t, "body\n", body)
}

func TestSplit_Headings(t *testing.T) {
	body := `Intro paragraph before any heading.

# Install

Run the installer.

## Configure

Edit the file.
#not-a-heading stays in place
`
	got := Splitter{}.Split(body)
	require.Len(t, got, 3)
	assert.Equal(t, "Intro paragraph before any heading.", got[0])
	assert.Equal(t, "# Install\n\nRun the installer.", got[1])
	assert.True(t, strings.HasPrefix(got[2], "## Configure"))
	assert.Contains(t, got[2], "#not-a-heading")
}

func TestSplit_CodeFenceNotSplit(t *testing.T) {
	body := "# Shell\n\n```sh\n# this is a comment, not a heading\necho hi\n```\n\n~~~~\n## nor this\n~~~~\n"
	got := Splitter{}.Split(body)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "# this is a comment")
	assert.Contains(t, got[0], "## nor this")
}

func TestSplit_MergesShortSections(t *testing.T) {
	body := "# A\n\n# B\n\nA long enough paragraph about B.\n\n# C\n\nok\n"
	got := Splitter{MinChars: 20}.Split(body)
	require.Len(t, got, 1)
	assert.Equal(t, "# A\n\n# B\n\nA long enough paragraph about B.\n\n# C\n\nok", got[0])
}

func TestSplit_OversizeSplitsOnParagraphs(t *testing.T) {
	para := strings.TrimSpace(strings.Repeat("word ", 30))
	fenced := "```\n" + strings.Repeat("code line here\n\n", 20) + "```"
	body := "# Big\n\n" + para + "\n\n" + para + "\n\n" + fenced + "\n\n" + para + "\n"

	got := Splitter{MaxTokens: 40}.Split(body)
	require.Len(t, got, 4)
	assert.True(t, strings.HasPrefix(got[0], "# Big"))
	// the fence stays whole even though it is over budget
	assert.True(t, strings.HasPrefix(got[2], "```"))
	assert.True(t, strings.HasSuffix(got[2], "```"))
	assert.Equal(t, para, got[3])
}
