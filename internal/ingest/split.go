package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/docmatch/internal/model"
	"gopkg.in/yaml.v3"
)

// ErrFrontMatter is returned for front matter that is not valid YAML.
var ErrFrontMatter = errors.New("invalid front matter")

// ParseFrontMatter separates a leading "---" delimited YAML block from
// src and returns it as JSON. meta is nil when there is no front matter.
func ParseFrontMatter(src string) (meta json.RawMessage, body string, err error) {
	src = strings.TrimPrefix(src, "\ufeff")
	first, rest, found := strings.Cut(src, "\n")
	if !found || strings.TrimRight(first, " \t\r") != "---" {
		return nil, src, nil
	}

	var block []string
	lines := strings.SplitAfter(rest, "\n")
	for i, line := range lines {
		trimmed := strings.TrimRight(line, " \t\r\n")
		if trimmed == "---" || trimmed == "..." {
			body = strings.Join(lines[i+1:], "")
			return decodeFrontMatter(strings.Join(block, ""), body)
		}
		block = append(block, line)
	}
	// unterminated: treat the file as plain markdown
	return nil, src, nil
}

func decodeFrontMatter(block, body string) (json.RawMessage, string, error) {
	if strings.TrimSpace(block) == "" {
		return nil, body, nil
	}
	var fields map[string]any
	if err := yaml.Unmarshal([]byte(block), &fields); err != nil {
		return nil, body, fmt.Errorf("%w: %v", ErrFrontMatter, err)
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, body, fmt.Errorf("%w: %v", ErrFrontMatter, err)
	}
	return raw, body, nil
}

// Splitter cuts markdown into sections at headings.
type Splitter struct {
	// MinChars is the floor below which a section is merged into its
	// neighbour.
	MinChars int

	// MaxTokens is the budget above which a section is cut at paragraph
	// boundaries. Fenced code blocks are never cut.
	MaxTokens int
}

// Split returns the sections of body in document order.
func (s Splitter) Split(body string) []string {
	var sections []string
	for _, sec := range splitHeadings(body) {
		if s.MaxTokens > 0 && model.CountTokens(sec) > s.MaxTokens {
			sections = append(sections, s.splitParagraphs(sec)...)
			continue
		}
		sections = append(sections, sec)
	}
	return s.merge(sections)
}

// fence tracks fenced code blocks while scanning line by line.
type fence struct {
	marker string
}

// update consumes line and reports whether it is inside (or delimits) a
// fenced block.
func (f *fence) update(line string) bool {
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 {
		return f.marker != ""
	}
	if f.marker == "" {
		for _, c := range []string{"```", "~~~"} {
			if strings.HasPrefix(trimmed, c) {
				n := len(trimmed) - len(strings.TrimLeft(trimmed, c[:1]))
				f.marker = strings.Repeat(c[:1], n)
				return true
			}
		}
		return false
	}
	if strings.HasPrefix(trimmed, f.marker) && strings.TrimSpace(strings.TrimLeft(trimmed, f.marker[:1])) == "" {
		f.marker = ""
	}
	return true
}

func isHeading(line string) bool {
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 {
		return false
	}
	n := len(trimmed) - len(strings.TrimLeft(trimmed, "#"))
	if n < 1 || n > 6 {
		return false
	}
	rest := trimmed[n:]
	return rest == "" || rest[0] == ' ' || rest[0] == '\t'
}

func splitHeadings(body string) []string {
	var (
		out []string
		cur bytes.Buffer
		f   fence
	)
	flush := func() {
		if sec := strings.TrimSpace(cur.String()); sec != "" {
			out = append(out, sec)
		}
		cur.Reset()
	}
	for _, line := range strings.SplitAfter(body, "\n") {
		if !f.update(line) && isHeading(line) {
			flush()
		}
		cur.WriteString(line)
	}
	flush()
	return out
}

// blocks splits a section at blank lines, keeping fenced code blocks whole.
func blocks(sec string) []string {
	var (
		out []string
		cur bytes.Buffer
		f   fence
	)
	for _, line := range strings.SplitAfter(sec, "\n") {
		inFence := f.update(line)
		if !inFence && strings.TrimSpace(line) == "" {
			if b := strings.TrimSpace(cur.String()); b != "" {
				out = append(out, b)
			}
			cur.Reset()
			continue
		}
		cur.WriteString(line)
	}
	if b := strings.TrimSpace(cur.String()); b != "" {
		out = append(out, b)
	}
	return out
}

func (s Splitter) splitParagraphs(sec string) []string {
	var (
		out    []string
		cur    []string
		tokens int
	)
	for _, b := range blocks(sec) {
		n := model.CountTokens(b)
		if len(cur) > 0 && tokens+n > s.MaxTokens {
			out = append(out, strings.Join(cur, "\n\n"))
			cur, tokens = nil, 0
		}
		cur = append(cur, b)
		tokens += n
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, "\n\n"))
	}
	return out
}

// merge folds sections shorter than MinChars into the previous section,
// or into the next one when there is no previous.
func (s Splitter) merge(sections []string) []string {
	if s.MinChars <= 0 {
		return sections
	}
	out := make([]string, 0, len(sections))
	pending := ""
	for _, sec := range sections {
		if pending != "" {
			sec = pending + "\n\n" + sec
			pending = ""
		}
		if utf8.RuneCountInString(sec) >= s.MinChars {
			out = append(out, sec)
			continue
		}
		if len(out) > 0 {
			out[len(out)-1] += "\n\n" + sec
			continue
		}
		pending = sec
	}
	if pending != "" {
		out = append(out, pending)
	}
	return out
}
