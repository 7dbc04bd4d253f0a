// Package ignore decides which files a directory ingest skips, using
// gitignore-style files found at the ingest root.
package ignore

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultFiles are the ignore files read from the root.
var DefaultFiles = []string{".gitignore", ".docmatchignore"}

// DefaultPatterns are always applied: version control, dependency and
// build output directories.
var DefaultPatterns = []string{
	".git/", ".svn/", ".hg/",
	"node_modules/", "vendor/", ".venv/", "venv/", "__pycache__/",
	".idea/", ".vscode/", ".cache/", ".next/", ".docusaurus/",
}

type rule struct {
	pattern  string
	dirOnly  bool
	anchored bool
}

// Matcher reports whether slash-separated paths relative to the root
// are ignored. Negations ("!pattern") are not supported and are dropped.
type Matcher struct {
	rules []rule
}

// New builds a matcher from gitignore-style patterns.
func New(patterns ...string) *Matcher {
	m := &Matcher{}
	seen := make(map[string]bool)
	for _, p := range patterns {
		r, ok := parseLine(p)
		if !ok {
			continue
		}
		key := r.pattern + "|" + boolKey(r.dirOnly) + boolKey(r.anchored)
		if seen[key] {
			continue
		}
		seen[key] = true
		m.rules = append(m.rules, r)
	}
	return m
}

func boolKey(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Load reads files from root and combines them with DefaultPatterns.
// Missing files are skipped.
func Load(root string, files ...string) (*Matcher, error) {
	if len(files) == 0 {
		files = DefaultFiles
	}
	patterns := append([]string{}, DefaultPatterns...)
	for _, name := range files {
		lines, err := readLines(filepath.Join(root, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		patterns = append(patterns, lines...)
	}
	return New(patterns...), nil
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// parseLine parses one gitignore line. Comments, blank lines and
// negations yield ok=false.
func parseLine(line string) (r rule, ok bool) {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return r, false
	}

	if strings.HasSuffix(line, "/") {
		r.dirOnly = true
		line = strings.TrimRight(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		r.anchored = true
		line = strings.TrimLeft(line, "/")
	}
	line = strings.TrimPrefix(line, "**/")
	if strings.Contains(line, "/") {
		r.anchored = true
	}
	if line == "" {
		return r, false
	}
	if _, err := path.Match(line, "x"); err != nil {
		return r, false
	}
	r.pattern = line
	return r, true
}

// Match reports whether rel, a slash-separated path relative to the root,
// is ignored. A file inside an ignored directory is ignored too.
func (m *Matcher) Match(rel string, isDir bool) bool {
	rel = strings.Trim(path.Clean(filepath.ToSlash(rel)), "/")
	if rel == "" || rel == "." {
		return false
	}
	parts := strings.Split(rel, "/")

	for _, r := range m.rules {
		// every ancestor is a directory, the last element is rel itself
		for i := range parts {
			last := i == len(parts)-1
			if r.dirOnly && last && !isDir {
				continue
			}
			var ok bool
			if r.anchored {
				ok, _ = path.Match(r.pattern, strings.Join(parts[:i+1], "/"))
			} else {
				ok, _ = path.Match(r.pattern, parts[i])
			}
			if ok {
				return true
			}
		}
	}
	return false
}
