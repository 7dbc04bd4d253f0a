package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

// AllowlistFile is the allowlist looked up in an ingested directory.
const AllowlistFile = ".gitleaks.toml"

// Allowlist excludes paths and secret values from redaction.
type Allowlist struct {
	Paths   []string // file path patterns
	Regexes []string // secret value patterns
}

// Empty reports whether a has no patterns.
func (a *Allowlist) Empty() bool {
	return a == nil || len(a.Paths) == 0 && len(a.Regexes) == 0
}

// Merge returns the union of a and b.
func (a *Allowlist) Merge(b *Allowlist) *Allowlist {
	out := &Allowlist{}
	for _, l := range []*Allowlist{a, b} {
		if l == nil {
			continue
		}
		out.Paths = append(out.Paths, l.Paths...)
		out.Regexes = append(out.Regexes, l.Regexes...)
	}
	return out
}

// LoadAllowlist reads dir/.gitleaks.toml. A missing file yields an empty
// allowlist.
func LoadAllowlist(dir string) (*Allowlist, error) {
	return loadTOML(filepath.Join(dir, AllowlistFile))
}

func loadTOML(path string) (*Allowlist, error) {
	var file struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Allowlist{}, nil
		}
		var perr *fs.PathError
		if errors.As(err, &perr) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	a := &Allowlist{Paths: file.Allowlist.Paths, Regexes: file.Allowlist.Regexes}
	if err := a.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

func (a *Allowlist) validate() error {
	for _, p := range append(append([]string{}, a.Paths...), a.Regexes...) {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
	}
	return nil
}
