package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// RedactedTotal counts redacted secrets by gitleaks rule.
var RedactedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "docmatch",
		Subsystem: "secrets",
		Name:      "redacted_total",
		Help:      "Total number of secrets redacted from ingested content",
	},
	[]string{"rule"},
)

// Finding is a detected secret. The secret value itself is not kept.
type Finding struct {
	RuleID      string
	Description string
	Line        int
}

// Result is scrubbed content and what was removed from it.
type Result struct {
	Content  string
	Findings []Finding
}

// Redacted reports whether anything was replaced.
func (r Result) Redacted() bool {
	return len(r.Findings) > 0
}

// Scrubber redacts secrets. It is safe for concurrent use.
type Scrubber struct {
	config gitleaksconfig.Config
	paths  []*regexp.Regexp
}

// New builds a scrubber on the default gitleaks rules plus allow.
func New(allow *Allowlist) (*Scrubber, error) {
	base, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	s := &Scrubber{config: base.Config}
	if !allow.Empty() {
		if err := allow.validate(); err != nil {
			return nil, err
		}
		for _, p := range allow.Paths {
			s.paths = append(s.paths, regexp.MustCompile(p))
		}
		if len(allow.Regexes) > 0 {
			s.config.Allowlists = append(s.config.Allowlists, toGitleaks(allow))
		}
	}
	return s, nil
}

func toGitleaks(a *Allowlist) *gitleaksconfig.Allowlist {
	gl := &gitleaksconfig.Allowlist{Description: "docmatch allowlist"}
	for _, p := range a.Regexes {
		gl.Regexes = append(gl.Regexes, (*gitleaksregexp.Regexp)(regexp.MustCompile(p)))
	}
	return gl
}

// Scrub replaces every detected secret in content with a
// [REDACTED:<rule-id>] marker. path is matched against allowlisted paths.
func (s *Scrubber) Scrub(path, content string) Result {
	for _, re := range s.paths {
		if re.MatchString(path) {
			return Result{Content: content}
		}
	}

	// A detector accumulates findings, so each call gets its own.
	d := detect.NewDetector(s.config)
	found := d.DetectString(content)
	if len(found) == 0 {
		return Result{Content: content}
	}

	// Longer secrets first, so one that contains another is replaced whole.
	sort.SliceStable(found, func(i, j int) bool {
		return len(found[i].Secret) > len(found[j].Secret)
	})

	res := Result{Content: content, Findings: make([]Finding, 0, len(found))}
	for _, f := range found {
		if f.Secret == "" || !strings.Contains(res.Content, f.Secret) {
			continue
		}
		res.Content = strings.ReplaceAll(res.Content, f.Secret, "[REDACTED:"+f.RuleID+"]")
		res.Findings = append(res.Findings, Finding{RuleID: f.RuleID, Description: f.Description, Line: f.StartLine})
		RedactedTotal.WithLabelValues(f.RuleID).Inc()
	}
	sort.Slice(res.Findings, func(i, j int) bool { return res.Findings[i].Line < res.Findings[j].Line })
	return res
}
