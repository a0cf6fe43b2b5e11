// Package secrets scrubs credentials out of prompts, model responses and
// event payloads before they are persisted or published.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding is one detected secret.
type Finding struct {
	RuleID string
	Line   int
	Match  string
}

// Redactor replaces detected secrets with [REDACTED:<rule>] markers.
// The gitleaks detector is not safe for concurrent scans, so calls are serialized.
type Redactor struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewRedactor builds a redactor over the default gitleaks rule set plus allow.
func NewRedactor(allow *Allowlist) (*Redactor, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating detector: %w", err)
	}
	if allow != nil && (len(allow.Regexes) > 0 || len(allow.StopWords) > 0) {
		if err := applyAllowlist(&detector.Config, allow); err != nil {
			return nil, err
		}
	}
	return &Redactor{detector: detector}, nil
}

func applyAllowlist(cfg *gitleaksConfig.Config, allow *Allowlist) error {
	entry := &gitleaksConfig.Allowlist{Description: "orchestrd allowlist"}
	for _, p := range allow.Regexes {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: pattern %q: %v", ErrInvalidAllowlist, p, err)
		}
		entry.Regexes = append(entry.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	entry.StopWords = append(entry.StopWords, allow.StopWords...)
	cfg.Allowlists = append(cfg.Allowlists, entry)
	return nil
}

// Detect returns the secrets found in content.
func (r *Redactor) Detect(content string) []Finding {
	if r == nil || content == "" {
		return nil
	}
	r.mu.Lock()
	found := r.detector.DetectString(content)
	r.mu.Unlock()

	out := make([]Finding, 0, len(found))
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		out = append(out, Finding{RuleID: f.RuleID, Line: f.StartLine, Match: f.Secret})
	}
	return out
}

// Redact returns content with every detected secret replaced. Longer matches
// are replaced first so overlapping findings do not leave fragments behind.
func (r *Redactor) Redact(content string) string {
	findings := r.Detect(content)
	if len(findings) == 0 {
		return content
	}
	sort.Slice(findings, func(i, j int) bool {
		return len(findings[i].Match) > len(findings[j].Match)
	})
	for _, f := range findings {
		content = strings.ReplaceAll(content, f.Match, "[REDACTED:"+f.RuleID+"]")
	}
	return content
}

// RedactMap redacts every string value of m in place and returns it.
func (r *Redactor) RedactMap(m map[string]any) map[string]any {
	for k, v := range m {
		switch val := v.(type) {
		case string:
			m[k] = r.Redact(val)
		case map[string]any:
			m[k] = r.RedactMap(val)
		}
	}
	return m
}
