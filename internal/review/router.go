package review

import (
	"fmt"
	"sort"

	"github.com/gobwas/glob"
)

// Router maps changed file paths to reviewers using glob patterns.
type Router struct {
	defaults []string
	rules    []routingRule
}

type routingRule struct {
	pattern   string
	matcher   glob.Glob
	reviewers []string
}

// NewRouter compiles the per-path patterns. Patterns use '/' as the path
// separator, so "internal/**" does not match "internaldocs".
func NewRouter(defaults []string, byPath map[string][]string) (*Router, error) {
	r := &Router{defaults: defaults}

	// Sort patterns for deterministic suggestion order.
	patterns := make([]string, 0, len(byPath))
	for p := range byPath {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	for _, p := range patterns {
		matcher, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid reviewer pattern %q: %w", p, err)
		}
		r.rules = append(r.rules, routingRule{pattern: p, matcher: matcher, reviewers: byPath[p]})
	}
	return r, nil
}

// Suggestion is a reviewer recommendation with the patterns that drove it.
type Suggestion struct {
	Reviewers []string `json:"reviewers"`
	Matched   []string `json:"matched_patterns,omitempty"`
}

// Suggest returns the reviewers for a set of changed file paths. Files not
// matched by any rule fall back to the default reviewers. The result is
// deduplicated and sorted.
func (r *Router) Suggest(changedFiles []string) Suggestion {
	seen := make(map[string]bool)
	matchedPatterns := make(map[string]bool)
	anyMatch := false

	for _, file := range changedFiles {
		for _, rule := range r.rules {
			if rule.matcher.Match(file) {
				anyMatch = true
				matchedPatterns[rule.pattern] = true
				for _, rev := range rule.reviewers {
					seen[rev] = true
				}
			}
		}
	}

	if !anyMatch {
		for _, rev := range r.defaults {
			seen[rev] = true
		}
	}

	s := Suggestion{}
	for rev := range seen {
		s.Reviewers = append(s.Reviewers, rev)
	}
	sort.Strings(s.Reviewers)
	for p := range matchedPatterns {
		s.Matched = append(s.Matched, p)
	}
	sort.Strings(s.Matched)
	return s
}
