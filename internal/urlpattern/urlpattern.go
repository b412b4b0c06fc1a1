package urlpattern

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Set is an ordered list of URL glob patterns, e.g. "https://example.web.app/*".
// A '*' matches any run of characters, including '/'.
type Set struct {
	patterns []string
	globs    []glob.Glob
}

// Compile builds a Set from patterns. Blank entries are skipped.
func Compile(patterns []string) (*Set, error) {
	s := &Set{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile url pattern %q: %w", p, err)
		}
		s.patterns = append(s.patterns, p)
		s.globs = append(s.globs, g)
	}
	return s, nil
}

// MustCompile is like Compile but panics on an invalid pattern.
func MustCompile(patterns ...string) *Set {
	s, err := Compile(patterns)
	if err != nil {
		panic(err)
	}
	return s
}

// Match reports whether url matches any pattern in the set.
func (s *Set) Match(url string) bool {
	if s == nil || url == "" {
		return false
	}
	for _, g := range s.globs {
		if g.Match(url) {
			return true
		}
	}
	return false
}

// Patterns returns a copy of the source patterns in order.
func (s *Set) Patterns() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.patterns))
	copy(out, s.patterns)
	return out
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.patterns)
}
