package sources

import (
	"fmt"
	"regexp"
	"sort"
)

type brandPattern struct {
	name    string
	pattern *regexp.Regexp
}

// BrandMatcher is the fixed brand -> pattern table, built once at startup
type BrandMatcher struct {
	brands []brandPattern
}

// NewBrandMatcher wraps already compiled patterns. Brands are kept in name order
// so every adapter emits multi-brand matches in the same order.
func NewBrandMatcher(patterns map[string]*regexp.Regexp) *BrandMatcher {
	m := &BrandMatcher{}
	for name, re := range patterns {
		m.brands = append(m.brands, brandPattern{name: name, pattern: re})
	}
	sort.Slice(m.brands, func(i, j int) bool { return m.brands[i].name < m.brands[j].name })
	return m
}

// CompileBrandMatcher compiles case-insensitive patterns and fails on the first invalid one
func CompileBrandMatcher(patterns map[string]string) (*BrandMatcher, error) {
	compiled := make(map[string]*regexp.Regexp, len(patterns))
	for name, pattern := range patterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("brand %q: %w", name, err)
		}
		compiled[name] = re
	}
	return NewBrandMatcher(compiled), nil
}

// Match returns every brand whose pattern occurs in text
func (m *BrandMatcher) Match(text string) []string {
	var matched []string
	for _, b := range m.brands {
		if b.pattern.MatchString(text) {
			matched = append(matched, b.name)
		}
	}
	return matched
}

// Brands returns the tracked brand names in order
func (m *BrandMatcher) Brands() []string {
	names := make([]string, len(m.brands))
	for i, b := range m.brands {
		names[i] = b.name
	}
	return names
}
