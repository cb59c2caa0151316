package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// Rewrite maps a manifest source identifier to its content location,
// e.g. rewriting a MinHash file path to the JSONL file it was hashed
// from, or a remote prefix to a local mount.
type Rewrite struct {
	re   *regexp.Regexp
	repl string
}

// ParseRewrite parses a "PATTERN:REPL" rule. PATTERN is a regular
// expression; REPL may reference capture groups with $1, $2, ...
func ParseRewrite(s string) (Rewrite, error) {
	pattern, repl, ok := strings.Cut(s, ":")
	if !ok {
		return Rewrite{}, fmt.Errorf("rewrite rule %q: want PATTERN:REPL", s)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rewrite{}, fmt.Errorf("rewrite rule %q: %w", s, err)
	}
	return Rewrite{re: re, repl: repl}, nil
}

// ParseRewrites parses a list of rules, applied in order.
func ParseRewrites(rules []string) ([]Rewrite, error) {
	out := make([]Rewrite, 0, len(rules))
	for _, r := range rules {
		rw, err := ParseRewrite(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rw)
	}
	return out, nil
}

// Apply rewrites path with this rule.
func (r Rewrite) Apply(path string) string {
	return r.re.ReplaceAllString(path, r.repl)
}

// ResolveSource applies all rules, in order, to a source identifier.
func ResolveSource(rewrites []Rewrite, source string) string {
	for _, r := range rewrites {
		source = r.Apply(source)
	}
	return source
}
