package bundle

import (
	"fmt"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar"

	"github.com/steveyegge/assetpack/internal/asset"
)

// Rule matches assets by url glob and/or type. Empty fields match
// everything.
type Rule struct {
	// URL is a doublestar glob over the asset url, e.g.
	// "db://assets/editor/**".
	URL string `toml:"url,omitempty" yaml:"url,omitempty" json:"url,omitempty"`
	// Type is an exact asset type name, e.g. "cc.AudioClip".
	Type string `toml:"type,omitempty" yaml:"type,omitempty" json:"type,omitempty"`
}

func (r Rule) String() string {
	switch {
	case r.URL != "" && r.Type != "":
		return fmt.Sprintf("%s (%s)", r.URL, r.Type)
	case r.Type != "":
		return r.Type
	default:
		return r.URL
	}
}

// Match reports whether a matches r.
func (r Rule) Match(a *asset.Asset) (bool, error) {
	if r.Type != "" && r.Type != a.Type {
		return false, nil
	}
	if r.URL == "" {
		return true, nil
	}
	ok, err := doublestar.Match(r.URL, a.URL)
	if err != nil {
		return false, fmt.Errorf("filter pattern %q: %w", r.URL, err)
	}
	return ok, nil
}

// FilterConfig is a bundle's allow/deny rule set. An asset is accepted
// when it matches some Include rule (or Include is empty) and no Exclude
// rule.
type FilterConfig struct {
	Include []Rule `toml:"include,omitempty" yaml:"include,omitempty" json:"include,omitempty"`
	Exclude []Rule `toml:"exclude,omitempty" yaml:"exclude,omitempty" json:"exclude,omitempty"`
}

// Validate checks every pattern.
func (f FilterConfig) Validate() error {
	for _, r := range append(append([]Rule(nil), f.Include...), f.Exclude...) {
		if r.URL == "" {
			continue
		}
		if _, err := doublestar.Match(r.URL, ""); err != nil {
			return fmt.Errorf("filter pattern %q: %w", r.URL, err)
		}
		if err := checkPattern(r.URL); err != nil {
			return fmt.Errorf("filter pattern %q: %w", r.URL, err)
		}
	}
	return nil
}

// Allows reports whether a passes the filter and, when it does not, why.
// A rule whose pattern fails to match with an error rejects a.
func (f FilterConfig) Allows(a *asset.Asset) (bool, string) {
	if len(f.Include) > 0 {
		included := false
		for _, r := range f.Include {
			ok, err := r.Match(a)
			if err != nil {
				return false, err.Error()
			}
			if ok {
				included = true
				break
			}
		}
		if !included {
			return false, "matches no include rule"
		}
	}
	for _, r := range f.Exclude {
		ok, err := r.Match(a)
		if err != nil {
			return false, err.Error()
		}
		if ok {
			return false, "excluded by " + r.String()
		}
	}
	return true, ""
}

// checkPattern walks all of pattern with the doublestar grammar.
// doublestar.Match stops at the first path component the name cannot
// match, so a malformed class or alternative later in the pattern only
// surfaces once some url reaches it.
func checkPattern(pattern string) error {
	for i := 0; i < len(pattern); {
		r, n := utf8.DecodeRuneInString(pattern[i:])
		i += n
		switch r {
		case '\\':
			if i >= len(pattern) {
				return doublestar.ErrBadPattern
			}
			_, n = utf8.DecodeRuneInString(pattern[i:])
			i += n
		case '[':
			end := closingBracket(pattern[i:])
			if end <= 0 {
				return doublestar.ErrBadPattern
			}
			if err := checkClass([]rune(pattern[i : i+end])); err != nil {
				return err
			}
			i += end + 1
		case '{':
			alts, end := alternatives(pattern[i:])
			if end < 0 {
				return doublestar.ErrBadPattern
			}
			for _, alt := range alts {
				if err := checkPattern(alt); err != nil {
					return err
				}
			}
			i += end
		}
	}
	return nil
}

// closingBracket returns the index of the first unescaped ']' in s, or -1.
func closingBracket(s string) int {
	esc := false
	for i, r := range s {
		switch {
		case esc:
			esc = false
		case r == '\\':
			esc = true
		case r == ']':
			return i
		}
	}
	return -1
}

func checkClass(class []rune) error {
	i := 0
	if class[0] == '^' {
		i++
	}
	next := func() (rune, error) {
		r := class[i]
		i++
		if r != '\\' {
			return r, nil
		}
		if i >= len(class) {
			return 0, doublestar.ErrBadPattern
		}
		r = class[i]
		i++
		return r, nil
	}
	for i < len(class) {
		if class[i] == '-' {
			return doublestar.ErrBadPattern
		}
		if _, err := next(); err != nil {
			return err
		}
		if i < len(class) && class[i] == '-' {
			i++
			if i >= len(class) || class[i] == '-' {
				return doublestar.ErrBadPattern
			}
			if _, err := next(); err != nil {
				return err
			}
		}
	}
	return nil
}

// alternatives splits the body of a {a,b} group, s starting just after
// the '{', and returns the index after the closing '}', or -1 when the
// group is unterminated.
func alternatives(s string) ([]string, int) {
	var alts []string
	depth, start := 1, 0
	esc := false
	for i, r := range s {
		switch {
		case esc:
			esc = false
		case r == '\\':
			esc = true
		case r == '{':
			depth++
		case r == '}':
			depth--
			if depth == 0 {
				return append(alts, s[start:i]), i + 1
			}
		case r == ',' && depth == 1:
			alts = append(alts, s[start:i])
			start = i + 1
		}
	}
	return nil, -1
}
