// Package identity parses and matches the project[:stack[:context]]
// semantic naming scheme shared by services, locks, agents, and
// channels, and translates patterns ("myapp:*", "*:api:main") into SQL
// LIKE clauses.
package identity

import (
	"regexp"
	"strings"

	"github.com/portdaddy/portd/internal/apierr"
)

// MaxLength is the maximum length of an identity or pattern string.
const MaxLength = 200

var componentRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Identity is a parsed project[:stack[:context]] name.
type Identity struct {
	Project string
	Stack   string
	Context string
}

// String renders the identity back to its canonical colon-separated form.
func (id Identity) String() string {
	parts := []string{id.Project}
	if id.Stack != "" {
		parts = append(parts, id.Stack)
	}
	if id.Context != "" {
		parts = append(parts, id.Context)
	}
	return strings.Join(parts, ":")
}

// Parse validates and parses a concrete (non-pattern) identity string.
func Parse(s string) (Identity, error) {
	if s == "" {
		return Identity{}, apierr.Validation("identity must not be empty")
	}
	if len(s) > MaxLength {
		return Identity{}, apierr.Validation("identity exceeds %d characters", MaxLength)
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return Identity{}, apierr.Validation("identity %q has too many components", s)
	}
	for i, p := range parts {
		if !componentRe.MatchString(p) {
			return Identity{}, apierr.Validation("identity component %d (%q) is invalid: must match [A-Za-z0-9._-]+", i+1, p)
		}
	}
	id := Identity{Project: parts[0]}
	if len(parts) > 1 {
		id.Stack = parts[1]
	}
	if len(parts) > 2 {
		id.Context = parts[2]
	}
	return id, nil
}

// Valid reports whether s is a well-formed concrete identity.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// ValidatePattern validates a pattern string: each component is either a
// literal (matching componentRe), a bare "*", or a literal with a
// trailing "*" suffix ("api*").
func ValidatePattern(s string) error {
	if s == "" {
		return apierr.Validation("pattern must not be empty")
	}
	if len(s) > MaxLength {
		return apierr.Validation("pattern exceeds %d characters", MaxLength)
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return apierr.Validation("pattern %q has too many components", s)
	}
	for i, p := range parts {
		if p == "*" {
			continue
		}
		literal := strings.TrimSuffix(p, "*")
		if literal == "" || !componentRe.MatchString(literal) {
			return apierr.Validation("pattern component %d (%q) is invalid", i+1, p)
		}
	}
	return nil
}

// ToLikeClause expands a validated pattern into a SQL LIKE pattern using
// "%" as the wildcard and escaping any literal "%" or "_" in the source
// components with the given escape character ('\').
func ToLikeClause(pattern string) string {
	parts := strings.Split(pattern, ":")
	escaped := make([]string, len(parts))
	for i, p := range parts {
		if p == "*" {
			escaped[i] = "%"
			continue
		}
		hasSuffix := strings.HasSuffix(p, "*")
		literal := strings.TrimSuffix(p, "*")
		literal = escapeLike(literal)
		if hasSuffix {
			escaped[i] = literal + "%"
		} else {
			escaped[i] = literal
		}
	}
	return strings.Join(escaped, ":")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// MatchPattern reports whether the concrete identity s matches
// pattern, with the same semantics as the SQL LIKE clause ToLikeClause
// produces: "*" or a trailing "*" in the final component spans every
// remaining component, wildcards elsewhere match exactly one.
func MatchPattern(pattern, s string) bool {
	if err := ValidatePattern(pattern); err != nil {
		return false
	}
	pp := strings.Split(pattern, ":")
	sp := strings.Split(s, ":")
	if len(sp) < len(pp) {
		return false
	}
	for i, p := range pp {
		last := i == len(pp)-1
		if p == "*" {
			if last {
				return true
			}
			continue
		}
		if strings.HasSuffix(p, "*") {
			if !strings.HasPrefix(sp[i], strings.TrimSuffix(p, "*")) {
				return false
			}
			if last {
				return true
			}
			continue
		}
		if p != sp[i] {
			return false
		}
	}
	return len(sp) == len(pp)
}

// IsPrefixOf reports whether candidate's identity components form a
// prefix of target's (used to find dead agents sharing a broader
// identity scope for resurrection salvage hints).
func IsPrefixOf(candidate, target Identity) bool {
	if candidate.Project != target.Project {
		return false
	}
	if candidate.Stack == "" {
		return true
	}
	if candidate.Stack != target.Stack {
		return false
	}
	if candidate.Context == "" {
		return true
	}
	return candidate.Context == target.Context
}
