package index

import (
	"fmt"
	"strings"

	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// ConstraintKind selects how one lookup constraint matches.
type ConstraintKind int

// Lookup constraint kinds.
const (
	KindEqual ConstraintKind = iota
	KindRange
	KindWildcard
	KindList
)

// LookupConstraint is one conjunct of a DatabaseLookup query.
type LookupConstraint struct {
	Tag           types.Tag
	Kind          ConstraintKind
	Value         string   // Equal, Wildcard
	Values        []string // List
	Lower, Upper  string   // Range bounds; empty means unbounded
	CaseSensitive bool
	Mandatory     bool
}

// matches evaluates the constraint against a tag value in memory.
func (c *LookupConstraint) matches(value string, present bool) bool {
	if !present {
		// Non-mandatory constraints accept resources missing the tag.
		return !c.Mandatory
	}
	norm := func(s string) string {
		if c.CaseSensitive {
			return s
		}
		return strings.ToLower(s)
	}
	v := norm(value)
	switch c.Kind {
	case KindEqual:
		return v == norm(c.Value)
	case KindRange:
		if c.Lower != "" && v < norm(c.Lower) {
			return false
		}
		if c.Upper != "" && v > norm(c.Upper) {
			return false
		}
		return true
	case KindWildcard:
		return wildcardMatch(norm(c.Value), v)
	case KindList:
		for _, candidate := range c.Values {
			if v == norm(candidate) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// wildcardMatch evaluates a DICOM wildcard pattern (* and ?) against s.
func wildcardMatch(pattern, s string) bool {
	// Iterative matcher with single backtrack point for '*'.
	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == s[si]):
			pi++
			si++
		case pi < len(pattern) && pattern[pi] == '*':
			star = pi
			mark = si
			pi++
		case star != -1:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// identifierSeed returns the constraint usable as the index seed: a
// mandatory case-sensitive Equal on an identifier tag. Case-insensitive
// constraints cannot seed the exact-match SQL scan; they fall through to
// the full level scan and the in-memory filter.
func identifierSeed(level types.Level, constraints []LookupConstraint) *LookupConstraint {
	for i := range constraints {
		c := &constraints[i]
		if c.Mandatory && c.CaseSensitive && c.Kind == KindEqual && types.IsIdentifierTag(level, c.Tag) {
			return c
		}
	}
	return nil
}

// Lookup evaluates a conjunction of constraints at one level. The most
// selective mandatory equal-constraint on an identifier tag seeds the
// scan; other identifier constraints intersect against the index; the
// remaining constraints filter in memory against the main tags. Results
// are capped by limit (0 means unlimited) and ordered by internal id.
func (t *Tx) Lookup(level types.Level, constraints []LookupConstraint, limit int) ([]int64, error) {
	var candidates []int64
	seed := identifierSeed(level, constraints)

	if seed != nil {
		ids, err := t.LookupIdentifier(level, seed.Tag, ConstraintEqual, seed.Value)
		if err != nil {
			return nil, err
		}
		candidates = ids
	} else {
		rows, err := t.tx.Query(
			"SELECT internal_id FROM resources WHERE level = ? ORDER BY internal_id",
			string(level))
		if err != nil {
			return nil, fmt.Errorf("scanning level: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return nil, fmt.Errorf("scanning candidate: %w", err)
			}
			candidates = append(candidates, id)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	// Intersect against the other mandatory case-sensitive equal
	// identifier constraints.
	for i := range constraints {
		c := &constraints[i]
		if c == seed || !c.Mandatory || !c.CaseSensitive || c.Kind != KindEqual || !types.IsIdentifierTag(level, c.Tag) {
			continue
		}
		ids, err := t.LookupIdentifier(level, c.Tag, ConstraintEqual, c.Value)
		if err != nil {
			return nil, err
		}
		candidates = intersect(candidates, ids)
		if len(candidates) == 0 {
			return nil, nil
		}
	}

	// Filter the rest in memory against the main tags.
	var results []int64
	for _, id := range candidates {
		tags, err := t.GetMainDicomTags(id)
		if err != nil {
			return nil, err
		}
		ok := true
		for i := range constraints {
			c := &constraints[i]
			value, present := tags[c.Tag]
			if !c.matches(value, present) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		results = append(results, id)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// intersect keeps the ids present in both sorted slices.
func intersect(a, b []int64) []int64 {
	set := make(map[int64]bool, len(b))
	for _, id := range b {
		set[id] = true
	}
	var out []int64
	for _, id := range a {
		if set[id] {
			out = append(out, id)
		}
	}
	return out
}
