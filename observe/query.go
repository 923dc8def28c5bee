// Package observe exposes read-only snapshots of a pool and the predicate
// language used to filter them.
package observe

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultJobLimit caps the number of job entries returned by a query unless
// the caller overrides it.
const DefaultJobLimit = 100

// Item is one snapshot entry: a property bag where absent keys are
// meaningful (a waiting job has no pid, a running job has no rcode).
// Values are string, int, int64, uint64 or float64.
type Item map[string]interface{}

// Predicate filters items by one property, parsed from pname[*][:beg[..end]]:
//
//	pname         property present with a non-null value
//	pname*        pass also when the property is absent
//	pname:v       property equals v
//	pname:b..e    b <= value < e
type Predicate struct {
	Name      string
	OrAbsent  bool
	HasExact  bool
	Exact     string
	HasRange  bool
	Beg, End  float64
}

// Query is a parsed filter: predicates combined with AND plus a job limit.
type Query struct {
	Predicates []Predicate
	JobLimit   int
}

// ParsePredicates parses a '|'-separated predicate list, e.g.
// "rcode*:-15|duration:1.5..3600|category*".
func ParsePredicates(fltr string) ([]Predicate, error) {
	if strings.TrimSpace(fltr) == "" {
		return nil, nil
	}
	var preds []Predicate
	for _, tok := range strings.Split(fltr, "|") {
		p, err := parsePredicate(strings.TrimSpace(tok))
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func parsePredicate(tok string) (Predicate, error) {
	var p Predicate
	name, rng, hasRng := strings.Cut(tok, ":")
	if strings.HasSuffix(name, "*") {
		p.OrAbsent = true
		name = strings.TrimSuffix(name, "*")
	}
	if name == "" {
		return p, fmt.Errorf("empty property name in predicate %q", tok)
	}
	p.Name = name
	if !hasRng {
		return p, nil
	}
	if rng == "" {
		return p, fmt.Errorf("empty range in predicate %q", tok)
	}
	beg, end, bounded := strings.Cut(rng, "..")
	if !bounded {
		p.HasExact = true
		p.Exact = beg
		return p, nil
	}
	var err error
	p.HasRange = true
	if p.Beg, err = strconv.ParseFloat(beg, 64); err != nil {
		return p, fmt.Errorf("bad range begin in predicate %q: %v", tok, err)
	}
	if p.End, err = strconv.ParseFloat(end, 64); err != nil {
		return p, fmt.Errorf("bad range end in predicate %q: %v", tok, err)
	}
	return p, nil
}

// ParseQuery combines a predicate list with a job limit. An empty jlim keeps
// the default.
func ParseQuery(fltr, jlim string) (Query, error) {
	preds, err := ParsePredicates(fltr)
	if err != nil {
		return Query{}, err
	}
	q := Query{Predicates: preds, JobLimit: DefaultJobLimit}
	if jlim != "" {
		n, err := strconv.Atoi(jlim)
		if err != nil || n < 0 {
			return Query{}, fmt.Errorf("bad jlim %q", jlim)
		}
		q.JobLimit = n
	}
	return q, nil
}

// Matches reports whether item passes the predicate.
func (p Predicate) Matches(item Item) bool {
	v, ok := item[p.Name]
	if !ok || v == nil {
		return p.OrAbsent
	}
	switch {
	case p.HasExact:
		if fv, isNum := asFloat(v); isNum {
			want, err := strconv.ParseFloat(p.Exact, 64)
			if err != nil {
				return false
			}
			return fv == want
		}
		return fmt.Sprintf("%v", v) == p.Exact
	case p.HasRange:
		fv, isNum := asFloat(v)
		return isNum && p.Beg <= fv && fv < p.End
	default:
		return true
	}
}

// Matches reports whether item passes every predicate of the query.
func (q Query) Matches(item Item) bool {
	for _, p := range q.Predicates {
		if !p.Matches(item) {
			return false
		}
	}
	return true
}

// Filter returns the items matching q, capped at limit entries when
// limit > 0.
func (q Query) Filter(items []Item, limit int) []Item {
	var out []Item
	for _, item := range items {
		if !q.Matches(item) {
			continue
		}
		out = append(out, item)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
