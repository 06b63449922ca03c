package johm

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/gnethercutt/johm/johm_errors"
	"github.com/gnethercutt/johm/keys"
	"github.com/gnethercutt/johm/schema"
)

type Condition int

const (
	Equals Condition = iota
	NotEquals
	GreaterThan
	GreaterThanOrEqual
	LessThan
	LessThanOrEqual
)

func (c Condition) isRange() bool {
	return c >= GreaterThan
}

// Predicate is one conjunct of a find. Field is the struct field name, or
// "Ref.Sub" for an indexed attribute of a referenced record. All predicates
// of one find are ANDed.
type Predicate struct {
	Field string
	Cond  Condition
	Value any
}

// By is shorthand for an equality predicate.
func By(field string, value any) Predicate {
	return Predicate{Field: field, Cond: Equals, Value: value}
}

// Where builds a predicate with an explicit condition.
func Where(field string, cond Condition, value any) Predicate {
	return Predicate{Field: field, Cond: cond, Value: value}
}

// bounds accumulates range predicates on one comparable field into a single
// score window, in the store's bound syntax ("(" marks exclusive).
type bounds struct {
	key      string // the range index key
	min, max string
}

func newBounds(key string) *bounds {
	return &bounds{key: key, min: "-inf", max: "+inf"}
}

func (b *bounds) apply(cond Condition, score float64) {
	s := strconv.FormatFloat(score, 'f', -1, 64)
	switch cond {
	case GreaterThan:
		b.min = "(" + s
	case GreaterThanOrEqual:
		b.min = s
	case LessThan:
		b.max = "(" + s
	case LessThanOrEqual:
		b.max = s
	}
}

// query is a validated, key-resolved find: equality set keys, per-field
// range windows and in-process exclusions.
type query struct {
	namer   keys.Namer
	tag     string
	eqKeys  []string
	ranges  []*bounds
	notKeys []string
}

// compile validates every predicate against the model before any store
// round-trip and resolves each one to index keys. Predicates on unknown,
// unindexed or non-comparable fields fail here; so do empty values.
func compile(m *schema.Model, preds []Predicate) (*query, error) {
	q := &query{namer: keys.NewNamer(m.Name)}

	// the co-location tag comes from the equality predicate on the hashtag
	// field; tagged types cannot be queried without one
	if m.HashTag != nil {
		for _, p := range preds {
			if p.Field == m.HashTag.Name && p.Cond == Equals {
				v := valueString(p.Value)
				if v == "" {
					return nil, johm_errors.ErrInvalidValue
				}
				q.tag = keys.Tag(m.HashTag.Name, v)
				break
			}
		}
		if q.tag == "" {
			return nil, johm_errors.ErrMissingTag
		}
	}

	rangesByField := map[string]*bounds{}
	for _, p := range preds {
		val := valueString(p.Value)
		if val == "" {
			return nil, johm_errors.ErrInvalidValue
		}
		name, sub, nested := strings.Cut(p.Field, ".")
		f := m.Field(name)
		if f == nil {
			return nil, johm_errors.ErrNoSuchField
		}
		if !f.Is(schema.RoleIndexed) {
			return nil, johm_errors.ErrNotIndexed
		}
		if nested {
			if !f.Is(schema.RoleReference) {
				return nil, johm_errors.ErrNotIndexable
			}
			sf := f.Ref.Field(sub)
			if sf == nil {
				return nil, johm_errors.ErrNoSuchField
			}
			if !sf.Is(schema.RoleIndexed) {
				return nil, johm_errors.ErrNotIndexed
			}
			if p.Cond.isRange() {
				return nil, johm_errors.ErrNotComparable
			}
			key := q.namer.Key(q.tag, f.Name, sf.Name, val)
			if p.Cond == NotEquals {
				q.notKeys = append(q.notKeys, key)
			} else {
				q.eqKeys = append(q.eqKeys, key)
			}
			continue
		}
		if p.Cond.isRange() {
			if !f.Is(schema.RoleComparable) {
				return nil, johm_errors.ErrNotComparable
			}
			score, err := scoreOf(p.Value)
			if err != nil {
				return nil, err
			}
			key := q.namer.Key(q.tag, f.Name)
			b, ok := rangesByField[key]
			if !ok {
				b = newBounds(key)
				rangesByField[key] = b
				q.ranges = append(q.ranges, b)
			}
			b.apply(p.Cond, score)
			continue
		}
		key := q.namer.Key(q.tag, f.Name, val)
		if p.Cond == NotEquals {
			q.notKeys = append(q.notKeys, key)
		} else {
			q.eqKeys = append(q.eqKeys, key)
		}
	}
	return q, nil
}

// findIDs resolves a compiled query to record identities. Equality sets
// intersect server-side through a temporary destination; range windows
// intersect the equality result with zero weights so only the range score
// survives; exclusions and cross-window joins happen in process. Temporary
// keys are deleted on every path.
func (e *Engine) findIDs(ctx context.Context, q *query) ([]int64, error) {
	var result map[string]struct{}
	seeded := false

	if len(q.eqKeys) > 0 && len(q.ranges) == 0 {
		members, err := e.intersectSets(ctx, q)
		if err != nil {
			return nil, err
		}
		result = toSet(members)
		seeded = true
	}

	for i, b := range q.ranges {
		members, err := e.rangeMembers(ctx, q, b, i == 0)
		if err != nil {
			return nil, err
		}
		if !seeded {
			result = toSet(members)
			seeded = true
			continue
		}
		result = intersect(result, toSet(members))
	}

	// an exclusion-only query walks the whole enumeration set
	if !seeded {
		members, err := e.store.SMembers(ctx, q.namer.All())
		if err != nil {
			return nil, storeErr(err)
		}
		result = toSet(members)
	}

	for _, key := range q.notKeys {
		excluded, err := e.store.SMembers(ctx, key)
		if err != nil {
			return nil, storeErr(err)
		}
		for _, m := range excluded {
			delete(result, m)
		}
	}

	ids := make([]int64, 0, len(result))
	for m := range result {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// intersectSets resolves the pure-equality part. A single key needs no
// temporary destination.
func (e *Engine) intersectSets(ctx context.Context, q *query) ([]string, error) {
	if len(q.eqKeys) == 1 {
		members, err := e.store.SMembers(ctx, q.eqKeys[0])
		return members, storeErr(err)
	}
	dst := q.namer.Combined(q.tag, q.eqKeys...)
	if err := e.store.SInterStore(ctx, dst, q.eqKeys...); err != nil {
		return nil, storeErr(err)
	}
	members, err := e.store.SMembers(ctx, dst)
	if derr := e.store.Del(ctx, dst); derr != nil && err == nil {
		err = derr
	}
	return members, storeErr(err)
}

// rangeMembers resolves one range window. The first window folds the
// equality keys in: ZINTERSTORE with weight 1 on the range set and 0 on the
// equality sets keeps the range score as the combined score, and the window
// then cuts by score. Later windows run standalone and join in process.
func (e *Engine) rangeMembers(ctx context.Context, q *query, b *bounds, foldEq bool) ([]string, error) {
	if !foldEq || len(q.eqKeys) == 0 {
		members, err := e.store.ZRangeByScore(ctx, b.key, b.min, b.max)
		return members, storeErr(err)
	}
	srcs := append([]string{b.key}, q.eqKeys...)
	weights := make([]float64, len(srcs))
	weights[0] = 1
	dst := q.namer.Combined(q.tag, srcs...)
	if err := e.store.ZInterStoreWeights(ctx, dst, srcs, weights); err != nil {
		return nil, storeErr(err)
	}
	members, err := e.store.ZRangeByScore(ctx, dst, b.min, b.max)
	if derr := e.store.Del(ctx, dst); derr != nil && err == nil {
		err = derr
	}
	return members, storeErr(err)
}

func toSet(members []string) map[string]struct{} {
	s := make(map[string]struct{}, len(members))
	for _, m := range members {
		s[m] = struct{}{}
	}
	return s
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	for m := range a {
		if _, ok := b[m]; !ok {
			delete(a, m)
		}
	}
	return a
}
