// Package query builds typed filters over the resource graph.
package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/converge/pkg/types"
)

// Wildcard is the single wildcard character accepted by Like
const Wildcard = "%"

type rangeOp int

const (
	opLesser rangeOp = iota
	opLesserOrEqual
	opGreater
	opGreaterOrEqual
)

type rangeClause struct {
	attr  string
	op    rangeOp
	value any
}

type likeClause struct {
	attr    string
	pattern string
}

type containsClause struct {
	attr  string
	value string
}

// Query is a validated predicate over one resource type and its subtypes
type Query struct {
	types    map[string]bool
	root     string
	ids      map[string]bool
	editors  map[string]bool
	equals   map[string]any
	ranges   []rangeClause
	likes    []likeClause
	contains []containsClause
	tagsAnd  []string
	tagsOr   []string
}

// Builder accumulates clauses. The first validation error is retained and
// returned by Build; later calls become no-ops.
type Builder struct {
	reg  *types.Registry
	desc *types.Descriptor
	q    *Query
	err  error
}

// New starts a query over resourceType and its registered subtypes
func New(reg *types.Registry, resourceType string) *Builder {
	b := &Builder{
		reg: reg,
		q: &Query{
			types:  make(map[string]bool),
			root:   resourceType,
			equals: make(map[string]any),
		},
	}

	desc, err := reg.Descriptor(resourceType)
	if err != nil {
		b.err = err
		return b
	}
	b.desc = desc
	for _, t := range reg.Subtypes(resourceType) {
		b.q.types[t] = true
	}
	return b
}

func (b *Builder) fail(format string, args ...any) *Builder {
	if b.err == nil {
		b.err = fmt.Errorf("%w: %s", types.ErrInvalidQuery, fmt.Sprintf(format, args...))
	}
	return b
}

func (b *Builder) attribute(name string) (*types.Attribute, bool) {
	if b.err != nil {
		return nil, false
	}
	attr, ok := b.desc.Attribute(name)
	if !ok {
		b.fail("%s has no attribute %s", b.desc.Type, name)
		return nil, false
	}
	return attr, true
}

// IDs restricts the query to the given internal ids
func (b *Builder) IDs(ids ...string) *Builder {
	if b.q.ids == nil {
		b.q.ids = make(map[string]bool)
	}
	for _, id := range ids {
		b.q.ids[id] = true
	}
	return b
}

// Editors restricts the query to resources authored by the given editors
func (b *Builder) Editors(editors ...string) *Builder {
	if b.q.editors == nil {
		b.q.editors = make(map[string]bool)
	}
	for _, e := range editors {
		b.q.editors[e] = true
	}
	return b
}

// Equals adds an equality clause. Each attribute accepts one clause.
func (b *Builder) Equals(name string, value any) *Builder {
	attr, ok := b.attribute(name)
	if !ok {
		return b
	}
	if _, exists := b.q.equals[name]; exists {
		return b.fail("attribute %s already has an equality clause", name)
	}
	if attr.Kind == types.AttrSet {
		return b.fail("attribute %s is a collection, use Contains", name)
	}
	v, err := normalize(attr.Kind, value)
	if err != nil {
		return b.fail("attribute %s: %v", name, err)
	}
	b.q.equals[name] = v
	return b
}

func (b *Builder) addRange(name string, op rangeOp, value any) *Builder {
	attr, ok := b.attribute(name)
	if !ok {
		return b
	}
	switch attr.Kind {
	case types.AttrNumber, types.AttrDate, types.AttrString:
	default:
		return b.fail("attribute %s of kind %s cannot be compared", name, attr.Kind)
	}
	v, err := normalize(attr.Kind, value)
	if err != nil {
		return b.fail("attribute %s: %v", name, err)
	}
	b.q.ranges = append(b.q.ranges, rangeClause{attr: name, op: op, value: v})
	return b
}

// Lesser matches attribute < value
func (b *Builder) Lesser(name string, value any) *Builder {
	return b.addRange(name, opLesser, value)
}

// LesserOrEqual matches attribute <= value
func (b *Builder) LesserOrEqual(name string, value any) *Builder {
	return b.addRange(name, opLesserOrEqual, value)
}

// Greater matches attribute > value
func (b *Builder) Greater(name string, value any) *Builder {
	return b.addRange(name, opGreater, value)
}

// GreaterOrEqual matches attribute >= value
func (b *Builder) GreaterOrEqual(name string, value any) *Builder {
	return b.addRange(name, opGreaterOrEqual, value)
}

// Like matches a string attribute against pattern where % matches any run
// of characters
func (b *Builder) Like(name, pattern string) *Builder {
	attr, ok := b.attribute(name)
	if !ok {
		return b
	}
	if attr.Kind != types.AttrString && attr.Kind != types.AttrEnum {
		return b.fail("attribute %s of kind %s does not support like", name, attr.Kind)
	}
	b.q.likes = append(b.q.likes, likeClause{attr: name, pattern: pattern})
	return b
}

// Contains matches set attributes holding value
func (b *Builder) Contains(name, value string) *Builder {
	attr, ok := b.attribute(name)
	if !ok {
		return b
	}
	if attr.Kind != types.AttrSet {
		return b.fail("attribute %s of kind %s is not a collection", name, attr.Kind)
	}
	b.q.contains = append(b.q.contains, containsClause{attr: name, value: value})
	return b
}

// TagsAnd requires every tag to be present
func (b *Builder) TagsAnd(tags ...string) *Builder {
	if len(b.q.tagsOr) > 0 {
		return b.fail("cannot mix AND and OR tag filters")
	}
	b.q.tagsAnd = append(b.q.tagsAnd, tags...)
	return b
}

// TagsOr requires at least one tag to be present
func (b *Builder) TagsOr(tags ...string) *Builder {
	if len(b.q.tagsAnd) > 0 {
		return b.fail("cannot mix AND and OR tag filters")
	}
	b.q.tagsOr = append(b.q.tagsOr, tags...)
	return b
}

// Build returns the query or the first validation error
func (b *Builder) Build() (*Query, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.q, nil
}

// MustBuild is Build for queries known to be valid
func (b *Builder) MustBuild() *Query {
	q, err := b.Build()
	if err != nil {
		panic(err)
	}
	return q
}

// ResourceType returns the queried root type
func (q *Query) ResourceType() string {
	return q.root
}

// Types returns the root type and its subtypes
func (q *Query) Types() []string {
	result := make([]string, 0, len(q.types))
	for t := range q.types {
		result = append(result, t)
	}
	return result
}

// MatchesType reports whether resources of resourceType are in scope
func (q *Query) MatchesType(resourceType string) bool {
	return q.types[resourceType]
}

// Matches evaluates the query against a resource and its tags
func (q *Query) Matches(reg *types.Registry, r types.Resource, tags []string) bool {
	if !q.types[r.ResourceType()] {
		return false
	}
	meta := r.Meta()
	if q.ids != nil && !q.ids[meta.ID] {
		return false
	}
	if q.editors != nil && !q.editors[meta.Editor] {
		return false
	}

	desc, err := reg.Descriptor(r.ResourceType())
	if err != nil {
		return false
	}

	for name, want := range q.equals {
		got, ok := desc.Value(r, name)
		if !ok {
			return false
		}
		if c, ok := compare(normalizeLoose(got), want); !ok || c != 0 {
			return false
		}
	}

	for _, rc := range q.ranges {
		got, ok := desc.Value(r, rc.attr)
		if !ok {
			return false
		}
		c, ok := compare(normalizeLoose(got), rc.value)
		if !ok {
			return false
		}
		switch rc.op {
		case opLesser:
			if c >= 0 {
				return false
			}
		case opLesserOrEqual:
			if c > 0 {
				return false
			}
		case opGreater:
			if c <= 0 {
				return false
			}
		case opGreaterOrEqual:
			if c < 0 {
				return false
			}
		}
	}

	for _, lc := range q.likes {
		got, ok := desc.Value(r, lc.attr)
		if !ok {
			return false
		}
		s, _ := got.(string)
		if !like(s, lc.pattern) {
			return false
		}
	}

	for _, cc := range q.contains {
		got, ok := desc.Value(r, cc.attr)
		if !ok {
			return false
		}
		set, _ := got.([]string)
		found := false
		for _, v := range set {
			if v == cc.value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(q.tagsAnd) > 0 || len(q.tagsOr) > 0 {
		present := make(map[string]bool, len(tags))
		for _, t := range tags {
			present[t] = true
		}
		for _, t := range q.tagsAnd {
			if !present[t] {
				return false
			}
		}
		if len(q.tagsOr) > 0 {
			matched := false
			for _, t := range q.tagsOr {
				if present[t] {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
	}

	return true
}

// normalize converts a clause value to the canonical Go type of kind
func normalize(kind types.AttrKind, value any) (any, error) {
	switch kind {
	case types.AttrString, types.AttrEnum:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", value)
		}
		return s, nil
	case types.AttrNumber:
		switch v := value.(type) {
		case int:
			return float64(v), nil
		case int32:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case float64:
			return v, nil
		}
		return nil, fmt.Errorf("expected number, got %T", value)
	case types.AttrDate:
		t, ok := value.(time.Time)
		if !ok {
			return nil, fmt.Errorf("expected time.Time, got %T", value)
		}
		return t, nil
	case types.AttrBool:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", value)
		}
		return b, nil
	}
	return nil, fmt.Errorf("kind %s does not take scalar values", kind)
}

// normalizeLoose converts attribute values read from a resource
func normalizeLoose(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	}
	return v
}

// compare returns -1, 0 or 1, and false when the values are not comparable
func compare(a, b any) (int, bool) {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return av.Compare(bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		if !av {
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

// like matches s against pattern, % being the only wildcard
func like(s, pattern string) bool {
	parts := strings.Split(pattern, Wildcard)
	if len(parts) == 1 {
		return s == pattern
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, last)
}
