package strata

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Filter is a document predicate in the remote store's query language:
// field -> value for equality, or field -> {"$op": operand} for operators.
// "$and", "$or" and "$nor" combine sub-filters.
type Filter map[string]any

// SortKey orders results by one field.
type SortKey struct {
	Field string
	Desc  bool
}

// Query selects records by predicate, then sorts, skips and limits them.
// The same Query evaluates identically against the cache and the remote store.
type Query struct {
	Filter Filter
	Sort   []SortKey
	Skip   int
	Limit  int
	// Fields restricts returned fields; reserved fields are always kept.
	Fields []string
}

// NewQuery returns an empty query that matches every record.
func NewQuery() *Query {
	return &Query{Filter: Filter{}}
}

func (q *Query) addOp(field, op string, operand any) *Query {
	if q.Filter == nil {
		q.Filter = Filter{}
	}
	cond, ok := q.Filter[field].(map[string]any)
	if !ok {
		cond = map[string]any{}
		if existing, had := q.Filter[field]; had {
			cond["$eq"] = existing
		}
		q.Filter[field] = cond
	}
	cond[op] = normalizeValue(operand)
	return q
}

// Equal matches records whose field equals v.
func (q *Query) Equal(field string, v any) *Query {
	if q.Filter == nil {
		q.Filter = Filter{}
	}
	if _, ok := q.Filter[field].(map[string]any); ok {
		return q.addOp(field, "$eq", v)
	}
	q.Filter[field] = normalizeValue(v)
	return q
}

func (q *Query) NotEqual(field string, v any) *Query    { return q.addOp(field, "$ne", v) }
func (q *Query) GreaterThan(field string, v any) *Query { return q.addOp(field, "$gt", v) }
func (q *Query) LessThan(field string, v any) *Query    { return q.addOp(field, "$lt", v) }

func (q *Query) GreaterThanOrEqual(field string, v any) *Query {
	return q.addOp(field, "$gte", v)
}

func (q *Query) LessThanOrEqual(field string, v any) *Query {
	return q.addOp(field, "$lte", v)
}

// In matches records whose field equals any of values, or whose array field
// shares an element with values.
func (q *Query) In(field string, values ...any) *Query { return q.addOp(field, "$in", values) }

// NotIn is the negation of In.
func (q *Query) NotIn(field string, values ...any) *Query { return q.addOp(field, "$nin", values) }

// All matches array fields containing every one of values.
func (q *Query) All(field string, values ...any) *Query { return q.addOp(field, "$all", values) }

// Exists matches records where the field is present (or absent).
func (q *Query) Exists(field string, present bool) *Query { return q.addOp(field, "$exists", present) }

// Regex matches string fields against a regular expression.
func (q *Query) Regex(field, pattern string) *Query { return q.addOp(field, "$regex", pattern) }

// StartsWith matches string fields with the given prefix.
func (q *Query) StartsWith(field, prefix string) *Query {
	return q.Regex(field, "^"+regexpQuote(prefix))
}

// Contains matches string fields containing substr.
func (q *Query) Contains(field, substr string) *Query {
	return q.Regex(field, regexpQuote(substr))
}

// Or matches records satisfying this query's filter or any of the others'.
func (q *Query) Or(others ...*Query) *Query {
	clauses := make([]any, 0, len(others)+1)
	if len(q.Filter) > 0 {
		clauses = append(clauses, map[string]any(q.Filter))
	}
	for _, o := range others {
		if o != nil {
			clauses = append(clauses, map[string]any(o.Filter))
		}
	}
	q.Filter = Filter{"$or": clauses}
	return q
}

// Ascending appends an ascending sort key.
func (q *Query) Ascending(field string) *Query {
	q.Sort = append(q.Sort, SortKey{Field: field})
	return q
}

// Descending appends a descending sort key.
func (q *Query) Descending(field string) *Query {
	q.Sort = append(q.Sort, SortKey{Field: field, Desc: true})
	return q
}

// WithSkip sets the number of leading results to drop.
func (q *Query) WithSkip(n int) *Query {
	q.Skip = n
	return q
}

// WithLimit caps the number of results; zero means unlimited.
func (q *Query) WithLimit(n int) *Query {
	q.Limit = n
	return q
}

// WithFields projects results onto the named fields.
func (q *Query) WithFields(fields ...string) *Query {
	q.Fields = fields
	return q
}

// IsFiltered reports whether the query narrows the record set by predicate.
func (q *Query) IsFiltered() bool {
	return q != nil && len(q.Filter) > 0
}

// HasRange reports whether the query uses skip or limit.
func (q *Query) HasRange() bool {
	return q != nil && (q.Skip > 0 || q.Limit > 0)
}

// Clone returns a copy that can be modified without affecting q.
func (q *Query) Clone() *Query {
	if q == nil {
		return NewQuery()
	}
	out := &Query{
		Filter: Filter{},
		Sort:   append([]SortKey(nil), q.Sort...),
		Skip:   q.Skip,
		Limit:  q.Limit,
		Fields: append([]string(nil), q.Fields...),
	}
	for k, v := range q.Filter {
		out.Filter[k] = v
	}
	return out
}

// Key is the canonical form of the filter, used to key delta-set cursors.
func (q *Query) Key() string {
	if q == nil || len(q.Filter) == 0 {
		return "{}"
	}
	data, err := json.Marshal(q.Filter)
	if err != nil {
		return fmt.Sprintf("%v", q.Filter)
	}
	return string(data)
}

// EncodeSort renders sort keys as "field,-field".
func EncodeSort(keys []SortKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		if k.Desc {
			parts[i] = "-" + k.Field
		} else {
			parts[i] = k.Field
		}
	}
	return strings.Join(parts, ",")
}

// DecodeSort parses the output of EncodeSort.
func DecodeSort(s string) []SortKey {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var keys []SortKey
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "-") {
			keys = append(keys, SortKey{Field: part[1:], Desc: true})
		} else {
			keys = append(keys, SortKey{Field: part})
		}
	}
	return keys
}

// Values encodes the query as request parameters: query, sort, skip, limit, fields.
func (q *Query) Values() (url.Values, error) {
	v := url.Values{}
	if q == nil {
		return v, nil
	}
	if len(q.Filter) > 0 {
		data, err := json.Marshal(q.Filter)
		if err != nil {
			return nil, fmt.Errorf("query: encode filter: %w", err)
		}
		v.Set("query", string(data))
	}
	if len(q.Sort) > 0 {
		v.Set("sort", EncodeSort(q.Sort))
	}
	if q.Skip > 0 {
		v.Set("skip", strconv.Itoa(q.Skip))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if len(q.Fields) > 0 {
		v.Set("fields", strings.Join(q.Fields, ","))
	}
	return v, nil
}

// ParseQuery decodes request parameters produced by Values.
func ParseQuery(v url.Values) (*Query, error) {
	q := NewQuery()
	if raw := v.Get("query"); raw != "" {
		var f Filter
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			return nil, fmt.Errorf("query: decode filter: %w", err)
		}
		q.Filter = f
	}
	q.Sort = DecodeSort(v.Get("sort"))
	for _, p := range []struct {
		name string
		dst  *int
	}{{"skip", &q.Skip}, {"limit", &q.Limit}} {
		raw := v.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("query: invalid %s %q", p.name, raw)
		}
		*p.dst = n
	}
	if raw := v.Get("fields"); raw != "" {
		q.Fields = strings.Split(raw, ",")
	}
	return q, nil
}
