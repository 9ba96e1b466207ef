package strata

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Match reports whether doc satisfies the filter. An empty filter matches everything.
func (f Filter) Match(doc map[string]any) bool {
	return matchFilter(map[string]any(f), doc)
}

// Matches reports whether the record satisfies the query's filter.
func (q *Query) Matches(r Record) bool {
	if q == nil || len(q.Filter) == 0 {
		return true
	}
	return q.Filter.Match(r.Document())
}

// Apply filters, sorts, skips, limits and projects records in memory.
// Input order is the tiebreaker for equal sort keys.
func (q *Query) Apply(records []Record) []Record {
	if q == nil {
		q = NewQuery()
	}
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if q.Matches(r) {
			out = append(out, r)
		}
	}
	if len(q.Sort) > 0 {
		docs := make([]map[string]any, len(out))
		for i := range out {
			docs[i] = out[i].Document()
		}
		idx := make([]int, len(out))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool {
			return lessBySort(docs[idx[a]], docs[idx[b]], q.Sort)
		})
		sorted := make([]Record, len(out))
		for i, j := range idx {
			sorted[i] = out[j]
		}
		out = sorted
	}
	if q.Skip > 0 {
		if q.Skip >= len(out) {
			out = out[:0]
		} else {
			out = out[q.Skip:]
		}
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	if len(q.Fields) > 0 {
		for i := range out {
			out[i] = project(out[i], q.Fields)
		}
	}
	return out
}

func project(r Record, fields []string) Record {
	p := Record{ID: r.ID, ACL: r.ACL, Meta: r.Meta, Fields: map[string]any{}}
	for _, f := range fields {
		if v, ok := r.Fields[f]; ok {
			p.Fields[f] = v
		}
	}
	return p
}

func lessBySort(a, b map[string]any, keys []SortKey) bool {
	for _, k := range keys {
		av, _ := lookupPath(a, k.Field)
		bv, _ := lookupPath(b, k.Field)
		c := compareValues(av, bv)
		if c == 0 {
			continue
		}
		if k.Desc {
			return c > 0
		}
		return c < 0
	}
	return false
}

func matchFilter(f map[string]any, doc map[string]any) bool {
	for key, cond := range f {
		switch key {
		case "$and":
			for _, sub := range asFilterList(cond) {
				if !matchFilter(sub, doc) {
					return false
				}
			}
		case "$or":
			subs := asFilterList(cond)
			ok := false
			for _, sub := range subs {
				if matchFilter(sub, doc) {
					ok = true
					break
				}
			}
			if !ok {
				return false
			}
		case "$nor":
			for _, sub := range asFilterList(cond) {
				if matchFilter(sub, doc) {
					return false
				}
			}
		default:
			if !matchField(doc, key, cond) {
				return false
			}
		}
	}
	return true
}

func asFilterList(v any) []map[string]any {
	var out []map[string]any
	switch list := v.(type) {
	case []any:
		for _, item := range list {
			if m := asFilter(item); m != nil {
				out = append(out, m)
			}
		}
	case []map[string]any:
		out = list
	case []Filter:
		for _, item := range list {
			out = append(out, map[string]any(item))
		}
	}
	return out
}

func asFilter(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case Filter:
		return map[string]any(m)
	}
	return nil
}

func isOperatorMap(v any) (map[string]any, bool) {
	m := asFilter(v)
	if len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func matchField(doc map[string]any, field string, cond any) bool {
	val, present := lookupPath(doc, field)
	ops, ok := isOperatorMap(cond)
	if !ok {
		return valueEquals(val, present, normalizeValue(cond))
	}
	for op, operand := range ops {
		operand = normalizeValue(operand)
		switch op {
		case "$eq":
			if !valueEquals(val, present, operand) {
				return false
			}
		case "$ne":
			if valueEquals(val, present, operand) {
				return false
			}
		case "$gt", "$gte", "$lt", "$lte":
			if !orderedMatch(val, present, op, operand) {
				return false
			}
		case "$in":
			if !valueIn(val, present, operand) {
				return false
			}
		case "$nin":
			if valueIn(val, present, operand) {
				return false
			}
		case "$all":
			if !containsAll(val, operand) {
				return false
			}
		case "$exists":
			want, _ := operand.(bool)
			if present != want {
				return false
			}
		case "$regex":
			if !regexMatch(val, operand, ops["$options"]) {
				return false
			}
		case "$options":
			// consumed by $regex
		default:
			return false
		}
	}
	return true
}

// valueEquals implements equality with array-element matching: an array field
// equals a scalar when any element does. Null matches a missing field.
func valueEquals(val any, present bool, want any) bool {
	if want == nil {
		return !present || val == nil
	}
	if !present {
		return false
	}
	if arr, ok := val.([]any); ok {
		if _, wantArr := want.([]any); !wantArr {
			for _, el := range arr {
				if deepEqual(el, want) {
					return true
				}
			}
			return false
		}
	}
	return deepEqual(val, want)
}

func valueIn(val any, present bool, operand any) bool {
	list, ok := operand.([]any)
	if !ok {
		return false
	}
	for _, candidate := range list {
		if valueEquals(val, present, candidate) {
			return true
		}
	}
	return false
}

func containsAll(val any, operand any) bool {
	arr, ok := val.([]any)
	if !ok {
		return false
	}
	want, ok := operand.([]any)
	if !ok {
		return false
	}
	for _, w := range want {
		found := false
		for _, el := range arr {
			if deepEqual(el, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// orderedMatch compares only within the same type class; missing, null and
// mismatched types never match an ordering comparison.
func orderedMatch(val any, present bool, op string, operand any) bool {
	if !present || val == nil || operand == nil {
		return false
	}
	candidates := []any{val}
	if arr, ok := val.([]any); ok {
		candidates = arr
	}
	for _, c := range candidates {
		if typeRank(c) != typeRank(operand) || typeRank(c) == rankObject || typeRank(c) == rankArray {
			continue
		}
		cmp := compareValues(c, operand)
		var ok bool
		switch op {
		case "$gt":
			ok = cmp > 0
		case "$gte":
			ok = cmp >= 0
		case "$lt":
			ok = cmp < 0
		case "$lte":
			ok = cmp <= 0
		}
		if ok {
			return true
		}
	}
	return false
}

var regexCache sync.Map

func compileRegex(pattern, options string) (*regexp.Regexp, error) {
	key := options + "/" + pattern
	if re, ok := regexCache.Load(key); ok {
		return re.(*regexp.Regexp), nil
	}
	expr := pattern
	if strings.Contains(options, "i") {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	regexCache.Store(key, re)
	return re, nil
}

func regexMatch(val any, pattern any, options any) bool {
	p, ok := pattern.(string)
	if !ok {
		return false
	}
	opts, _ := options.(string)
	re, err := compileRegex(p, opts)
	if err != nil {
		return false
	}
	switch v := val.(type) {
	case string:
		return re.MatchString(v)
	case []any:
		for _, el := range v {
			if s, ok := el.(string); ok && re.MatchString(s) {
				return true
			}
		}
	}
	return false
}

const (
	rankNull = iota
	rankNumber
	rankString
	rankObject
	rankArray
	rankBool
)

func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return rankNull
	case float64:
		return rankNumber
	case string:
		return rankString
	case map[string]any:
		return rankObject
	case []any:
		return rankArray
	case bool:
		return rankBool
	}
	return rankObject
}

// compareValues is a total order across types: null < numbers < strings <
// objects < arrays < booleans.
func compareValues(a, b any) int {
	a, b = normalizeValue(a), normalizeValue(b)
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case nil:
		return 0
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		return strings.Compare(av, b.(string))
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		}
		return 1
	case []any:
		bv := b.([]any)
		for i := 0; i < len(av) && i < len(bv); i++ {
			if c := compareValues(av[i], bv[i]); c != 0 {
				return c
			}
		}
		switch {
		case len(av) < len(bv):
			return -1
		case len(av) > len(bv):
			return 1
		}
		return 0
	}
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return strings.Compare(string(aj), string(bj))
}

func deepEqual(a, b any) bool {
	return reflect.DeepEqual(normalizeValue(a), normalizeValue(b))
}

// normalizeValue maps Go values onto the JSON value space so local
// evaluation sees what the server would see.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case nil, string, bool, float64:
		return x
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return f
	case time.Time:
		return FormatTime(x)
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = normalizeValue(el)
		}
		return out
	case []string:
		return stringsToAny(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, el := range x {
			out[k] = normalizeValue(el)
		}
		return out
	case Filter:
		return normalizeValue(map[string]any(x))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data)
	}
	return out
}

// lookupPath resolves a dotted field path inside nested objects.
func lookupPath(doc map[string]any, path string) (any, bool) {
	if v, ok := doc[path]; ok {
		return normalizeValue(v), true
	}
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m := asFilter(cur)
		if m == nil {
			return nil, false
		}
		next, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return normalizeValue(cur), true
}

func regexpQuote(s string) string {
	return regexp.QuoteMeta(s)
}
