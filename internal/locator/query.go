package locator

import (
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Query is either an ordered set of parameters or a pre-serialized string.
// A nil *Query means the locator carries no query at all.
type Query struct {
	raw    string
	params *orderedmap.OrderedMap[string, string]
}

// QueryString wraps an already serialized query; it is passed through verbatim.
func QueryString(raw string) *Query {
	return &Query{raw: raw}
}

// QueryParams builds a query from key/value pairs, keeping their order.
// A trailing key without a value is kept with an empty value.
func QueryParams(kv ...string) *Query {
	q := &Query{params: orderedmap.New[string, string]()}
	for i := 0; i < len(kv); i += 2 {
		value := ""
		if i+1 < len(kv) {
			value = kv[i+1]
		}
		q.params.Set(kv[i], value)
	}
	return q
}

// Set adds or replaces a parameter. Setting a parameter on a string query
// turns it into a parameter query.
func (q *Query) Set(key, value string) *Query {
	if q.params == nil {
		q.params = orderedmap.New[string, string]()
		q.raw = ""
	}
	q.params.Set(key, value)
	return q
}

// String serializes parameters as key=value pairs joined by '&'. Values are
// not escaped; callers encode them up front.
func (q *Query) String() string {
	if q == nil {
		return ""
	}
	if q.params == nil {
		return q.raw
	}
	parts := make([]string, 0, q.params.Len())
	for pair := q.params.Oldest(); pair != nil; pair = pair.Next() {
		parts = append(parts, pair.Key+"="+pair.Value)
	}
	return strings.Join(parts, "&")
}
