package dialog

import (
	"maps"
	"slices"
	"strings"
)

// CloneDocument deep-copies a requirement document. Nested maps and slices
// are copied so the result shares no memory with doc.
func CloneDocument(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneDocument(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return slices.Clone(t)
	case map[string]string:
		return maps.Clone(t)
	}
	return v
}

func (q Question) clone() Question {
	q.Options = slices.Clone(q.Options)
	if q.Min != nil {
		v := *q.Min
		q.Min = &v
	}
	if q.Max != nil {
		v := *q.Max
		q.Max = &v
	}
	q.Default = cloneValue(q.Default)
	return q
}

func cloneTurns(turns []Turn) []Turn {
	if turns == nil {
		return nil
	}
	out := make([]Turn, len(turns))
	for i, t := range turns {
		out[i] = Turn{Question: t.Question.clone(), Answer: cloneValue(t.Answer), At: t.At}
	}
	return out
}

func cloneChanges(changes []ChangeRecord) []ChangeRecord {
	if changes == nil {
		return nil
	}
	out := make([]ChangeRecord, len(changes))
	for i, c := range changes {
		c.Old = cloneValue(c.Old)
		c.New = cloneValue(c.New)
		out[i] = c
	}
	return out
}

// ValidField reports whether field is a usable dotted path: non-blank with
// no empty segments.
func ValidField(field string) bool {
	if strings.TrimSpace(field) == "" {
		return false
	}
	for _, key := range strings.Split(field, ".") {
		if strings.TrimSpace(key) == "" {
			return false
		}
	}
	return true
}

// LookupField returns the value at a dotted path, or nil.
func LookupField(doc map[string]any, path string) any {
	var cur any = doc
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

// SetField stores value at a dotted path, creating intermediate maps and
// replacing non-map values along the way.
func SetField(doc map[string]any, path string, value any) {
	keys := strings.Split(path, ".")
	cur := doc
	for _, key := range keys[:len(keys)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[key] = next
		}
		cur = next
	}
	cur[keys[len(keys)-1]] = value
}
