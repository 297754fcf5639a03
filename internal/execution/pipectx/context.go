// Package pipectx holds the execution context that flows between the steps
// of a pipeline execution.
//
// A Context is a value: every mutation returns a new Context and the
// receiver is left untouched, so a step can never observe writes made by a
// later step or alias a map that the coordinator is about to persist.
package pipectx

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/animus-labs/mediaflow/internal/domain"
)

type Context struct {
	fields map[string]any
}

// New snapshots data into a Context.
func New(data domain.Data) Context {
	return Context{fields: deepCopyMap(data)}
}

func (c Context) Len() int {
	return len(c.fields)
}

func (c Context) Get(key string) (any, bool) {
	v, ok := c.fields[key]
	if !ok {
		return nil, false
	}
	return deepCopy(v), true
}

// String returns the field as a non-empty string. Numbers and booleans are
// rendered with fmt; objects and arrays are rejected.
func (c Context) String(key string) (string, bool) {
	v, ok := c.fields[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return "", false
		}
		return t, true
	case float64, int, int64, bool:
		return fmt.Sprint(t), true
	default:
		return "", false
	}
}

// With returns a new Context with delta merged over c. Later steps win on
// key collisions.
func (c Context) With(delta domain.Data) Context {
	next := make(map[string]any, len(c.fields)+len(delta))
	for k, v := range c.fields {
		next[k] = v
	}
	for k, v := range delta {
		next[k] = deepCopy(v)
	}
	return Context{fields: next}
}

// Data exports a deep copy suitable for persistence.
func (c Context) Data() domain.Data {
	return domain.Data(deepCopyMap(c.fields))
}

func (c Context) Keys() []string {
	keys := make([]string, 0, len(c.fields))
	for k := range c.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Render substitutes {{field}} placeholders from the context. Fields that
// are absent or not renderable as a string are returned in missing, in
// template order and without duplicates; their placeholders render empty.
func (c Context) Render(template string) (rendered string, missing []string) {
	seen := map[string]bool{}
	rendered = placeholder.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholder.FindStringSubmatch(match)[1]
		v, ok := c.String(key)
		if !ok && !seen[key] {
			seen[key] = true
			missing = append(missing, key)
		}
		return v
	})
	return rendered, missing
}

func deepCopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case domain.Data:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}
