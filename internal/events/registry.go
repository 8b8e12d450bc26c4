package events

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrUnknownEventKey is returned when no table pair exists for an event key.
var ErrUnknownEventKey = errors.New("events: unknown event key")

var eventKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Table is the physical success/failure table pair backing one event key.
type Table struct {
	EventKey string
	Success  string
	Failure  string
}

// Registry maps event keys to their table pairs.
type Registry struct {
	tables map[string]Table
	keys   []string
}

// NewRegistry builds a registry, deriving table names from each key.
func NewRegistry(keys []string) (*Registry, error) {
	r := &Registry{tables: make(map[string]Table, len(keys))}
	for _, raw := range keys {
		key := strings.ToLower(strings.TrimSpace(raw))
		if !eventKeyPattern.MatchString(key) {
			return nil, fmt.Errorf("invalid event key %q", raw)
		}
		if _, dup := r.tables[key]; dup {
			continue
		}
		base := tableBase(key)
		r.tables[key] = Table{
			EventKey: key,
			Success:  base + "_success",
			Failure:  base + "_failure",
		}
		r.keys = append(r.keys, key)
	}
	sort.Strings(r.keys)
	return r, nil
}

// Resolve returns the table pair for key.
func (r *Registry) Resolve(key string) (Table, error) {
	t, ok := r.tables[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return Table{}, fmt.Errorf("%w: %q", ErrUnknownEventKey, key)
	}
	return t, nil
}

// Keys returns every registered event key in sorted order.
func (r *Registry) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

func tableBase(key string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(key)
}
