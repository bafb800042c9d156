// Package rules holds the publisher rule table: which publisher may sign
// which attribute under which lifecycle condition.
package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Condition is the lifecycle phase of a merge.
type Condition string

const (
	ConditionCreate Condition = "create"
	ConditionUpdate Condition = "update"
)

// Table maps condition -> attribute path -> allowed publishers. It is
// immutable once loaded; a malformed table is a configuration error at load
// time, never a runtime rejection.
type Table struct {
	rules map[Condition]map[string][]string
}

type tableDocument map[string]map[string][]string

// Load reads a rule table from a JSON document of the shape
//
//	{"create": {"user_id": ["ldap"], "access_information.ldap": ["ldap"]}, "update": {...}}
//
// Both conditions must be present and every rule must name at least one
// publisher.
func Load(data []byte) (*Table, error) {
	var doc tableDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse publisher rules: %w", err)
	}

	t := &Table{rules: make(map[Condition]map[string][]string, 2)}
	for _, cond := range []Condition{ConditionCreate, ConditionUpdate} {
		attrs, ok := doc[string(cond)]
		if !ok {
			return nil, fmt.Errorf("publisher rules missing condition %q", cond)
		}
		byPath := make(map[string][]string, len(attrs))
		for path, publishers := range attrs {
			if len(publishers) == 0 {
				return nil, fmt.Errorf("publisher rules: empty publisher set for %q under %q", path, cond)
			}
			byPath[path] = append([]string(nil), publishers...)
		}
		t.rules[cond] = byPath
	}
	return t, nil
}

// LoadFile reads the rule table from a local JSON file.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read publisher rules: %w", err)
	}
	return Load(data)
}

// Authorized reports whether publisher may sign the attribute at path under
// the given condition. For group members a group-wide rule wins; a
// per-subkey rule is the fallback. Attributes absent from the table are not
// authorized for anyone.
func (t *Table) Authorized(cond Condition, path, publisher string) bool {
	byPath, ok := t.rules[cond]
	if !ok {
		return false
	}
	if group, _, nested := strings.Cut(path, "."); nested {
		if publishers, ok := byPath[group]; ok {
			return contains(publishers, publisher)
		}
	}
	publishers, ok := byPath[path]
	if !ok {
		return false
	}
	return contains(publishers, publisher)
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
