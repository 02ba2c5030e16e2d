// Package migration implements the Migration Runner: applying a store's
// ordered, named transform steps to a record's data the first time it is
// loaded after being stamped with a prior version.
package migration

import (
	"fmt"

	"github.com/sharedcode/playerstore"
)

// Run applies every step in steps whose Name is not already present in
// applied, in configured order, to a deep copy of data. It returns the
// resulting data and the updated applied-migrations list (steps already
// present plus every step just run, in application order).
//
// If a step's Run returns an error, the whole run aborts and the original
// data/applied are returned unchanged alongside the error — migration is
// all-or-nothing so a partially-migrated record is never observed.
func Run(data map[string]any, applied []string, steps []playerstore.MigrationStep) (map[string]any, []string, error) {
	have := make(map[string]bool, len(applied))
	for _, name := range applied {
		have[name] = true
	}

	current := deepCopy(data)
	newApplied := append([]string(nil), applied...)

	for _, step := range steps {
		if have[step.Name] {
			continue
		}
		next, err := step.Run(deepCopy(current))
		if err != nil {
			return data, applied, fmt.Errorf("migration: step %q: %w", step.Name, err)
		}
		current = next
		newApplied = append(newApplied, step.Name)
	}
	return current, newApplied, nil
}

// CheckKnown verifies that every name in applied also names a step in
// steps: a record carrying an applied-migration the store doesn't
// recognize cannot be safely loaded, since the runner has no way to know
// what that step did to the data's shape.
func CheckKnown(applied []string, steps []playerstore.MigrationStep) error {
	known := make(map[string]bool, len(steps))
	for _, s := range steps {
		known[s.Name] = true
	}
	for _, name := range applied {
		if !known[name] {
			return playerstore.NewError(playerstore.KindUnknownMigration, "",
				fmt.Errorf("migration: applied step %q is not in the configured step list", name))
		}
	}
	return nil
}

func deepCopy(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopy(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return t
	}
}
