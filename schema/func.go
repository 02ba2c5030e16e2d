// Package schema implements playerstore.Predicate: declarative and
// programmatic validation rules run at every durable boundary (after
// Template fill, after migration, after every Update/Tx transform).
package schema

// Func adapts a plain Go function to playerstore.Predicate, for hosts that
// would rather write validation as compiled Go than as a CEL expression.
type Func func(data map[string]any) (ok bool, reason string)

// Validate implements playerstore.Predicate.
func (f Func) Validate(data map[string]any) (bool, string) {
	return f(data)
}

// All combines predicates so every one must pass; the first failing
// predicate's reason is returned.
func All(predicates ...Func) Func {
	return func(data map[string]any) (bool, string) {
		for _, p := range predicates {
			if ok, reason := p(data); !ok {
				return false, reason
			}
		}
		return true, ""
	}
}
