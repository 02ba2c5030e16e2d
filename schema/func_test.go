package schema

import "testing"

func TestFuncValidate(t *testing.T) {
	positiveLevel := Func(func(data map[string]any) (bool, string) {
		lvl, _ := data["level"].(float64)
		if lvl <= 0 {
			return false, "level must be positive"
		}
		return true, ""
	})

	if ok, _ := positiveLevel.Validate(map[string]any{"level": float64(5)}); !ok {
		t.Error("expected positive level to pass")
	}
	ok, reason := positiveLevel.Validate(map[string]any{"level": float64(-1)})
	if ok {
		t.Error("expected negative level to fail")
	}
	if reason == "" {
		t.Error("expected a non-empty rejection reason")
	}
}

func TestAllShortCircuitsOnFirstFailure(t *testing.T) {
	alwaysFail := Func(func(data map[string]any) (bool, string) { return false, "first" })
	neverCalled := Func(func(data map[string]any) (bool, string) { return false, "second" })

	_, reason := All(alwaysFail, neverCalled).Validate(nil)
	if reason != "first" {
		t.Errorf("expected first predicate's reason, got %q", reason)
	}
}
