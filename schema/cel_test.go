package schema

import "testing"

func TestCELValidate(t *testing.T) {
	p, err := NewCEL(`data["level"] > 0.0`)
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := p.Validate(map[string]any{"level": 5.0}); !ok {
		t.Error("expected positive level to pass")
	}
	ok, reason := p.Validate(map[string]any{"level": -1.0})
	if ok {
		t.Error("expected negative level to fail")
	}
	if reason == "" {
		t.Error("expected a non-empty rejection reason")
	}
}

func TestCELRejectsEmptyExpression(t *testing.T) {
	if _, err := NewCEL(""); err == nil {
		t.Error("expected empty expression to be rejected")
	}
}

func TestCELRejectsBadExpression(t *testing.T) {
	if _, err := NewCEL("data[["); err == nil {
		t.Error("expected malformed expression to fail compilation")
	}
}
