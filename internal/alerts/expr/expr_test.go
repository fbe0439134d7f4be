package expr

import "testing"

func mustCompile(t *testing.T, src string) *Rule {
	t.Helper()
	r, err := Compile(src)
	if err != nil {
		t.Fatalf("Compile(%q): %v", src, err)
	}
	return r
}

func TestMatchesComparisons(t *testing.T) {
	cases := []struct {
		src  string
		ctx  map[string]any
		want bool
	}{
		{"speed > 80", map[string]any{"speed": 90.0}, true},
		{"speed > 80", map[string]any{"speed": 60.0}, false},
		{"speed >= 80", map[string]any{"speed": 80.0}, true},
		{"speed <= 80", map[string]any{"speed": 80.0}, true},
		{"speed < 80", map[string]any{"speed": 80.0}, false},
		{"speed == 80", map[string]any{"speed": 80.0}, true},
		{"speed != 80", map[string]any{"speed": 81.0}, true},
		{"ignition == true", map[string]any{"ignition": true}, true},
		{"ignition == false", map[string]any{"ignition": true}, false},
	}
	for _, c := range cases {
		rule := mustCompile(t, c.src)
		if got := rule.Matches(c.ctx); got != c.want {
			t.Errorf("Matches(%q, %v) = %v, want %v", c.src, c.ctx, got, c.want)
		}
	}
}

func TestMatchesLogicalPrecedence(t *testing.T) {
	// "and" binds tighter than "or": true or false and false == true or (false and false) == true
	rule := mustCompile(t, "true or false and false")
	if !rule.Matches(nil) {
		t.Errorf("expected 'true or false and false' to be true under and-before-or precedence")
	}

	rule = mustCompile(t, "not speed > 80 and ignition")
	if rule.Matches(map[string]any{"speed": 90.0, "ignition": true}) {
		t.Errorf("expected 'not speed > 80 and ignition' to be false when speed > 80")
	}
	if !rule.Matches(map[string]any{"speed": 10.0, "ignition": true}) {
		t.Errorf("expected 'not speed > 80 and ignition' to be true when speed <= 80 and ignition")
	}
}

func TestMatchesParentheses(t *testing.T) {
	rule := mustCompile(t, "(speed > 80 or fuel < 10) and ignition")
	if !rule.Matches(map[string]any{"speed": 90.0, "fuel": 50.0, "ignition": true}) {
		t.Errorf("expected parenthesized or-clause to short-circuit the and to true")
	}
	if rule.Matches(map[string]any{"speed": 10.0, "fuel": 50.0, "ignition": true}) {
		t.Errorf("expected parenthesized or-clause to be false when neither side holds")
	}
}

func TestMatchesNullPropagation(t *testing.T) {
	rule := mustCompile(t, "battery_voltage < 11.5")
	if rule.Matches(map[string]any{}) {
		t.Errorf("comparison against a missing field must not match")
	}
}

func TestMatchesMissingIdentifierIsFalsy(t *testing.T) {
	rule := mustCompile(t, "missing_field")
	if rule.Matches(map[string]any{}) {
		t.Errorf("a bare missing identifier must be falsy, not an error")
	}
}

func TestCompileRejectsTrailingInput(t *testing.T) {
	if _, err := Compile("speed > 80 speed"); err == nil {
		t.Errorf("expected an error for trailing input after a complete expression")
	}
}

func TestCompileRejectsUnclosedParen(t *testing.T) {
	if _, err := Compile("(speed > 80"); err == nil {
		t.Errorf("expected an error for an unclosed parenthesis")
	}
}
