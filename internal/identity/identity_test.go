package identity

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
		want    Identity
	}{
		{"myapp", false, Identity{Project: "myapp"}},
		{"myapp:api", false, Identity{Project: "myapp", Stack: "api"}},
		{"myapp:api:main", false, Identity{Project: "myapp", Stack: "api", Context: "main"}},
		{"", true, Identity{}},
		{"my app", true, Identity{}},
		{"a:b:c:d", true, Identity{}},
		{"my/app", true, Identity{}},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error, got none", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("Parse(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestValidatePattern(t *testing.T) {
	ok := []string{"myapp:*", "*:api:main", "myapp:api:*", "*", "myapp"}
	for _, p := range ok {
		if err := ValidatePattern(p); err != nil {
			t.Errorf("ValidatePattern(%q): unexpected error: %v", p, err)
		}
	}
	bad := []string{"", "a:b:c:d", "my app", "a:*b"}
	for _, p := range bad {
		if err := ValidatePattern(p); err == nil {
			t.Errorf("ValidatePattern(%q): expected error, got none", p)
		}
	}
}

func TestToLikeClause(t *testing.T) {
	cases := map[string]string{
		"myapp:*":     "myapp:%",
		"*:api:main":  "%:api:main",
		"myapp:api:*": "myapp:api:%",
		"myapp":       "myapp",
		"my_app:*":    `my\_app:%`,
	}
	for in, want := range cases {
		if got := ToLikeClause(in); got != want {
			t.Errorf("ToLikeClause(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern, s string
		want       bool
	}{
		{"myapp:*", "myapp:api", true},
		{"myapp:*", "myapp:api:main", true},
		{"myapp:*", "myapp", false},
		{"myapp:*", "other:api", false},
		{"*:api:main", "myapp:api:main", true},
		{"*:api:main", "myapp:web:main", false},
		{"myapp:api*", "myapp:apiserver", true},
		{"myapp:api*", "myapp:api:main", true},
		{"myapp:api", "myapp:api", true},
		{"myapp:api", "myapp:api:main", false},
		{"*", "anything", true},
		{"bad pattern", "anything", false},
	}
	for _, c := range cases {
		if got := MatchPattern(c.pattern, c.s); got != c.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", c.pattern, c.s, got, c.want)
		}
	}
}

func TestIsPrefixOf(t *testing.T) {
	target := Identity{Project: "myapp", Stack: "api", Context: "main"}
	cases := []struct {
		candidate Identity
		want      bool
	}{
		{Identity{Project: "myapp"}, true},
		{Identity{Project: "myapp", Stack: "api"}, true},
		{Identity{Project: "myapp", Stack: "api", Context: "main"}, true},
		{Identity{Project: "myapp", Stack: "web"}, false},
		{Identity{Project: "other"}, false},
	}
	for _, c := range cases {
		if got := IsPrefixOf(c.candidate, target); got != c.want {
			t.Errorf("IsPrefixOf(%+v, %+v) = %v, want %v", c.candidate, target, got, c.want)
		}
	}
}
