package semver

import "testing"

func TestParseValid(t *testing.T) {
	cases := []struct {
		in   string
		want Version
	}{
		{"1.2.3", Version{Major: 1, Minor: 2, Patch: 3, Raw: "1.2.3"}},
		{"v1.2.3", Version{Major: 1, Minor: 2, Patch: 3, Raw: "1.2.3"}},
		{"v1.2.3-beta.1", Version{Major: 1, Minor: 2, Patch: 3, Prerelease: "beta.1", Raw: "1.2.3-beta.1"}},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Parse(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "1.2", "1.2.x", "v", "1.2.3.4"} {
		if _, err := Parse(in); err == nil {
			t.Fatalf("Parse(%q) expected error", in)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, in := range []string{"1.2.3", "v1.2.3", "0.0.1-rc1"} {
		v1, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		v2, err := Parse(v1.String())
		if err != nil {
			t.Fatalf("Parse(render): %v", err)
		}
		if v1 != v2 {
			t.Fatalf("round trip mismatch: %+v != %+v", v1, v2)
		}
	}
}

func TestCompare(t *testing.T) {
	mustParse := func(s string) Version {
		v, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		return v
	}

	cases := []struct {
		a, b string
		want int
	}{
		{"1.2.3", "1.2.4", -1},
		{"1.2.4", "1.2.3", 1},
		{"1.2.3", "1.2.3", 0},
		{"1.2.3", "1.2.3-beta", 1},
		{"1.2.3-beta", "1.2.3", -1},
		{"1.2.3-alpha", "1.2.3-beta", -1},
		{"1.2.3-beta", "1.2.3-alpha", 1},
		{"2.0.0", "1.9.9", 1},
	}
	for _, tc := range cases {
		got := Compare(mustParse(tc.a), mustParse(tc.b))
		if got != tc.want {
			t.Fatalf("Compare(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestIsPatchBump(t *testing.T) {
	mustParse := func(s string) Version {
		v, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		return v
	}

	if !IsPatchBump(mustParse("1.2.3"), mustParse("1.2.4")) {
		t.Fatal("expected patch bump")
	}
	if IsPatchBump(mustParse("1.2.3"), mustParse("1.3.0")) {
		t.Fatal("minor bump should not be a patch bump")
	}
	if IsPatchBump(mustParse("1.2.3"), mustParse("1.2.4-rc1")) {
		t.Fatal("prerelease next should not be a patch bump")
	}
	if IsPatchBump(mustParse("1.2.4"), mustParse("1.2.3")) {
		t.Fatal("decreasing patch should not be a patch bump")
	}
}

func TestParseConstraintTildeMinor(t *testing.T) {
	r := ParseConstraint("~> 1.2")
	mustParse := func(s string) Version { v, _ := Parse(s); return v }

	if !r.Match(mustParse("1.2.0")) {
		t.Fatal("expected 1.2.0 to match ~> 1.2")
	}
	if !r.Match(mustParse("1.9.9")) {
		t.Fatal("expected 1.9.9 to match ~> 1.2")
	}
	if r.Match(mustParse("2.0.0")) {
		t.Fatal("expected 2.0.0 to not match ~> 1.2")
	}
	if r.Match(mustParse("1.1.9")) {
		t.Fatal("expected 1.1.9 to not match ~> 1.2")
	}
}

func TestParseConstraintTildePatch(t *testing.T) {
	r := ParseConstraint("~> 1.2.0")
	mustParse := func(s string) Version { v, _ := Parse(s); return v }

	if !r.Match(mustParse("1.2.4")) {
		t.Fatal("expected 1.2.4 to match ~> 1.2.0")
	}
	if r.Match(mustParse("1.3.0")) {
		t.Fatal("expected 1.3.0 to not match ~> 1.2.0")
	}
}

func TestParseConstraintExactAndGE(t *testing.T) {
	mustParse := func(s string) Version { v, _ := Parse(s); return v }

	if r := ParseConstraint("= 1.2.4"); !r.Match(mustParse("1.2.4")) || r.Match(mustParse("1.2.5")) {
		t.Fatal("exact constraint mismatch")
	}
	if r := ParseConstraint("1.2.4"); !r.Match(mustParse("1.2.4")) || r.Match(mustParse("1.2.5")) {
		t.Fatal("bare exact constraint mismatch")
	}
	if r := ParseConstraint(">= 1.0"); !r.Match(mustParse("1.2.4")) || r.Match(mustParse("0.9.9")) {
		t.Fatal(">= constraint mismatch")
	}
}

func TestParseConstraintUnparseableFallsBackToExact(t *testing.T) {
	r := ParseConstraint("weird-garbage")
	v, err := Parse("weird-garbage")
	if err == nil {
		_ = v
	}
	// Fallback is an exact string match against the pinned constraint, so
	// nothing with a valid semver shape can match garbage input.
	if parsed, err := Parse("1.2.3"); err == nil && r.Match(parsed) {
		t.Fatal("garbage constraint should never match a real version")
	}
}

func TestShouldCascade(t *testing.T) {
	v, _ := Parse("1.2.4")

	if !ShouldCascade(nil, v) {
		t.Fatal("nil pinned version must always cascade")
	}

	cases := []struct {
		pinned string
		want   bool
	}{
		{"~> 1.2", true},
		{"~> 1.2.0", true},
		{">= 1.0", true},
		{"1.2.4", true},
		{"= 1.2.4", true},
		{"~> 1.1.0", false},
	}
	for _, tc := range cases {
		pinned := tc.pinned
		got := ShouldCascade(&pinned, v)
		if got != tc.want {
			t.Fatalf("ShouldCascade(%q, 1.2.4) = %v, want %v", tc.pinned, got, tc.want)
		}
	}
}
