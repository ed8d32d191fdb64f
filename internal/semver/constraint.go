package semver

import "strings"

// bound is an inclusive-or-exclusive comparison against a Version.
type bound struct {
	v         Version
	inclusive bool
	isUpper   bool
}

func (b bound) satisfies(v Version) bool {
	c := Compare(v, b.v)
	if b.isUpper {
		if b.inclusive {
			return c <= 0
		}
		return c < 0
	}
	if b.inclusive {
		return c >= 0
	}
	return c > 0
}

// Range is a set of bounds that must all hold (logical AND), or, when the
// constraint could not be parsed into bounds, a literal string to match
// exactly against the candidate's raw form.
type Range struct {
	bounds       []bound
	exactFallback string
	isFallback   bool
}

// Match reports whether v satisfies the range.
func (r Range) Match(v Version) bool {
	if r.isFallback {
		return v.Raw == strings.TrimPrefix(r.exactFallback, "v")
	}
	for _, b := range r.bounds {
		if !b.satisfies(v) {
			return false
		}
	}
	return true
}

// ParseConstraint translates a Terraform-style pessimistic version
// constraint into a Range, per spec.md §4.1:
//
//	~> X.Y       -> >=X.Y.0 <(X+1).0.0
//	~> X.Y.Z     -> >=X.Y.Z <X.(Y+1).0
//	= X.Y.Z      -> exact
//	X.Y.Z        -> exact
//	>= X.Y[.Z], combinations separated by commas (== spaces, logical AND)
//
// Unparseable input falls back to an exact string match against the
// trimmed constraint. Whitespace is trimmed; an unknown form never
// over-matches.
func ParseConstraint(raw string) Range {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Range{isFallback: true, exactFallback: trimmed}
	}

	if strings.HasPrefix(trimmed, "~>") {
		rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "~>"))
		v, err := parsePartial(rest)
		if err != nil {
			return Range{isFallback: true, exactFallback: trimmed}
		}
		if hadPatch(rest) {
			// ~> X.Y.Z -> >=X.Y.Z <X.(Y+1).0
			lower := v
			upper := Version{Major: v.Major, Minor: v.Minor + 1, Patch: 0}
			return Range{bounds: []bound{
				{v: lower, inclusive: true, isUpper: false},
				{v: upper, inclusive: false, isUpper: true},
			}}
		}
		// ~> X.Y -> >=X.Y.0 <(X+1).0.0
		lower := Version{Major: v.Major, Minor: v.Minor, Patch: 0}
		upper := Version{Major: v.Major + 1, Minor: 0, Patch: 0}
		return Range{bounds: []bound{
			{v: lower, inclusive: true, isUpper: false},
			{v: upper, inclusive: false, isUpper: true},
		}}
	}

	// Comma-separated combinations are equivalent to space-separated (AND).
	normalized := strings.ReplaceAll(trimmed, ",", " ")
	fields := strings.Fields(normalized)
	if len(fields) == 0 {
		return Range{isFallback: true, exactFallback: trimmed}
	}

	var bounds []bound
	i := 0
	for i < len(fields) {
		tok := fields[i]
		switch {
		case tok == "=":
			if i+1 >= len(fields) {
				return Range{isFallback: true, exactFallback: trimmed}
			}
			v, err := Parse(fields[i+1])
			if err != nil {
				return Range{isFallback: true, exactFallback: trimmed}
			}
			bounds = append(bounds,
				bound{v: v, inclusive: true, isUpper: false},
				bound{v: v, inclusive: true, isUpper: true},
			)
			i += 2
		case strings.HasPrefix(tok, "="):
			v, err := Parse(strings.TrimPrefix(tok, "="))
			if err != nil {
				return Range{isFallback: true, exactFallback: trimmed}
			}
			bounds = append(bounds,
				bound{v: v, inclusive: true, isUpper: false},
				bound{v: v, inclusive: true, isUpper: true},
			)
			i++
		case tok == ">=" || tok == "<=" || tok == ">" || tok == "<":
			if i+1 >= len(fields) {
				return Range{isFallback: true, exactFallback: trimmed}
			}
			b, err := makeBound(tok, fields[i+1])
			if err != nil {
				return Range{isFallback: true, exactFallback: trimmed}
			}
			bounds = append(bounds, b)
			i += 2
		case strings.HasPrefix(tok, ">=") || strings.HasPrefix(tok, "<=") ||
			strings.HasPrefix(tok, ">") || strings.HasPrefix(tok, "<"):
			op, val := splitOp(tok)
			b, err := makeBound(op, val)
			if err != nil {
				return Range{isFallback: true, exactFallback: trimmed}
			}
			bounds = append(bounds, b)
			i++
		default:
			// Plain X.Y.Z -> exact.
			v, err := Parse(tok)
			if err != nil {
				return Range{isFallback: true, exactFallback: trimmed}
			}
			bounds = append(bounds,
				bound{v: v, inclusive: true, isUpper: false},
				bound{v: v, inclusive: true, isUpper: true},
			)
			i++
		}
	}

	if len(bounds) == 0 {
		return Range{isFallback: true, exactFallback: trimmed}
	}
	return Range{bounds: bounds}
}

func splitOp(tok string) (op, val string) {
	for _, candidate := range []string{">=", "<=", ">", "<"} {
		if strings.HasPrefix(tok, candidate) {
			return candidate, strings.TrimSpace(strings.TrimPrefix(tok, candidate))
		}
	}
	return "", tok
}

func makeBound(op, val string) (bound, error) {
	v, err := parsePartial(val)
	if err != nil {
		return bound{}, err
	}
	switch op {
	case ">=":
		return bound{v: v, inclusive: true, isUpper: false}, nil
	case ">":
		return bound{v: v, inclusive: false, isUpper: false}, nil
	case "<=":
		return bound{v: v, inclusive: true, isUpper: true}, nil
	case "<":
		return bound{v: v, inclusive: false, isUpper: true}, nil
	}
	return bound{}, &InvalidVersionError{Input: val, Reason: "unknown operator " + op}
}

// parsePartial parses X.Y or X.Y.Z (patch defaults to 0 when omitted).
func parsePartial(s string) (Version, error) {
	parts := strings.Split(s, ".")
	switch len(parts) {
	case 2:
		return Parse(s + ".0")
	case 3:
		return Parse(s)
	default:
		return Version{}, &InvalidVersionError{Input: s, Reason: "expected X.Y or X.Y.Z"}
	}
}

func hadPatch(s string) bool {
	return len(strings.Split(s, ".")) == 3
}

// ShouldCascade implements spec.md §4.6: shouldCascade(nil, v) is always
// true; otherwise the pinned constraint is parsed into a Range and tested,
// falling back to exact string match when it cannot be parsed.
func ShouldCascade(pinned *string, candidate Version) bool {
	if pinned == nil {
		return true
	}
	r := ParseConstraint(*pinned)
	return r.Match(candidate)
}
