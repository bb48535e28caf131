// Package capability implements JSON-pattern capability matching for MEW
// envelopes. A pattern is a JSON object matched against an envelope's kind
// and payload; a participant's effective set permits an envelope when any
// one of its patterns matches.
package capability

import "strings"

// Pattern is a JSON-shaped matcher. Recognized top-level keys are matched
// against the corresponding envelope fields ("kind", "payload"); nested
// objects recurse. String values support two wildcard forms: "*" matches
// any single path segment, and a trailing "*" matches any suffix.
type Pattern map[string]interface{}

// Matches reports whether the pattern permits an envelope of the given kind
// and payload. Fields named by the pattern must be present and satisfy it;
// fields the pattern does not mention are unconstrained.
func (p Pattern) Matches(kind string, payload map[string]interface{}) bool {
	view := map[string]interface{}{"kind": kind}
	if payload != nil {
		view["payload"] = payload
	}
	return matchValue(map[string]interface{}(p), view)
}

// MatchesAny reports whether at least one pattern in the set matches.
func MatchesAny(patterns []Pattern, kind string, payload map[string]interface{}) bool {
	for _, p := range patterns {
		if p.Matches(kind, payload) {
			return true
		}
	}
	return false
}

// matchValue applies one pattern node to one envelope node.
func matchValue(pat, val interface{}) bool {
	switch p := pat.(type) {
	case string:
		s, ok := val.(string)
		return ok && MatchString(p, s)
	case Pattern:
		return matchObject(map[string]interface{}(p), val)
	case map[string]interface{}:
		return matchObject(p, val)
	case []interface{}:
		v, ok := val.([]interface{})
		if !ok || len(v) != len(p) {
			return false
		}
		for i := range p {
			if !deepEqual(p[i], v[i]) {
				return false
			}
		}
		return true
	case nil:
		return val == nil
	default:
		// Numbers and booleans match by equality.
		return scalarEqual(pat, val)
	}
}

func matchObject(pat map[string]interface{}, val interface{}) bool {
	obj, ok := val.(map[string]interface{})
	if !ok {
		return false
	}
	for k, pv := range pat {
		vv, present := obj[k]
		if !present || !matchValue(pv, vv) {
			return false
		}
	}
	return true
}

// MatchString applies wildcard string matching: exact equality, "*" and
// "**" match anything, a trailing "*" matches any string with the given
// prefix, and otherwise the pattern and value are compared slash-segment
// by slash-segment with "*" matching one whole segment.
func MatchString(pattern, value string) bool {
	if pattern == value {
		return true
	}
	if pattern == "*" || pattern == "**" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		if strings.HasPrefix(value, strings.TrimSuffix(pattern, "*")) {
			return true
		}
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	pseg := strings.Split(pattern, "/")
	vseg := strings.Split(value, "/")
	if len(pseg) != len(vseg) {
		return false
	}
	for i := range pseg {
		if !segmentMatch(pseg[i], vseg[i]) {
			return false
		}
	}
	return true
}

func segmentMatch(pat, val string) bool {
	if pat == "*" || pat == val {
		return true
	}
	if strings.HasSuffix(pat, "*") {
		return strings.HasPrefix(val, strings.TrimSuffix(pat, "*"))
	}
	return false
}

// Equal reports structural equality of two patterns. Used for revocation by
// pattern and for grant deduplication.
func Equal(a, b Pattern) bool {
	return deepEqual(map[string]interface{}(a), map[string]interface{}(b))
}

// Subset reports whether every envelope permitted by a is also permitted by
// b. The check is structural and conservative: patterns it cannot prove
// contained are reported as not contained, so a questionable grant is
// denied rather than allowed.
func Subset(a, b Pattern) bool {
	return subsetValue(map[string]interface{}(a), map[string]interface{}(b))
}

// SubsetOfAny reports whether p is a subset of at least one pattern in set.
func SubsetOfAny(p Pattern, set []Pattern) bool {
	for _, b := range set {
		if Subset(p, b) {
			return true
		}
	}
	return false
}

func subsetValue(a, b interface{}) bool {
	switch bp := b.(type) {
	case string:
		as, ok := a.(string)
		return ok && stringSubset(as, bp)
	case Pattern:
		return subsetObject(a, map[string]interface{}(bp))
	case map[string]interface{}:
		return subsetObject(a, bp)
	default:
		return deepEqual(a, b)
	}
}

func subsetObject(a interface{}, b map[string]interface{}) bool {
	am, ok := a.(map[string]interface{})
	if !ok {
		if ap, isPat := a.(Pattern); isPat {
			am = map[string]interface{}(ap)
		} else {
			return false
		}
	}
	// Every constraint in b must be met at least as tightly by a. Keys a
	// adds beyond b only narrow it further.
	for k, bv := range b {
		av, present := am[k]
		if !present || !subsetValue(av, bv) {
			return false
		}
	}
	return true
}

// stringSubset reports whether the language of pattern a is contained in
// the language of pattern b.
func stringSubset(a, b string) bool {
	if a == b || b == "*" || b == "**" {
		return true
	}
	if strings.HasSuffix(b, "*") {
		bPrefix := strings.TrimSuffix(b, "*")
		if strings.HasSuffix(a, "*") {
			return strings.HasPrefix(strings.TrimSuffix(a, "*"), bPrefix)
		}
		return strings.HasPrefix(a, bPrefix)
	}
	if !strings.Contains(a, "*") && !strings.Contains(b, "*") {
		return a == b
	}
	// Segment-wise containment, e.g. "mcp/request" under "mcp/*"
	// handled above; "*/x" under "*/x" by equality. Mixed wildcard
	// placements are not provable here.
	aseg := strings.Split(a, "/")
	bseg := strings.Split(b, "/")
	if len(aseg) != len(bseg) {
		return false
	}
	for i := range aseg {
		if !segmentSubset(aseg[i], bseg[i]) {
			return false
		}
	}
	return true
}

func segmentSubset(a, b string) bool {
	if a == b || b == "*" {
		return true
	}
	if strings.HasSuffix(b, "*") {
		bPrefix := strings.TrimSuffix(b, "*")
		if strings.HasSuffix(a, "*") {
			return strings.HasPrefix(strings.TrimSuffix(a, "*"), bPrefix)
		}
		return strings.HasPrefix(a, bPrefix)
	}
	return false
}

// deepEqual compares two JSON-decoded value trees. Numbers compare by
// value regardless of the decoder's concrete type.
func deepEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvk, present := bv[k]
			if !present || !deepEqual(v, bvk) {
				return false
			}
		}
		return true
	case Pattern:
		return deepEqual(map[string]interface{}(av), b)
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		if bp, ok := b.(Pattern); ok {
			return deepEqual(a, map[string]interface{}(bp))
		}
		return scalarEqual(a, b)
	}
}

// scalarEqual compares strings, booleans, nils and numbers. YAML-sourced
// patterns decode integers as int while JSON decodes float64, so numeric
// comparison goes through float64.
func scalarEqual(a, b interface{}) bool {
	if an, aok := toFloat(a); aok {
		bn, bok := toFloat(b)
		return bok && an == bn
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
