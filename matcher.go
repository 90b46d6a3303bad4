// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package jet

import "strings"

// A Matcher describes a path filter sent to the daemon with a fetch or get
// request. All set predicates are AND-combined; an empty Matcher matches
// every path (§3, §4.8).
type Matcher struct {
	Contains        string   // substring match
	StartsWith      string   // prefix match
	EndsWith        string   // suffix match
	Equals          string   // exact match
	EqualsNot       string   // exact exclusion
	ContainsAllOf   []string // AND of substring matches, in order
	CaseInsensitive bool     // apply to all of the above
}

// dict renders m into the JSON object placed under the wire request's
// params.path key, containing only the non-empty predicates under the exact
// keys named by §4.8.
func (m Matcher) dict() map[string]any {
	d := make(map[string]any)
	if m.Contains != "" {
		d["contains"] = m.Contains
	}
	if m.StartsWith != "" {
		d["startsWith"] = m.StartsWith
	}
	if m.EndsWith != "" {
		d["endsWith"] = m.EndsWith
	}
	if m.Equals != "" {
		d["equals"] = m.Equals
	}
	if m.EqualsNot != "" {
		d["equalsNot"] = m.EqualsNot
	}
	if len(m.ContainsAllOf) > 0 {
		d["containsAllOf"] = m.ContainsAllOf
	}
	if m.CaseInsensitive {
		d["caseInsensitive"] = true
	}
	return d
}

// Print renders m for diagnostic logging: non-empty predicates joined with
// ", " in the fixed order of §4.8, with caseInsensitive (when set) listed
// first as a bare token.
func (m Matcher) Print() string {
	var parts []string
	if m.CaseInsensitive {
		parts = append(parts, "caseInsensitive")
	}
	add := func(key, val string) {
		if val != "" {
			parts = append(parts, key+"="+val)
		}
	}
	add("contains", m.Contains)
	add("startsWith", m.StartsWith)
	add("endsWith", m.EndsWith)
	add("equals", m.Equals)
	add("equalsNot", m.EqualsNot)
	if len(m.ContainsAllOf) > 0 {
		parts = append(parts, "containsAllOf="+strings.Join(m.ContainsAllOf, "+"))
	}
	return strings.Join(parts, ", ")
}

// String satisfies fmt.Stringer using the same rendering as Print.
func (m Matcher) String() string { return m.Print() }
