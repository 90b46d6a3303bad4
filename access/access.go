// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package access provides a fluent builder for the access-group lists
// placed under the "access" key of an "add state"/"add method" request
// (SPEC_FULL §2.3): which user groups may fetch, set, or call the entry
// being published.
//
// # Usage
//
//	cat := access.New().Fetch("admin", "ops").Set("admin").Call("ops")
//
// Bind the result to AddState/AddMethod via jet.WithAccess:
//
//	peer.AddState(ctx, "plant/temp", 21.5, handler, jet.WithAccess(cat))
package access

// Groups collects the fetchGroups/setGroups/callGroups lists for a single
// add request. A zero Groups is empty and renders no "access" object at
// all, matching the wire table's "[access:{...}]" being entirely optional.
type Groups struct {
	fetch []string
	set   []string
	call  []string
}

// New returns an empty, unbound Groups value.
func New() Groups { return Groups{} }

// Fetch appends names to the fetch group list and returns g to allow
// chaining.
func (g Groups) Fetch(names ...string) Groups {
	g.fetch = append(append([]string(nil), g.fetch...), names...)
	return g
}

// Set appends names to the set group list (meaningful for states only) and
// returns g to allow chaining.
func (g Groups) Set(names ...string) Groups {
	g.set = append(append([]string(nil), g.set...), names...)
	return g
}

// Call appends names to the call group list (meaningful for methods only)
// and returns g to allow chaining.
func (g Groups) Call(names ...string) Groups {
	g.call = append(append([]string(nil), g.call...), names...)
	return g
}

// Empty reports whether g has no groups set at all, in which case the
// caller should omit the "access" key entirely rather than send `{}`.
func (g Groups) Empty() bool { return len(g.fetch) == 0 && len(g.set) == 0 && len(g.call) == 0 }

// Render produces the JSON object placed under the request's "access" key,
// containing only the non-empty lists, using the exact wire keys
// fetchGroups/setGroups/callGroups (defines.h's userGroups_t fields).
func (g Groups) Render() map[string]any {
	out := make(map[string]any)
	if len(g.fetch) > 0 {
		out["fetchGroups"] = g.fetch
	}
	if len(g.set) > 0 {
		out["setGroups"] = g.set
	}
	if len(g.call) > 0 {
		out["callGroups"] = g.call
	}
	return out
}
