// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package jet

import "expvar"

// newPeerMetrics builds a fresh counter map for one Peer, grounded on the
// teacher's metrics.go. Unlike the teacher, counters are per-peer rather
// than a single package-wide instance: per spec.md §9's "global mutable
// counters" design note applied uniformly, there is no correctness reason
// for a peer's activity counters to be shared with every other peer in the
// process, and per-instance counters make tests (and multi-peer processes)
// straightforward to reason about.
func newPeerMetrics() *expvar.Map {
	m := new(expvar.Map)
	for _, key := range []string{
		"frames_sent",
		"frames_received",
		"frames_dropped",
		"calls_out",
		"calls_out_failed",
		"calls_pending",
		"calls_in",
		"calls_in_failed",
		"fetches_active",
		"states_active",
		"methods_active",
		"reconnects",
		"reconnects_failed",
	} {
		m.Add(key, 0)
	}
	return m
}
