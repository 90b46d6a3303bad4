// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package jet

import "sync"

// A Response is delivered to a request's response sink exactly once (I1),
// either carrying the daemon's result or its error object.
type Response struct {
	ID     int64
	Result any
	Error  *ErrorData
}

// responseSink receives the outcome of a single outbound request. Sinks are
// invoked outside of any registry lock, and a panicking sink is caught and
// ignored (they are untrusted, §7).
type responseSink func(*Response)

// requestRegistry maps outbound request id to the sink awaiting its
// response (C2). It is the Go analogue of asyncrequest.cpp's static
// openRequestCbs table, made per-peer per SPEC_FULL §9's "global mutable
// counters" design note: there is no correctness reason for request ids to
// be shared across peer instances.
type requestRegistry struct {
	mu      sync.Mutex
	next    int64
	pending map[int64]responseSink
}

func newRequestRegistry() *requestRegistry {
	return &requestRegistry{pending: make(map[int64]responseSink)}
}

// allocate reserves a fresh request id and associates it with sink, which
// may be nil if the caller does not want a response (a fire-and-forget
// notification never reaches allocate at all; this path is for requests
// that want correlation but whose caller discards the result).
func (r *requestRegistry) allocate(sink responseSink) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.pending[id] = sink
	return id
}

// release removes id from the table without invoking its sink, used to roll
// back an allocation when the outbound send itself fails before any bytes
// were written and the caller will synthesize its own error instead.
func (r *requestRegistry) release(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

// resolve removes id from the table and invokes its sink with resp, outside
// the lock (C2's concurrency contract: "resolve releases the mutex before
// invoking the sink to prevent reentrant deadlock"). It reports whether id
// was known; an unknown id is the caller's responsibility to log and drop
// per §4.2.
func (r *requestRegistry) resolve(id int64, resp *Response) bool {
	r.mu.Lock()
	sink, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	invokeSink(sink, resp)
	return true
}

// cancelAll removes every pending entry and resolves each with the
// synthetic canceled-error (I1), reporting how many were canceled. It is
// called on peer shutdown and grounded on asyncrequest.cpp's clear().
func (r *requestRegistry) cancelAll() int {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[int64]responseSink)
	r.mu.Unlock()

	for id, sink := range pending {
		invokeSink(sink, &Response{ID: id, Error: canceledError()})
	}
	return len(pending)
}

// invokeSink calls sink with resp, recovering from (and discarding) any
// panic, matching §7's "response-sink exceptions are caught and swallowed".
func invokeSink(sink responseSink, resp *Response) {
	if sink == nil {
		return
	}
	defer func() { recover() }()
	sink(resp)
}
