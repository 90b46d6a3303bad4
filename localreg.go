// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package jet

import (
	"context"
	"sync"

	json "github.com/goccy/go-json"
)

// SetResult is the explicit result sum a StateHandler returns in place of
// the original's exception-driven control flow (SPEC_FULL §9 / spec.md §9
// "Exception-driven control flow in handlers"): either no new value (the
// requested value is accepted as-is, no change notification is emitted),
// or a new value with an optional adaptation warning.
type SetResult struct {
	newValue    any
	hasNewValue bool
	warning     *Warning
}

// Accepted reports that the handler accepted the request without changing
// it; no change notification is emitted, but the caller still sees success.
func Accepted() SetResult { return SetResult{} }

// Changed reports that the handler stored newValue, which may be the
// requested value itself; a change notification carrying newValue is
// emitted before the response (§4.4.1).
func Changed(newValue any) SetResult { return SetResult{newValue: newValue, hasNewValue: true} }

// Adapted reports that the handler stored newValue after coercing the
// requested value, and that the caller should see warning code/message
// out-of-band in the response (§6 Warnings, code 1 conventionally means
// "adapted").
func Adapted(newValue any, code int, message string) SetResult {
	return SetResult{newValue: newValue, hasNewValue: true, warning: &Warning{Code: code, Message: message}}
}

// StateHandler implements the server side of a published state: given the
// path and the raw JSON value a remote peer requested, it decides what (if
// anything) actually gets stored.
type StateHandler func(ctx context.Context, path string, requested json.RawMessage) (SetResult, error)

// MethodHandler implements a published RPC method: given the raw JSON
// params of an inbound call, it returns a JSON-marshalable result or an
// error (§4.4.2).
type MethodHandler func(ctx context.Context, path string, params json.RawMessage) (any, error)

// FetchNotification is delivered to a FetchSink for every add/change/remove
// event matching its matcher, and once more with Status < 0 when the
// connection is lost (a one-shot terminal signal, §3).
type FetchNotification struct {
	Path   string
	Event  string // "add", "change", or "remove"
	Value  json.RawMessage
	Status int
}

// FetchSink receives notifications for a single fetch subscription.
type FetchSink func(FetchNotification)

type fetchEntry struct {
	sink    FetchSink
	matcher Matcher
}

// localRegistry holds the three keyed tables of C3: state handlers and
// method handlers by path, and fetch sinks by fetch id. Unlike C2's request
// table, state/method/fetch registration is optimistic (inserted before the
// corresponding add/fetch request is sent, per §4.3) because the daemon may
// echo the freshly added entry back before the add response arrives.
type localRegistry struct {
	mu        sync.Mutex
	states    map[string]StateHandler
	methods   map[string]MethodHandler
	fetches   map[int64]fetchEntry
	nextFetch int64
}

func newLocalRegistry() *localRegistry {
	return &localRegistry{
		states:  make(map[string]StateHandler),
		methods: make(map[string]MethodHandler),
		fetches: make(map[int64]fetchEntry),
	}
}

func (l *localRegistry) putState(path string, h StateHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states[path] = h
}

func (l *localRegistry) removeState(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.states, path)
}

func (l *localRegistry) state(path string) (StateHandler, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.states[path]
	return h, ok
}

func (l *localRegistry) putMethod(path string, h MethodHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.methods[path] = h
}

func (l *localRegistry) removeMethod(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.methods, path)
}

func (l *localRegistry) method(path string) (MethodHandler, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.methods[path]
	return h, ok
}

// addFetch allocates a fresh fetch id and installs sink/matcher under it
// (inserted before the "fetch" request is sent, per §4.6), returning the
// new id.
func (l *localRegistry) addFetch(sink FetchSink, m Matcher) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextFetch++
	id := l.nextFetch
	l.fetches[id] = fetchEntry{sink: sink, matcher: m}
	return id
}

// removeFetch deregisters id and reports whether it was present.
func (l *localRegistry) removeFetch(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.fetches[id]
	delete(l.fetches, id)
	return ok
}

func (l *localRegistry) fetch(id int64) (fetchEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.fetches[id]
	return e, ok
}

// fetchSnapshot is one entry of the fetch set captured for restoration on
// reconnect (I5) or termination on shutdown (§4.7).
type fetchSnapshot struct {
	ID      int64
	Sink    FetchSink
	Matcher Matcher
}

// snapshotFetches returns every currently registered fetch, in no
// particular order. The connection lifecycle uses this both to notify every
// sink of a disconnect and, since it does not remove anything, to restore
// the same subscriptions (under their original ids) once the connection
// comes back (I5).
func (l *localRegistry) snapshotFetches() []fetchSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]fetchSnapshot, 0, len(l.fetches))
	for id, e := range l.fetches {
		out = append(out, fetchSnapshot{ID: id, Sink: e.sink, Matcher: e.matcher})
	}
	return out
}

// clearStatesAndMethods empties the state and method tables, used on
// disconnect (§4.7): a disconnected peer retains its fetch set (for
// restoration) but not its published states/methods, since the daemon has
// already forgotten them.
func (l *localRegistry) clearStatesAndMethods() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = make(map[string]StateHandler)
	l.methods = make(map[string]MethodHandler)
}
