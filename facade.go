// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package jet

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// requestParams accumulates the optional fields §4.5's wire table allows on
// add/set/call requests (timeout, access groups), built by CallOption.
type requestParams struct {
	timeout    time.Duration
	hasTimeout bool
	access     map[string]any
}

// CallOption configures an optional field on an add/set/call request.
type CallOption func(*requestParams)

// WithTimeout attaches a timeout hint, forwarded to the daemon as floating
// point seconds (SPEC_FULL §3); the peer itself does not enforce it (§5).
func WithTimeout(d time.Duration) CallOption {
	return func(p *requestParams) { p.timeout, p.hasTimeout = d, true }
}

// accessRenderer is satisfied by access.Groups without this package
// depending on the access subpackage: the root package imports none of its
// subpackages, which import it instead.
type accessRenderer interface {
	Empty() bool
	Render() map[string]any
}

// WithAccess attaches fetch/set/call group restrictions to an add request,
// built with the jet/access package.
func WithAccess(groups accessRenderer) CallOption {
	return func(p *requestParams) {
		if !groups.Empty() {
			p.access = groups.Render()
		}
	}
}

func (rp requestParams) apply(m map[string]any) map[string]any {
	if rp.hasTimeout {
		m["timeout"] = rp.timeout.Seconds()
	}
	if rp.access != nil {
		m["access"] = rp.access
	}
	return m
}

func buildParams(opts []CallOption, base map[string]any) map[string]any {
	var rp requestParams
	for _, o := range opts {
		o(&rp)
	}
	return rp.apply(base)
}

// --- States ---------------------------------------------------------------

// AddStateAsync publishes path with an initial value and optional set
// handler. The path/handler pair is inserted into the local registry before
// the "add" request is sent (§4.3, §4.6): if the add response carries an
// error, the insertion is rolled back. handler may be nil, which publishes
// a read-only (fetchOnly) state. done, if non-nil, is invoked exactly once
// with the outcome.
func (p *Peer) AddStateAsync(path string, value any, handler StateHandler, done func(error), opts ...CallOption) {
	p.local.putState(path, handler)
	params := buildParams(opts, map[string]any{"path": path, "value": value})
	if handler == nil {
		params["fetchOnly"] = true
	}
	p.sendAdd(path, params, func(err error) {
		if err != nil {
			p.local.removeState(path)
		} else {
			p.metrics.Add("states_active", 1)
		}
		if done != nil {
			done(err)
		}
	})
}

// AddState is the synchronous form of AddStateAsync.
func (p *Peer) AddState(ctx context.Context, path string, value any, handler StateHandler, opts ...CallOption) error {
	return p.syncAdd(ctx, func(done func(error)) { p.AddStateAsync(path, value, handler, done, opts...) })
}

// RemoveStateAsync deregisters path locally and sends "remove" (§4.3, §4.6):
// removal happens before the request is sent.
func (p *Peer) RemoveStateAsync(path string, done func(error)) {
	p.local.removeState(path)
	p.metrics.Add("states_active", -1)
	p.sendRemove(path, done)
}

// RemoveState is the synchronous form of RemoveStateAsync.
func (p *Peer) RemoveState(ctx context.Context, path string) error {
	return p.syncAdd(ctx, func(done func(error)) { p.RemoveStateAsync(path, done) })
}

// --- Methods ---------------------------------------------------------------

// AddMethodAsync publishes path as a callable method with the given
// handler, following the same optimistic-insert/rollback protocol as
// AddStateAsync.
func (p *Peer) AddMethodAsync(path string, handler MethodHandler, done func(error), opts ...CallOption) {
	p.local.putMethod(path, handler)
	params := buildParams(opts, map[string]any{"path": path})
	p.sendAdd(path, params, func(err error) {
		if err != nil {
			p.local.removeMethod(path)
		} else {
			p.metrics.Add("methods_active", 1)
		}
		if done != nil {
			done(err)
		}
	})
}

// AddMethod is the synchronous form of AddMethodAsync.
func (p *Peer) AddMethod(ctx context.Context, path string, handler MethodHandler, opts ...CallOption) error {
	return p.syncAdd(ctx, func(done func(error)) { p.AddMethodAsync(path, handler, done, opts...) })
}

// RemoveMethodAsync deregisters path locally and sends "remove".
func (p *Peer) RemoveMethodAsync(path string, done func(error)) {
	p.local.removeMethod(path)
	p.metrics.Add("methods_active", -1)
	p.sendRemove(path, done)
}

// RemoveMethod is the synchronous form of RemoveMethodAsync.
func (p *Peer) RemoveMethod(ctx context.Context, path string) error {
	return p.syncAdd(ctx, func(done func(error)) { p.RemoveMethodAsync(path, done) })
}

func (p *Peer) sendAdd(path string, params map[string]any, done func(error)) {
	var sink responseSink
	if done != nil {
		sink = func(r *Response) { done(responseToError(r)) }
	}
	if _, err := p.sendRequest(sink, "add", params); err != nil && done != nil {
		done(err)
	}
}

func (p *Peer) sendRemove(path string, done func(error)) {
	var sink responseSink
	if done != nil {
		sink = func(r *Response) { done(responseToError(r)) }
	}
	if _, err := p.sendRequest(sink, "remove", map[string]any{"path": path}); err != nil && done != nil {
		done(err)
	}
}

// syncAdd is a small helper that runs an async-shaped operation and blocks
// for its completion, used by the AddState, AddMethod, RemoveState,
// RemoveMethod and RemoveFetch wrappers (Config and Authenticate use
// syncRequest instead).
func (p *Peer) syncAdd(ctx context.Context, start func(done func(error))) error {
	done := make(chan error, 1)
	start(func(err error) { done <- err })
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func responseToError(r *Response) error {
	if r.Error != nil {
		return responseError(r.Error)
	}
	return nil
}

// responseToWarning reports the error carried by r, if any, and the
// adaptation warning a "set" response may carry alongside success (§6, §7).
// A response with no result, an empty result, or a result with no "warning"
// member yields a nil *Warning.
func responseToWarning(r *Response) (*Warning, error) {
	if r.Error != nil {
		return nil, responseError(r.Error)
	}
	raw := toRaw(r.Result)
	if len(raw) == 0 {
		return nil, nil
	}
	var body setResultBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, nil
	}
	return body.Warning, nil
}

// --- Fetch -----------------------------------------------------------------

// AddFetchAsync allocates a fetch id and installs sink/matcher before
// sending "fetch" (§4.6): if the fetch response carries an error, the
// entry is deregistered. The id is returned immediately; done, if non-nil,
// reports the outcome.
func (p *Peer) AddFetchAsync(matcher Matcher, sink FetchSink, done func(error)) int64 {
	id := p.local.addFetch(sink, matcher)
	rsink := func(r *Response) {
		err := responseToError(r)
		if err != nil {
			p.local.removeFetch(id)
		} else {
			p.metrics.Add("fetches_active", 1)
		}
		if done != nil {
			done(err)
		}
	}
	if _, err := p.sendRequest(rsink, "fetch", map[string]any{"id": id, "path": matcher.dict()}); err != nil {
		p.local.removeFetch(id)
		if done != nil {
			done(err)
		}
	}
	return id
}

// AddFetch is the synchronous form of AddFetchAsync.
func (p *Peer) AddFetch(ctx context.Context, matcher Matcher, sink FetchSink) (int64, error) {
	done := make(chan error, 1)
	id := p.AddFetchAsync(matcher, sink, func(err error) { done <- err })
	select {
	case <-ctx.Done():
		return id, ctx.Err()
	case err := <-done:
		return id, err
	}
}

// RemoveFetchAsync deregisters id locally, then sends "unfetch" (§4.6).
// Removing an id that is not registered is a no-op locally; "unfetch" is
// still sent so the daemon can report (or ignore) the unknown id.
func (p *Peer) RemoveFetchAsync(id int64, done func(error)) {
	if p.local.removeFetch(id) {
		p.metrics.Add("fetches_active", -1)
	}
	var sink responseSink
	if done != nil {
		sink = func(r *Response) { done(responseToError(r)) }
	}
	if _, err := p.sendRequest(sink, "unfetch", map[string]any{"id": id}); err != nil && done != nil {
		done(err)
	}
}

// RemoveFetch is the synchronous form of RemoveFetchAsync.
func (p *Peer) RemoveFetch(ctx context.Context, id int64) error {
	return p.syncAdd(ctx, func(done func(error)) { p.RemoveFetchAsync(id, done) })
}

// --- Set / Call / Get -------------------------------------------------------

// SetAsync requests that the daemon set path to value (§4.5 "set"). done's
// *Warning is non-nil only when the response carried one (§6, §7): the
// call still succeeded (err is nil) but the daemon adapted the stored
// value and wants the caller to see why, out-of-band from the
// success/failure outcome.
func (p *Peer) SetAsync(path string, value any, done func(*Warning, error), opts ...CallOption) {
	params := buildParams(opts, map[string]any{"path": path, "value": value})
	var sink responseSink
	if done != nil {
		sink = func(r *Response) {
			w, err := responseToWarning(r)
			done(w, err)
		}
	}
	if _, err := p.sendRequest(sink, "set", params); err != nil && done != nil {
		done(nil, err)
	}
}

// Set is the synchronous form of SetAsync. Its *Warning return is non-nil
// only when the set succeeded but the daemon adapted the value (§6, §7).
func (p *Peer) Set(ctx context.Context, path string, value any, opts ...CallOption) (*Warning, error) {
	params := buildParams(opts, map[string]any{"path": path, "value": value})
	r, err := p.syncRequest(ctx, "set", params)
	if err != nil {
		return nil, err
	}
	return responseToWarning(r)
}

// CallAsync invokes the remote method at path with args (omitted from the
// wire if nil, §4.5). calls_pending (SPEC_FULL §1.4) tracks this call from
// the moment it is queued on the wire until its sink runs, mirroring the
// teacher's own callPending gauge around Call.
func (p *Peer) CallAsync(path string, args any, done func(json.RawMessage, error), opts ...CallOption) {
	base := map[string]any{"path": path}
	if args != nil {
		base["args"] = args
	}
	params := buildParams(opts, base)
	var sink responseSink
	if done != nil {
		sink = func(r *Response) {
			p.metrics.Add("calls_pending", -1)
			if r.Error != nil {
				done(nil, responseError(r.Error))
				return
			}
			done(toRaw(r.Result), nil)
		}
	}
	p.metrics.Add("calls_out", 1)
	if sink != nil {
		p.metrics.Add("calls_pending", 1)
	}
	if _, err := p.sendRequest(sink, "call", params); err != nil {
		p.metrics.Add("calls_out_failed", 1)
		if sink != nil {
			p.metrics.Add("calls_pending", -1) // the sink is never invoked on this path
		}
		if done != nil {
			done(nil, err)
		}
	}
}

// Call is the synchronous form of CallAsync.
func (p *Peer) Call(ctx context.Context, path string, args any, opts ...CallOption) (json.RawMessage, error) {
	base := map[string]any{"path": path}
	if args != nil {
		base["args"] = args
	}
	params := buildParams(opts, base)
	p.metrics.Add("calls_out", 1)
	p.metrics.Add("calls_pending", 1)
	defer p.metrics.Add("calls_pending", -1)
	r, err := p.syncRequest(ctx, "call", params)
	if err != nil {
		p.metrics.Add("calls_out_failed", 1)
		return nil, err
	}
	return toRaw(r.Result), nil
}

// GetEntry is one {path, value} pair returned by Get (SPEC_FULL §3).
type GetEntry struct {
	Path  string
	Value json.RawMessage
}

// GetAsync requests every path/value pair matching matcher.
func (p *Peer) GetAsync(matcher Matcher, done func([]GetEntry, error)) {
	var sink responseSink
	if done != nil {
		sink = func(r *Response) {
			if r.Error != nil {
				done(nil, responseError(r.Error))
				return
			}
			entries, err := decodeGetResult(r.Result)
			done(entries, err)
		}
	}
	if _, err := p.sendRequest(sink, "get", map[string]any{"path": matcher.dict()}); err != nil && done != nil {
		done(nil, err)
	}
}

// Get is the synchronous form of GetAsync.
func (p *Peer) Get(ctx context.Context, matcher Matcher) ([]GetEntry, error) {
	r, err := p.syncRequest(ctx, "get", map[string]any{"path": matcher.dict()})
	if err != nil {
		return nil, err
	}
	return decodeGetResult(r.Result)
}

func decodeGetResult(result any) ([]GetEntry, error) {
	raw := toRaw(result)
	var entries []getEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	out := make([]GetEntry, len(entries))
	for i, e := range entries {
		out[i] = GetEntry{Path: e.Path, Value: e.Value}
	}
	return out, nil
}

func toRaw(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, _ := json.Marshal(v)
	return b
}

// --- Notify ------------------------------------------------------------

// NotifyState sends a "change" notification announcing a new value for one
// of this peer's own states (§4.6 "the hot path"). It is fire-and-forget:
// no id, no response, no registry effect.
func (p *Peer) NotifyState(path string, value any) error {
	payload, err := encodeChange(path, value)
	if err != nil {
		return err
	}
	return p.sendFrame(payload)
}

// --- Info / Config / Authenticate --------------------------------------

// InfoAsync requests daemon/connection metadata (§4.5 "info").
func (p *Peer) InfoAsync(done func(json.RawMessage, error)) {
	var sink responseSink
	if done != nil {
		sink = func(r *Response) {
			if r.Error != nil {
				done(nil, responseError(r.Error))
				return
			}
			done(toRaw(r.Result), nil)
		}
	}
	if _, err := p.sendRequest(sink, "info", map[string]any{}); err != nil && done != nil {
		done(nil, err)
	}
}

// Info is the synchronous form of InfoAsync.
func (p *Peer) Info(ctx context.Context) (json.RawMessage, error) {
	r, err := p.syncRequest(ctx, "info", map[string]any{})
	if err != nil {
		return nil, err
	}
	return toRaw(r.Result), nil
}

// ConfigAsync sends a "config" request with an explicit name/debug pair,
// outside of the automatic handshake Dial/Resume perform on connect.
func (p *Peer) ConfigAsync(name string, debug bool, done func(error)) {
	var sink responseSink
	if done != nil {
		sink = func(r *Response) { done(responseToError(r)) }
	}
	if _, err := p.sendRequest(sink, "config", map[string]any{"name": name, "debug": debug}); err != nil && done != nil {
		done(err)
	}
}

// Config is the synchronous form of ConfigAsync.
func (p *Peer) Config(ctx context.Context, name string, debug bool) error {
	_, err := p.syncRequest(ctx, "config", map[string]any{"name": name, "debug": debug})
	return err
}

// AuthenticateAsync sends user/password credentials to the daemon.
func (p *Peer) AuthenticateAsync(user, password string, done func(error)) {
	var sink responseSink
	if done != nil {
		sink = func(r *Response) { done(responseToError(r)) }
	}
	if _, err := p.sendRequest(sink, "authenticate", map[string]any{"user": user, "password": password}); err != nil && done != nil {
		done(err)
	}
}

// Authenticate is the synchronous form of AuthenticateAsync.
func (p *Peer) Authenticate(ctx context.Context, user, password string) error {
	_, err := p.syncRequest(ctx, "authenticate", map[string]any{"user": user, "password": password})
	return err
}

// Exec invokes a method or state handler already registered on this peer
// directly, without going over the wire, analogous to the teacher's
// Peer.Exec. It is useful for exercising a handler in isolation without
// standing up a daemon or a paired peer at all.
func (p *Peer) Exec(ctx context.Context, path string, params json.RawMessage) (any, error) {
	if handler, ok := p.local.method(path); ok {
		return handler(ctx, path, params)
	}
	if handler, ok := p.local.state(path); ok {
		if handler == nil {
			return nil, responseError(errReadOnlyData())
		}
		result, err := handler(ctx, path, params)
		if err != nil {
			return nil, err
		}
		return setResultBody{Warning: result.warning}, nil
	}
	return nil, NewError(1, "exec: unknown path")
}
