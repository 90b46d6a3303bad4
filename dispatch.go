// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package jet

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// handleFrame is the inbound dispatcher (C4). It parses payload, classifies
// each element (a single object, or a batch array of objects, per §4.4),
// and routes it. Parse failures are logged and the frame is dropped; they
// are never protocol fatal (§7).
func (p *Peer) handleFrame(payload []byte) {
	envs, err := decodeTop(payload)
	if err != nil {
		p.metrics.Add("frames_dropped", 1)
		p.logParseFailure(payload, err)
		return
	}
	for i := range envs {
		p.dispatchOne(&envs[i])
	}
}

func (p *Peer) logParseFailure(payload []byte, err error) {
	if len(payload) <= 2048 {
		p.logf("jet: dropping unparsable frame (%v): % x", err, payload)
	} else {
		p.logf("jet: dropping unparsable frame (%v), %d bytes", err, len(payload))
	}
}

// dispatchOne routes a single parsed inbound element per the table in
// §4.4.
func (p *Peer) dispatchOne(env *inEnvelope) {
	kind, fetchID, path, err := classify(env)
	if err != nil {
		p.metrics.Add("frames_dropped", 1)
		p.logf("jet: dropping frame with unrecognized method field: %v", err)
		return
	}

	switch kind {
	case kindResponse:
		p.dispatchResponse(env)
	case kindFetchNotify:
		p.dispatchFetchNotify(fetchID, env)
	case kindNamed:
		p.dispatchNamed(path, env)
	}
}

// dispatchResponse resolves the pending request named by env.ID (C2).
// An unknown id is logged and dropped per §4.2.
func (p *Peer) dispatchResponse(env *inEnvelope) {
	if env.ID == nil {
		p.metrics.Add("frames_dropped", 1)
		p.logf("jet: dropping response frame with no id")
		return
	}
	resp := &Response{ID: *env.ID, Error: env.Error}
	if env.Error == nil {
		resp.Result = env.Result
	}
	if !p.reqs.resolve(*env.ID, resp) {
		p.metrics.Add("frames_dropped", 1)
		p.logf("jet: no request with id=%d is waiting for a response", *env.ID)
	}
}

// dispatchFetchNotify routes a fetch notification to its sink (C3). A
// notification for a fetch id this peer no longer recognizes (it may have
// just called RemoveFetch) is silently dropped, matching the open question
// noted in DESIGN.md about late notifications racing deregistration.
func (p *Peer) dispatchFetchNotify(fetchID int64, env *inEnvelope) {
	entry, ok := p.local.fetch(fetchID)
	if !ok {
		return
	}
	var fp fetchNotifyParams
	if err := json.Unmarshal(env.Params, &fp); err != nil {
		p.logf("jet: dropping malformed fetch notification for id=%d: %v", fetchID, err)
		return
	}
	p.invokeFetchSink(entry.sink, FetchNotification{Path: fp.Path, Event: fp.Event, Value: fp.Value})
}

func (p *Peer) invokeFetchSink(sink FetchSink, n FetchNotification) {
	defer func() {
		if x := recover(); x != nil {
			p.logf("jet: fetch sink panicked (recovered): %v", x)
		}
	}()
	sink(n)
}

// dispatchNamed handles an inbound message addressed by string path: either
// a state-set, a method-call, or (if path matches neither local table) an
// unrecognized message that is logged and dropped (§4.4 last row).
func (p *Peer) dispatchNamed(path string, env *inEnvelope) {
	if handler, ok := p.local.state(path); ok {
		p.dispatchStateSet(path, handler, env)
		return
	}
	if handler, ok := p.local.method(path); ok {
		p.dispatchMethodCall(path, handler, env)
		return
	}
	p.metrics.Add("frames_dropped", 1)
	p.logf("jet: dropping message for unrecognized path %q", path)
}

// dispatchStateSet implements §4.4.1. handler is nil for a read-only state
// (registered via AddState with a nil StateHandler / fetchOnly add).
func (p *Peer) dispatchStateSet(path string, handler StateHandler, env *inEnvelope) {
	var sp stateSetParams
	if err := json.Unmarshal(env.Params, &sp); err != nil {
		p.logf("jet: malformed set for %q: %v", path, err)
		return
	}

	// A null value is a degenerate request: skip the handler entirely, and
	// suppress any response even if an id was present.
	if len(sp.Value) == 0 || string(sp.Value) == "null" {
		return
	}

	if handler == nil {
		if env.ID != nil {
			p.sendResponseError(*env.ID, errReadOnlyData())
		}
		return
	}

	p.metrics.Add("calls_in", 1)
	p.tasks.Go(func() error {
		result, err := p.runStateHandler(handler, path, sp.Value)
		if err != nil {
			p.metrics.Add("calls_in_failed", 1)
			if env.ID != nil {
				p.sendResponseError(*env.ID, toErrorData(err))
			}
			return nil
		}
		if result.hasNewValue {
			if out, encErr := encodeChange(path, result.newValue); encErr == nil {
				p.sendFrame(out)
			}
		}
		if env.ID != nil {
			p.sendResponseResult(*env.ID, setResultBody{Warning: result.warning})
		}
		return nil
	})
}

func (p *Peer) runStateHandler(handler StateHandler, path string, value json.RawMessage) (result SetResult, err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("state handler panicked (recovered): %v", x)
		}
	}()
	return handler(p.handlerContext(), path, value)
}

// dispatchMethodCall implements §4.4.2.
func (p *Peer) dispatchMethodCall(path string, handler MethodHandler, env *inEnvelope) {
	p.metrics.Add("calls_in", 1)
	p.tasks.Go(func() error {
		result, err := p.runMethodHandler(handler, path, env.Params)
		if env.ID == nil {
			return nil // fire-and-forget call: no response regardless of outcome
		}
		if err != nil {
			p.metrics.Add("calls_in_failed", 1)
			p.sendResponseError(*env.ID, toErrorData(err))
			return nil
		}
		p.sendResponseResult(*env.ID, result)
		return nil
	})
}

func (p *Peer) runMethodHandler(handler MethodHandler, path string, params json.RawMessage) (result any, err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("method handler panicked (recovered): %v", x)
		}
	}()
	return handler(p.handlerContext(), path, params)
}

func (p *Peer) sendResponseResult(id int64, result any) {
	payload, err := json.Marshal(struct {
		ID     int64 `json:"id"`
		Result any   `json:"result"`
	}{ID: id, Result: result})
	if err != nil {
		p.logf("jet: failed to encode response for id=%d: %v", id, err)
		return
	}
	p.sendFrame(payload)
}

func (p *Peer) sendResponseError(id int64, ed *ErrorData) {
	payload, err := json.Marshal(struct {
		ID    int64      `json:"id"`
		Error *ErrorData `json:"error"`
	}{ID: id, Error: ed})
	if err != nil {
		p.logf("jet: failed to encode error response for id=%d: %v", id, err)
		return
	}
	p.sendFrame(payload)
}

func errReadOnlyData() *ErrorData {
	return &ErrorData{Code: internalErrorCode, Message: "state is read only!"}
}
