// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package jet

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// outEnvelope is the shape of every outbound request or notification built
// by the outbound request builder (C5): {jsonrpc, method, params, id?}.
// Omitting ID yields JSON-RPC notification semantics (no response expected).
type outEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      *int64 `json:"id,omitempty"`
}

func encodeOut(method string, params any, id *int64) ([]byte, error) {
	return json.Marshal(outEnvelope{JSONRPC: "2.0", Method: method, Params: params, ID: id})
}

// encodeChange builds the fire-and-forget frame a peer sends to announce a
// new value for one of its own states (§4.5 "change"). It never carries an
// id.
func encodeChange(path string, value any) ([]byte, error) {
	return encodeOut("change", map[string]any{"path": path, "value": value}, nil)
}

// inEnvelope is the superset shape of every inbound frame: a response, a
// fetch notification, or a request/notification addressed to one of this
// peer's own states or methods. Method is left as raw JSON because its type
// (absent, integer, or string) is what the dispatcher classifies on (§4.4).
type inEnvelope struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Method  json.RawMessage `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorData      `json:"error,omitempty"`
}

// inKind classifies an inbound message per the table in §4.4.
type inKind int

const (
	kindResponse inKind = iota
	kindFetchNotify
	kindNamed // a string method: state-set, method-call, or unrecognized path
)

// classify inspects env.Method (absent/null, integer, or string) and reports
// which row of §4.4's table it matches. For kindFetchNotify it also returns
// the decoded fetch id; for kindNamed it returns the decoded path string.
func classify(env *inEnvelope) (kind inKind, fetchID int64, path string, err error) {
	if len(env.Method) == 0 || string(env.Method) == "null" {
		return kindResponse, 0, "", nil
	}
	var asInt int64
	if err := json.Unmarshal(env.Method, &asInt); err == nil {
		return kindFetchNotify, asInt, "", nil
	}
	var asStr string
	if err := json.Unmarshal(env.Method, &asStr); err == nil {
		return kindNamed, 0, asStr, nil
	}
	return kindResponse, 0, "", fmt.Errorf("unrecognized method field %s", env.Method)
}

// decodeTop parses a raw inbound frame payload. Per §4.4, the top-level
// value may be a single object or an array of objects (a batch); decodeTop
// always returns a slice, of length 1 for the non-batch case.
func decodeTop(payload []byte) ([]inEnvelope, error) {
	trimmed := trimLeadingSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []inEnvelope
		if err := json.Unmarshal(payload, &batch); err != nil {
			return nil, err
		}
		return batch, nil
	}
	var single inEnvelope
	if err := json.Unmarshal(payload, &single); err != nil {
		return nil, err
	}
	return []inEnvelope{single}, nil
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\r', '\n':
			i++
			continue
		}
		break
	}
	return b[i:]
}

// stateSetParams is the params object of an inbound state-set message
// (§4.4.1): {path, value, event?}.
type stateSetParams struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

// fetchNotifyParams is the params object of an inbound fetch notification
// (§6): {path, event, value?}.
type fetchNotifyParams struct {
	Path  string          `json:"path"`
	Event string          `json:"event"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Warning is the optional {code, message?} carried inside a successful set
// response when the value was adapted rather than stored exactly as
// requested (§6 Warnings, §7 "a synchronous call that returns a warning
// delivers a success return plus the warning code out-of-band").
type Warning struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// setResultBody is the result object of a successful state-set response:
// {} on a clean success, or {warning:{...}} when the handler flagged an
// adaptation (§4.4.1).
type setResultBody struct {
	Warning *Warning `json:"warning,omitempty"`
}

// getEntry is one element of the array returned by a "get" request's result
// (§4.5, SPEC_FULL §3): {path, value}.
type getEntry struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}
