// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package jethandler provides adapters from typed Go functions to
// jet.StateHandler and jet.MethodHandler, lifting through JSON
// marshal/unmarshal the way the teacher's handler package lifts through
// encoding.BinaryMarshaler/TextMarshaler — adapted to Jet's domain value,
// which is already JSON (spec.md §3 "Value: an arbitrary JSON value"),
// rather than chirp's opaque binary payload.
package jethandler

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/hbk-worldwide/jetpeer"
)

// Method adapts a function f that accepts typed params P and returns a
// typed result R and an error, to a jet.MethodHandler. A params decode
// failure is reported as a generic RPC error (§4.9 "missing parameter").
func Method[P, R any](f func(context.Context, P) (R, error)) jet.MethodHandler {
	return func(ctx context.Context, path string, params json.RawMessage) (any, error) {
		var p P
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, jet.NewError(-1, fmt.Sprintf("invalid parameters: %v", err))
			}
		}
		return f(ctx, p)
	}
}

// State adapts a function f that accepts the requested typed value V and
// the path, and returns a jet.SetResult and an error, to a
// jet.StateHandler.
func State[V any](f func(context.Context, string, V) (jet.SetResult, error)) jet.StateHandler {
	return func(ctx context.Context, path string, requested json.RawMessage) (jet.SetResult, error) {
		var v V
		if err := json.Unmarshal(requested, &v); err != nil {
			return jet.SetResult{}, jet.NewError(-1, fmt.Sprintf("invalid value: %v", err))
		}
		return f(ctx, path, v)
	}
}

// EchoState builds a read-write StateHandler of type V that simply accepts
// whatever value is requested, with no validation or adaptation — the
// common case for a plain published value with no server-side coercion.
func EchoState[V any]() jet.StateHandler {
	return State(func(_ context.Context, _ string, v V) (jet.SetResult, error) {
		return jet.Changed(v), nil
	})
}
