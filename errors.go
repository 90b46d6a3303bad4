// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package jet

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// internalErrorCode is the code reported for errors the peer itself raises
// on behalf of a handler (read-only state, a plain error or recovered panic
// from a handler, FieldErrors), grounded on defines.h's internalError
// constant. WrongParameterCount and MissingParameter use code -1 instead.
const internalErrorCode = -32603

// canceledCode is the code attached to the synthetic error response
// delivered to a pending request's sink when the peer shuts down (I1), and
// to the one delivered when a request could not be sent.
const canceledCode = -1

// ErrorData is the structured form of a Jet RPC error, mirroring the wire
// shape {code, message, data}. A handler may return an *ErrorData (or a
// value satisfying the RPCError interface) to control exactly what the
// caller sees.
type ErrorData struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ErrorData) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("jet error %d: %s", e.Code, e.Message)
}

// RPCError is satisfied by any error a state or method handler may return
// that wants to control the wire error object directly, rather than being
// folded into a generic {code: internalErrorCode, message: err.Error()}.
// Structured errors with per-field validation details (§4.9) implement this
// by returning their own *ErrorData from ErrorData().
type RPCError interface {
	error
	ErrorData() *ErrorData
}

// FieldErrors is a structured RPC error carrying a per-field breakdown, used
// by complex state validators to report which fields failed and why. Its
// JSON form places the field map under the top-level error's "data" key, so
// that a caller can pattern-match on individual fields without parsing text.
type FieldErrors struct {
	Message string
	Fields  map[string]ErrorData
}

func (e *FieldErrors) Error() string { return e.Message }

// ErrorData implements RPCError.
func (e *FieldErrors) ErrorData() *ErrorData {
	data, _ := json.Marshal(e.Fields)
	return &ErrorData{Code: internalErrorCode, Message: e.Message, Data: data}
}

// genericError is a plain {code, message} error with no field detail,
// satisfying RPCError.
type genericError struct {
	code    int
	message string
}

func (e *genericError) Error() string         { return e.message }
func (e *genericError) ErrorData() *ErrorData { return &ErrorData{Code: e.code, Message: e.message} }

// NewError returns a generic structured RPC error with the given code and
// message (§4.9).
func NewError(code int, message string) error { return &genericError{code: code, message: message} }

// WrongParameterCount reports that a method or state handler was invoked
// with the wrong number of positional arguments. It is a convenience
// generic error with code -1, per §4.9.
func WrongParameterCount(want, got int) error {
	return &genericError{code: -1, message: fmt.Sprintf("wrong parameter count: want %d, got %d", want, got)}
}

// MissingParameter reports that a required named parameter was absent from
// a request. It is a convenience generic error with code -1, per §4.9.
func MissingParameter(name string) error {
	return &genericError{code: -1, message: fmt.Sprintf("missing parameter %q", name)}
}

// toErrorData converts an arbitrary error returned by a handler into the
// wire error object, following the taxonomy of §4.4.1/§4.4.2/§4.9:
// a RPCError is rendered as its own ErrorData; anything else becomes a
// generic internalError with the error's text as the message.
func toErrorData(err error) *ErrorData {
	if rerr, ok := err.(RPCError); ok {
		if ed := rerr.ErrorData(); ed != nil {
			return ed
		}
	}
	if err == nil {
		return &ErrorData{Code: internalErrorCode, Message: "caught exception!"}
	}
	return &ErrorData{Code: internalErrorCode, Message: err.Error()}
}

// canceledError constructs the synthetic {code:-1, message:"jet request has
// been canceled without response!"} error delivered to every still-pending
// request sink on shutdown (I1), grounded on asyncrequest.cpp's clear().
func canceledError() *ErrorData {
	return &ErrorData{Code: canceledCode, Message: "jet request has been canceled without response!"}
}

// sendFailedError constructs the synthetic error delivered to a request's
// sink when the outbound frame could not be written at all, grounded on
// peerasync.cpp's sendMessage() write-failure text.
func sendFailedError(err error) *ErrorData {
	return &ErrorData{Code: canceledCode, Message: fmt.Sprintf("could not send message: %v", err)}
}

// CallError is the concrete error type returned by the synchronous façade
// methods (Set, Call, Get, Info, Config, Authenticate, AddState, AddMethod,
// AddFetch, ...) when the daemon's response carries an error object, or when
// the request could not be completed at all (local send failure, shutdown).
type CallError struct {
	*ErrorData
	Err error // set for transport-level failures; nil for a daemon-reported error
}

// Error implements the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return c.Err.Error()
	}
	return c.ErrorData.Error()
}

// Unwrap reports the underlying transport error, if any.
func (c *CallError) Unwrap() error { return c.Err }

func callError(err error) *CallError { return &CallError{ErrorData: &ErrorData{}, Err: err} }

func responseError(ed *ErrorData) *CallError { return &CallError{ErrorData: ed} }
