// Package dispatch implements the JMAP method dispatcher (RFC 8620 §3.3,
// §3.7): a registry of method-name handlers, back-reference resolution
// between calls in one batch, and per-call error surfacing.
package dispatch

import (
	"encoding/json"
	"fmt"
)

// Invocation is one [name, args, callId] triple from a JMAP request's
// methodCalls array.
type Invocation struct {
	Name   string
	Args   json.RawMessage
	CallID string
}

// UnmarshalJSON decodes the RFC 8620 three-element array form.
func (i *Invocation) UnmarshalJSON(b []byte) error {
	var raw [3]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("dispatch: invocation: %w", err)
	}
	if err := json.Unmarshal(raw[0], &i.Name); err != nil {
		return fmt.Errorf("dispatch: invocation name: %w", err)
	}
	i.Args = raw[1]
	if err := json.Unmarshal(raw[2], &i.CallID); err != nil {
		return fmt.Errorf("dispatch: invocation callId: %w", err)
	}
	return nil
}

// MarshalJSON encodes back to the three-element array form.
func (i Invocation) MarshalJSON() ([]byte, error) {
	args := i.Args
	if args == nil {
		args = json.RawMessage("{}")
	}
	return json.Marshal([3]json.RawMessage{
		mustMarshal(i.Name), args, mustMarshal(i.CallID),
	})
}

// MethodResponse is one [name, args, callId] triple in the response's
// methodResponses array. Name is "error" when Err is set.
type MethodResponse struct {
	Name   string
	Args   interface{}
	CallID string
	Err    *MethodError
}

// MarshalJSON encodes back to the three-element array form; an error
// response carries name "error" and the MethodError as args, per RFC 8620
// §3.5.1.
func (r MethodResponse) MarshalJSON() ([]byte, error) {
	name := r.Name
	var args interface{} = r.Args
	if r.Err != nil {
		name = "error"
		args = r.Err
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshal response args for %s/%s: %w", name, r.CallID, err)
	}
	return json.Marshal([3]json.RawMessage{mustMarshal(name), argsJSON, mustMarshal(r.CallID)})
}

// MethodError is a per-call JMAP error (RFC 8620 §3.5.1). It also
// implements the error interface so handlers can return it directly.
type MethodError struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

func (e *MethodError) Error() string {
	if e.Description != "" {
		return e.Type + ": " + e.Description
	}
	return e.Type
}

func newError(typ string, format string, args ...interface{}) *MethodError {
	return &MethodError{Type: typ, Description: fmt.Sprintf(format, args...)}
}

// NewInvalidArguments, NewNotFound, NewServerFail, NewForbidden and
// NewStateMismatch build a *MethodError of the matching RFC 8620 type.
// They exist so a Store implementation outside this package can report
// the same per-call error taxonomy the dispatcher itself uses, without
// constructing MethodError literals by hand.
func NewInvalidArguments(format string, args ...interface{}) *MethodError {
	return newError(ErrInvalidArguments, format, args...)
}

func NewNotFound(format string, args ...interface{}) *MethodError {
	return newError(ErrNotFound, format, args...)
}

func NewServerFail(format string, args ...interface{}) *MethodError {
	return newError(ErrServerFail, format, args...)
}

func NewForbidden(format string, args ...interface{}) *MethodError {
	return newError(ErrForbidden, format, args...)
}

func NewStateMismatch(format string, args ...interface{}) *MethodError {
	return newError(ErrStateMismatch, format, args...)
}

// Common error types named in RFC 8620 and spec §7's error taxonomy.
const (
	ErrUnknownMethod          = "unknownMethod"
	ErrInvalidArguments       = "invalidArguments"
	ErrNotFound               = "notFound"
	ErrStateMismatch          = "stateMismatch"
	ErrCannotCalculateChanges = "cannotCalculateChanges"
	ErrServerFail             = "serverFail"
	ErrForbidden              = "forbidden"
)

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Only ever called with strings; a marshal failure here is a bug.
		panic(fmt.Sprintf("dispatch: marshal %v: %v", v, err))
	}
	return b
}
