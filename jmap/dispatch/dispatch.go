package dispatch

import (
	"context"
	"encoding/json"
)

// Handler executes one method call's already-back-reference-resolved args
// against account and returns either a success result (JSON-marshalable)
// or a MethodError.
type Handler func(ctx context.Context, account Store, args json.RawMessage) (interface{}, *MethodError)

// registry is the verb -> handler table spec's dynamic-dispatch-by-verb
// design calls for: new methods register by adding a row, no inheritance
// or type switch required.
var registry = map[string]Handler{}

// Register adds name to the dispatch table. Intended to be called from
// package-level init funcs in mailbox.go/email.go/submission.go, mirroring
// how net/http handlers or database/sql drivers self-register.
func Register(name string, h Handler) {
	registry[name] = h
}

// Dispatch runs every invocation in calls against account in order,
// resolving back-references against responses produced earlier in the
// same batch, and returns one MethodResponse per invocation.
func Dispatch(ctx context.Context, account Store, calls []Invocation) []MethodResponse {
	responses := make([]MethodResponse, 0, len(calls))
	for _, call := range calls {
		args, merr := resolveBackRefs(call.Args, responses)
		if merr != nil {
			responses = append(responses, MethodResponse{CallID: call.CallID, Err: merr})
			continue
		}

		handler, ok := registry[call.Name]
		if !ok {
			responses = append(responses, MethodResponse{
				CallID: call.CallID,
				Err:    newError(ErrUnknownMethod, "no such method %q", call.Name),
			})
			continue
		}

		result, merr := handler(ctx, account, args)
		if merr != nil {
			responses = append(responses, MethodResponse{CallID: call.CallID, Err: merr})
			continue
		}
		responses = append(responses, MethodResponse{Name: call.Name, Args: result, CallID: call.CallID})
	}
	return responses
}
