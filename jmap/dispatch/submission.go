package dispatch

import (
	"context"
	"encoding/json"
)

func init() {
	Register("EmailSubmission/set", handleEmailSubmissionSet)
}

type submissionCreateJSON struct {
	EmailID string `json:"emailId"`
	// onSuccessUpdateEmail is JMAP Mail's usual way to request a move to
	// Sent after submission; spec §4.G only asks for the binary "move to
	// Sent" behavior, so that's all this subset parses.
	MoveToSent bool `json:"moveToSent"`
}

type submissionSetArgs struct {
	Create map[string]submissionCreateJSON `json:"create"`
}

type createdSubmissionRef struct {
	ID string `json:"id"`
}

type submissionSetResult struct {
	NewState   string                          `json:"newState"`
	Created    map[string]createdSubmissionRef `json:"created,omitempty"`
	NotCreated map[string]*MethodError         `json:"notCreated,omitempty"`
}

func handleEmailSubmissionSet(ctx context.Context, account Store, args json.RawMessage) (interface{}, *MethodError) {
	var a submissionSetArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, newError(ErrInvalidArguments, "%v", err)
	}

	result := submissionSetResult{}
	for creationID, c := range a.Create {
		if c.EmailID == "" {
			if result.NotCreated == nil {
				result.NotCreated = map[string]*MethodError{}
			}
			result.NotCreated[creationID] = newError(ErrInvalidArguments, "emailId is required")
			continue
		}
		id, merr := account.SubmitEmail(c.EmailID, c.MoveToSent)
		if merr != nil {
			if result.NotCreated == nil {
				result.NotCreated = map[string]*MethodError{}
			}
			result.NotCreated[creationID] = merr
			continue
		}
		if result.Created == nil {
			result.Created = map[string]createdSubmissionRef{}
		}
		result.Created[creationID] = createdSubmissionRef{ID: id}
	}

	state, err := account.State()
	if err != nil {
		return nil, newError(ErrServerFail, "%v", err)
	}
	result.NewState = state
	return result, nil
}
