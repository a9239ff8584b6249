package dispatch

import (
	"context"
	"encoding/json"
)

func init() {
	Register("Mailbox/get", handleMailboxGet)
	Register("Mailbox/set", handleMailboxSet)
}

type mailboxGetArgs struct {
	IDs *[]string `json:"ids"` // nil means "all mailboxes"
}

type mailboxGetResult struct {
	State    string          `json:"state"`
	List     []mailboxJSON   `json:"list"`
	NotFound []string        `json:"notFound"`
}

type mailboxJSON struct {
	ID            string `json:"id"`
	ParentID      string `json:"parentId,omitempty"`
	Name          string `json:"name"`
	Role          string `json:"role,omitempty"`
	SortOrder     int    `json:"sortOrder"`
	TotalEmails   int    `json:"totalEmails"`
	UnreadEmails  int    `json:"unreadEmails"`
	TotalThreads  int    `json:"totalThreads"`
	UnreadThreads int    `json:"unreadThreads"`
	IsSubscribed  bool   `json:"isSubscribed"`
}

func toMailboxJSON(m MailboxRecord) mailboxJSON {
	return mailboxJSON{
		ID: m.ID, ParentID: m.ParentID, Name: m.Name, Role: m.Role,
		SortOrder: m.SortOrder, TotalEmails: m.TotalEmails,
		UnreadEmails: m.UnreadEmails, TotalThreads: m.TotalThreads,
		UnreadThreads: m.UnreadThreads, IsSubscribed: m.IsSubscribed,
	}
}

func handleMailboxGet(ctx context.Context, account Store, args json.RawMessage) (interface{}, *MethodError) {
	var a mailboxGetArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, newError(ErrInvalidArguments, "%v", err)
	}

	ids := a.IDs
	var requested []string
	if ids == nil {
		all, err := account.AllMailboxIDs()
		if err != nil {
			return nil, newError(ErrServerFail, "%v", err)
		}
		requested = all
	} else {
		requested = *ids
	}

	found, notFound, err := account.Mailboxes(requested)
	if err != nil {
		return nil, newError(ErrServerFail, "%v", err)
	}

	state, err := account.State()
	if err != nil {
		return nil, newError(ErrServerFail, "%v", err)
	}

	list := make([]mailboxJSON, len(found))
	for i, m := range found {
		list[i] = toMailboxJSON(m)
	}
	if notFound == nil {
		notFound = []string{}
	}

	return mailboxGetResult{State: state, List: list, NotFound: notFound}, nil
}

type mailboxSetArgs struct {
	Create map[string]mailboxCreateJSON `json:"create"`
}

type mailboxCreateJSON struct {
	Name     string `json:"name"`
	ParentID string `json:"parentId"`
}

type mailboxSetResult struct {
	OldState  string                       `json:"oldState,omitempty"`
	NewState  string                       `json:"newState"`
	Created   map[string]mailboxCreatedRef `json:"created,omitempty"`
	NotCreated map[string]*MethodError     `json:"notCreated,omitempty"`
}

type mailboxCreatedRef struct {
	ID string `json:"id"`
}

// handleMailboxSet implements the "create only" subset of Mailbox/set
// (spec §4.G); update/destroy are not offered on this method.
func handleMailboxSet(ctx context.Context, account Store, args json.RawMessage) (interface{}, *MethodError) {
	var a mailboxSetArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, newError(ErrInvalidArguments, "%v", err)
	}

	oldState, err := account.State()
	if err != nil {
		return nil, newError(ErrServerFail, "%v", err)
	}

	result := mailboxSetResult{OldState: oldState}
	for creationID, c := range a.Create {
		if c.Name == "" {
			if result.NotCreated == nil {
				result.NotCreated = map[string]*MethodError{}
			}
			result.NotCreated[creationID] = newError(ErrInvalidArguments, "name is required")
			continue
		}
		id, merr := account.CreateMailbox(MailboxCreate{Name: c.Name, ParentID: c.ParentID})
		if merr != nil {
			if result.NotCreated == nil {
				result.NotCreated = map[string]*MethodError{}
			}
			result.NotCreated[creationID] = merr
			continue
		}
		if result.Created == nil {
			result.Created = map[string]mailboxCreatedRef{}
		}
		result.Created[creationID] = mailboxCreatedRef{ID: id}
	}

	newState, err := account.State()
	if err != nil {
		return nil, newError(ErrServerFail, "%v", err)
	}
	result.NewState = newState
	return result, nil
}
