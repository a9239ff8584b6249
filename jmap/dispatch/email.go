package dispatch

import (
	"context"
	"encoding/json"
)

func init() {
	Register("Email/query", handleEmailQuery)
	Register("Email/get", handleEmailGet)
	Register("Email/set", handleEmailSet)
	Register("Email/changes", handleEmailChanges)
}

const maxQueryLimit = 1000

type emailQueryArgs struct {
	Filter struct {
		InMailbox  string `json:"inMailbox"`
		HasKeyword string `json:"hasKeyword"`
		NotKeyword string `json:"notKeyword"`
		Text       string `json:"text"`
		Subject    string `json:"subject"`
	} `json:"filter"`
	Sort []struct {
		Property    string `json:"property"`
		IsAscending *bool  `json:"isAscending"`
	} `json:"sort"`
	Limit          *int `json:"limit"`
	CalculateTotal bool `json:"calculateTotal"`
}

type emailQueryResult struct {
	QueryState string   `json:"queryState"`
	IDs        []string `json:"ids"`
	Total      *int     `json:"total,omitempty"`
}

func handleEmailQuery(ctx context.Context, account Store, args json.RawMessage) (interface{}, *MethodError) {
	var a emailQueryArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, newError(ErrInvalidArguments, "%v", err)
	}

	limit := maxQueryLimit
	if a.Limit != nil {
		if *a.Limit < 0 || *a.Limit > maxQueryLimit {
			return nil, newError(ErrInvalidArguments, "limit must be between 0 and %d", maxQueryLimit)
		}
		limit = *a.Limit
	}

	sort := make([]EmailSort, len(a.Sort))
	for i, s := range a.Sort {
		asc := true
		if s.IsAscending != nil {
			asc = *s.IsAscending
		}
		sort[i] = EmailSort{Property: s.Property, IsAscending: asc}
	}

	ids, total, err := account.QueryEmails(EmailFilter{
		InMailbox:  a.Filter.InMailbox,
		HasKeyword: a.Filter.HasKeyword,
		NotKeyword: a.Filter.NotKeyword,
		Text:       a.Filter.Text,
		Subject:    a.Filter.Subject,
	}, sort, limit)
	if err != nil {
		return nil, newError(ErrServerFail, "%v", err)
	}

	state, stateErr := account.State()
	if stateErr != nil {
		return nil, newError(ErrServerFail, "%v", stateErr)
	}

	result := emailQueryResult{QueryState: state, IDs: ids}
	if a.CalculateTotal {
		result.Total = &total
	}
	return result, nil
}

type emailGetArgs struct {
	IDs        []string `json:"ids"`
	Properties []string `json:"properties"`
}

type addressJSON struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

type bodyPartJSON struct {
	PartID string `json:"partId"`
	Type   string `json:"type"`
	Size   int64  `json:"size"`
}

type emailJSON struct {
	ID            string                  `json:"id"`
	MailboxIDs    map[string]bool         `json:"mailboxIds,omitempty"`
	Keywords      map[string]bool         `json:"keywords,omitempty"`
	Size          int64                   `json:"size,omitempty"`
	ReceivedAt    string                  `json:"receivedAt,omitempty"`
	SentAt        string                  `json:"sentAt,omitempty"`
	Subject       string                  `json:"subject,omitempty"`
	From          []addressJSON           `json:"from,omitempty"`
	To            []addressJSON           `json:"to,omitempty"`
	CC            []addressJSON           `json:"cc,omitempty"`
	BCC           []addressJSON           `json:"bcc,omitempty"`
	ReplyTo       []addressJSON           `json:"replyTo,omitempty"`
	Preview       string                  `json:"preview,omitempty"`
	HasAttachment bool                    `json:"hasAttachment,omitempty"`
	BodyValues    map[string]bodyValueOut `json:"bodyValues,omitempty"`
	TextBody      []bodyPartJSON          `json:"textBody,omitempty"`
	HTMLBody      []bodyPartJSON          `json:"htmlBody,omitempty"`
}

type bodyValueOut struct {
	Value string `json:"value"`
}

func toAddressJSON(a []Address) []addressJSON {
	if a == nil {
		return nil
	}
	out := make([]addressJSON, len(a))
	for i, addr := range a {
		out[i] = addressJSON{Name: addr.Name, Email: addr.Email}
	}
	return out
}

const timeLayout = "2006-01-02T15:04:05Z"

// wantsAny reports whether props contains any of names, or props is nil
// (meaning "all properties", JMAP's default when Properties is absent).
func wantsAny(props []string, names ...string) bool {
	if props == nil {
		return true
	}
	set := make(map[string]bool, len(props))
	for _, p := range props {
		set[p] = true
	}
	for _, n := range names {
		if set[n] {
			return true
		}
	}
	return false
}

// toEmailJSON projects r onto only the requested properties, per spec
// §4.G's "properties projection" requirement for Email/get.
func toEmailJSON(r EmailRecord, props []string) emailJSON {
	out := emailJSON{ID: r.ID}
	if wantsAny(props, "mailboxIds") {
		out.MailboxIDs = r.MailboxIDs
	}
	if wantsAny(props, "keywords") {
		out.Keywords = r.Keywords
	}
	if wantsAny(props, "size") {
		out.Size = r.Size
	}
	if wantsAny(props, "receivedAt") && !r.ReceivedAt.IsZero() {
		out.ReceivedAt = r.ReceivedAt.UTC().Format(timeLayout)
	}
	if wantsAny(props, "sentAt") && !r.SentAt.IsZero() {
		out.SentAt = r.SentAt.UTC().Format(timeLayout)
	}
	if wantsAny(props, "subject") {
		out.Subject = r.Subject
	}
	if wantsAny(props, "from") {
		out.From = toAddressJSON(r.From)
	}
	if wantsAny(props, "to") {
		out.To = toAddressJSON(r.To)
	}
	if wantsAny(props, "cc") {
		out.CC = toAddressJSON(r.CC)
	}
	if wantsAny(props, "bcc") {
		out.BCC = toAddressJSON(r.BCC)
	}
	if wantsAny(props, "replyTo") {
		out.ReplyTo = toAddressJSON(r.ReplyTo)
	}
	if wantsAny(props, "preview") {
		out.Preview = r.Preview
	}
	if wantsAny(props, "hasAttachment") {
		out.HasAttachment = r.HasAttachment
	}
	if wantsAny(props, "bodyValues", "textBody", "htmlBody") {
		if r.BodyValues != nil {
			out.BodyValues = make(map[string]bodyValueOut, len(r.BodyValues))
			for k, v := range r.BodyValues {
				out.BodyValues[k] = bodyValueOut{Value: v.Value}
			}
		}
	}
	if wantsAny(props, "textBody") {
		out.TextBody = toBodyPartJSON(r.TextBody)
	}
	if wantsAny(props, "htmlBody") {
		out.HTMLBody = toBodyPartJSON(r.HTMLBody)
	}
	return out
}

func toBodyPartJSON(parts []BodyPart) []bodyPartJSON {
	if parts == nil {
		return nil
	}
	out := make([]bodyPartJSON, len(parts))
	for i, p := range parts {
		out[i] = bodyPartJSON{PartID: p.PartID, Type: p.Type, Size: p.Size}
	}
	return out
}

type emailGetResult struct {
	State    string      `json:"state"`
	List     []emailJSON `json:"list"`
	NotFound []string    `json:"notFound"`
}

func handleEmailGet(ctx context.Context, account Store, args json.RawMessage) (interface{}, *MethodError) {
	var a emailGetArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, newError(ErrInvalidArguments, "%v", err)
	}
	if a.IDs == nil {
		return nil, newError(ErrInvalidArguments, "ids is required")
	}

	found, notFound, err := account.Emails(a.IDs, a.Properties)
	if err != nil {
		return nil, newError(ErrServerFail, "%v", err)
	}
	state, err := account.State()
	if err != nil {
		return nil, newError(ErrServerFail, "%v", err)
	}

	list := make([]emailJSON, len(found))
	for i, r := range found {
		list[i] = toEmailJSON(r, a.Properties)
	}
	if notFound == nil {
		notFound = []string{}
	}
	return emailGetResult{State: state, List: list, NotFound: notFound}, nil
}

type emailCreateJSON struct {
	MailboxIDs map[string]bool `json:"mailboxIds"`
	Keywords   map[string]bool `json:"keywords"`
	Subject    string          `json:"subject"`
	From       []addressJSON   `json:"from"`
	To         []addressJSON   `json:"to"`
	CC         []addressJSON   `json:"cc"`
	BCC        []addressJSON   `json:"bcc"`
	ReplyTo    []addressJSON   `json:"replyTo"`
	BodyValues map[string]struct {
		Value string `json:"value"`
	} `json:"bodyValues"`
	TextBody []struct {
		PartID string `json:"partId"`
	} `json:"textBody"`
	HTMLBody []struct {
		PartID string `json:"partId"`
	} `json:"htmlBody"`
}

func fromAddressJSON(a []addressJSON) []Address {
	if a == nil {
		return nil
	}
	out := make([]Address, len(a))
	for i, addr := range a {
		out[i] = Address{Name: addr.Name, Email: addr.Email}
	}
	return out
}

type emailPatchJSON struct {
	MailboxIDs map[string]bool `json:"mailboxIds"`
	Keywords   map[string]bool `json:"keywords"`
}

type emailSetArgs struct {
	Create  map[string]emailCreateJSON `json:"create"`
	Update  map[string]emailPatchJSON  `json:"update"`
	Destroy []string                   `json:"destroy"`
}

type createdEmailRef struct {
	ID string `json:"id"`
}

type emailSetResult struct {
	OldState     string                     `json:"oldState,omitempty"`
	NewState     string                     `json:"newState"`
	Created      map[string]createdEmailRef `json:"created,omitempty"`
	NotCreated   map[string]*MethodError    `json:"notCreated,omitempty"`
	Updated      map[string]interface{}     `json:"updated,omitempty"`
	NotUpdated   map[string]*MethodError    `json:"notUpdated,omitempty"`
	Destroyed    []string                   `json:"destroyed,omitempty"`
	NotDestroyed map[string]*MethodError    `json:"notDestroyed,omitempty"`
}

// handleEmailSet covers create (drafts), update (mailboxIds move and
// keywords with replacement semantics — spec §4.G scenario E5), and
// destroy (full message-delete path).
func handleEmailSet(ctx context.Context, account Store, args json.RawMessage) (interface{}, *MethodError) {
	var a emailSetArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, newError(ErrInvalidArguments, "%v", err)
	}

	oldState, err := account.State()
	if err != nil {
		return nil, newError(ErrServerFail, "%v", err)
	}
	result := emailSetResult{OldState: oldState}

	for creationID, c := range a.Create {
		textBody := ""
		htmlBody := ""
		for k, v := range c.BodyValues {
			for _, tb := range c.TextBody {
				if tb.PartID == k {
					textBody = v.Value
				}
			}
			for _, hb := range c.HTMLBody {
				if hb.PartID == k {
					htmlBody = v.Value
				}
			}
		}
		id, merr := account.CreateEmail(EmailCreate{
			MailboxIDs: c.MailboxIDs,
			Keywords:   c.Keywords,
			Subject:    c.Subject,
			From:       fromAddressJSON(c.From),
			To:         fromAddressJSON(c.To),
			CC:         fromAddressJSON(c.CC),
			BCC:        fromAddressJSON(c.BCC),
			ReplyTo:    fromAddressJSON(c.ReplyTo),
			TextBody:   textBody,
			HTMLBody:   htmlBody,
		})
		if merr != nil {
			if result.NotCreated == nil {
				result.NotCreated = map[string]*MethodError{}
			}
			result.NotCreated[creationID] = merr
			continue
		}
		if result.Created == nil {
			result.Created = map[string]createdEmailRef{}
		}
		result.Created[creationID] = createdEmailRef{ID: id}
	}

	for id, patch := range a.Update {
		p := EmailPatch{}
		if patch.MailboxIDs != nil {
			p.MailboxIDsSet = true
			p.MailboxIDs = patch.MailboxIDs
		}
		if patch.Keywords != nil {
			// JSON field present (even as {}) means the caller supplied a
			// full replacement set, per spec's replacement semantics.
			p.KeywordsSet = true
			p.Keywords = patch.Keywords
		}
		if merr := account.UpdateEmail(id, p); merr != nil {
			if result.NotUpdated == nil {
				result.NotUpdated = map[string]*MethodError{}
			}
			result.NotUpdated[id] = merr
			continue
		}
		if result.Updated == nil {
			result.Updated = map[string]interface{}{}
		}
		result.Updated[id] = nil
	}

	for _, id := range a.Destroy {
		if merr := account.DestroyEmail(id); merr != nil {
			if result.NotDestroyed == nil {
				result.NotDestroyed = map[string]*MethodError{}
			}
			result.NotDestroyed[id] = merr
			continue
		}
		result.Destroyed = append(result.Destroyed, id)
	}

	newState, err := account.State()
	if err != nil {
		return nil, newError(ErrServerFail, "%v", err)
	}
	result.NewState = newState
	return result, nil
}

type emailChangesArgs struct {
	SinceState string `json:"sinceState"`
}

type emailChangesResult struct {
	OldState               string   `json:"oldState"`
	NewState               string   `json:"newState"`
	HasMoreChanges         bool     `json:"hasMoreChanges"`
	Created                []string `json:"created"`
	Updated                []string `json:"updated"`
	Destroyed              []string `json:"destroyed"`
}

// handleEmailChanges delegates the heavy lifting to the account's
// changelog (spec §4.F); this handler only adapts the shape and surfaces
// cannotCalculateChanges as a per-call error (scenario E6), not a field.
func handleEmailChanges(ctx context.Context, account Store, args json.RawMessage) (interface{}, *MethodError) {
	var a emailChangesArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, newError(ErrInvalidArguments, "%v", err)
	}

	changes, err := account.ChangesSince("Email", a.SinceState)
	if err != nil {
		return nil, newError(ErrServerFail, "%v", err)
	}
	if changes.CannotCalculateChanges {
		return nil, &MethodError{Type: ErrCannotCalculateChanges}
	}

	return emailChangesResult{
		OldState:  a.SinceState,
		NewState:  changes.NewState,
		Created:   emptyIfNil(changes.Created),
		Updated:   emptyIfNil(changes.Updated),
		Destroyed: emptyIfNil(changes.Destroyed),
	}, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
