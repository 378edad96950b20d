// Package gmailx wraps the Gmail API surface the engine needs: history-based
// change listing, query enumeration, raw message download, header search, and
// raw insert for restores. All calls operate on the authorized user ("me").
package gmailx

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/retryx"
)

const pageSize = 500

// errStopPaging terminates a paged listing early without reporting failure.
var errStopPaging = errors.New("stop paging")

// Meta is the provider-side metadata captured alongside every payload.
type Meta struct {
	ID           string
	ThreadID     string
	LabelIDs     []string
	InternalDate int64
	SizeEstimate int64
	HistoryID    uint64
}

// Client is a thin wrapper over the Gmail service.
type Client struct {
	svc *gmail.Service
}

// NewClient builds a Gmail client from an OAuth2 token source.
func NewClient(ctx context.Context, ts oauth2.TokenSource) (*Client, error) {
	httpClient := oauth2.NewClient(ctx, ts)
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// Profile returns the account address and its current history id. The
// history id is a valid cursor for ListChangesSince.
func (c *Client) Profile(ctx context.Context) (string, uint64, error) {
	p, err := c.svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", 0, fmt.Errorf("get profile: %w", classify(err))
	}
	return p.EmailAddress, p.HistoryId, nil
}

// ListChangesSince pages through the history log from startHistoryID and
// returns ids of added messages in first-seen order, deduplicated, together
// with the newest history id observed. A cursor the server no longer accepts
// is reported as common.ErrStaleCursor.
//
// The max cap applies at page granularity so the returned history id never
// runs ahead of the returned ids.
func (c *Client) ListChangesSince(ctx context.Context, startHistoryID uint64, max int) ([]string, uint64, error) {
	ids := make([]string, 0)
	seen := make(map[string]struct{})
	latest := startHistoryID

	call := c.svc.Users.History.List("me").
		StartHistoryId(startHistoryID).
		HistoryTypes("messageAdded").
		MaxResults(pageSize)

	err := call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		if page.HistoryId > latest {
			latest = page.HistoryId
		}
		for _, h := range page.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil || added.Message.Id == "" {
					continue
				}
				id := added.Message.Id
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
		if max > 0 && len(ids) >= max {
			return errStopPaging
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopPaging) {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, 0, fmt.Errorf("history list from %d: %w", startHistoryID, common.ErrStaleCursor)
		}
		return nil, 0, fmt.Errorf("history list: %w", classify(err))
	}
	return ids, latest, nil
}

// ListMessageIDs walks message ids matching query (Gmail search syntax, empty
// for everything; spam and trash included), calling fn for each id until the
// listing ends, fn returns an error, or max ids have been delivered.
func (c *Client) ListMessageIDs(ctx context.Context, query string, max int, fn func(id string) error) error {
	yielded := 0
	call := c.svc.Users.Messages.List("me").IncludeSpamTrash(true).MaxResults(pageSize)
	if query != "" {
		call = call.Q(query)
	}
	err := call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, m := range page.Messages {
			if m.Id == "" {
				continue
			}
			if err := fn(m.Id); err != nil {
				return err
			}
			yielded++
			if max > 0 && yielded >= max {
				return errStopPaging
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopPaging) {
		return fmt.Errorf("list messages: %w", classify(err))
	}
	return nil
}

// GetRaw downloads the full RFC 822 payload of one message plus its metadata.
func (c *Client) GetRaw(ctx context.Context, id string) ([]byte, *Meta, error) {
	msg, err := c.svc.Users.Messages.Get("me", id).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, nil, fmt.Errorf("get message %s: %w", id, classify(err))
	}
	if msg.Raw == "" {
		return nil, nil, fmt.Errorf("get message %s: empty raw payload", id)
	}
	raw, err := decodeBase64URL(msg.Raw)
	if err != nil {
		return nil, nil, fmt.Errorf("get message %s: decode raw: %w", id, err)
	}
	meta := &Meta{
		ID:           msg.Id,
		ThreadID:     msg.ThreadId,
		LabelIDs:     msg.LabelIds,
		InternalDate: msg.InternalDate,
		SizeEstimate: msg.SizeEstimate,
		HistoryID:    msg.HistoryId,
	}
	return raw, meta, nil
}

// The API emits url-safe base64 and is inconsistent about padding.
func decodeBase64URL(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// HeaderExists reports whether the mailbox already holds a message whose
// RFC 822 Message-ID header equals messageID (without angle brackets).
func (c *Client) HeaderExists(ctx context.Context, messageID string) (bool, error) {
	found := false
	err := c.ListMessageIDs(ctx, "rfc822msgid:"+messageID, 1, func(string) error {
		found = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// InsertRaw uploads a raw message into the mailbox, dating it from its own
// headers, and returns the provider-assigned id of the new copy.
func (c *Client) InsertRaw(ctx context.Context, raw []byte, labelIDs []string) (string, error) {
	msg := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		LabelIds: labelIDs,
	}
	out, err := c.svc.Users.Messages.Insert("me", msg).
		InternalDateSource("dateHeader").
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("insert message: %w", classify(err))
	}
	return out.Id, nil
}

// AddLabels attaches labels to an existing message.
func (c *Client) AddLabels(ctx context.Context, id string, labelIDs []string) error {
	req := &gmail.ModifyMessageRequest{AddLabelIds: labelIDs}
	if _, err := c.svc.Users.Messages.Modify("me", id, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("modify message %s: %w", id, classify(err))
	}
	return nil
}

// Trash moves a message to the trash.
func (c *Client) Trash(ctx context.Context, id string) error {
	if _, err := c.svc.Users.Messages.Trash("me", id).Context(ctx).Do(); err != nil {
		return fmt.Errorf("trash message %s: %w", id, classify(err))
	}
	return nil
}

// classify tags remote authorization failures with common.ErrPermission so
// callers can tell configuration problems from data problems. Rate-limited
// 403s stay as they are; the retry layer handles those.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) &&
		(gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden) &&
		!retryx.IsTransient(err) {
		return fmt.Errorf("%w: %w", common.ErrPermission, err)
	}
	return err
}
