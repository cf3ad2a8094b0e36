package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/brain-sync/internal/auth"
	"github.com/Martian-dev/brain-sync/internal/sync"
)

// DefaultQuery limits the first sync to recent mail.
const DefaultQuery = "newer_than:90d"

const pageSize = 500

// Options selects the messages to sync.
type Options struct {
	User string
	// Query replaces DefaultQuery when set.
	Query string
	// FullSync lists the whole mailbox when Query is empty.
	FullSync bool
}

// Adapter lists mailbox messages and materializes them as raw RFC 822 files.
type Adapter struct {
	svc   *gmail.Service
	user  string
	query string
}

// New creates a Gmail adapter authorized by cred.
func New(ctx context.Context, cred *auth.Credential, opts Options, clientOpts ...option.ClientOption) (*Adapter, error) {
	clientOpts = append([]option.ClientOption{option.WithHTTPClient(cred.HTTPClient(ctx))}, clientOpts...)
	svc, err := gmail.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return NewFromService(svc, opts), nil
}

// NewFromService wraps an existing service.
func NewFromService(svc *gmail.Service, opts Options) *Adapter {
	user := opts.User
	if user == "" {
		user = "me"
	}
	query := opts.Query
	if query == "" && !opts.FullSync {
		query = DefaultQuery
	}
	return &Adapter{svc: svc, user: user, query: query}
}

// CollectionID implements sync.SourceAdapter.
func (a *Adapter) CollectionID() string { return "gmail" }

// Query returns the search used for a walk resuming from resume. The bound
// overlaps the high-water mark by one second; already written messages are
// skipped by the sink.
func (a *Adapter) Query(resume sync.Watermark) string {
	q := a.query
	if !resume.HighWaterMark.IsZero() {
		bound := fmt.Sprintf("after:%d", resume.HighWaterMark.Unix()-1)
		q = strings.TrimSpace(q + " " + bound)
	}
	return q
}

// ListPage implements sync.SourceAdapter. Each listed id is resolved to its
// internal date with a minimal get; the raw message is fetched only when the
// sink needs it.
func (a *Adapter) ListPage(ctx context.Context, resume sync.Watermark, pageToken string) (sync.Page, error) {
	call := a.svc.Users.Messages.List(a.user).
		IncludeSpamTrash(false).
		MaxResults(pageSize).
		Context(ctx)
	if q := a.Query(resume); q != "" {
		call = call.Q(q)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return sync.Page{}, fmt.Errorf("failed to list messages: %w", err)
	}

	page := sync.Page{NextPageToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		if m == nil || m.Id == "" {
			page.Reject(a.CollectionID(), "", fmt.Errorf("message without id"))
			continue
		}

		meta, err := a.svc.Users.Messages.Get(a.user, m.Id).
			Format("minimal").
			Fields("id", "threadId", "internalDate").
			Context(ctx).
			Do()
		if isNotFound(err) {
			// deleted between list and get
			continue
		}
		if err != nil {
			page.Entries = append(page.Entries, sync.Entry{
				Item: sync.RemoteItem{CollectionID: a.CollectionID(), StableID: m.Id},
				Err:  sync.TransientFetch(a.CollectionID(), m.Id, err),
			})
			continue
		}

		id := m.Id
		page.Add(sync.RemoteItem{
			CollectionID: a.CollectionID(),
			StableID:     id,
			OccurredAt:   time.UnixMilli(meta.InternalDate).UTC(),
			Extension:    ".eml",
			ParentRef:    meta.ThreadId,
			Load: func(ctx context.Context) ([]byte, error) {
				return a.raw(ctx, id)
			},
		})
	}
	return page, nil
}

func (a *Adapter) raw(ctx context.Context, id string) ([]byte, error) {
	msg, err := a.svc.Users.Messages.Get(a.user, id).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	data, err := decodeRaw(msg.Raw)
	if err != nil {
		return nil, sync.MalformedItem(a.CollectionID(), id, err)
	}
	return data, nil
}

// decodeRaw accepts both padded and unpadded base64url.
func decodeRaw(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	return base64.RawURLEncoding.DecodeString(s)
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
