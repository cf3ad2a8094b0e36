// Package notion syncs pages and databases shared with the integration.
package notion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jomei/notionapi"

	"github.com/Martian-dev/brain-sync/internal/auth"
	"github.com/Martian-dev/brain-sync/internal/sync"
)

const pageSize = 100

// Adapter walks the search endpoint ordered by last edit, oldest first.
type Adapter struct {
	client *notionapi.Client
}

// New creates a Notion adapter authorized by cred. A nil httpClient uses the
// library default.
func New(cred *auth.Credential, httpClient *http.Client) (*Adapter, error) {
	token, err := cred.AccessToken()
	if err != nil {
		return nil, err
	}
	var opts []notionapi.ClientOption
	if httpClient != nil {
		opts = append(opts, notionapi.WithHTTPClient(httpClient))
	}
	return NewFromClient(notionapi.NewClient(notionapi.Token(token), opts...)), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *notionapi.Client) *Adapter {
	return &Adapter{client: client}
}

// CollectionID implements sync.SourceAdapter.
func (a *Adapter) CollectionID() string { return "notion" }

// AscendingByTime implements sync.Ordered.
func (a *Adapter) AscendingByTime() bool { return true }

// header is the part of a page or database the adapter needs.
type header struct {
	Object         string    `json:"object"`
	ID             string    `json:"id"`
	LastEditedTime time.Time `json:"last_edited_time"`
	Parent         struct {
		Type       string `json:"type"`
		PageID     string `json:"page_id"`
		DatabaseID string `json:"database_id"`
	} `json:"parent"`
}

// ListPage implements sync.SourceAdapter. Search has no time filter, so
// results at or before the high-water mark are dropped here.
func (a *Adapter) ListPage(ctx context.Context, resume sync.Watermark, pageToken string) (sync.Page, error) {
	resp, err := a.client.Search.Do(ctx, &notionapi.SearchRequest{
		StartCursor: notionapi.Cursor(pageToken),
		PageSize:    pageSize,
		Sort: &notionapi.SortObject{
			Direction: notionapi.SortOrderASC,
			Timestamp: notionapi.TimestampLastEdited,
		},
	})
	if err != nil {
		return sync.Page{}, fmt.Errorf("failed to search: %w", err)
	}

	var page sync.Page
	if resp.HasMore {
		page.NextPageToken = string(resp.NextCursor)
	}
	for _, obj := range resp.Results {
		payload, err := json.MarshalIndent(obj, "", "  ")
		if err != nil {
			page.Reject(a.CollectionID(), "", err)
			continue
		}
		var h header
		if err := json.Unmarshal(payload, &h); err != nil {
			page.Reject(a.CollectionID(), "", err)
			continue
		}
		if err := h.validate(); err != nil {
			page.Reject(a.CollectionID(), h.ID, err)
			continue
		}
		if !resume.Admits(h.LastEditedTime) {
			continue
		}
		page.Add(sync.RemoteItem{
			CollectionID: a.CollectionID(),
			StableID:     h.Object + "-" + h.ID,
			OccurredAt:   h.LastEditedTime.UTC(),
			Payload:      payload,
			Extension:    ".json",
			ParentRef:    h.parentRef(),
		})
	}
	return page, nil
}

func (h header) validate() error {
	switch {
	case h.ID == "":
		return errors.New("result without id")
	case h.Object != "page" && h.Object != "database":
		return fmt.Errorf("unexpected object %q", h.Object)
	case h.LastEditedTime.IsZero():
		return errors.New("result without last_edited_time")
	}
	return nil
}

func (h header) parentRef() string {
	switch h.Parent.Type {
	case "page_id":
		return h.Parent.PageID
	case "database_id":
		return h.Parent.DatabaseID
	}
	return ""
}
