// Package gchat syncs Google Chat spaces and the messages of each space.
package gchat

import (
	"context"
	"fmt"
	"path"
	"time"

	json "github.com/goccy/go-json"
	"google.golang.org/api/chat/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/brain-sync/internal/auth"
	"github.com/Martian-dev/brain-sync/internal/sync"
)

const (
	spacePageSize   = 1000
	messagePageSize = 1000
)

// Scopes are the read-only scopes the adapter needs.
var Scopes = []string{
	"https://www.googleapis.com/auth/chat.spaces.readonly",
	"https://www.googleapis.com/auth/chat.messages.readonly",
}

// Spaces lists the spaces the user belongs to. Every space is an item whose
// Nested adapter walks its messages.
type Spaces struct {
	svc *chat.Service
}

// New creates a Chat adapter authorized by cred.
func New(ctx context.Context, cred *auth.Credential, clientOpts ...option.ClientOption) (*Spaces, error) {
	clientOpts = append([]option.ClientOption{option.WithHTTPClient(cred.HTTPClient(ctx))}, clientOpts...)
	svc, err := chat.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Chat service: %w", err)
	}
	return NewFromService(svc), nil
}

// NewFromService wraps an existing service.
func NewFromService(svc *chat.Service) *Spaces {
	return &Spaces{svc: svc}
}

// CollectionID implements sync.SourceAdapter.
func (s *Spaces) CollectionID() string { return "gchat" }

// ListPage implements sync.SourceAdapter.
func (s *Spaces) ListPage(ctx context.Context, _ sync.Watermark, pageToken string) (sync.Page, error) {
	call := s.svc.Spaces.List().PageSize(spacePageSize).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return sync.Page{}, fmt.Errorf("failed to list spaces: %w", err)
	}

	page := sync.Page{NextPageToken: resp.NextPageToken}
	for _, sp := range resp.Spaces {
		if sp == nil || sp.Name == "" {
			page.Reject(s.CollectionID(), "", fmt.Errorf("space without name"))
			continue
		}
		payload, err := json.MarshalIndent(sp, "", "  ")
		if err != nil {
			page.Reject(s.CollectionID(), sp.Name, err)
			continue
		}
		id := path.Base(sp.Name)
		page.Add(sync.RemoteItem{
			CollectionID: s.CollectionID(),
			StableID:     id,
			Payload:      payload,
			Extension:    ".json",
			Nested: &Messages{
				svc:   s.svc,
				space: sp.Name,
				id:    s.CollectionID() + "/" + id,
			},
		})
	}
	return page, nil
}

// Messages lists one space's messages, oldest first.
type Messages struct {
	svc   *chat.Service
	space string
	id    string
}

// CollectionID implements sync.SourceAdapter.
func (m *Messages) CollectionID() string { return m.id }

// AscendingByTime implements sync.Ordered.
func (m *Messages) AscendingByTime() bool { return true }

// Filter returns the message filter for a walk resuming from resume.
func Filter(resume sync.Watermark) string {
	if resume.HighWaterMark.IsZero() {
		return ""
	}
	return fmt.Sprintf("createTime >= %q", resume.HighWaterMark.UTC().Format(time.RFC3339Nano))
}

// ListPage implements sync.SourceAdapter.
func (m *Messages) ListPage(ctx context.Context, resume sync.Watermark, pageToken string) (sync.Page, error) {
	call := m.svc.Spaces.Messages.List(m.space).
		PageSize(messagePageSize).
		OrderBy("createTime ASC").
		Context(ctx)
	if f := Filter(resume); f != "" {
		call = call.Filter(f)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return sync.Page{}, fmt.Errorf("failed to list messages of %s: %w", m.space, err)
	}

	page := sync.Page{NextPageToken: resp.NextPageToken}
	for _, msg := range resp.Messages {
		item, err := m.normalize(msg)
		if err != nil {
			id := ""
			if msg != nil {
				id = path.Base(msg.Name)
			}
			page.Reject(m.id, id, err)
			continue
		}
		page.Add(item)
	}
	return page, nil
}

func (m *Messages) normalize(msg *chat.Message) (sync.RemoteItem, error) {
	if msg == nil || msg.Name == "" {
		return sync.RemoteItem{}, fmt.Errorf("message without name")
	}
	created, err := time.Parse(time.RFC3339Nano, msg.CreateTime)
	if err != nil {
		return sync.RemoteItem{}, fmt.Errorf("createTime: %w", err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return sync.RemoteItem{}, err
	}
	item := sync.RemoteItem{
		CollectionID: m.id,
		StableID:     path.Base(msg.Name),
		OccurredAt:   created.UTC(),
		Payload:      payload,
		Extension:    ".json",
	}
	if msg.Thread != nil {
		item.ParentRef = msg.Thread.Name
	}
	return item, nil
}
