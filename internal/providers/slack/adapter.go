// Package slack syncs channel metadata and per-channel message history.
package slack

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/slack-go/slack"

	"github.com/Martian-dev/brain-sync/internal/auth"
	"github.com/Martian-dev/brain-sync/internal/sync"
)

const (
	channelPageSize = 1000
	historyPageSize = 1000
)

// DefaultChannelTypes are listed when no types are configured.
var DefaultChannelTypes = []string{"public_channel", "private_channel"}

// Channels lists conversations. Channels the token is a member of carry a
// Nested adapter over their history.
type Channels struct {
	api   *slack.Client
	types []string
}

// New creates a Slack adapter authorized by cred. opts are passed to slack.New.
func New(cred *auth.Credential, types []string, opts ...slack.Option) (*Channels, error) {
	token, err := cred.AccessToken()
	if err != nil {
		return nil, err
	}
	return NewFromClient(slack.New(token, opts...), types), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(api *slack.Client, types []string) *Channels {
	if len(types) == 0 {
		types = DefaultChannelTypes
	}
	return &Channels{api: api, types: types}
}

// CollectionID implements sync.SourceAdapter.
func (c *Channels) CollectionID() string { return "slack" }

// ListPage implements sync.SourceAdapter.
func (c *Channels) ListPage(ctx context.Context, _ sync.Watermark, pageToken string) (sync.Page, error) {
	channels, next, err := c.api.GetConversationsContext(ctx, &slack.GetConversationsParameters{
		Cursor: pageToken,
		Limit:  channelPageSize,
		Types:  c.types,
	})
	if err != nil {
		return sync.Page{}, fmt.Errorf("failed to list conversations: %w", err)
	}

	page := sync.Page{NextPageToken: next}
	for _, ch := range channels {
		if ch.ID == "" {
			page.Reject(c.CollectionID(), "", fmt.Errorf("channel without id"))
			continue
		}
		payload, err := json.MarshalIndent(ch, "", "  ")
		if err != nil {
			page.Reject(c.CollectionID(), ch.ID, err)
			continue
		}
		item := sync.RemoteItem{
			CollectionID: c.CollectionID(),
			StableID:     ch.ID,
			Payload:      payload,
			Extension:    ".json",
		}
		if ch.IsMember || ch.IsIM {
			item.Nested = &History{api: c.api, channel: ch.ID, id: c.CollectionID() + "/" + ch.ID}
		}
		page.Add(item)
	}
	return page, nil
}

// History lists one channel's messages newer than the high-water mark.
// Slack returns newest first, so the adapter is not time ordered.
type History struct {
	api     *slack.Client
	channel string
	id      string
}

// CollectionID implements sync.SourceAdapter.
func (h *History) CollectionID() string { return h.id }

// ListPage implements sync.SourceAdapter.
func (h *History) ListPage(ctx context.Context, resume sync.Watermark, pageToken string) (sync.Page, error) {
	resp, err := h.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: h.channel,
		Cursor:    pageToken,
		Limit:     historyPageSize,
		Oldest:    FormatTS(resume.HighWaterMark),
	})
	if err != nil {
		return sync.Page{}, fmt.Errorf("failed to read history of %s: %w", h.channel, err)
	}

	var page sync.Page
	if resp.HasMore {
		page.NextPageToken = resp.ResponseMetaData.NextCursor
	}
	for _, msg := range resp.Messages {
		ts, err := ParseTS(msg.Timestamp)
		if err != nil {
			page.Reject(h.id, msg.Timestamp, err)
			continue
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			page.Reject(h.id, msg.Timestamp, err)
			continue
		}
		page.Add(sync.RemoteItem{
			CollectionID: h.id,
			StableID:     msg.Timestamp,
			OccurredAt:   ts,
			Payload:      payload,
			Extension:    ".json",
			ParentRef:    msg.ThreadTimestamp,
		})
	}
	return page, nil
}

// ParseTS converts a Slack message timestamp ("1717232400.000200") to UTC time
// with microsecond precision.
func ParseTS(ts string) (time.Time, error) {
	secStr, usecStr, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid ts %q", ts)
	}
	var usec int64
	if usecStr != "" {
		if len(usecStr) > 6 {
			return time.Time{}, fmt.Errorf("invalid ts %q", ts)
		}
		usecStr += strings.Repeat("0", 6-len(usecStr))
		if usec, err = strconv.ParseInt(usecStr, 10, 64); err != nil {
			return time.Time{}, fmt.Errorf("invalid ts %q", ts)
		}
	}
	return time.Unix(sec, usec*1000).UTC(), nil
}

// FormatTS is the inverse of ParseTS. The zero time maps to "0".
func FormatTS(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}
