// Package gcal syncs Google Calendar events in a window around the current time.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/Martian-dev/brain-sync/internal/auth"
	"github.com/Martian-dev/brain-sync/internal/sync"
)

const (
	pageSize          = 2500
	DefaultWindowDays = 90
)

// Options selects the calendar and the window.
type Options struct {
	CalendarID string
	// WindowDays is the distance from now to either window edge.
	WindowDays int
	Now        func() time.Time
}

// Event is the artifact written for every event.
type Event struct {
	ID          string    `json:"id"`
	Summary     string    `json:"summary,omitempty"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Status      string    `json:"status,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day,omitempty"`
	Updated     time.Time `json:"updated"`
	Link        string    `json:"html_link,omitempty"`
}

// Adapter lists events of one calendar. Events are ordered by start time, so
// watermarks only move once a walk completes. The window is fixed when the
// adapter is built; page tokens are only valid for the parameters that
// produced them.
type Adapter struct {
	svc        *calendar.Service
	calendarID string
	timeMin    string
	timeMax    string
}

// New creates a calendar adapter authorized by cred.
func New(ctx context.Context, cred *auth.Credential, opts Options, clientOpts ...option.ClientOption) (*Adapter, error) {
	clientOpts = append([]option.ClientOption{option.WithHTTPClient(cred.HTTPClient(ctx))}, clientOpts...)
	svc, err := calendar.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}
	return NewFromService(svc, opts), nil
}

// NewFromService wraps an existing service.
func NewFromService(svc *calendar.Service, opts Options) *Adapter {
	if opts.CalendarID == "" {
		opts.CalendarID = "primary"
	}
	if opts.WindowDays <= 0 {
		opts.WindowDays = DefaultWindowDays
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	now := opts.Now().UTC()
	window := time.Duration(opts.WindowDays) * 24 * time.Hour
	return &Adapter{
		svc:        svc,
		calendarID: opts.CalendarID,
		timeMin:    now.Add(-window).Format(time.RFC3339),
		timeMax:    now.Add(window).Format(time.RFC3339),
	}
}

// CollectionID implements sync.SourceAdapter.
func (a *Adapter) CollectionID() string { return "gcal" }

// ListPage implements sync.SourceAdapter.
func (a *Adapter) ListPage(ctx context.Context, _ sync.Watermark, pageToken string) (sync.Page, error) {
	call := a.svc.Events.List(a.calendarID).
		SingleEvents(true).
		OrderBy("startTime").
		TimeMin(a.timeMin).
		TimeMax(a.timeMax).
		MaxResults(pageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return sync.Page{}, fmt.Errorf("failed to list events: %w", err)
	}

	page := sync.Page{NextPageToken: resp.NextPageToken}
	for _, e := range resp.Items {
		ev, err := normalize(e)
		if err != nil {
			id := ""
			if e != nil {
				id = e.Id
			}
			page.Reject(a.CollectionID(), id, err)
			continue
		}
		payload, err := json.MarshalIndent(ev, "", "  ")
		if err != nil {
			page.Reject(a.CollectionID(), ev.ID, err)
			continue
		}
		page.Add(sync.RemoteItem{
			CollectionID: a.CollectionID(),
			StableID:     ev.ID,
			OccurredAt:   ev.Updated,
			Payload:      payload,
			Extension:    ".json",
		})
	}
	return page, nil
}

func normalize(e *calendar.Event) (Event, error) {
	if e == nil || e.Id == "" {
		return Event{}, errors.New("event without id")
	}
	ev := Event{
		ID:          e.Id,
		Summary:     e.Summary,
		Description: e.Description,
		Location:    e.Location,
		Status:      e.Status,
		Link:        e.HtmlLink,
	}
	var err error
	if ev.Start, ev.AllDay, err = eventTime(e.Start); err != nil {
		return Event{}, fmt.Errorf("start: %w", err)
	}
	if ev.End, _, err = eventTime(e.End); err != nil {
		return Event{}, fmt.Errorf("end: %w", err)
	}
	if e.Updated != "" {
		if ev.Updated, err = time.Parse(time.RFC3339, e.Updated); err != nil {
			return Event{}, fmt.Errorf("updated: %w", err)
		}
		ev.Updated = ev.Updated.UTC()
	}
	return ev, nil
}

// eventTime handles timed and all-day edges. All-day dates are taken as UTC midnight.
func eventTime(dt *calendar.EventDateTime) (time.Time, bool, error) {
	switch {
	case dt == nil:
		return time.Time{}, false, errors.New("missing")
	case dt.DateTime != "":
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		return t.UTC(), false, err
	case dt.Date != "":
		t, err := time.Parse(time.DateOnly, dt.Date)
		return t, true, err
	default:
		return time.Time{}, false, errors.New("neither date nor dateTime set")
	}
}
