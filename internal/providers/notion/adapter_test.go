package notion

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/brain-sync/internal/auth"
	"github.com/Martian-dev/brain-sync/internal/sync"
)

// redirect sends every request to target, keeping the path.
type redirect struct {
	target *url.URL
}

func (r redirect) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = r.target.Scheme
	req.URL.Host = r.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

type searchCall struct {
	Auth   string
	Cursor string         `json:"start_cursor"`
	Sort   map[string]any `json:"sort"`
}

func newTestAdapter(t *testing.T, handler func(searchCall) any) (*Adapter, *[]searchCall) {
	t.Helper()
	var calls []searchCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/search", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var call searchCall
		_ = json.Unmarshal(body, &call)
		call.Auth = r.Header.Get("Authorization")
		calls = append(calls, call)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(handler(call))
	}))
	t.Cleanup(srv.Close)

	target, err := url.Parse(srv.URL)
	require.NoError(t, err)
	cred := &auth.Credential{Source: "notion", TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "secret_x"})}
	a, err := New(cred, &http.Client{Transport: redirect{target: target}})
	require.NoError(t, err)
	return a, &calls
}

func result(object, id, edited string, parent map[string]any) map[string]any {
	r := map[string]any{
		"object":           object,
		"id":               id,
		"created_time":     "2024-01-01T00:00:00.000Z",
		"last_edited_time": edited,
		"parent":           parent,
		"properties":       map[string]any{},
		"url":              "https://www.notion.so/" + id,
	}
	if object == "database" {
		r["title"] = []any{}
	}
	return r
}

func TestListPageFiltersByLastEdit(t *testing.T) {
	a, calls := newTestAdapter(t, func(searchCall) any {
		return map[string]any{
			"object": "list",
			"results": []any{
				result("page", "p-old", "2024-05-01T00:00:00.000Z", map[string]any{"type": "workspace", "workspace": true}),
				result("page", "p-tie", "2024-05-15T00:00:00.000Z", map[string]any{"type": "workspace", "workspace": true}),
				result("database", "db1", "2024-06-01T10:00:00.000Z", map[string]any{"type": "page_id", "page_id": "p-old"}),
				result("page", "p-new", "2024-06-02T10:00:00.000Z", map[string]any{"type": "database_id", "database_id": "db1"}),
			},
			"has_more":    true,
			"next_cursor": "c2",
		}
	})

	hwm := time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC)
	page, err := a.ListPage(context.Background(), sync.Watermark{HighWaterMark: hwm}, "c1")
	require.NoError(t, err)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "Bearer secret_x", call.Auth)
	assert.Equal(t, "c1", call.Cursor)
	assert.Equal(t, "ascending", call.Sort["direction"])
	assert.Equal(t, "last_edited_time", call.Sort["timestamp"])

	assert.Equal(t, "c2", page.NextPageToken)
	require.Len(t, page.Entries, 3, "results before the watermark are dropped")

	// minute granular edit times: a page edited in the same minute as the
	// watermark may not have been seen yet
	assert.Equal(t, "page-p-tie", page.Entries[0].Item.StableID)

	db := page.Entries[1].Item
	require.NoError(t, page.Entries[1].Err)
	assert.Equal(t, "database-db1", db.StableID)
	assert.Equal(t, "p-old", db.ParentRef)
	assert.True(t, time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC).Equal(db.OccurredAt))

	p := page.Entries[2].Item
	assert.Equal(t, "page-p-new", p.StableID)
	assert.Equal(t, "db1", p.ParentRef)
	assert.Contains(t, string(p.Payload), "p-new")
	assert.True(t, a.AscendingByTime())
}

func TestListPageLastPageHasNoToken(t *testing.T) {
	a, _ := newTestAdapter(t, func(searchCall) any {
		return map[string]any{"object": "list", "results": []any{}, "has_more": false, "next_cursor": nil}
	})
	page, err := a.ListPage(context.Background(), sync.Watermark{}, "")
	require.NoError(t, err)
	assert.Empty(t, page.NextPageToken)
	assert.Empty(t, page.Entries)
}
