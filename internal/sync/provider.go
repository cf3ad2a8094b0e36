package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/Martian-dev/brain-sync/internal/auth"
)

// WriteMode selects the idempotency policy applied to every item of a collection.
type WriteMode string

const (
	// SkipIfExists writes an item once; an existing artifact is never touched again.
	SkipIfExists WriteMode = "skip_if_exists"
	// AppendLog appends items to per-day logs ordered by OccurredAt.
	AppendLog WriteMode = "append_log"
	// OverwriteSnapshot keeps only the latest state of an item.
	OverwriteSnapshot WriteMode = "overwrite_snapshot"
)

// ParseWriteMode validates a configured mode name.
func ParseWriteMode(s string) (WriteMode, error) {
	switch m := WriteMode(s); m {
	case SkipIfExists, AppendLog, OverwriteSnapshot:
		return m, nil
	default:
		return "", fmt.Errorf("unknown write mode %q", s)
	}
}

// PayloadLoader fetches an item's payload on demand, so sinks can skip the
// remote call when no write is needed.
type PayloadLoader func(ctx context.Context) ([]byte, error)

// RemoteItem is one normalized record of a remote collection.
type RemoteItem struct {
	CollectionID string
	// StableID is unique within CollectionID and is the only dedup key.
	StableID string
	// OccurredAt orders watermark advancement; zero when the collection is not time ordered.
	OccurredAt time.Time
	Payload    []byte
	// Extension is appended to the artifact key, e.g. ".eml" or ".json".
	Extension string
	ParentRef string
	Load      PayloadLoader
	// Nested is the child collection rooted at this item, e.g. the messages of a space.
	Nested SourceAdapter
}

// Body returns the payload, invoking the loader when the adapter deferred it.
func (it RemoteItem) Body(ctx context.Context) ([]byte, error) {
	if it.Payload != nil || it.Load == nil {
		return it.Payload, nil
	}
	return it.Load(ctx)
}

// Entry is one slot of a page: a normalized item, or the reason a raw record
// could not be normalized.
type Entry struct {
	Item RemoteItem
	Err  error
}

// Page is one remote listing response.
type Page struct {
	Entries       []Entry
	NextPageToken string
}

// Add appends a normalized item.
func (p *Page) Add(item RemoteItem) {
	p.Entries = append(p.Entries, Entry{Item: item})
}

// Reject records a raw record that could not be normalized.
func (p *Page) Reject(collectionID, rawID string, cause error) {
	p.Entries = append(p.Entries, Entry{
		Item: RemoteItem{CollectionID: collectionID, StableID: rawID},
		Err:  MalformedItem(collectionID, rawID, cause),
	})
}

// SourceAdapter lists one logical remote collection page by page. Adapters
// hold no resumption state; everything they need arrives in resume and
// pageToken. They must not retry internally.
type SourceAdapter interface {
	CollectionID() string
	ListPage(ctx context.Context, resume Watermark, pageToken string) (Page, error)
}

// Ordered is implemented by adapters that yield items in non-decreasing
// OccurredAt order. Only those adapters get mid-walk watermark advancement.
type Ordered interface {
	AscendingByTime() bool
}

func isAscending(a SourceAdapter) bool {
	o, ok := a.(Ordered)
	return ok && o.AscendingByTime()
}

// Outcome is the result of a successful sink write.
type Outcome int

const (
	Written Outcome = iota
	Skipped
)

func (o Outcome) String() string {
	if o == Written {
		return "written"
	}
	return "skipped"
}

// WriteRecord describes the artifact an item was materialized to.
type WriteRecord struct {
	Key     string
	Mode    WriteMode
	Outcome Outcome
	// Digest is the hex SHA-256 of the written payload; empty when skipped.
	Digest string
}

// Sink applies a write mode to one item. A non-nil error is a failed outcome
// and never advances a watermark.
type Sink interface {
	Write(ctx context.Context, mode WriteMode, item RemoteItem) (WriteRecord, error)
}

// CheckpointStore persists SyncState. Save must be atomic with respect to crashes.
type CheckpointStore interface {
	Load(ctx context.Context) (*SyncState, error)
	Save(ctx context.Context, state *SyncState) error
}

// CredentialProvider supplies per-source authorization handles. It returns an
// error wrapping auth.ErrCredentialUnavailable when a source cannot be reached.
type CredentialProvider interface {
	Credential(ctx context.Context, source string) (*auth.Credential, error)
}

// AdapterFactory builds the root adapter of a collection once credentials are known.
type AdapterFactory func(ctx context.Context, cred *auth.Credential) (SourceAdapter, error)

// Collection is one configured top-level collection.
type Collection struct {
	// Source names the credential source, e.g. "gmail".
	Source string
	Name   string
	Mode   WriteMode
	// ChildMode applies to nested sub-collections; defaults to Mode.
	ChildMode WriteMode
	Build     AdapterFactory
}

func (c Collection) childMode() WriteMode {
	if c.ChildMode == "" {
		return c.Mode
	}
	return c.ChildMode
}
