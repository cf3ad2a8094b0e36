package sync

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/iterator"
)

// Pacer spaces out remote calls. *rate.Limiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Walker flattens the pages of a SourceAdapter into a sequence of entries.
// A page fetch failure poisons the walker: the failing page yields nothing
// and every later call to Next returns the same error.
type Walker struct {
	adapter SourceAdapter
	resume  Watermark
	pacer   Pacer

	buf     []Entry
	pos     int
	token   string
	started bool
	last    bool
	seen    map[string]struct{}
	pages   int
	err     error
}

// NewWalker starts a walk of adapter from resume. pacer may be nil.
func NewWalker(adapter SourceAdapter, resume Watermark, pacer Pacer) *Walker {
	resume.CursorToken = ""
	return &Walker{
		adapter: adapter,
		resume:  resume,
		pacer:   pacer,
		seen:    make(map[string]struct{}),
	}
}

// Next returns the next entry, iterator.Done after the last page, or the
// error that ended the walk.
func (w *Walker) Next(ctx context.Context) (Entry, error) {
	if w.err != nil {
		return Entry{}, w.err
	}

	for w.pos >= len(w.buf) {
		if w.last {
			return Entry{}, iterator.Done
		}
		if err := w.fetch(ctx); err != nil {
			w.err = err
			w.buf, w.pos = nil, 0
			return Entry{}, err
		}
	}

	e := w.buf[w.pos]
	w.pos++
	return e, nil
}

func (w *Walker) fetch(ctx context.Context) error {
	id := w.adapter.CollectionID()

	if w.pacer != nil {
		if err := w.pacer.Wait(ctx); err != nil {
			return TransientFetch(id, "", fmt.Errorf("pacing: %w", err))
		}
	}

	page, err := w.adapter.ListPage(ctx, w.resume, w.token)
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			return err
		}
		return TransientFetch(id, "", err)
	}
	w.pages++

	next := page.NextPageToken
	if next != "" {
		if _, dup := w.seen[next]; dup {
			return TransientFetch(id, "", fmt.Errorf("page token %q repeated", next))
		}
		w.seen[next] = struct{}{}
	}

	w.started = true
	w.buf, w.pos = page.Entries, 0
	w.token = next
	w.last = next == ""
	return nil
}

// AtPageBoundary reports whether every entry of the fetched pages has been
// returned, which is when a mid-walk checkpoint may be taken.
func (w *Walker) AtPageBoundary() bool {
	return w.started && w.err == nil && w.pos >= len(w.buf)
}

// PageToken is the token of the next page to fetch, empty at the end of the walk.
func (w *Walker) PageToken() string {
	return w.token
}

// Pages returns the number of pages fetched so far.
func (w *Walker) Pages() int {
	return w.pages
}
