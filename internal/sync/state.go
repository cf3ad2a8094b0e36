package sync

import (
	"sort"
	"time"
)

// Watermark is the persisted progress marker of one collection.
type Watermark struct {
	CollectionID string
	// CursorToken is a provider page token, valid only within the walk that
	// produced it. It is recorded for observability and never used to resume.
	CursorToken string
	// HighWaterMark is the latest OccurredAt known to be durably written.
	// It never decreases.
	HighWaterMark time.Time
	UpdatedAt     time.Time
}

// Advance returns w with its high-water mark raised to t when t is later.
func (w Watermark) Advance(t time.Time) Watermark {
	if t.After(w.HighWaterMark) {
		w.HighWaterMark = t
	}
	return w
}

// Admits reports whether an item that occurred at t may still be unprocessed.
// The boundary itself is admitted: a walk can stop between two items sharing
// the high-water mark, and sources may report later items with the same
// coarse timestamp. Re-admitted items are deduplicated by the sink. Items
// without a timestamp are always admitted.
func (w Watermark) Admits(t time.Time) bool {
	if w.HighWaterMark.IsZero() || t.IsZero() {
		return true
	}
	return !t.Before(w.HighWaterMark)
}

// SyncState is the complete resumption state of all collections.
type SyncState struct {
	LastRunAt   time.Time
	Collections map[string]Watermark
}

// NewSyncState returns an empty state.
func NewSyncState() *SyncState {
	return &SyncState{Collections: make(map[string]Watermark)}
}

// Watermark returns the stored watermark of id, or an empty one.
func (s *SyncState) Watermark(id string) Watermark {
	if w, ok := s.Collections[id]; ok {
		return w
	}
	return Watermark{CollectionID: id}
}

// Merge stores w, keeping the greater of the stored and new high-water marks.
func (s *SyncState) Merge(w Watermark) {
	if s.Collections == nil {
		s.Collections = make(map[string]Watermark)
	}
	if prev, ok := s.Collections[w.CollectionID]; ok {
		w = w.Advance(prev.HighWaterMark)
	}
	s.Collections[w.CollectionID] = w
}

// Clone returns a deep copy.
func (s *SyncState) Clone() *SyncState {
	c := &SyncState{
		LastRunAt:   s.LastRunAt,
		Collections: make(map[string]Watermark, len(s.Collections)),
	}
	for k, v := range s.Collections {
		c.Collections[k] = v
	}
	return c
}

// IDs returns the collection ids in lexical order.
func (s *SyncState) IDs() []string {
	ids := make([]string, 0, len(s.Collections))
	for id := range s.Collections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
