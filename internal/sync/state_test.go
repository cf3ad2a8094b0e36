package sync_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Martian-dev/brain-sync/internal/auth"
	"github.com/Martian-dev/brain-sync/internal/sync"
)

func TestWatermarkAdmits(t *testing.T) {
	w := sync.Watermark{HighWaterMark: base}

	assert.True(t, w.Admits(base), "the boundary may hold unprocessed ties")
	assert.False(t, w.Admits(base.Add(-time.Second)))
	assert.True(t, w.Admits(base.Add(time.Nanosecond)))
	assert.True(t, w.Admits(time.Time{}), "undated items are always admitted")
	assert.True(t, sync.Watermark{}.Admits(base))
}

func TestMergeKeepsHighest(t *testing.T) {
	s := sync.NewSyncState()
	s.Merge(sync.Watermark{CollectionID: "c", HighWaterMark: base.Add(time.Hour), CursorToken: "t1"})
	s.Merge(sync.Watermark{CollectionID: "c", HighWaterMark: base})

	got := s.Watermark("c")
	assert.True(t, base.Add(time.Hour).Equal(got.HighWaterMark))
	assert.Empty(t, got.CursorToken)
}

func TestCloneIsDeep(t *testing.T) {
	s := sync.NewSyncState()
	s.Merge(sync.Watermark{CollectionID: "c", HighWaterMark: base})
	c := s.Clone()
	c.Merge(sync.Watermark{CollectionID: "d"})

	assert.Len(t, s.Collections, 1)
	assert.Len(t, c.Collections, 2)
}

func TestParseWriteMode(t *testing.T) {
	m, err := sync.ParseWriteMode("append_log")
	assert.NoError(t, err)
	assert.Equal(t, sync.AppendLog, m)

	_, err = sync.ParseWriteMode("upsert")
	assert.Error(t, err)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, sync.KindCredentialUnavailable, sync.KindOf(auth.Unavailable("gmail", "revoked")))
	assert.Equal(t, sync.KindWriteFailure, sync.KindOf(fmt.Errorf("wrapped: %w", sync.WriteFailure("c", "i", errors.New("eio")))))
	assert.Equal(t, sync.KindInternal, sync.KindOf(errors.New("boom")))
	assert.Equal(t, sync.Kind(""), sync.KindOf(nil))

	err := sync.KeyCollision("c", "a:b", "c/a_b", "a/b")
	assert.Equal(t, `key_collision [c/a:b]: key "c/a_b" already holds stable id "a/b"`, err.Error())
}
