package sync_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/brain-sync/internal/auth"
	"github.com/Martian-dev/brain-sync/internal/sync"
)

type credFunc func(ctx context.Context, source string) (*auth.Credential, error)

func (f credFunc) Credential(ctx context.Context, source string) (*auth.Credential, error) {
	return f(ctx, source)
}

func TestIdempotentSecondRun(t *testing.T) {
	for _, mode := range []sync.WriteMode{sync.SkipIfExists, sync.OverwriteSnapshot} {
		t.Run(string(mode), func(t *testing.T) {
			e := newEnv(t)
			all := items("m", 6, base)
			a := &pagedAdapter{id: "mail", pages: [][]fakeItem{all[:2], all[2:4], all[4:]}}
			col := []sync.Collection{collection(a, mode)}

			first, err := e.runner().Run(context.Background(), col)
			require.NoError(t, err)
			assert.Equal(t, 6, first.Collections[0].ItemsWritten)
			before := e.artifacts(t)

			second, err := e.runner().Run(context.Background(), col)
			require.NoError(t, err)
			rep := second.Collections[0]
			assert.Equal(t, sync.StatusSuccess, rep.Status)
			assert.Equal(t, 0, rep.ItemsWritten)
			assert.Equal(t, 6, rep.ItemsSkipped)
			assert.Equal(t, before, e.artifacts(t))
		})
	}
}

func TestDedupAcrossRunsAndPages(t *testing.T) {
	for _, mode := range []sync.WriteMode{sync.SkipIfExists, sync.OverwriteSnapshot} {
		t.Run(string(mode), func(t *testing.T) {
			e := newEnv(t)
			dup := fakeItem{id: "d1", at: base}
			a := &pagedAdapter{id: "files", pages: [][]fakeItem{
				{dup, {id: "d2", at: base.Add(time.Minute)}},
				{dup, {id: "d3", at: base.Add(2 * time.Minute)}},
			}}

			for i := 0; i < 3; i++ {
				_, err := e.runner().Run(context.Background(), []sync.Collection{collection(a, mode)})
				require.NoError(t, err)
			}

			got := e.artifacts(t)
			assert.Len(t, got, 3)
			assert.Contains(t, got, "files/d1.json")
		})
	}
}

func TestWatermarkNeverDecreases(t *testing.T) {
	e := newEnv(t)
	rec := &recordingStore{CheckpointStore: e.store}
	all := items("e", 6, base)

	runs := []*pagedAdapter{
		{id: "events", ascending: true, serverFilter: true, pages: [][]fakeItem{all[:2], all[2:4]}},
		{id: "events", ascending: true, serverFilter: true, pages: [][]fakeItem{all[:2]}, failPage: map[int]error{0: errors.New("502")}},
		// an unordered listing that returns an older item last
		{id: "events", pages: [][]fakeItem{{all[5], all[0]}}},
		{id: "events", ascending: true, serverFilter: true, pages: [][]fakeItem{all[4:]}},
	}
	for _, a := range runs {
		r := &sync.Runner{Checkpoints: rec, Sink: e.sink, CheckpointEachPage: true}
		_, err := r.Run(context.Background(), []sync.Collection{collection(a, sync.OverwriteSnapshot)})
		require.NoError(t, err)
	}

	require.NotEmpty(t, rec.saves)
	var prev time.Time
	for i, s := range rec.saves {
		cur := s.Watermark("events").HighWaterMark
		assert.False(t, cur.Before(prev), "save %d lowered the watermark from %s to %s", i, prev, cur)
		prev = cur
	}
	assert.True(t, all[5].at.Equal(prev))
}

func TestResumeAfterInterruption(t *testing.T) {
	t.Run("ordered", func(t *testing.T) {
		e := newEnv(t)
		all := items("m", 6, base)
		a := &pagedAdapter{id: "mail", ascending: true, serverFilter: true, pages: [][]fakeItem{all[:2], all[2:4], all[4:]}}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		r := e.runner()
		r.Sink = &cancelAfter{Sink: e.sink, n: 3, cancel: cancel}

		first, err := r.Run(ctx, []sync.Collection{collection(a, sync.SkipIfExists)})
		require.NoError(t, err)
		assert.Equal(t, 3, first.Collections[0].ItemsWritten)
		assert.Equal(t, sync.StatusPartialSuccess, first.Collections[0].Status)
		assert.True(t, all[2].at.Equal(e.hwm(t, "mail")))

		second, err := e.runner().Run(context.Background(), []sync.Collection{collection(a, sync.SkipIfExists)})
		require.NoError(t, err)
		rep := second.Collections[0]
		assert.Equal(t, 4, rep.ItemsSeen, "the tail plus the item at the watermark")
		assert.Equal(t, 3, rep.ItemsWritten)
		assert.Equal(t, 1, rep.ItemsSkipped)
		assert.Len(t, e.artifacts(t), 6)
		assert.True(t, all[5].at.Equal(e.hwm(t, "mail")))
	})

	t.Run("unordered", func(t *testing.T) {
		e := newEnv(t)
		all := items("f", 6, base)
		a := &pagedAdapter{id: "files", pages: [][]fakeItem{all[:2], all[2:4], all[4:]}}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		r := e.runner()
		r.Sink = &cancelAfter{Sink: e.sink, n: 3, cancel: cancel}

		_, err := r.Run(ctx, []sync.Collection{collection(a, sync.SkipIfExists)})
		require.NoError(t, err)
		assert.True(t, e.hwm(t, "files").IsZero(), "an incomplete unordered walk must not move the watermark")

		second, err := e.runner().Run(context.Background(), []sync.Collection{collection(a, sync.SkipIfExists)})
		require.NoError(t, err)
		rep := second.Collections[0]
		assert.Equal(t, 6, rep.ItemsSeen)
		assert.Equal(t, 3, rep.ItemsSkipped)
		assert.Equal(t, 3, rep.ItemsWritten)
		assert.Len(t, e.artifacts(t), 6)
	})
}

func TestMalformedItemIsIsolated(t *testing.T) {
	e := newEnv(t)
	all := items("m", 5, base)
	all[2].malformed = true
	a := &pagedAdapter{id: "mail", ascending: true, pages: [][]fakeItem{all}}

	report, err := e.runner().Run(context.Background(), []sync.Collection{collection(a, sync.SkipIfExists)})
	require.NoError(t, err)

	rep := report.Collections[0]
	assert.Equal(t, sync.StatusPartialSuccess, rep.Status)
	assert.Equal(t, 5, rep.ItemsSeen)
	assert.Equal(t, 1, rep.ItemsFailed)
	assert.Equal(t, 4, rep.ItemsWritten)
	require.Len(t, rep.ErrorSummaries, 1)
	assert.Contains(t, rep.ErrorSummaries[0], "malformed_item")
	assert.True(t, all[1].at.Equal(e.hwm(t, "mail")), "watermark stops before the failed item")
}

func TestPageFailureKeepsLastGoodWatermark(t *testing.T) {
	e := newEnv(t)
	all := items("m", 6, base)
	a := &pagedAdapter{
		id:        "mail",
		ascending: true,
		pages:     [][]fakeItem{all[:2], all[2:4], all[4:]},
		failPage:  map[int]error{1: errors.New("503 backend error")},
	}

	report, err := e.runner().Run(context.Background(), []sync.Collection{collection(a, sync.SkipIfExists)})
	require.NoError(t, err)

	rep := report.Collections[0]
	assert.Equal(t, sync.StatusPartialSuccess, rep.Status)
	assert.Equal(t, 2, rep.ItemsSeen)
	assert.Equal(t, 2, rep.ItemsWritten)
	assert.Equal(t, []string{"", "p1"}, a.calls, "page 3 is never requested")
	require.Len(t, rep.ErrorSummaries, 1)
	assert.Contains(t, rep.ErrorSummaries[0], "transient_fetch")
	assert.True(t, all[1].at.Equal(e.hwm(t, "mail")))
	assert.Len(t, e.artifacts(t), 2)
}

func TestWalkStoppedInsideTieGroupResumes(t *testing.T) {
	t0, t1, t2 := base, base.Add(time.Minute), base.Add(2*time.Minute)
	for _, mode := range []sync.WriteMode{sync.SkipIfExists, sync.AppendLog, sync.OverwriteSnapshot} {
		t.Run(string(mode), func(t *testing.T) {
			e := newEnv(t)
			pages := [][]fakeItem{
				{{id: "a", at: t0}, {id: "b", at: t1}},
				{{id: "c", at: t1}, {id: "d", at: t2}},
			}
			first := &pagedAdapter{id: "ties", ascending: true, serverFilter: true, pages: pages,
				failPage: map[int]error{1: errors.New("503 backend error")}}

			report, err := e.runner().Run(context.Background(), []sync.Collection{collection(first, mode)})
			require.NoError(t, err)
			assert.Equal(t, 2, report.Collections[0].ItemsWritten)
			assert.True(t, t1.Equal(e.hwm(t, "ties")))

			second := &pagedAdapter{id: "ties", ascending: true, serverFilter: true, pages: pages}
			report, err = e.runner().Run(context.Background(), []sync.Collection{collection(second, mode)})
			require.NoError(t, err)
			rep := report.Collections[0]
			assert.Equal(t, sync.StatusSuccess, rep.Status)
			assert.Equal(t, 3, rep.ItemsSeen)
			assert.Equal(t, 2, rep.ItemsWritten, "c and d")
			assert.Equal(t, 1, rep.ItemsSkipped, "b is seen again and deduplicated")
			assert.True(t, t2.Equal(e.hwm(t, "ties")))

			var all string
			for _, content := range e.artifacts(t) {
				all += content
			}
			for _, id := range []string{"a", "b", "c", "d"} {
				assert.Equal(t, 1, strings.Count(all, fmt.Sprintf(`{"id":%q}`, id)), id)
			}
		})
	}
}

func TestLateItemAtWatermarkIsPickedUp(t *testing.T) {
	e := newEnv(t)
	at := base.Add(5 * time.Minute)
	a := &pagedAdapter{id: "pages", ascending: true, serverFilter: true, pages: [][]fakeItem{{{id: "A", at: at}}}}

	_, err := e.runner().Run(context.Background(), []sync.Collection{collection(a, sync.OverwriteSnapshot)})
	require.NoError(t, err)

	// edited later within the same coarse timestamp as A
	a.pages = [][]fakeItem{{{id: "A", at: at}, {id: "B", at: at}}}
	report, err := e.runner().Run(context.Background(), []sync.Collection{collection(a, sync.OverwriteSnapshot)})
	require.NoError(t, err)
	rep := report.Collections[0]
	assert.Equal(t, 1, rep.ItemsWritten)
	assert.Equal(t, 1, rep.ItemsSkipped)
	assert.Contains(t, e.artifacts(t), "pages/B.json")
}

func TestAppendLogSecondRunWritesOnlyNewDay(t *testing.T) {
	e := newEnv(t)
	day1 := base
	day2 := base.Add(24 * time.Hour)
	a1 := fakeItem{id: "1709280000.000100", at: day1, payload: `{"text":"morning"}`}
	a2 := fakeItem{id: "1709283600.000200", at: day1.Add(time.Hour), payload: `{"text":"later"}`}
	b1 := fakeItem{id: "1709366400.000100", at: day2, payload: `{"text":"next day"}`}
	b2 := fakeItem{id: "1709370000.000300", at: day2.Add(time.Hour), payload: `{"text":"next day later"}`}

	first := &pagedAdapter{id: "chat/C1", ascending: true, pages: [][]fakeItem{{a1, a2}}}
	report, err := e.runner().Run(context.Background(), []sync.Collection{collection(first, sync.AppendLog)})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Collections[0].ItemsWritten)

	day1Log := filepath.Join(e.root, "chat", "C1", "2024-03-01.jsonl")
	before, err := os.ReadFile(day1Log)
	require.NoError(t, err)

	second := &pagedAdapter{id: "chat/C1", ascending: true, pages: [][]fakeItem{{a1, a2}, {b1, b2}}}
	report, err = e.runner().Run(context.Background(), []sync.Collection{collection(second, sync.AppendLog)})
	require.NoError(t, err)
	rep := report.Collections[0]
	assert.Equal(t, 2, rep.ItemsWritten)
	assert.Equal(t, 2, rep.ItemsSkipped)

	after, err := os.ReadFile(day1Log)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	day2Log, err := os.ReadFile(filepath.Join(e.root, "chat", "C1", "2024-03-02.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(day2Log), "next day later")
}

func TestUnavailableCredentialsSkipWithoutSideEffects(t *testing.T) {
	e := newEnv(t)
	a := &pagedAdapter{id: "mail", pages: [][]fakeItem{items("m", 2, base)}}
	r := e.runner()
	r.Credentials = credFunc(func(context.Context, string) (*auth.Credential, error) {
		return nil, auth.Unavailable("test", "no refresh token configured")
	})

	report, err := r.Run(context.Background(), []sync.Collection{collection(a, sync.SkipIfExists)})
	require.NoError(t, err)

	rep := report.Collections[0]
	assert.Equal(t, sync.StatusSkipped, rep.Status)
	assert.Zero(t, rep.ItemsSeen)
	assert.Contains(t, rep.ErrorSummaries[0], "credential_unavailable")
	assert.False(t, report.Failed())
	assert.Empty(t, a.calls)
	assert.Empty(t, e.artifacts(t))

	_, err = os.Stat(e.store.Path())
	assert.True(t, os.IsNotExist(err), "no checkpoint is written")
}

func TestEmptyCollectionIsSuccessNotSkipped(t *testing.T) {
	e := newEnv(t)
	a := &pagedAdapter{id: "mail", pages: [][]fakeItem{{}}}

	report, err := e.runner().Run(context.Background(), []sync.Collection{collection(a, sync.SkipIfExists)})
	require.NoError(t, err)
	assert.Equal(t, sync.StatusSuccess, report.Collections[0].Status)
	assert.Zero(t, report.Collections[0].ItemsSeen)
}

func TestCheckpointFailureFailsCollection(t *testing.T) {
	e := newEnv(t)
	a := &pagedAdapter{id: "mail", pages: [][]fakeItem{items("m", 2, base)}}
	r := e.runner()
	r.Checkpoints = &recordingStore{CheckpointStore: e.store, failing: true}

	report, err := r.Run(context.Background(), []sync.Collection{collection(a, sync.SkipIfExists)})
	require.NoError(t, err)

	rep := report.Collections[0]
	assert.Equal(t, sync.StatusFailed, rep.Status)
	assert.Equal(t, 2, rep.ItemsWritten, "items stay written")
	assert.Contains(t, rep.ErrorSummaries[len(rep.ErrorSummaries)-1], "checkpoint_persist")
	assert.True(t, report.Failed())
	assert.NotEmpty(t, report.Error)
}

func TestSubCollectionFailureIsIsolated(t *testing.T) {
	e := newEnv(t)
	good := &pagedAdapter{id: "spaces/s1/messages", ascending: true, pages: [][]fakeItem{items("g", 2, base)}}
	bad := &pagedAdapter{
		id:       "spaces/s2/messages",
		pages:    [][]fakeItem{items("b", 2, base)},
		failPage: map[int]error{0: errors.New("403 forbidden")},
	}
	third := &pagedAdapter{id: "spaces/s3/messages", pages: [][]fakeItem{items("t", 1, base)}}
	parent := &pagedAdapter{
		id:    "spaces",
		pages: [][]fakeItem{{{id: "s1"}, {id: "s2"}, {id: "s3"}}},
		nested: map[string]sync.SourceAdapter{
			"s1": good,
			"s2": bad,
			"s3": third,
		},
	}

	report, err := e.runner().Run(context.Background(), []sync.Collection{collection(parent, sync.OverwriteSnapshot)})
	require.NoError(t, err)
	require.Len(t, report.Collections, 4)

	assert.Equal(t, sync.StatusSuccess, report.Collection("spaces").Status)
	assert.Equal(t, sync.StatusSuccess, report.Collection("spaces/s1/messages").Status)
	assert.Equal(t, sync.StatusFailed, report.Collection("spaces/s2/messages").Status)
	assert.Equal(t, sync.StatusSuccess, report.Collection("spaces/s3/messages").Status)
	assert.Equal(t, 1, report.Collection("spaces/s3/messages").ItemsWritten)

	assert.True(t, good.pages[0][1].at.Equal(e.hwm(t, "spaces/s1/messages")))
	assert.True(t, e.hwm(t, "spaces/s2/messages").IsZero())
}

func TestWriteFailureIsRetriedNextRun(t *testing.T) {
	e := newEnv(t)
	all := items("x", 3, base)
	a := &pagedAdapter{id: "mail", ascending: true, serverFilter: true, pages: [][]fakeItem{all}}
	r := e.runner()
	r.Sink = &failingSink{Sink: e.sink, fail: map[string]bool{"x2": true}}

	report, err := r.Run(context.Background(), []sync.Collection{collection(a, sync.SkipIfExists)})
	require.NoError(t, err)
	rep := report.Collections[0]
	assert.Equal(t, sync.StatusPartialSuccess, rep.Status)
	assert.Equal(t, 2, rep.ItemsWritten)
	assert.Equal(t, 1, rep.ItemsFailed)
	assert.True(t, all[0].at.Equal(e.hwm(t, "mail")))

	report, err = e.runner().Run(context.Background(), []sync.Collection{collection(a, sync.SkipIfExists)})
	require.NoError(t, err)
	rep = report.Collections[0]
	assert.Equal(t, 3, rep.ItemsSeen)
	assert.Equal(t, 1, rep.ItemsWritten)
	assert.Equal(t, 2, rep.ItemsSkipped)
	assert.Len(t, e.artifacts(t), 3)
}

func TestCollectionsRunInParallelWithOrderedReports(t *testing.T) {
	e := newEnv(t)
	var cols []sync.Collection
	for _, id := range []string{"a", "b", "c", "d"} {
		cols = append(cols, collection(&pagedAdapter{id: id, pages: [][]fakeItem{items(id, 3, base)}}, sync.SkipIfExists))
	}
	r := e.runner()
	r.Concurrency = 3

	report, err := r.Run(context.Background(), cols)
	require.NoError(t, err)
	require.Len(t, report.Collections, 4)
	for i, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, id, report.Collections[i].CollectionID)
		assert.Equal(t, 3, report.Collections[i].ItemsWritten)
	}

	state, err := e.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, state.IDs())
	assert.False(t, state.LastRunAt.IsZero())
}

func TestPageCheckpointsCarryCursor(t *testing.T) {
	e := newEnv(t)
	rec := &recordingStore{CheckpointStore: e.store}
	all := items("m", 4, base)
	a := &pagedAdapter{id: "mail", ascending: true, pages: [][]fakeItem{all[:2], all[2:]}}
	r := &sync.Runner{Checkpoints: rec, Sink: e.sink, CheckpointEachPage: true}

	_, err := r.Run(context.Background(), []sync.Collection{collection(a, sync.SkipIfExists)})
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(rec.saves), 3)
	mid := rec.saves[0].Watermark("mail")
	assert.Equal(t, "p1", mid.CursorToken)
	assert.True(t, all[1].at.Equal(mid.HighWaterMark))

	final := rec.saves[len(rec.saves)-1].Watermark("mail")
	assert.Empty(t, final.CursorToken, "a finished walk leaves no cursor")
	assert.True(t, all[3].at.Equal(final.HighWaterMark))
}

func TestBuildErrorFailsCollection(t *testing.T) {
	e := newEnv(t)
	col := sync.Collection{
		Source: "test",
		Name:   "broken",
		Mode:   sync.SkipIfExists,
		Build: func(context.Context, *auth.Credential) (sync.SourceAdapter, error) {
			return nil, errors.New("missing calendar id")
		},
	}

	report, err := e.runner().Run(context.Background(), []sync.Collection{col})
	require.NoError(t, err)
	assert.Equal(t, sync.StatusFailed, report.Collections[0].Status)
	assert.Contains(t, report.Collections[0].ErrorSummaries[0], "missing calendar id")
}

func TestLoadErrorAbortsRun(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.WriteFile(e.store.Path(), []byte("garbage"), 0o600))

	_, err := e.runner().Run(context.Background(), nil)
	require.Error(t, err)
}
