package sync_test

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/brain-sync/internal/auth"
	"github.com/Martian-dev/brain-sync/internal/checkpoint"
	"github.com/Martian-dev/brain-sync/internal/sink"
	"github.com/Martian-dev/brain-sync/internal/sync"
)

var base = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeItem struct {
	id        string
	at        time.Time
	malformed bool
	payload   string
}

func items(prefix string, n int, start time.Time) []fakeItem {
	out := make([]fakeItem, n)
	for i := range out {
		out[i] = fakeItem{id: fmt.Sprintf("%s%d", prefix, i+1), at: start.Add(time.Duration(i) * time.Minute)}
	}
	return out
}

// pagedAdapter serves fixed pages addressed by "p<index>" tokens.
type pagedAdapter struct {
	id        string
	pages     [][]fakeItem
	failPage  map[int]error
	ascending bool
	// serverFilter drops items at or before the resume high-water mark,
	// like a remote "after:" query.
	serverFilter bool
	nested       map[string]sync.SourceAdapter
	calls        []string
}

func (a *pagedAdapter) CollectionID() string { return a.id }

func (a *pagedAdapter) AscendingByTime() bool { return a.ascending }

func (a *pagedAdapter) ListPage(ctx context.Context, resume sync.Watermark, token string) (sync.Page, error) {
	a.calls = append(a.calls, token)
	idx := 0
	if token != "" {
		var err error
		idx, err = strconv.Atoi(strings.TrimPrefix(token, "p"))
		if err != nil {
			return sync.Page{}, err
		}
	}
	if err := a.failPage[idx]; err != nil {
		return sync.Page{}, err
	}

	var page sync.Page
	for _, it := range a.pages[idx] {
		if a.serverFilter && !resume.Admits(it.at) {
			continue
		}
		if it.malformed {
			page.Reject(a.id, it.id, errors.New("missing required field"))
			continue
		}
		payload := it.payload
		if payload == "" {
			payload = fmt.Sprintf(`{"id":%q}`, it.id)
		}
		item := sync.RemoteItem{
			CollectionID: a.id,
			StableID:     it.id,
			OccurredAt:   it.at,
			Payload:      []byte(payload),
			Extension:    ".json",
		}
		if n, ok := a.nested[it.id]; ok {
			item.Nested = n
		}
		page.Add(item)
	}
	if idx+1 < len(a.pages) {
		page.NextPageToken = fmt.Sprintf("p%d", idx+1)
	}
	return page, nil
}

func collection(a sync.SourceAdapter, mode sync.WriteMode) sync.Collection {
	return sync.Collection{
		Source: "test",
		Name:   a.CollectionID(),
		Mode:   mode,
		Build: func(context.Context, *auth.Credential) (sync.SourceAdapter, error) {
			return a, nil
		},
	}
}

type env struct {
	root  string
	sink  *sink.FS
	store *checkpoint.FileStore
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	fsink, err := sink.New(filepath.Join(dir, "data"), nil)
	require.NoError(t, err)
	return &env{
		root:  fsink.Root(),
		sink:  fsink,
		store: checkpoint.NewFileStore(filepath.Join(dir, "state.json")),
	}
}

func (e *env) runner() *sync.Runner {
	return &sync.Runner{Checkpoints: e.store, Sink: e.sink}
}

func (e *env) hwm(t *testing.T, id string) time.Time {
	t.Helper()
	state, err := e.store.Load(context.Background())
	require.NoError(t, err)
	return state.Watermark(id).HighWaterMark
}

// artifacts maps every file under the data dir to its content.
func (e *env) artifacts(t *testing.T) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(e.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(e.root, path)
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

// recordingStore captures every saved state.
type recordingStore struct {
	sync.CheckpointStore
	saves   []*sync.SyncState
	failing bool
}

func (r *recordingStore) Save(ctx context.Context, state *sync.SyncState) error {
	if r.failing {
		return errors.New("disk full")
	}
	r.saves = append(r.saves, state.Clone())
	return r.CheckpointStore.Save(ctx, state)
}

// cancelAfter cancels the run once n writes have completed.
type cancelAfter struct {
	sync.Sink
	n      int
	count  int
	cancel context.CancelFunc
}

func (c *cancelAfter) Write(ctx context.Context, mode sync.WriteMode, item sync.RemoteItem) (sync.WriteRecord, error) {
	rec, err := c.Sink.Write(ctx, mode, item)
	c.count++
	if c.count == c.n {
		c.cancel()
	}
	return rec, err
}

// failingSink fails writes of the listed stable ids.
type failingSink struct {
	sync.Sink
	fail map[string]bool
}

func (f *failingSink) Write(ctx context.Context, mode sync.WriteMode, item sync.RemoteItem) (sync.WriteRecord, error) {
	if f.fail[item.StableID] {
		return sync.WriteRecord{}, sync.WriteFailure(item.CollectionID, item.StableID, errors.New("storage unavailable"))
	}
	return f.Sink.Write(ctx, mode, item)
}
