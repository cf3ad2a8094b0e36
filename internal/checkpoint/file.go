// Package checkpoint persists SyncState as a single JSON document.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"

	"github.com/Martian-dev/brain-sync/internal/fileutil"
	"github.com/Martian-dev/brain-sync/internal/sync"
)

type fileState struct {
	LastRunAt   *string          `json:"last_run_at"`
	Collections []fileCollection `json:"collections"`
}

type fileCollection struct {
	CollectionID  string  `json:"collection_id"`
	CursorToken   *string `json:"cursor_token"`
	HighWaterMark *string `json:"high_water_mark"`
	UpdatedAt     string  `json:"updated_at"`
}

// FileStore keeps the whole state in one file and replaces it atomically on
// every save.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path. The file is created on the first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the state file location.
func (s *FileStore) Path() string { return s.path }

// Load implements sync.CheckpointStore.
func (s *FileStore) Load(ctx context.Context) (*sync.SyncState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return sync.NewSyncState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	if len(data) == 0 {
		return sync.NewSyncState(), nil
	}
	return Decode(data)
}

// Save implements sync.CheckpointStore.
func (s *FileStore) Save(ctx context.Context, state *sync.SyncState) error {
	data, err := Encode(state)
	if err != nil {
		return err
	}
	if err := fileutil.WriteAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// Encode renders state in the persisted layout, collections ordered by id.
func Encode(state *sync.SyncState) ([]byte, error) {
	fs := fileState{Collections: []fileCollection{}}
	if !state.LastRunAt.IsZero() {
		fs.LastRunAt = formatTime(state.LastRunAt)
	}
	for _, id := range state.IDs() {
		w := state.Collections[id]
		fc := fileCollection{CollectionID: id}
		if w.CursorToken != "" {
			tok := w.CursorToken
			fc.CursorToken = &tok
		}
		if !w.HighWaterMark.IsZero() {
			fc.HighWaterMark = formatTime(w.HighWaterMark)
		}
		fc.UpdatedAt = *formatTime(w.UpdatedAt)
		fs.Collections = append(fs.Collections, fc)
	}
	data, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

// Decode parses the persisted layout.
func Decode(data []byte) (*sync.SyncState, error) {
	var fs fileState
	if err := json.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}

	state := sync.NewSyncState()
	var err error
	if state.LastRunAt, err = parseTime(fs.LastRunAt); err != nil {
		return nil, fmt.Errorf("last_run_at: %w", err)
	}
	for _, fc := range fs.Collections {
		if fc.CollectionID == "" {
			return nil, errors.New("decode state: collection without id")
		}
		w := sync.Watermark{CollectionID: fc.CollectionID}
		if fc.CursorToken != nil {
			w.CursorToken = *fc.CursorToken
		}
		if w.HighWaterMark, err = parseTime(fc.HighWaterMark); err != nil {
			return nil, fmt.Errorf("%s high_water_mark: %w", fc.CollectionID, err)
		}
		if w.UpdatedAt, err = parseTime(&fc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%s updated_at: %w", fc.CollectionID, err)
		}
		state.Collections[fc.CollectionID] = w
	}
	return state, nil
}

func formatTime(t time.Time) *string {
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func parseTime(s *string) (time.Time, error) {
	if s == nil || *s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, *s)
}
