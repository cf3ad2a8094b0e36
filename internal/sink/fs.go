// Package sink materializes remote items as files under a data directory.
package sink

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	gosync "sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Martian-dev/brain-sync/internal/fileutil"
	"github.com/Martian-dev/brain-sync/internal/sync"
)

// FS writes artifacts below a root directory. Each write mode is one branch
// of Write; there are no other existence checks anywhere.
type FS struct {
	root string
	log  *zap.Logger

	mu gosync.Mutex
	// claims maps artifact keys to the stable id that produced them.
	claims map[string]string
	// buckets holds the ids present in each append log, loaded on first use.
	buckets map[string]map[string]struct{}
}

// New creates the root directory if needed.
func New(root string, log *zap.Logger) (*FS, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FS{
		root:    root,
		log:     log,
		claims:  make(map[string]string),
		buckets: make(map[string]map[string]struct{}),
	}, nil
}

// Root returns the data directory.
func (s *FS) Root() string { return s.root }

// Write implements sync.Sink.
func (s *FS) Write(ctx context.Context, mode sync.WriteMode, item sync.RemoteItem) (sync.WriteRecord, error) {
	switch mode {
	case sync.SkipIfExists:
		return s.writeOnce(ctx, item)
	case sync.OverwriteSnapshot:
		return s.overwrite(ctx, item)
	case sync.AppendLog:
		return s.appendLog(ctx, item)
	default:
		return sync.WriteRecord{}, fmt.Errorf("unknown write mode %q", mode)
	}
}

func (s *FS) writeOnce(ctx context.Context, item sync.RemoteItem) (sync.WriteRecord, error) {
	key := Key(item.CollectionID, item.StableID, item.Extension)
	rec := sync.WriteRecord{Key: key, Mode: sync.SkipIfExists, Outcome: sync.Skipped}
	if err := s.claim(item, key); err != nil {
		return rec, err
	}

	full := s.path(key)
	exists, err := fileutil.Exists(full)
	if err != nil {
		return rec, sync.WriteFailure(item.CollectionID, item.StableID, err)
	}
	if exists {
		return rec, nil
	}

	body, err := item.Body(ctx)
	if err != nil {
		return rec, loadError(item, err)
	}
	if err := fileutil.WriteAtomic(full, body, 0o644); err != nil {
		return rec, sync.WriteFailure(item.CollectionID, item.StableID, err)
	}
	rec.Outcome = sync.Written
	rec.Digest = digest(body)
	return rec, nil
}

func (s *FS) overwrite(ctx context.Context, item sync.RemoteItem) (sync.WriteRecord, error) {
	key := Key(item.CollectionID, item.StableID, item.Extension)
	rec := sync.WriteRecord{Key: key, Mode: sync.OverwriteSnapshot, Outcome: sync.Skipped}
	if err := s.claim(item, key); err != nil {
		return rec, err
	}

	body, err := item.Body(ctx)
	if err != nil {
		return rec, loadError(item, err)
	}

	full := s.path(key)
	prev, err := os.ReadFile(full)
	switch {
	case err == nil && bytes.Equal(prev, body):
		return rec, nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return rec, sync.WriteFailure(item.CollectionID, item.StableID, err)
	}

	if err := fileutil.WriteAtomic(full, body, 0o644); err != nil {
		return rec, sync.WriteFailure(item.CollectionID, item.StableID, err)
	}
	rec.Outcome = sync.Written
	rec.Digest = digest(body)
	return rec, nil
}

// logRecord is one line of an append log.
type logRecord struct {
	ID         string          `json:"id"`
	OccurredAt time.Time       `json:"occurred_at"`
	ParentRef  string          `json:"parent_ref,omitempty"`
	Record     json.RawMessage `json:"record,omitempty"`
	Raw        string          `json:"raw,omitempty"`
}

func (s *FS) appendLog(ctx context.Context, item sync.RemoteItem) (sync.WriteRecord, error) {
	key := BucketKey(item.CollectionID, item.OccurredAt)
	rec := sync.WriteRecord{Key: key, Mode: sync.AppendLog, Outcome: sync.Skipped}

	full := s.path(key)
	ids, err := s.bucket(key, full)
	if err != nil {
		return rec, sync.WriteFailure(item.CollectionID, item.StableID, err)
	}

	s.mu.Lock()
	_, present := ids[item.StableID]
	s.mu.Unlock()
	if present {
		return rec, nil
	}

	body, err := item.Body(ctx)
	if err != nil {
		return rec, loadError(item, err)
	}

	line := logRecord{ID: item.StableID, OccurredAt: item.OccurredAt.UTC(), ParentRef: item.ParentRef}
	if json.Valid(body) {
		line.Record = body
	} else {
		line.Raw = string(body)
	}
	data, err := json.Marshal(line)
	if err != nil {
		return rec, sync.MalformedItem(item.CollectionID, item.StableID, err)
	}
	data = append(data, '\n')

	if err := appendFile(full, data); err != nil {
		return rec, sync.WriteFailure(item.CollectionID, item.StableID, err)
	}

	s.mu.Lock()
	ids[item.StableID] = struct{}{}
	s.mu.Unlock()

	rec.Outcome = sync.Written
	rec.Digest = digest(body)
	return rec, nil
}

// bucket returns the id index of one append log, reading the file the first
// time the bucket is touched.
func (s *FS) bucket(key, full string) (map[string]struct{}, error) {
	s.mu.Lock()
	ids, ok := s.buckets[key]
	s.mu.Unlock()
	if ok {
		return ids, nil
	}

	ids, err := s.readBucket(key, full)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.buckets[key]; ok {
		return existing, nil
	}
	s.buckets[key] = ids
	return ids, nil
}

// readBucket indexes the ids of one append log. A last line without a newline
// is what a crash mid-append leaves behind; it is cut off so the next record
// starts on a line of its own. The item it belonged to was never confirmed
// and is appended again when it is next seen.
func (s *FS) readBucket(key, full string) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	f, err := os.Open(full)
	if errors.Is(err, os.ErrNotExist) {
		return ids, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var complete int64
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(line) > 0 {
				s.log.Warn("truncating torn log line",
					zap.String("key", key),
					zap.Int64("offset", complete),
					zap.Int("bytes", len(line)))
				if err := os.Truncate(full, complete); err != nil {
					return nil, fmt.Errorf("truncate %s: %w", key, err)
				}
			}
			return ids, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		complete += int64(len(line))

		var rec struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(bytes.TrimSpace(line), &rec); err != nil {
			s.log.Warn("skipping unreadable log line", zap.String("key", key), zap.Error(err))
			continue
		}
		ids[rec.ID] = struct{}{}
	}
}

func appendFile(full string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// claim binds key to the item's stable id. A key already bound to another id
// is a collision and nothing is written.
func (s *FS) claim(item sync.RemoteItem, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if other, ok := s.claims[key]; ok && other != item.StableID {
		return sync.KeyCollision(item.CollectionID, item.StableID, key, other)
	}
	s.claims[key] = item.StableID
	return nil
}

func (s *FS) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func loadError(item sync.RemoteItem, err error) error {
	var se *sync.Error
	if errors.As(err, &se) {
		return err
	}
	return sync.TransientFetch(item.CollectionID, item.StableID, err)
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Key derives the artifact key of a stable id.
func Key(collectionID, stableID, ext string) string {
	return path.Join(CollectionPath(collectionID), Normalize(stableID)+ext)
}

// BucketKey derives the append log of a collection for the day t falls in.
// Items without a timestamp share one "undated" log.
func BucketKey(collectionID string, t time.Time) string {
	day := "undated"
	if !t.IsZero() {
		day = t.UTC().Format("2006-01-02")
	}
	return path.Join(CollectionPath(collectionID), day+".jsonl")
}

// CollectionPath normalizes every segment of a slash separated collection id.
func CollectionPath(collectionID string) string {
	parts := strings.Split(collectionID, "/")
	for i, p := range parts {
		parts[i] = Normalize(p)
	}
	return path.Join(parts...)
}

// Normalize maps s to a single safe path segment. When any character had to
// be replaced a short hash of the raw value is appended after a '~'. Since
// '~' is never kept from the input, a rewritten id can not equal an id that
// passed through unchanged, and ids that differ only in unsafe characters
// stay distinct.
func Normalize(s string) string {
	var b strings.Builder
	changed := false
	for _, r := range s {
		if safe(r) {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
		changed = true
	}
	out := b.String()
	if out == "" || out == "." || out == ".." {
		out = strings.Repeat("_", len(out)+1)
		changed = true
	}
	if len(out) > 120 {
		out = out[:120]
		changed = true
	}
	if changed {
		sum := sha256.Sum256([]byte(s))
		out += "~" + hex.EncodeToString(sum[:6])
	}
	return out
}

func safe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '_', r == '.', r == '@', r == '+', r == '=':
		return true
	}
	return false
}
