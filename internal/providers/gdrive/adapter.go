// Package gdrive exports Google Docs, Slides and Sheets as files.
package gdrive

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/Martian-dev/brain-sync/internal/auth"
	"github.com/Martian-dev/brain-sync/internal/sync"
)

const (
	pageSize = 200

	MimeDocument     = "application/vnd.google-apps.document"
	MimePresentation = "application/vnd.google-apps.presentation"
	MimeSpreadsheet  = "application/vnd.google-apps.spreadsheet"

	// DefaultRootQuery lists every file not in the trash.
	DefaultRootQuery = "trashed = false"
)

// maxExportSize guards against exports the API would reject anyway.
const maxExportSize = 10 << 20

type export struct {
	mime string
	ext  string
	conv func([]byte) ([]byte, error)
}

var exports = map[string]export{
	MimeDocument:     {mime: "text/html", ext: ".html"},
	MimePresentation: {mime: "text/html", ext: ".html"},
	MimeSpreadsheet:  {mime: "text/csv", ext: ".md", conv: csvToMarkdown},
}

// Adapter lists Drive files by modification time and exports the supported
// Google formats on demand. Other files are not items.
type Adapter struct {
	svc       *drive.Service
	rootQuery string
}

// New creates a Drive adapter authorized by cred.
func New(ctx context.Context, cred *auth.Credential, rootQuery string, clientOpts ...option.ClientOption) (*Adapter, error) {
	clientOpts = append([]option.ClientOption{option.WithHTTPClient(cred.HTTPClient(ctx))}, clientOpts...)
	svc, err := drive.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Drive service: %w", err)
	}
	return NewFromService(svc, rootQuery), nil
}

// NewFromService wraps an existing service.
func NewFromService(svc *drive.Service, rootQuery string) *Adapter {
	if rootQuery == "" {
		rootQuery = DefaultRootQuery
	}
	return &Adapter{svc: svc, rootQuery: rootQuery}
}

// CollectionID implements sync.SourceAdapter.
func (a *Adapter) CollectionID() string { return "gdrive" }

// AscendingByTime implements sync.Ordered.
func (a *Adapter) AscendingByTime() bool { return true }

// Query returns the Drive search for a walk resuming from resume.
func (a *Adapter) Query(resume sync.Watermark) string {
	if resume.HighWaterMark.IsZero() {
		return a.rootQuery
	}
	return fmt.Sprintf("(%s) and modifiedTime >= '%s'", a.rootQuery, resume.HighWaterMark.UTC().Format(time.RFC3339Nano))
}

// ListPage implements sync.SourceAdapter.
func (a *Adapter) ListPage(ctx context.Context, resume sync.Watermark, pageToken string) (sync.Page, error) {
	call := a.svc.Files.List().
		Q(a.Query(resume)).
		Fields("nextPageToken", "files(id, name, mimeType, modifiedTime)").
		OrderBy("modifiedTime").
		PageSize(pageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return sync.Page{}, fmt.Errorf("failed to list files: %w", err)
	}

	page := sync.Page{NextPageToken: resp.NextPageToken}
	for _, f := range resp.Files {
		if f == nil {
			continue
		}
		exp, ok := exports[f.MimeType]
		if !ok {
			continue
		}
		modified, err := time.Parse(time.RFC3339, f.ModifiedTime)
		if err != nil {
			page.Reject(a.CollectionID(), f.Id, fmt.Errorf("modifiedTime: %w", err))
			continue
		}
		id := f.Id
		page.Add(sync.RemoteItem{
			CollectionID: a.CollectionID(),
			StableID:     id,
			OccurredAt:   modified.UTC(),
			Extension:    exp.ext,
			Load: func(ctx context.Context) ([]byte, error) {
				return a.export(ctx, id, exp)
			},
		})
	}
	return page, nil
}

func (a *Adapter) export(ctx context.Context, id string, exp export) ([]byte, error) {
	resp, err := a.svc.Files.Export(id, exp.mime).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxExportSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read export %s: %w", id, err)
	}
	if len(data) > maxExportSize {
		return nil, sync.MalformedItem(a.CollectionID(), id, fmt.Errorf("export exceeds %d bytes", maxExportSize))
	}
	if exp.conv == nil {
		return data, nil
	}
	out, err := exp.conv(data)
	if err != nil {
		return nil, sync.MalformedItem(a.CollectionID(), id, err)
	}
	return out, nil
}

// csvToMarkdown renders the first sheet as a Markdown table.
func csvToMarkdown(data []byte) ([]byte, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(rows) == 0 {
		return []byte{}, nil
	}

	var b strings.Builder
	writeRow := func(cells []string) {
		b.WriteString("|")
		for _, c := range cells {
			b.WriteString(" ")
			b.WriteString(strings.ReplaceAll(c, "|", `\|`))
			b.WriteString(" |")
		}
		b.WriteString("\n")
	}
	writeRow(rows[0])
	sep := make([]string, len(rows[0]))
	for i := range sep {
		sep[i] = "---"
	}
	writeRow(sep)
	for _, row := range rows[1:] {
		writeRow(row)
	}
	return []byte(b.String()), nil
}

// IsExportable reports whether files of mimeType become items.
func IsExportable(mimeType string) bool {
	_, ok := exports[mimeType]
	return ok
}
