package sync

import (
	"context"
	"time"
)

// Status is the outcome of one collection in a run.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialSuccess Status = "partial_success"
	StatusFailed         Status = "failed"
	// StatusSkipped means the collection was never attempted, e.g. no credentials.
	StatusSkipped Status = "skipped"
)

// CollectionReport summarizes one collection or sub-collection.
type CollectionReport struct {
	CollectionID   string   `json:"collection_id"`
	Status         Status   `json:"status"`
	ItemsSeen      int      `json:"items_seen"`
	ItemsWritten   int      `json:"items_written"`
	ItemsSkipped   int      `json:"items_skipped"`
	ItemsFailed    int      `json:"items_failed"`
	ErrorSummaries []string `json:"error_summaries"`

	// walkFailed marks errors that ended the walk before its last page.
	walkFailed bool
	// fatal marks errors that fail the collection regardless of progress.
	fatal bool
}

func newCollectionReport(id string) *CollectionReport {
	return &CollectionReport{CollectionID: id, ErrorSummaries: []string{}}
}

func (r *CollectionReport) itemFailed(err error) {
	r.ItemsFailed++
	r.ErrorSummaries = append(r.ErrorSummaries, err.Error())
}

func (r *CollectionReport) walkAborted(err error) {
	r.walkFailed = true
	r.ErrorSummaries = append(r.ErrorSummaries, err.Error())
}

func (r *CollectionReport) failFatal(err error) {
	r.fatal = true
	r.ErrorSummaries = append(r.ErrorSummaries, err.Error())
}

func (r *CollectionReport) finish() {
	progress := r.ItemsWritten+r.ItemsSkipped > 0
	switch {
	case r.fatal:
		r.Status = StatusFailed
	case r.ItemsFailed == 0 && !r.walkFailed:
		r.Status = StatusSuccess
	case progress:
		r.Status = StatusPartialSuccess
	default:
		r.Status = StatusFailed
	}
}

// RunReport is the machine-readable summary of one run.
type RunReport struct {
	RunID       string             `json:"run_id"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
	Collections []CollectionReport `json:"collections"`
	Error       string             `json:"error,omitempty"`
}

// Collection returns the report of id, or nil.
func (r *RunReport) Collection(id string) *CollectionReport {
	for i := range r.Collections {
		if r.Collections[i].CollectionID == id {
			return &r.Collections[i]
		}
	}
	return nil
}

// Failed reports whether any collection failed or the run itself errored.
func (r *RunReport) Failed() bool {
	if r.Error != "" {
		return true
	}
	for _, c := range r.Collections {
		if c.Status == StatusFailed {
			return true
		}
	}
	return false
}

// ReportRecorder keeps the history of finished runs.
type ReportRecorder interface {
	RecordRun(ctx context.Context, report *RunReport) error
}
