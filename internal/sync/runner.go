package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"

	"github.com/Martian-dev/brain-sync/internal/auth"
	"github.com/Martian-dev/brain-sync/internal/metrics"
)

// Runner orchestrates sync runs: for each collection it resolves credentials,
// walks the adapter, writes items through the sink, and persists watermarks
// that only ever cover durably written items.
type Runner struct {
	Checkpoints CheckpointStore
	Sink        Sink
	Credentials CredentialProvider
	// Notifier and Reports are optional.
	Notifier Notifier
	Reports  ReportRecorder
	Logger   *zap.Logger
	// Pacer is optional and spaces out page fetches and payload loads.
	Pacer Pacer
	// Concurrency bounds how many top-level collections run in parallel.
	Concurrency int
	// CheckpointEachPage persists the watermark of time-ordered collections
	// after every fully processed page instead of only at the end of the walk.
	CheckpointEachPage bool
	Now                func() time.Time
}

// runState is the working copy of SyncState for one run. Every save goes
// through mu, so saves are never concurrent.
type runState struct {
	id      string
	mu      sync.Mutex
	working *SyncState
}

func (rs *runState) watermark(id string) Watermark {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.working.Watermark(id)
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Runner) concurrency() int {
	if r.Concurrency <= 0 {
		return 1
	}
	return r.Concurrency
}

// Run syncs every collection once and returns the run report. The returned
// error is non-nil only when the run could not start, e.g. the checkpoint
// could not be loaded.
func (r *Runner) Run(ctx context.Context, collections []Collection) (*RunReport, error) {
	started := time.Now()
	defer func() { metrics.RunDuration.Observe(time.Since(started).Seconds()) }()

	report := &RunReport{RunID: uuid.NewString(), StartedAt: r.now()}
	log := r.logger().With(zap.String("run_id", report.RunID))

	state, err := r.Checkpoints.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if state == nil {
		state = NewSyncState()
	}
	rs := &runState{id: report.RunID, working: state.Clone()}

	log.Info("sync run started", zap.Int("collections", len(collections)))

	results := make([][]CollectionReport, len(collections))
	var g errgroup.Group
	g.SetLimit(r.concurrency())
	for i, c := range collections {
		g.Go(func() error {
			results[i] = r.syncCollection(ctx, rs, c, log)
			return nil
		})
	}
	_ = g.Wait()

	attempted := false
	for _, res := range results {
		for _, c := range res {
			if c.Status != StatusSkipped {
				attempted = true
			}
		}
		report.Collections = append(report.Collections, res...)
	}

	// a run where every source was skipped leaves no trace in the state
	if attempted {
		rs.mu.Lock()
		rs.working.LastRunAt = r.now()
		err := r.save(ctx, rs.working.Clone())
		rs.mu.Unlock()
		if err != nil {
			report.Error = CheckpointPersist("", err).Error()
			log.Error("final checkpoint save failed", zap.Error(err))
		}
	}

	report.FinishedAt = r.now()
	if attempted && r.Reports != nil {
		if err := r.Reports.RecordRun(context.WithoutCancel(ctx), report); err != nil {
			log.Warn("run report not recorded", zap.Error(err))
		}
	}
	log.Info("sync run finished",
		zap.Duration("elapsed", time.Since(started)),
		zap.Bool("failed", report.Failed()))
	return report, nil
}

func (r *Runner) syncCollection(ctx context.Context, rs *runState, c Collection, log *zap.Logger) []CollectionReport {
	log = log.With(zap.String("collection", c.Name))

	var cred *auth.Credential
	if r.Credentials != nil {
		var err error
		cred, err = r.Credentials.Credential(ctx, c.Source)
		if err != nil {
			rep := newCollectionReport(c.Name)
			if errors.Is(err, auth.ErrCredentialUnavailable) {
				log.Info("credentials unavailable, skipping source", zap.Error(err))
				rep.Status = StatusSkipped
				rep.ErrorSummaries = append(rep.ErrorSummaries,
					newError(KindCredentialUnavailable, c.Name, "", "source skipped", err).Error())
				metrics.CollectionRuns.WithLabelValues(string(StatusSkipped)).Inc()
				return []CollectionReport{*rep}
			}
			log.Error("credential lookup failed", zap.Error(err))
			rep.failFatal(fmt.Errorf("resolve credentials: %w", err))
			rep.finish()
			metrics.CollectionRuns.WithLabelValues(string(rep.Status)).Inc()
			return []CollectionReport{*rep}
		}
	}

	adapter, err := c.Build(ctx, cred)
	if err != nil {
		rep := newCollectionReport(c.Name)
		log.Error("adapter construction failed", zap.Error(err))
		rep.failFatal(fmt.Errorf("build adapter: %w", err))
		rep.finish()
		metrics.CollectionRuns.WithLabelValues(string(rep.Status)).Inc()
		return []CollectionReport{*rep}
	}

	return r.walk(ctx, rs, adapter, c.Mode, c.childMode(), log)
}

// walk processes one collection and, depth first, every sub-collection its
// items carry. The returned slice starts with the report of adapter itself.
func (r *Runner) walk(ctx context.Context, rs *runState, adapter SourceAdapter, mode, childMode WriteMode, log *zap.Logger) []CollectionReport {
	id := adapter.CollectionID()
	log = log.With(zap.String("collection_id", id))
	rep := newCollectionReport(id)

	resume := rs.watermark(id)
	ascending := isAscending(adapter)
	walker := NewWalker(adapter, resume, r.Pacer)

	// safe only moves over a gap-free prefix of written items
	safe := resume
	safe.CursorToken = ""
	latest := resume.HighWaterMark
	frozen := false
	completed := false
	persistFailed := false
	var children []CollectionReport

	log.Debug("walk started",
		zap.Time("high_water_mark", resume.HighWaterMark),
		zap.String("mode", string(mode)))

	for {
		if err := ctx.Err(); err != nil {
			rep.walkAborted(fmt.Errorf("interrupted: %w", err))
			break
		}

		pages := walker.Pages()
		entry, err := walker.Next(ctx)
		if walker.Pages() > pages {
			metrics.PagesTotal.WithLabelValues(id).Add(float64(walker.Pages() - pages))
		}
		if errors.Is(err, iterator.Done) {
			completed = true
			break
		}
		if err != nil {
			log.Warn("walk aborted, keeping last good watermark", zap.Error(err))
			rep.walkAborted(err)
			break
		}

		rep.ItemsSeen++
		if entry.Err != nil {
			r.itemFailed(rep, id, entry.Err, log)
			frozen = true
		} else {
			item := entry.Item
			if r.process(ctx, rs, rep, mode, resume, item, log) {
				if !frozen {
					if item.OccurredAt.After(latest) {
						latest = item.OccurredAt
					}
					if ascending {
						safe = safe.Advance(item.OccurredAt)
					}
				}
			} else {
				frozen = true
			}
			if item.Nested != nil {
				children = append(children, r.walk(ctx, rs, item.Nested, childMode, childMode, log)...)
			}
		}

		if ascending && r.CheckpointEachPage && !frozen && walker.AtPageBoundary() && walker.PageToken() != "" {
			wm := safe
			wm.CursorToken = walker.PageToken()
			wm.UpdatedAt = r.now()
			if err := r.commit(ctx, rs, wm); err != nil {
				log.Error("page checkpoint failed, stopping walk", zap.Error(err))
				rep.failFatal(CheckpointPersist(id, err))
				persistFailed = true
				break
			}
		}
	}

	if !ascending && completed && !frozen {
		safe = safe.Advance(latest)
	}

	if !persistFailed {
		safe.CursorToken = ""
		safe.UpdatedAt = r.now()
		if err := r.commit(ctx, rs, safe); err != nil {
			log.Error("checkpoint failed", zap.Error(err))
			rep.failFatal(CheckpointPersist(id, err))
		}
	}

	rep.finish()
	metrics.CollectionRuns.WithLabelValues(string(rep.Status)).Inc()
	log.Info("collection done",
		zap.String("status", string(rep.Status)),
		zap.Int("seen", rep.ItemsSeen),
		zap.Int("written", rep.ItemsWritten),
		zap.Int("skipped", rep.ItemsSkipped),
		zap.Int("failed", rep.ItemsFailed),
		zap.Time("high_water_mark", safe.HighWaterMark))

	return append([]CollectionReport{*rep}, children...)
}

// process writes one item and reports whether it was handled without error.
func (r *Runner) process(ctx context.Context, rs *runState, rep *CollectionReport, mode WriteMode, resume Watermark, item RemoteItem, log *zap.Logger) bool {
	if mode == AppendLog && !resume.Admits(item.OccurredAt) {
		rep.ItemsSkipped++
		metrics.ItemsTotal.WithLabelValues(item.CollectionID, "skipped").Inc()
		return true
	}

	if item.Load != nil && r.Pacer != nil {
		load := item.Load
		item.Load = func(ctx context.Context) ([]byte, error) {
			if err := r.Pacer.Wait(ctx); err != nil {
				return nil, err
			}
			return load(ctx)
		}
	}

	rec, err := r.Sink.Write(ctx, mode, item)
	if err != nil {
		if KindOf(err) == KindInternal {
			err = WriteFailure(item.CollectionID, item.StableID, err)
		}
		r.itemFailed(rep, item.CollectionID, err, log)
		return false
	}

	switch rec.Outcome {
	case Written:
		rep.ItemsWritten++
		metrics.ItemsTotal.WithLabelValues(item.CollectionID, "written").Inc()
		r.notify(ctx, rs, item, rec, log)
	case Skipped:
		rep.ItemsSkipped++
		metrics.ItemsTotal.WithLabelValues(item.CollectionID, "skipped").Inc()
	}
	return true
}

func (r *Runner) itemFailed(rep *CollectionReport, collectionID string, err error, log *zap.Logger) {
	log.Warn("item failed", zap.String("kind", string(KindOf(err))), zap.Error(err))
	metrics.ItemsTotal.WithLabelValues(collectionID, "failed").Inc()
	rep.itemFailed(err)
}

func (r *Runner) notify(ctx context.Context, rs *runState, item RemoteItem, rec WriteRecord, log *zap.Logger) {
	if r.Notifier == nil {
		return
	}
	ev := WrittenEvent{
		EventID:      uuid.NewString(),
		RunID:        rs.id,
		CollectionID: item.CollectionID,
		StableID:     item.StableID,
		Key:          rec.Key,
		Mode:         rec.Mode,
		Digest:       rec.Digest,
		OccurredAt:   item.OccurredAt,
		WrittenAt:    r.now(),
	}
	if err := r.Notifier.Notify(ctx, ev); err != nil {
		log.Warn("item notification failed", zap.String("stable_id", item.StableID), zap.Error(err))
	}
}

// commit merges wm into the working state and persists a snapshot.
func (r *Runner) commit(ctx context.Context, rs *runState, wm Watermark) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.working.Merge(wm)
	return r.save(ctx, rs.working.Clone())
}

func (r *Runner) save(ctx context.Context, state *SyncState) error {
	// a cancelled run still records the progress it made
	if err := r.Checkpoints.Save(context.WithoutCancel(ctx), state); err != nil {
		metrics.CheckpointSaves.WithLabelValues("error").Inc()
		return err
	}
	metrics.CheckpointSaves.WithLabelValues("ok").Inc()
	return nil
}
