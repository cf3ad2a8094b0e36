package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRunInProgress is returned when a run is requested while another is active.
var ErrRunInProgress = errors.New("sync run already in progress")

// Manager serializes runs of one Runner over a fixed set of collections and
// optionally repeats them on an interval.
type Manager struct {
	runner      *Runner
	collections []Collection
	log         *zap.Logger

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	last    *RunReport
	wg      sync.WaitGroup
}

// NewManager creates a manager.
func NewManager(runner *Runner, collections []Collection, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{runner: runner, collections: collections, log: log}
}

func (m *Manager) acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrRunInProgress
	}
	m.running = true
	return nil
}

func (m *Manager) release(report *RunReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	if report != nil {
		m.last = report
	}
}

// RunOnce performs a run and waits for it.
func (m *Manager) RunOnce(ctx context.Context) (*RunReport, error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	report, err := m.runner.Run(ctx, m.collections)
	m.release(report)
	return report, err
}

// Trigger starts a run in the background and returns its completion channel.
func (m *Manager) Trigger(ctx context.Context) (<-chan *RunReport, error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}

	done := make(chan *RunReport, 1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		report, err := m.runner.Run(ctx, m.collections)
		if err != nil {
			m.log.Error("triggered sync failed", zap.Error(err))
		}
		m.release(report)
		done <- report
		close(done)
	}()
	return done, nil
}

// Start runs immediately and then every interval until Stop or ctx is done.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		cancel()
		return
	}
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.tick(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.log.Info("sync loop stopped")
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()
}

func (m *Manager) tick(ctx context.Context) {
	report, err := m.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrRunInProgress):
		m.log.Debug("previous run still active, skipping tick")
	case err != nil:
		m.log.Error("scheduled sync failed", zap.Error(err))
	case report.Failed():
		m.log.Warn("scheduled sync finished with failures", zap.String("run_id", report.RunID))
	}
}

// Stop cancels the interval loop and waits for in-flight runs.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// IsRunning reports whether a run is active.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// LastReport returns the report of the most recent finished run, or nil.
func (m *Manager) LastReport() *RunReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Collections returns the configured collections.
func (m *Manager) Collections() []Collection {
	return m.collections
}

// State loads the persisted checkpoint.
func (m *Manager) State(ctx context.Context) (*SyncState, error) {
	return m.runner.Checkpoints.Load(ctx)
}
