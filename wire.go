package main

import (
	"context"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Martian-dev/brain-sync/internal/api"
	"github.com/Martian-dev/brain-sync/internal/auth"
	"github.com/Martian-dev/brain-sync/internal/checkpoint"
	"github.com/Martian-dev/brain-sync/internal/config"
	"github.com/Martian-dev/brain-sync/internal/eventstore/sqlite"
	natsjs "github.com/Martian-dev/brain-sync/internal/nats"
	"github.com/Martian-dev/brain-sync/internal/providers"
	"github.com/Martian-dev/brain-sync/internal/sink"
	"github.com/Martian-dev/brain-sync/internal/sync"
)

// app holds the wired components of one process.
type app struct {
	manager    *sync.Manager
	history    api.RunHistory
	dispatcher *sync.Dispatcher
	log        *zap.Logger
	closers    []func()
}

func build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{log: log}

	fsink, err := sink.New(filepath.Join(cfg.DataDir, "files"), log.Named("sink"))
	if err != nil {
		return nil, err
	}

	runner := &sync.Runner{
		Sink:               fsink,
		Credentials:        credentials(cfg),
		Logger:             log,
		Concurrency:        cfg.Sync.Concurrency,
		CheckpointEachPage: cfg.Sync.CheckpointEachPage,
	}
	if cfg.Sync.Pacing > 0 {
		runner.Pacer = rate.NewLimiter(rate.Every(cfg.Sync.Pacing), 1)
	}

	var publisher *natsjs.Publisher
	if cfg.NATS.URL != "" {
		publisher, err = natsjs.NewPublisher(cfg.NATS.URL, cfg.NATS.Stream, log.Named("nats"))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, publisher.Close)
		if err := publisher.EnsureStream(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	switch cfg.State.Backend {
	case config.BackendSQLite:
		store, err := sqlite.Open(cfg.State.Path)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		runner.Checkpoints = store
		runner.Notifier = store
		runner.Reports = store
		a.history = store
		if publisher != nil {
			a.dispatcher = &sync.Dispatcher{
				Outbox:    store,
				Publisher: publisher,
				Logger:    log.Named("outbox"),
			}
		}
	default:
		runner.Checkpoints = checkpoint.NewFileStore(cfg.State.Path)
		if publisher != nil {
			runner.Notifier = sync.PublishNotifier{Publisher: publisher}
		}
	}

	collections := providers.Collections(&cfg.Sources)
	if len(collections) == 0 {
		log.Warn("no sources enabled")
	}
	a.manager = sync.NewManager(runner, collections, log)
	return a, nil
}

func credentials(cfg *config.Config) sync.CredentialProvider {
	chain := auth.Chain{auth.NewStaticProvider(cfg.StaticCredentials())}
	if cfg.Auth.BrokerURL != "" && cfg.Auth.UserJWT != "" {
		client := auth.NewBetterAuthClient(cfg.Auth.BrokerURL)
		chain = append(chain, auth.NewBrokerProvider(client, cfg.Auth.UserJWT, config.BrokerSources()))
	}
	return chain
}

func openCheckpoints(cfg *config.Config, log *zap.Logger) (sync.CheckpointStore, func(), error) {
	if cfg.State.Backend == config.BackendSQLite {
		store, err := sqlite.Open(cfg.State.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
	log.Debug("using file checkpoint", zap.String("path", cfg.State.Path))
	return checkpoint.NewFileStore(cfg.State.Path), func() {}, nil
}

// startDispatcher drains the outbox in the background until ctx is done.
func (a *app) startDispatcher(ctx context.Context) {
	if a.dispatcher == nil {
		return
	}
	go a.dispatcher.Run(ctx)
}

// flushOutbox publishes what a single run queued, giving up after a short while.
func (a *app) flushOutbox(ctx context.Context) {
	if a.dispatcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for {
		n, err := a.dispatcher.DispatchOnce(ctx)
		if err != nil {
			a.log.Warn("outbox flush stopped", zap.Error(err))
			return
		}
		if n == 0 {
			return
		}
	}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

