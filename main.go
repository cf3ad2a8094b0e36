package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Martian-dev/brain-sync/internal/api"
	"github.com/Martian-dev/brain-sync/internal/auth"
	"github.com/Martian-dev/brain-sync/internal/config"
	"github.com/Martian-dev/brain-sync/internal/logger"
)

var version = "0.1.0"

func main() {
	var configFile string

	root := &cobra.Command{
		Use:   "brain-sync",
		Short: "Incremental, checkpointed sync of personal data sources to local files",
		Long: `brain-sync mirrors mail, calendars, documents and chat history into a local
directory tree. Every run resumes from the persisted watermarks and is safe to repeat.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("brain-sync v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var timeout time.Duration
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sync pass over every enabled source",
		Long: `Run one sync pass and print the run report as JSON.
The exit status is non-zero when any collection failed.

Example:
  brain-sync run --config brain-sync.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(configFile, timeout)
		},
	}
	runCmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort the run after this duration (0 = no limit)")
	root.AddCommand(runCmd)

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Sync on an interval and serve status over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configFile)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "state",
		Short: "Print the persisted watermarks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printState(configFile)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func setup(configFile string) (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.Init(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runOnce(configFile string, timeout time.Duration) error {
	cfg, log, err := setup(configFile)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signalContext()
	defer cancel()
	if timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, timeout)
		defer stop()
	}

	a, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.manager.RunOnce(ctx)
	if err != nil {
		return err
	}
	a.flushOutbox(context.WithoutCancel(ctx))

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if report.Failed() {
		return errors.New("sync finished with failures")
	}
	return nil
}

func serve(configFile string) error {
	cfg, log, err := setup(configFile)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signalContext()
	defer cancel()

	a, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := api.Options{Logger: log, History: a.history}
	if cfg.HTTP.JWKSURL != "" {
		verifier, err := auth.NewJWTVerifier(ctx, cfg.HTTP.JWKSURL)
		if err != nil {
			return err
		}
		opts.Verifier = verifier
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.New(ctx, a.manager, opts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.startDispatcher(ctx)
	a.manager.Start(ctx, cfg.Sync.Interval)

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			cancel()
			a.manager.Stop()
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	a.manager.Stop()
	return nil
}

func printState(configFile string) error {
	cfg, log, err := setup(configFile)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := openCheckpoints(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	state, err := store.Load(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("last run: %s\n", formatTime(state.LastRunAt))
	for _, id := range state.IDs() {
		w := state.Collections[id]
		fmt.Printf("%-40s  hwm=%s  updated=%s\n", id, formatTime(w.HighWaterMark), formatTime(w.UpdatedAt))
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
