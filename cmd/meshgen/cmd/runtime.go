package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/psantana5/meshgen/pkg/cleanup"
	"github.com/psantana5/meshgen/pkg/host"
	"github.com/psantana5/meshgen/pkg/logging"
	"github.com/psantana5/meshgen/pkg/metrics"
	"github.com/psantana5/meshgen/pkg/orchestrator"
	"github.com/psantana5/meshgen/pkg/ratelimit"
	"github.com/psantana5/meshgen/pkg/registry"
	"github.com/psantana5/meshgen/pkg/resources"
	"github.com/psantana5/meshgen/pkg/retry"
	"github.com/psantana5/meshgen/pkg/shutdown"
	"github.com/psantana5/meshgen/pkg/store"
	"github.com/psantana5/meshgen/pkg/tracing"
	"github.com/psantana5/meshgen/pkg/tripo"
)

const shutdownTimeout = 30 * time.Second

// runtime is everything one command invocation needs to talk to the service
// and import into the scene.
type runtime struct {
	logger    *zap.Logger
	tracer    *tracing.Provider
	store     store.Store
	registry  *registry.Registry
	resources *resources.Manager
	sweeper   *cleanup.Sweeper
	metrics   *metrics.Metrics
	client    *tripo.Client
	loop      *host.EventLoop
	scene     *host.FilesystemScene
	session   *orchestrator.Session
	shutdown  *shutdown.Manager
}

func newLogger(component string) (*zap.Logger, func() error, error) {
	if cfg.Log.File {
		return logging.NewFileLogger(component, cfg.Log.Level, cfg.Log.JSON)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.JSON)
	return logger, func() error {
		_ = logger.Sync()
		return nil
	}, nil
}

func newClient(logger *zap.Logger, tracer *tracing.Provider) (*tripo.Client, error) {
	if err := cfg.RequireAPIKey(); err != nil {
		return nil, err
	}
	return tripo.NewClient(tripo.Options{
		BaseURL:             cfg.BaseURL,
		APIKey:              cfg.APIKey,
		Timeout:             cfg.Client.Timeout,
		DefaultModelVersion: cfg.ModelVersion,
		Limiter:             ratelimit.NewLimiter(cfg.Client.RateLimitRPS, cfg.Client.RateLimitBurst),
		Tracer:              tracer,
	}, logger), nil
}

// newRuntime wires the full stack. Teardown steps are registered in reverse
// of the order they must run: the session stops first, the logger last.
func newRuntime(component string) (*runtime, error) {
	logger, closeLog, err := newLogger(component)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		logger:   logger,
		metrics:  metrics.New(),
		shutdown: shutdown.New(shutdownTimeout, logger),
	}
	rt.shutdown.Register("logger", func(context.Context) error { return closeLog() })

	ok := false
	defer func() {
		if !ok {
			_ = rt.shutdown.Shutdown()
		}
	}()

	rt.tracer, err = tracing.InitTracer(tracing.Config{
		ServiceName:    "meshgen",
		ServiceVersion: Version,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		return nil, err
	}
	rt.shutdown.Register("tracer", rt.tracer.Shutdown)

	rt.store, err = store.NewStore(store.Config{
		Type: cfg.Store.Type,
		Path: cfg.Store.Path,
		DSN:  cfg.Store.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	rt.shutdown.Register("store", shutdown.CloseResource(rt.store, "store"))

	rt.registry = registry.New(rt.store, logger)
	if n, err := rt.registry.Load(); err != nil {
		logger.Warn("Failed to restore jobs", zap.Error(err))
	} else if n > 0 {
		logger.Debug("Restored jobs", zap.Int("count", n))
	}

	rt.resources, err = resources.NewManager(cfg.TempDir, logger)
	if err != nil {
		return nil, err
	}
	rt.shutdown.Register("temp files", func(context.Context) error {
		rt.resources.Cleanup()
		return nil
	})

	sweepCfg := cleanup.DefaultConfig()
	sweepCfg.Dir = rt.resources.Dir()
	sweepCfg.SweepInterval = cfg.Server.SweepInterval
	rt.sweeper = cleanup.NewSweeper(sweepCfg, rt.store, logger)
	rt.sweeper.SweepNow(sweepCfg.MinAge)

	rt.client, err = newClient(logger, rt.tracer)
	if err != nil {
		return nil, err
	}

	rt.loop = host.NewEventLoop()
	rt.scene, err = host.NewFilesystemScene(rt.loop, cfg.OutputDir, func(msg string) {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}, logger)
	if err != nil {
		return nil, err
	}

	rt.session, err = orchestrator.NewSession(orchestrator.Config{
		Client:       rt.client,
		Host:         rt.scene,
		Registry:     rt.registry,
		Resources:    rt.resources,
		Retry:        retry.DefaultPolicy(),
		MinFreeBytes: cfg.MinFreeBytes(),
		Logger:       logger,
		Metrics:      rt.metrics,
		Tracer:       rt.tracer,
	})
	if err != nil {
		return nil, err
	}
	rt.shutdown.Register("session", rt.session.Shutdown)

	ok = true
	return rt, nil
}

// run executes work on a background goroutine while the calling goroutine
// serves the scene's event loop. Teardown happens on the work goroutine
// before the loop stops, so imports still in flight can finish.
func (rt *runtime) run(ctx context.Context, work func(ctx context.Context) error) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	errCh := make(chan error, 1)
	go func() {
		defer stopLoop()
		err := work(ctx)
		if sErr := rt.shutdown.Shutdown(); sErr != nil {
			err = errors.Join(err, sErr)
		}
		errCh <- err
	}()

	if err := rt.loop.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return <-errCh
}

// follow prints progress for id until the job's goroutine ends and returns
// its result.
func (rt *runtime) follow(ctx context.Context, id string) error {
	events, unsubscribe := rt.registry.Subscribe(32)
	defer unsubscribe()

	done := make(chan error, 1)
	go func() {
		done <- rt.session.Await(ctx, id)
	}()

	var last string
	for {
		select {
		case err := <-done:
			return err
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Job.ID != id || IsJSONOutput() {
				continue
			}
			line := fmt.Sprintf("%-8s %3d%%", ev.Job.Status, ev.Job.Progress)
			if ev.Job.EstimatedRemainingSeconds != nil {
				line += fmt.Sprintf("  ~%.0fs left", *ev.Job.EstimatedRemainingSeconds)
			}
			if line != last {
				fmt.Fprintf(os.Stderr, "[%s] %s\n", id, line)
				last = line
			}
		}
	}
}
