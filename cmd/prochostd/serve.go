package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/prochost/internal/control"
	"github.com/GriffinCanCode/prochost/internal/host"
	"github.com/GriffinCanCode/prochost/internal/infrastructure/config"
	"github.com/GriffinCanCode/prochost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/prochost/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/prochost/internal/infrastructure/server"
	"github.com/GriffinCanCode/prochost/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/prochost/internal/ipc/channel"
	"github.com/GriffinCanCode/prochost/internal/launcher"
	"github.com/GriffinCanCode/prochost/internal/renderer"
	"github.com/GriffinCanCode/prochost/internal/sharedmem"
)

const drainTimeout = 5 * time.Second

func printConfig(w io.Writer, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	_, err = w.Write(data)
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger.Logger)
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Initializing prochost daemon",
		zap.String("addr", cfg.Server.Addr),
		zap.Bool("single_process", cfg.Host.SingleProcess),
		zap.Bool("strict_site_isolation", cfg.Host.StrictSiteIsolation),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(reg)

	tracer := tracing.New("prochostd", logger)
	defer tracer.Close()

	loop := control.NewLoop(logger)

	mapper, err := sharedmem.NewPlatformMapper(cfg.Host.SharedMemoryDir)
	if err != nil {
		return fmt.Errorf("failed to prepare shared memory: %w", err)
	}

	var spawner launcher.Launcher
	if cfg.Host.SingleProcess {
		spawner = launcher.NewInProcessLauncher(loop, renderer.InProcess(logger.Named("renderer"), 0), logger)
	} else {
		spawner = launcher.NewExecLauncher(loop, logger)
	}

	guard := resilience.NewLaunchGuard(resilience.Settings{
		Interval: cfg.Launch.Window,
		Timeout:  cfg.Launch.Cooldown,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Launch.MaxFailures
		},
	}, logger)

	channelCfg := cfg.ChannelOptions()
	registry := host.NewRegistry(host.Deps{
		Runner:   loop,
		Launcher: spawner,
		Channels: func(l channel.Listener) (channel.Channel, error) {
			return channel.NewServer(channelCfg, l, loop, logger)
		},
		Mapper:         mapper,
		Embedder:       host.DefaultEmbedder{ProcessPerSite: cfg.Host.ProcessPerSite},
		Guard:          guard,
		Metrics:        metrics,
		ActionRecorder: metrics,
		Logger:         logger,
	}, cfg.HostOptions())

	events := server.NewEventHub(logger, metrics.IncWSConnections, metrics.DecWSConnections)
	registry.AddObserver(events)
	registry.AddObserver(tracing.NewHostLifetimes(tracer))

	logger.Info("Process limit", zap.Int("max_process_count", registry.MaxProcessCount()))

	// The loop outlives the caller's context so the drain can still run on it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := loop.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("control loop: %w", err)
		}
		return nil
	})

	if cfg.Server.Enabled {
		srv := server.New(cfg.Server, server.Deps{
			Loop:     loop,
			Registry: registry,
			Metrics:  metrics,
			Gatherer: reg,
			Guard:    guard,
			Tracer:   tracer,
			Events:   events,
			Logger:   logger,
		}, cfg.Logging.Development)
		g.Go(func() error { return srv.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		defer stopLoop()

		logger.Info("Shutting down hosts")
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := loop.Call(drainCtx, registry.ShutdownAll); err != nil {
			logger.Warn("Host shutdown did not finish", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

