package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/issue-cache/jobs"
	"github.com/wolfeidau/issue-cache/retention"
	"github.com/wolfeidau/issue-cache/scheduler"
	"github.com/wolfeidau/issue-cache/server"
	"github.com/wolfeidau/issue-cache/telemetry"
)

// DaemonCmd runs the background scheduler, retention and the control API.
type DaemonCmd struct {
	Address           string        `help:"Control API listen address." default:":8080" env:"ISSUE_CACHE_ADDRESS"`
	AuthToken         string        `help:"Bearer token required by the control API." env:"ISSUE_CACHE_AUTH_TOKEN"`
	OTLPEndpoint      string        `name:"otlp-endpoint" help:"OTLP gRPC metrics endpoint, e.g. localhost:4317." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	PollInterval      time.Duration `help:"How often to check for a new issue." default:"1h"`
	RetentionInterval time.Duration `help:"How often to run storage retention." default:"6h"`
	MaxSize           string        `help:"Storage quota for issue files, e.g. 2GB. Empty disables it."`
	Metered           bool          `help:"Treat the network as metered; wifi-only downloads wait." env:"ISSUE_CACHE_METERED"`
	DownloadNow       bool          `help:"Schedule a newest-issue download at startup."`
	ShutdownTimeout   time.Duration `help:"Grace period for shutdown." default:"10s"`
}

func (c *DaemonCmd) Run(g *Globals, a *app, rc runContext) error {
	var maxBytes int64
	if c.MaxSize != "" {
		n, err := humanize.ParseBytes(c.MaxSize)
		if err != nil {
			return fmt.Errorf("invalid max size %q: %w", c.MaxSize, err)
		}
		maxBytes = int64(n)
	}

	shutdownMetrics, err := telemetry.InitMetrics(rc, telemetry.MetricsConfig{
		ServiceName:      "issue-cache",
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: true,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}

	logger := a.logger
	prober := a.client.Prober()
	network := scheduler.NetworkFunc(func(ctx context.Context) scheduler.NetworkState {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		ok, err := prober.CheckConnectivity(ctx)
		if err != nil {
			logger.Debug("network probe failed", "error", err)
		}
		return scheduler.NetworkState{Connected: ok, Unmetered: ok && !c.Metered}
	})

	schedConfig := scheduler.DefaultConfig()
	schedConfig.PollInterval = c.PollInterval
	sched := scheduler.New(a.db, network,
		scheduler.WithLogger(logger),
		scheduler.WithWifiOnly(a.prefs.WifiOnly),
		scheduler.WithConfig(schedConfig),
	)
	jobs.New(a.client, a.service, sched, a.prefs.Get,
		jobs.WithLogger(logger),
		jobs.WithRetry(a.helper, g.MaxRetries),
	).Register(sched)

	retentionConfig := retention.DefaultConfig()
	retentionConfig.Interval = c.RetentionInterval
	retentionConfig.KeepIssues = func() int { return a.prefs.Get().KeepIssues }
	retentionConfig.MaxBytes = maxBytes
	retentionMgr := retention.New(a.service, a.db, a.backend, retentionConfig,
		retention.WithLogger(logger),
		retention.WithMetrics(telemetry.Meter()),
		retention.WithBusy(func() bool { return a.registry.Len() > 0 }),
	)

	srv := server.New(server.Config{
		Address:   c.Address,
		AuthToken: c.AuthToken,
		Logger:    logger,
	}, a.service, server.WithRetention(retentionMgr), server.WithWork(sched))

	if err := sched.Start(rc); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	if err := sched.EnsurePollingWorkerIsScheduled(rc); err != nil {
		return fmt.Errorf("scheduling poll job: %w", err)
	}
	if c.DownloadNow {
		tag := jobs.NewestIssueTag(a.prefs.Get().Feed)
		if err := sched.ScheduleNewestIssueDownload(rc, tag, 0); err != nil {
			return fmt.Errorf("scheduling newest issue download: %w", err)
		}
	}
	retentionMgr.Start(rc)

	logger.Info("daemon started",
		"address", srv.Address(),
		"data_dir", g.DataDir,
		"poll_interval", c.PollInterval,
		"max_size", c.MaxSize,
	)

	eg, ctx := errgroup.WithContext(rc)
	eg.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		return errors.Join(
			srv.Shutdown(shutdownCtx),
			sched.Stop(shutdownCtx),
			retentionMgr.Stop(shutdownCtx),
			shutdownMetrics(shutdownCtx),
		)
	})

	return eg.Wait()
}
