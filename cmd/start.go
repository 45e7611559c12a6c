package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/harborshield/internal/brand"
	"grimm.is/harborshield/internal/config"
	"grimm.is/harborshield/internal/engine"
	"grimm.is/harborshield/internal/events"
	"grimm.is/harborshield/internal/firewall"
	"grimm.is/harborshield/internal/health"
	"grimm.is/harborshield/internal/logging"
	"grimm.is/harborshield/internal/metrics"
	"grimm.is/harborshield/internal/observer"
	"grimm.is/harborshield/internal/scheduler"
	"grimm.is/harborshield/internal/state"
)

// healthCacheTTL bounds how often probes re-run the checks.
const healthCacheTTL = time.Second

// RunStart runs the daemon in the foreground until SIGINT or SIGTERM.
// SIGHUP requests an immediate reconciliation pass.
func RunStart(opts Options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	timings, err := cfg.Timings()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	healthPort, err := cfg.HealthPort()
	if err != nil {
		return fmt.Errorf("configuration error: health_listen: %w", err)
	}

	logger, closeLog, err := initLogging(cfg, opts.Debug)
	if err != nil {
		return err
	}
	defer closeLog()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tracker := health.NewCrashTracker(cfg.DataDir, nil)
	looping, err := tracker.RecordStart()
	if err != nil {
		logger.Warn("crash tracker unavailable", "error", err)
	}
	if looping {
		logger.Error("restart loop detected", "restarts", tracker.Restarts())
	}

	store, err := state.Open(state.Options{
		Path:         filepath.Join(cfg.DataDir, state.DBFile),
		HistoryLimit: cfg.Reconcile.HistoryLimit,
	})
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	rt, err := observer.NewDockerRuntime(cfg.Runtime.DockerHost)
	if err != nil {
		return fmt.Errorf("connect to container runtime: %w", err)
	}
	defer rt.Close()

	hub := events.NewHub()

	obs := observer.New(rt, hub, observer.Config{
		LabelPrefix:   cfg.LabelPrefix,
		ResyncTimeout: timings.ResyncTimeout,
		Logger:        logger.WithComponent("observer"),
	})

	eng := engine.New(obs, firewall.NewApplier(timings.ApplyTimeout), store, hub, engine.Config{
		Table:        cfg.Table,
		HealthPort:   healthPort,
		Workers:      cfg.Reconcile.Workers,
		Debounce:     timings.Debounce,
		MaxDebounce:  timings.MaxDebounce,
		ApplyTimeout: timings.ApplyTimeout,
		Retry: firewall.RetryConfig{
			MaxAttempts:   cfg.Reconcile.MaxRetries,
			InitialDelay:  timings.RetryInitial,
			MaxDelay:      timings.RetryMax,
			BackoffFactor: 2,
			Jitter:        true,
		},
		Ready:  func() bool { return obs.State() == observer.StateSynced },
		Logger: logger.WithComponent("engine"),
	})

	collector := metrics.NewCollector(metrics.Get(), hub, logger.WithComponent("metrics"))

	checker := health.NewChecker(healthCacheTTL, nil)
	checker.Register("reconcile", health.ReconcileCheck(eng.Status))
	checker.Register("observer", health.ObserverCheck(obs))
	checker.Register("nftables", health.NftablesCheck(cfg.Table))
	checker.Register("data_dir", health.DataDirCheck(cfg.DataDir))
	checker.Register("restarts", health.RestartLoopCheck(looping, tracker.Restarts()))
	checker.SetSummary(func() health.Summary {
		st := eng.Status()
		return health.Summary{
			EngineState: string(st.State),
			Generation:  st.Generation,
			LastSuccess: st.LastSuccess,
		}
	})
	srv := health.NewServer(cfg.HealthListen, checker, nil, logging.AppLogs())

	sched := scheduler.New(scheduler.Config{Logger: logger})
	if err := sched.AddTask(scheduler.NewReconcileTickTask(eng.Trigger, timings.ResyncInterval)); err != nil {
		return err
	}
	if err := sched.AddTask(scheduler.NewDriftCheckTask(obs.Resync, timings.DriftCheckInterval, timings.ResyncTimeout)); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	logger.Info("starting",
		"version", brand.Version,
		"table", cfg.Table,
		"data_dir", cfg.DataDir,
		"health_listen", cfg.HealthListen,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return obs.Run(gctx) })
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error {
		collector.Run(gctx)
		return nil
	})
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return tracker.ResetWhenStable(gctx) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				logger.Info("SIGHUP received, reconciling")
				eng.Trigger()
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		logger.Error("daemon stopped", "error", err)
		return err
	}
	logger.Info("stopped")
	return nil
}

// initLogging installs the default logger. The returned func closes the
// syslog connection, if any.
func initLogging(cfg *config.Config, debug bool) (*logging.Logger, func(), error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration error: log.level: %w", err)
	}
	if debug {
		level = logging.LevelDebug
	}

	var out io.Writer = os.Stderr
	closeFn := func() {}
	if s := cfg.Log.Syslog; s != nil {
		w, err := logging.NewSyslogWriter(logging.SyslogConfig{
			Enabled:  true,
			Host:     s.Host,
			Port:     s.Port,
			Protocol: s.Protocol,
			Tag:      s.Tag,
			Facility: s.Facility,
		})
		if err != nil {
			// Local logging still works; report and continue.
			Printer.Fprintf(os.Stderr, "syslog disabled: %v\n", err)
		} else {
			out = logging.MultiWriter(os.Stderr, w)
			closeFn = func() { w.Close() }
		}
	}

	logging.SetPrefix(filepath.Base(os.Args[0]))
	logger := logging.New(logging.Config{
		Level:  level,
		Output: out,
		JSON:   cfg.Log.JSON,
	})
	logging.SetDefault(logger)
	logging.RedirectStdLog()
	return logger, closeFn, nil
}
