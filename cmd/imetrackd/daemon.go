package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"imetrackd/internal/config"
	"imetrackd/internal/delay"
	"imetrackd/internal/health"
	"imetrackd/internal/imf"
	"imetrackd/internal/ipc"
	"imetrackd/internal/logging"
	"imetrackd/internal/metrics"
	"imetrackd/internal/store"
	"imetrackd/internal/switching"
	"imetrackd/internal/tracker"
	"imetrackd/internal/visibility"
)

const (
	shutdownGrace    = 2 * time.Second
	metricsInterval  = 10 * time.Second
	pruneInterval    = time.Hour
	metricsReadLimit = 5 * time.Second
)

type options struct {
	ConfigPath string
	SocketPath string
	LogLevel   string
	Version    string
}

type daemon struct {
	opts      options
	startedAt time.Time

	loader *config.Loader
	logger *logging.Logger
	log    *slog.Logger

	queue   *delay.Queue
	store   *store.Store
	sink    *store.Sink
	metrics *metrics.ImeMetrics
	mgr     *imf.Manager
	handler *ipc.DaemonHandler
	server  *ipc.Server
	health  *health.Checker

	metricsAddr string
	lastDropped uint64
}

func newDaemon(opts options) (*daemon, error) {
	path := opts.ConfigPath
	if path == "" {
		path = config.FindConfigFile()
	}
	d := &daemon{
		opts:      opts,
		startedAt: time.Now(),
		loader:    config.NewLoader(path),
	}

	cfg, err := d.loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.SocketPath != "" {
		cfg.IPC.SocketPath = opts.SocketPath
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	lc, err := loggingConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	if d.logger, err = logging.New(lc); err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	logging.SetDefault(d.logger)
	d.log = d.logger.Logger

	if cfg.Storage.Enabled {
		st, err := store.Open(cfg.Storage.Path)
		if err != nil {
			d.logger.Close()
			return nil, fmt.Errorf("open store: %w", err)
		}
		d.store = st
		d.sink = store.NewSink(st, d.log, cfg.Storage.Buffer)
	}

	registry := metrics.NewRegistry("imetrackd", "")
	metrics.SetDefault(registry)
	d.metrics = metrics.NewImeMetrics(registry)
	d.metricsAddr = cfg.Metrics.Listen

	mode, err := switching.ParseMode(cfg.Switching.Mode)
	if err != nil {
		return nil, err
	}
	d.queue = delay.NewQueue()
	d.mgr = imf.New(imf.Options{
		Scheduler: d.queue,
		Applier:   imf.ApplierFunc(d.apply),
		Logger:    d.log,
		Ledger: tracker.Options{
			Timeout:           cfg.TrackerTimeout(),
			ActiveCapacity:    cfg.Tracker.ActiveCapacity,
			CompletedCapacity: cfg.Tracker.CompletedCapacity,
			Recorder:          d.record,
		},
		SwitchMode:               mode,
		HideImeWhenNoEditorFocus: cfg.Visibility.HideImeWhenNoEditorFocus,
		LargeScreen:              cfg.Visibility.LargeScreen,
		DisplayPolicies:          displayPolicies(cfg),
		OnVerdict: func(v imf.Verdict) {
			d.metrics.RecordVerdict(v.Reason)
			d.handler.PublishVerdict(v)
		},
		OnSwitch: func(switching.Item) { d.metrics.RecordSwitch() },
	})

	hcfg := ipc.DaemonHandlerConfig{
		Manager:     d.mgr,
		Version:     opts.Version,
		Metrics:     registry,
		Reload:      d.loader.Reload,
		ConfigPath:  d.loader.Path(),
		LogLevel:    func() string { return logging.LevelString(d.logger.GetLevel()) },
		MetricsAddr: cfg.Metrics.Listen,
		Logger:      d.log,
	}
	if d.store != nil {
		hcfg.Store = d.store
		hcfg.Sink = d.sink
		hcfg.StoragePath = cfg.Storage.Path
	}
	d.handler = ipc.NewDaemonHandler(hcfg)

	scfg := ipc.DefaultServerConfig(cfg.IPC.SocketPath)
	scfg.Version = opts.Version
	scfg.ReadTimeout = cfg.ReadTimeout()
	scfg.MaxConnections = cfg.IPC.MaxConnections
	scfg.Logger = d.log
	d.server = ipc.NewServer(scfg, d.handler)
	d.handler.Attach(d.server)

	d.health = newHealth(d, cfg.Tracker.ActiveCapacity)

	d.loader.OnChange(d.applyConfig)
	return d, nil
}

func newHealth(d *daemon, activeCapacity int) *health.Checker {
	if activeCapacity <= 0 {
		activeCapacity = tracker.DefaultActiveCapacity
	}
	h := health.NewChecker()
	h.Register("ledger", false, health.CapacityCheck("active requests", 0.9, func() (int, int) {
		return d.mgr.Ledger().ActiveCount(), activeCapacity
	}))
	if d.store != nil {
		h.Register("store", true, health.PingCheck("store", d.store.Ping))
		h.Register("sink", false, health.CounterCheck("dropped", d.sink.Dropped))
	}
	return h
}

func loggingConfig(c config.LoggingConfig) (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	if c.Output != "" {
		lc.Output = c.Output
	}
	if c.FilePath != "" {
		lc.FilePath = c.FilePath
	}
	if c.MaxSizeMB > 0 {
		lc.MaxSize = int64(c.MaxSizeMB)
	}
	lc.MaxBackups = c.MaxBackups
	lc.Compress = c.Compress
	return lc, nil
}

func displayPolicies(cfg *config.Config) map[int]visibility.DisplayImePolicy {
	out := make(map[int]visibility.DisplayImePolicy)
	for id, p := range cfg.DisplayPolicies() {
		out[id] = visibility.ParseDisplayImePolicy(p)
	}
	return out
}

// Run serves until ctx is done or a component fails.
func (d *daemon) Run(ctx context.Context) error {
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start ipc server: %w", err)
	}
	d.health.SetReady(true)
	d.log.Info("imetrackd started",
		"version", d.opts.Version,
		"socket", d.server.SocketPath(),
		"config", d.loader.Path(),
		"storage", d.store != nil,
	)
	if err := d.loader.Watch(); err != nil {
		d.log.Warn("config hot reload disabled", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	// The queue outlives ctx so ledger timeouts keep firing while pending
	// requests drain at shutdown.
	queueCtx, stopQueue := context.WithCancel(context.Background())
	defer stopQueue()
	g.Go(func() error {
		if err := d.queue.Run(queueCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		d.log.Info("shutting down")
		d.health.SetReady(false)
		d.handler.PublishShutdown()
		err := d.server.Stop()
		if werr := d.mgr.WaitIdle(shutdownGrace); werr != nil {
			d.log.Warn("requests still pending at shutdown",
				"active", d.mgr.Ledger().ActiveCount(), "error", werr)
			d.mgr.Ledger().FinishTrackingPendingRequests()
		}
		stopQueue()
		return err
	})

	g.Go(func() error {
		d.maintain(ctx)
		return nil
	})

	g.Go(func() error {
		d.watchSignals(ctx)
		return nil
	})

	if d.metricsAddr != "" {
		d.serveMetrics(ctx, g)
	}

	return g.Wait()
}

func (d *daemon) serveMetrics(ctx context.Context, g *errgroup.Group) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Registry().HTTPHandler())
	mux.Handle("/healthz", d.health.Handler())
	srv := &http.Server{
		Addr:              d.metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadLimit,
	}

	g.Go(func() error {
		ln, err := net.Listen("tcp", d.metricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		d.log.Info("serving metrics", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}

// maintain refreshes gauges, prunes old rows and logs watcher errors.
func (d *daemon) maintain(ctx context.Context) {
	metricsTick := time.NewTicker(metricsInterval)
	defer metricsTick.Stop()
	pruneTick := time.NewTicker(pruneInterval)
	defer pruneTick.Stop()

	d.prune()
	d.updateMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-metricsTick.C:
			d.updateMetrics()
		case <-pruneTick.C:
			d.prune()
		case err := <-d.loader.Errors():
			d.log.Warn("config reload failed", "error", err)
		}
	}
}

// watchSignals reloads the configuration on SIGHUP.
func (d *daemon) watchSignals(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := d.loader.Reload(); err != nil {
				d.log.Warn("config reload failed", "error", err)
			}
		}
	}
}

func (d *daemon) updateMetrics() {
	d.metrics.UpdateUptime(d.startedAt)
	d.metrics.SetActiveRequests(d.mgr.Ledger().ActiveCount())
	if d.sink != nil {
		if dropped := d.sink.Dropped(); dropped > d.lastDropped {
			d.metrics.StoreDroppedTotal.Add(dropped - d.lastDropped)
			d.lastDropped = dropped
		}
	}
}

func (d *daemon) prune() {
	if d.store == nil {
		return
	}
	retention := d.loader.Config().Retention()
	if retention <= 0 {
		return
	}
	n, err := d.store.Prune(time.Now().Add(-retention))
	if err != nil {
		d.log.Warn("prune stored requests", "error", err)
		return
	}
	if n > 0 {
		d.log.Info("pruned stored requests", "count", n, "retention", retention)
	}
}

// apply is where the window system would be told to show or hide the
// IME. The daemon only decides, so it logs.
func (d *daemon) apply(v imf.Verdict) {
	d.log.Info("ime visibility",
		"window", v.Window,
		"visible", v.Visible,
		"reason", v.Reason,
		"tag", v.Token.Tag,
	)
}

func (d *daemon) record(e tracker.Entry) {
	if d.sink != nil {
		d.sink.Record(e)
	}
	d.metrics.RecordEntry(e)
	d.handler.PublishCompletion(e)
}

// applyConfig pushes the hot-reloadable settings into the running manager.
// Storage, socket and ledger capacities need a restart.
func (d *daemon) applyConfig(old, cfg *config.Config) {
	if d.opts.LogLevel == "" {
		if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
			d.logger.SetLevel(level)
		}
	}
	if mode, err := switching.ParseMode(cfg.Switching.Mode); err == nil {
		d.mgr.SetSwitchMode(mode)
	}
	d.mgr.SetHideImeWhenNoEditorFocus(cfg.Visibility.HideImeWhenNoEditorFocus)
	d.mgr.SetLargeScreen(cfg.Visibility.LargeScreen)

	policies := displayPolicies(cfg)
	if old != nil {
		for id := range old.DisplayPolicies() {
			if _, ok := policies[id]; !ok {
				d.mgr.SetDisplayPolicy(id, visibility.DisplayImePolicyFallback)
			}
		}
	}
	for id, p := range policies {
		d.mgr.SetDisplayPolicy(id, p)
	}

	d.log.Info("configuration applied",
		"log_level", logging.LevelString(d.logger.GetLevel()),
		"switch_mode", cfg.Switching.Mode,
		"hide_ime_when_no_editor_focus", cfg.Visibility.HideImeWhenNoEditorFocus,
		"large_screen", cfg.Visibility.LargeScreen,
	)
}

// Close releases everything newDaemon opened. Safe after a failed Run.
func (d *daemon) Close() {
	d.server.Stop()
	d.queue.Close()
	if d.sink != nil {
		d.sink.Close()
		d.log.Info("request sink closed", "written", d.sink.Written(), "dropped", d.sink.Dropped())
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Warn("close store", "error", err)
		}
	}
	d.loader.Close()
	d.log.Info("imetrackd stopped")
	d.logger.Close()
}
