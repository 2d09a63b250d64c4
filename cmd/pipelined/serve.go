package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/psantana5/media-pipeline/pkg/api"
	"github.com/psantana5/media-pipeline/pkg/auth"
	"github.com/psantana5/media-pipeline/pkg/cleanup"
	"github.com/psantana5/media-pipeline/pkg/config"
	"github.com/psantana5/media-pipeline/pkg/logging"
	"github.com/psantana5/media-pipeline/pkg/metrics"
	"github.com/psantana5/media-pipeline/pkg/pipeline"
	"github.com/psantana5/media-pipeline/pkg/ratelimit"
	"github.com/psantana5/media-pipeline/pkg/reconcile"
	"github.com/psantana5/media-pipeline/pkg/shutdown"
	"github.com/psantana5/media-pipeline/pkg/store"
	tlsutil "github.com/psantana5/media-pipeline/pkg/tls"
	"github.com/psantana5/media-pipeline/pkg/tracing"
	"github.com/psantana5/media-pipeline/pkg/trigger"
	"github.com/psantana5/media-pipeline/pkg/worker"
)

const (
	shutdownTimeout     = 30 * time.Second
	hostSampleInterval  = 15 * time.Second
	limiterSweepEvery   = 10 * time.Minute
	limiterIdleLifetime = 30 * time.Minute
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	stop := shutdown.New(shutdownTimeout, logger)

	logger.Info("Starting pipelined", logging.Fields{
		"version":       version,
		"store":         cfg.Store.Type,
		"worker_mode":   cfg.Worker.Mode,
		"state_machine": cfg.Pipeline.StateMachine,
	})

	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	stop.Register("tracing", tracer.Shutdown)

	st, err := store.NewStore(store.Config{
		Type:            cfg.Store.Type,
		DSN:             cfg.Store.DSN,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		Path:            cfg.Store.Path,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	stop.Register("store", shutdown.CloseResource(st))

	m := metrics.New()
	if err := m.Register(metrics.NewStoreCollector(st)); err != nil {
		return fmt.Errorf("failed to register store collector: %w", err)
	}
	go m.RunHostSampler(ctx, hostSampleInterval)

	stageWorker, err := newStageWorker(cfg.Worker)
	if err != nil {
		return err
	}

	reconciler := reconcile.New(st, reconcile.Options{
		Logger:   logger,
		Recorder: m,
		Lookback: cfg.Pipeline.HistoryLookback,
	})

	opts := pipeline.OptionsFromConfig(cfg)
	opts.Notifier = reconciler
	opts.Recorder = m
	opts.Tracer = tracer
	opts.Logger = logger
	engine := pipeline.New(st, stageWorker, opts)
	stop.Register("engine", engine.Shutdown)

	report, err := engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	logger.Info("Recovery complete", logging.Fields{
		"resumed":     report.Resumed,
		"timed_out":   report.TimedOut,
		"redelivered": report.Redelivered,
	})

	sweeper := cleanup.NewManager(cleanup.Config{
		Enabled:           cfg.Cleanup.Enabled,
		SweepInterval:     cfg.Cleanup.Interval,
		VacuumInterval:    cfg.Cleanup.VacuumInterval,
		RedeliverInterval: cfg.Cleanup.RedeliverInterval,
		InitialDelay:      time.Minute,
	}, st, logger).WithRedeliverer(engine)
	sweeper.Start(ctx)
	stop.Register("cleanup", func(context.Context) error {
		sweeper.Stop()
		return nil
	})

	keys, err := auth.NewKeySet(cfg.Server.APIKeys, cfg.Server.APIKeyHashes)
	if err != nil {
		return fmt.Errorf("invalid API key configuration: %w", err)
	}
	if !keys.Enabled() {
		logger.Warn("API authentication disabled: no api_keys configured")
	}

	var limiter *ratelimit.Limiter
	if cfg.Server.RatePerSecond > 0 {
		limiter = ratelimit.NewLimiter(cfg.Server.RatePerSecond, cfg.Server.RateBurst)
		go sweepLimiter(ctx, limiter)
	}

	handler := api.NewHandler(st,
		trigger.NewNormalizer(st, engine, logger, m),
		reconciler,
		engine,
		logger,
		cfg.Uploads.TTL)
	router := api.NewRouter(handler, api.RouterOptions{
		Tracer:  tracer,
		Metrics: m,
		Keys:    keys,
		Limiter: limiter,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	useTLS := cfg.Server.TLS.CertFile != ""
	if useTLS {
		srv.TLSConfig, err = tlsutil.ServerConfig(tlsOptions(cfg.Server.TLS))
		if err != nil {
			return fmt.Errorf("failed to load TLS config: %w", err)
		}
		if cfg.Server.TLS.RequireClientCert {
			logger.Info("mTLS enabled, client certificates required")
		}
	}
	stop.Register("api server", shutdown.StopHTTPServer(srv))

	go func() {
		logger.Info("API server listening", logging.Fields{"addr": srv.Addr, "tls": useTLS})
		var err error
		if useTLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			cancel(fmt.Errorf("api server: %w", err))
		}
	}()

	if cfg.Server.MetricsAddr != "" {
		metricsSrv := newMetricsServer(cfg.Server.MetricsAddr, m)
		stop.Register("metrics server", shutdown.StopHTTPServer(metricsSrv))
		go func() {
			logger.Info("Metrics server listening", logging.Fields{"addr": metricsSrv.Addr})
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				cancel(fmt.Errorf("metrics server: %w", err))
			}
		}()
	}

	shutdownErr := stop.Wait(ctx)

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return shutdownErr
}

func newLogger(cfg config.LogConfig) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Level)
	if cfg.File {
		return logging.NewFileLogger("pipelined", "daemon", level, cfg.JSON)
	}
	return logging.NewLogger(level, cfg.JSON), nil
}

func newStageWorker(cfg config.WorkerConfig) (pipeline.StageWorker, error) {
	if cfg.Mode != "http" {
		return worker.NewSimulated(), nil
	}

	var w *worker.HTTPWorker
	if tlsOptions(cfg.TLS).Enabled() {
		tlsConfig, err := tlsutil.ClientConfig(tlsOptions(cfg.TLS))
		if err != nil {
			return nil, fmt.Errorf("failed to load worker TLS config: %w", err)
		}
		w = worker.NewHTTPWorkerWithTLS(cfg.BaseURL, cfg.Timeout, tlsConfig)
	} else {
		w = worker.NewHTTPWorker(cfg.BaseURL, cfg.Timeout)
	}
	if cfg.APIKey != "" {
		w.SetAPIKey(cfg.APIKey)
	}
	return w, nil
}

func tlsOptions(c config.TLSConfig) tlsutil.Options {
	return tlsutil.Options{
		CertFile:          c.CertFile,
		KeyFile:           c.KeyFile,
		CAFile:            c.CAFile,
		RequireClientCert: c.RequireClientCert,
	}
}

func newMetricsServer(addr string, m *metrics.Metrics) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", m.Handler()).Methods("GET")
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods("GET")

	return &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func sweepLimiter(ctx context.Context, l *ratelimit.Limiter) {
	ticker := time.NewTicker(limiterSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.CleanupOldLimiters(limiterIdleLifetime)
		}
	}
}
