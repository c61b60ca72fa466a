package cli

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	httpapi "github.com/fairyhunter13/product-catalog-service/internal/http"
	"github.com/fairyhunter13/product-catalog-service/internal/kv"
	"github.com/fairyhunter13/product-catalog-service/internal/maintenance"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
	"github.com/fairyhunter13/product-catalog-service/internal/propagate"
	"github.com/fairyhunter13/product-catalog-service/internal/queue"
	"github.com/fairyhunter13/product-catalog-service/internal/sink"
	"github.com/fairyhunter13/product-catalog-service/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"run"},
		Short:   "Run the HTTP API and the propagation engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Addr != "" {
				opts.Cfg.HTTPAddr = opts.Addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return Serve(ctx, opts.RootOptions)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	return cmd
}

// Serve wires the service and blocks until ctx is done, then shuts down.
func Serve(ctx context.Context, opts *RootOptions) error {
	cfg := opts.Cfg
	obs.Logger.Info("service_starting", "data_dir", cfg.DataDir, "partitions", cfg.Partitions, "sinks", cfg.Sinks)

	metrics := obs.NewMetricsCollector()
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	db, err := kv.Open(kv.Options{
		DataDir: cfg.DataDir,
		Fsync:   kv.ParseFsyncMode(cfg.Fsync),
		Metrics: metrics,
	})
	if err != nil {
		return errors.Annotate(err, "opening database")
	}
	defer closeDB(db)

	st, err := store.New(db, store.Options{Partitions: cfg.Partitions, Metrics: metrics})
	if err != nil {
		return errors.Annotate(err, "opening store")
	}
	sinks, err := sink.Build(cfg, db)
	if err != nil {
		return errors.Trace(err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := queue.NewManager(cfg, queue.New(128), queue.WithMetrics(metrics))
	mgr.Start(runCtx)
	defer mgr.Stop()

	eng, err := propagate.New(propagate.ConfigFrom(cfg), st.Log(), db, mgr, sinks.All, propagate.Options{Metrics: metrics})
	if err != nil {
		return errors.Annotate(err, "building propagation engine")
	}
	eng.Start(runCtx)

	maint, err := maintenance.New(maintenance.Options{
		Cron:         cfg.MaintenanceCron,
		LogRetention: cfg.LogRetention,
		DLQRetention: cfg.DLQRetention,
		Metrics:      metrics,
	}, st.Log(), eng.Checkpoints(), eng.DeadLetters(), sinks.Topic)
	if err != nil {
		eng.Stop()
		return errors.Trace(err)
	}
	maint.Start(runCtx)

	app := httpapi.NewApp(cfg, httpapi.Deps{
		Store:    st,
		Engine:   eng,
		Manager:  mgr,
		Sinks:    sinks,
		Metrics:  metrics,
		Gatherer: reg,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(app),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		obs.Logger.Info("http_listen", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		obs.Logger.Info("shutdown_signal")
	case err := <-serveErr:
		obs.Logger.Error("http_server_error", "error", err)
		runErr = errors.Annotate(err, "serving http")
	}

	app.StartShutdown()
	ctxSrv, cancelSrv := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSrv()
	if err := srv.Shutdown(ctxSrv); err != nil {
		obs.Logger.Error("http_shutdown_error", "error", err)
	}

	obs.Logger.Info("shutdown_drain_begin", "queue_depth", mgr.QueueDepth(), "worker_count", mgr.WorkerCount())
	ctxDrain, cancelDrain := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelDrain()
	if eng.WaitIdle(ctxDrain) {
		obs.Logger.Info("shutdown_drain_complete")
	} else {
		obs.Logger.Warn("shutdown_drain_timeout")
	}

	maint.Stop()
	eng.Stop()
	mgr.CloseIntake()
	obs.Logger.Info("service_stopped")
	return runErr
}
