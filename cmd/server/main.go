package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/team-progress-backend/internal/config"
	"github.com/DoyleJ11/team-progress-backend/internal/engine"
	"github.com/DoyleJ11/team-progress-backend/internal/graph"
	"github.com/DoyleJ11/team-progress-backend/internal/httpapi"
	"github.com/DoyleJ11/team-progress-backend/internal/hub"
	"github.com/DoyleJ11/team-progress-backend/internal/logging"
	"github.com/DoyleJ11/team-progress-backend/internal/metrics"
	"github.com/DoyleJ11/team-progress-backend/internal/store"
	badgerstore "github.com/DoyleJ11/team-progress-backend/internal/store/badger"
	"github.com/DoyleJ11/team-progress-backend/internal/store/memory"
	"github.com/DoyleJ11/team-progress-backend/internal/store/postgres"
	"github.com/DoyleJ11/team-progress-backend/internal/store/sqlite"
	"github.com/DoyleJ11/team-progress-backend/internal/team"
	"github.com/DoyleJ11/team-progress-backend/internal/ws"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dotenv string
	root := &cobra.Command{
		Use:          "teamsyncd",
		Short:        "Real-time team progression sync server",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&dotenv, "env-file", ".env", "optional .env file read before the environment")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(dotenv)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	var graphPath string
	checkGraph := &cobra.Command{
		Use:   "check-graph",
		Short: "Validate a progression graph file and print its unlock order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkGraphFile(cmd.OutOrStdout(), graphPath)
		},
	}
	checkGraph.Flags().StringVar(&graphPath, "graph", "config/progression.yaml", "progression graph file")

	root.AddCommand(serveCmd, checkGraph)
	root.RunE = serveCmd.RunE
	return root
}

func checkGraphFile(w io.Writer, path string) error {
	g, err := graph.Load(path)
	if err != nil {
		return err
	}
	for i, id := range g.Order() {
		u, _ := g.Universe(id)
		fmt.Fprintf(w, "%d. %s (%d activities)", i+1, id, len(u.Activities))
		if len(u.Prerequisites) > 0 {
			fmt.Fprintf(w, " after %v", u.Prerequisites)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return err
	}
	defer logger.Sync()

	g, err := graph.Load(cfg.GraphPath)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	policy := store.RetryPolicy{
		MaxAttempts:     cfg.PersistMaxAttempts,
		InitialInterval: cfg.PersistInitialBackoff,
		MaxInterval:     time.Second,
		AttemptTimeout:  cfg.PersistTimeout,
	}
	// The hub outlives the signal so teams can flush during Shutdown.
	h := hub.NewHub(context.WithoutCancel(ctx), team.Options{
		Rules:           engine.Rules{Graph: g, LeaseTTL: cfg.LeaseTTL},
		Store:           store.NewRetrying(st, policy, logger),
		PersistMode:     team.PersistMode(cfg.PersistMode),
		Logger:          logger,
		Metrics:         m,
		SweepInterval:   cfg.LeaseSweepInterval,
		DisconnectGrace: cfg.DisconnectGrace,
		IdleTTL:         cfg.TeamIdleTTL,
		DeltaLogSize:    cfg.DeltaLogSize,
		DeltaLogAge:     cfg.DeltaLogAge,
	})

	handler := httpapi.SetupRoutes(h, httpapi.Options{
		WS: ws.Config{
			OutboxSize:     cfg.OutboxSize,
			CommandRate:    rate.Limit(cfg.CommandRate),
			CommandBurst:   cfg.CommandBurst,
			OriginPatterns: cfg.OriginPatterns,
			Logger:         logger,
		},
		Gatherer: reg,
		Logger:   logger,
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("listening",
			zap.String("addr", cfg.Addr),
			zap.String("store", cfg.StoreDriver),
			zap.String("persist_mode", cfg.PersistMode),
			zap.Int("universes", len(g.Order())))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		// Teams flush their last state before the store closes.
		return h.Shutdown(shutdownCtx)
	})

	err = eg.Wait()
	logger.Info("stopped")
	return err
}

func openStore(cfg config.Config, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		s, err := postgres.Open(cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.StoreBadger:
		bc := badgerstore.DefaultConfig(cfg.BadgerPath)
		bc.Logger = logger
		s, err := badgerstore.Open(bc)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.StoreSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		logger.Warn("using in-memory store; team progress is lost on restart")
		return memory.New(), func() {}, nil
	}
}
