package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pald-cli/internal/biasjob"
	"github.com/sells-group/pald-cli/internal/monitoring"
	"github.com/sells-group/pald-cli/internal/registry"
)

var (
	servePort     int
	serveNoWorker bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API with bias workers and alert checks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(env, cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		startBackground(gctx, g, env)

		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		return g.Wait()
	},
}

// startBackground launches the bias workers, the alert checker, the
// feedback session sweeper and the schema file watcher.
func startBackground(ctx context.Context, g *errgroup.Group, env *engineEnv) {
	if !serveNoWorker {
		w := biasjob.NewWorker(env.Queue, cfg.Bias.Workers, cfg.Bias.BatchSize,
			time.Duration(cfg.Bias.PollIntervalSecs)*time.Second)
		g.Go(func() error { return w.Run(ctx) })
	}

	checker := monitoring.NewChecker(
		monitoring.NewCollector(env.Store, env.Registry),
		monitoring.NewAlerter(cfg.Monitoring),
		cfg.Monitoring,
	)
	g.Go(func() error {
		checker.Run(ctx)
		return nil
	})

	if env.Sessions != nil {
		g.Go(func() error {
			env.Sessions.Run(ctx, time.Minute)
			return nil
		})
	}

	if env.SchemaFile != nil && cfg.Schema.Watch {
		g.Go(func() error {
			if err := registry.Watch(ctx, env.Registry, env.SchemaFile); err != nil {
				zap.L().Warn("schema watcher stopped", zap.Error(err))
			}
			return nil
		})
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoWorker, "no-worker", false, "do not process bias jobs in this process")
	rootCmd.AddCommand(serveCmd)
}
