package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-geos-chem-sub000/internal/app"
	"github.com/scttfrdmn/aws-geos-chem-sub000/internal/config"
	"github.com/scttfrdmn/aws-geos-chem-sub000/internal/observability"
	"github.com/scttfrdmn/aws-geos-chem-sub000/internal/server"
	"github.com/scttfrdmn/aws-geos-chem-sub000/internal/server/handlers"
)

var (
	serveHost     string
	servePort     int
	serveNoResume bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the simulation API server",
	Long: `Run the HTTP API and, with the local workflow engine, the in-process
orchestrators. Simulations left active by a previous process are resumed
on startup unless --no-resume is given.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides server.port)")
	serveCmd.Flags().BoolVar(&serveNoResume, "no-resume", false, "do not resume active simulations on startup")
}

func runServe(cmd *cobra.Command, _ []string) error {
	overrides := map[string]any{}
	if serveHost != "" {
		overrides["server"] = map[string]any{"host": serveHost}
	}
	if servePort != 0 {
		srv, _ := overrides["server"].(map[string]any)
		if srv == nil {
			srv = map[string]any{}
		}
		srv["port"] = servePort
		overrides["server"] = srv
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	if err := observability.InitServerLogger(appIdentity.BinaryName, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	logger := observability.ServerLogger

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := app.Open(ctx, cfg, metrics, logger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open simulation service", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			logger.Warn("Service shutdown incomplete", zap.Error(err))
		}
	}()

	if !serveNoResume {
		n, err := svc.Resume(ctx)
		if err != nil {
			logger.Warn("Failed to resume active simulations", zap.Error(err))
		} else if n > 0 {
			logger.Info("Resumed active simulations", zap.Int("count", n))
		}
	}

	opts := []server.Option{
		server.WithSimulations(svc),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	}
	if metrics != nil {
		opts = append(opts, server.WithMetrics(metrics))
	}
	if cfg.Health.Enabled {
		handlers.InitHealthManager(versionInfo.Version)
		hm := handlers.GetHealthManager()
		hm.RegisterChecker("identity", identityHealthChecker{
			binaryName: appIdentity.BinaryName,
			envPrefix:  appIdentity.EnvPrefix,
			configName: appIdentity.ConfigName,
		})
		hm.RegisterChecker("signals", signalHealthChecker{})
		for name, c := range svc.Checkers() {
			hm.RegisterChecker(name, c)
		}
	} else {
		opts = append(opts, server.WithoutHealth())
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server",
			zap.String("addr", srv.Addr()),
			zap.String("version", versionInfo.Version),
			zap.String("engine", cfg.Workflow.Engine),
			zap.String("store", cfg.Store.Backend))
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server shutdown failed", err)
	}
	return nil
}

// signalHealthChecker reports the process as able to handle signals.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }

// identityHealthChecker fails when the binary identity is incomplete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return fmt.Errorf("app identity: missing binary name")
	case c.envPrefix == "":
		return fmt.Errorf("app identity: missing env prefix")
	case c.configName == "":
		return fmt.Errorf("app identity: missing config name")
	}
	return nil
}
