// Command provisioner serves terminal sessions, uploads and provisioning runs
// over SSH. Provisioning requests arrive over HTTP or from a Kafka topic.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/andrej220/devterm/internal/app"
	"github.com/andrej220/devterm/internal/serverutil"
	"github.com/andrej220/devterm/pkg/config"
	"github.com/andrej220/devterm/pkg/lg"
)

const (
	serviceName     = "PROVISIONER"
	shutdownTimeout = 30 * time.Second
)

func main() {
	fs := flag.NewFlagSet(serviceName, flag.ExitOnError)
	configPath := fs.String("config", "", "path to the YAML settings file")
	logCfg := lg.RegisterFlags(fs, serviceName)
	fs.Parse(os.Args[1:])

	logger := lg.New(logCfg)
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Error("provisioner stopped with error", lg.Err(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(configPath string, logger lg.Logger) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.New(ctx, settings, logger)
	if err != nil {
		return err
	}
	logger.Info("starting service", lg.String("port", settings.Server.Port))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cfg := serverutil.DefaultServerConfig()
		cfg.Port = settings.Server.Port
		cfg.Logger = logger
		return serverutil.RunServer(gctx, rt.Handler().Routes(), cfg)
	})
	if rt.Requests != nil {
		g.Go(func() error { return rt.Service.Consume(gctx, rt.Requests) })
	}
	runErr := g.Wait()
	stop()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", lg.Err(err))
	}
	return runErr
}
