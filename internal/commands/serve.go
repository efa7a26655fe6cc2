package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Capmap-core-v1/server/internal/server"
	logx "github.com/Capmap-core-v1/server/pkg/logger"
)

var port string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&port, "port", "", "Listen port (overrides PORT)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if port != "" {
		cfg.Server.Port = port
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	deps := server.Deps{
		Config:      cfg.Server,
		Environment: cfg.Env(),
		Runner:      a.runner,
		History:     a.history,
		Catalog:     a.catalog,
		Alerter:     a.alerter,
		Metrics:     a.metrics,
		Gatherer:    a.registry,
	}
	if a.rdb != nil {
		deps.Redis = a.rdb
	}
	srv := server.New(deps)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		logx.Info().Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		err = errors.Join(err, serr)
	}
	a.Close(shutdownCtx)
	return err
}
