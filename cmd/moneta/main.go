package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"moneta/internal/backend"
	appcli "moneta/internal/cli"
	"moneta/internal/config"
	applog "moneta/internal/log"
	"moneta/internal/services"
)

// env is what every command needs once the app is bootstrapped.
type env struct {
	cfg     *config.Config
	logger  *applog.Logger
	backend *backend.BackendResult
	service *services.RecurringService
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e := &env{}
	app := &cli.App{
		Name:  "moneta",
		Usage: "record transactions and materialize recurring ones",
		Before: func(c *cli.Context) error {
			return e.open(c.Context)
		},
		After: func(*cli.Context) error {
			return e.backend.Close()
		},
		Commands: []*cli.Command{
			addCommand(e),
			rulesCommand(e),
			deactivateCommand(e),
			refreshCommand(e),
			listCommand(e),
			watchCommand(e),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (e *env) open(ctx context.Context) error {
	appcli.LoadEnvFile()

	cfg, err := appcli.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := appcli.SetupLogger(cfg, applog.ComponentCLI)
	if err != nil {
		return err
	}

	res, err := appcli.InitBackend(ctx, logger, cfg)
	if err != nil {
		return err
	}
	svc, err := appcli.NewRecurringService(cfg, logger, res, nil)
	if err != nil {
		res.Close()
		return err
	}

	e.cfg, e.logger, e.backend, e.service = cfg, logger, res, svc
	return nil
}
