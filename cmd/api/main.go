package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/markdave123-py/docchat/internal/app"
	"github.com/markdave123-py/docchat/internal/config"
	"github.com/markdave123-py/docchat/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var envFile string
	flagSet := pflag.NewFlagSet("docchat-api", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", "", "load settings from this file before reading the environment (default: ./.env if present)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	cfg, err := config.LoadConfig(envFiles...)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return err
	}
	defer log.Sync()

	// SIGINT/SIGTERM cancel ctx, which drains the server and the ingest workers.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApp(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	defer application.Close()

	log.Info("docchat is running", "port", cfg.Port, "env", cfg.AppEnv)
	if err := application.Run(ctx); err != nil {
		return err
	}
	log.Info("shut down cleanly")
	return nil
}
