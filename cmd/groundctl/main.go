package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/groundlink/internal/config"
	"github.com/danmuck/groundlink/internal/logging"
	"github.com/danmuck/groundlink/internal/observability"
)

const defaultConfigPath = "cmd/groundctl/config.toml"

func main() {
	path := flag.String("config", defaultConfigPath, "groundctl config path")
	validate := flag.Bool("validate", false, "validate the config and exit")
	flag.Parse()

	if err := run(*path, *validate); err != nil {
		fmt.Fprintf(os.Stderr, "groundctl: %v\n", err)
		os.Exit(1)
	}
}

func run(path string, validateOnly bool) error {
	logger := observability.InitLogger("groundctl")

	cfg, err := config.Load(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !validateOnly:
		logging.Warnf("groundctl config missing path=%s, using defaults", path)
		cfg = config.Default()
	case err != nil:
		return err
	}
	if validateOnly {
		logging.Infof("groundctl config valid path=%s target=%s", path, cfg.Settings.CommandAddress())
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newService(cfg, logger)
	if err != nil {
		return err
	}
	return svc.run(ctx)
}
