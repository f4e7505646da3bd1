package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/otelfleet/fleetsync/pkg/config"
	_ "github.com/otelfleet/fleetsync/pkg/logutil"
	"github.com/otelfleet/fleetsync/pkg/server"
	"github.com/otelfleet/fleetsync/pkg/util/contextutil"
	"github.com/spf13/pflag"
)

func main() {
	logger := slog.Default()
	cfg, err := config.Parse("fleetsyncd", os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		logger.With("err", err).Error("invalid configuration")
		os.Exit(2)
	}

	ctx := contextutil.SetupSignals(context.Background())
	f, err := server.New(cfg)
	if err != nil {
		logger.With("err", err).Error("failed to set up fleetsync")
		os.Exit(1)
	}
	logger.Info("fleetsync starting...")
	if err := f.Run(ctx); err != nil {
		logger.With("err", err).Error("fleetsync stopped with an error")
		os.Exit(1)
	}
	logger.Info("fleetsync stopped")
}
