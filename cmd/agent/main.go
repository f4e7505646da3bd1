package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/otelfleet/fleetsync/pkg/logutil"
	"github.com/otelfleet/fleetsync/pkg/supervisor"
	"github.com/otelfleet/fleetsync/pkg/util/contextutil"
	"github.com/spf13/pflag"
)

type flags struct {
	serverURL  string
	name       string
	labels     map[string]string
	stateDir   string
	collector  string
	startGrace time.Duration
	logLevel   string
	tls        tlsFlags
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{}
	fs := pflag.NewFlagSet("fleetsync-agent", pflag.ContinueOnError)
	fs.StringVar(&f.serverURL, "server.url", "ws://127.0.0.1:4320/v1/opamp", "OpAMP endpoint of the fleetsync server.")
	fs.StringVar(&f.name, "agent.name", os.Getenv("AGENT_NAME"), "Name reported in the agent description.")
	fs.StringToStringVar(&f.labels, "agent.labels", nil, "Labels reported as non-identifying attributes, e.g. env=prod,region=eu.")
	fs.StringVar(&f.stateDir, "state.dir", "./data/agent", "Directory persisting the instance id and reported state.")
	fs.StringVar(&f.collector, "collector.binary", "otelcol", "Collector binary started with the remote configuration.")
	fs.DurationVar(&f.startGrace, "collector.start-grace", 2*time.Second, "How long the collector must run before a config counts as applied.")
	fs.StringVar(&f.logLevel, "log.level", "info", "Log level: trace, debug, info, warn or error.")
	f.tls.register(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

func main() {
	logger := slog.Default()
	f, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		logger.With("err", err).Error("invalid flags")
		os.Exit(2)
	}
	lvl, err := logutil.ParseLevel(f.logLevel)
	if err != nil {
		logger.With("err", err).Error("invalid flags")
		os.Exit(2)
	}
	logutil.SetLevel(lvl)

	tlsConfig, err := f.tls.config()
	if err != nil {
		logger.With("err", err).Error("failed to load TLS configuration")
		os.Exit(1)
	}

	ctx := contextutil.SetupSignals(context.Background())

	var sup *supervisor.Supervisor
	procManager := supervisor.NewProcManager(
		logger.With("component", "collector"),
		f.collector,
		filepath.Join(f.stateDir, "collector"),
		func(healthy bool, status, lastErr string) {
			if sup != nil {
				sup.ReportHealth(healthy, status, lastErr)
			}
		},
	)
	procManager.StartGrace = f.startGrace

	sup, err = supervisor.NewSupervisor(
		logger.With("component", "supervisor"),
		supervisor.Config{
			ServerURL: f.serverURL,
			TLSConfig: tlsConfig,
			Name:      f.name,
			Labels:    f.labels,
			StateDir:  f.stateDir,
		},
		procManager,
		newDirInstaller(logger.With("component", "packages"), filepath.Join(f.stateDir, "packages")),
	)
	if err != nil {
		logger.With("err", err).Error("failed to create supervisor")
		os.Exit(1)
	}

	logger.With("instance_id", sup.InstanceID()).Info("fleetsync agent starting...")
	if err := sup.Start(ctx); err != nil {
		logger.With("err", err).Error("failed to start supervisor")
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("shutting down fleetsync agent...")
	shutdownCtx, ca := context.WithTimeout(context.Background(), 30*time.Second)
	defer ca()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.With("err", err).Error("failed to shutdown supervisor")
		os.Exit(1)
	}
}
