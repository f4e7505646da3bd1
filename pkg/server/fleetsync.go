package server

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/middleware"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/otelfleet/fleetsync/pkg/config"
	"github.com/otelfleet/fleetsync/pkg/engine"
	"github.com/otelfleet/fleetsync/pkg/logutil"
	"github.com/otelfleet/fleetsync/pkg/services/admin"
	"github.com/otelfleet/fleetsync/pkg/services/opamp"
	storagesvc "github.com/otelfleet/fleetsync/pkg/services/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func initLogger(logFormat string, logLevel dslog.Level) log.Logger {
	// Use UTC timestamps and skip 5 stack frames.
	l := dslog.NewGoKitWithWriter(logFormat, log.NewSyncWriter(os.Stderr))
	l = log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.Caller(5))

	// Must put the level filter last for efficiency.
	return level.NewFilter(l, logLevel.Option)
}

// The various modules that make up fleetsync
const (
	All           = "all"
	Storage       = "storage"
	Engine        = "engine"
	OpAmp         = "opamp"
	Admin         = "admin"
	ServerService = "server"
)

type FleetSync struct {
	logger *slog.Logger
	cfg    config.Config

	mm   *modules.Manager
	deps map[string][]string

	registry *prometheus.Registry
	stores   engine.Stores
	engine   *engine.Engine
	opamp    *opamp.Server

	serviceMap map[string]services.Service
	server     *server.Server
	serverConf server.Config
}

func New(cfg config.Config) (*FleetSync, error) {
	lvl, err := logutil.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logutil.SetLevel(lvl)

	f := &FleetSync{
		logger:   slog.Default(),
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
	}
	f.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	conf := server.Config{
		MetricsNamespace:              "fleetsync",
		HTTPListenAddress:             cfg.HTTP.ListenAddress,
		HTTPListenPort:                cfg.HTTP.ListenPort,
		GRPCListenAddress:             cfg.HTTP.ListenAddress,
		DoNotAddDefaultHTTPMiddleware: true,
		RegisterInstrumentation:       true,
		Registerer:                    f.registry,
		Gatherer:                      f.registry,
		LogFormat:                     dslog.LogfmtFormat,
	}
	// dskit has no trace level
	dsLevel := strings.ToLower(cfg.LogLevel)
	if dsLevel == "trace" {
		dsLevel = "debug"
	}
	if err := conf.LogLevel.Set(dsLevel); err != nil {
		return nil, err
	}
	conf.Log = initLogger(conf.LogFormat, conf.LogLevel)

	srv, err := server.New(conf)
	if err != nil {
		return nil, err
	}
	f.server = srv
	f.serverConf = conf

	if err := f.setupModuleManager(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FleetSync) setupModuleManager() error {
	mm := modules.NewManager(f.serverConf.Log)
	mm.RegisterModule(All, nil)

	mm.RegisterModule(Storage, func() (services.Service, error) {
		storeSvc, err := storagesvc.NewStorageService(
			f.logger.With("service", Storage),
			f.cfg.StoragePath,
		)
		if err != nil {
			return nil, err
		}
		f.stores = engine.NewStores(f.logger.With("service", Storage), storeSvc)
		return storeSvc, nil
	}, modules.UserInvisibleModule)

	mm.RegisterModule(Engine, func() (services.Service, error) {
		ec, err := f.cfg.EngineConfig()
		if err != nil {
			return nil, err
		}
		eng, err := engine.New(f.logger.With("service", Engine), ec, f.stores, f.registry)
		if err != nil {
			return nil, err
		}
		f.engine = eng
		return services.NewIdleService(f.loadCatalogs, nil), nil
	}, modules.UserInvisibleModule)

	mm.RegisterModule(OpAmp, func() (services.Service, error) {
		f.opamp = opamp.NewServer(
			f.logger.With("service", OpAmp),
			f.engine,
			f.cfg.OpAMP.ListenAddress,
		)
		return f.opamp, nil
	})

	mm.RegisterModule(Admin, func() (services.Service, error) {
		srv := admin.NewServer(
			f.logger.With("service", Admin),
			f.engine,
			f.opamp,
		)
		srv.ConfigureHTTP(f.server.HTTP)
		return srv, nil
	})

	mm.RegisterModule(ServerService, func() (services.Service, error) {
		servicesToWaitFor := func() []services.Service {
			svs := []services.Service(nil)
			for m, s := range f.serviceMap {
				// Server should not wait for itself.
				if m != ServerService {
					svs = append(svs, s)
				}
			}
			return svs
		}
		f.server.HTTPServer.Handler = middleware.Merge().Wrap(f.server.HTTP)
		s := f.newServerService(servicesToWaitFor)
		corsHandler := cors.New(cors.Options{
			AllowedOrigins: f.cfg.HTTP.CORSOrigins,
			AllowedMethods: []string{
				http.MethodGet, http.MethodPost, http.MethodPut,
				http.MethodPatch, http.MethodDelete, http.MethodOptions,
			},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}).Handler(f.server.HTTPServer.Handler)
		f.server.HTTPServer.Handler = h2c.NewHandler(corsHandler, &http2.Server{})
		return s, nil
	}, modules.UserInvisibleModule)

	deps := map[string][]string{
		All:           {ServerService},
		ServerService: {Admin, OpAmp},
		Admin:         {OpAmp, Engine},
		OpAmp:         {Engine},
		Engine:        {Storage},
	}
	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	f.mm = mm
	f.deps = deps
	allDeps := f.mm.DependenciesForModule(All)
	for _, m := range f.mm.UserVisibleModuleNames() {
		f.logger.With("module", m, "in_all", slices.Contains(allDeps, m)).Debug("registered module")
	}
	return nil
}

// loadCatalogs reads the stored catalogs, then applies the files named in the
// configuration on top of them.
func (f *FleetSync) loadCatalogs(ctx context.Context) error {
	if err := f.engine.Load(ctx); err != nil {
		return err
	}
	if len(f.cfg.DefaultRemoteConfig) > 0 {
		cfg, err := config.LoadRemoteConfig(f.cfg.DefaultRemoteConfig)
		if err != nil {
			return err
		}
		if _, err := f.engine.RemoteConfigs().SetDefault(ctx, cfg); err != nil {
			return err
		}
		f.logger.With("files", len(cfg.GetConfigMap())).Info("loaded default remote config")
	}
	if f.cfg.PackageCatalog != "" {
		pkgs, err := config.LoadPackageCatalog(f.cfg.PackageCatalog)
		if err != nil {
			return err
		}
		if _, err := f.engine.Packages().Set(ctx, pkgs); err != nil {
			return err
		}
		f.logger.With("packages", len(pkgs)).Info("loaded package catalog")
	}
	return nil
}

func (f *FleetSync) Run(ctx context.Context) error {
	svcMap, err := f.mm.InitModuleServices(All)
	if err != nil {
		return err
	}
	f.serviceMap = svcMap

	mgr, err := services.NewManager(slices.Collect(maps.Values(svcMap))...)
	if err != nil {
		f.logger.With("err", err).Error("failed to start service manager")
		return err
	}

	servicesFailed := func(service services.Service) {
		mgr.StopAsync()

		for m, s := range svcMap {
			if s != service {
				continue
			}
			l := f.logger.With("module", m, "error", service.FailureCase())
			if service.FailureCase() == modules.ErrStopProcess {
				l.Info("received stop signal via return error")
			} else {
				l.Error("module failed")
			}
			return
		}
		f.logger.With("module", "unknown", "error", service.FailureCase()).Error("module failed")
	}

	mgr.AddListener(services.NewManagerListener(
		func() {},
		func() {},
		servicesFailed,
	))

	handler := signals.NewHandler(f.serverConf.Log)
	go func() {
		handler.Loop()
		mgr.StopAsync()
	}()
	go func() {
		<-ctx.Done()
		handler.Stop()
	}()
	printRoutes(f.server.HTTP, f.logger)
	var stopErr error
	if err := mgr.StartAsync(ctx); err == nil {
		stopErr = mgr.AwaitStopped(context.Background())
	}
	if stopErr != nil {
		return stopErr
	}

	if failed := mgr.ServicesByState()[services.Failed]; len(failed) > 0 {
		for _, s := range failed {
			if s.FailureCase() != modules.ErrStopProcess {
				// Details were reported via failure listener before
				return fmt.Errorf("services failed")
			}
		}
	}
	return nil
}

// newServerService wraps the dskit server in a service. servicesToWaitFor is called
// when the server is stopping and returns every service that must terminate before
// the listeners close.
func (f *FleetSync) newServerService(servicesToWaitFor func() []services.Service) services.Service {
	l := f.logger.With("service", ServerService)
	serverDone := make(chan error, 1)

	runFn := func(ctx context.Context) error {
		go func() {
			defer close(serverDone)
			l.With(
				"http-addr", fmt.Sprintf("%s:%d", f.serverConf.HTTPListenAddress, f.serverConf.HTTPListenPort),
				"opamp-addr", f.cfg.OpAMP.ListenAddress,
			).Info("running")
			serverDone <- f.server.Run()
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil {
				return fmt.Errorf("server stopped unexpectedly: %w", err)
			}
			return nil
		}
	}

	stoppingFn := func(_ error) error {
		// wait until all modules are done, and then shutdown server.
		for _, s := range servicesToWaitFor() {
			_ = s.AwaitTerminated(context.Background())
		}

		// shutdown HTTP and gRPC servers (this also unblocks Run)
		f.server.Shutdown()

		// if not closed yet, wait until server stops.
		<-serverDone
		l.Info("server stopped")
		return nil
	}

	return services.NewBasicService(nil, runFn, stoppingFn)
}
