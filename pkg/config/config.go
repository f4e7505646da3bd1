// Package config holds the fleetsyncd configuration. Values come from defaults, then
// an optional YAML file, then command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/otelfleet/fleetsync/pkg/engine"
	"github.com/otelfleet/fleetsync/pkg/logutil"
	"github.com/otelfleet/fleetsync/pkg/protocol/capabilities"
	"github.com/otelfleet/fleetsync/pkg/protocol/hashing"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

var (
	ErrNoStoragePath = errors.New("storage path must be set")
	ErrUnknownCaps   = errors.New("unknown server capabilities")
)

type Config struct {
	StoragePath string     `yaml:"storage_path"`
	LogLevel    string     `yaml:"log_level"`
	OpAMP       OpAMP      `yaml:"opamp"`
	HTTP        HTTP       `yaml:"http"`
	Engine      EngineConf `yaml:"engine"`

	// DefaultRemoteConfig lists collector config files offered to every agent
	// without a per-agent assignment. Files are keyed by their base name.
	DefaultRemoteConfig []string `yaml:"default_remote_config"`
	// PackageCatalog is a YAML file describing the packages offered to agents.
	PackageCatalog string `yaml:"package_catalog"`
}

type OpAMP struct {
	ListenAddress string `yaml:"listen_address"`
}

type HTTP struct {
	ListenAddress string   `yaml:"listen_address"`
	ListenPort    int      `yaml:"listen_port"`
	CORSOrigins   []string `yaml:"cors_origins"`
}

type EngineConf struct {
	// Capabilities are server capability names, e.g. AcceptsStatus. Empty means
	// everything the engine implements.
	Capabilities      []string      `yaml:"capabilities"`
	HashAlgorithm     string        `yaml:"hash_algorithm"`
	OverloadLimit     float64       `yaml:"overload_limit"`
	OverloadBurst     int           `yaml:"overload_burst"`
	StorageRetryAfter time.Duration `yaml:"storage_retry_after"`
}

func Default() Config {
	return Config{
		StoragePath: "./data/fleetsync",
		LogLevel:    "info",
		OpAMP: OpAMP{
			ListenAddress: "127.0.0.1:4320",
		},
		HTTP: HTTP{
			ListenAddress: "127.0.0.1",
			ListenPort:    8081,
			CORSOrigins:   []string{"http://localhost:5173"},
		},
		Engine: EngineConf{
			HashAlgorithm:     hashing.Algorithm,
			OverloadLimit:     500,
			OverloadBurst:     1000,
			StorageRetryAfter: 5 * time.Second,
		},
	}
}

// RegisterFlags binds the command line flags to c. Flag defaults are the current
// values of c.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.StoragePath, "storage.path", c.StoragePath, "Directory of the pebble database.")
	fs.StringVar(&c.LogLevel, "log.level", c.LogLevel, "Log level: trace, debug, info, warn or error.")
	fs.StringVar(&c.OpAMP.ListenAddress, "opamp.listen-address", c.OpAMP.ListenAddress, "Address the OpAMP server listens on.")
	fs.StringVar(&c.HTTP.ListenAddress, "http.listen-address", c.HTTP.ListenAddress, "Address of the admin HTTP API.")
	fs.IntVar(&c.HTTP.ListenPort, "http.listen-port", c.HTTP.ListenPort, "Port of the admin HTTP API.")
	fs.StringSliceVar(&c.HTTP.CORSOrigins, "http.cors-origins", c.HTTP.CORSOrigins, "Origins allowed to call the admin API.")
	fs.StringSliceVar(&c.Engine.Capabilities, "engine.capabilities", c.Engine.Capabilities, "Server capabilities to advertise. Empty advertises all.")
	fs.Float64Var(&c.Engine.OverloadLimit, "engine.overload-limit", c.Engine.OverloadLimit, "Agent messages per second admitted before agents are told to back off. 0 disables.")
	fs.IntVar(&c.Engine.OverloadBurst, "engine.overload-burst", c.Engine.OverloadBurst, "Burst of agent messages admitted above the limit.")
	fs.DurationVar(&c.Engine.StorageRetryAfter, "engine.storage-retry-after", c.Engine.StorageRetryAfter, "Retry guidance sent to agents when storage is unavailable.")
	fs.StringSliceVar(&c.DefaultRemoteConfig, "remote-config.default", c.DefaultRemoteConfig, "Collector config files offered to agents without an assignment.")
	fs.StringVar(&c.PackageCatalog, "packages.catalog", c.PackageCatalog, "YAML file listing the packages offered to agents.")
}

// Parse builds the configuration from args. A --config.file flag names a YAML file
// whose values sit between the defaults and the other flags.
func Parse(name string, args []string) (Config, error) {
	cfg := Default()

	pre := pflag.NewFlagSet(name, pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.Usage = func() {}
	file := pre.String("config.file", "", "")
	// errors are reported by the full parse below
	_ = pre.Parse(args)
	if *file != "" {
		if err := cfg.LoadFile(*file); err != nil {
			return cfg, err
		}
	}

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config.file", *file, "YAML configuration file.")
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	if c.StoragePath == "" {
		return ErrNoStoragePath
	}
	if _, err := logutil.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.HTTP.ListenPort < 0 || c.HTTP.ListenPort > 65535 {
		return fmt.Errorf("invalid http listen port %d", c.HTTP.ListenPort)
	}
	ec, err := c.EngineConfig()
	if err != nil {
		return err
	}
	return ec.Validate()
}

// EngineConfig converts the engine section into an engine.Config.
func (c Config) EngineConfig() (engine.Config, error) {
	caps := capabilities.DefaultServer
	if len(c.Engine.Capabilities) > 0 {
		var unknown []string
		caps, unknown = capabilities.ParseServer(c.Engine.Capabilities)
		if len(unknown) > 0 {
			return engine.Config{}, fmt.Errorf("%w: %v", ErrUnknownCaps, unknown)
		}
	}
	return engine.Config{
		Capabilities:      caps,
		HashAlgorithm:     c.Engine.HashAlgorithm,
		OverloadLimit:     c.Engine.OverloadLimit,
		OverloadBurst:     c.Engine.OverloadBurst,
		StorageRetryAfter: c.Engine.StorageRetryAfter,
	}, nil
}
