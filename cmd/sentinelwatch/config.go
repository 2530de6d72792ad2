package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mediocregopher/sentinel"
	"github.com/mediocregopher/sentinel/metrics"
	"github.com/mediocregopher/sentinel/pipe"
)

const envPrefix = "SENTINELWATCH"

// Config is the fully validated configuration of sentinelwatch.
type Config struct {
	Group     string
	Sentinels []sentinel.Endpoint
	ScanPeers bool

	GraceWindow         time.Duration
	HealthCheckInterval time.Duration
	RefreshInterval     time.Duration
	BackoffBase         time.Duration
	BackoffMax          time.Duration

	// Manager is either "pool" or "pipe".
	Manager string

	// DB, if not zero, is selected on every primary and replica connection.
	DB int

	HTTPAddr string
	LogLevel slog.Level
}

func registerFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a config file (yaml, json or toml)")
	fs.String("group", "", "Name of the primary group the sentinels monitor")
	fs.StringSlice("sentinels", nil, "Sentinel addresses, as host[:port] or redis:// URLs")
	fs.Bool("scan-peers", true, "Add sentinels which are discovered through other sentinels")
	fs.Duration("grace-window", time.Second, "How long a replaced manager is kept open")
	fs.Duration("health-check-interval", 10*time.Second, "Interval between PINGs on the notification stream, zero disables")
	fs.Duration("refresh-interval", 30*time.Second, "Interval between periodic rediscoveries, zero disables")
	fs.Duration("backoff-base", 250*time.Millisecond, "Delay after the first failed discovery")
	fs.Duration("backoff-max", 10*time.Second, "Maximum delay between failed discoveries")
	fs.String("manager", "pool", "Manager implementation to use, pool or pipe")
	fs.Int("db", 0, "Database to select on the primary and replicas")
	fs.String("http-addr", ":9121", "Address to serve /metrics and /topology on, empty disables")
	fs.String("log-level", "info", "Log level: debug, info, warn or error")
}

// newViper returns a viper instance reading from the given flags, from
// SENTINELWATCH_ prefixed environment variables and, if one is given, from a
// config file.
func newViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
	}
	return v, nil
}

// LoadConfig reads and validates a Config out of the given viper instance.
func LoadConfig(v *viper.Viper) (Config, error) {
	c := Config{
		Group:               v.GetString("group"),
		ScanPeers:           v.GetBool("scan-peers"),
		GraceWindow:         v.GetDuration("grace-window"),
		HealthCheckInterval: v.GetDuration("health-check-interval"),
		RefreshInterval:     v.GetDuration("refresh-interval"),
		BackoffBase:         v.GetDuration("backoff-base"),
		BackoffMax:          v.GetDuration("backoff-max"),
		Manager:             strings.ToLower(v.GetString("manager")),
		DB:                  v.GetInt("db"),
		HTTPAddr:            v.GetString("http-addr"),
	}

	if c.Group == "" {
		return Config{}, fmt.Errorf("%w: group is required", sentinel.ErrInvalidConfig)
	}

	addrs := v.GetStringSlice("sentinels")
	if len(addrs) == 0 {
		return Config{}, fmt.Errorf("%w: at least one sentinel address is required", sentinel.ErrInvalidConfig)
	}
	var err error
	if c.Sentinels, err = sentinel.ParseEndpoints(addrs, sentinel.DefaultSentinelPort); err != nil {
		return Config{}, err
	}

	switch c.Manager {
	case "", "pool":
		c.Manager = "pool"
	case "pipe":
	default:
		return Config{}, fmt.Errorf("%w: unknown manager %q", sentinel.ErrInvalidConfig, c.Manager)
	}

	if c.DB < 0 {
		return Config{}, fmt.Errorf("%w: db must not be negative", sentinel.ErrInvalidConfig)
	} else if c.BackoffBase <= 0 {
		return Config{}, fmt.Errorf("%w: backoff-base must be positive", sentinel.ErrInvalidConfig)
	} else if c.BackoffMax > 0 && c.BackoffMax < c.BackoffBase {
		return Config{}, fmt.Errorf("%w: backoff-max must not be less than backoff-base", sentinel.ErrInvalidConfig)
	}

	if lvl := v.GetString("log-level"); lvl != "" {
		if err := c.LogLevel.UnmarshalText([]byte(lvl)); err != nil {
			return Config{}, fmt.Errorf("%w: log-level: %w", sentinel.ErrInvalidConfig, err)
		}
	}

	return c, nil
}

// Opts returns the sentinel options described by the Config. col may be nil,
// in which case nothing is recorded.
func (c Config) Opts(logger *slog.Logger, col *metrics.Collector) []sentinel.Opt {
	opts := []sentinel.Opt{
		sentinel.WithLogger(logger),
		sentinel.WithScanForPeers(c.ScanPeers),
		sentinel.WithGraceWindow(c.GraceWindow),
		sentinel.WithHealthCheckInterval(c.HealthCheckInterval),
		sentinel.WithRefreshInterval(c.RefreshInterval),
		sentinel.WithBackoff(sentinel.ExponentialBackoff{Base: c.BackoffBase, Max: c.BackoffMax}),
		sentinel.WithOnWorkerError(func(err error) {
			logger.Debug("background error", "err", err)
		}),
	}

	if c.DB != 0 {
		db := c.DB
		opts = append(opts, sentinel.WithHostFilter(func(e sentinel.Endpoint) sentinel.Endpoint {
			e.DB = db
			return e
		}))
	}

	var poolOpts []sentinel.PoolOpt
	if col != nil {
		opts = append(opts, sentinel.WithTrace(col.SentinelTrace(c.Group)))
		poolOpts = append(poolOpts, sentinel.PoolWithTrace(col.PoolTrace()))
	}

	switch c.Manager {
	case "pipe":
		opts = append(opts, sentinel.WithManagerFunc(pipe.ManagerFunc(pipe.Opts{})))
	default:
		opts = append(opts, sentinel.WithManagerFunc(sentinel.PoolManagerFunc(poolOpts...)))
	}
	return opts
}
