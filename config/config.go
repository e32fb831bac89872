package config

import (
	"errors"
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	RegistryStatic = "static"
	RegistryHTTP   = "http"
)

const (
	CacheMemory = "memory"
	CacheBolt   = "bolt"
)

type ServerConfig struct {
	Address     string `mapstructure:"address"`
	Environment string `mapstructure:"environment"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	AddSource bool   `mapstructure:"add_source"`
}

type SelectorConfig struct {
	ServiceType            string   `mapstructure:"service_type"`
	Whitelist              []string `mapstructure:"whitelist"`
	Blacklist              []string `mapstructure:"blacklist"`
	ReselectTimeout        string   `mapstructure:"reselect_timeout"`
	RequestTimeout         string   `mapstructure:"request_timeout"`
	RegressedModeTimeout   string   `mapstructure:"regressed_mode_timeout"`
	UnhealthyBlockDiff     int64    `mapstructure:"unhealthy_block_diff"`
	UnhealthySlotDiffPlays *int64   `mapstructure:"unhealthy_slot_diff_plays"`
	WatchInterval          string   `mapstructure:"watch_interval"`
}

type NodeConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	SPID     uint64 `mapstructure:"sp_id"`
	Owner    string `mapstructure:"owner"`
}

type RegistryConfig struct {
	Type            string       `mapstructure:"type"`
	URL             string       `mapstructure:"url"`
	RefreshInterval string       `mapstructure:"refresh_interval"`
	MaxRetries      uint         `mapstructure:"max_retries"`
	CurrentVersion  string       `mapstructure:"current_version"`
	Versions        []string     `mapstructure:"versions"`
	Nodes           []NodeConfig `mapstructure:"nodes"`
}

type CacheConfig struct {
	Type string `mapstructure:"type"`
	Path string `mapstructure:"path"`
	Size int    `mapstructure:"size"`
	Key  string `mapstructure:"key"`
}

type GatewayConfig struct {
	MaxFailures  int    `mapstructure:"max_failures"`
	ResetTimeout string `mapstructure:"reset_timeout"`
	ProxyTimeout string `mapstructure:"proxy_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Selector SelectorConfig `mapstructure:"selector"`
	Registry RegistryConfig `mapstructure:"registry"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

var pathPattern = regexp.MustCompile(`^/[A-Za-z0-9_/-]*$`)

// Flags registers the command line flags understood by Load.
func Flags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "path to a config file (default ./config/config.yaml or ./config.yaml)")
	fs.String("server.address", "", "listen address, overrides the config file")
	fs.String("logging.level", "", "log level, overrides the config file")
}

// Load reads the configuration with no command line overrides.
func Load() (*Config, error) {
	return LoadWithFlags(nil)
}

// LoadWithFlags reads defaults, then the config file, then environment
// variables, then any flags set on fs, and validates the result.
func LoadWithFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	if fs != nil {
		if path, _ := fs.GetString("config"); path != "" {
			v.SetConfigFile(path)
		}
		for _, key := range []string{"server.address", "logging.level"} {
			if f := fs.Lookup(key); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Warn("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("selector.service_type", "discovery-node")
	v.SetDefault("selector.reselect_timeout", "10m")
	v.SetDefault("selector.request_timeout", "5s")
	v.SetDefault("selector.regressed_mode_timeout", "2m")
	v.SetDefault("selector.unhealthy_block_diff", 15)
	v.SetDefault("selector.watch_interval", "1m")
	v.SetDefault("registry.type", RegistryStatic)
	v.SetDefault("registry.url", "")
	v.SetDefault("registry.current_version", "")
	v.SetDefault("registry.refresh_interval", "30s")
	v.SetDefault("registry.max_retries", 3)
	v.SetDefault("cache.type", CacheMemory)
	v.SetDefault("cache.path", "")
	v.SetDefault("cache.size", 128)
	v.SetDefault("cache.key", "node-selector:selection")
	v.SetDefault("gateway.max_failures", 5)
	v.SetDefault("gateway.reset_timeout", "30s")
	v.SetDefault("gateway.proxy_timeout", "30s")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Duration parses a validated duration string. Validate guarantees the
// configured durations parse.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.Selector,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(SelectorConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a SelectorConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.ServiceType, validation.Required),
					validation.Field(&sc.Whitelist, validation.Each(validation.By(validateServerURL))),
					validation.Field(&sc.Blacklist, validation.Each(validation.By(validateServerURL))),
					validation.Field(&sc.ReselectTimeout, validation.Required, validation.By(validateDuration)),
					validation.Field(&sc.RequestTimeout, validation.Required, validation.By(validateDuration)),
					validation.Field(&sc.RegressedModeTimeout, validation.Required, validation.By(validateDuration)),
					validation.Field(&sc.UnhealthyBlockDiff, validation.Min(int64(0))),
					validation.Field(&sc.UnhealthySlotDiffPlays, validation.Min(int64(0))),
					validation.Field(&sc.WatchInterval, validation.Required, validation.By(validateDuration)),
				)
			}),
		),
		validation.Field(&c.Registry,
			validation.Required,
			validation.By(func(value interface{}) error {
				rc, ok := value.(RegistryConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a RegistryConfig")
				}
				static := rc.Type == RegistryStatic
				return validation.ValidateStruct(&rc,
					validation.Field(&rc.Type,
						validation.Required,
						validation.In(RegistryStatic, RegistryHTTP),
					),
					validation.Field(&rc.URL,
						validation.When(rc.Type == RegistryHTTP, validation.Required, validation.By(validateServerURL)),
					),
					validation.Field(&rc.RefreshInterval, validation.Required, validation.By(validateDuration)),
					validation.Field(&rc.CurrentVersion, validation.When(static, validation.Required)),
					validation.Field(&rc.Nodes,
						validation.When(static, validation.Required, validation.Length(1, 0)),
						validation.Each(validation.By(validateNodeConfig)),
					),
				)
			}),
		),
		validation.Field(&c.Cache,
			validation.Required,
			validation.By(func(value interface{}) error {
				cc, ok := value.(CacheConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a CacheConfig")
				}
				return validation.ValidateStruct(&cc,
					validation.Field(&cc.Type,
						validation.Required,
						validation.In(CacheMemory, CacheBolt),
					),
					validation.Field(&cc.Path, validation.When(cc.Type == CacheBolt, validation.Required)),
					validation.Field(&cc.Size, validation.Min(0)),
					validation.Field(&cc.Key, validation.Required),
				)
			}),
		),
		validation.Field(&c.Gateway,
			validation.Required,
			validation.By(func(value interface{}) error {
				gc, ok := value.(GatewayConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a GatewayConfig")
				}
				return validation.ValidateStruct(&gc,
					validation.Field(&gc.MaxFailures, validation.Required, validation.Min(1)),
					validation.Field(&gc.ResetTimeout, validation.Required, validation.By(validateDuration)),
					validation.Field(&gc.ProxyTimeout, validation.Required, validation.By(validateDuration)),
				)
			}),
		),
		validation.Field(&c.Metrics,
			validation.By(func(value interface{}) error {
				mc, ok := value.(MetricsConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a MetricsConfig")
				}
				return validation.ValidateStruct(&mc,
					validation.Field(&mc.Path,
						validation.When(mc.Enabled, validation.Required, validation.Match(pathPattern)),
					),
				)
			}),
		),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	d, err := time.ParseDuration(durationStr)
	if err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}
	if d <= 0 {
		return validation.NewError("validation_invalid_duration", "must be positive")
	}

	return nil
}

func validateServerURL(value interface{}) error {
	serverURL, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if serverURL == "" {
		return validation.NewError("validation_empty_url", "server URL cannot be empty")
	}

	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	return nil
}

func validateNodeConfig(value interface{}) error {
	node, ok := value.(NodeConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a NodeConfig")
	}

	return validateServerURL(node.Endpoint)
}
