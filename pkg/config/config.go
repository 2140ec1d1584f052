// Package config loads the gateway's runtime configuration: the table in
// spec.md §6 (healthCheckInterval, maxConcurrentServices, requestTimeout,
// loadBalancingStrategy, sandbox.*), plus logging and server bind settings.
// Loading follows env-over-default precedence the way
// infrastructure/config/loader.go's EnvOrSecret helper does, but is wired
// through spf13/viper for file+env+default layering instead of one-off
// os.Getenv calls, matching how steveyegge-beads configures itself.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SandboxProfile selects the process isolation policy for stdio transports.
type SandboxProfile string

const (
	SandboxDefault    SandboxProfile = "default"
	SandboxLockedDown SandboxProfile = "locked-down"
)

// SandboxContainer holds the `sandbox.container.*` knobs.
type SandboxContainer struct {
	RequiredForUntrusted bool `mapstructure:"requiredForUntrusted"`
}

// Sandbox holds the gateway-wide sandbox policy knobs from spec.md §6.
type Sandbox struct {
	Profile            SandboxProfile   `mapstructure:"profile"`
	Container          SandboxContainer `mapstructure:"container"`
	AllowedVolumeRoots []string         `mapstructure:"allowed_volume_roots"`
}

// Config is the gateway's fully-resolved runtime configuration.
type Config struct {
	HealthCheckInterval   time.Duration `mapstructure:"health_check_interval"`
	MaxConcurrentServices int           `mapstructure:"max_concurrent_services"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	LoadBalancingStrategy string        `mapstructure:"load_balancing_strategy"`
	Sandbox               Sandbox       `mapstructure:"sandbox"`
	TemplatesDir          string        `mapstructure:"templates_dir"`
	ListenAddr            string        `mapstructure:"listen_addr"`
	LogLevel              string        `mapstructure:"log_level"`
	LogFormat             string        `mapstructure:"log_format"`
}

// Defaults returns the configuration defaults named in spec.md §6.
func Defaults() Config {
	return Config{
		HealthCheckInterval:   30 * time.Second,
		MaxConcurrentServices: 50,
		RequestTimeout:        30 * time.Second,
		LoadBalancingStrategy: "performance-based",
		Sandbox: Sandbox{
			Profile: SandboxDefault,
		},
		TemplatesDir: "templates",
		ListenAddr:   ":8080",
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// Load reads configuration from an optional file path, environment
// variables (prefixed GATEWAY_), and the defaults above, in ascending
// priority: defaults < file < env.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := Defaults()
	v.SetDefault("health_check_interval", defaults.HealthCheckInterval)
	v.SetDefault("max_concurrent_services", defaults.MaxConcurrentServices)
	v.SetDefault("request_timeout", defaults.RequestTimeout)
	v.SetDefault("load_balancing_strategy", defaults.LoadBalancingStrategy)
	v.SetDefault("sandbox.profile", string(defaults.Sandbox.Profile))
	v.SetDefault("sandbox.container.requiredForUntrusted", defaults.Sandbox.Container.RequiredForUntrusted)
	v.SetDefault("templates_dir", defaults.TemplatesDir)
	v.SetDefault("listen_addr", defaults.ListenAddr)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = defaults.HealthCheckInterval
	}
	if cfg.RequestTimeout < 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.MaxConcurrentServices <= 0 {
		cfg.MaxConcurrentServices = defaults.MaxConcurrentServices
	}

	return cfg, nil
}

// ForceContainer reports whether the container adapter must be used for a
// service, per spec.md §6: locked-down profile forces it unconditionally;
// otherwise it's forced only when the service is untrusted and
// container.requiredForUntrusted is set.
func (c Config) ForceContainer(trusted bool) bool {
	if c.Sandbox.Profile == SandboxLockedDown {
		return true
	}
	return c.Sandbox.Container.RequiredForUntrusted && !trusted
}
