// Package config loads agent configuration with viper.
//
// Precedence, highest first: runtime overrides, PUSHDEPLOY_* environment
// variables, defaults. There is no config file; the manifest configures
// the deploy target and the environment configures the agent process.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// envPrefix namespaces all agent environment variables.
const envPrefix = "PUSHDEPLOY"

// Config is the agent process configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Health  HealthConfig  `mapstructure:"health"`
	Hooks   HooksConfig   `mapstructure:"hooks"`

	// DataDir holds the job registry and deploy history database.
	DataDir string `mapstructure:"data_dir"`
}

// ServerConfig configures the webhook HTTP server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// HealthConfig configures health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// HooksConfig configures webhook handling.
type HooksConfig struct {
	// Secret is the shared webhook secret. Required for the agent; an
	// unauthenticated deploy endpoint is not supported.
	Secret string `mapstructure:"secret"`

	// QueueSize bounds the trigger buffer.
	QueueSize int `mapstructure:"queue_size"`
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// envSpec maps an environment variable to a config path.
type envSpec struct {
	Name string
	Path string
}

func getEnvSpecs() []envSpec {
	return []envSpec{
		{Name: envPrefix + "_HOST", Path: "server.host"},
		{Name: envPrefix + "_PORT", Path: "server.port"},
		{Name: envPrefix + "_READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: envPrefix + "_WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: envPrefix + "_IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: envPrefix + "_SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: envPrefix + "_LOG_LEVEL", Path: "logging.level"},
		{Name: envPrefix + "_LOG_PROFILE", Path: "logging.profile"},
		{Name: envPrefix + "_HEALTH_ENABLED", Path: "health.enabled"},
		{Name: envPrefix + "_HOOKS_SECRET", Path: "hooks.secret"},
		{Name: envPrefix + "_HOOKS_QUEUE_SIZE", Path: "hooks.queue_size"},
		{Name: envPrefix + "_DATA_DIR", Path: "data_dir"},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("health.enabled", true)

	v.SetDefault("hooks.secret", "")
	v.SetDefault("hooks.queue_size", 16)

	v.SetDefault("data_dir", defaultDataDir())
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pushdeploy"
	}
	return filepath.Join(home, ".pushdeploy")
}

// Load builds the configuration and stores it for GetConfig.
//
// Optional override maps take the highest precedence; they are nested
// maps mirroring the config structure, e.g.
//
//	Load(ctx, map[string]any{"server": map[string]any{"port": 9000}})
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", spec.Name, err)
		}
	}

	// Runtime overrides use Set so they outrank environment variables.
	for _, override := range overrides {
		applyOverrides(v, "", override)
	}

	var cfg Config
	decode := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&cfg, decode); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// applyOverrides flattens nested override maps into viper Set calls.
func applyOverrides(v *viper.Viper, prefix string, values map[string]any) {
	for key, val := range values {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			applyOverrides(v, path, nested)
			continue
		}
		v.Set(path, val)
	}
}

// GetConfig returns the most recently loaded configuration, or nil when
// Load has not run.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}
