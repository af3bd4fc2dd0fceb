// Package config loads layered service configuration.
//
// Precedence, lowest first: built-in defaults, the config file, GEOSCHEM_*
// environment variables, runtime overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppName names the binary, the config file and the data directory.
const AppName = "geoschem"

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "GEOSCHEM_"

// ConfigFileEnv points at an explicit config file.
const ConfigFileEnv = EnvPrefix + "CONFIG"

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Health   HealthConfig   `mapstructure:"health"`
	AWS      AWSConfig      `mapstructure:"aws"`
	Store    StoreConfig    `mapstructure:"store"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Compute  ComputeConfig  `mapstructure:"compute"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Events   EventsConfig   `mapstructure:"events"`
	Quota    QuotaConfig    `mapstructure:"quota"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures the server logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// HealthConfig toggles the /health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AWSConfig is shared by every AWS-backed collaborator.
type AWSConfig struct {
	Region   string `mapstructure:"region"`
	Profile  string `mapstructure:"profile"`
	Endpoint string `mapstructure:"endpoint"`
}

// StoreConfig selects the metadata store.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	Table   string `mapstructure:"table"`
}

// StorageConfig selects object storage.
type StorageConfig struct {
	Backend        string `mapstructure:"backend"`
	Bucket         string `mapstructure:"bucket"`
	BaseDir        string `mapstructure:"base_dir"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// ComputeConfig configures the compute backend and dispatch tables.
type ComputeConfig struct {
	Queues         map[string]string `mapstructure:"queues"`
	JobDefinitions map[string]string `mapstructure:"job_definitions"`
	DescribeRate   float64           `mapstructure:"describe_rate"`
	CallTimeout    time.Duration     `mapstructure:"call_timeout"`
}

// WorkflowConfig selects the workflow engine and tunes the loop.
type WorkflowConfig struct {
	Engine          string        `mapstructure:"engine"`
	StateMachineArn string        `mapstructure:"state_machine_arn"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	PollJitter      time.Duration `mapstructure:"poll_jitter"`
	MaxWallClock    time.Duration `mapstructure:"max_wall_clock"`
}

// EventsConfig selects the status-event publisher.
type EventsConfig struct {
	Backend   string `mapstructure:"backend"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
	Stream    string `mapstructure:"stream"`
	MaxLen    int64  `mapstructure:"max_len"`
}

// QuotaConfig bounds concurrent simulations per user.
type QuotaConfig struct {
	MaxActivePerUser int `mapstructure:"max_active_per_user"`
}

// Backend names.
const (
	StoreFile     = "file"
	StoreSQLite   = "sqlite"
	StoreDynamoDB = "dynamodb"

	StorageS3   = "s3"
	StorageFile = "file"

	EngineLocal         = "local"
	EngineStepFunctions = "stepfunctions"

	EventsNone  = "none"
	EventsRedis = "redis"
)

// EnvSpec maps one environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// Load builds the configuration and makes it the current one.
//
// Each overrides map is nested like the config file and wins over every
// other source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Store.Path == "" && cfg.Store.Backend != StoreDynamoDB {
		cfg.Store.Path = defaultStorePath(cfg.Store.Backend)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("health.enabled", true)

	v.SetDefault("aws.region", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("aws.endpoint", "")

	v.SetDefault("store.backend", StoreFile)
	v.SetDefault("store.path", "")
	v.SetDefault("store.table", "geoschem-simulations")

	v.SetDefault("storage.backend", StorageS3)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.base_dir", "")
	v.SetDefault("storage.force_path_style", false)

	v.SetDefault("compute.queues", map[string]string{
		"arm64":  "geoschem-arm64",
		"x86_64": "geoschem-x86",
	})
	v.SetDefault("compute.job_definitions", map[string]string{
		"gc_classic": "geoschem-classic",
		"gchp":       "geoschem-gchp",
	})
	v.SetDefault("compute.describe_rate", 5.0)
	v.SetDefault("compute.call_timeout", "30s")

	v.SetDefault("workflow.engine", EngineLocal)
	v.SetDefault("workflow.state_machine_arn", "")
	v.SetDefault("workflow.poll_interval", "60s")
	v.SetDefault("workflow.poll_jitter", "0s")
	v.SetDefault("workflow.max_wall_clock", "48h")

	v.SetDefault("events.backend", EventsNone)
	v.SetDefault("events.redis_addr", "localhost:6379")
	v.SetDefault("events.redis_db", 0)
	v.SetDefault("events.stream", "geoschem:status")
	v.SetDefault("events.max_len", 0)

	v.SetDefault("quota.max_active_per_user", 5)
}

// readConfigFile merges an explicit file, or the first geoschem.yaml found
// in the working directory or the user config directory.
func readConfigFile(v *viper.Viper) error {
	if path := os.Getenv(ConfigFileEnv); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName(AppName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, AppName))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func getEnvSpecs() []EnvSpec {
	return []EnvSpec{
		{EnvPrefix + "HOST", "server.host"},
		{EnvPrefix + "PORT", "server.port"},
		{EnvPrefix + "READ_TIMEOUT", "server.read_timeout"},
		{EnvPrefix + "WRITE_TIMEOUT", "server.write_timeout"},
		{EnvPrefix + "IDLE_TIMEOUT", "server.idle_timeout"},
		{EnvPrefix + "SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{EnvPrefix + "LOG_LEVEL", "logging.level"},
		{EnvPrefix + "LOG_PROFILE", "logging.profile"},
		{EnvPrefix + "METRICS_ENABLED", "metrics.enabled"},
		{EnvPrefix + "HEALTH_ENABLED", "health.enabled"},
		{EnvPrefix + "AWS_REGION", "aws.region"},
		{EnvPrefix + "AWS_PROFILE", "aws.profile"},
		{EnvPrefix + "AWS_ENDPOINT", "aws.endpoint"},
		{EnvPrefix + "STORE_BACKEND", "store.backend"},
		{EnvPrefix + "STORE_PATH", "store.path"},
		{EnvPrefix + "STORE_TABLE", "store.table"},
		{EnvPrefix + "STORAGE_BACKEND", "storage.backend"},
		{EnvPrefix + "STORAGE_BUCKET", "storage.bucket"},
		{EnvPrefix + "STORAGE_BASE_DIR", "storage.base_dir"},
		{EnvPrefix + "STORAGE_FORCE_PATH_STYLE", "storage.force_path_style"},
		{EnvPrefix + "COMPUTE_DESCRIBE_RATE", "compute.describe_rate"},
		{EnvPrefix + "COMPUTE_CALL_TIMEOUT", "compute.call_timeout"},
		{EnvPrefix + "WORKFLOW_ENGINE", "workflow.engine"},
		{EnvPrefix + "STATE_MACHINE_ARN", "workflow.state_machine_arn"},
		{EnvPrefix + "POLL_INTERVAL", "workflow.poll_interval"},
		{EnvPrefix + "POLL_JITTER", "workflow.poll_jitter"},
		{EnvPrefix + "MAX_WALL_CLOCK", "workflow.max_wall_clock"},
		{EnvPrefix + "EVENTS_BACKEND", "events.backend"},
		{EnvPrefix + "REDIS_ADDR", "events.redis_addr"},
		{EnvPrefix + "REDIS_DB", "events.redis_db"},
		{EnvPrefix + "EVENTS_STREAM", "events.stream"},
		{EnvPrefix + "QUOTA_MAX_ACTIVE", "quota.max_active_per_user"},
	}
}

// defaultStorePath places local stores under the platform data directory.
func defaultStorePath(backend string) string {
	dir := gfconfig.GetAppDataDir(AppName)
	if backend == StoreSQLite {
		return filepath.Join(dir, "simulations.db")
	}
	return filepath.Join(dir, "simulations")
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
