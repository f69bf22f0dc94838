// Package config loads the daemon configuration.
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional YAML file, and WORKSPACED_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/workflows"
)

const EnvPrefix = "WORKSPACED_"

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"

	BrokerSimulated = "simulated"
	BrokerRemote    = "remote"
)

type Config struct {
	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
	Worker     WorkerConfig     `yaml:"worker"`
	Repository RepositoryConfig `yaml:"repository"`
	Queue      QueueConfig      `yaml:"queue"`
	Broker     BrokerConfig     `yaml:"broker"`
	Retry      RetryConfig      `yaml:"retry"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Start      StartConfig      `yaml:"start"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Shutdown   ShutdownConfig   `yaml:"shutdown"`
	SKUs       []workflows.SKU  `yaml:"skus"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type WorkerConfig struct {
	Count        int           `yaml:"count"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// Visibility is how long a dequeued job stays leased before another
	// worker may pick it up again.
	Visibility  time.Duration `yaml:"visibility"`
	StepTimeout time.Duration `yaml:"step_timeout"`
}

type RepositoryConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type QueueConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// BrokerConfig selects the resource broker and the collaborators that come
// with it. The simulated mode runs sessions and heartbeats in process.
type BrokerConfig struct {
	Mode          string        `yaml:"mode"`
	URL           string        `yaml:"url"`
	SessionsURL   string        `yaml:"sessions_url"`
	HeartbeatsURL string        `yaml:"heartbeats_url"`
	Timeout       time.Duration `yaml:"timeout"`
	// SessionBaseURI prefixes in-process session service URIs.
	SessionBaseURI string `yaml:"session_base_uri"`
}

type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
}

type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

type StartConfig struct {
	ResourcePollInterval time.Duration `yaml:"resource_poll_interval"`
	StartPollInterval    time.Duration `yaml:"start_poll_interval"`
	PrivilegedIdentity   string        `yaml:"privileged_identity"`
}

type ArchiveConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BlobSKU      string        `yaml:"blob_sku"`
	DiskArchival bool          `yaml:"disk_archival"`
}

type ShutdownConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	DynamicArchival bool          `yaml:"dynamic_archival"`
	ArchiveAfter    time.Duration `yaml:"archive_after"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Worker: WorkerConfig{
			Count:        4,
			PollInterval: 500 * time.Millisecond,
			Visibility:   5 * time.Minute,
			StepTimeout:  2 * time.Minute,
		},
		Repository: RepositoryConfig{Driver: DriverMemory},
		Queue: QueueConfig{
			Driver:      DriverMemory,
			RedisPrefix: "workspaced",
		},
		Broker: BrokerConfig{
			Mode:           BrokerSimulated,
			Timeout:        30 * time.Second,
			SessionBaseURI: "https://sessions.local",
		},
		Retry: RetryConfig{
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			MaxAttempts:     8,
		},
		Tracing: TracingConfig{ServiceName: "workspaced"},
		Start: StartConfig{
			ResourcePollInterval: 10 * time.Second,
			StartPollInterval:    time.Second,
		},
		Archive: ArchiveConfig{
			PollInterval: 30 * time.Second,
			BlobSKU:      "Archive_LRS",
		},
		Shutdown: ShutdownConfig{
			PollInterval: 5 * time.Second,
			ArchiveAfter: 7 * 24 * time.Hour,
		},
		SKUs: []workflows.SKU{
			{Name: "standardLinux", ComputeSKU: "Standard_D4s_v3", StorageSKU: "Premium_LRS_64"},
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv overrides fields from WORKSPACED_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LOG_LEVEL":           &c.Log.Level,
		"LOG_FORMAT":          &c.Log.Format,
		"HTTP_ADDR":           &c.HTTP.Addr,
		"REPOSITORY_DRIVER":   &c.Repository.Driver,
		"REPOSITORY_DSN":      &c.Repository.DSN,
		"QUEUE_DRIVER":        &c.Queue.Driver,
		"QUEUE_DSN":           &c.Queue.DSN,
		"QUEUE_REDIS_ADDR":    &c.Queue.RedisAddr,
		"BROKER_MODE":         &c.Broker.Mode,
		"BROKER_URL":          &c.Broker.URL,
		"SESSIONS_URL":        &c.Broker.SessionsURL,
		"HEARTBEATS_URL":      &c.Broker.HeartbeatsURL,
		"TRACING_ENDPOINT":    &c.Tracing.Endpoint,
		"PRIVILEGED_IDENTITY": &c.Start.PrivilegedIdentity,
	}
	ints := map[string]*int{
		"WORKER_COUNT":       &c.Worker.Count,
		"RETRY_MAX_ATTEMPTS": &c.Retry.MaxAttempts,
	}
	durations := map[string]*time.Duration{
		"WORKER_POLL_INTERVAL": &c.Worker.PollInterval,
		"WORKER_VISIBILITY":    &c.Worker.Visibility,
	}
	bools := map[string]*bool{
		"TRACING_INSECURE": &c.Tracing.Insecure,
		"DISK_ARCHIVAL":    &c.Archive.DiskArchival,
		"DYNAMIC_ARCHIVAL": &c.Shutdown.DynamicArchival,
	}

	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	for key, dst := range ints {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	for key, dst := range durations {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = d
		}
	}

	for key, dst := range bools {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
	}

	return nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Repository.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Repository.DSN == "" {
			errs = append(errs, fmt.Errorf("repository.dsn is required for driver %q", c.Repository.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown repository.driver %q", c.Repository.Driver))
	}

	switch c.Queue.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Queue.DSN == "" && c.Repository.Driver != DriverPostgres {
			errs = append(errs, errors.New("queue.dsn is required unless the repository is postgres"))
		}
	case DriverRedis:
		if c.Queue.RedisAddr == "" {
			errs = append(errs, errors.New("queue.redis_addr is required for the redis queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue.driver %q", c.Queue.Driver))
	}

	switch c.Broker.Mode {
	case BrokerSimulated:
	case BrokerRemote:
		for name, url := range map[string]string{
			"broker.url":            c.Broker.URL,
			"broker.sessions_url":   c.Broker.SessionsURL,
			"broker.heartbeats_url": c.Broker.HeartbeatsURL,
		} {
			if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
				errs = append(errs, fmt.Errorf("%s must be an http(s) URL in remote mode", name))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broker.mode %q", c.Broker.Mode))
	}

	if c.Worker.Count < 1 {
		errs = append(errs, errors.New("worker.count must be at least 1"))
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("worker.poll_interval must be positive"))
	}
	if c.Worker.Visibility <= c.Worker.StepTimeout {
		errs = append(errs, errors.New("worker.visibility must exceed worker.step_timeout"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Shutdown.DynamicArchival && c.Shutdown.ArchiveAfter <= 0 {
		errs = append(errs, errors.New("shutdown.archive_after must be positive with dynamic archival"))
	}
	if len(c.SKUs) == 0 {
		errs = append(errs, errors.New("at least one sku is required"))
	}

	seen := make(map[string]bool, len(c.SKUs))
	for _, sku := range c.SKUs {
		switch {
		case sku.Name == "":
			errs = append(errs, errors.New("sku name is required"))
		case seen[sku.Name]:
			errs = append(errs, fmt.Errorf("duplicate sku %q", sku.Name))
		case sku.ComputeSKU == "":
			errs = append(errs, fmt.Errorf("sku %q has no compute_sku", sku.Name))
		case sku.StorageSKU == "" && sku.OSDiskSKU == "":
			errs = append(errs, fmt.Errorf("sku %q needs storage_sku or os_disk_sku", sku.Name))
		}
		seen[sku.Name] = true
	}

	return errors.Join(errs...)
}
