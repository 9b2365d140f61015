// Package config loads meshd and meshnode configuration from a YAML file and
// MESHSCHED_* environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/meshsched/meshsched/pkg/api"
	"github.com/meshsched/meshsched/pkg/cost"
	"github.com/meshsched/meshsched/pkg/logging"
	"github.com/meshsched/meshsched/pkg/retry"
	"github.com/meshsched/meshsched/pkg/routing"
	"github.com/meshsched/meshsched/pkg/scheduler"
	"github.com/meshsched/meshsched/pkg/store"
	"github.com/meshsched/meshsched/pkg/telemetry"
	"github.com/meshsched/meshsched/pkg/tlsutil"
	"github.com/meshsched/meshsched/pkg/tracing"
	"github.com/meshsched/meshsched/pkg/transport"
)

// EnvPrefix is prepended to every environment override, e.g.
// MESHSCHED_SCHEDULER_ALGORITHM=resource
const EnvPrefix = "MESHSCHED"

// Config is the full configuration tree
type Config struct {
	Scheduler scheduler.Config `mapstructure:"scheduler"`
	Routing   routing.Config   `mapstructure:"routing"`
	Cost      cost.Config      `mapstructure:"cost"`
	API       api.Config       `mapstructure:"api"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Store     store.Config     `mapstructure:"store"`
	Transport transport.Config `mapstructure:"transport"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
	Tracing   tracing.Config   `mapstructure:"tracing"`
	Logging   logging.Config   `mapstructure:"logging"`
	Node      NodeConfig       `mapstructure:"node"`
}

// MetricsConfig controls the Prometheus listener
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// NodeConfig is read by meshnode only
type NodeConfig struct {
	DaemonURL      string                  `mapstructure:"daemon_url"`
	Listen         string                  `mapstructure:"listen"`
	AdvertiseURL   string                  `mapstructure:"advertise_url"` // base URL meshd uses to reach /inbox
	ReportInterval time.Duration           `mapstructure:"report_interval"`
	Sampler        telemetry.SamplerConfig `mapstructure:"sampler"`
	Retry          retry.Config            `mapstructure:"retry"`
	DaemonTLS      tlsutil.Config          `mapstructure:"daemon_tls"` // how meshnode verifies meshd
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	storeConfig := store.Config{
		Type:      "memory",
		Path:      "meshsched.db",
		Retention: 7 * 24 * time.Hour,
	}
	return &Config{
		Scheduler: *scheduler.DefaultConfig(),
		Routing:   *routing.DefaultConfig(),
		Cost:      cost.DefaultConfig(),
		API:       api.DefaultConfig(),
		Metrics:   MetricsConfig{Enabled: true, Listen: ":9090"},
		Store:     storeConfig,
		Transport: transport.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
		Tracing: tracing.Config{
			ServiceName:  "meshd",
			Environment:  "development",
			OTLPEndpoint: "localhost:4318",
		},
		Logging: logging.Config{Level: "info"},
		Node: NodeConfig{
			DaemonURL:      "http://localhost:8080",
			Listen:         ":8081",
			ReportInterval: 10 * time.Second,
			Sampler:        telemetry.DefaultSamplerConfig(""),
			Retry:          retry.DefaultConfig(),
		},
	}
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error
	switch c.Scheduler.Algorithm {
	case scheduler.AlgorithmCostOptimized, scheduler.AlgorithmResource:
	default:
		errs = append(errs, fmt.Errorf("scheduler.algorithm: unknown algorithm %q", c.Scheduler.Algorithm))
	}
	for name, d := range map[string]time.Duration{
		"scheduler.scheduling_interval":          c.Scheduler.SchedulingInterval,
		"scheduler.resource_monitoring_interval": c.Scheduler.ResourceMonitoringInterval,
		"scheduler.cleanup_interval":             c.Scheduler.CleanupInterval,
		"scheduler.default_task_timeout":         c.Scheduler.DefaultTaskTimeout,
		"routing.cleanup_interval":               c.Routing.CleanupInterval,
		"routing.fault_window":                   c.Routing.FaultWindow,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %v", name, d))
		}
	}
	if c.Scheduler.AvailabilityThreshold <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.availability_threshold: must be positive"))
	}
	if c.Routing.FaultThreshold < 1 {
		errs = append(errs, fmt.Errorf("routing.fault_threshold: must be at least 1"))
	}
	switch c.Store.Type {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		errs = append(errs, fmt.Errorf("store.type: %w: %s", store.ErrUnsupportedDatabase, c.Store.Type))
	}
	if c.API.APIKeyHash != "" {
		if err := api.ValidateAPIKeyHash(c.API.APIKeyHash); err != nil {
			errs = append(errs, fmt.Errorf("api.api_key_hash: %w", err))
		}
	}
	switch c.Transport.Type {
	case transport.TypeHTTP, transport.TypeAMQP, transport.TypeLoopback:
	default:
		errs = append(errs, fmt.Errorf("transport.type: unknown transport %q", c.Transport.Type))
	}
	return errors.Join(errs...)
}

// Loader reads configuration through viper and can follow file changes
type Loader struct {
	v *viper.Viper

	mu      sync.RWMutex
	current *Config
}

// NewLoader prepares a loader. An empty path searches ./meshsched.yaml and
// /etc/meshsched/meshsched.yaml; a missing file is not an error.
func NewLoader(path string) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("meshsched")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/meshsched/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, "", toMap(reflect.ValueOf(Default()).Elem()))
	return &Loader{v: v}
}

// Load reads the file (if any) and environment into a validated Config
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	cfg := Default()
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := l.v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Current returns the last successfully loaded config
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// File returns the config file in use, or "" when running on defaults
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Viper exposes the underlying instance
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Watch re-decodes the file on every write and hands valid configs to
// onChange. Invalid edits are reported to onError and otherwise ignored.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	l.v.OnConfigChange(func(in fsnotify.Event) {
		if in.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Dump renders cfg as YAML using the same keys the loader reads
func Dump(cfg *Config) ([]byte, error) {
	return yaml.Marshal(toMap(reflect.ValueOf(cfg).Elem()))
}

var durationType = reflect.TypeOf(time.Duration(0))

// toMap converts a mapstructure-tagged struct into nested maps, rendering
// durations as strings such as "1m30s"
func toMap(v reflect.Value) map[string]interface{} {
	out := make(map[string]interface{})
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" || !field.IsExported() {
			continue
		}
		fv := v.Field(i)
		switch {
		case field.Type == durationType:
			out[tag] = time.Duration(fv.Int()).String()
		case fv.Kind() == reflect.Struct:
			out[tag] = toMap(fv)
		case fv.Kind() == reflect.Slice && fv.IsNil():
			out[tag] = []interface{}{}
		default:
			out[tag] = fv.Interface()
		}
	}
	return out
}

func setDefaults(v *viper.Viper, prefix string, m map[string]interface{}) {
	for key, value := range m {
		if nested, ok := value.(map[string]interface{}); ok {
			setDefaults(v, prefix+key+".", nested)
			continue
		}
		v.SetDefault(prefix+key, value)
	}
}
