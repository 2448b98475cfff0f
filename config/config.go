package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/tapstream/batch"
	"github.com/c360/tapstream/errors"
	"github.com/c360/tapstream/storage"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TAPSTREAM"

// Defaults.
const (
	DefaultStateMessageFrequency = 10000
	DefaultMaxParallelStreams    = 4
	DefaultMetricsPath           = "/metrics"
	DefaultLogInterval           = time.Minute
)

// StreamConfig binds a catalog stream to its rows.
type StreamConfig struct {
	ID             string   `yaml:"id" json:"id"`
	Rows           string   `yaml:"rows" json:"rows"`
	ReplicationKey string   `yaml:"replication_key,omitempty" json:"replication_key,omitempty"`
	KeyProperties  []string `yaml:"key_properties,omitempty" json:"key_properties,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint and log-style meters. Port
// 0 disables the HTTP endpoint.
type MetricsConfig struct {
	Port        int           `yaml:"port" json:"port"`
	Path        string        `yaml:"path" json:"path"`
	LogInterval time.Duration `yaml:"log_interval" json:"log_interval"`
}

// Config is the tap configuration document.
type Config struct {
	StateMessageFrequency int            `yaml:"state_message_frequency" json:"state_message_frequency"`
	MaxParallelStreams    int            `yaml:"max_parallel_streams" json:"max_parallel_streams"`
	Streams               []StreamConfig `yaml:"streams" json:"streams"`
	// Batch enables batch mode for every stream when set.
	Batch   *batch.Config `yaml:"batch,omitempty" json:"batch,omitempty"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		StateMessageFrequency: DefaultStateMessageFrequency,
		MaxParallelStreams:    DefaultMaxParallelStreams,
		Metrics: MetricsConfig{
			Path:        DefaultMetricsPath,
			LogInterval: DefaultLogInterval,
		},
	}
}

// Stream returns the configuration of stream id.
func (c *Config) Stream(id string) (StreamConfig, bool) {
	for _, s := range c.Streams {
		if s.ID == id {
			return s, true
		}
	}
	return StreamConfig{}, false
}

// Validate checks the document. Batch formats and storage schemes must be
// registered in encodings and backends.
func (c *Config) Validate(encodings *batch.EncodingRegistry, backends *storage.Registry) error {
	if c.StateMessageFrequency <= 0 {
		return invalid("state_message_frequency must be positive, got %d", c.StateMessageFrequency)
	}
	if c.MaxParallelStreams <= 0 {
		return invalid("max_parallel_streams must be positive, got %d", c.MaxParallelStreams)
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return invalid("metrics.port out of range: %d", c.Metrics.Port)
	}

	seen := make(map[string]bool, len(c.Streams))
	for i, s := range c.Streams {
		if s.ID == "" {
			return invalid("streams[%d].id is required", i)
		}
		if seen[s.ID] {
			return invalid("stream %q is configured twice", s.ID)
		}
		seen[s.ID] = true
	}

	if c.Batch != nil {
		if err := c.Batch.Validate(encodings, backends); err != nil {
			return errors.Wrap(err, "Config", "Validate", "validate batch")
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...)),
		"Config", "Validate", "check configuration")
}

// Loader loads configuration with layers and environment overrides.
type Loader struct {
	layers    []string
	envPrefix string
	getenv    func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: EnvPrefix,
		getenv:    os.Getenv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// Load starts from Default, merges every layer in order and applies
// environment overrides.
func (l *Loader) Load() (*Config, error) {
	merged := map[string]any{}
	for _, path := range l.layers {
		data, err := readConfigFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("read %s", path))
		}
		layer, err := decodeMap(data)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("parse %s", path))
		}
		merged = deepMergeMaps(merged, layer)
	}

	cfg, err := fromMap(merged)
	if err != nil {
		return nil, err
	}
	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads one YAML or JSON configuration file.
func Load(path string) (*Config, error) {
	l := NewLoader()
	l.AddLayer(path)
	return l.Load()
}

// Parse decodes a configuration document over the defaults. Environment
// overrides are not applied.
func Parse(data []byte) (*Config, error) {
	m, err := decodeMap(data)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Parse", "parse document")
	}
	return fromMap(m)
}

func decodeMap(data []byte) (map[string]any, error) {
	m := map[string]any{}
	if len(bytes.TrimSpace(data)) == 0 {
		return m, nil
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Mark(errors.ErrParsingFailed, err)
	}
	return m, nil
}

// fromMap decodes m on top of Default through a YAML round trip so that
// field tags and duration parsing apply to merged layers.
func fromMap(m map[string]any) (*Config, error) {
	cfg := Default()
	if len(m) == 0 {
		return cfg, nil
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "fromMap", "encode merged layers")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.WrapInvalid(
			errors.Mark(errors.ErrInvalidConfig, err), "config", "fromMap", "decode configuration")
	}
	return cfg, nil
}

func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if overrideMap, ok := v.(map[string]any); ok {
			if baseMap, ok := result[k].(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides reads <prefix>_STATE_FREQUENCY,
// <prefix>_MAX_PARALLEL_STREAMS and <prefix>_BATCH_ROOT. A batch root
// without a batch section enables batch mode with the jsonl format.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	lookup := func(name string) (string, string, error) {
		key := l.envPrefix + "_" + name
		val := l.getenv(key)
		return key, val, checkEnvValue(key, val)
	}

	key, val, err := lookup("STATE_FREQUENCY")
	if err != nil {
		return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "read "+key)
	}
	if val != "" {
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return errors.WrapInvalid(
				fmt.Errorf("%w: %s: %w", errors.ErrInvalidConfig, key, err),
				"Loader", "applyEnvOverrides", "parse "+key)
		}
		cfg.StateMessageFrequency = n
	}

	key, val, err = lookup("MAX_PARALLEL_STREAMS")
	if err != nil {
		return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "read "+key)
	}
	if val != "" {
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return errors.WrapInvalid(
				fmt.Errorf("%w: %s: %w", errors.ErrInvalidConfig, key, err),
				"Loader", "applyEnvOverrides", "parse "+key)
		}
		cfg.MaxParallelStreams = n
	}

	key, val, err = lookup("BATCH_ROOT")
	if err != nil {
		return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "read "+key)
	}
	if val != "" {
		if cfg.Batch == nil {
			cfg.Batch = &batch.Config{Encoding: batch.Encoding{Format: batch.FormatJSONL}}
		}
		cfg.Batch.Storage.Root = val
	}
	return nil
}
