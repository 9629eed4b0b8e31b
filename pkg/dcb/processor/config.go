// Package processor runs background event processors: leader-elected pollers
// that read new events from the store, hand them to a handler, and track
// their progress so work resumes where it left off after a restart.
package processor

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"go-ledgerbook/pkg/dcb"
)

// Config describes one processor instance.
type Config struct {
	ID                string    `yaml:"id"`
	Query             QuerySpec `yaml:"query"`
	PollingIntervalMs int       `yaml:"polling_interval_ms"`
	BatchSize         int       `yaml:"batch_size"`
	Enabled           bool      `yaml:"enabled"`
	MaxErrors         int       `yaml:"max_errors"`

	BackoffEnabled    bool `yaml:"backoff_enabled"`
	BackoffThreshold  int  `yaml:"backoff_threshold"`
	BackoffMultiplier int  `yaml:"backoff_multiplier"`
	BackoffMaxSeconds int  `yaml:"backoff_max_seconds"`
}

// QuerySpec is the YAML shape of a tag query: a list of items, each with
// event types and "key=value" tags, combined with OR.
type QuerySpec struct {
	Items []QueryItemSpec `yaml:"items"`
}

type QueryItemSpec struct {
	EventTypes []string `yaml:"event_types"`
	Tags       []string `yaml:"tags"`
}

// ToQuery converts the YAML shape into a store query.
func (qs QuerySpec) ToQuery() dcb.Query {
	items := make([]dcb.QueryItem, 0, len(qs.Items))
	for _, item := range qs.Items {
		items = append(items, dcb.QueryItem{
			EventTypes: item.EventTypes,
			Tags:       dcb.ParseTagsArray(item.Tags),
		})
	}
	return dcb.Query{Items: items}
}

// DefaultConfig returns a config with operational defaults; the caller sets
// ID and Query.
func DefaultConfig() Config {
	return Config{
		PollingIntervalMs: 500,
		BatchSize:         100,
		Enabled:           true,
		MaxErrors:         3,
		BackoffEnabled:    true,
		BackoffThreshold:  3,
		BackoffMultiplier: 2,
		BackoffMaxSeconds: 30,
	}
}

// applyDefaults fills zero-valued operational fields from DefaultConfig.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.PollingIntervalMs <= 0 {
		c.PollingIntervalMs = def.PollingIntervalMs
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = def.MaxErrors
	}
	if c.BackoffThreshold <= 0 {
		c.BackoffThreshold = def.BackoffThreshold
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.BackoffMaxSeconds <= 0 {
		c.BackoffMaxSeconds = def.BackoffMaxSeconds
	}
}

// Validate checks the config for programming errors.
func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("processor config: id must not be empty")
	}
	if c.PollingIntervalMs <= 0 {
		return fmt.Errorf("processor %s: polling_interval_ms must be positive", c.ID)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("processor %s: batch_size must be positive", c.ID)
	}
	return nil
}

// configFile is the YAML document shape of a processor config file.
type configFile struct {
	Processors []Config `yaml:"processors"`
}

// LoadConfigs parses processor configs from YAML, applying defaults and
// validating each entry. Duplicate IDs are rejected.
func LoadConfigs(data []byte) ([]Config, error) {
	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse processor config: %w", err)
	}

	seen := make(map[string]bool, len(file.Processors))
	configs := make([]Config, 0, len(file.Processors))
	for i := range file.Processors {
		cfg := file.Processors[i]
		cfg.applyDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if seen[cfg.ID] {
			return nil, fmt.Errorf("duplicate processor id %q", cfg.ID)
		}
		seen[cfg.ID] = true
		configs = append(configs, cfg)
	}
	return configs, nil
}

// LoadConfigFile reads and parses a processor config file from disk.
func LoadConfigFile(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read processor config %s: %w", path, err)
	}
	return LoadConfigs(data)
}
