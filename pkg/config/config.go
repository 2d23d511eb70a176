// Package config loads and validates the repository configuration file.
//
// The file is YAML. Byte-valued options accept human-readable sizes
// ("8MB", "64KB") via datasize. Zero values are filled in from defaults, so
// a minimal config only needs the home directory.
package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// IndexFormatVersion selects the on-disk search index format.
type IndexFormatVersion int

const (
	IndexFormatV1 IndexFormatVersion = 1
	IndexFormatV2 IndexFormatVersion = 2
	IndexFormatV3 IndexFormatVersion = 3
)

// Size is a byte count that (un)marshals in human-readable form.
type Size datasize.ByteSize

// UnmarshalYAML accepts "16MB", "64KB", or a plain byte count.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	var b datasize.ByteSize
	if err := b.UnmarshalText([]byte(raw)); err != nil {
		return fmt.Errorf("invalid size %q: %w", raw, err)
	}
	*s = Size(b)
	return nil
}

// MarshalYAML renders the size in human-readable form.
func (s Size) MarshalYAML() (interface{}, error) {
	return datasize.ByteSize(s).HumanReadable(), nil
}

// Bytes returns the plain byte count.
func (s Size) Bytes() uint64 {
	return uint64(s)
}

func (s Size) String() string {
	return datasize.ByteSize(s).HumanReadable()
}

// Config holds all environment-visible repository options.
type Config struct {
	// Home is the repository home directory; workspaces, blobs and journal
	// live under it.
	Home string `yaml:"home"`

	// DefaultWorkspace is opened when a session does not name one.
	DefaultWorkspace string `yaml:"defaultWorkspace"`

	// BundleCacheSize bounds the secondary bundle cache, in bytes.
	BundleCacheSize Size `yaml:"bundleCacheSize"`

	// InlineBlobThreshold is the binary size below which values are stored
	// inline in the bundle instead of in the data store.
	InlineBlobThreshold Size `yaml:"inlineBlobThreshold"`

	// LockDefaultTimeoutSecs is the default lock timeout in seconds; 0
	// means no timeout.
	LockDefaultTimeoutSecs int `yaml:"lockDefaultTimeout"`

	// ClusterID is the creator string stamped on journal records written by
	// this node. Empty disables clustering.
	ClusterID string `yaml:"clusterId"`

	// MaxClauseCount is the wildcard-to-disjunction rewrite threshold;
	// above it the query core falls back to a bitset scan.
	MaxClauseCount int `yaml:"maxClauseCount"`

	// SearchIndexFormatVersion is V1, V2 or V3.
	SearchIndexFormatVersion IndexFormatVersion `yaml:"searchIndexFormatVersion"`

	// MetricsAddr is the listen address for the prometheus endpoint; empty
	// disables it.
	MetricsAddr string `yaml:"metricsAddr"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		DefaultWorkspace:         "default",
		BundleCacheSize:          Size(8 * datasize.MB),
		InlineBlobThreshold:      Size(4 * datasize.KB),
		MaxClauseCount:           1024,
		SearchIndexFormatVersion: IndexFormatV3,
	}
}

// Load reads the YAML file at path and applies defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values from Default.
func (c *Config) ApplyDefaults() {
	def := Default()
	if c.DefaultWorkspace == "" {
		c.DefaultWorkspace = def.DefaultWorkspace
	}
	if c.BundleCacheSize == 0 {
		c.BundleCacheSize = def.BundleCacheSize
	}
	if c.InlineBlobThreshold == 0 {
		c.InlineBlobThreshold = def.InlineBlobThreshold
	}
	if c.MaxClauseCount == 0 {
		c.MaxClauseCount = def.MaxClauseCount
	}
	if c.SearchIndexFormatVersion == 0 {
		c.SearchIndexFormatVersion = def.SearchIndexFormatVersion
	}
}

// Validate checks option ranges.
func (c *Config) Validate() error {
	if c.Home == "" {
		return fmt.Errorf("config: home directory is required")
	}
	if c.SearchIndexFormatVersion < IndexFormatV1 || c.SearchIndexFormatVersion > IndexFormatV3 {
		return fmt.Errorf("config: unknown searchIndexFormatVersion %d", c.SearchIndexFormatVersion)
	}
	if c.MaxClauseCount < 1 {
		return fmt.Errorf("config: maxClauseCount must be positive")
	}
	if c.LockDefaultTimeoutSecs < 0 {
		return fmt.Errorf("config: lockDefaultTimeout must not be negative")
	}
	return nil
}
