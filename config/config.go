// Package config holds the validated run configuration. The CLI loads it
// once per invocation; everything downstream treats it as read-only.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Provider tags which cloud backend a run targets.
type Provider string

const (
	ProviderAWS Provider = "aws"
	ProviderGCP Provider = "gcp"
)

// ParseProvider normalizes a provider tag from configuration.
func ParseProvider(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "aws":
		return ProviderAWS, nil
	case "gcp":
		return ProviderGCP, nil
	}
	return "", fmt.Errorf("unknown cloud provider %q", s)
}

// RunConfig describes one search run. Immutable after Load.
type RunConfig struct {
	Program   string   `mapstructure:"program"`
	Database  string   `mapstructure:"db"`
	Queries   []string `mapstructure:"queries"`
	Options   string   `mapstructure:"options"`
	Results   string   `mapstructure:"results"`
	Provider  Provider `mapstructure:"-"`
	Region    string   `mapstructure:"region"`
	Owner     string   `mapstructure:"owner"`
	DryRun    bool     `mapstructure:"dry-run"`

	// Resource preferences. Zero values mean "let the tuner decide".
	// MachineType "optimal" asks the tuner for a cheapest-fit pick sized
	// to the database.
	MachineType    string     `mapstructure:"machine-type"`
	NumCPUs        int        `mapstructure:"num-cpus"`
	NumNodes       int        `mapstructure:"num-nodes"`
	MemLimit       MemorySize `mapstructure:"mem-limit"`
	MemLimitFactor float64    `mapstructure:"mem-limit-factor"`
	BatchLen       int        `mapstructure:"batch-len"`
}

// Load reads a YAML config file, applying CLOUDBLAST_* environment
// overrides. Validation of the semantic content happens upstream; Load only
// guarantees well-typed fields.
func Load(path string) (*RunConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("cloudblast")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("num-nodes", 1)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &RunConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	provider, err := ParseProvider(v.GetString("provider"))
	if err != nil {
		return nil, err
	}
	cfg.Provider = provider

	if raw := v.GetString("mem-limit"); raw != "" {
		mem, err := ParseMemorySize(raw)
		if err != nil {
			return nil, err
		}
		cfg.MemLimit = mem
	}

	if cfg.Owner == "" {
		cfg.Owner = os.Getenv("USER")
	}
	if cfg.Owner == "" {
		cfg.Owner = "unknown"
	}
	return cfg, nil
}
