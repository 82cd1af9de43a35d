// Package config loads the varlinkctl / varlinkd configuration file.
//
// Files ending in .toml are decoded with BurntSushi/toml, anything else as
// YAML. A missing file yields the defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// PodmanInterface is the interface the demo talks to.
const PodmanInterface = "io.projectatomic.podman"

// LoggingConfig defines basic logging knobs.
type LoggingConfig struct {
	Level       string `yaml:"level" toml:"level"`
	FilePath    string `yaml:"filePath" toml:"filePath"`
	FileMaxSize int    `yaml:"fileMaxSizeMB" toml:"fileMaxSizeMB"`
}

// InstanceConfig is one endpoint serving an interface.
type InstanceConfig struct {
	Address string `yaml:"address" toml:"address"`
	Weight  int    `yaml:"weight" toml:"weight"`
	Version string `yaml:"version" toml:"version"`
}

// ClientConfig tunes call routing.
type ClientConfig struct {
	Balancer       string `yaml:"balancer" toml:"balancer"` // round-robin, weighted-random, consistent-hash
	PoolSize       int    `yaml:"poolSize" toml:"poolSize"`
	ReadBufferSize int    `yaml:"readBufferSize" toml:"readBufferSize"`
}

// EtcdConfig enables discovery through etcd when Endpoints is set.
type EtcdConfig struct {
	Endpoints          []string `yaml:"endpoints" toml:"endpoints"`
	DialTimeoutSeconds int      `yaml:"dialTimeoutSeconds" toml:"dialTimeoutSeconds"`
	LeaseTTL           int64    `yaml:"leaseTTL" toml:"leaseTTL"`
}

// JournalConfig controls the local call journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// ServerConfig configures varlinkd.
type ServerConfig struct {
	Socket        string  `yaml:"socket" toml:"socket"`
	Vendor        string  `yaml:"vendor" toml:"vendor"`
	Product       string  `yaml:"product" toml:"product"`
	Version       string  `yaml:"version" toml:"version"`
	URL           string  `yaml:"url" toml:"url"`
	TimeoutMillis int     `yaml:"timeoutMillis" toml:"timeoutMillis"`
	RateLimit     float64 `yaml:"rateLimit" toml:"rateLimit"`
	RateBurst     int     `yaml:"rateBurst" toml:"rateBurst"`
}

// Config aggregates everything.
type Config struct {
	OutputFormat string                      `yaml:"outputFormat" toml:"outputFormat"`
	Logging      LoggingConfig               `yaml:"logging" toml:"logging"`
	Client       ClientConfig                `yaml:"client" toml:"client"`
	Services     map[string][]InstanceConfig `yaml:"services" toml:"services"`
	Etcd         EtcdConfig                  `yaml:"etcd" toml:"etcd"`
	Journal      JournalConfig               `yaml:"journal" toml:"journal"`
	Server       ServerConfig                `yaml:"server" toml:"server"`
}

// Dir returns ~/.varlink, or ./.varlink when there is no home directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".varlink")
	}
	return filepath.Join(home, ".varlink")
}

// DefaultPath returns the default config file path: ~/.varlink/config.yaml
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns the built-in configuration: the podman interface at its
// well-known socket.
func Default() *Config {
	return &Config{
		OutputFormat: "table",
		Logging:      LoggingConfig{Level: "info"},
		Client:       ClientConfig{Balancer: "round-robin", PoolSize: 4},
		Services: map[string][]InstanceConfig{
			PodmanInterface: {{Address: "/run/" + PodmanInterface, Weight: 1}},
		},
		Etcd:    EtcdConfig{DialTimeoutSeconds: 5, LeaseTTL: 10},
		Journal: JournalConfig{Path: filepath.Join(Dir(), "journal.db")},
		Server: ServerConfig{
			Socket:  "/run/" + PodmanInterface,
			Vendor:  "mini-varlink",
			Product: "varlinkd",
			Version: "0.1.0",
			URL:     "https://varlink.org",
		},
	}
}

// Load reads the file at path over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := Decode(data, strings.EqualFold(filepath.Ext(path), ".toml"), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode parses data into cfg as TOML or YAML.
func Decode(data []byte, isTOML bool, cfg *Config) error {
	if isTOML {
		return toml.Unmarshal(data, cfg)
	}
	return yaml.Unmarshal(data, cfg)
}

func (cfg *Config) validate() error {
	for iface, instances := range cfg.Services {
		if iface == "" {
			return fmt.Errorf("services: empty interface name")
		}
		for i, inst := range instances {
			if inst.Address == "" {
				return fmt.Errorf("services.%s[%d].address required", iface, i)
			}
		}
	}
	switch cfg.Client.Balancer {
	case "", "round-robin", "weighted-random", "consistent-hash":
	default:
		return fmt.Errorf("client.balancer: unknown strategy %q", cfg.Client.Balancer)
	}
	if cfg.Client.PoolSize <= 0 {
		cfg.Client.PoolSize = 1
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "table"
	}
	return nil
}
