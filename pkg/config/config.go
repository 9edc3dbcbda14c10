package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
)

// Runtime kinds
const (
	RuntimeDocker     = "docker"
	RuntimeContainerd = "containerd"
)

// Config is the converge configuration file
type Config struct {
	DataDir      string             `yaml:"dataDir"`
	Machine      string             `yaml:"machine"`
	Store        StoreConfig        `yaml:"store"`
	Runtime      RuntimeConfig      `yaml:"runtime"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Reconciler   ReconcilerConfig   `yaml:"reconciler"`
	Log          LogConfig          `yaml:"log"`
	API          APIConfig          `yaml:"api"`
	DNS          DNSConfig          `yaml:"dns"`
	Watch        WatchConfig        `yaml:"watch"`
}

// StoreConfig selects the graph store
type StoreConfig struct {
	Backend string `yaml:"backend"`
}

// RuntimeConfig selects and configures the container runtime
type RuntimeConfig struct {
	Kind             string        `yaml:"kind"`
	DockerBinary     string        `yaml:"dockerBinary"`
	ContainerdSocket string        `yaml:"containerdSocket"`
	BuildDir         string        `yaml:"buildDir,omitempty"`
	ListCacheTTL     time.Duration `yaml:"listCacheTTL"`
}

// OrchestratorConfig configures the orchestration cycles
type OrchestratorConfig struct {
	Network        string        `yaml:"network"`
	Subnet         string        `yaml:"subnet"`
	Workers        int           `yaml:"workers"`
	CommandTimeout time.Duration `yaml:"commandTimeout"`
	Interval       time.Duration `yaml:"interval"`
	SnapshotFile   string        `yaml:"snapshotFile,omitempty"` // Overrides the store snapshot
}

// ReconcilerConfig configures the reconciliation engine
type ReconcilerConfig struct {
	MaxIterations int `yaml:"maxIterations"` // 0 for unbounded
}

// LogConfig configures logging
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// APIConfig holds the listen addresses of the health endpoints
type APIConfig struct {
	MetricsAddr string `yaml:"metricsAddr"`
	GRPCAddr    string `yaml:"grpcAddr"`
}

// DNSConfig configures the responder serving the graph's DNS entries
type DNSConfig struct {
	ListenAddr string   `yaml:"listenAddr,omitempty"` // Empty disables the responder
	Upstream   []string `yaml:"upstream,omitempty"`
	TTL        uint32   `yaml:"ttl"`
}

// WatchConfig configures the re-import of a bulk directory on change
type WatchConfig struct {
	Dir      string        `yaml:"dir,omitempty"`
	Debounce time.Duration `yaml:"debounce"`
}

// Default returns the default configuration
func Default() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		DataDir: "/var/lib/converge",
		Machine: hostname,
		Store:   StoreConfig{Backend: BackendBolt},
		Runtime: RuntimeConfig{
			Kind:             RuntimeDocker,
			DockerBinary:     "docker",
			ContainerdSocket: "/run/containerd/containerd.sock",
			ListCacheTTL:     5 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			Network:        "converge",
			Subnet:         "172.30.0.0/16",
			Workers:        4,
			CommandTimeout: 10 * time.Minute,
			Interval:       30 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		API: APIConfig{
			MetricsAddr: "127.0.0.1:9090",
			GRPCAddr:    "127.0.0.1:9091",
		},
		DNS:   DNSConfig{TTL: 60},
		Watch: WatchConfig{Debounce: 500 * time.Millisecond},
	}
}

// Load reads the YAML file at path over the defaults. An empty path or a
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the configuration for values no component accepts
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("dataDir is required")
	}
	if c.Machine == "" {
		return fmt.Errorf("machine name is required")
	}

	switch c.Store.Backend {
	case BackendMemory, BackendBolt:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Runtime.Kind {
	case RuntimeDocker, RuntimeContainerd:
	default:
		return fmt.Errorf("unknown runtime %q", c.Runtime.Kind)
	}
	if c.Runtime.ListCacheTTL < 0 {
		return fmt.Errorf("runtime listCacheTTL cannot be negative")
	}

	o := c.Orchestrator
	if o.Subnet != "" {
		prefix, err := netip.ParsePrefix(o.Subnet)
		if err != nil {
			return fmt.Errorf("invalid orchestrator subnet: %w", err)
		}
		if !prefix.Addr().Is4() {
			return fmt.Errorf("orchestrator subnet %s is not IPv4", o.Subnet)
		}
	}
	if o.Workers <= 0 {
		return fmt.Errorf("orchestrator workers must be positive, got %d", o.Workers)
	}
	if o.Interval <= 0 {
		return fmt.Errorf("orchestrator interval must be positive")
	}
	if o.CommandTimeout < 0 {
		return fmt.Errorf("orchestrator commandTimeout cannot be negative")
	}

	if c.Reconciler.MaxIterations < 0 {
		return fmt.Errorf("reconciler maxIterations cannot be negative")
	}

	for _, upstream := range c.DNS.Upstream {
		if _, err := netip.ParseAddrPort(upstream); err != nil {
			return fmt.Errorf("invalid dns upstream %q: %w", upstream, err)
		}
	}
	if c.Watch.Dir != "" && c.Watch.Debounce <= 0 {
		return fmt.Errorf("watch debounce must be positive")
	}
	return nil
}
