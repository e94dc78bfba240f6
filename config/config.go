package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can use values like "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML parses a duration string
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in time.Duration string form
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// NodeConfig holds configuration for this node
type NodeConfig struct {
	ID            string `yaml:"id"`             // stable device identity, sortable
	ListenAddr    string `yaml:"listen_addr"`    // TCP listen address
	AdvertiseAddr string `yaml:"advertise_addr"` // address other peers dial
	HTTPAddr      string `yaml:"http_addr"`      // /metrics and /healthz, optional
	LogLevel      string `yaml:"log_level"`      // debug|info|warn|error
}

// EtcdConfig holds etcd-specific configuration for peer discovery
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

// MeshConfig holds the topology engine tunables. Zero values are replaced
// with the defaults from DefaultMeshConfig when loading.
type MeshConfig struct {
	Strategy       string `yaml:"strategy"` // base | ring | random
	MaxConnections int    `yaml:"max_connections"`

	GossipInterval Duration `yaml:"gossip_interval"`

	HealingDiscoveryWindow Duration `yaml:"healing_discovery_window"`
	HealingAdvertiseWindow Duration `yaml:"healing_advertise_window"`

	ManageInterval   Duration `yaml:"manage_interval"`   // base strategy fill loop
	RotationInterval Duration `yaml:"rotation_interval"` // base strategy rotation loop
	RotationJitter   Duration `yaml:"rotation_jitter"`

	RingStabilityDebounce Duration `yaml:"ring_stability_debounce"`
	RingBackoffBase       Duration `yaml:"ring_backoff_base"`
	RingBackoffJitter     Duration `yaml:"ring_backoff_jitter"`

	RandomLoopInterval Duration `yaml:"random_loop_interval"`
	RandomLoopJitter   Duration `yaml:"random_loop_jitter"`
	RandomBackoffBase  Duration `yaml:"random_backoff_base"`
	ChurnProbability   float64  `yaml:"churn_probability"`

	ConnectingTimeout Duration `yaml:"connecting_timeout"` // watchdog for stuck CONNECTING peers

	FloodTTL       int `yaml:"flood_ttl"`
	FloodSeenLimit int `yaml:"flood_seen_limit"`
}

// Config is the root configuration structure
type Config struct {
	Version int        `yaml:"version"`
	Node    NodeConfig `yaml:"node"`
	Mesh    MeshConfig `yaml:"mesh"`
	Etcd    EtcdConfig `yaml:"etcd"`
}

// DefaultMeshConfig returns the mesh tunables with their standard values.
func DefaultMeshConfig() MeshConfig {
	return MeshConfig{
		Strategy:               "ring",
		MaxConnections:         4,
		GossipInterval:         Duration(30 * time.Second),
		HealingDiscoveryWindow: Duration(15 * time.Second),
		HealingAdvertiseWindow: Duration(5 * time.Minute),
		ManageInterval:         Duration(5 * time.Second),
		RotationInterval:       Duration(5 * time.Minute),
		RotationJitter:         Duration(60 * time.Second),
		RingStabilityDebounce:  Duration(1 * time.Minute),
		RingBackoffBase:        Duration(2 * time.Second),
		RingBackoffJitter:      Duration(2 * time.Second),
		RandomLoopInterval:     Duration(5 * time.Second),
		RandomLoopJitter:       Duration(5 * time.Second),
		RandomBackoffBase:      Duration(1 * time.Second),
		ChurnProbability:       0.1,
		ConnectingTimeout:      Duration(30 * time.Second),
		FloodTTL:               10,
		FloodSeenLimit:         4096,
	}
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Mesh.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (m *MeshConfig) applyDefaults() {
	def := DefaultMeshConfig()
	if m.Strategy == "" {
		m.Strategy = def.Strategy
	}
	if m.MaxConnections == 0 {
		m.MaxConnections = def.MaxConnections
	}
	if m.GossipInterval == 0 {
		m.GossipInterval = def.GossipInterval
	}
	if m.HealingDiscoveryWindow == 0 {
		m.HealingDiscoveryWindow = def.HealingDiscoveryWindow
	}
	if m.HealingAdvertiseWindow == 0 {
		m.HealingAdvertiseWindow = def.HealingAdvertiseWindow
	}
	if m.ManageInterval == 0 {
		m.ManageInterval = def.ManageInterval
	}
	if m.RotationInterval == 0 {
		m.RotationInterval = def.RotationInterval
	}
	if m.RotationJitter == 0 {
		m.RotationJitter = def.RotationJitter
	}
	if m.RingStabilityDebounce == 0 {
		m.RingStabilityDebounce = def.RingStabilityDebounce
	}
	if m.RingBackoffBase == 0 {
		m.RingBackoffBase = def.RingBackoffBase
	}
	if m.RingBackoffJitter == 0 {
		m.RingBackoffJitter = def.RingBackoffJitter
	}
	if m.RandomLoopInterval == 0 {
		m.RandomLoopInterval = def.RandomLoopInterval
	}
	if m.RandomLoopJitter == 0 {
		m.RandomLoopJitter = def.RandomLoopJitter
	}
	if m.RandomBackoffBase == 0 {
		m.RandomBackoffBase = def.RandomBackoffBase
	}
	if m.ChurnProbability == 0 {
		m.ChurnProbability = def.ChurnProbability
	}
	if m.ConnectingTimeout == 0 {
		m.ConnectingTimeout = def.ConnectingTimeout
	}
	if m.FloodTTL == 0 {
		m.FloodTTL = def.FloodTTL
	}
	if m.FloodSeenLimit == 0 {
		m.FloodSeenLimit = def.FloodSeenLimit
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d (expected 1)", c.Version)
	}

	if c.Node.ID == "" {
		return fmt.Errorf("node id is required")
	}

	switch c.Mesh.Strategy {
	case "base", "ring", "random":
	default:
		return fmt.Errorf("unknown strategy: %s (expected base, ring or random)", c.Mesh.Strategy)
	}

	if c.Mesh.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive")
	}

	if c.Mesh.ChurnProbability < 0 || c.Mesh.ChurnProbability > 1 {
		return fmt.Errorf("churn_probability must be in [0, 1]")
	}

	if c.Mesh.FloodTTL <= 0 {
		return fmt.Errorf("flood_ttl must be positive")
	}

	if len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("at least one etcd endpoint is required")
	}

	if c.Etcd.Prefix == "" {
		return fmt.Errorf("etcd prefix is required")
	}

	return nil
}
