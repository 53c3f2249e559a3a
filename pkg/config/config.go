package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendMemory = "memory"
	BackendRaft   = "raft"
	BackendRedis  = "redis"
)

// Peer describes one member of the raft cluster. The HTTP and gRPC addresses
// are used to point clients at the leader.
type Peer struct {
	ID       string `yaml:"id"`
	RaftAddr string `yaml:"raft_addr"`
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

type Config struct {
	NodeID   string `yaml:"node_id"`
	Backend  string `yaml:"backend"`
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`

	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`

	RaftAddr         string        `yaml:"raft_addr"`
	RaftData         string        `yaml:"raft_data"`
	RaftBootstrap    bool          `yaml:"raft_bootstrap"`
	RaftApplyTimeout time.Duration `yaml:"raft_apply_timeout"`
	Peers            []Peer        `yaml:"peers"`

	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`

	CartName     string `yaml:"cart_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// LoadConfig loads configuration from a YAML file if path is provided,
// otherwise it falls back to environment variables. Environment variables
// override file values in both cases.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides allows environment variables to override YAML config values
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"NODE_ID":                     &cfg.NodeID,
		"BACKEND":                     &cfg.Backend,
		"APP_ENV":                     &cfg.Env,
		"LOG_LEVEL":                   &cfg.LogLevel,
		"GRPC_ADDR":                   &cfg.GRPCAddr,
		"HTTP_ADDR":                   &cfg.HTTPAddr,
		"RAFT_ADDR":                   &cfg.RaftAddr,
		"RAFT_DATA":                   &cfg.RaftData,
		"REDIS_ADDR":                  &cfg.RedisAddr,
		"REDIS_PREFIX":                &cfg.RedisPrefix,
		"CART_NAME":                   &cfg.CartName,
		"OTEL_EXPORTER_OTLP_ENDPOINT": &cfg.OTLPEndpoint,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("RAFT_BOOTSTRAP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid RAFT_BOOTSTRAP value: %w", err)
		}
		cfg.RaftBootstrap = b
	}
	if v := os.Getenv("RAFT_APPLY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid RAFT_APPLY_TIMEOUT value: %w", err)
		}
		cfg.RaftApplyTimeout = d
	}
	if v := os.Getenv("RAFT_PEERS"); v != "" {
		peers, err := ParsePeers(v)
		if err != nil {
			return err
		}
		cfg.Peers = peers
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Backend == "" {
		cfg.Backend = BackendMemory
	}
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.GRPCAddr == "" {
		cfg.GRPCAddr = ":9090"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.RaftData == "" {
		cfg.RaftData = fmt.Sprintf("./pyaz/%s", cfg.NodeID)
	}
	if cfg.RaftApplyTimeout == 0 {
		cfg.RaftApplyTimeout = 5 * time.Second
	}
	if cfg.CartName == "" {
		cfg.CartName = "cart"
	}
}

// Validate checks that the fields required by the selected backend are set.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendRaft:
		if c.NodeID == "" {
			return fmt.Errorf("NODE_ID is required for the raft backend (set via environment or config file)")
		}
		if c.RaftAddr == "" {
			return fmt.Errorf("RAFT_ADDR is required for the raft backend (set via environment or config file)")
		}
		for _, p := range c.Peers {
			if p.ID == "" || p.RaftAddr == "" {
				return fmt.Errorf("peer %+v needs both id and raft_addr", p)
			}
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis backend (set via environment or config file)")
		}
	default:
		return fmt.Errorf("unknown backend %q (want %s, %s or %s)", c.Backend, BackendMemory, BackendRaft, BackendRedis)
	}
	return nil
}

// ParsePeers parses "id=raft_addr,http_addr,grpc_addr;id2=..." where the HTTP
// and gRPC addresses are optional.
func ParsePeers(s string) ([]Peer, error) {
	var peers []Peer
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, addrs, ok := strings.Cut(entry, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid peer %q: want id=raft_addr[,http_addr[,grpc_addr]]", entry)
		}
		parts := strings.Split(addrs, ",")
		p := Peer{ID: id, RaftAddr: parts[0]}
		if len(parts) > 1 {
			p.HTTPAddr = parts[1]
		}
		if len(parts) > 2 {
			p.GRPCAddr = parts[2]
		}
		if p.RaftAddr == "" {
			return nil, fmt.Errorf("invalid peer %q: raft address is empty", entry)
		}
		peers = append(peers, p)
	}
	return peers, nil
}
