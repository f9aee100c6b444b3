package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"github.com/frkn-dev/pony/pkg/errdefs"
)

// Log holds logging configuration shared by both binaries.
type Log struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// Bus holds pub/sub transport configuration.
type Bus struct {
	Endpoint       string   `toml:"endpoint"` // redis address host:port
	Password       string   `toml:"password"`
	ConnectRetries int      `toml:"connect_retries"`
	RetryInterval  Duration `toml:"retry_interval"`
	SettleDelay    Duration `toml:"settle_delay"` // slow-joiner window after first connect
}

// Postgres holds relational store configuration.
type Postgres struct {
	DSN      string   `toml:"dsn"`
	PoolSize int32    `toml:"pool_size"`
	Timeout  Duration `toml:"timeout"`
}

// Sync holds API write-back pipeline configuration.
type Sync struct {
	QueueSize      int      `toml:"queue_size"`
	EnqueueTimeout Duration `toml:"enqueue_timeout"`
}

// Carbon holds time-series sink configuration.
type Carbon struct {
	Address string   `toml:"address"`
	Timeout Duration `toml:"timeout"`
	Enabled bool     `toml:"enabled"`
}

// Xray holds tunnel admin API configuration for the agent.
type Xray struct {
	GrpcAddr string   `toml:"grpc_addr"`
	Timeout  Duration `toml:"timeout"`
}

// Wireguard holds WireGuard control configuration for the agent.
type Wireguard struct {
	Interface string `toml:"interface"`
	Enabled   bool   `toml:"enabled"`
}

// API is the configuration of the pony-api process.
type API struct {
	Env        string   `toml:"env"`
	ListenAddr string   `toml:"listen_addr"`
	Log        Log      `toml:"log"`
	Bus        Bus      `toml:"bus"`
	Postgres   Postgres `toml:"postgres"`
	Sync       Sync     `toml:"sync"`
}

// Agent is the configuration of the pony-agent process.
type Agent struct {
	NodeID     string    `toml:"node_id"` // uuid of the self node
	Env        string    `toml:"env"`
	Hostname   string    `toml:"hostname"`
	Interface  string    `toml:"interface"` // NIC sampled for bandwidth metrics
	ListenAddr string    `toml:"listen_addr"`
	DataDir    string    `toml:"data_dir"` // bbolt snapshot location
	Log        Log       `toml:"log"`
	Bus        Bus       `toml:"bus"`
	Xray       Xray      `toml:"xray"`
	Wireguard  Wireguard `toml:"wireguard"`
	Carbon     Carbon    `toml:"carbon"`
}

// Duration is a TOML-friendly wrapper accepting "30s" style strings.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Or returns the wrapped duration, or fallback when unset.
func (d Duration) Or(fallback time.Duration) time.Duration {
	if d.Duration == 0 {
		return fallback
	}
	return d.Duration
}

// LoadAPI reads and validates an API config file.
func LoadAPI(path string) (*API, error) {
	var cfg API
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Env == "" {
		return nil, errdefs.Custom("env must be set")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:3005"
	}
	if cfg.Postgres.DSN == "" {
		return nil, errdefs.Custom("postgres.dsn must be set")
	}
	if cfg.Postgres.PoolSize == 0 {
		cfg.Postgres.PoolSize = 8
	}
	if cfg.Sync.QueueSize == 0 {
		cfg.Sync.QueueSize = 1024
	}
	if err := validateBus(&cfg.Bus); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadAgent reads and validates an agent config file.
func LoadAgent(path string) (*Agent, error) {
	var cfg Agent
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(cfg.NodeID); err != nil {
		return nil, errdefs.Newf(KindConfig, "node_id must be a uuid: %v", err)
	}
	if cfg.Env == "" {
		return nil, errdefs.Custom("env must be set")
	}
	if cfg.Hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, errdefs.New(errdefs.KindIo, err)
		}
		cfg.Hostname = host
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:3006"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/pony"
	}
	if cfg.Xray.GrpcAddr == "" {
		cfg.Xray.GrpcAddr = "127.0.0.1:23456"
	}
	if err := validateBus(&cfg.Bus); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// KindConfig marks configuration parse/validation failures.
const KindConfig = errdefs.KindTomlParse

func load(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errdefs.New(errdefs.KindIo, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return errdefs.New(errdefs.KindTomlParse, fmt.Errorf("parse %s: %w", path, err))
	}
	return nil
}

func validateBus(b *Bus) error {
	if b.Endpoint == "" {
		return errdefs.Custom("bus.endpoint must be set")
	}
	if b.ConnectRetries == 0 {
		b.ConnectRetries = 5
	}
	if b.RetryInterval.Duration == 0 {
		b.RetryInterval.Duration = 5 * time.Second
	}
	if b.SettleDelay.Duration == 0 {
		b.SettleDelay.Duration = time.Second
	}
	return nil
}
