// Package config loads the proxy's YAML configuration, covering exactly the
// option groups recognized by the connection pipeline and its collaborators.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	BindAddress    string `yaml:"bind_address"`
	BindPort       int    `yaml:"bind_port"`
	MaxConnections int    `yaml:"max_connections"`
}

type ACLConfig struct {
	Enabled       bool   `yaml:"enabled"`
	RulesPath     string `yaml:"rules_path"`
	Watch         bool   `yaml:"watch"`
	DefaultPolicy string `yaml:"default_policy"`
}

type AuthConfig struct {
	Methods   []string `yaml:"methods"` // "noauth", "userpass"; server preference order
	UsersPath string   `yaml:"users_path"`
}

type SessionsConfig struct {
	BatchSize                  int `yaml:"batch_size"`
	BatchIntervalMs            int `yaml:"batch_interval_ms"`
	RetentionPeriodSec         int `yaml:"retention_period_sec"`
	CleanupIntervalSec         int `yaml:"cleanup_interval_sec"`
	TrafficUpdatePacketInterval int `yaml:"traffic_update_packet_interval"`
	StatsWindowSec             int `yaml:"stats_window_sec"`
}

type PoolConfig struct {
	Enabled           bool `yaml:"enabled"`
	MaxIdlePerDest    int  `yaml:"max_idle_per_dest"`
	MaxTotalIdle      int  `yaml:"max_total_idle"`
	IdleTimeoutSec    int  `yaml:"idle_timeout_sec"`
	ConnectTimeoutSec int  `yaml:"connect_timeout_sec"`
}

type QosConfig struct {
	GlobalBps          int64 `yaml:"global_bps"`
	GuaranteedBps      int64 `yaml:"guaranteed_bps"`
	MaxBps             int64 `yaml:"max_bps"`
	BurstBytes         int64 `yaml:"burst_bytes"`
	RefillIntervalMs   int   `yaml:"refill_interval_ms"`
	RebalanceIntervalMs int  `yaml:"rebalance_interval_ms"`
	IdleTimeoutSec     int   `yaml:"idle_timeout_sec"`
	MaxConnPerUser     int   `yaml:"max_conn_per_user"`
	MaxConnGlobal      int   `yaml:"max_conn_global"`
}

type UDPConfig struct {
	IdleTimeoutSec int `yaml:"idle_timeout_sec"`
}

type BindConfig struct {
	AcceptTimeoutSec int `yaml:"accept_timeout_sec"`
}

type DBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Pool   struct {
		MaxOpen        int `yaml:"max_open"`
		MaxIdle        int `yaml:"max_idle"`
		MaxLifetimeSec int `yaml:"max_lifetime_sec"`
	} `yaml:"pool"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	ACL      ACLConfig      `yaml:"acl"`
	Sessions SessionsConfig `yaml:"sessions"`
	Pool     PoolConfig     `yaml:"pool"`
	Qos      QosConfig      `yaml:"qos"`
	UDP      UDPConfig      `yaml:"udp"`
	Bind     BindConfig     `yaml:"bind"`
	DB       DBConfig       `yaml:"db"`
	Logging  LoggingConfig  `yaml:"logging"`
}

const fallbackPath = "/etc/socks5gate/config.yaml"

// Load reads the config at p, falling back to fallbackPath if p does not
// exist, then applies defaults for any unset tunable.
func Load(p string) (*Config, string, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		p = fallbackPath
		b, err = os.ReadFile(p)
		if err != nil {
			return nil, p, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, p, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&c)
	if err := validate(&c); err != nil {
		return nil, p, err
	}
	return &c, p, nil
}

func applyDefaults(c *Config) {
	if c.Server.BindAddress == "" {
		c.Server.BindAddress = "0.0.0.0"
	}
	if c.Server.BindPort == 0 {
		c.Server.BindPort = 1080
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = 4096
	}
	if c.ACL.DefaultPolicy == "" {
		c.ACL.DefaultPolicy = "block"
	}
	if len(c.Auth.Methods) == 0 {
		c.Auth.Methods = []string{"noauth"}
	}
	if c.Sessions.BatchSize == 0 {
		c.Sessions.BatchSize = 200
	}
	if c.Sessions.BatchIntervalMs == 0 {
		c.Sessions.BatchIntervalMs = 1000
	}
	if c.Sessions.RetentionPeriodSec == 0 {
		c.Sessions.RetentionPeriodSec = 30 * 24 * 3600
	}
	if c.Sessions.CleanupIntervalSec == 0 {
		c.Sessions.CleanupIntervalSec = 3600
	}
	if c.Sessions.TrafficUpdatePacketInterval == 0 {
		c.Sessions.TrafficUpdatePacketInterval = 10
	}
	if c.Sessions.StatsWindowSec == 0 {
		c.Sessions.StatsWindowSec = 300
	}
	if !c.Pool.Enabled && c.Pool.MaxIdlePerDest == 0 && c.Pool.MaxTotalIdle == 0 {
		c.Pool.Enabled = true
	}
	if c.Pool.MaxIdlePerDest == 0 {
		c.Pool.MaxIdlePerDest = 8
	}
	if c.Pool.MaxTotalIdle == 0 {
		c.Pool.MaxTotalIdle = 256
	}
	if c.Pool.IdleTimeoutSec == 0 {
		c.Pool.IdleTimeoutSec = 90
	}
	if c.Pool.ConnectTimeoutSec == 0 {
		c.Pool.ConnectTimeoutSec = 10
	}
	if c.Qos.RefillIntervalMs == 0 {
		c.Qos.RefillIntervalMs = 100
	}
	if c.Qos.RebalanceIntervalMs == 0 {
		c.Qos.RebalanceIntervalMs = 5000
	}
	if c.Qos.IdleTimeoutSec == 0 {
		c.Qos.IdleTimeoutSec = 60
	}
	if c.Qos.MaxConnPerUser == 0 {
		c.Qos.MaxConnPerUser = 256
	}
	if c.Qos.MaxConnGlobal == 0 {
		c.Qos.MaxConnGlobal = 8192
	}
	if c.UDP.IdleTimeoutSec == 0 {
		c.UDP.IdleTimeoutSec = 120
	}
	if c.Bind.AcceptTimeoutSec == 0 {
		c.Bind.AcceptTimeoutSec = 300
	}
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.DSN == "" {
		c.DB.DSN = "file:./socks5gate.db?_pragma_busy_timeout=5000&_pragma_journal_mode=WAL"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func validate(c *Config) error {
	if c.ACL.Enabled && c.ACL.RulesPath == "" {
		return fmt.Errorf("acl.enabled requires acl.rules_path")
	}
	if c.ACL.DefaultPolicy != "allow" && c.ACL.DefaultPolicy != "block" {
		return fmt.Errorf("acl.default_policy must be allow or block, got %q", c.ACL.DefaultPolicy)
	}
	for _, m := range c.Auth.Methods {
		switch m {
		case "noauth", "userpass":
		default:
			return fmt.Errorf("auth.methods entries must be noauth or userpass, got %q", m)
		}
		if m == "userpass" && c.Auth.UsersPath == "" {
			return fmt.Errorf("auth method userpass requires auth.users_path")
		}
	}
	if c.DB.Driver != "sqlite" && c.DB.Driver != "mysql" {
		return fmt.Errorf("db.driver must be sqlite or mysql, got %q", c.DB.Driver)
	}
	return nil
}

func (s SessionsConfig) BatchInterval() time.Duration {
	return time.Duration(s.BatchIntervalMs) * time.Millisecond
}

func (s SessionsConfig) RetentionPeriod() time.Duration {
	return time.Duration(s.RetentionPeriodSec) * time.Second
}

func (s SessionsConfig) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalSec) * time.Second
}

func (s SessionsConfig) StatsWindow() time.Duration {
	return time.Duration(s.StatsWindowSec) * time.Second
}

func (p PoolConfig) IdleTimeout() time.Duration {
	return time.Duration(p.IdleTimeoutSec) * time.Second
}

func (p PoolConfig) ConnectTimeout() time.Duration {
	return time.Duration(p.ConnectTimeoutSec) * time.Second
}

func (q QosConfig) RefillInterval() time.Duration {
	return time.Duration(q.RefillIntervalMs) * time.Millisecond
}

func (q QosConfig) RebalanceInterval() time.Duration {
	return time.Duration(q.RebalanceIntervalMs) * time.Millisecond
}

func (q QosConfig) IdleTimeout() time.Duration {
	return time.Duration(q.IdleTimeoutSec) * time.Second
}

func (u UDPConfig) IdleTimeout() time.Duration {
	return time.Duration(u.IdleTimeoutSec) * time.Second
}

func (b BindConfig) AcceptTimeout() time.Duration {
	return time.Duration(b.AcceptTimeoutSec) * time.Second
}
