// Package config loads the TOML configuration that drives both the DNS
// responder and the latency prober.
package config

import (
	"fmt"
	"net"

	"github.com/BurntSushi/toml"
)

// ServerConf controls the DNS-facing UDP listener.
type ServerConf struct {
	Host net.IP `toml:"host"`
	Port uint16 `toml:"port"`
	TTL  uint32 `toml:"ttl"`
}

// UpstreamConf is the resolver queries are forwarded to when not overridden.
type UpstreamConf struct {
	Host net.IP `toml:"host"`
	Port uint16 `toml:"port"`
}

// ProberConf controls the TCP-connect latency sweep.
type ProberConf struct {
	Port              uint16 `toml:"port"`
	Workers           uint16 `toml:"workers"`
	Times             uint16 `toml:"times"`
	TimeoutMS         uint64 `toml:"timeout"`
	IntervalMS        uint64 `toml:"interval"`
	CooldownSeconds   uint64 `toml:"cooldown"`
	DropFailedSamples bool   `toml:"drop_failed_samples"`
}

// ResourceConf points at the plain-text CIDR and domain lists.
type ResourceConf struct {
	IPv4Filepath   string `toml:"ipv4_filepath"`
	DomainFilepath string `toml:"domain_filepath"`
}

// OracleConf selects and tunes the CdnDomainOracle strategy.
type OracleConf struct {
	Mode         string `toml:"mode"`          // "static" or "cache"
	ProperSuffix bool   `toml:"proper_suffix"` // static oracle only
}

// Config is the top-level, fully-decoded configuration tree.
type Config struct {
	Server   ServerConf   `toml:"server"`
	Upstream UpstreamConf `toml:"upstream"`
	Ping     ProberConf   `toml:"ping"`
	Resource ResourceConf `toml:"resource"`
	Oracle   OracleConf   `toml:"oracle"`
}

// DefaultPath is used when no --config flag is supplied.
const DefaultPath = "conf/config.toml"

// applyDefaults fills in values the original reference implementation
// hard-coded, for fields that are safe to omit from a config file.
func (c *Config) applyDefaults() {
	if c.Ping.CooldownSeconds == 0 {
		c.Ping.CooldownSeconds = 7200
	}
	if c.Oracle.Mode == "" {
		c.Oracle.Mode = "cache"
	}
}

// Load reads and decodes the TOML configuration file at path. An empty path
// falls back to DefaultPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.applyDefaults()
	// proper_suffix defaults to true; a plain bool cannot tell "omitted"
	// from "false", so ask the decoder whether the key was present.
	if !md.IsDefined("oracle", "proper_suffix") {
		cfg.Oracle.ProperSuffix = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port must be set")
	}
	if c.Upstream.Host == nil {
		return fmt.Errorf("upstream.host must be set")
	}
	if c.Resource.IPv4Filepath == "" {
		return fmt.Errorf("resource.ipv4_filepath must be set")
	}
	if c.Resource.DomainFilepath == "" {
		return fmt.Errorf("resource.domain_filepath must be set")
	}
	switch c.Oracle.Mode {
	case "static", "cache":
	default:
		return fmt.Errorf("oracle.mode must be %q or %q, got %q", "static", "cache", c.Oracle.Mode)
	}
	return nil
}
