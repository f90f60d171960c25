// Package config loads the node's YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"

	"github.com/ZentaChain/zentalk-mesh/pkg/api"
	"github.com/ZentaChain/zentalk-mesh/pkg/mesh"
	"github.com/ZentaChain/zentalk-mesh/pkg/storage"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
)

// Config is the complete node configuration.
type Config struct {
	Identity  IdentityConfig  `yaml:"identity"`
	Mesh      mesh.Config     `yaml:"mesh"`
	Transport TransportConfig `yaml:"transport"`
	Storage   StorageConfig   `yaml:"storage"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
}

// IdentityConfig locates the node's long-term keys.
type IdentityConfig struct {
	KeyPath  string `yaml:"key_path"`
	Nickname string `yaml:"nickname"`
}

// TransportConfig configures the libp2p transport.
type TransportConfig struct {
	ListenAddrs    []string `yaml:"listen_addrs"`
	BootstrapPeers []string `yaml:"bootstrap_peers,omitempty"`
	EnableMDNS     bool     `yaml:"enable_mdns"`
	ServiceName    string   `yaml:"service_name"`
}

// StorageConfig configures the packet archive. An empty Path disables it.
type StorageConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// APIConfig toggles the HTTP API.
type APIConfig struct {
	Enabled    bool `yaml:"enabled"`
	api.Config `yaml:",inline"`
}

// LogConfig selects the logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Identity: IdentityConfig{
			KeyPath:  "./mesh-data/identity.key",
			Nickname: "zentalk",
		},
		Mesh: mesh.DefaultConfig(),
		Transport: TransportConfig{
			ListenAddrs: []string{"/ip4/0.0.0.0/tcp/4001"},
			EnableMDNS:  true,
			ServiceName: transport.DefaultServiceName,
		},
		Storage: StorageConfig{
			Path:      "./mesh-data/archive.db",
			Retention: storage.DefaultRetention,
		},
		API: APIConfig{
			Enabled: true,
			Config:  api.DefaultConfig(),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults. Fields absent from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks values the components would otherwise reject at start-up.
func (c Config) Validate() error {
	var errs []error

	if c.Identity.KeyPath == "" {
		errs = append(errs, errors.New("identity.key_path is required"))
	}
	if !c.Mesh.BatteryMode.Valid() {
		errs = append(errs, fmt.Errorf("mesh.battery_mode: %w", mesh.ErrInvalidMode))
	}
	if c.Mesh.MinSignalQuality != nil && *c.Mesh.MinSignalQuality > 0 {
		errs = append(errs, fmt.Errorf("mesh.min_signal_quality must be <= 0 dBm, got %d", *c.Mesh.MinSignalQuality))
	}
	if len(c.Transport.ListenAddrs) == 0 {
		errs = append(errs, errors.New("transport.listen_addrs is empty"))
	}
	for _, addr := range c.Transport.ListenAddrs {
		if _, err := multiaddr.NewMultiaddr(addr); err != nil {
			errs = append(errs, fmt.Errorf("transport.listen_addrs %q: %w", addr, err))
		}
	}
	for _, addr := range c.Transport.BootstrapPeers {
		if _, err := multiaddr.NewMultiaddr(addr); err != nil {
			errs = append(errs, fmt.Errorf("transport.bootstrap_peers %q: %w", addr, err))
		}
	}
	if c.Storage.Path != "" && c.Storage.Retention <= 0 {
		errs = append(errs, errors.New("storage.retention must be positive"))
	}
	if c.API.Enabled {
		if c.API.ListenAddr == "" {
			errs = append(errs, errors.New("api.listen_addr is required when the API is enabled"))
		}
		if c.API.MaxBodyBytes <= 0 {
			errs = append(errs, errors.New("api.max_body_bytes must be positive"))
		}
		if c.API.SendTimeout <= 0 {
			errs = append(errs, errors.New("api.send_timeout must be positive"))
		}
	}

	return errors.Join(errs...)
}

// P2P converts the transport section for transport.NewP2P.
func (t TransportConfig) P2P() transport.P2PConfig {
	return transport.P2PConfig{
		ListenAddrs:    t.ListenAddrs,
		BootstrapPeers: t.BootstrapPeers,
		EnableMDNS:     t.EnableMDNS,
		ServiceName:    t.ServiceName,
	}
}
