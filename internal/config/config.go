// Package config loads the settings of the string node and the lighthouse
// from an optional YAML file overlaid with environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"stringcomm/internal/lighthouse"
)

// Node configures the chat node.
type Node struct {
	Home           string        `mapstructure:"home"`
	Name           string        `mapstructure:"name"`
	Listen         string        `mapstructure:"listen"`
	AdvertiseIP    string        `mapstructure:"advertise_ip"`
	Lighthouse     string        `mapstructure:"lighthouse"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFile        string        `mapstructure:"log_file"`
	PassphraseEnv  string        `mapstructure:"passphrase_env"`
	MetricsAddress string        `mapstructure:"metrics_address"`
	Heartbeat      time.Duration `mapstructure:"heartbeat"`
	PeerExchange   time.Duration `mapstructure:"peer_exchange"`
	TargetPeers    int           `mapstructure:"target_peers"`
	Gossip         GossipConfig  `mapstructure:"gossip"`
	Session        SessionConfig `mapstructure:"session"`
}

type GossipConfig struct {
	TTL       uint32 `mapstructure:"ttl"`
	Fanout    int    `mapstructure:"fanout"`
	CacheSize int    `mapstructure:"cache_size"`
}

type SessionConfig struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	MaxFailures      int           `mapstructure:"max_failures"`
}

// Lighthouse configures the rendezvous server.
type Lighthouse struct {
	Listen              string        `mapstructure:"listen"`
	Store               string        `mapstructure:"store"`
	DSN                 string        `mapstructure:"dsn"`
	LogLevel            string        `mapstructure:"log_level"`
	EndpointTTL         time.Duration `mapstructure:"endpoint_ttl"`
	PendingTTL          time.Duration `mapstructure:"pending_ttl"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	ClockSkew           time.Duration `mapstructure:"clock_skew"`
	RateLimit           float64       `mapstructure:"rate_limit"`
	Burst               int           `mapstructure:"burst"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
}

const (
	defaultName          = "anonymous"
	defaultListen        = ":7070"
	defaultLogLevel      = "info"
	defaultPassphraseEnv = "STRING_PASSPHRASE"
	defaultHeartbeat     = 30 * time.Second
	defaultPeerExchange  = 20 * time.Second
	defaultTargetPeers   = 4
	defaultGossipTTL     = 8
	defaultGossipFanout  = 0
	defaultGossipCache   = 4096

	defaultHandshakeTimeout = 10 * time.Second
	defaultMaxFailures      = 3

	defaultLighthouseListen = ":8080"
	defaultRateLimit        = 10
	defaultBurst            = 20
	defaultGracePeriod      = 10 * time.Second

	// StoreSQLite and StoreMemory name the lighthouse backends.
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// DefaultHome is ~/.string, or .string when the home directory is unknown.
func DefaultHome() string {
	h, err := os.UserHomeDir()
	if err != nil {
		return ".string"
	}
	return filepath.Join(h, ".string")
}

func newViper(prefix string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

func read(v *viper.Viper, path string, out any) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

// LoadNode reads the node configuration from path (if any) and the
// environment. Variables are prefixed with STRING_, so gossip.ttl is
// STRING_GOSSIP_TTL.
func LoadNode(path string) (Node, error) {
	v := newViper("STRING")
	v.SetDefault("home", DefaultHome())
	v.SetDefault("name", defaultName)
	v.SetDefault("listen", defaultListen)
	v.SetDefault("advertise_ip", "")
	v.SetDefault("lighthouse", "")
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_file", "")
	v.SetDefault("passphrase_env", defaultPassphraseEnv)
	v.SetDefault("metrics_address", "")
	v.SetDefault("heartbeat", defaultHeartbeat.String())
	v.SetDefault("peer_exchange", defaultPeerExchange.String())
	v.SetDefault("target_peers", defaultTargetPeers)
	v.SetDefault("gossip.ttl", defaultGossipTTL)
	v.SetDefault("gossip.fanout", defaultGossipFanout)
	v.SetDefault("gossip.cache_size", defaultGossipCache)
	v.SetDefault("session.handshake_timeout", defaultHandshakeTimeout.String())
	v.SetDefault("session.max_failures", defaultMaxFailures)

	var cfg Node
	if err := read(v, path, &cfg); err != nil {
		return Node{}, err
	}

	if cfg.Home == "" {
		cfg.Home = DefaultHome()
	}
	if cfg.Name == "" {
		cfg.Name = defaultName
	}
	if cfg.Listen == "" {
		cfg.Listen = defaultListen
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.PassphraseEnv == "" {
		cfg.PassphraseEnv = defaultPassphraseEnv
	}
	if cfg.Heartbeat <= 0 {
		return Node{}, fmt.Errorf("invalid heartbeat %s", cfg.Heartbeat)
	}
	if cfg.PeerExchange <= 0 {
		return Node{}, fmt.Errorf("invalid peer_exchange %s", cfg.PeerExchange)
	}
	if cfg.Gossip.TTL == 0 {
		return Node{}, fmt.Errorf("gossip.ttl must be positive")
	}
	return cfg, nil
}

// Passphrase fetches the identity passphrase from the configured
// environment variable. ok is false when the variable is unset or blank.
func (c Node) Passphrase() (string, bool) {
	env := c.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	val := strings.TrimSpace(getenv(env))
	return val, val != ""
}

// LoadLighthouse reads the lighthouse configuration. Variables are
// prefixed with LIGHTHOUSE_.
func LoadLighthouse(path string) (Lighthouse, error) {
	def := lighthouse.DefaultConfig()
	v := newViper("LIGHTHOUSE")
	v.SetDefault("listen", defaultLighthouseListen)
	v.SetDefault("store", StoreSQLite)
	v.SetDefault("dsn", lighthouse.DefaultDSN)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("endpoint_ttl", def.EndpointTTL.String())
	v.SetDefault("pending_ttl", def.PendingTTL.String())
	v.SetDefault("sweep_interval", def.SweepInterval.String())
	v.SetDefault("clock_skew", def.ClockSkew.String())
	v.SetDefault("rate_limit", defaultRateLimit)
	v.SetDefault("burst", defaultBurst)
	v.SetDefault("shutdown_grace_period", defaultGracePeriod.String())

	var cfg Lighthouse
	if err := read(v, path, &cfg); err != nil {
		return Lighthouse{}, err
	}

	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	switch cfg.Store {
	case StoreSQLite, StoreMemory:
	case "":
		cfg.Store = StoreSQLite
	default:
		return Lighthouse{}, fmt.Errorf("unknown store %q", cfg.Store)
	}
	if cfg.Listen == "" {
		cfg.Listen = defaultLighthouseListen
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.ShutdownGracePeriod <= 0 {
		cfg.ShutdownGracePeriod = defaultGracePeriod
	}
	if cfg.RateLimit < 0 {
		return Lighthouse{}, fmt.Errorf("invalid rate_limit %v", cfg.RateLimit)
	}
	return cfg, nil
}

// Service converts the lifetimes into the lighthouse service settings.
func (c Lighthouse) Service() lighthouse.Config {
	return lighthouse.Config{
		EndpointTTL:   c.EndpointTTL,
		PendingTTL:    c.PendingTTL,
		SweepInterval: c.SweepInterval,
		ClockSkew:     c.ClockSkew,
	}
}

// split out for testing.
var getenv = os.Getenv
