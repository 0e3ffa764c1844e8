// Package config loads the TOML configuration shared by the serve, send and
// browse commands. Keys absent from the file keep their defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"async-network/codec"
	"async-network/loadbalance"
	"async-network/registry"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig
	Client    ClientConfig
	Registry  RegistryConfig
	Transport TransportConfig
	Log       LogConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Port                       int
	ServiceName                string
	ServiceType                string
	ServiceDomain              string
	AdvertiseHost              string
	DisconnectClientsAfterSend bool
	RateLimit                  float64 // messages per second, 0 = unlimited
	RateBurst                  int
}

type ClientConfig struct {
	Host     string
	Port     int
	Service  string // resolve through the registry instead of Host/Port
	Balancer string // roundrobin, weighted or consistenthash
	HashKey  string
}

type RegistryConfig struct {
	Kind        string // etcd, memory or none
	Endpoints   []string
	DialTimeout time.Duration
	TTL         int64 // seconds
}

type TransportConfig struct {
	Kind          string // tcp or websocket
	Path          string // websocket path
	NoDelay       bool
	Timeout       time.Duration
	Codec         string
	MaxBodyLength uint32
}

type LogConfig struct {
	Level  string
	Format string // text or json
}

type MetricsConfig struct {
	Addr      string // empty disables the /metrics endpoint
	Namespace string
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			ServiceType:   registry.DefaultServiceType,
			ServiceDomain: registry.DefaultServiceDomain,
		},
		Client: ClientConfig{
			Host:     "127.0.0.1",
			Balancer: "roundrobin",
		},
		Registry: RegistryConfig{
			Kind:        "none",
			Endpoints:   []string{"127.0.0.1:2379"},
			DialTimeout: 5 * time.Second,
			TTL:         registry.DefaultTTL,
		},
		Transport: TransportConfig{
			Kind:          "tcp",
			Path:          "/async-network",
			NoDelay:       true,
			Timeout:       30 * time.Second,
			Codec:         "json",
			MaxBodyLength: 64 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Namespace: "asyncnet",
		},
	}
}

type fileConfig struct {
	Server struct {
		Port                       int     `toml:"port"`
		ServiceName                string  `toml:"service_name"`
		ServiceType                string  `toml:"service_type"`
		ServiceDomain              string  `toml:"service_domain"`
		AdvertiseHost              string  `toml:"advertise_host"`
		DisconnectClientsAfterSend bool    `toml:"disconnect_clients_after_send"`
		RateLimit                  float64 `toml:"rate_limit"`
		RateBurst                  int     `toml:"rate_burst"`
	} `toml:"server"`
	Client struct {
		Host     string `toml:"host"`
		Port     int    `toml:"port"`
		Service  string `toml:"service"`
		Balancer string `toml:"balancer"`
		HashKey  string `toml:"hash_key"`
	} `toml:"client"`
	Registry struct {
		Kind        string   `toml:"kind"`
		Endpoints   []string `toml:"endpoints"`
		DialTimeout string   `toml:"dial_timeout"`
		TTL         int64    `toml:"ttl"`
	} `toml:"registry"`
	Transport struct {
		Kind          string `toml:"kind"`
		Path          string `toml:"path"`
		NoDelay       bool   `toml:"no_delay"`
		Timeout       string `toml:"timeout"`
		Codec         string `toml:"codec"`
		MaxBodyLength uint32 `toml:"max_body_length"`
	} `toml:"transport"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
	Metrics struct {
		Addr      string `toml:"addr"`
		Namespace string `toml:"namespace"`
	} `toml:"metrics"`
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg, err := merge(Default(), raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Decode parses TOML text over the defaults; used for embedded configs.
func Decode(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg, err := merge(Default(), raw, meta)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func merge(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}

	// server
	if meta.IsDefined("server", "port") {
		cfg.Server.Port = raw.Server.Port
	}
	if meta.IsDefined("server", "service_name") {
		cfg.Server.ServiceName = strings.TrimSpace(raw.Server.ServiceName)
	}
	if meta.IsDefined("server", "service_type") {
		cfg.Server.ServiceType = strings.TrimSpace(raw.Server.ServiceType)
	}
	if meta.IsDefined("server", "service_domain") {
		cfg.Server.ServiceDomain = strings.TrimSpace(raw.Server.ServiceDomain)
	}
	if meta.IsDefined("server", "advertise_host") {
		cfg.Server.AdvertiseHost = strings.TrimSpace(raw.Server.AdvertiseHost)
	}
	if meta.IsDefined("server", "disconnect_clients_after_send") {
		cfg.Server.DisconnectClientsAfterSend = raw.Server.DisconnectClientsAfterSend
	}
	if meta.IsDefined("server", "rate_limit") {
		cfg.Server.RateLimit = raw.Server.RateLimit
	}
	if meta.IsDefined("server", "rate_burst") {
		cfg.Server.RateBurst = raw.Server.RateBurst
	}

	// client
	if meta.IsDefined("client", "host") {
		cfg.Client.Host = strings.TrimSpace(raw.Client.Host)
	}
	if meta.IsDefined("client", "port") {
		cfg.Client.Port = raw.Client.Port
	}
	if meta.IsDefined("client", "service") {
		cfg.Client.Service = strings.TrimSpace(raw.Client.Service)
	}
	if meta.IsDefined("client", "balancer") {
		cfg.Client.Balancer = strings.TrimSpace(raw.Client.Balancer)
	}
	if meta.IsDefined("client", "hash_key") {
		cfg.Client.HashKey = raw.Client.HashKey
	}

	// registry
	if meta.IsDefined("registry", "kind") {
		cfg.Registry.Kind = strings.ToLower(strings.TrimSpace(raw.Registry.Kind))
	}
	if meta.IsDefined("registry", "endpoints") {
		cfg.Registry.Endpoints = normalizeList(raw.Registry.Endpoints)
	}
	if meta.IsDefined("registry", "dial_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Registry.DialTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse registry.dial_timeout: %w", err)
		}
		cfg.Registry.DialTimeout = d
	}
	if meta.IsDefined("registry", "ttl") {
		cfg.Registry.TTL = raw.Registry.TTL
	}

	// transport
	if meta.IsDefined("transport", "kind") {
		cfg.Transport.Kind = strings.ToLower(strings.TrimSpace(raw.Transport.Kind))
	}
	if meta.IsDefined("transport", "path") {
		cfg.Transport.Path = strings.TrimSpace(raw.Transport.Path)
	}
	if meta.IsDefined("transport", "no_delay") {
		cfg.Transport.NoDelay = raw.Transport.NoDelay
	}
	if meta.IsDefined("transport", "timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Transport.Timeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse transport.timeout: %w", err)
		}
		cfg.Transport.Timeout = d
	}
	if meta.IsDefined("transport", "codec") {
		cfg.Transport.Codec = strings.ToLower(strings.TrimSpace(raw.Transport.Codec))
	}
	if meta.IsDefined("transport", "max_body_length") {
		cfg.Transport.MaxBodyLength = raw.Transport.MaxBodyLength
	}

	// log
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "format") {
		cfg.Log.Format = strings.ToLower(strings.TrimSpace(raw.Log.Format))
	}

	// metrics
	if meta.IsDefined("metrics", "addr") {
		cfg.Metrics.Addr = strings.TrimSpace(raw.Metrics.Addr)
	}
	if meta.IsDefined("metrics", "namespace") {
		cfg.Metrics.Namespace = strings.TrimSpace(raw.Metrics.Namespace)
	}
	return cfg, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate checks values that would otherwise only fail once in use.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Client.Port < 0 || c.Client.Port > 65535 {
		errs = append(errs, fmt.Errorf("client.port %d out of range", c.Client.Port))
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		errs = append(errs, errors.New("server.rate_limit and server.rate_burst must not be negative"))
	}
	if _, err := loadbalance.New(c.Client.Balancer, c.Client.HashKey); err != nil {
		errs = append(errs, err)
	}
	switch c.Registry.Kind {
	case "etcd":
		if len(c.Registry.Endpoints) == 0 {
			errs = append(errs, errors.New("registry.endpoints is empty"))
		}
	case "memory", "none", "":
	default:
		errs = append(errs, fmt.Errorf("registry.kind %q (expected etcd, memory or none)", c.Registry.Kind))
	}
	switch c.Transport.Kind {
	case "tcp", "websocket":
	default:
		errs = append(errs, fmt.Errorf("transport.kind %q (expected tcp or websocket)", c.Transport.Kind))
	}
	if _, err := codec.ParseCodec(c.Transport.Codec); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q (expected text or json)", c.Log.Format))
	}
	return errors.Join(errs...)
}
