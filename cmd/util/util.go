// Package util holds the configuration plumbing shared by the commands.
package util

import (
	"encoding/json"
	"fmt"
	"strings"

	"async-network/codec"
	"async-network/config"
	"async-network/eventloop"
	"async-network/registry"
	"async-network/transport"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Wrap is the column at which flag descriptions are wrapped.
const Wrap = 80

// WrapString wraps text at Wrap characters.
func WrapString(text string) string {
	var lines []string
	var line strings.Builder
	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > Wrap {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}

// InitConfig loads .env files and makes ASYNCNET_<FLAG> environment
// variables override flag defaults (e.g. ASYNCNET_LOG_LEVEL=debug).
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("asyncnet")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// AddCommonFlags registers the flags every command understands.
func AddCommonFlags(cmd *cobra.Command) {
	defaults := config.Default()

	key := "config"
	cmd.PersistentFlags().String(key, "", WrapString("Path to a TOML config file. Flags and environment variables override its values"))

	key = "log-level"
	cmd.PersistentFlags().String(key, defaults.Log.Level, WrapString("Log level (trace, debug, info, warn, error)"))

	key = "log-format"
	cmd.PersistentFlags().String(key, defaults.Log.Format, WrapString("Log format (text, json)"))

	key = "codec"
	cmd.PersistentFlags().String(key, defaults.Transport.Codec, WrapString("Body codec, must match the peer (json, gob, raw)"))

	key = "transport"
	cmd.PersistentFlags().String(key, defaults.Transport.Kind, WrapString("Stream transport (tcp, websocket)"))

	key = "transport-path"
	cmd.PersistentFlags().String(key, defaults.Transport.Path, WrapString("HTTP path of the websocket transport"))

	key = "timeout"
	cmd.PersistentFlags().Duration(key, defaults.Transport.Timeout, WrapString("Connect timeout"))

	key = "max-body-length"
	cmd.PersistentFlags().Uint32(key, defaults.Transport.MaxBodyLength, WrapString("Largest frame body accepted from a peer, in bytes"))

	key = "registry"
	cmd.PersistentFlags().String(key, defaults.Registry.Kind, WrapString("Service registry (etcd, none). memory only works inside one process"))

	key = "etcd-endpoints"
	cmd.PersistentFlags().String(key, strings.Join(defaults.Registry.Endpoints, ","), WrapString("Comma-separated etcd endpoints"))
}

// BindFlags binds the flags of the command being run to viper.
func BindFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// LoadConfig reads the --config file, or the defaults, and applies the common
// flags and environment variables that were set.
func LoadConfig() (config.Config, error) {
	cfg := config.Default()
	if path := viper.GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}

	if viper.IsSet("log-level") {
		cfg.Log.Level = viper.GetString("log-level")
	}
	if viper.IsSet("log-format") {
		cfg.Log.Format = viper.GetString("log-format")
	}
	if viper.IsSet("codec") {
		cfg.Transport.Codec = viper.GetString("codec")
	}
	if viper.IsSet("transport") {
		cfg.Transport.Kind = viper.GetString("transport")
	}
	if viper.IsSet("transport-path") {
		cfg.Transport.Path = viper.GetString("transport-path")
	}
	if viper.IsSet("timeout") {
		cfg.Transport.Timeout = viper.GetDuration("timeout")
	}
	if viper.IsSet("max-body-length") {
		cfg.Transport.MaxBodyLength = viper.GetUint32("max-body-length")
	}
	if viper.IsSet("registry") {
		cfg.Registry.Kind = viper.GetString("registry")
	}
	if viper.IsSet("etcd-endpoints") {
		cfg.Registry.Endpoints = strings.Split(viper.GetString("etcd-endpoints"), ",")
	}
	return cfg, nil
}

// SetupLogging configures the standard logrus logger.
func SetupLogging(cfg config.LogConfig) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// NewRegistry opens the configured registry. The returned close function is
// never nil. A nil registry means discovery is disabled.
func NewRegistry(cfg config.RegistryConfig) (registry.Registry, func(), error) {
	switch cfg.Kind {
	case "etcd":
		reg, err := registry.NewEtcdRegistry(cfg.Endpoints, cfg.DialTimeout, cfg.TTL)
		if err != nil {
			return nil, func() {}, fmt.Errorf("connect etcd %v: %w", cfg.Endpoints, err)
		}
		return reg, func() { reg.Close() }, nil
	case "memory":
		return registry.NewMemoryRegistry(), func() {}, nil
	default:
		return nil, func() {}, nil
	}
}

// Codec returns the configured body codec.
func Codec(cfg config.TransportConfig) (codec.Codec, error) {
	return codec.ParseCodec(cfg.Codec)
}

func tcpOptions(cfg config.TransportConfig) transport.TCPOptions {
	opts := transport.DefaultTCPOptions()
	opts.NoDelay = cfg.NoDelay
	return opts
}

func NewDialer(loop *eventloop.Loop, cfg config.TransportConfig) transport.Dialer {
	if cfg.Kind == "websocket" {
		return transport.NewWebSocketDialer(loop, cfg.Path)
	}
	return transport.NewTCPDialer(loop, tcpOptions(cfg))
}

func NewListener(loop *eventloop.Loop, cfg config.TransportConfig) transport.Listener {
	if cfg.Kind == "websocket" {
		return transport.NewWebSocketListener(loop, "", cfg.Path)
	}
	return transport.NewTCPListener(loop, tcpOptions(cfg))
}

// ParseValue reads a command-line payload as JSON, falling back to the plain
// string when it is not valid JSON.
func ParseValue(s string) any {
	if s == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// FormatValue renders a decoded body for printing.
func FormatValue(v any) string {
	switch b := v.(type) {
	case nil:
		return "<empty>"
	case []byte:
		return string(b)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
