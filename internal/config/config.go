package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/phuslu/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"nuha.dev/rtls/internal/relay/heartbeat"
	"nuha.dev/rtls/internal/tunnel"
	"nuha.dev/rtls/internal/webstream"
)

var ErrInvalidConfig = errors.New("invalid config")

type NatsConfig struct {
	URL     string
	Subject string
}

type Config struct {
	ListenAddr    string
	MonitorAddr   string
	ProxyProtocol bool
	TLSCert       string
	TLSKey        string
	LogLevel      string
	LogConsole    bool
	Heartbeat     heartbeat.Config
	WS            webstream.WebStreamConfig
	Tunnel        tunnel.Config
	Nats          NatsConfig
}

func flags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (yaml, json or toml)")
	fs.String("listen_addr", ":8080", "websocket listen address")
	fs.String("monitor_addr", ":8081", "status api listen address, empty to disable")
	fs.Bool("proxy_protocol", false, "expect PROXY protocol headers on the relay listener")
	fs.String("tls_cert", "", "tls certificate file")
	fs.String("tls_key", "", "tls key file")
	fs.String("log_level", "info", "trace, debug, info, warn or error")
	fs.Bool("log_console", false, "human readable log output")
	fs.Duration("heartbeat.interval", heartbeat.DefaultInterval, "time between ping rounds")
	fs.Duration("heartbeat.grace", heartbeat.DefaultGrace, "time allowed for a pong")
	fs.Int("ws.send_queue", 64, "outbound frames buffered per connection")
	fs.Duration("ws.write_timeout", 10*time.Second, "per frame write timeout")
	fs.Int64("ws.read_limit", 32768, "max inbound frame size")
	fs.StringSlice("ws.origin_patterns", nil, "allowed websocket origins, empty allows any")
	fs.String("tunnel.addr", "", "tunnel server address, empty to disable")
	fs.String("tunnel.token", "", "tunnel auth token")
	fs.Duration("tunnel.retry", 2*time.Second, "pause between tunnel dials")
	fs.String("nats.url", "", "nats url for the event mirror, empty to disable")
	fs.String("nats.subject", "rtls", "subject prefix for mirrored events")
}

// Load reads flags from args, then RTLS_* environment variables, then the
// optional config file. Flags win over env, env over file.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("rtls", pflag.ContinueOnError)
	flags(fs)
	err := fs.Parse(args)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	err = v.BindPFlags(fs)
	if err != nil {
		return nil, err
	}
	v.SetEnvPrefix("RTLS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		err = v.ReadInConfig()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
	}

	c := &Config{
		ListenAddr:    v.GetString("listen_addr"),
		MonitorAddr:   v.GetString("monitor_addr"),
		ProxyProtocol: v.GetBool("proxy_protocol"),
		TLSCert:       v.GetString("tls_cert"),
		TLSKey:        v.GetString("tls_key"),
		LogLevel:      v.GetString("log_level"),
		LogConsole:    v.GetBool("log_console"),
		Heartbeat: heartbeat.Config{
			Interval: v.GetDuration("heartbeat.interval"),
			Grace:    v.GetDuration("heartbeat.grace"),
		},
		WS: webstream.WebStreamConfig{
			SendQueue:      v.GetInt("ws.send_queue"),
			WriteTimeout:   v.GetDuration("ws.write_timeout"),
			ReadLimit:      v.GetInt64("ws.read_limit"),
			OriginPatterns: v.GetStringSlice("ws.origin_patterns"),
		},
		Tunnel: tunnel.Config{
			Addr:  v.GetString("tunnel.addr"),
			Token: v.GetString("tunnel.token"),
			Retry: v.GetDuration("tunnel.retry"),
		},
		Nats: NatsConfig{
			URL:     v.GetString("nats.url"),
			Subject: v.GetString("nats.subject"),
		},
	}
	return c, c.validate()
}

func (c *Config) validate() error {
	if c.ListenAddr == "" && c.Tunnel.Addr == "" {
		return fmt.Errorf("%w: neither listen_addr nor tunnel.addr set", ErrInvalidConfig)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("%w: tls_cert and tls_key go together", ErrInvalidConfig)
	}
	if c.Heartbeat.Interval <= 0 || c.Heartbeat.Grace <= 0 {
		return fmt.Errorf("%w: heartbeat durations must be positive", ErrInvalidConfig)
	}
	if c.Heartbeat.Grace >= c.Heartbeat.Interval {
		return fmt.Errorf("%w: heartbeat.grace must be shorter than heartbeat.interval", ErrInvalidConfig)
	}
	if c.Tunnel.Addr != "" && c.Tunnel.Token == "" {
		return fmt.Errorf("%w: tunnel.token required with tunnel.addr", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) Logger() log.Logger {
	logger := log.DefaultLogger
	logger.Level = log.ParseLevel(c.LogLevel)
	if c.LogConsole {
		logger.Writer = &log.ConsoleWriter{ColorOutput: true, EndWithMessage: true}
	} else {
		logger.Writer = &log.IOWriter{Writer: os.Stderr}
	}
	return logger
}
