package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "GPSGW"

type Config struct {
	Device  DeviceConfig  `mapstructure:"device"`
	Viewer  ViewerConfig  `mapstructure:"viewer"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Store   StoreConfig   `mapstructure:"store"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Nats    NatsConfig    `mapstructure:"nats"`
	Log     LogConfig     `mapstructure:"log"`
}

type DeviceConfig struct {
	ListenAddr    string        `mapstructure:"listen_addr" validate:"required"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout" validate:"min=0"`
	ProxyProtocol bool          `mapstructure:"proxy_protocol"`
	TunnelAddr    string        `mapstructure:"tunnel_addr"`
	TunnelToken   string        `mapstructure:"tunnel_token" validate:"required_with=TunnelAddr"`
}

type ViewerConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr" validate:"required"`
	QueueSize      int           `mapstructure:"queue_size" validate:"min=1"`
	PingInterval   time.Duration `mapstructure:"ping_interval" validate:"min=0"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type MonitorConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	TokenHash  string `mapstructure:"token_hash"`
	IdSalt     string `mapstructure:"id_salt"`
}

type StoreConfig struct {
	DbUrl       string        `mapstructure:"db_url"`
	Table       string        `mapstructure:"table" validate:"required"`
	BufSize     int           `mapstructure:"buf_size" validate:"min=1"`
	MaxAgeFlush time.Duration `mapstructure:"max_age_flush" validate:"min=0"`
}

type RedisConfig struct {
	Addr string        `mapstructure:"addr"`
	DB   int           `mapstructure:"db" validate:"min=0"`
	TTL  time.Duration `mapstructure:"ttl" validate:"min=0"`
}

type NatsConfig struct {
	Url     string `mapstructure:"url"`
	Subject string `mapstructure:"subject" validate:"required"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device.listen_addr", ":5023")
	v.SetDefault("device.read_timeout", 10*time.Minute)
	v.SetDefault("device.proxy_protocol", true)
	v.SetDefault("device.tunnel_addr", "")
	v.SetDefault("device.tunnel_token", "")
	v.SetDefault("viewer.listen_addr", ":5024")
	v.SetDefault("viewer.queue_size", 256)
	v.SetDefault("viewer.ping_interval", 30*time.Second)
	v.SetDefault("viewer.allowed_origins", []string{"*"})
	v.SetDefault("monitor.listen_addr", "localhost:5025")
	v.SetDefault("monitor.token_hash", "")
	v.SetDefault("monitor.id_salt", "gpsgateway")
	v.SetDefault("store.db_url", "")
	v.SetDefault("store.table", "locations")
	v.SetDefault("store.buf_size", 100)
	v.SetDefault("store.max_age_flush", 5*time.Second)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 24*time.Hour)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "gps.reports")
	v.SetDefault("log.level", "info")
}

// Flags declares the command line overrides understood by Load.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("gateway", pflag.ContinueOnError)
	fs.String("config", "", "path to a config file (yaml, json or toml)")
	fs.String("device.listen_addr", ":5023", "device listener address")
	fs.String("viewer.listen_addr", ":5024", "viewer websocket listener address")
	fs.String("monitor.listen_addr", "localhost:5025", "monitoring api address, empty to disable")
	fs.String("store.db_url", "", "postgres url for report history, empty to disable")
	fs.String("redis.addr", "", "redis address for last known positions, empty to disable")
	fs.String("nats.url", "", "nats url to relay reports to, empty to disable")
	fs.String("log.level", "info", "log level: trace, debug, info, warn, error")
	return fs
}

// Load merges defaults, the optional config file, GPSGW_* environment
// variables and changed flags, in increasing priority.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
