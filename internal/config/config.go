// Package config loads trackcored's runtime configuration through viper:
// built-in defaults, an optional config file, then TRACKCORE_-prefixed
// environment variables, each layer overriding the last. This replaces the
// teacher's flat os.Getenv reads with the ecosystem's standard layered
// config loader, wired through a cobra command in cmd/trackcored.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type PostgresConfig struct {
	Host          string
	Port          string
	User          string
	Password      string
	DBName        string
	MaxConns      int32
	BatchSize     int
	FlushInterval time.Duration
	ChannelSize   int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// GatewayConfig overrides gateway.DefaultListeners' ports by protocol name.
// A zero value leaves the corresponding protocol at its stock port.
type GatewayConfig struct {
	TeltonikaPort int
	GT06Port      int
	H02Port       int
	QueclinkPort  int
	FlespiPort    int
	TK103Port     int
	OsmAndPort    int
	TotemPort     int
}

type HTTPConfig struct {
	Addr string
}

type DispatcherConfig struct {
	AckTimeout time.Duration
}

type AuthConfig struct {
	CacheTTL time.Duration
	// APIKeys seeds the static fallback tier for environments running
	// without a provisioned Redis-backed key store yet.
	APIKeys []string
}

type Config struct {
	Postgres   PostgresConfig
	Redis      RedisConfig
	Gateway    GatewayConfig
	HTTP       HTTPConfig
	Dispatcher DispatcherConfig
	Auth       AuthConfig

	LogLevel string
}

// Load builds a Config from defaults, an optional config file at path (pass
// "" to skip), and TRACKCORE_-prefixed environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("trackcore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Postgres: PostgresConfig{
			Host:          v.GetString("postgres.host"),
			Port:          v.GetString("postgres.port"),
			User:          v.GetString("postgres.user"),
			Password:      v.GetString("postgres.password"),
			DBName:        v.GetString("postgres.dbname"),
			MaxConns:      int32(v.GetInt("postgres.max_conns")),
			BatchSize:     v.GetInt("postgres.batch_size"),
			FlushInterval: v.GetDuration("postgres.flush_interval"),
			ChannelSize:   v.GetInt("postgres.channel_size"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Gateway: GatewayConfig{
			TeltonikaPort: v.GetInt("gateway.teltonika_port"),
			GT06Port:      v.GetInt("gateway.gt06_port"),
			H02Port:       v.GetInt("gateway.h02_port"),
			QueclinkPort:  v.GetInt("gateway.queclink_port"),
			FlespiPort:    v.GetInt("gateway.flespi_port"),
			TK103Port:     v.GetInt("gateway.tk103_port"),
			OsmAndPort:    v.GetInt("gateway.osmand_port"),
			TotemPort:     v.GetInt("gateway.totem_port"),
		},
		HTTP: HTTPConfig{
			Addr: v.GetString("http.addr"),
		},
		Dispatcher: DispatcherConfig{
			AckTimeout: v.GetDuration("dispatcher.ack_timeout"),
		},
		Auth: AuthConfig{
			CacheTTL: v.GetDuration("auth.cache_ttl"),
			APIKeys:  v.GetStringSlice("auth.api_keys"),
		},
		LogLevel: v.GetString("log_level"),
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.user", "trackcore")
	v.SetDefault("postgres.password", "trackcore")
	v.SetDefault("postgres.dbname", "trackcore")
	v.SetDefault("postgres.max_conns", 15)
	v.SetDefault("postgres.batch_size", 500)
	v.SetDefault("postgres.flush_interval", 100*time.Millisecond)
	v.SetDefault("postgres.channel_size", 10000)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("gateway.teltonika_port", 5027)
	v.SetDefault("gateway.gt06_port", 5023)
	v.SetDefault("gateway.h02_port", 5025)
	v.SetDefault("gateway.queclink_port", 5026)
	v.SetDefault("gateway.flespi_port", 5149)
	v.SetDefault("gateway.tk103_port", 5021)
	v.SetDefault("gateway.osmand_port", 5055)
	v.SetDefault("gateway.totem_port", 5028)

	v.SetDefault("http.addr", ":8001")
	v.SetDefault("dispatcher.ack_timeout", 60*time.Second)
	v.SetDefault("auth.cache_ttl", 5*time.Minute)
	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("log_level", "info")
}

// ListenerOverride pairs a protocol name with the configured port for it;
// cmd/trackcored merges this against gateway.DefaultListeners.
type ListenerOverride struct {
	Protocol string
	Port     int
}

// Listeners builds the override table cmd/trackcored merges against
// gateway.DefaultListeners, one entry per supported protocol.
func (c *Config) Listeners() []ListenerOverride {
	return []ListenerOverride{
		{Protocol: "teltonika", Port: c.Gateway.TeltonikaPort},
		{Protocol: "gt06", Port: c.Gateway.GT06Port},
		{Protocol: "h02", Port: c.Gateway.H02Port},
		{Protocol: "queclink", Port: c.Gateway.QueclinkPort},
		{Protocol: "flespi", Port: c.Gateway.FlespiPort},
		{Protocol: "tk103", Port: c.Gateway.TK103Port},
		{Protocol: "osmand", Port: c.Gateway.OsmAndPort},
		{Protocol: "totem", Port: c.Gateway.TotemPort},
	}
}
