// config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the complete configuration for the service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	ServiceBus ServiceBusConfig `mapstructure:"service_bus"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Unlock     UnlockConfig     `mapstructure:"unlock"`
	Commands   CommandsConfig   `mapstructure:"commands"`
	Presence   PresenceConfig   `mapstructure:"presence"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Log        LogConfig        `mapstructure:"log"`
	Logger     *logrus.Logger
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// BaseURL is where CLI subcommands reach a running server.
	BaseURL string `mapstructure:"base_url"`
}

// DatabaseConfig holds the relational store settings. ServiceDSN carries the
// elevated credentials and wins over AnonDSN when both are set.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	ServiceDSN      string        `mapstructure:"service_dsn"`
	AnonDSN         string        `mapstructure:"anon_dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	EnableTracing   bool          `mapstructure:"enable_tracing"`
}

// EffectiveDSN picks the connection string by credential tier.
func (c DatabaseConfig) EffectiveDSN() string {
	switch {
	case c.ServiceDSN != "":
		return c.ServiceDSN
	case c.AnonDSN != "":
		return c.AnonDSN
	default:
		return c.DSN
	}
}

// RedisConfig holds the Redis connection settings. An empty Addr disables Redis.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// ServiceBusConfig holds the Azure Service Bus settings.
type ServiceBusConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	QueueName        string `mapstructure:"queue_name"`
}

// MQTTConfig holds the broker settings for the command bridge.
type MQTTConfig struct {
	BrokerURL         string        `mapstructure:"broker_url"`
	ClientID          string        `mapstructure:"client_id"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	QoS               byte          `mapstructure:"qos"`
	CleanSession      bool          `mapstructure:"clean_session"`
	TopicPrefix       string        `mapstructure:"topic_prefix"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
}

// UnlockConfig guards the quick-unlock endpoint. An empty Token leaves it open.
type UnlockConfig struct {
	Token string `mapstructure:"token"`
}

// CommandsConfig tunes command polling.
type CommandsConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	MaxWaitTimeout time.Duration `mapstructure:"max_wait_timeout"`
	HistoryLimit   int           `mapstructure:"history_limit"`
	LogLimit       int           `mapstructure:"log_limit"`
	KnownDevices   int           `mapstructure:"known_devices"`
}

// PresenceConfig holds the single online/offline threshold used by every view.
type PresenceConfig struct {
	OnlineThreshold time.Duration `mapstructure:"online_threshold"`
}

// ArchiveConfig holds S3 export settings.
type ArchiveConfig struct {
	Bucket string `mapstructure:"bucket"`
	Region string `mapstructure:"region"`
	Prefix string `mapstructure:"prefix"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DOORLOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error if using env vars
		} else if !isMissingFile(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "90s")
	v.SetDefault("server.base_url", "http://localhost:8080")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.service_dsn", "")
	v.SetDefault("database.anon_dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.enable_tracing", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.key_prefix", "doorlock")

	v.SetDefault("service_bus.connection_string", "")
	v.SetDefault("service_bus.queue_name", "doorlock-commands")

	v.SetDefault("mqtt.broker_url", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.clean_session", false)
	v.SetDefault("mqtt.topic_prefix", "doorlock")
	v.SetDefault("mqtt.keep_alive", "30s")
	v.SetDefault("mqtt.connect_timeout", "10s")
	v.SetDefault("mqtt.max_reconnect_delay", "2m")

	v.SetDefault("unlock.token", "")

	v.SetDefault("commands.poll_interval", "1s")
	v.SetDefault("commands.poll_timeout", "60s")
	v.SetDefault("commands.max_wait_timeout", "60s")
	v.SetDefault("commands.history_limit", 50)
	v.SetDefault("commands.log_limit", 100)
	v.SetDefault("commands.known_devices", 1024)

	v.SetDefault("presence.online_threshold", "120s")

	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.prefix", "doorlock")

	v.SetDefault("log.level", "info")
}

func (c *Config) validate() error {
	if c.Commands.PollInterval <= 0 {
		return fmt.Errorf("commands.poll_interval must be positive")
	}
	if c.Commands.PollTimeout <= 0 {
		return fmt.Errorf("commands.poll_timeout must be positive")
	}
	if c.Presence.OnlineThreshold <= 0 {
		return fmt.Errorf("presence.online_threshold must be positive")
	}
	// Waits must finish inside the server write timeout.
	if c.Server.WriteTimeout > 0 && c.Commands.MaxWaitTimeout >= c.Server.WriteTimeout {
		return fmt.Errorf("commands.max_wait_timeout (%s) must be shorter than server.write_timeout (%s)",
			c.Commands.MaxWaitTimeout, c.Server.WriteTimeout)
	}
	return nil
}

// SetConfigFile with an explicit path reports a missing file as a plain
// fs error rather than ConfigFileNotFoundError.
func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
