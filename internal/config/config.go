package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	serverEnvPrefix = "TEAMCHAT"
	clientEnvPrefix = "CHATCLIENT"
)

type Config struct {
	ServerAddr      string
	DatabaseDSN     string
	SigningKey      []byte
	AllowedOrigins  []string
	RedisAddr       string
	AMQPURL         string
	IdleRoomTimeout time.Duration
	LogLevel        string
	LogFormat       string
}

type serverFile struct {
	Addr            string        `mapstructure:"addr"`
	DatabaseDSN     string        `mapstructure:"database_dsn"`
	SigningKey      string        `mapstructure:"signing_key"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	RedisAddr       string        `mapstructure:"redis_addr"`
	AMQPURL         string        `mapstructure:"amqp_url"`
	IdleRoomTimeout time.Duration `mapstructure:"idle_room_timeout"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:      serverAddr,
		DatabaseDSN:     databaseDSN,
		SigningKey:      signingKey,
		AllowedOrigins:  allowedOrigins,
		IdleRoomTimeout: 5 * time.Second,
		LogLevel:        "info",
		LogFormat:       "json",
	}, nil
}

// LoadEnvFile loads variables from a dotenv file into the process
// environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func newViper(prefix, configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return v, nil
}

// LoadServerConfig reads the server configuration from configFile (optional)
// and TEAMCHAT_* environment variables, which take precedence.
func LoadServerConfig(configFile string) (*Config, error) {
	v, err := newViper(serverEnvPrefix, configFile)
	if err != nil {
		return nil, err
	}

	v.SetDefault("addr", "localhost:8000")
	v.SetDefault("database_dsn", "")
	v.SetDefault("signing_key", "")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("redis_addr", "")
	v.SetDefault("amqp_url", "")
	v.SetDefault("idle_room_timeout", 5*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	var raw serverFile
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg, err := NewConfig(raw.Addr, raw.DatabaseDSN, raw.SigningKey, raw.AllowedOrigins)
	if err != nil {
		return nil, err
	}

	cfg.RedisAddr = raw.RedisAddr
	cfg.AMQPURL = raw.AMQPURL
	cfg.LogLevel = raw.LogLevel
	cfg.LogFormat = raw.LogFormat
	if raw.IdleRoomTimeout > 0 {
		cfg.IdleRoomTimeout = raw.IdleRoomTimeout
	}

	return cfg, nil
}

const (
	JoinPolicyKnown    = "known"
	JoinPolicyOnDemand = "on_demand"
)

type ClientConfig struct {
	ServerURL      string        `mapstructure:"server_url"`
	Workspace      string        `mapstructure:"workspace"`
	Token          string        `mapstructure:"token"`
	CacheDir       string        `mapstructure:"cache_dir"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	PageSize       int           `mapstructure:"page_size"`
	TypingTTL      time.Duration `mapstructure:"typing_ttl"`
	JoinPolicy     string        `mapstructure:"join_policy"`
	LogLevel       string        `mapstructure:"log_level"`
}

func setClientDefaults(v *viper.Viper) {
	v.SetDefault("server_url", "http://localhost:8000")
	v.SetDefault("workspace", "")
	v.SetDefault("token", "")
	v.SetDefault("cache_dir", "")
	v.SetDefault("backoff_base", time.Second)
	v.SetDefault("backoff_cap", 30*time.Second)
	v.SetDefault("max_attempts", 8)
	v.SetDefault("connect_timeout", 10*time.Second)
	v.SetDefault("fetch_timeout", 10*time.Second)
	v.SetDefault("page_size", 50)
	v.SetDefault("typing_ttl", 5*time.Second)
	v.SetDefault("join_policy", JoinPolicyKnown)
	v.SetDefault("log_level", "warn")
}

// LoadClientConfig reads the client configuration. Values already set on v
// (for example bound command line flags) override the file and environment.
func LoadClientConfig(v *viper.Viper, configFile string) (*ClientConfig, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix(clientEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setClientDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server url %q must be an absolute http(s) url", c.ServerURL)
	}
	if c.Workspace == "" {
		return fmt.Errorf("workspace cannot be empty")
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoff cap %s must be at least base %s", c.BackoffCap, c.BackoffBase)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.PageSize <= 0 || c.PageSize > 200 {
		return fmt.Errorf("page size must be between 1 and 200")
	}
	if c.TypingTTL <= 0 {
		return fmt.Errorf("typing ttl must be positive")
	}
	if c.JoinPolicy != JoinPolicyKnown && c.JoinPolicy != JoinPolicyOnDemand {
		return fmt.Errorf("unknown join policy %q", c.JoinPolicy)
	}
	return nil
}
