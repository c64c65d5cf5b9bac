package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Redis     RedisConfig     `mapstructure:"redis"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Leader    LeaderConfig    `mapstructure:"leader"`
	Instance  InstanceConfig  `mapstructure:"instance"`
	Auth      AuthConfig      `mapstructure:"auth"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Bidding   BiddingConfig   `mapstructure:"bidding"`
	Closer    CloserConfig    `mapstructure:"closer"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

type AdminConfig struct {
	Port    int  `mapstructure:"port"`
	Enabled bool `mapstructure:"enabled"`
}

type RedisConfig struct {
	Address        string        `mapstructure:"address"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	Channel        string        `mapstructure:"channel"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	LeaderboardTTL time.Duration `mapstructure:"leaderboard_ttl"`
}

type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

type LeaderConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
	Key string        `mapstructure:"key"`
}

type InstanceConfig struct {
	ID string `mapstructure:"id"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type WebSocketConfig struct {
	SendBuffer         int           `mapstructure:"send_buffer"`
	MaxMessageSize     int64         `mapstructure:"max_message_size"`
	PingPeriod         time.Duration `mapstructure:"ping_period"`
	LivenessTimeout    time.Duration `mapstructure:"liveness_timeout"`
	ReapInterval       time.Duration `mapstructure:"reap_interval"`
	RateLimitPerSecond float64       `mapstructure:"rate_limit_per_second"`
	RateLimitBurst     int           `mapstructure:"rate_limit_burst"`
	AllowedOrigins     []string      `mapstructure:"allowed_origins"`
}

type BiddingConfig struct {
	MaxCommitAttempts int           `mapstructure:"max_commit_attempts"`
	CommitTimeout     time.Duration `mapstructure:"commit_timeout"`
}

type CloserConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("admin.port", 8081)
	v.SetDefault("admin.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "auction_events")
	v.SetDefault("redis.publish_timeout", 2*time.Second)
	v.SetDefault("redis.leaderboard_ttl", 72*time.Hour)
	v.SetDefault("mysql.dsn", "auction_user:auction_pass@tcp(localhost:3306)/auction_db?parseTime=true")
	v.SetDefault("mysql.max_open_conns", 25)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("mysql.migrate", false)
	v.SetDefault("leader.ttl", 30*time.Second)
	v.SetDefault("leader.key", "auction_leader")
	v.SetDefault("instance.id", defaultInstanceID())
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.ping_period", 25*time.Second)
	v.SetDefault("websocket.liveness_timeout", 60*time.Second)
	v.SetDefault("websocket.reap_interval", 15*time.Second)
	v.SetDefault("websocket.rate_limit_per_second", 10.0)
	v.SetDefault("websocket.rate_limit_burst", 20)
	v.SetDefault("websocket.allowed_origins", []string{})
	v.SetDefault("bidding.max_commit_attempts", 4)
	v.SetDefault("bidding.commit_timeout", 5*time.Second)
	v.SetDefault("closer.interval", 5*time.Second)
	v.SetDefault("log.level", "info")
}

var envBindings = map[string]string{
	"server.port":                     "SERVER_PORT",
	"server.host":                     "SERVER_HOST",
	"admin.port":                      "ADMIN_PORT",
	"admin.enabled":                   "ADMIN_ENABLED",
	"redis.address":                   "REDIS_ADDRESS",
	"redis.password":                  "REDIS_PASSWORD",
	"redis.db":                        "REDIS_DB",
	"redis.channel":                   "REDIS_CHANNEL",
	"mysql.dsn":                       "MYSQL_DSN",
	"mysql.max_open_conns":            "MYSQL_MAX_OPEN_CONNS",
	"mysql.max_idle_conns":            "MYSQL_MAX_IDLE_CONNS",
	"mysql.conn_max_lifetime":         "MYSQL_CONN_MAX_LIFETIME",
	"mysql.migrate":                   "MYSQL_MIGRATE",
	"leader.ttl":                      "LEADER_TTL",
	"instance.id":                     "INSTANCE_ID",
	"auth.jwt_secret":                 "JWT_SECRET",
	"auth.issuer":                     "JWT_ISSUER",
	"websocket.liveness_timeout":      "WS_LIVENESS_TIMEOUT",
	"websocket.rate_limit_per_second": "WS_RATE_LIMIT_PER_SECOND",
	"bidding.max_commit_attempts":     "BID_MAX_COMMIT_ATTEMPTS",
	"closer.interval":                 "CLOSER_INTERVAL",
	"log.level":                       "LOG_LEVEL",
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
	return v
}

// Load reads .env (if present), then config.yaml from the usual search paths,
// then environment variables. Missing files are not an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/live-auction/")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	return unmarshal(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if c.Bidding.MaxCommitAttempts < 1 {
		return fmt.Errorf("bidding.max_commit_attempts must be at least 1, got %d", c.Bidding.MaxCommitAttempts)
	}
	if c.WebSocket.PingPeriod >= c.WebSocket.LivenessTimeout {
		return fmt.Errorf("websocket.ping_period (%s) must be shorter than websocket.liveness_timeout (%s)",
			c.WebSocket.PingPeriod, c.WebSocket.LivenessTimeout)
	}
	if c.WebSocket.SendBuffer < 1 {
		return fmt.Errorf("websocket.send_buffer must be positive")
	}
	if c.Admin.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("admin.enabled requires auth.jwt_secret")
	}
	return nil
}

// GetConfigString returns a formatted string representation of the config
func (c *Config) GetConfigString() string {
	return fmt.Sprintf(
		"Server: %s:%d, Admin: %d, Redis: %s (%s), Instance: %s",
		c.Server.Host,
		c.Server.Port,
		c.Admin.Port,
		c.Redis.Address,
		c.Redis.Channel,
		c.Instance.ID,
	)
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "live-auction-1"
	}
	return host
}
